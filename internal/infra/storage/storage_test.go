package storage

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"

	"tickstream/internal/domain"
)

func setupTestDB(t *testing.T) *Storage {
	dsn := "sqlite:" + filepath.Join(t.TempDir(), "test.db")
	s, err := Open(dsn, true)
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
	})
	return s
}

func f(v float64) *float64 { return &v }

func TestInsertAndRecent(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	ticks := []domain.NormTick{
		{Exchange: domain.Binance, Symbol: "BTC/USDT", Ts: 1700000000.125, Price: 43250.5},
		{Exchange: domain.Binance, Symbol: "BTC/USDT", Ts: 1700000015.5, Price: 43258.5,
			Delta10s: f(8), Pct10s: f(7.8431372549019605)},
		{Exchange: domain.Kraken, Symbol: "BTC/USD", Ts: 1700000001, Price: 43100.1},
	}

	// 1. Insert
	if err := s.InsertTicks(ctx, ticks); err != nil {
		t.Fatalf("InsertTicks failed: %v", err)
	}

	n, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 rows, got %d", n)
	}

	// 2. Recent, newest first
	got, err := s.Recent(ctx, domain.Binance, "BTC/USDT", 10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 binance rows, got %d", len(got))
	}

	latest := got[0]
	if latest.Ts != 1700000015.5 || latest.Price != 43258.5 {
		t.Errorf("unexpected latest tick %+v", latest)
	}
	if latest.Delta10s == nil || *latest.Delta10s != 8 {
		t.Errorf("expected delta_10s 8, got %v", latest.Delta10s)
	}
	if latest.Pct10s == nil || *latest.Pct10s != 7.8431372549019605 {
		t.Errorf("expected pct_10s to keep full precision, got %v", latest.Pct10s)
	}
	if latest.Delta1m != nil || latest.Pct1m != nil {
		t.Error("absent lagged fields must stay NULL")
	}

	if got[1].Ts != 1700000000.125 || got[1].Delta10s != nil {
		t.Errorf("unexpected older tick %+v", got[1])
	}
}

func TestInsertTicks_Empty(t *testing.T) {
	s := setupTestDB(t)
	if err := s.InsertTicks(context.Background(), nil); err != nil {
		t.Errorf("empty insert should be a no-op, got %v", err)
	}
}

func TestRecent_Limit(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	var ticks []domain.NormTick
	for i := 0; i < 5; i++ {
		ticks = append(ticks, domain.NormTick{Exchange: domain.Poloniex, Symbol: "ETH/USDT", Ts: float64(1700000000 + i), Price: 2250})
	}
	if err := s.InsertTicks(ctx, ticks); err != nil {
		t.Fatalf("InsertTicks failed: %v", err)
	}

	got, err := s.Recent(ctx, domain.Poloniex, "ETH/USDT", 2)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(got) != 2 || got[0].Ts != 1700000004 {
		t.Errorf("expected the 2 newest rows, got %+v", got)
	}
}

func TestTickRow_RoundTrip(t *testing.T) {
	tick := domain.NormTick{Exchange: domain.Kraken, Symbol: "ETH/USD", Ts: 1700000000.25, Price: 0.1 + 0.2,
		Delta1m: f(-1.5), Pct1m: f(-0.0001)}

	row, err := NewTickRow(tick)
	if err != nil {
		t.Fatalf("NewTickRow failed: %v", err)
	}
	got := row.Tick()
	if got.Price != tick.Price {
		t.Errorf("price %v != %v", got.Price, tick.Price)
	}
	if got.Ts != tick.Ts {
		t.Errorf("ts %v != %v", got.Ts, tick.Ts)
	}
	if got.Delta1m == nil || *got.Delta1m != -1.5 || got.Pct1m == nil || *got.Pct1m != -0.0001 {
		t.Errorf("lagged fields lost: %+v", got)
	}
	if got.Delta10s != nil {
		t.Error("nil field should stay nil")
	}
}

func TestInsertTicks_RejectsNonFinite(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	ticks := []domain.NormTick{
		{Exchange: domain.Binance, Symbol: "BTC/USDT", Ts: 1700000000, Price: 1},
		{Exchange: domain.Binance, Symbol: "BTC/USDT", Ts: 1700000011, Price: 1, Delta10s: f(1), Pct10s: f(math.Inf(1))},
	}
	err := s.InsertTicks(ctx, ticks)
	if !errors.Is(err, domain.ErrMalformedRecord) {
		t.Fatalf("expected ErrMalformedRecord, got %v", err)
	}

	n, err := s.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("a rejected batch must insert nothing, got %d rows", n)
	}

	if _, err := NewTickRow(domain.NormTick{Exchange: domain.Binance, Symbol: "BTC/USDT", Ts: math.NaN(), Price: 1}); !errors.Is(err, domain.ErrMalformedRecord) {
		t.Errorf("NaN ts: expected ErrMalformedRecord, got %v", err)
	}
}

func TestOpen_WithoutMigrate(t *testing.T) {
	if _, err := Open("sqlite:"+filepath.Join(t.TempDir(), "x.db"), false); err != nil {
		t.Errorf("sqlite open without migrate failed: %v", err)
	}
}
