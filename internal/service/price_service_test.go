package service

import (
	"context"
	"testing"
	"time"

	"tickstream/internal/domain"
	"tickstream/internal/eventlog"

	"github.com/shopspring/decimal"
)

func TestPriceService_ProcessTicks(t *testing.T) {
	svc := NewPriceService()

	svc.ProcessTicks([]domain.NormTick{
		{Exchange: domain.Binance, Symbol: "BTC/USDT", Ts: 10, Price: 43250.5},
		{Exchange: domain.Binance, Symbol: "ETH/USDT", Ts: 10, Price: 2250},
		{Exchange: domain.Kraken, Symbol: "BTC/USD", Ts: 11, Price: 43100.1},
	})

	btc, ok := svc.GetData("BTC/USDT")
	if !ok {
		t.Fatal("BTC/USDT data should exist")
	}
	if btc.Quotes[domain.Binance].Price != 43250.5 {
		t.Errorf("Expected 43250.5, got %v", btc.Quotes[domain.Binance].Price)
	}
	if btc.SpreadPct != nil {
		t.Error("Spread needs two venues")
	}

	all := svc.GetAllData()
	if len(all) != 3 {
		t.Fatalf("Expected 3 items, got %d", len(all))
	}
	// Sorted by symbol
	if all[0].Symbol != "BTC/USD" || all[1].Symbol != "BTC/USDT" || all[2].Symbol != "ETH/USDT" {
		t.Errorf("Unexpected order: %s %s %s", all[0].Symbol, all[1].Symbol, all[2].Symbol)
	}
}

func TestPriceService_IgnoresOlderTicks(t *testing.T) {
	svc := NewPriceService()

	svc.ProcessTicks([]domain.NormTick{{Exchange: domain.Binance, Symbol: "BTC/USDT", Ts: 20, Price: 101}})
	svc.ProcessTicks([]domain.NormTick{{Exchange: domain.Binance, Symbol: "BTC/USDT", Ts: 15, Price: 99}})

	btc, _ := svc.GetData("BTC/USDT")
	if got := btc.Quotes[domain.Binance]; got.Ts != 20 || got.Price != 101 {
		t.Errorf("Older tick replaced newer one: %+v", got)
	}
}

func TestPriceService_CalculateSpread(t *testing.T) {
	svc := NewPriceService()

	svc.ProcessTicks([]domain.NormTick{
		{Exchange: domain.Binance, Symbol: "BTC/USDT", Ts: 1, Price: 100},
		{Exchange: domain.Poloniex, Symbol: "BTC/USDT", Ts: 1, Price: 102.5},
	})

	btc, _ := svc.GetData("BTC/USDT")
	if btc.SpreadPct == nil {
		t.Fatal("Spread should be calculated")
	}
	// (102.5 - 100) / 100 * 100 = 2.5
	if !btc.SpreadPct.Equal(decimal.NewFromFloat(2.5)) {
		t.Errorf("Expected spread 2.5, got %s", btc.SpreadPct)
	}
}

func TestPriceService_GetDataReturnsCopy(t *testing.T) {
	svc := NewPriceService()
	svc.ProcessTicks([]domain.NormTick{{Exchange: domain.Binance, Symbol: "BTC/USDT", Ts: 1, Price: 100}})

	view, _ := svc.GetData("BTC/USDT")
	view.Quotes[domain.Binance] = domain.NormTick{Price: 1}

	again, _ := svc.GetData("BTC/USDT")
	if again.Quotes[domain.Binance].Price != 100 {
		t.Error("Caller must not be able to mutate service state")
	}

	if _, ok := svc.GetData("DOGE/USDT"); ok {
		t.Error("Unknown symbol should not exist")
	}
}

func TestPriceService_Follow(t *testing.T) {
	log := eventlog.NewMemory()
	svc := NewPriceService()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Appended before Follow starts: never seen, the board starts at the newest entry.
	old := domain.NormTick{Exchange: domain.Binance, Symbol: "SOL/USDT", Ts: 1, Price: 20}
	if _, err := log.Append(ctx, "ticks:norm", old.Fields()); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		svc.Follow(ctx, log, "ticks:norm", "gateway.board", 20*time.Millisecond)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !groupReady(ctx, log) {
		if time.Now().After(deadline) {
			t.Fatal("board group was never created")
		}
		time.Sleep(5 * time.Millisecond)
	}

	tick := domain.NormTick{Exchange: domain.Kraken, Symbol: "ETH/USD", Ts: 2, Price: 2249.5}
	if _, err := log.Append(ctx, "ticks:norm", tick.Fields()); err != nil {
		t.Fatal(err)
	}

	for {
		if view, ok := svc.GetData("ETH/USD"); ok {
			if view.Quotes[domain.Kraken].Price != 2249.5 {
				t.Errorf("unexpected quote %+v", view.Quotes[domain.Kraken])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("tick never reached the board")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, ok := svc.GetData("SOL/USDT"); ok {
		t.Error("Entries older than the group must not be replayed")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Follow did not stop on cancel")
	}
}

// groupReady reports whether the board group exists by probing it with a non-blocking pending read.
func groupReady(ctx context.Context, log eventlog.Log) bool {
	_, err := log.Pending(ctx, "ticks:norm", "gateway.board", "check", 1)
	return err == nil
}
