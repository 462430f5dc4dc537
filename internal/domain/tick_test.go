package domain

import (
	"errors"
	"math"
	"testing"
)

func TestRawTick_Fields(t *testing.T) {
	tick := RawTick{Exchange: Binance, SymbolRaw: "BTCUSDT", Ts: 1700000000.125, Price: 43250.5}

	got, err := ParseRawTick(tick.Fields())
	if err != nil {
		t.Fatalf("ParseRawTick failed: %v", err)
	}
	if got != tick {
		t.Errorf("got %+v, want %+v", got, tick)
	}
}

func TestParseRawTick_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]string
		want   error
	}{
		{"unknown exchange", map[string]string{"exchange": "ftx", "symbol_raw": "BTCUSDT", "ts": "1", "price": "1"}, ErrMalformedRecord},
		{"missing symbol", map[string]string{"exchange": "binance", "ts": "1", "price": "1"}, ErrMalformedRecord},
		{"missing ts", map[string]string{"exchange": "binance", "symbol_raw": "BTCUSDT", "price": "1"}, ErrMalformedRecord},
		{"bad price", map[string]string{"exchange": "binance", "symbol_raw": "BTCUSDT", "ts": "1", "price": "abc"}, ErrMalformedRecord},
		{"negative price", map[string]string{"exchange": "binance", "symbol_raw": "BTCUSDT", "ts": "1", "price": "-3"}, ErrInvalidPrice},
		{"nan price", map[string]string{"exchange": "binance", "symbol_raw": "BTCUSDT", "ts": "1", "price": "NaN"}, ErrInvalidPrice},
		{"infinite ts", map[string]string{"exchange": "binance", "symbol_raw": "BTCUSDT", "ts": "+Inf", "price": "1"}, ErrMalformedRecord},
		{"nan ts", map[string]string{"exchange": "binance", "symbol_raw": "BTCUSDT", "ts": "NaN", "price": "1"}, ErrMalformedRecord},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRawTick(tt.fields)
			if !errors.Is(err, tt.want) {
				t.Errorf("ParseRawTick() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestNormTick_OptionalFields(t *testing.T) {
	delta := 8.0
	pct := 7.8431372549019605

	t.Run("absent fields stay absent", func(t *testing.T) {
		tick := NormTick{Exchange: Kraken, Symbol: "BTC/USD", Ts: 15, Price: 110}
		fields := tick.Fields()
		if _, ok := fields[FieldDelta10s]; ok {
			t.Error("delta_10s should be omitted when nil")
		}

		got, err := ParseNormTick(fields)
		if err != nil {
			t.Fatalf("ParseNormTick failed: %v", err)
		}
		if got.Delta10s != nil || got.Pct1m != nil {
			t.Error("Lagged fields should decode as nil, not zero")
		}
	})

	t.Run("present fields keep precision", func(t *testing.T) {
		tick := NormTick{Exchange: Kraken, Symbol: "BTC/USD", Ts: 15, Price: 110, Delta10s: &delta, Pct10s: &pct}
		got, err := ParseNormTick(tick.Fields())
		if err != nil {
			t.Fatalf("ParseNormTick failed: %v", err)
		}
		if got.Delta10s == nil || *got.Delta10s != delta {
			t.Errorf("Delta10s = %v, want %v", got.Delta10s, delta)
		}
		if got.Pct10s == nil || *got.Pct10s != pct {
			t.Errorf("Pct10s = %v, want %v", got.Pct10s, pct)
		}
	})
}

func TestParseNormTick_RejectsNonFinite(t *testing.T) {
	base := func() map[string]string {
		return map[string]string{"exchange": "kraken", "symbol": "BTC/USD", "ts": "15", "price": "110"}
	}

	tests := []struct {
		field string
		value string
	}{
		{FieldTs, "Inf"},
		{FieldTs, "NaN"},
		{FieldPct10s, "+Inf"},
		{FieldDelta1m, "-Inf"},
		{FieldPct1m, "NaN"},
	}
	for _, tt := range tests {
		t.Run(tt.field+"="+tt.value, func(t *testing.T) {
			fields := base()
			fields[tt.field] = tt.value
			if _, err := ParseNormTick(fields); !errors.Is(err, ErrMalformedRecord) {
				t.Errorf("ParseNormTick() error = %v, want %v", err, ErrMalformedRecord)
			}
		})
	}
}

func TestValidPrice(t *testing.T) {
	cases := map[float64]bool{
		0:            true,
		43000.12:     true,
		-0.01:        false,
		math.NaN():   false,
		math.Inf(1):  false,
		math.Inf(-1): false,
	}
	for p, want := range cases {
		if got := ValidPrice(p); got != want {
			t.Errorf("ValidPrice(%v) = %v, want %v", p, got, want)
		}
	}
}

func TestNormTick_Time(t *testing.T) {
	tick := NormTick{Ts: 1700000000.5}
	got := tick.Time()
	if got.Unix() != 1700000000 || got.Nanosecond() != 500000000 {
		t.Errorf("Time() = %v", got)
	}
}

func TestSymbolMap_Canonical(t *testing.T) {
	m := DefaultSymbolMap()

	if sym, ok := m.Canonical(Kraken, "XBT/USD"); !ok || sym != "BTC/USD" {
		t.Errorf("Kraken XBT/USD -> %q, %v", sym, ok)
	}
	if _, ok := m.Canonical(Binance, "DOGEUSDT"); ok {
		t.Error("DOGEUSDT should be unmapped")
	}
	if _, ok := m.Canonical(Exchange("ftx"), "BTCUSDT"); ok {
		t.Error("unknown exchange should have no mapping")
	}
}

func TestParseExchange(t *testing.T) {
	if ex, err := ParseExchange(" Binance "); err != nil || ex != Binance {
		t.Errorf("ParseExchange(Binance) = %v, %v", ex, err)
	}
	if _, err := ParseExchange("coinbase"); !errors.Is(err, ErrUnknownExchange) {
		t.Errorf("expected ErrUnknownExchange, got %v", err)
	}
}
