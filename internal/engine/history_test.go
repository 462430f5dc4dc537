package engine

import (
	"math"
	"testing"
	"time"
)

func TestPriceHistory_PriceAt(t *testing.T) {
	h := NewPriceHistory(10)
	h.Add(0, 100)
	h.Add(5, 102)
	h.Add(12, 105)

	tests := []struct {
		ts    float64
		want  float64
		found bool
	}{
		{-1, 0, false},
		{0, 100, true},
		{4.9, 100, true},
		{5, 102, true},
		{11.99, 102, true},
		{12, 105, true},
		{1000, 105, true},
	}
	for _, tt := range tests {
		got, ok := h.PriceAt(tt.ts)
		if ok != tt.found || got != tt.want {
			t.Errorf("PriceAt(%v) = %v, %v; want %v, %v", tt.ts, got, ok, tt.want, tt.found)
		}
	}
}

func TestPriceHistory_Bound(t *testing.T) {
	h := NewPriceHistory(3)
	for i := 0; i < 5; i++ {
		h.Add(float64(i), float64(100+i))
	}

	if h.Len() != 3 {
		t.Fatalf("Expected 3 samples, got %d", h.Len())
	}
	if s := h.At(0); s.Ts != 2 || s.Price != 102 {
		t.Errorf("Expected oldest sample (2, 102), got %+v", s)
	}
	// Samples at ts 0 and 1 were evicted, so nothing is at or before ts 1 any more.
	if _, ok := h.PriceAt(1); ok {
		t.Error("Evicted sample should not be reachable")
	}
	if p, ok := h.PriceAt(2.5); !ok || p != 102 {
		t.Errorf("PriceAt(2.5) = %v, %v", p, ok)
	}
}

func TestPriceHistory_DefaultCapacity(t *testing.T) {
	if got := NewPriceHistory(0).Cap(); got != DefaultHistorySize {
		t.Errorf("Expected default capacity %d, got %d", DefaultHistorySize, got)
	}
}

func TestPriceHistory_Lookback(t *testing.T) {
	h := NewPriceHistory(10)
	h.Add(0, 100)
	h.Add(5, 102)
	h.Add(12, 105)
	h.Add(15, 110)

	delta, pct := h.Lookback(15, 110, 10*time.Second)
	if delta == nil || *delta != 8 {
		t.Fatalf("delta_10s = %v, want 8", delta)
	}
	if math.Abs(*pct-7.843137) > 1e-5 {
		t.Errorf("pct_10s = %v, want ~7.843", *pct)
	}

	if delta, pct := h.Lookback(15, 110, time.Minute); delta != nil || pct != nil {
		t.Error("No sample exists at or before -45, 1m fields must be absent")
	}
}

func TestPriceHistory_LookbackZeroBase(t *testing.T) {
	h := NewPriceHistory(10)
	h.Add(0, 0)
	h.Add(20, 5)

	if delta, pct := h.Lookback(20, 5, 10*time.Second); delta != nil || pct != nil {
		t.Errorf("Zero base price must omit both fields, got %v %v", delta, pct)
	}
}

func TestPriceHistory_LookbackOverflow(t *testing.T) {
	h := NewPriceHistory(10)
	h.Add(0, 5e-324)

	if delta, pct := h.Lookback(11, 1, 10*time.Second); delta != nil || pct != nil {
		t.Errorf("Non-finite pct must omit both fields, got %v %v", delta, pct)
	}
}

func BenchmarkPriceHistory_Lookback(b *testing.B) {
	h := NewPriceHistory(DefaultHistorySize)
	for i := 0; i < DefaultHistorySize; i++ {
		h.Add(float64(i)*0.25, 100)
	}
	now := float64(DefaultHistorySize) * 0.25

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		h.Lookback(now, 101, time.Minute)
	}
}
