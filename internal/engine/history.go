package engine

import (
	"math"
	"time"
)

// DefaultHistorySize bounds each key's price history.
const DefaultHistorySize = 2000

// Sample is one (ts, price) observation.
type Sample struct {
	Ts    float64
	Price float64
}

// PriceHistory is a fixed-capacity ring buffer of samples in arrival order.
// Once full, each Add evicts the oldest sample. Not safe for concurrent use.
type PriceHistory struct {
	buf   []Sample
	start int // index of the oldest sample
	n     int
}

// NewPriceHistory creates an empty history holding at most capacity samples.
func NewPriceHistory(capacity int) *PriceHistory {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &PriceHistory{buf: make([]Sample, capacity)}
}

// Add appends a sample, evicting the oldest when the buffer is full.
func (h *PriceHistory) Add(ts, price float64) {
	if h.n < len(h.buf) {
		h.buf[(h.start+h.n)%len(h.buf)] = Sample{Ts: ts, Price: price}
		h.n++
		return
	}
	h.buf[h.start] = Sample{Ts: ts, Price: price}
	h.start = (h.start + 1) % len(h.buf)
}

func (h *PriceHistory) Len() int {
	return h.n
}

func (h *PriceHistory) Cap() int {
	return len(h.buf)
}

// At returns the i-th retained sample, 0 being the oldest.
func (h *PriceHistory) At(i int) Sample {
	return h.buf[(h.start+i)%len(h.buf)]
}

// PriceAt returns the price of the most recent sample with Ts <= ts.
// It scans backwards from the newest sample.
func (h *PriceHistory) PriceAt(ts float64) (float64, bool) {
	for i := h.n - 1; i >= 0; i-- {
		if s := h.At(i); s.Ts <= ts {
			return s.Price, true
		}
	}
	return 0, false
}

// Lookback computes the change of price against the sample at or before ts - horizon.
// Both results are nil when no such sample exists, its price is zero, or the change
// is not finite (a subnormal base overflows the percentage).
func (h *PriceHistory) Lookback(ts, price float64, horizon time.Duration) (delta, pct *float64) {
	base, ok := h.PriceAt(ts - horizon.Seconds())
	if !ok || base == 0 {
		return nil, nil
	}
	d := price - base
	p := 100 * d / base
	if math.IsInf(p, 0) || math.IsNaN(p) || math.IsInf(d, 0) {
		return nil, nil
	}
	return &d, &p
}
