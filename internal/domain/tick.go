package domain

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// Look-back horizons for the lagged delta fields.
const (
	Horizon10s = 10 * time.Second
	Horizon1m  = 60 * time.Second
)

// Wire field names shared by the raw and normalized topics.
const (
	FieldExchange  = "exchange"
	FieldSymbolRaw = "symbol_raw"
	FieldSymbol    = "symbol"
	FieldTs        = "ts"
	FieldPrice     = "price"
	FieldDelta10s  = "delta_10s"
	FieldPct10s    = "pct_10s"
	FieldDelta1m   = "delta_1m"
	FieldPct1m     = "pct_1m"
)

// RawTick is a price observation exactly as captured by an ingestion adapter.
type RawTick struct {
	Exchange  Exchange `json:"exchange"`
	SymbolRaw string   `json:"symbol_raw"` // exchange-native, e.g. "BTCUSDT", "XBT/USD"
	Ts        float64  `json:"ts"`         // local capture time, unix seconds
	Price     float64  `json:"price"`
}

// NormTick is a canonicalized tick with optional lagged deltas.
// A lagged field is nil when no sample existed at or before ts - horizon.
type NormTick struct {
	Exchange Exchange `json:"exchange"`
	Symbol   string   `json:"symbol"` // canonical, e.g. "BTC/USDT"
	Ts       float64  `json:"ts"`
	Price    float64  `json:"price"`
	Delta10s *float64 `json:"delta_10s,omitempty"`
	Pct10s   *float64 `json:"pct_10s,omitempty"`
	Delta1m  *float64 `json:"delta_1m,omitempty"`
	Pct1m    *float64 `json:"pct_1m,omitempty"`
}

// ValidPrice reports whether p is finite and non-negative.
func ValidPrice(p float64) bool {
	return finite(p) && p >= 0
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// UnixSeconds converts a wall-clock time to fractional unix seconds.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// Time converts the tick timestamp back to a UTC time.
func (t NormTick) Time() time.Time {
	sec, frac := math.Modf(t.Ts)
	return time.Unix(int64(sec), int64(math.Round(frac*1e9))).UTC()
}

// Key returns the state key of the tick.
func (t NormTick) Key() Key {
	return Key{Exchange: t.Exchange, Symbol: t.Symbol}
}

// Fields encodes the tick as a flat log record.
func (t RawTick) Fields() map[string]string {
	return map[string]string{
		FieldExchange:  string(t.Exchange),
		FieldSymbolRaw: t.SymbolRaw,
		FieldTs:        formatFloat(t.Ts),
		FieldPrice:     formatFloat(t.Price),
	}
}

// ParseRawTick decodes a raw topic record.
func ParseRawTick(fields map[string]string) (RawTick, error) {
	ex, err := ParseExchange(fields[FieldExchange])
	if err != nil {
		return RawTick{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	sym := fields[FieldSymbolRaw]
	if sym == "" {
		return RawTick{}, fmt.Errorf("%w: missing %s", ErrMalformedRecord, FieldSymbolRaw)
	}
	ts, err := parseTs(fields)
	if err != nil {
		return RawTick{}, err
	}
	price, err := parsePrice(fields)
	if err != nil {
		return RawTick{}, err
	}
	return RawTick{Exchange: ex, SymbolRaw: sym, Ts: ts, Price: price}, nil
}

// Fields encodes the tick as a flat log record; absent lagged fields are omitted.
func (t NormTick) Fields() map[string]string {
	f := map[string]string{
		FieldExchange: string(t.Exchange),
		FieldSymbol:   t.Symbol,
		FieldTs:       formatFloat(t.Ts),
		FieldPrice:    formatFloat(t.Price),
	}
	putOptional(f, FieldDelta10s, t.Delta10s)
	putOptional(f, FieldPct10s, t.Pct10s)
	putOptional(f, FieldDelta1m, t.Delta1m)
	putOptional(f, FieldPct1m, t.Pct1m)
	return f
}

// ParseNormTick decodes a normalized topic record.
func ParseNormTick(fields map[string]string) (NormTick, error) {
	ex, err := ParseExchange(fields[FieldExchange])
	if err != nil {
		return NormTick{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	sym := fields[FieldSymbol]
	if sym == "" {
		return NormTick{}, fmt.Errorf("%w: missing %s", ErrMalformedRecord, FieldSymbol)
	}
	ts, err := parseTs(fields)
	if err != nil {
		return NormTick{}, err
	}
	price, err := parsePrice(fields)
	if err != nil {
		return NormTick{}, err
	}

	tick := NormTick{Exchange: ex, Symbol: sym, Ts: ts, Price: price}
	for name, dst := range map[string]**float64{
		FieldDelta10s: &tick.Delta10s,
		FieldPct10s:   &tick.Pct10s,
		FieldDelta1m:  &tick.Delta1m,
		FieldPct1m:    &tick.Pct1m,
	} {
		if *dst, err = parseOptional(fields, name); err != nil {
			return NormTick{}, err
		}
	}
	return tick, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func putOptional(f map[string]string, name string, v *float64) {
	if v != nil {
		f[name] = formatFloat(*v)
	}
}

func parseRequired(fields map[string]string, name string) (float64, error) {
	raw, ok := fields[name]
	if !ok {
		return 0, fmt.Errorf("%w: missing %s", ErrMalformedRecord, name)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", ErrMalformedRecord, name, raw)
	}
	return v, nil
}

// parseTs rejects non-finite timestamps; strconv accepts "Inf" and "NaN".
func parseTs(fields map[string]string) (float64, error) {
	ts, err := parseRequired(fields, FieldTs)
	if err != nil {
		return 0, err
	}
	if !finite(ts) {
		return 0, fmt.Errorf("%w: %s=%v", ErrMalformedRecord, FieldTs, ts)
	}
	return ts, nil
}

func parsePrice(fields map[string]string) (float64, error) {
	price, err := parseRequired(fields, FieldPrice)
	if err != nil {
		return 0, err
	}
	if !ValidPrice(price) {
		return 0, fmt.Errorf("%w: %v", ErrInvalidPrice, price)
	}
	return price, nil
}

func parseOptional(fields map[string]string, name string) (*float64, error) {
	raw, ok := fields[name]
	if !ok || raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || !finite(v) {
		return nil, fmt.Errorf("%w: %s=%q", ErrMalformedRecord, name, raw)
	}
	return &v, nil
}
