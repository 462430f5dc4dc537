package domain

// SymbolMap maps exchange-native symbols to canonical "BASE/QUOTE" symbols.
// It is built once at startup and only read afterwards.
type SymbolMap map[Exchange]map[string]string

// DefaultSymbolMap covers BTC, ETH and SOL on every supported venue.
// Kraken quotes in USD, so its pairs keep a distinct USD canonical form.
func DefaultSymbolMap() SymbolMap {
	return SymbolMap{
		Binance: {
			"BTCUSDT": "BTC/USDT",
			"ETHUSDT": "ETH/USDT",
			"SOLUSDT": "SOL/USDT",
		},
		Kraken: {
			"XBT/USD": "BTC/USD",
			"ETH/USD": "ETH/USD",
			"SOL/USD": "SOL/USD",
		},
		Poloniex: {
			"BTC_USDT": "BTC/USDT",
			"ETH_USDT": "ETH/USDT",
			"SOL_USDT": "SOL/USDT",
		},
	}
}

// Canonical returns the canonical symbol for a raw symbol on an exchange.
func (m SymbolMap) Canonical(ex Exchange, raw string) (string, bool) {
	sym, ok := m[ex][raw]
	return sym, ok
}

// RawSymbols lists the raw symbols mapped for an exchange.
func (m SymbolMap) RawSymbols(ex Exchange) []string {
	out := make([]string, 0, len(m[ex]))
	for raw := range m[ex] {
		out = append(out, raw)
	}
	return out
}
