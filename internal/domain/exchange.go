package domain

import (
	"fmt"
	"strings"
)

// Exchange identifies a supported venue.
type Exchange string

const (
	Binance  Exchange = "binance"
	Kraken   Exchange = "kraken"
	Poloniex Exchange = "poloniex"
)

// Exchanges lists every supported venue.
var Exchanges = []Exchange{Binance, Kraken, Poloniex}

// ParseExchange resolves a venue identifier, case-insensitively.
func ParseExchange(s string) (Exchange, error) {
	ex := Exchange(strings.ToLower(strings.TrimSpace(s)))
	switch ex {
	case Binance, Kraken, Poloniex:
		return ex, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownExchange, s)
	}
}

func (e Exchange) String() string {
	return string(e)
}

// Key is the (exchange, canonical symbol) pair that owns history and throttle state.
type Key struct {
	Exchange Exchange
	Symbol   string
}

func (k Key) String() string {
	return string(k.Exchange) + ":" + k.Symbol
}
