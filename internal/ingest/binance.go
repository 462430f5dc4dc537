package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"tickstream/internal/domain"
)

const (
	binanceAllMiniTickers = "wss://stream.binance.com:9443/ws/!miniTicker@arr"
	binanceRawStream      = "wss://stream.binance.com:9443/ws"
)

// binanceMiniTicker is one entry of the !miniTicker@arr snapshot or a <symbol>@miniTicker event.
// Only s and c are decoded; "E" is the numeric event time.
type binanceMiniTicker struct {
	Symbol string          `json:"s"`
	Close  json.RawMessage `json:"c"`
}

type binanceSubscribe struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int      `json:"id"`
}

// binance streams every symbol's mini ticker when no symbols are configured,
// otherwise it subscribes to the configured symbols on the raw stream endpoint.
type binance struct {
	endpoint string
	symbols  []string
}

func newBinance(endpoint string, symbols []string) *binance {
	if endpoint == "" {
		endpoint = binanceAllMiniTickers
		if len(symbols) > 0 {
			endpoint = binanceRawStream
		}
	}
	return &binance{endpoint: endpoint, symbols: symbols}
}

func (b *binance) venue() {}

func (b *binance) Exchange() domain.Exchange { return domain.Binance }

func (b *binance) Endpoint() string { return b.endpoint }

func (b *binance) KeepAlive() []byte { return nil }

func (b *binance) SubscribeMessages() ([][]byte, error) {
	if len(b.symbols) == 0 {
		return nil, nil
	}
	params := make([]string, len(b.symbols))
	for i, s := range b.symbols {
		params[i] = strings.ToLower(s) + "@miniTicker"
	}
	msg, err := json.Marshal(binanceSubscribe{Method: "SUBSCRIBE", Params: params, ID: 1})
	if err != nil {
		return nil, err
	}
	return [][]byte{msg}, nil
}

func (b *binance) Extract(msg []byte) ([]Quote, int, error) {
	msg = bytes.TrimSpace(msg)
	if len(msg) == 0 {
		return nil, 0, nil
	}

	var tickers []binanceMiniTicker
	switch msg[0] {
	case '[':
		if err := json.Unmarshal(msg, &tickers); err != nil {
			return nil, 0, fmt.Errorf("binance snapshot: %w", err)
		}
	case '{':
		var t binanceMiniTicker
		if err := json.Unmarshal(msg, &t); err != nil {
			return nil, 0, fmt.Errorf("binance event: %w", err)
		}
		// {"result":null,"id":1} acknowledges the subscription.
		if t.Symbol == "" {
			return nil, 0, nil
		}
		tickers = append(tickers, t)
	default:
		return nil, 0, fmt.Errorf("binance: unexpected message %q", msg[:1])
	}

	quotes := make([]Quote, 0, len(tickers))
	skipped := 0
	for _, t := range tickers {
		price, ok := parsePrice(t.Close)
		if t.Symbol == "" || !ok {
			skipped++
			continue
		}
		quotes = append(quotes, Quote{Symbol: t.Symbol, Price: price})
	}
	return quotes, skipped, nil
}
