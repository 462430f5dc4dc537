package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"

	"tickstream/internal/domain"
)

const poloniexPublic = "wss://ws.poloniex.com/ws/public"

var poloniexPing = []byte(`{"event":"ping"}`)

type poloniexSubscribe struct {
	Event   string   `json:"event"`
	Channel []string `json:"channel"`
	Symbols []string `json:"symbols"`
}

// poloniexMessage covers both the channel push {"channel":"ticker","data":[...]}
// and flat objects carrying symbol|s and price|p.
type poloniexMessage struct {
	Data   []poloniexTicker `json:"data"`
	Symbol json.RawMessage  `json:"symbol"`
	S      json.RawMessage  `json:"s"`
	Price  json.RawMessage  `json:"price"`
	P      json.RawMessage  `json:"p"`
}

type poloniexTicker struct {
	Symbol string          `json:"symbol"`
	Close  json.RawMessage `json:"close"`
	Price  json.RawMessage `json:"price"`
}

type poloniex struct {
	endpoint string
	symbols  []string
}

func newPoloniex(endpoint string, symbols []string) *poloniex {
	if endpoint == "" {
		endpoint = poloniexPublic
	}
	return &poloniex{endpoint: endpoint, symbols: symbols}
}

func (p *poloniex) venue() {}

func (p *poloniex) Exchange() domain.Exchange { return domain.Poloniex }

func (p *poloniex) Endpoint() string { return p.endpoint }

// KeepAlive is required: the server drops sessions idle for 30s.
func (p *poloniex) KeepAlive() []byte { return poloniexPing }

func (p *poloniex) SubscribeMessages() ([][]byte, error) {
	if len(p.symbols) == 0 {
		return nil, nil
	}
	msg, err := json.Marshal(poloniexSubscribe{Event: "subscribe", Channel: []string{"ticker"}, Symbols: p.symbols})
	if err != nil {
		return nil, err
	}
	return [][]byte{msg}, nil
}

func (p *poloniex) Extract(msg []byte) ([]Quote, int, error) {
	msg = bytes.TrimSpace(msg)
	if len(msg) == 0 || msg[0] != '{' {
		return nil, 0, nil
	}

	var m poloniexMessage
	if err := json.Unmarshal(msg, &m); err != nil {
		return nil, 0, fmt.Errorf("poloniex message: %w", err)
	}

	if len(m.Data) > 0 {
		quotes := make([]Quote, 0, len(m.Data))
		skipped := 0
		for _, t := range m.Data {
			price, ok := parsePrice(firstNonEmpty(t.Close, t.Price))
			if t.Symbol == "" || !ok {
				skipped++
				continue
			}
			quotes = append(quotes, Quote{Symbol: t.Symbol, Price: price})
		}
		return quotes, skipped, nil
	}

	// pong, subscribe acks and errors carry neither symbol nor price.
	symRaw := firstNonEmpty(m.Symbol, m.S)
	priceRaw := firstNonEmpty(m.Price, m.P)
	if symRaw == nil || priceRaw == nil {
		return nil, 0, nil
	}
	sym := symbolString(symRaw)
	price, ok := parsePrice(priceRaw)
	if sym == "" || !ok {
		return nil, 1, nil
	}
	return []Quote{{Symbol: sym, Price: price}}, 0, nil
}
