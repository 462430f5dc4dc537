package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"

	"tickstream/internal/domain"
)

const krakenPublic = "wss://ws.kraken.com"

type krakenSubscribe struct {
	Event        string   `json:"event"`
	Pair         []string `json:"pair"`
	Subscription struct {
		Name string `json:"name"`
	} `json:"subscription"`
}

// krakenTicker is the payload of a v1 ticker channel message. c is [price, lot volume].
type krakenTicker struct {
	Close []json.RawMessage `json:"c"`
}

// kraken speaks the v1 public API: [channelID, {ticker}, "ticker", "XBT/USD"].
type kraken struct {
	endpoint string
	pairs    []string
}

func newKraken(endpoint string, pairs []string) *kraken {
	if endpoint == "" {
		endpoint = krakenPublic
	}
	return &kraken{endpoint: endpoint, pairs: pairs}
}

func (k *kraken) venue() {}

func (k *kraken) Exchange() domain.Exchange { return domain.Kraken }

func (k *kraken) Endpoint() string { return k.endpoint }

func (k *kraken) KeepAlive() []byte { return nil }

func (k *kraken) SubscribeMessages() ([][]byte, error) {
	if len(k.pairs) == 0 {
		return nil, nil
	}
	sub := krakenSubscribe{Event: "subscribe", Pair: k.pairs}
	sub.Subscription.Name = "ticker"
	msg, err := json.Marshal(sub)
	if err != nil {
		return nil, err
	}
	return [][]byte{msg}, nil
}

func (k *kraken) Extract(msg []byte) ([]Quote, int, error) {
	msg = bytes.TrimSpace(msg)
	// Objects are heartbeat, systemStatus and subscriptionStatus events.
	if len(msg) == 0 || msg[0] != '[' {
		return nil, 0, nil
	}

	var frame []json.RawMessage
	if err := json.Unmarshal(msg, &frame); err != nil {
		return nil, 0, fmt.Errorf("kraken frame: %w", err)
	}
	if len(frame) < 4 || symbolString(frame[len(frame)-2]) != "ticker" {
		return nil, 0, nil
	}

	pair := symbolString(frame[len(frame)-1])
	var payload krakenTicker
	if err := json.Unmarshal(frame[1], &payload); err != nil {
		return nil, 0, fmt.Errorf("kraken ticker: %w", err)
	}
	if len(payload.Close) == 0 {
		return nil, 0, nil
	}

	price, ok := parsePrice(payload.Close[0])
	if pair == "" || !ok {
		return nil, 1, nil
	}
	return []Quote{{Symbol: pair, Price: price}}, 0, nil
}
