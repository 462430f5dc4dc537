// Package ingest bridges exchange push feeds into raw ticks on the event log.
package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"tickstream/internal/domain"

	"github.com/shopspring/decimal"
)

// Quote is one (raw symbol, price) pair extracted from a push message.
type Quote struct {
	Symbol string
	Price  float64
}

// Venue decodes one exchange's wire protocol. The set of venues is closed:
// only NewVenue builds them.
type Venue interface {
	Exchange() domain.Exchange
	Endpoint() string

	// SubscribeMessages are sent right after the connection opens. Nil when the endpoint streams unprompted.
	SubscribeMessages() ([][]byte, error)

	// Extract returns the quotes carried by one message. Control, heartbeat and status
	// messages yield no quotes and no error. An entry whose price does not parse is skipped
	// and counted in skipped; err is set only when the message itself cannot be decoded.
	Extract(msg []byte) (quotes []Quote, skipped int, err error)

	// KeepAlive is an application-level ping to send periodically, or nil.
	KeepAlive() []byte

	venue()
}

// NewVenue builds the adapter protocol for an exchange. An empty endpoint selects the public default.
func NewVenue(ex domain.Exchange, endpoint string, symbols []string) (Venue, error) {
	switch ex {
	case domain.Binance:
		return newBinance(endpoint, symbols), nil
	case domain.Kraken:
		return newKraken(endpoint, symbols), nil
	case domain.Poloniex:
		return newPoloniex(endpoint, symbols), nil
	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownExchange, ex)
	}
}

// parsePrice accepts a JSON string or number and rejects anything that is not a valid price.
func parsePrice(raw json.RawMessage) (float64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, false
	}

	s := string(raw)
	if raw[0] == '"' {
		unq, err := strconv.Unquote(s)
		if err != nil {
			return 0, false
		}
		s = unq
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, false
	}
	p := d.InexactFloat64()
	if !domain.ValidPrice(p) {
		return 0, false
	}
	return p, true
}

// symbolString reads a JSON string symbol, or returns "" for anything else.
func symbolString(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return s
}

func firstNonEmpty(fields ...json.RawMessage) json.RawMessage {
	for _, f := range fields {
		if len(f) > 0 && !bytes.Equal(bytes.TrimSpace(f), []byte("null")) {
			return f
		}
	}
	return nil
}
