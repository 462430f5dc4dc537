package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"tickstream/internal/domain"
	"tickstream/internal/eventlog"
	"tickstream/internal/infra"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const gatewayGroup = "gateway"

func newTestGateway(t *testing.T, log eventlog.Log, fanout string, board *PriceService) (*Gateway, *httptest.Server) {
	t.Helper()
	gw := NewGateway(log, board, GatewayConfig{
		Topic:      normTopic,
		Group:      gatewayGroup,
		Fanout:     fanout,
		BatchSize:  200,
		Block:      20 * time.Millisecond,
		ClaimIdle:  50 * time.Millisecond,
		RetryDelay: 10 * time.Millisecond,
	}, infra.NewMetrics(nil))
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	return gw, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// receive reads push messages until want ticks arrived or the timeout hits.
func receive(t *testing.T, conn *websocket.Conn, want int, timeout time.Duration) []domain.NormTick {
	t.Helper()
	var got []domain.NormTick
	deadline := time.Now().Add(timeout)
	for len(got) < want {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var batch []domain.NormTick
		if err := conn.ReadJSON(&batch); err != nil {
			t.Fatalf("expected %d ticks, got %d: %v", want, len(got), err)
		}
		got = append(got, batch...)
	}
	return got
}

func waitConnections(t *testing.T, gw *Gateway, n int64) {
	t.Helper()
	require.Eventually(t, func() bool { return gw.Connections() == n }, 2*time.Second, 5*time.Millisecond)
}

func TestGateway_FanoutAll(t *testing.T) {
	log := eventlog.NewMemory()
	gw, srv := newTestGateway(t, log, infra.FanoutAll, nil)

	// Published before anyone connected: never delivered.
	appendNorm(t, log, domain.NormTick{Exchange: domain.Binance, Symbol: "BTC/USDT", Ts: 1, Price: 1})

	a := dial(t, srv)
	b := dial(t, srv)
	waitConnections(t, gw, 2)

	appendNorm(t, log,
		domain.NormTick{Exchange: domain.Binance, Symbol: "BTC/USDT", Ts: 2, Price: 43250.5, Delta10s: fp(8), Pct10s: fp(0.5)},
		domain.NormTick{Exchange: domain.Kraken, Symbol: "BTC/USD", Ts: 3, Price: 43100.1},
	)

	for _, conn := range []*websocket.Conn{a, b} {
		got := receive(t, conn, 2, 2*time.Second)
		require.Len(t, got, 2)
		assert.Equal(t, 2.0, got[0].Ts)
		require.NotNil(t, got[0].Delta10s)
		assert.Equal(t, 8.0, *got[0].Delta10s)
		assert.Nil(t, got[1].Delta10s)
		assert.Equal(t, domain.Kraken, got[1].Exchange)
	}
}

func TestGateway_DisconnectDoesNotAffectOthers(t *testing.T) {
	log := eventlog.NewMemory()
	gw, srv := newTestGateway(t, log, infra.FanoutAll, nil)

	a := dial(t, srv)
	b := dial(t, srv)
	waitConnections(t, gw, 2)

	require.NoError(t, a.Close())
	waitConnections(t, gw, 1)

	appendNorm(t, log, domain.NormTick{Exchange: domain.Poloniex, Symbol: "ETH/USDT", Ts: 10, Price: 2250})
	got := receive(t, b, 1, 2*time.Second)
	assert.Equal(t, "ETH/USDT", got[0].Symbol)
}

// groupLog records the groups created and dropped through it.
type groupLog struct {
	eventlog.Log
	mu      sync.Mutex
	created []string
	dropped []string
}

func (l *groupLog) EnsureGroup(ctx context.Context, topic, group string, opts ...eventlog.GroupOption) error {
	l.mu.Lock()
	l.created = append(l.created, group)
	l.mu.Unlock()
	return l.Log.EnsureGroup(ctx, topic, group, opts...)
}

func (l *groupLog) DropGroup(ctx context.Context, topic, group string) error {
	l.mu.Lock()
	l.dropped = append(l.dropped, group)
	l.mu.Unlock()
	return l.Log.DropGroup(ctx, topic, group)
}

func TestGateway_PrivateGroupDroppedOnClose(t *testing.T) {
	log := &groupLog{Log: eventlog.NewMemory()}
	gw, srv := newTestGateway(t, log, infra.FanoutAll, nil)

	conn := dial(t, srv)
	waitConnections(t, gw, 1)
	require.NoError(t, conn.Close())
	waitConnections(t, gw, 0)

	require.Eventually(t, func() bool {
		log.mu.Lock()
		defer log.mu.Unlock()
		return len(log.dropped) == 1
	}, time.Second, 5*time.Millisecond)

	log.mu.Lock()
	defer log.mu.Unlock()
	require.Len(t, log.created, 1)
	assert.True(t, strings.HasPrefix(log.created[0], gatewayGroup+"."), "private group name %q", log.created[0])
	assert.Equal(t, log.created, log.dropped)

	_, err := log.Log.Pending(context.Background(), normTopic, log.created[0], "check", 1)
	assert.ErrorIs(t, err, eventlog.ErrNoGroup)
}

func TestGateway_FanoutAnySplitsRecords(t *testing.T) {
	log := eventlog.NewMemory()
	gw, srv := newTestGateway(t, log, infra.FanoutAny, nil)

	a := dial(t, srv)
	b := dial(t, srv)
	waitConnections(t, gw, 2)

	const total = 40
	for i := 0; i < total; i++ {
		appendNorm(t, log, domain.NormTick{Exchange: domain.Binance, Symbol: "SOL/USDT", Ts: float64(i), Price: 100})
		time.Sleep(time.Millisecond)
	}

	seen := make(map[float64]int)
	collect := func(conn *websocket.Conn) {
		for {
			require.NoError(t, conn.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
			var batch []domain.NormTick
			if err := conn.ReadJSON(&batch); err != nil {
				return
			}
			for _, tick := range batch {
				seen[tick.Ts]++
			}
		}
	}
	collect(a)
	collect(b)

	assert.Len(t, seen, total, "every record is delivered")
	for ts, n := range seen {
		assert.Equal(t, 1, n, "record %v delivered more than once", ts)
	}
	assert.Equal(t, 0, log.PendingCount(normTopic, gatewayGroup))
}

func TestGateway_Healthz(t *testing.T) {
	_, srv := newTestGateway(t, eventlog.NewMemory(), infra.FanoutAll, nil)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestGateway_Snapshot(t *testing.T) {
	board := NewPriceService()
	board.ProcessTicks([]domain.NormTick{
		{Exchange: domain.Binance, Symbol: "BTC/USDT", Ts: 1, Price: 100},
		{Exchange: domain.Poloniex, Symbol: "BTC/USDT", Ts: 1, Price: 101},
	})
	_, srv := newTestGateway(t, eventlog.NewMemory(), infra.FanoutAll, board)

	resp, err := http.Get(srv.URL + "/snapshot?symbol=BTC/USDT")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var view MarketView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	assert.Equal(t, "BTC/USDT", view.Symbol)
	assert.Len(t, view.Quotes, 2)
	require.NotNil(t, view.SpreadPct)
	assert.True(t, view.SpreadPct.Equal(decimal.NewFromInt(1)), "spread %s", view.SpreadPct)

	missing, err := http.Get(srv.URL + "/snapshot?symbol=DOGE/USDT")
	require.NoError(t, err)
	missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestGateway_SnapshotNotServedWithoutBoard(t *testing.T) {
	_, srv := newTestGateway(t, eventlog.NewMemory(), infra.FanoutAll, nil)

	resp, err := http.Get(srv.URL + "/snapshot")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
