package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"tickstream/internal/domain"
	"tickstream/internal/eventlog"
	"tickstream/internal/infra"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	gatewayPingInterval = 30 * time.Second
	gatewayWriteTimeout = 10 * time.Second
	dropGroupTimeout    = 5 * time.Second
)

// GatewayConfig configures a Gateway.
type GatewayConfig struct {
	Topic      string // normalized topic
	Group      string
	Fanout     string // infra.FanoutAll or infra.FanoutAny
	BatchSize  int
	Block      time.Duration
	ClaimIdle  time.Duration // "any" mode only
	RetryDelay time.Duration
}

// Gateway pushes normalized ticks to websocket subscribers.
//
// In "all" mode every connection owns a group named <group>.<id>, created at the newest
// entry and dropped when the connection ends, so each subscriber receives every tick
// from the moment it connected. In "any" mode connections share the group and each
// tick goes to exactly one of them.
type Gateway struct {
	log      eventlog.Log
	board    *PriceService
	cfg      GatewayConfig
	metrics  *infra.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader

	conns atomic.Int64
}

// NewGateway creates a gateway. board may be nil, in which case /snapshot is not served.
func NewGateway(log eventlog.Log, board *PriceService, cfg GatewayConfig, metrics *infra.Metrics) *Gateway {
	if cfg.Fanout == "" {
		cfg.Fanout = infra.FanoutAll
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if metrics == nil {
		metrics = infra.NewMetrics(nil)
	}
	return &Gateway{
		log:     log,
		board:   board,
		cfg:     cfg,
		metrics: metrics,
		logger:  slog.Default().With(slog.String("module", "gateway"), slog.String("fanout", cfg.Fanout)),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP routes of the gateway.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.ServeWS)
	mux.HandleFunc("/healthz", g.serveHealth)
	if g.board != nil {
		mux.HandleFunc("/snapshot", g.serveSnapshot)
	}
	return mux
}

// Connections returns the number of open subscriber connections.
func (g *Gateway) Connections() int64 {
	return g.conns.Load()
}

type subscription struct {
	id       string
	group    string
	consumer string
	owned    bool // group is private to the connection
}

func (g *Gateway) subscribe() subscription {
	id := uuid.NewString()
	sub := subscription{id: id, group: g.cfg.Group, consumer: "gw-" + id}
	if g.cfg.Fanout == infra.FanoutAll {
		sub.group = g.cfg.Group + "." + id
		sub.owned = true
	}
	return sub
}

// ServeWS upgrades the request and streams batches until the client leaves or a send fails.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	sub := g.subscribe()
	logger := g.logger.With(slog.String("conn", sub.id))

	// The group must exist before the upgrade completes so no tick appended after
	// the client connected is missed.
	if err := g.log.EnsureGroup(r.Context(), g.cfg.Topic, sub.group, eventlog.FromLatest()); err != nil {
		g.metrics.RecordLogError("ensure_group")
		logger.Error("Failed to create consumer group", slog.Any("error", err))
		http.Error(w, "event log unavailable", http.StatusServiceUnavailable)
		return
	}
	if sub.owned {
		defer g.dropGroup(sub, logger)
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("Upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	g.conns.Add(1)
	g.metrics.IncrementConnections()
	defer func() {
		g.conns.Add(-1)
		g.metrics.DecrementConnections()
	}()
	logger.Info("🔌 Subscriber connected", slog.String("remote", r.RemoteAddr))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go g.readLoop(conn, cancel)
	go g.pingLoop(ctx, conn)

	sent := g.stream(ctx, conn, sub, logger)
	logger.Info("Subscriber disconnected", slog.Int("sent", sent))
}

// stream pushes batches and returns the number of ticks sent.
func (g *Gateway) stream(ctx context.Context, conn *websocket.Conn, sub subscription, logger *slog.Logger) int {
	sent := 0
	for ctx.Err() == nil {
		batch, err := g.next(ctx, sub)
		if err != nil {
			if ctx.Err() != nil {
				return sent
			}
			g.metrics.RecordLogError("read")
			logger.Warn("Event log read failed", slog.Any("error", err))
			if errors.Is(err, eventlog.ErrNoGroup) {
				if err := g.log.EnsureGroup(ctx, g.cfg.Topic, sub.group, eventlog.FromLatest()); err != nil {
					logger.Warn("Failed to recreate consumer group", slog.Any("error", err))
				}
			}
			if !sleep(ctx, g.cfg.RetryDelay) {
				return sent
			}
			continue
		}
		if len(batch) == 0 {
			continue
		}

		ticks := decodeNorm(batch)
		if len(ticks) > 0 {
			if err := g.send(conn, ticks); err != nil {
				// Not acknowledged: in "any" mode another subscriber claims the batch.
				logger.Info("Send failed", slog.Any("error", err))
				return sent
			}
			sent += len(ticks)
			g.metrics.RecordSent(len(ticks))
		}

		if err := g.log.Ack(ctx, g.cfg.Topic, sub.group, eventlog.IDs(batch)...); err != nil && ctx.Err() == nil {
			g.metrics.RecordLogError("ack")
			logger.Warn("Ack failed", slog.Any("error", err))
		}
	}
	return sent
}

func (g *Gateway) next(ctx context.Context, sub subscription) ([]eventlog.Entry, error) {
	if !sub.owned && g.cfg.ClaimIdle > 0 {
		batch, err := g.log.Claim(ctx, g.cfg.Topic, sub.group, sub.consumer, g.cfg.ClaimIdle, g.cfg.BatchSize)
		if err != nil {
			return nil, err
		}
		if len(batch) > 0 {
			return batch, nil
		}
	}
	return g.log.Read(ctx, g.cfg.Topic, sub.group, sub.consumer, g.cfg.BatchSize, g.cfg.Block)
}

// send writes one JSON array of ticks.
func (g *Gateway) send(conn *websocket.Conn, ticks []domain.NormTick) error {
	if err := conn.SetWriteDeadline(time.Now().Add(gatewayWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(ticks)
}

// readLoop discards client messages and cancels the stream once the client goes away.
func (g *Gateway) readLoop(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(4096)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (g *Gateway) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(gatewayPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(gatewayWriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func (g *Gateway) dropGroup(sub subscription, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), dropGroupTimeout)
	defer cancel()
	if err := g.log.DropGroup(ctx, g.cfg.Topic, sub.group); err != nil {
		g.metrics.RecordLogError("drop_group")
		logger.Warn("Failed to drop consumer group", slog.Any("error", err))
	}
}

func (g *Gateway) serveHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": g.Connections(),
	})
}

// serveSnapshot returns the latest tick per venue, for every symbol or for ?symbol=BASE/QUOTE.
func (g *Gateway) serveSnapshot(w http.ResponseWriter, r *http.Request) {
	if sym := r.URL.Query().Get("symbol"); sym != "" {
		view, ok := g.board.GetData(sym)
		if !ok {
			http.Error(w, "unknown symbol", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, view)
		return
	}
	writeJSON(w, http.StatusOK, g.board.GetAllData())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to encode response", slog.Any("error", err))
	}
}
