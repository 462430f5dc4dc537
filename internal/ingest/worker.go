package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"tickstream/internal/domain"
	"tickstream/internal/event"
	"tickstream/internal/eventlog"
	"tickstream/internal/infra"

	"github.com/gorilla/websocket"
)

const (
	handshakeTimeout = 10 * time.Second
	pingInterval     = 20 * time.Second
	writeTimeout     = 5 * time.Second
	userAgent        = "tickstream/1.0"
)

// WorkerConfig tunes one adapter connection.
type WorkerConfig struct {
	Topic string // raw topic

	// ReconnectDelay is the wait after a failure. The wait doubles per consecutive failure up to
	// ReconnectMaxDelay when that is larger; otherwise it stays fixed.
	ReconnectDelay    time.Duration
	ReconnectMaxDelay time.Duration

	// ReadTimeout bounds the silence tolerated before the connection is considered dead.
	ReadTimeout time.Duration
}

// Worker keeps one exchange connection alive and appends every extracted quote to the raw topic.
type Worker struct {
	venue   Venue
	log     eventlog.Log
	cfg     WorkerConfig
	metrics *infra.Metrics
	logger  *slog.Logger
	now     func() time.Time

	conn      *websocket.Conn
	mu        sync.RWMutex
	writeMu   sync.Mutex
	connected bool
}

// NewWorker creates an adapter worker for venue.
func NewWorker(venue Venue, log eventlog.Log, cfg WorkerConfig, metrics *infra.Metrics) *Worker {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if metrics == nil {
		metrics = infra.NewMetrics(nil)
	}
	return &Worker{
		venue:   venue,
		log:     log,
		cfg:     cfg,
		metrics: metrics,
		logger:  slog.Default().With(slog.String("module", "ingest"), slog.String("exchange", venue.Exchange().String())),
		now:     time.Now,
	}
}

// Run connects, streams and reconnects until ctx is cancelled. Failures never escape it.
func (w *Worker) Run(ctx context.Context) {
	retryCount := 0
	for {
		if ctx.Err() != nil {
			return
		}

		streamed, err := w.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if streamed {
			retryCount = 0
		}

		kind := "transport"
		if !domain.IsRetriable(err) {
			kind = "internal"
		}
		w.metrics.RecordIngestError(w.venue.Exchange().String(), kind)

		delay := infra.CalculateBackoff(retryCount, w.cfg.ReconnectDelay, w.cfg.ReconnectMaxDelay)
		w.logger.Warn("Connection lost, reconnecting",
			slog.Any("error", err),
			slog.Int("retry", retryCount),
			slog.Duration("delay", delay))
		retryCount++

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
			w.metrics.RecordReconnect(w.venue.Exchange().String())
		}
	}
}

// IsConnected reports whether a connection is currently open.
func (w *Worker) IsConnected() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.connected
}

// session runs one connection until it fails. streamed reports whether at least one message arrived.
func (w *Worker) session(ctx context.Context) (streamed bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s session: %v", w.venue.Exchange(), r)
		}
		w.closeConnection()
	}()

	if err := w.connect(ctx); err != nil {
		return false, err
	}

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	w.mu.RLock()
	conn := w.conn
	w.mu.RUnlock()

	// Unblock ReadMessage on shutdown. Closes this session's conn only.
	go func() {
		<-sessCtx.Done()
		conn.Close()
	}()
	go w.keepAlive(sessCtx)

	return w.readLoop(ctx)
}

func (w *Worker) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	header := make(http.Header)
	header.Set("User-Agent", userAgent)

	conn, _, err := dialer.DialContext(ctx, w.venue.Endpoint(), header)
	if err != nil {
		return domain.NewNetworkError("dial", err)
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(w.cfg.ReadTimeout))
	})

	w.mu.Lock()
	w.conn = conn
	w.connected = true
	w.mu.Unlock()

	if err := w.subscribe(); err != nil {
		return err
	}

	w.logger.Info("Connected", slog.String("endpoint", w.venue.Endpoint()))
	return nil
}

func (w *Worker) subscribe() error {
	msgs, err := w.venue.SubscribeMessages()
	if err != nil {
		return fmt.Errorf("encode subscription: %w", err)
	}
	for _, msg := range msgs {
		if err := w.threadSafeWrite(websocket.TextMessage, msg); err != nil {
			return domain.NewNetworkError("subscribe", err)
		}
	}
	return nil
}

func (w *Worker) threadSafeWrite(msgType int, data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.conn == nil {
		return errors.New("no conn")
	}
	w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return w.conn.WriteMessage(msgType, data)
}

// keepAlive sends protocol pings, plus the venue's own ping message when it needs one.
func (w *Worker) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	appPing := w.venue.KeepAlive()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.threadSafeWrite(websocket.PingMessage, nil); err != nil {
				w.logger.Debug("Ping failed", slog.Any("error", err))
				return
			}
			if appPing != nil {
				if err := w.threadSafeWrite(websocket.TextMessage, appPing); err != nil {
					w.logger.Debug("Keepalive failed", slog.Any("error", err))
					return
				}
			}
		}
	}
}

func (w *Worker) readLoop(ctx context.Context) (bool, error) {
	streamed := false
	for {
		if ctx.Err() != nil {
			return streamed, ctx.Err()
		}

		w.mu.RLock()
		conn := w.conn
		w.mu.RUnlock()
		if conn == nil {
			return streamed, domain.NewNetworkError("read", errors.New("connection closed"))
		}
		conn.SetReadDeadline(time.Now().Add(w.cfg.ReadTimeout))

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return streamed, domain.NewNetworkError("read", err)
		}
		streamed = true

		if err := w.handleMessage(ctx, msg); err != nil {
			return streamed, err
		}
	}
}

// handleMessage appends the quotes of one message. Undecodable messages are dropped;
// only a log append failure ends the session.
func (w *Worker) handleMessage(ctx context.Context, msg []byte) error {
	ex := w.venue.Exchange()

	quotes, skipped, err := w.venue.Extract(msg)
	if err != nil {
		w.metrics.RecordIngestError(ex.String(), "decode")
		w.logger.Debug("Dropped undecodable message", slog.Any("error", err))
		return nil
	}
	if skipped > 0 {
		w.metrics.RecordIngestError(ex.String(), "price")
	}
	if len(quotes) == 0 {
		return nil
	}

	batch := event.AcquireTickBatch()
	defer event.ReleaseTickBatch(batch)

	ts := domain.UnixSeconds(w.now())
	for _, q := range quotes {
		batch.Add(domain.RawTick{Exchange: ex, SymbolRaw: q.Symbol, Ts: ts, Price: q.Price})
	}

	recs := make([]eventlog.Record, batch.Len())
	for i, t := range batch.Ticks {
		recs[i] = t.Fields()
	}
	if _, err := w.log.AppendBatch(ctx, w.cfg.Topic, recs); err != nil {
		w.metrics.RecordLogError("append")
		return domain.NewNetworkError("append", err)
	}
	w.metrics.RecordIngested(ex.String(), len(recs))
	return nil
}

func (w *Worker) closeConnection() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
	w.connected = false
}
