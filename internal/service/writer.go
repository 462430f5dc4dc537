package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tickstream/internal/domain"
	"tickstream/internal/eventlog"
	"tickstream/internal/infra"
)

// TickStore is the persistence the writer needs. storage.Storage implements it.
type TickStore interface {
	InsertTicks(ctx context.Context, ticks []domain.NormTick) error
}

// WriterConfig configures a Writer.
type WriterConfig struct {
	Topic      string
	Group      string
	Consumer   string
	BatchSize  int
	Block      time.Duration
	RetryDelay time.Duration
	ClaimIdle  time.Duration // 0 disables claiming from dead writers
}

// Writer persists normalized ticks in batches. A batch is acknowledged only after
// the insert succeeds, so a crash or store failure means redelivery, never loss.
type Writer struct {
	log     eventlog.Log
	store   TickStore
	cfg     WriterConfig
	metrics *infra.Metrics
	logger  *slog.Logger
}

// NewWriter creates a writer.
func NewWriter(log eventlog.Log, store TickStore, cfg WriterConfig, metrics *infra.Metrics) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if metrics == nil {
		metrics = infra.NewMetrics(nil)
	}
	return &Writer{
		log:     log,
		store:   store,
		cfg:     cfg,
		metrics: metrics,
		logger:  slog.Default().With(slog.String("module", "writer"), slog.String("consumer", cfg.Consumer)),
	}
}

// Run writes batches until ctx is cancelled.
func (w *Writer) Run(ctx context.Context) {
	w.logger.Info("Writer started", slog.Int("batch_size", w.cfg.BatchSize))

	if !w.ensureGroup(ctx) {
		return
	}

	for ctx.Err() == nil {
		_, err := w.cycle(ctx)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		if errors.Is(err, eventlog.ErrNoGroup) {
			// The topic or group vanished, e.g. after a Redis flush.
			if !w.ensureGroup(ctx) {
				break
			}
			continue
		}
		if !sleep(ctx, w.cfg.RetryDelay) {
			break
		}
	}
	w.logger.Info("Writer stopped")
}

func (w *Writer) ensureGroup(ctx context.Context) bool {
	for ctx.Err() == nil {
		err := w.log.EnsureGroup(ctx, w.cfg.Topic, w.cfg.Group)
		if err == nil {
			return true
		}
		w.metrics.RecordLogError("ensure_group")
		w.logger.Warn("Failed to create consumer group", slog.Any("error", err))
		if !sleep(ctx, w.cfg.RetryDelay) {
			return false
		}
	}
	return false
}

// cycle handles one batch and returns the number of rows written.
func (w *Writer) cycle(ctx context.Context) (int, error) {
	batch, err := w.next(ctx)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	ticks := decodeNorm(batch)
	if skipped := len(batch) - len(ticks); skipped > 0 {
		w.logger.Warn("Skipping malformed records", slog.Int("count", skipped))
	}

	start := time.Now()
	if err := w.insert(ctx, ticks); err != nil {
		w.metrics.RecordWriteFailure()
		w.logger.Error("Insert failed, batch left pending",
			slog.Int("rows", len(ticks)),
			slog.Any("error", err))
		return 0, err
	}
	w.metrics.RecordWrite(len(ticks), time.Since(start))

	if err := w.log.Ack(ctx, w.cfg.Topic, w.cfg.Group, eventlog.IDs(batch)...); err != nil {
		// Rows are stored; redelivery will only produce duplicates.
		w.metrics.RecordLogError("ack")
		w.logger.Warn("Ack failed", slog.Any("error", err))
	}
	return len(ticks), nil
}

// insert turns a panicking store into an error so the batch stays pending and the loop survives.
func (w *Writer) insert(ctx context.Context, ticks []domain.NormTick) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("insert panicked: %v", r)
		}
	}()
	return w.store.InsertTicks(ctx, ticks)
}

// next returns this writer's pending entries first, then idle entries of dead writers,
// then new entries.
func (w *Writer) next(ctx context.Context) ([]eventlog.Entry, error) {
	batch, err := w.log.Pending(ctx, w.cfg.Topic, w.cfg.Group, w.cfg.Consumer, w.cfg.BatchSize)
	if err != nil {
		return nil, w.readFailed(ctx, "pending", err)
	}
	if len(batch) > 0 {
		return batch, nil
	}

	if w.cfg.ClaimIdle > 0 {
		batch, err = w.log.Claim(ctx, w.cfg.Topic, w.cfg.Group, w.cfg.Consumer, w.cfg.ClaimIdle, w.cfg.BatchSize)
		if err != nil {
			return nil, w.readFailed(ctx, "claim", err)
		}
		if len(batch) > 0 {
			w.logger.Info("Claimed idle entries", slog.Int("count", len(batch)))
			return batch, nil
		}
	}

	batch, err = w.log.Read(ctx, w.cfg.Topic, w.cfg.Group, w.cfg.Consumer, w.cfg.BatchSize, w.cfg.Block)
	if err != nil {
		return nil, w.readFailed(ctx, "read", err)
	}
	return batch, nil
}

func (w *Writer) readFailed(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return err
	}
	w.metrics.RecordLogError(op)
	w.logger.Warn("Event log "+op+" failed", slog.Any("error", err))
	return err
}

// decodeNorm decodes normalized records, dropping the ones that do not parse.
func decodeNorm(batch []eventlog.Entry) []domain.NormTick {
	ticks := make([]domain.NormTick, 0, len(batch))
	for _, e := range batch {
		tick, err := domain.ParseNormTick(e.Record)
		if err != nil {
			continue
		}
		ticks = append(ticks, tick)
	}
	return ticks
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
