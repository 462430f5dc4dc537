package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"tickstream/internal/domain"
	"tickstream/internal/eventlog"
	"tickstream/internal/infra"
)

// AckPolicy decides whether an entry whose processing failed is acknowledged.
type AckPolicy int

const (
	// AckAlways acknowledges every entry, failed or not. A poison record can never wedge the group.
	AckAlways AckPolicy = iota
	// AckOnSuccess leaves failed entries pending for redelivery.
	AckOnSuccess
)

// ParseAckPolicy maps the config names "always" and "on_success".
func ParseAckPolicy(s string) (AckPolicy, error) {
	switch s {
	case "", "always":
		return AckAlways, nil
	case "on_success":
		return AckOnSuccess, nil
	default:
		return AckAlways, fmt.Errorf("unknown ack policy %q", s)
	}
}

func (p AckPolicy) String() string {
	if p == AckOnSuccess {
		return "on_success"
	}
	return "always"
}

// Config configures a Normalizer.
type Config struct {
	RawTopic  string
	NormTopic string
	Group     string
	Consumer  string

	Throttle    time.Duration // minimum spacing of emitted ticks per key
	HistorySize int           // samples kept per key
	ReadBatch   int
	Block       time.Duration
	Shards      int
	AckPolicy   AckPolicy

	// PendingRetry is how often entries left pending under AckOnSuccess are retried.
	PendingRetry time.Duration
}

// DefaultPendingRetry is used when Config.PendingRetry is unset.
const DefaultPendingRetry = 5 * time.Second

// Normalizer consumes raw ticks, canonicalizes symbols, computes lagged deltas,
// throttles per key and appends normalized ticks.
//
// All history and throttle state belongs to shards. A key always maps to the same
// shard and each shard is driven by exactly one goroutine, so state needs no locks.
type Normalizer struct {
	log     eventlog.Log
	symbols domain.SymbolMap
	cfg     Config
	metrics *infra.Metrics
	logger  *slog.Logger

	shards   []*shard
	inflight atomic.Int64 // entries dispatched to shards but not yet acknowledged
}

type shard struct {
	id        int
	histories map[domain.Key]*PriceHistory
	lastEmit  map[domain.Key]float64
}

// NewNormalizer creates a normalizer. symbols is read-only afterwards.
func NewNormalizer(log eventlog.Log, symbols domain.SymbolMap, cfg Config, metrics *infra.Metrics) *Normalizer {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	if cfg.ReadBatch <= 0 {
		cfg.ReadBatch = 200
	}
	if cfg.Shards <= 0 {
		cfg.Shards = 1
	}
	if cfg.PendingRetry <= 0 {
		cfg.PendingRetry = DefaultPendingRetry
	}
	if metrics == nil {
		metrics = infra.NewMetrics(nil)
	}

	n := &Normalizer{
		log:     log,
		symbols: symbols,
		cfg:     cfg,
		metrics: metrics,
		logger:  slog.Default().With(slog.String("module", "normalizer"), slog.String("consumer", cfg.Consumer)),
	}
	for i := 0; i < cfg.Shards; i++ {
		n.shards = append(n.shards, &shard{
			id:        i,
			histories: make(map[domain.Key]*PriceHistory),
			lastEmit:  make(map[domain.Key]float64),
		})
	}
	return n
}

// Run consumes the raw topic until ctx is cancelled. It first redelivers this consumer's
// own pending entries, then reads new ones. Transport errors are logged and retried.
func (n *Normalizer) Run(ctx context.Context) {
	n.logger.Info("Normalizer started",
		slog.Int("shards", len(n.shards)),
		slog.String("ack_policy", n.cfg.AckPolicy.String()),
		slog.Duration("throttle", n.cfg.Throttle))

	if !n.ensureGroup(ctx) {
		return
	}

	if len(n.shards) == 1 {
		n.drainPending(ctx)
		n.consume(ctx, func(batch []eventlog.Entry) { n.processBatch(ctx, n.shards[0], batch) })
	} else {
		n.runSharded(ctx)
	}
	n.logger.Info("Normalizer stopping...")
}

func (n *Normalizer) ensureGroup(ctx context.Context) bool {
	for {
		err := n.log.EnsureGroup(ctx, n.cfg.RawTopic, n.cfg.Group)
		if err == nil {
			return true
		}
		n.metrics.RecordLogError("ensure_group")
		n.logger.Warn("Failed to create consumer group", slog.Any("error", err))
		if !sleep(ctx, time.Second) {
			return false
		}
	}
}

// drainPending reprocesses entries left unacknowledged by a previous run of this consumer.
// It stops when nothing is pending or a pass acknowledges nothing.
func (n *Normalizer) drainPending(ctx context.Context) {
	total := 0
	for ctx.Err() == nil {
		batch, err := n.log.Pending(ctx, n.cfg.RawTopic, n.cfg.Group, n.cfg.Consumer, n.cfg.ReadBatch)
		if err != nil {
			n.metrics.RecordLogError("pending")
			n.logger.Warn("Pending read failed", slog.Any("error", err))
			return
		}
		if len(batch) == 0 {
			break
		}
		acked := n.processBatch(ctx, n.shards[0], batch)
		total += acked
		if acked == 0 {
			break
		}
	}
	if total > 0 {
		n.logger.Info("Recovered pending entries", slog.Int("count", total))
	}
}

// consume reads batches until ctx ends and hands each non-empty batch to handle.
// Under AckOnSuccess it also hands over this consumer's pending entries every
// PendingRetry, so a failed emit is retried without waiting for a restart.
func (n *Normalizer) consume(ctx context.Context, handle func([]eventlog.Entry)) {
	lastRetry := time.Now()
	for ctx.Err() == nil {
		if n.cfg.AckPolicy == AckOnSuccess && time.Since(lastRetry) >= n.cfg.PendingRetry {
			lastRetry = time.Now()
			n.retryPending(ctx, handle)
		}

		batch, err := n.log.Read(ctx, n.cfg.RawTopic, n.cfg.Group, n.cfg.Consumer, n.cfg.ReadBatch, n.cfg.Block)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			n.metrics.RecordLogError("read")
			n.logger.Warn("Read failed", slog.Any("error", err))
			if errors.Is(err, eventlog.ErrNoGroup) {
				if !n.ensureGroup(ctx) {
					return
				}
				continue
			}
			if !sleep(ctx, time.Second) {
				return
			}
			continue
		}
		if len(batch) > 0 {
			handle(batch)
		}
	}
}

// retryPending redelivers pending entries once nothing is in flight; otherwise an entry
// still queued for a shard would be handed out twice.
func (n *Normalizer) retryPending(ctx context.Context, handle func([]eventlog.Entry)) {
	if n.inflight.Load() > 0 {
		return
	}
	batch, err := n.log.Pending(ctx, n.cfg.RawTopic, n.cfg.Group, n.cfg.Consumer, n.cfg.ReadBatch)
	if err != nil {
		n.metrics.RecordLogError("pending")
		n.logger.Warn("Pending read failed", slog.Any("error", err))
		return
	}
	if len(batch) > 0 {
		n.logger.Info("Retrying pending entries", slog.Int("count", len(batch)))
		handle(batch)
	}
}

// processBatch handles entries in order and acknowledges them in one call. It returns the number acknowledged.
func (n *Normalizer) processBatch(ctx context.Context, sh *shard, batch []eventlog.Entry) int {
	ids := make([]string, 0, len(batch))
	for _, e := range batch {
		if n.process(ctx, sh, e) {
			ids = append(ids, e.ID)
		}
	}
	n.ack(ctx, ids)
	return len(ids)
}

// process runs one entry through the pipeline and reports whether it should be acknowledged.
func (n *Normalizer) process(ctx context.Context, sh *shard, e eventlog.Entry) bool {
	err := n.handle(ctx, sh, e)
	if err == nil {
		return true
	}
	n.metrics.RecordDrop(infra.DropFailed)
	n.logger.Warn("Failed to normalize entry",
		slog.String("id", e.ID),
		slog.Any("error", err),
		slog.String("ack_policy", n.cfg.AckPolicy.String()))
	return n.cfg.AckPolicy == AckAlways
}

// handle normalizes one raw entry. Malformed, unmapped and throttled entries are not errors.
func (n *Normalizer) handle(ctx context.Context, sh *shard, e eventlog.Entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	raw, err := domain.ParseRawTick(e.Record)
	if err != nil {
		n.metrics.RecordDrop(infra.DropMalformed)
		n.logger.Debug("Dropped malformed record", slog.String("id", e.ID), slog.Any("error", err))
		return nil
	}

	symbol, ok := n.symbols.Canonical(raw.Exchange, raw.SymbolRaw)
	if !ok {
		n.metrics.RecordDrop(infra.DropUnmapped)
		if n.logger.Enabled(ctx, slog.LevelDebug) {
			n.logger.Debug("Dropped tick",
				slog.String("id", e.ID),
				slog.Any("error", fmt.Errorf("%w: %s %s", domain.ErrUnmappedSymbol, raw.Exchange, raw.SymbolRaw)))
		}
		return nil
	}

	h, tick, emit := sh.observe(raw, symbol, n.cfg.HistorySize, n.cfg.Throttle)
	if !emit {
		// History is updated even when throttled.
		h.Add(raw.Ts, raw.Price)
		n.metrics.RecordDrop(infra.DropThrottled)
		return nil
	}

	if _, err := n.log.Append(ctx, n.cfg.NormTopic, tick.Fields()); err != nil {
		n.metrics.RecordLogError("append")
		if n.cfg.AckPolicy == AckAlways {
			h.Add(raw.Ts, raw.Price)
		}
		// Under AckOnSuccess the sample is recorded when the redelivered entry succeeds.
		return fmt.Errorf("append %s: %w", tick.Key(), err)
	}
	h.Add(raw.Ts, raw.Price)
	sh.lastEmit[tick.Key()] = tick.Ts
	n.metrics.RecordEmitted()
	return nil
}

// observe decides whether the sample is emitted and computes its lagged fields against
// the history before the sample itself is added. The caller records the sample in h.
func (sh *shard) observe(raw domain.RawTick, symbol string, historySize int, throttle time.Duration) (*PriceHistory, domain.NormTick, bool) {
	key := domain.Key{Exchange: raw.Exchange, Symbol: symbol}

	h, ok := sh.histories[key]
	if !ok {
		h = NewPriceHistory(historySize)
		sh.histories[key] = h
	}

	if last, ok := sh.lastEmit[key]; ok && raw.Ts-last < throttle.Seconds() {
		return h, domain.NormTick{}, false
	}

	tick := domain.NormTick{Exchange: raw.Exchange, Symbol: symbol, Ts: raw.Ts, Price: raw.Price}
	tick.Delta10s, tick.Pct10s = h.Lookback(raw.Ts, raw.Price, domain.Horizon10s)
	tick.Delta1m, tick.Pct1m = h.Lookback(raw.Ts, raw.Price, domain.Horizon1m)
	return h, tick, true
}

func (n *Normalizer) ack(ctx context.Context, ids []string) {
	if len(ids) == 0 {
		return
	}
	if err := n.log.Ack(ctx, n.cfg.RawTopic, n.cfg.Group, ids...); err != nil {
		n.metrics.RecordLogError("ack")
		n.logger.Warn("Ack failed", slog.Any("error", err), slog.Int("count", len(ids)))
	}
}

// runSharded reads on one goroutine and dispatches entries to shard goroutines by key hash.
// Per-key arrival order is preserved because each shard consumes a FIFO channel.
func (n *Normalizer) runSharded(ctx context.Context) {
	inboxes := make([]chan eventlog.Entry, len(n.shards))
	var wg sync.WaitGroup
	for i, sh := range n.shards {
		inboxes[i] = make(chan eventlog.Entry, n.cfg.ReadBatch)
		wg.Add(1)
		go func(sh *shard, in <-chan eventlog.Entry) {
			defer wg.Done()
			n.runShard(ctx, sh, in)
		}(sh, inboxes[i])
	}

	dispatch := func(batch []eventlog.Entry) {
		for _, e := range batch {
			n.inflight.Add(1)
			select {
			case inboxes[n.shardFor(e.Record)] <- e:
			case <-ctx.Done():
				n.inflight.Add(-1)
				return
			}
		}
	}

	pending, err := n.log.Pending(ctx, n.cfg.RawTopic, n.cfg.Group, n.cfg.Consumer, 0)
	if err != nil {
		n.metrics.RecordLogError("pending")
		n.logger.Warn("Pending read failed", slog.Any("error", err))
	} else if len(pending) > 0 {
		n.logger.Info("Recovering pending entries", slog.Int("count", len(pending)))
		dispatch(pending)
	}

	n.consume(ctx, dispatch)

	for _, in := range inboxes {
		close(in)
	}
	wg.Wait()
}

// runShard processes entries and acknowledges them whenever its inbox runs dry.
func (n *Normalizer) runShard(ctx context.Context, sh *shard, in <-chan eventlog.Entry) {
	var ids []string
	done := 0 // processed since the last ack
	for e := range in {
		if ctx.Err() != nil {
			n.inflight.Add(-1)
			continue // drain without processing; entries stay pending
		}
		if n.process(ctx, sh, e) {
			ids = append(ids, e.ID)
		}
		done++
		if len(in) == 0 || done >= n.cfg.ReadBatch {
			n.ack(ctx, ids)
			n.inflight.Add(int64(-done))
			ids = ids[:0]
			done = 0
		}
	}
}

// shardFor hashes the canonical key so aliases of one symbol share a shard.
// Records that cannot be keyed go to shard 0, where they are dropped as malformed.
func (n *Normalizer) shardFor(rec eventlog.Record) int {
	if len(n.shards) == 1 {
		return 0
	}
	ex, err := domain.ParseExchange(rec[domain.FieldExchange])
	if err != nil {
		return 0
	}
	symbol, ok := n.symbols.Canonical(ex, rec[domain.FieldSymbolRaw])
	if !ok {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(domain.Key{Exchange: ex, Symbol: symbol}.String()))
	return int(h.Sum32() % uint32(len(n.shards)))
}

// Stats reports how many keys and samples each shard holds. Call only after Run returns.
func (n *Normalizer) Stats() (keys, samples int) {
	for _, sh := range n.shards {
		keys += len(sh.histories)
		for _, h := range sh.histories {
			samples += h.Len()
		}
	}
	return keys, samples
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
