package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"tickstream/internal/domain"
	"tickstream/internal/engine"
	"tickstream/internal/event"
	"tickstream/internal/infra"
	"tickstream/internal/ingest"
	"tickstream/internal/service"
)

// RunIngest starts one adapter worker per configured exchange and waits for all of them.
func (b *Bootstrap) RunIngest(ctx context.Context) error {
	cfg := b.Config
	event.Warmup()

	delay, maxDelay := cfg.ReconnectDelays()
	workerCfg := ingest.WorkerConfig{
		Topic:             cfg.Streams.Raw,
		ReconnectDelay:    delay,
		ReconnectMaxDelay: maxDelay,
		ReadTimeout:       time.Duration(cfg.Ingest.ReadTimeoutSec) * time.Second,
	}

	var workers []*ingest.Worker
	for _, name := range cfg.Ingest.Exchanges {
		ex, err := domain.ParseExchange(name)
		if err != nil {
			return &domain.ConfigError{Field: "ingest.exchanges", Err: err}
		}
		vc := cfg.Venue(ex)
		symbols := vc.Symbols
		if len(symbols) == 0 && ex != domain.Binance {
			symbols = cfg.Symbols().RawSymbols(ex)
			sort.Strings(symbols)
		}
		venue, err := ingest.NewVenue(ex, vc.Endpoint, symbols)
		if err != nil {
			return &domain.ConfigError{Field: "ingest.exchanges", Err: err}
		}
		workers = append(workers, ingest.NewWorker(venue, b.Log, workerCfg, b.Metrics))
		slog.Info("✅ Adapter ready",
			slog.String("exchange", ex.String()),
			slog.String("endpoint", venue.Endpoint()),
			slog.Int("symbols", len(symbols)))
	}

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *ingest.Worker) {
			defer wg.Done()
			w.Run(ctx)
		}(w)
	}
	wg.Wait()
	return nil
}

// RunNormalizer consumes the raw topic until ctx is cancelled.
func (b *Bootstrap) RunNormalizer(ctx context.Context) error {
	cfg := b.Config
	policy, err := engine.ParseAckPolicy(cfg.Normalizer.AckPolicy)
	if err != nil {
		return &domain.ConfigError{Field: "normalizer.ack_policy", Err: err}
	}

	n := engine.NewNormalizer(b.Log, cfg.Symbols(), engine.Config{
		RawTopic:    cfg.Streams.Raw,
		NormTopic:   cfg.Streams.Norm,
		Group:       cfg.Streams.RawGroup,
		Consumer:    b.ConsumerName(infra.RoleNormalizer),
		Throttle:    time.Duration(cfg.Normalizer.ThrottleMS) * time.Millisecond,
		HistorySize: cfg.Normalizer.HistorySize,
		ReadBatch:   cfg.Log.ReadBatch,
		Block:       cfg.BlockTimeout(),
		Shards:      cfg.Normalizer.Shards,
		AckPolicy:   policy,

		PendingRetry: time.Duration(cfg.Normalizer.PendingRetryMS) * time.Millisecond,
	}, b.Metrics)
	n.Run(ctx)
	return nil
}

// RunWriter persists the normalized topic until ctx is cancelled.
func (b *Bootstrap) RunWriter(ctx context.Context) error {
	cfg := b.Config
	if b.Storage == nil {
		return errors.New("writer started without storage")
	}

	w := service.NewWriter(b.Log, b.Storage, service.WriterConfig{
		Topic:      cfg.Streams.Norm,
		Group:      cfg.Streams.NormGroup,
		Consumer:   b.ConsumerName(infra.RoleWriter),
		BatchSize:  cfg.Writer.BatchSize,
		Block:      cfg.BlockTimeout(),
		RetryDelay: time.Duration(cfg.Writer.RetryDelayMS) * time.Millisecond,
		ClaimIdle:  time.Duration(cfg.Writer.ClaimIdleMS) * time.Millisecond,
	}, b.Metrics)
	w.Run(ctx)
	return nil
}

// RunGateway serves subscribers until ctx is cancelled.
func (b *Bootstrap) RunGateway(ctx context.Context) error {
	cfg := b.Config

	board := service.NewPriceService()
	go board.Follow(ctx, b.Log, cfg.Streams.Norm, cfg.Streams.GatewayGroup+".board", cfg.BlockTimeout())

	gw := service.NewGateway(b.Log, board, service.GatewayConfig{
		Topic:     cfg.Streams.Norm,
		Group:     cfg.Streams.GatewayGroup,
		Fanout:    cfg.Gateway.Fanout,
		BatchSize: cfg.Gateway.BatchSize,
		Block:     cfg.BlockTimeout(),
		ClaimIdle: time.Duration(cfg.Gateway.ClaimIdleMS) * time.Millisecond,
	}, b.Metrics)

	srv := &http.Server{
		Addr:              cfg.Gateway.Addr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("🌐 Gateway listening", slog.String("addr", cfg.Gateway.Addr), slog.String("fanout", cfg.Gateway.Fanout))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("gateway server: %w", err)
	case <-ctx.Done():
	}

	// Hijacked websocket connections are not tracked by Shutdown; they end through ctx.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Gateway shutdown incomplete", slog.Any("error", err))
	}
	return nil
}

// Run runs every role concurrently until ctx is cancelled or one of them fails.
func (b *Bootstrap) Run(ctx context.Context, roles ...infra.Role) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, len(roles))
	var wg sync.WaitGroup
	for _, role := range roles {
		run, err := b.runner(role)
		if err != nil {
			return err
		}
		wg.Add(1)
		go func(role infra.Role) {
			defer wg.Done()
			if err := run(ctx); err != nil {
				errCh <- fmt.Errorf("%s: %w", role, err)
				cancel()
			}
		}(role)
	}
	wg.Wait()
	close(errCh)
	return <-errCh
}

func (b *Bootstrap) runner(role infra.Role) (func(context.Context) error, error) {
	switch role {
	case infra.RoleIngest:
		return b.RunIngest, nil
	case infra.RoleNormalizer:
		return b.RunNormalizer, nil
	case infra.RoleWriter:
		return b.RunWriter, nil
	case infra.RoleGateway:
		return b.RunGateway, nil
	default:
		return nil, &domain.ConfigError{Field: "role", Err: fmt.Errorf("unknown role %q", role)}
	}
}

// ParseRoles parses a comma separated role list such as "ingest,normalizer".
func ParseRoles(s string) ([]infra.Role, error) {
	var roles []infra.Role
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		role := infra.Role(part)
		switch role {
		case infra.RoleIngest, infra.RoleNormalizer, infra.RoleWriter, infra.RoleGateway:
		default:
			return nil, &domain.ConfigError{Field: "roles", Err: fmt.Errorf("unknown role %q", part)}
		}
		if !hasRole(roles, role) {
			roles = append(roles, role)
		}
	}
	if len(roles) == 0 {
		return nil, &domain.ConfigError{Field: "roles", Err: errors.New("at least one role is required")}
	}
	return roles, nil
}
