package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"time"

	"tickstream/internal/domain"
	"tickstream/internal/eventlog"
	"tickstream/internal/infra"
	"tickstream/internal/infra/storage"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

const defaultConfigPath = "configs/config.yaml"

// Bootstrap orchestrates the startup sequence shared by every binary.
type Bootstrap struct {
	Service string
	Config  *infra.Config
	Metrics *infra.Metrics
	Log     eventlog.Log
	Storage *storage.Storage

	redis *redis.Client
}

// NewBootstrap creates a Bootstrap for the named service.
func NewBootstrap(service string) *Bootstrap {
	return &Bootstrap{Service: service}
}

// Initialize loads and validates configuration for roles, sets up logging and metrics,
// and connects the event log and, for the writer, the store.
//
// Only *domain.ConfigError is returned for bad settings. Unreachable Redis or database
// servers are retried until ctx is cancelled.
func (b *Bootstrap) Initialize(ctx context.Context, roles ...infra.Role) error {
	// 1. Environment (.env is optional)
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &domain.ConfigError{Field: ".env", Err: err}
	}

	// 2. Load Config
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = defaultConfigPath
	}
	cfg, err := infra.LoadConfig(path)
	if err != nil {
		return err
	}
	for _, role := range roles {
		if err := cfg.ValidateFor(role); err != nil {
			return err
		}
	}
	b.Config = cfg

	// 3. Setup Logger
	slog.SetDefault(infra.NewLogger(cfg, b.Service))
	slog.Info("🚀 Bootstrapping tickstream...",
		slog.String("version", cfg.App.Version),
		slog.String("config", path),
		slog.Any("roles", roles))

	// 4. Metrics
	b.Metrics = infra.NewMetrics(nil)

	// 5. Event Log
	if err := b.connectLog(ctx); err != nil {
		return err
	}

	// 6. Storage (writer only)
	if hasRole(roles, infra.RoleWriter) {
		if err := b.connectStorage(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bootstrap) connectLog(ctx context.Context) error {
	cfg := b.Config
	if cfg.Log.Backend == infra.BackendMemory {
		b.Log = eventlog.NewMemory(eventlog.WithMaxLen(int(cfg.Log.MaxLen)))
		slog.Warn("⚠️ Using in-memory event log, records are lost on exit", slog.Int64("max_len", cfg.Log.MaxLen))
		return nil
	}

	return retry(ctx, "redis", func() error {
		client, err := eventlog.DialRedis(ctx, cfg.Log.RedisURL)
		if err != nil {
			return err
		}
		b.redis = client
		b.Log = eventlog.NewRedis(client, eventlog.RedisOptions{MaxLen: cfg.Log.MaxLen})
		slog.Info("✅ Redis event log connected", slog.Int64("max_len", cfg.Log.MaxLen))
		return nil
	})
}

func (b *Bootstrap) connectStorage(ctx context.Context) error {
	cfg := b.Config
	return retry(ctx, "database", func() error {
		store, err := storage.Open(cfg.Writer.DSN, cfg.Writer.AutoMigrate)
		if err != nil {
			return err
		}
		if err := store.Ping(ctx); err != nil {
			store.Close()
			return err
		}
		b.Storage = store
		slog.Info("✅ Database initialized", slog.Bool("auto_migrate", cfg.Writer.AutoMigrate))
		return nil
	})
}

// retry calls connect with backoff until it succeeds or ctx ends.
func retry(ctx context.Context, what string, connect func() error) error {
	for attempt := 0; ; attempt++ {
		err := connect()
		if err == nil {
			return nil
		}
		delay := infra.CalculateBackoff(attempt, time.Second, 30*time.Second)
		slog.Warn("Connection failed, retrying",
			slog.String("target", what),
			slog.Any("error", err),
			slog.Duration("delay", delay))

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", what, ctx.Err())
		case <-time.After(delay):
		}
	}
}

// ServeMetrics exposes /metrics when metrics.addr is set. It returns once ctx is cancelled.
func (b *Bootstrap) ServeMetrics(ctx context.Context) {
	addr := b.Config.Metrics.Addr
	if addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", b.Metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("📈 Metrics server started", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Metrics server failed", slog.Any("error", err))
	}
}

// ConsumerName returns the configured consumer name, or one derived from the host name.
// Derived names are stable across restarts so a restarted process drains its own pending entries.
func (b *Bootstrap) ConsumerName(role infra.Role) string {
	if name := b.Config.Normalizer.ConsumerName; name != "" {
		return name
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "local"
	}
	return fmt.Sprintf("%s-%s", role, host)
}

// Close releases the event log and store connections.
func (b *Bootstrap) Close() {
	if b.Storage != nil {
		if err := b.Storage.Close(); err != nil {
			slog.Warn("Failed to close database", slog.Any("error", err))
		}
	}
	if b.redis != nil {
		if err := b.redis.Close(); err != nil {
			slog.Warn("Failed to close Redis", slog.Any("error", err))
		}
	}
}

func hasRole(roles []infra.Role, want infra.Role) bool {
	for _, r := range roles {
		if r == want {
			return true
		}
	}
	return false
}
