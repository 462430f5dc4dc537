package infra

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"tickstream/internal/domain"

	"gopkg.in/yaml.v3"
)

// Role selects which sections ValidateFor checks.
type Role string

const (
	RoleIngest     Role = "ingest"
	RoleNormalizer Role = "normalizer"
	RoleWriter     Role = "writer"
	RoleGateway    Role = "gateway"
)

// Log backends.
const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Gateway fan-out modes.
const (
	FanoutAll = "all"
	FanoutAny = "any"
)

// VenueConfig is the per-exchange adapter configuration.
type VenueConfig struct {
	Endpoint string   `yaml:"endpoint"`
	Symbols  []string `yaml:"symbols"`
}

// Config holds every setting of the pipeline. Each binary reads the sections it needs.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Log struct {
		Backend   string `yaml:"backend"`
		RedisURL  string `yaml:"redis_url"`
		MaxLen    int64  `yaml:"max_len"`
		ReadBatch int    `yaml:"read_batch"`
		BlockMS   int    `yaml:"block_ms"`
	} `yaml:"log"`

	Streams struct {
		Raw          string `yaml:"raw"`
		Norm         string `yaml:"norm"`
		RawGroup     string `yaml:"raw_group"`
		NormGroup    string `yaml:"norm_group"`
		GatewayGroup string `yaml:"gateway_group"`
	} `yaml:"streams"`

	Ingest struct {
		Exchanges           []string    `yaml:"exchanges"`
		Binance             VenueConfig `yaml:"binance"`
		Kraken              VenueConfig `yaml:"kraken"`
		Poloniex            VenueConfig `yaml:"poloniex"`
		ReconnectDelayMS    int         `yaml:"reconnect_delay_ms"`
		ReconnectMaxDelayMS int         `yaml:"reconnect_max_delay_ms"`
		ReadTimeoutSec      int         `yaml:"read_timeout_sec"`
	} `yaml:"ingest"`

	Normalizer struct {
		ThrottleMS   int    `yaml:"throttle_ms"`
		HistorySize  int    `yaml:"history_size"`
		Shards       int    `yaml:"shards"`
		AckPolicy    string `yaml:"ack_policy"`
		ConsumerName string `yaml:"consumer_name"`

		PendingRetryMS int `yaml:"pending_retry_ms"`
	} `yaml:"normalizer"`

	Writer struct {
		DSN          string `yaml:"pg_dsn"`
		BatchSize    int    `yaml:"batch_size"`
		RetryDelayMS int    `yaml:"retry_delay_ms"`
		ClaimIdleMS  int    `yaml:"claim_idle_ms"`
		AutoMigrate  bool   `yaml:"auto_migrate"`
	} `yaml:"writer"`

	Gateway struct {
		Addr        string `yaml:"addr"`
		Fanout      string `yaml:"fanout"`
		BatchSize   int    `yaml:"batch_size"`
		ClaimIdleMS int    `yaml:"claim_idle_ms"`
	} `yaml:"gateway"`

	Metrics struct {
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`

	Logging struct {
		Level string `yaml:"level"`
		Dir   string `yaml:"dir"`
	} `yaml:"logging"`

	// SymbolMap replaces the built-in raw -> canonical mapping when set.
	SymbolMap map[string]map[string]string `yaml:"symbol_map"`
}

// DefaultConfig returns the settings used when no file or env override is present.
func DefaultConfig() *Config {
	var cfg Config
	cfg.App.Name = "tickstream"
	cfg.App.Version = "dev"

	cfg.Log.Backend = BackendRedis
	cfg.Log.RedisURL = "redis://localhost:6379/0"
	cfg.Log.ReadBatch = 200
	cfg.Log.BlockMS = 1000
	cfg.Log.MaxLen = 1000000

	cfg.Streams.Raw = "ticks:raw"
	cfg.Streams.Norm = "ticks:norm"
	cfg.Streams.RawGroup = "normalizer"
	cfg.Streams.NormGroup = "writer"
	cfg.Streams.GatewayGroup = "gateway"

	cfg.Ingest.Exchanges = []string{"binance", "kraken", "poloniex"}
	cfg.Ingest.Kraken.Symbols = []string{"XBT/USD", "ETH/USD", "SOL/USD"}
	cfg.Ingest.Poloniex.Symbols = []string{"BTC_USDT", "ETH_USDT", "SOL_USDT"}
	cfg.Ingest.ReconnectDelayMS = 2000
	cfg.Ingest.ReadTimeoutSec = 60

	cfg.Normalizer.ThrottleMS = 250
	cfg.Normalizer.HistorySize = 2000
	cfg.Normalizer.Shards = 1
	cfg.Normalizer.AckPolicy = "always"
	cfg.Normalizer.PendingRetryMS = 5000

	cfg.Writer.BatchSize = 500
	cfg.Writer.RetryDelayMS = 1000

	cfg.Gateway.Addr = ":8080"
	cfg.Gateway.Fanout = FanoutAll
	cfg.Gateway.BatchSize = 200
	cfg.Gateway.ClaimIdleMS = 30000

	cfg.Logging.Level = "info"
	cfg.Logging.Dir = "logs"
	return &cfg
}

// LoadConfig reads the YAML file over the defaults and applies env overrides.
// A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &domain.ConfigError{Field: path, Err: err}
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, err
	}

	if err := overrideWithEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ValidateFor checks the settings a given binary depends on.
func (c *Config) ValidateFor(role Role) error {
	switch c.Log.Backend {
	case BackendRedis:
		if !hasPrefix(c.Log.RedisURL, "redis://") && !hasPrefix(c.Log.RedisURL, "rediss://") {
			return configErr("log.redis_url", "invalid redis url %q", c.Log.RedisURL)
		}
	case BackendMemory:
	default:
		return configErr("log.backend", "unknown backend %q", c.Log.Backend)
	}
	if c.Log.ReadBatch <= 0 {
		return configErr("log.read_batch", "must be positive")
	}
	if c.Log.BlockMS < 0 {
		return configErr("log.block_ms", "must not be negative")
	}

	switch role {
	case RoleIngest:
		if len(c.Ingest.Exchanges) == 0 {
			return configErr("ingest.exchanges", "at least one exchange is required")
		}
		for _, name := range c.Ingest.Exchanges {
			if _, err := domain.ParseExchange(name); err != nil {
				return &domain.ConfigError{Field: "ingest.exchanges", Err: err}
			}
		}
		for _, v := range []VenueConfig{c.Ingest.Binance, c.Ingest.Kraken, c.Ingest.Poloniex} {
			if v.Endpoint != "" && !hasPrefix(v.Endpoint, "ws://") && !hasPrefix(v.Endpoint, "wss://") {
				return configErr("ingest.endpoint", "invalid websocket url %q", v.Endpoint)
			}
		}
		if c.Ingest.ReconnectDelayMS <= 0 {
			return configErr("ingest.reconnect_delay_ms", "must be positive")
		}
	case RoleNormalizer:
		if c.Normalizer.ThrottleMS < 0 {
			return configErr("normalizer.throttle_ms", "must not be negative")
		}
		if c.Normalizer.HistorySize <= 0 {
			return configErr("normalizer.history_size", "must be positive")
		}
		if c.Normalizer.Shards <= 0 {
			return configErr("normalizer.shards", "must be positive")
		}
		if c.Normalizer.AckPolicy != "always" && c.Normalizer.AckPolicy != "on_success" {
			return configErr("normalizer.ack_policy", "unknown policy %q", c.Normalizer.AckPolicy)
		}
		for ex := range c.SymbolMap {
			if _, err := domain.ParseExchange(ex); err != nil {
				return &domain.ConfigError{Field: "symbol_map", Err: err}
			}
		}
	case RoleWriter:
		if c.Writer.DSN == "" {
			return configErr("writer.pg_dsn", "a database DSN is required")
		}
		if c.Writer.BatchSize <= 0 {
			return configErr("writer.batch_size", "must be positive")
		}
	case RoleGateway:
		if c.Gateway.Addr == "" {
			return configErr("gateway.addr", "listen address is required")
		}
		if c.Gateway.Fanout != FanoutAll && c.Gateway.Fanout != FanoutAny {
			return configErr("gateway.fanout", "unknown fan-out mode %q", c.Gateway.Fanout)
		}
	default:
		return configErr("role", "unknown role %q", role)
	}
	return nil
}

// Symbols builds the symbol map, falling back to the defaults when none is configured.
func (c *Config) Symbols() domain.SymbolMap {
	if len(c.SymbolMap) == 0 {
		return domain.DefaultSymbolMap()
	}
	m := make(domain.SymbolMap, len(c.SymbolMap))
	for name, pairs := range c.SymbolMap {
		ex, err := domain.ParseExchange(name)
		if err != nil {
			continue
		}
		m[ex] = pairs
	}
	return m
}

// Venue returns the adapter settings for an exchange.
func (c *Config) Venue(ex domain.Exchange) VenueConfig {
	switch ex {
	case domain.Binance:
		return c.Ingest.Binance
	case domain.Kraken:
		return c.Ingest.Kraken
	default:
		return c.Ingest.Poloniex
	}
}

func (c *Config) BlockTimeout() time.Duration {
	return time.Duration(c.Log.BlockMS) * time.Millisecond
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// ReconnectDelays returns the base and cap of the adapter backoff.
func (c *Config) ReconnectDelays() (time.Duration, time.Duration) {
	return ms(c.Ingest.ReconnectDelayMS), ms(c.Ingest.ReconnectMaxDelayMS)
}

func configErr(field, format string, args ...any) error {
	return &domain.ConfigError{Field: field, Err: fmt.Errorf(format, args...)}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[0:len(prefix)] == prefix
}

// overrideWithEnv applies environment variables on top of the file settings.
func overrideWithEnv(cfg *Config) error {
	envString("REDIS_URL", &cfg.Log.RedisURL)
	envString("LOG_BACKEND", &cfg.Log.Backend)
	envString("RAW_STREAM", &cfg.Streams.Raw)
	envString("NORM_STREAM", &cfg.Streams.Norm)
	envString("RAW_GROUP", &cfg.Streams.RawGroup)
	envString("NORM_GROUP", &cfg.Streams.NormGroup)
	envString("GATEWAY_GROUP", &cfg.Streams.GatewayGroup)
	envString("PG_DSN", &cfg.Writer.DSN)
	envString("GATEWAY_ADDR", &cfg.Gateway.Addr)
	envString("GATEWAY_FANOUT", &cfg.Gateway.Fanout)
	envString("METRICS_ADDR", &cfg.Metrics.Addr)
	envString("LOG_LEVEL", &cfg.Logging.Level)
	envString("CONSUMER_NAME", &cfg.Normalizer.ConsumerName)

	envList("EXCHANGES", &cfg.Ingest.Exchanges)
	envList("BINANCE_SYMBOLS", &cfg.Ingest.Binance.Symbols)
	envList("KRAKEN_SYMBOLS", &cfg.Ingest.Kraken.Symbols)
	envList("POLONIEX_SYMBOLS", &cfg.Ingest.Poloniex.Symbols)

	for name, dst := range map[string]*int{
		"THROTTLE_MS":  &cfg.Normalizer.ThrottleMS,
		"HISTORY_SIZE": &cfg.Normalizer.HistorySize,
		"READ_BATCH":   &cfg.Log.ReadBatch,
		"BLOCK_MS":     &cfg.Log.BlockMS,
	} {
		if err := envInt(name, dst); err != nil {
			return err
		}
	}
	return nil
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envList(name string, dst *[]string) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

func envInt(name string, dst *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return &domain.ConfigError{Field: name, Err: err}
	}
	*dst = n
	return nil
}
