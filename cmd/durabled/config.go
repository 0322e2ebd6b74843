package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	env "github.com/caarlos0/env/v11"

	"github.com/xraph/durable"
)

// envPrefix namespaces every variable the server reads.
const envPrefix = "DURABLE_"

// Config is the server configuration, read from DURABLE_* variables.
type Config struct {
	Addr  string `env:"ADDR"  envDefault:":8080"`
	Store string `env:"STORE" envDefault:"memory"`

	RedisURL      string `env:"REDIS_URL"      envDefault:"redis://localhost:6379/0"`
	RedisPrefix   string `env:"REDIS_PREFIX"`
	PostgresURL   string `env:"POSTGRES_URL"   envDefault:"postgres://localhost:5432/durable?sslmode=disable"`
	MongoURI      string `env:"MONGO_URI"      envDefault:"mongodb://localhost:27017"`
	MongoDatabase string `env:"MONGO_DATABASE" envDefault:"durable"`

	// Tokens are API keys granted every scope on the websocket endpoint.
	// Empty disables authentication.
	Tokens []string `env:"TOKENS" envSeparator:","`

	Log    LogConfig    `envPrefix:"LOG_"`
	Engine EngineConfig `envPrefix:"ENGINE_"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `env:"LEVEL"  envDefault:"info"`
	Format string `env:"FORMAT" envDefault:"text"`
}

// EngineConfig overrides durable.DefaultConfig. Zero values keep the default.
type EngineConfig struct {
	Concurrency       int           `env:"CONCURRENCY"`
	LeaseTTL          time.Duration `env:"LEASE_TTL"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL"`
	PollInterval      time.Duration `env:"POLL_INTERVAL"`
	WakeSchedule      string        `env:"WAKE_SCHEDULE"`
	StreamRetention   time.Duration `env:"STREAM_RETENTION"`
	DefaultMaxRetries int           `env:"DEFAULT_MAX_RETRIES"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT"`
}

// LoadConfig reads the configuration from the environment.
func LoadConfig() (*Config, error) {
	return parseConfig(env.Options{Prefix: envPrefix})
}

func parseConfig(opts env.Options) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	switch cfg.Store {
	case "memory", "redis", "postgres", "bun", "mongo":
	default:
		return nil, fmt.Errorf("unknown store %q (want memory, redis, postgres, bun or mongo)", cfg.Store)
	}
	if _, err := parseLevel(cfg.Log.Level); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// durableConfig returns the engine configuration with the overrides applied.
func (c *Config) durableConfig() durable.Config {
	out := durable.DefaultConfig()
	e := c.Engine
	if e.Concurrency > 0 {
		out.Concurrency = e.Concurrency
	}
	if e.LeaseTTL > 0 {
		out.LeaseTTL = e.LeaseTTL
	}
	if e.HeartbeatInterval > 0 {
		out.HeartbeatInterval = e.HeartbeatInterval
	}
	if e.PollInterval > 0 {
		out.PollInterval = e.PollInterval
	}
	if e.WakeSchedule != "" {
		out.WakeSchedule = e.WakeSchedule
	}
	if e.StreamRetention > 0 {
		out.StreamRetention = e.StreamRetention
	}
	if e.DefaultMaxRetries > 0 {
		out.DefaultMaxRetries = e.DefaultMaxRetries
	}
	if e.ShutdownTimeout > 0 {
		out.ShutdownTimeout = e.ShutdownTimeout
	}
	return out
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return l, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return l, nil
}

// newLogger builds the process logger from c.
func (c LogConfig) newLogger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.Level) //nolint:errcheck // validated by parseConfig
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
