package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config is the process configuration.
type Config struct {
	Listen           string        `env:"PULLGATE_LISTEN,default=:8082"`
	AdminListen      string        `env:"PULLGATE_ADMIN_LISTEN,default=:18082"`
	APIs             string        `env:"PULLGATE_APIS,default=apis.yaml"`
	RequestTimeout   time.Duration `env:"PULLGATE_REQUEST_TIMEOUT,default=30s"`
	SubscriptionIdle time.Duration `env:"PULLGATE_SUBSCRIPTION_IDLE,default=60s"`
	ShutdownGrace    time.Duration `env:"PULLGATE_SHUTDOWN_GRACE,default=10s"`
	// OffsetStore is memory or redis.
	OffsetStore    string `env:"PULLGATE_OFFSET_STORE,default=memory"`
	OffsetCapacity int    `env:"PULLGATE_OFFSET_CAPACITY,default=10000"`
	RedisAddr      string `env:"REDIS_ADDR,default=localhost:6379"`
	LogLevel       string `env:"PULLGATE_LOG_LEVEL,default=info"`
	LogFormat      string `env:"PULLGATE_LOG_FORMAT,default=text"`
}

// LoadConfig decodes Config from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode env: %w", err)
	}
	switch cfg.OffsetStore {
	case "memory", "redis":
	default:
		return Config{}, fmt.Errorf("PULLGATE_OFFSET_STORE: unsupported store %q", cfg.OffsetStore)
	}
	return cfg, nil
}

func newLogger(cfg Config, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return nil, fmt.Errorf("PULLGATE_LOG_LEVEL: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(cfg.LogFormat) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("PULLGATE_LOG_FORMAT: unsupported format %q", cfg.LogFormat)
	}
}
