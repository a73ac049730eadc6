// Package config reads the jobmux command configuration from environment
// variables using caarlos0/env/v11. All variables carry the JOBMUX_ prefix.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/miladsoleymani/jobmux/broker"
)

// Config holds the worker and CLI settings.
type Config struct {
	// Transport is a name registered with broker.Register.
	Transport string `env:"TRANSPORT" envDefault:"memory"`
	// URL is the broker address. Falls back to AMQP_URL when unset.
	URL   string `env:"URL"`
	Group string `env:"GROUP" envDefault:"jobmux"`

	Prefetch     int           `env:"PREFETCH"      envDefault:"1"`
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"1s"`
	Tick         time.Duration `env:"TICK"`
	// Schedule is a cron expression for predicate re-evaluation.
	Schedule string `env:"SCHEDULE"`

	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	// DeadLetterPath enables the sqlite dead letter store when set.
	DeadLetterPath string `env:"DEAD_LETTER_PATH"`
	// AdminAddr enables the admin HTTP server when set.
	AdminAddr string `env:"ADMIN_ADDR"`
}

type legacy struct {
	AMQPURL string `env:"AMQP_URL"`
}

// Load parses Config from the environment.
func Load() (*Config, error) {
	return parse(env.Options{Prefix: "JOBMUX_"})
}

// LoadFrom parses Config from the given variables instead of the process
// environment.
func LoadFrom(vars map[string]string) (*Config, error) {
	return parse(env.Options{Prefix: "JOBMUX_", Environment: vars})
}

func parse(opts env.Options) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if cfg.URL == "" {
		var l legacy
		lopts := opts
		lopts.Prefix = ""
		if err := env.ParseWithOptions(&l, lopts); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		cfg.URL = l.AMQPURL
	}
	if cfg.Prefetch < 1 {
		return nil, fmt.Errorf("config: JOBMUX_PREFETCH must be positive, got %d", cfg.Prefetch)
	}
	return cfg, nil
}

// Broker returns the transport settings for broker.Create.
func (c *Config) Broker() broker.Config {
	return broker.Config{URL: c.URL, Group: c.Group}
}

// NewLogger builds the process logger from LogLevel and LogFormat.
func (c *Config) NewLogger(out io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(out, opts))
	}
	return slog.New(slog.NewTextHandler(out, opts))
}
