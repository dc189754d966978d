package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Version is the hub release version reported by the root and health endpoints.
const Version = "2.0.0"

// Config holds application configuration populated from environment variables. It is immutable after Load.
type Config struct {
	// Core
	ServiceName string
	ServerPort  int
	ServerEnv   string // "development" or "production"

	// Auth — static token shared between the hub and every worker process.
	SharedToken string
	AuthTimeout time.Duration

	// Connection housekeeping
	StaleThreshold     time.Duration
	StaleSweepInterval time.Duration

	// Telemetry
	PersistInterval time.Duration
	LivenessWindow  time.Duration

	// Commands
	CommandTimeout       time.Duration
	CommandSweepInterval time.Duration
	CommandHistoryCap    int

	// PostgreSQL (optional; telemetry stays memory-only when unset)
	DatabaseURL     string
	DatabaseMaxConn int
	DatabaseMinConn int

	// Redis event tap (optional)
	RedisURL string

	// CORS
	CORSAllowOrigins []string
}

// Load reads configuration from environment variables with defaults. It returns an error if any variable is set but
// cannot be parsed, or if a required value fails validation.
func Load() (*Config, error) {
	p := &parser{}

	cfg := &Config{
		ServiceName: envStr("HUB_SERVICE_NAME", "OTS Hub"),
		ServerPort:  p.int("HUB_PORT", 8000),
		ServerEnv:   envStr("HUB_ENV", "production"),

		SharedToken: envStr("HUB_TOKEN", "change-me-in-production"),
		AuthTimeout: p.duration("HUB_AUTH_TIMEOUT", 5*time.Second),

		StaleThreshold:     p.duration("HUB_STALE_THRESHOLD", 300*time.Second),
		StaleSweepInterval: p.duration("HUB_STALE_SWEEP_INTERVAL", 60*time.Second),

		PersistInterval: p.duration("HUB_TELEMETRY_PERSIST_INTERVAL", 30*time.Second),
		LivenessWindow:  p.duration("HUB_TELEMETRY_LIVENESS_WINDOW", 300*time.Second),

		CommandTimeout:       p.duration("HUB_COMMAND_TIMEOUT", 30*time.Second),
		CommandSweepInterval: p.duration("HUB_COMMAND_SWEEP_INTERVAL", 30*time.Second),
		CommandHistoryCap:    p.int("HUB_COMMAND_HISTORY_CAP", 100),

		DatabaseURL:     envStr("DATABASE_URL", ""),
		DatabaseMaxConn: p.int("DATABASE_MAX_CONNS", 10),
		DatabaseMinConn: p.int("DATABASE_MIN_CONNS", 1),

		RedisURL: envStr("REDIS_URL", ""),

		CORSAllowOrigins: splitOrigins(envStr("CORS_ALLOW_ORIGINS", "*")),
	}

	if parseErr := errors.Join(p.errs...); parseErr != nil {
		return nil, parseErr
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// IsDevelopment returns true when running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.ServerEnv == "development"
}

// DatabaseConfigured returns true when a PostgreSQL DSN is set, indicating telemetry should be persisted.
func (c *Config) DatabaseConfigured() bool {
	return c.DatabaseURL != ""
}

// RedisConfigured returns true when a Redis URL is set, indicating forwarded frames should be mirrored to the event
// tap channel.
func (c *Config) RedisConfigured() bool {
	return c.RedisURL != ""
}

func (c *Config) validate() error {
	var errs []error

	if c.SharedToken == "" {
		errs = append(errs, fmt.Errorf("HUB_TOKEN must not be empty"))
	}
	if c.ServerPort < 1 || c.ServerPort > 65535 {
		errs = append(errs, fmt.Errorf("HUB_PORT must be between 1 and 65535"))
	}
	if c.AuthTimeout < time.Second {
		errs = append(errs, fmt.Errorf("HUB_AUTH_TIMEOUT must be at least 1s"))
	}
	if c.StaleThreshold < time.Second {
		errs = append(errs, fmt.Errorf("HUB_STALE_THRESHOLD must be at least 1s"))
	}
	if c.StaleSweepInterval < time.Second {
		errs = append(errs, fmt.Errorf("HUB_STALE_SWEEP_INTERVAL must be at least 1s"))
	}
	if c.PersistInterval < time.Second {
		errs = append(errs, fmt.Errorf("HUB_TELEMETRY_PERSIST_INTERVAL must be at least 1s"))
	}
	if c.LivenessWindow < time.Second {
		errs = append(errs, fmt.Errorf("HUB_TELEMETRY_LIVENESS_WINDOW must be at least 1s"))
	}
	if c.CommandTimeout < time.Second {
		errs = append(errs, fmt.Errorf("HUB_COMMAND_TIMEOUT must be at least 1s"))
	}
	if c.CommandSweepInterval < time.Second {
		errs = append(errs, fmt.Errorf("HUB_COMMAND_SWEEP_INTERVAL must be at least 1s"))
	}
	if c.CommandHistoryCap < 1 {
		errs = append(errs, fmt.Errorf("HUB_COMMAND_HISTORY_CAP must be at least 1"))
	}
	if c.DatabaseMaxConn < 1 {
		errs = append(errs, fmt.Errorf("DATABASE_MAX_CONNS must be at least 1"))
	}
	if c.DatabaseMinConn < 0 {
		errs = append(errs, fmt.Errorf("DATABASE_MIN_CONNS must not be negative"))
	}
	if c.DatabaseMinConn > c.DatabaseMaxConn {
		errs = append(errs, fmt.Errorf("DATABASE_MIN_CONNS (%d) must not exceed DATABASE_MAX_CONNS (%d)", c.DatabaseMinConn, c.DatabaseMaxConn))
	}

	return errors.Join(errs...)
}

func splitOrigins(raw string) []string {
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}

// parser collects parse errors so Load can report all invalid values at once.
type parser struct {
	errs []error
}

func (p *parser) int(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid value for %s: %q (expected integer)", key, v))
		return fallback
	}
	return n
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid value for %s: %q (expected duration like \"30s\" or \"5m\")", key, v))
		return fallback
	}
	return d
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
