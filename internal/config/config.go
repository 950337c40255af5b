// Package config reads service configuration from ADMIN_* environment
// variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds server configuration.
type Config struct {
	HTTPAddr string
	GRPCAddr string

	PostgresDSN string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AuthSecret string
	TokenTTL   time.Duration

	AuditQueue     int
	ExportMaxRange time.Duration
	PolicyFile     string
	StoreTimeout   time.Duration

	RateBurst  int
	RatePerSec int

	LogLevel string
}

// Load reads the environment. Unset variables take their defaults; a set but
// unparsable value is an error.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPAddr:      env("ADMIN_HTTP_ADDR", ":8080"),
		GRPCAddr:      env("ADMIN_GRPC_ADDR", ":9090"),
		PostgresDSN:   os.Getenv("ADMIN_PG_DSN"),
		RedisAddr:     os.Getenv("ADMIN_REDIS_ADDR"),
		RedisPassword: os.Getenv("ADMIN_REDIS_PASSWORD"),
		AuthSecret:    os.Getenv("ADMIN_AUTH_SECRET"),
		PolicyFile:    os.Getenv("ADMIN_POLICY_FILE"),
		LogLevel:      env("ADMIN_LOG_LEVEL", "info"),
	}

	var err error
	if cfg.RedisDB, err = envInt("ADMIN_REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.TokenTTL, err = envDuration("ADMIN_TOKEN_TTL", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.AuditQueue, err = envInt("ADMIN_AUDIT_QUEUE", 1024); err != nil {
		return nil, err
	}
	if cfg.ExportMaxRange, err = envDuration("ADMIN_EXPORT_MAX_RANGE", 90*24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.StoreTimeout, err = envDuration("ADMIN_STORE_TIMEOUT", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.RateBurst, err = envInt("ADMIN_RATE_BURST", 20); err != nil {
		return nil, err
	}
	if cfg.RatePerSec, err = envInt("ADMIN_RATE_PER_SEC", 10); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings cmd/api cannot start without.
func (c *Config) Validate() error {
	if c.AuthSecret == "" {
		return fmt.Errorf("config: ADMIN_AUTH_SECRET is required")
	}
	if c.PostgresDSN == "" && c.PolicyFile == "" {
		return fmt.Errorf("config: one of ADMIN_PG_DSN or ADMIN_POLICY_FILE is required")
	}
	if c.AuditQueue <= 0 {
		return fmt.Errorf("config: ADMIN_AUDIT_QUEUE must be positive")
	}
	return nil
}

func env(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("config: %s must be positive", key)
	}
	return d, nil
}
