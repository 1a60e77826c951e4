// Package config loads the process configuration for the gateway daemon
// from environment variables using struct tags, following the teacher's
// env-tag convention rather than a bespoke flag/YAML parser.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the complete set of environment-sourced settings needed to
// bootstrap the gateway. CLI flag parsing and subcommand wiring are out of
// scope for this core; this struct exists only to get the server running.
type Config struct {
	// Environment selects "development" or "production" security-header
	// and CSP behavior (pkg/httpapi.SecurityHeaders).
	Environment string `env:"GATEWAY_ENV" envDefault:"development"`

	// Issuer is this server's OAuth2 issuer URL, used in discovery metadata
	// and as the `iss` claim on every signed token.
	Issuer string `env:"GATEWAY_ISSUER,required"`

	// DatabaseDriver selects the persistence backend: "sqlite" or "postgres".
	DatabaseDriver string `env:"GATEWAY_DB_DRIVER" envDefault:"sqlite"`
	// DatabaseDSN is the connection string (file path for sqlite, a libpq
	// DSN for postgres).
	DatabaseDSN string `env:"GATEWAY_DB_DSN,required"`

	// MasterKeyHex is the 32-byte master key, hex-encoded, used to derive
	// every tenant and global encryption key. It never leaves process
	// memory once decoded.
	MasterKeyHex string `env:"GATEWAY_MASTER_KEY,required"`

	// RedisAddr is the address of the Redis instance backing the unified
	// rate limiter's monthly usage counters.
	RedisAddr string `env:"GATEWAY_REDIS_ADDR" envDefault:"127.0.0.1:6379"`

	// HTTPAddr is the address the HTTP server listens on.
	HTTPAddr string `env:"GATEWAY_HTTP_ADDR" envDefault:":8080"`

	// AdminTokenDefaultLifespan is the default admin-token TTL (365 days);
	// super-admin tokens may override this to non-expiring.
	AdminTokenDefaultLifespan time.Duration `env:"GATEWAY_ADMIN_TOKEN_TTL" envDefault:"8760h"`

	// StravaClientID / StravaClientSecret / FitbitClientID / FitbitClientSecret
	// are the gateway operator's own registered app credentials with each
	// upstream provider, used as fallbacks when a tenant has not configured
	// its own TenantOAuthCredentials.
	StravaClientID     string `env:"GATEWAY_STRAVA_CLIENT_ID"`
	StravaClientSecret string `env:"GATEWAY_STRAVA_CLIENT_SECRET"`
	FitbitClientID     string `env:"GATEWAY_FITBIT_CLIENT_ID"`
	FitbitClientSecret string `env:"GATEWAY_FITBIT_CLIENT_SECRET"`

	// UnstructuredLogs switches the logger to a human-readable console
	// encoder for local development.
	UnstructuredLogs bool `env:"UNSTRUCTURED_LOGS" envDefault:"false"`
}

// Load parses Config from the process environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
