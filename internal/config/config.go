// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration
type Config struct {
	Port        int    `env:"PORT" envDefault:"8080"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT" envDefault:"json"`
	DebugErrors bool   `env:"DEBUG_ERRORS"`
	// AdminToken guards invalidation and warm endpoints when set
	AdminToken string `env:"ADMIN_TOKEN"`

	Redis    RedisConfig
	Shared   SharedConfig
	Provider ProviderConfig
	Warm     WarmConfig
	OTel     OTelConfig
}

// RedisConfig is shared path A and the asynq broker
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
}

// SharedConfig selects path B and the per-path budgets
type SharedConfig struct {
	PathB        string        `env:"SHARED_PATH_B" envDefault:"none"`
	DatabaseURL  string        `env:"DATABASE_URL"`
	SQLitePath   string        `env:"SQLITE_PATH" envDefault:"statcache.db"`
	PathATimeout time.Duration `env:"SHARED_PATH_A_TIMEOUT" envDefault:"150ms"`
	PathBTimeout time.Duration `env:"SHARED_PATH_B_TIMEOUT" envDefault:"400ms"`
	StaleGrace   time.Duration `env:"SHARED_STALE_GRACE" envDefault:"24h"`
}

// ProviderConfig describes the upstream statistics provider
type ProviderConfig struct {
	Name         string        `env:"PROVIDER_NAME" envDefault:"stats"`
	BaseURL      string        `env:"PROVIDER_BASE_URL"`
	APIKey       string        `env:"PROVIDER_API_KEY"`
	ClientID     string        `env:"PROVIDER_CLIENT_ID"`
	ClientSecret string        `env:"PROVIDER_CLIENT_SECRET"`
	TokenURL     string        `env:"PROVIDER_TOKEN_URL"`
	Timeout      time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"10s"`
	MaxRetries   int           `env:"PROVIDER_MAX_RETRIES" envDefault:"2"`
	BackoffBase  time.Duration `env:"FETCH_BACKOFF_BASE" envDefault:"500ms"`
	RateLimit    float64       `env:"PROVIDER_RATE_LIMIT"`
	Burst        int           `env:"PROVIDER_BURST" envDefault:"1"`
	DefaultTTL   time.Duration `env:"DEFAULT_TTL" envDefault:"5m"`
	// Partial maps an entity to its sub-results, e.g. "splits:home|away;logs:reg|post"
	Partial map[string]string `env:"PROVIDER_PARTIAL" envSeparator:";"`
}

type WarmConfig struct {
	Backend   string `env:"WARM_BACKEND" envDefault:"local"`
	QueueSize int    `env:"WARM_QUEUE_SIZE" envDefault:"64"`
	Workers   int    `env:"WARM_WORKERS" envDefault:"2"`
	// PurgeSchedule is the worker's cron spec for dropping shared rows past
	// retention; empty disables it
	PurgeSchedule string `env:"PURGE_SCHEDULE" envDefault:"@every 1h"`
}

type OTelConfig struct {
	Enabled  bool   `env:"OTEL_ENABLED"`
	Endpoint string `env:"OTEL_ENDPOINT" envDefault:"http://localhost:4318"`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// HasRedis returns true if shared path A is configured
func (c *Config) HasRedis() bool {
	return c.Redis.Addr != ""
}

// HasClientCredentials returns true if the provider uses OAuth2 client credentials
func (c *Config) HasClientCredentials() bool {
	return c.Provider.ClientID != "" && c.Provider.ClientSecret != "" && c.Provider.TokenURL != ""
}

// PartialFields returns the sub-result names of a partial entity
func (c *Config) PartialFields(entity string) []string {
	raw, ok := c.Provider.Partial[entity]
	if !ok {
		return nil
	}
	var fields []string
	for _, f := range strings.Split(raw, "|") {
		if f = strings.TrimSpace(f); f != "" {
			fields = append(fields, f)
		}
	}
	return fields
}

// Validate ensures the configuration can build a working service
func (c *Config) Validate() error {
	if c.Provider.BaseURL == "" {
		return fmt.Errorf("PROVIDER_BASE_URL is required")
	}
	u, err := url.Parse(c.Provider.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("PROVIDER_BASE_URL must be an http(s) url, got %q", c.Provider.BaseURL)
	}
	if c.Provider.MaxRetries < 0 {
		return fmt.Errorf("PROVIDER_MAX_RETRIES must be >= 0, got %d", c.Provider.MaxRetries)
	}

	switch c.Shared.PathB {
	case "none", "sqlite":
	case "postgres":
		if c.Shared.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when SHARED_PATH_B=postgres")
		}
	default:
		return fmt.Errorf("SHARED_PATH_B must be postgres, sqlite or none, got %q", c.Shared.PathB)
	}

	switch c.Warm.Backend {
	case "none", "local":
	case "asynq":
		if !c.HasRedis() {
			return fmt.Errorf("REDIS_ADDR is required when WARM_BACKEND=asynq")
		}
	default:
		return fmt.Errorf("WARM_BACKEND must be asynq, local or none, got %q", c.Warm.Backend)
	}

	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.LogFormat)
	}
	return nil
}
