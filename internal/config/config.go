package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is read once at startup and passed down; nothing re-reads the
// environment per request.
type Config struct {
	Port           int    `env:"N8N_PORT" envDefault:"5678"`
	RestEndpoint   string `env:"N8N_ENDPOINT_REST" envDefault:"rest"`
	PayloadSizeMax int64  `env:"N8N_PAYLOAD_SIZE_MAX" envDefault:"16"` // MiB
	AdminAPIToken  string `env:"ADMIN_API_TOKEN"`
	ProxyHops      int    `env:"N8N_PROXY_HOPS" envDefault:"0"`

	Log         LogConfig
	Database    DatabaseConfig
	Diagnostics DiagnosticsConfig
	RateLimit   RateLimitConfig
}

type LogConfig struct {
	Level  string `env:"N8N_LOG_LEVEL" envDefault:"info"`
	Format string `env:"N8N_LOG_FORMAT" envDefault:"json"`
}

type DatabaseConfig struct {
	Type        string `env:"DB_TYPE" envDefault:"sqlite"`
	TablePrefix string `env:"DB_TABLE_PREFIX"`

	SQLite   SQLiteConfig
	Postgres PostgresConfig
}

type SQLiteConfig struct {
	Database string `env:"DB_SQLITE_DATABASE" envDefault:"database.sqlite"`
}

type PostgresConfig struct {
	Host     string `env:"DB_POSTGRESDB_HOST" envDefault:"localhost"`
	Port     int    `env:"DB_POSTGRESDB_PORT" envDefault:"5432"`
	User     string `env:"DB_POSTGRESDB_USER" envDefault:"postgres"`
	Password string `env:"DB_POSTGRESDB_PASSWORD"`
	Database string `env:"DB_POSTGRESDB_DATABASE" envDefault:"n8n"`
	Schema   string `env:"DB_POSTGRESDB_SCHEMA" envDefault:"public"`
}

type DiagnosticsConfig struct {
	PostHog PostHogConfig
}

type PostHogConfig struct {
	APIHost string `env:"N8N_DIAGNOSTICS_POSTHOG_API_HOST" envDefault:"https://us.i.posthog.com"`
}

type RateLimitConfig struct {
	RedisURL string `env:"RATE_LIMIT_REDIS_URL"`
}

// Load reads an optional .env file and then the process environment.
func Load(dotenvFiles ...string) (*Config, error) {
	if err := godotenv.Load(dotenvFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load dotenv: %w", err)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	host := strings.TrimRight(c.Diagnostics.PostHog.APIHost, "/")
	u, err := url.Parse(host)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid posthog api host %q", c.Diagnostics.PostHog.APIHost)
	}
	c.Diagnostics.PostHog.APIHost = host

	c.RestEndpoint = strings.Trim(c.RestEndpoint, "/")
	if c.RestEndpoint == "" {
		return fmt.Errorf("rest endpoint must not be empty")
	}

	if c.ProxyHops < 0 {
		return fmt.Errorf("proxy hops must not be negative, got %d", c.ProxyHops)
	}

	if c.PayloadSizeMax <= 0 {
		return fmt.Errorf("payload size max must be positive, got %d", c.PayloadSizeMax)
	}

	return nil
}

// RestPrefix is the path every REST controller is mounted under, e.g. "/rest".
func (c *Config) RestPrefix() string {
	return "/" + c.RestEndpoint
}

// PayloadSizeMaxBytes converts the MiB setting into bytes.
func (c *Config) PayloadSizeMaxBytes() int64 {
	return c.PayloadSizeMax << 20
}
