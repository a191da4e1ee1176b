// Package config loads cart host settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix namespaces every variable, e.g. CART_HTTP_ADDR. The unprefixed
// name is honored as a fallback.
const EnvPrefix = "CART"

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

type Config struct {
	AppEnv   string `envconfig:"APP_ENV" default:"dev"`
	HTTPAddr string `envconfig:"HTTP_ADDR" default:"127.0.0.1:8443"`
	TLSCert  string `envconfig:"TLS_CERT"`
	TLSKey   string `envconfig:"TLS_KEY"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	StorageDriver    string `envconfig:"STORAGE_DRIVER" default:"sqlite"`
	StorageKey       string `envconfig:"STORAGE_KEY" default:"@GoMarketPlace:products"`
	StorageNamespace string `envconfig:"STORAGE_NAMESPACE" default:"gomarketplace"`
	PersistAttempts  uint   `envconfig:"PERSIST_ATTEMPTS" default:"5"`

	SQLitePath    string `envconfig:"SQLITE_PATH" default:"gomarketplace.db"`
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisURL      string `envconfig:"REDIS_URL"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	OTELHost        string  `envconfig:"OTEL_HOST"`
	OTELProbability float64 `envconfig:"OTEL_PROBABILITY" default:"1.0"`
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field requirements envconfig cannot express.
func (c *Config) Validate() error {
	c.StorageDriver = strings.ToLower(strings.TrimSpace(c.StorageDriver))
	switch c.StorageDriver {
	case DriverMemory:
	case DriverSQLite:
		if c.SQLitePath == "" {
			return errors.New("sqlite storage requires SQLITE_PATH")
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return errors.New("postgres storage requires DATABASE_URL")
		}
	case DriverRedis:
		if c.RedisAddr == "" && c.RedisURL == "" {
			return errors.New("redis storage requires REDIS_ADDR or REDIS_URL")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.StorageDriver)
	}
	if c.StorageKey == "" {
		return errors.New("STORAGE_KEY must not be empty")
	}
	if c.PersistAttempts == 0 {
		return errors.New("PERSIST_ATTEMPTS must be at least 1")
	}
	if c.OTELProbability < 0 || c.OTELProbability > 1 {
		return fmt.Errorf("OTEL_PROBABILITY must be within [0,1], got %v", c.OTELProbability)
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return errors.New("TLS_CERT and TLS_KEY must be set together")
	}
	return nil
}

// TLSEnabled reports whether the host should serve HTTPS.
func (c *Config) TLSEnabled() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}

// IsDev reports whether the host runs in development mode, which switches
// logs to the console encoder.
func (c *Config) IsDev() bool {
	return strings.EqualFold(c.AppEnv, "dev")
}
