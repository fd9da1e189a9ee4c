package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"

	"worldgate/internal/identity/models"
	"worldgate/internal/identity/token"
	wgstrings "worldgate/pkg/platform/strings"
)

// Server captures process-wide configuration. Mode is read once at startup and
// never changes for the lifetime of the process.
type Server struct {
	Mode     string `env:"WORLDGATE_MODE" envDefault:"self_hosted"`
	Addr     string `env:"WORLDGATE_ADDR" envDefault:":8080"`
	LogLevel string `env:"WORLDGATE_LOG_LEVEL" envDefault:"info"`

	Token    TokenConfig
	Provider ProviderConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Cache    CacheConfig
	Audit    AuditConfig
}

// TokenConfig holds signed token expectations for self-hosted mode.
type TokenConfig struct {
	Issuer      string        `env:"WORLDGATE_TOKEN_ISSUER"`
	Audience    string        `env:"WORLDGATE_TOKEN_AUDIENCE"`
	MaxAge      time.Duration `env:"WORLDGATE_TOKEN_MAX_AGE" envDefault:"144h"`
	JWKSURL     string        `env:"WORLDGATE_JWKS_URL"`
	PublicKey   string        `env:"WORLDGATE_TOKEN_PUBLIC_KEY"`
	TrustOpaque bool          `env:"WORLDGATE_TRUST_OPAQUE_TOKENS" envDefault:"false"`
}

// ProviderConfig holds the federated identity provider settings.
type ProviderConfig struct {
	BaseURL       string        `env:"WORLDGATE_PROVIDER_URL"`
	Timeout       time.Duration `env:"WORLDGATE_PROVIDER_TIMEOUT" envDefault:"5s"`
	MaxConcurrent int           `env:"WORLDGATE_PROVIDER_MAX_CONCURRENT" envDefault:"64"`
}

// DatabaseConfig holds the self-hosted player store settings.
type DatabaseConfig struct {
	DSN          string        `env:"WORLDGATE_DATABASE_URL"`
	MaxOpenConns int           `env:"WORLDGATE_DATABASE_MAX_OPEN_CONNS" envDefault:"20"`
	MaxIdleConns int           `env:"WORLDGATE_DATABASE_MAX_IDLE_CONNS" envDefault:"5"`
	QueryTimeout time.Duration `env:"WORLDGATE_DATABASE_QUERY_TIMEOUT" envDefault:"2s"`
}

// RedisConfig holds the shared cache connection. An empty URL disables Redis.
type RedisConfig struct {
	URL          string        `env:"WORLDGATE_REDIS_URL"`
	PoolSize     int           `env:"WORLDGATE_REDIS_POOL_SIZE" envDefault:"20"`
	DialTimeout  time.Duration `env:"WORLDGATE_REDIS_DIAL_TIMEOUT" envDefault:"2s"`
	ReadTimeout  time.Duration `env:"WORLDGATE_REDIS_READ_TIMEOUT" envDefault:"200ms"`
	WriteTimeout time.Duration `env:"WORLDGATE_REDIS_WRITE_TIMEOUT" envDefault:"200ms"`
}

// CacheConfig controls the profile cache. A zero TTL disables it.
type CacheConfig struct {
	TTL       time.Duration `env:"WORLDGATE_CACHE_TTL" envDefault:"30s"`
	KeySecret string        `env:"WORLDGATE_CACHE_KEY_SECRET"`
	InMemory  bool          `env:"WORLDGATE_CACHE_IN_MEMORY" envDefault:"false"`
}

// AuditConfig routes audit events to Kafka when brokers are set.
type AuditConfig struct {
	Brokers   []string `env:"WORLDGATE_KAFKA_BROKERS" envSeparator:","`
	Topic     string   `env:"WORLDGATE_AUDIT_TOPIC" envDefault:"worldgate.identity.audit"`
	QueueSize int      `env:"WORLDGATE_AUDIT_QUEUE_SIZE" envDefault:"1024"`
}

// FromEnv parses and validates the server configuration.
func FromEnv() (Server, error) {
	var cfg Server
	if err := env.Parse(&cfg); err != nil {
		return Server{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.Audit.Brokers = wgstrings.DedupeAndTrim(cfg.Audit.Brokers)
	if err := cfg.Validate(); err != nil {
		return Server{}, err
	}
	return cfg, nil
}

// DeploymentMode returns the parsed mode. Validate has already rejected unknown values.
func (c Server) DeploymentMode() models.Mode {
	mode, _ := models.ParseMode(c.Mode)
	return mode
}

// CacheEnabled reports whether resolved profiles should be cached.
func (c Server) CacheEnabled() bool {
	return c.Cache.TTL > 0 && (c.Redis.URL != "" || c.Cache.InMemory)
}

// SlogLevel maps LogLevel to a slog level, defaulting to info.
func (c Server) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// Validate checks that the settings the selected mode depends on are present.
func (c Server) Validate() error {
	mode, err := models.ParseMode(c.Mode)
	if err != nil {
		return err
	}

	var errs []error
	switch mode {
	case models.ModeSelfHosted:
		if c.Token.Issuer == "" {
			errs = append(errs, errors.New("WORLDGATE_TOKEN_ISSUER is required in self_hosted mode"))
		}
		if c.Token.Audience == "" {
			errs = append(errs, errors.New("WORLDGATE_TOKEN_AUDIENCE is required in self_hosted mode"))
		}
		if c.Token.JWKSURL == "" && c.Token.PublicKey == "" {
			errs = append(errs, errors.New("one of WORLDGATE_JWKS_URL or WORLDGATE_TOKEN_PUBLIC_KEY is required in self_hosted mode"))
		}
		if c.Database.DSN == "" {
			errs = append(errs, errors.New("WORLDGATE_DATABASE_URL is required in self_hosted mode"))
		}
	case models.ModeFederated:
		if c.Provider.BaseURL == "" {
			errs = append(errs, errors.New("WORLDGATE_PROVIDER_URL is required in federated mode"))
		}
		if c.CacheEnabled() && len(c.Cache.KeySecret) < 32 {
			errs = append(errs, errors.New("WORLDGATE_CACHE_KEY_SECRET must be at least 32 bytes when caching federated profiles"))
		}
	}
	if c.Token.MaxAge <= 0 || c.Token.MaxAge > token.DefaultMaxTokenAge {
		errs = append(errs, fmt.Errorf("WORLDGATE_TOKEN_MAX_AGE must be positive and at most %s", token.DefaultMaxTokenAge))
	}
	if c.Cache.TTL < 0 {
		errs = append(errs, errors.New("WORLDGATE_CACHE_TTL must not be negative"))
	}
	return errors.Join(errs...)
}
