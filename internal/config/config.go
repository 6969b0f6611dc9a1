package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Auth          AuthConfig          `yaml:"auth"`
	Import        ImportConfig        `yaml:"import"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`      // Per-caller import limiter
	HTTPRateLimit HTTPRateLimitConfig `yaml:"http_rate_limit"` // Per-IP request throttle
	Alerts        AlertsConfig        `yaml:"alerts"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig contains HTTP API listener settings
type ServerConfig struct {
	ListenAddr     string        `yaml:"listen_addr" env:"REKINDLE_LISTEN_ADDR"`
	ReadTimeout    time.Duration `yaml:"read_timeout" env:"REKINDLE_READ_TIMEOUT"`
	WriteTimeout   time.Duration `yaml:"write_timeout" env:"REKINDLE_WRITE_TIMEOUT"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" env:"REKINDLE_IDLE_TIMEOUT"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes" env:"REKINDLE_MAX_BODY_BYTES"`                  // Default: 10MB
	TrustedProxies []string      `yaml:"trusted_proxies" env:"REKINDLE_TRUSTED_PROXIES" envSeparator:","` // Peers allowed to set X-Forwarded-For
	AdminIPs       []string      `yaml:"admin_ips" env:"REKINDLE_ADMIN_IPS" envSeparator:","`             // Networks allowed on system health
}

// DatabaseConfig selects the member and event store
type DatabaseConfig struct {
	Driver string `yaml:"driver" env:"REKINDLE_DB_DRIVER"` // sqlite3 or postgres
	DSN    string `yaml:"dsn" env:"REKINDLE_DB_DSN"`       // file path for sqlite3, URL for postgres
}

// AuthConfig selects how credentials resolve to owners
type AuthConfig struct {
	Mode   string            `yaml:"mode" env:"REKINDLE_AUTH_MODE"` // apikey, static, remote
	Tokens map[string]string `yaml:"tokens" env:"REKINDLE_AUTH_TOKENS"`
	Remote RemoteAuthConfig  `yaml:"remote"`
}

// RemoteAuthConfig configures the identity endpoint
type RemoteAuthConfig struct {
	URL        string        `yaml:"url" env:"REKINDLE_AUTH_REMOTE_URL"`
	Timeout    time.Duration `yaml:"timeout" env:"REKINDLE_AUTH_REMOTE_TIMEOUT"`
	OwnerField string        `yaml:"owner_field" env:"REKINDLE_AUTH_REMOTE_OWNER_FIELD"`
}

// ImportConfig contains import limits and tuning
type ImportConfig struct {
	MaxMembersPerImport int           `yaml:"max_members_per_import" env:"REKINDLE_MAX_MEMBERS_PER_IMPORT"`
	MaxImportsPerHour   int           `yaml:"max_imports_per_hour" env:"REKINDLE_MAX_IMPORTS_PER_HOUR"`
	RateWindow          time.Duration `yaml:"rate_window" env:"REKINDLE_RATE_WINDOW"`
	DefaultBatchSize    int           `yaml:"default_batch_size" env:"REKINDLE_DEFAULT_BATCH_SIZE"`
	MinBatchSize        int           `yaml:"min_batch_size" env:"REKINDLE_MIN_BATCH_SIZE"`
	MaxBatchSize        int           `yaml:"max_batch_size" env:"REKINDLE_MAX_BATCH_SIZE"`
	// BatchDelay is the pause between chunks; 0 disables it
	BatchDelay          time.Duration `yaml:"batch_delay" env:"REKINDLE_BATCH_DELAY"`
	StoreTimeout        time.Duration `yaml:"store_timeout" env:"REKINDLE_STORE_TIMEOUT"`
	// SkipDuplicatesDefault applies when a request does not say; default true
	SkipDuplicatesDefault bool `yaml:"skip_duplicates_default" env:"REKINDLE_SKIP_DUPLICATES_DEFAULT"`
}

// unsetDelay marks a batch delay the file and environment left alone
const unsetDelay time.Duration = -1

// RateLimitConfig selects the import limiter store
type RateLimitConfig struct {
	Store       string `yaml:"store" env:"REKINDLE_RATE_LIMIT_STORE"` // memory, bolt, redis
	BoltPath    string `yaml:"bolt_path" env:"REKINDLE_RATE_LIMIT_BOLT_PATH"`
	RedisURL    string `yaml:"redis_url" env:"REKINDLE_RATE_LIMIT_REDIS_URL"`
	RedisPrefix string `yaml:"redis_prefix" env:"REKINDLE_RATE_LIMIT_REDIS_PREFIX"`
}

// HTTPRateLimitConfig throttles requests per client IP
type HTTPRateLimitConfig struct {
	Enabled           bool   `yaml:"enabled" env:"REKINDLE_HTTP_RATE_LIMIT_ENABLED"`
	RequestsPerMinute int64  `yaml:"requests_per_minute" env:"REKINDLE_HTTP_RATE_LIMIT_RPM"`
	Store             string `yaml:"store" env:"REKINDLE_HTTP_RATE_LIMIT_STORE"` // memory, redis
	RedisURL          string `yaml:"redis_url" env:"REKINDLE_HTTP_RATE_LIMIT_REDIS_URL"`
}

// AlertsConfig contains alert thresholds
type AlertsConfig struct {
	Lookback               time.Duration `yaml:"lookback" env:"REKINDLE_ALERT_LOOKBACK"`
	ErrorRateThreshold     float64       `yaml:"error_rate_threshold" env:"REKINDLE_ALERT_ERROR_RATE"`         // percent
	DuplicateRateThreshold float64       `yaml:"duplicate_rate_threshold" env:"REKINDLE_ALERT_DUPLICATE_RATE"` // percent
	FailureCountThreshold  int           `yaml:"failure_count_threshold" env:"REKINDLE_ALERT_FAILURE_COUNT"`
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled       bool          `yaml:"enabled" env:"REKINDLE_METRICS_ENABLED"`
	ListenAddr    string        `yaml:"listen_addr" env:"REKINDLE_METRICS_LISTEN_ADDR"` // Default: :9090
	Path          string        `yaml:"path" env:"REKINDLE_METRICS_PATH"`               // Default: /metrics
	FlushInterval time.Duration `yaml:"flush_interval" env:"REKINDLE_METRICS_FLUSH_INTERVAL"`
	PersistPath   string        `yaml:"persist_path" env:"REKINDLE_METRICS_PERSIST_PATH"` // bbolt file for counters; empty disables
	AllowedIPs    []string      `yaml:"allowed_ips" env:"REKINDLE_METRICS_ALLOWED_IPS" envSeparator:","`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level" env:"REKINDLE_LOG_LEVEL"`   // debug, info, warn, error
	Format string `yaml:"format" env:"REKINDLE_LOG_FORMAT"` // json, text
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := newConfig()
	cfg.setDefaults()
	return cfg
}

// newConfig presets the fields whose zero value is a valid setting
func newConfig() *Config {
	cfg := &Config{}
	cfg.Import.SkipDuplicatesDefault = true
	cfg.Import.BatchDelay = unsetDelay
	return cfg
}

// Load reads the YAML file at path (optional when empty), applies .env
// files and REKINDLE_* environment overrides, then defaults, and validates
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := newConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := loadEnvFiles(envFiles); err != nil {
		return nil, err
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadEnvFiles loads the files that exist; variables already set win
func loadEnvFiles(files []string) error {
	existing := make([]string, 0, len(files))
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to stat env file %s: %w", f, err)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("failed to load env files: %w", err)
	}
	return nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 2 * time.Minute
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 10 << 20
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite3"
	}
	if c.Database.DSN == "" && c.Database.Driver == "sqlite3" {
		c.Database.DSN = "/var/lib/rekindle/rekindle.db"
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = "apikey"
	}
	if c.Auth.Remote.Timeout == 0 {
		c.Auth.Remote.Timeout = 5 * time.Second
	}
	if c.Auth.Remote.OwnerField == "" {
		c.Auth.Remote.OwnerField = "id"
	}

	if c.Import.MaxMembersPerImport == 0 {
		c.Import.MaxMembersPerImport = 10000
	}
	if c.Import.MaxImportsPerHour == 0 {
		c.Import.MaxImportsPerHour = 5
	}
	if c.Import.RateWindow == 0 {
		c.Import.RateWindow = time.Hour
	}
	if c.Import.DefaultBatchSize == 0 {
		c.Import.DefaultBatchSize = 100
	}
	if c.Import.MinBatchSize == 0 {
		c.Import.MinBatchSize = 10
	}
	if c.Import.MaxBatchSize == 0 {
		c.Import.MaxBatchSize = 1000
	}
	if c.Import.BatchDelay == unsetDelay {
		c.Import.BatchDelay = 100 * time.Millisecond
	}
	if c.Import.StoreTimeout == 0 {
		c.Import.StoreTimeout = 30 * time.Second
	}

	if c.RateLimit.Store == "" {
		c.RateLimit.Store = "memory"
	}
	if c.RateLimit.Store == "bolt" && c.RateLimit.BoltPath == "" {
		c.RateLimit.BoltPath = "/var/lib/rekindle/ratelimit.db"
	}

	if c.HTTPRateLimit.RequestsPerMinute == 0 {
		c.HTTPRateLimit.RequestsPerMinute = 60
	}
	if c.HTTPRateLimit.Store == "" {
		c.HTTPRateLimit.Store = "memory"
	}
	if c.HTTPRateLimit.Store == "redis" && c.HTTPRateLimit.RedisURL == "" {
		c.HTTPRateLimit.RedisURL = c.RateLimit.RedisURL
	}

	if c.Alerts.Lookback == 0 {
		c.Alerts.Lookback = 24 * time.Hour
	}
	if c.Alerts.ErrorRateThreshold == 0 {
		c.Alerts.ErrorRateThreshold = 20
	}
	if c.Alerts.DuplicateRateThreshold == 0 {
		c.Alerts.DuplicateRateThreshold = 50
	}
	if c.Alerts.FailureCountThreshold == 0 {
		c.Alerts.FailureCountThreshold = 5
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.FlushInterval == 0 {
		c.Metrics.FlushInterval = 10 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite3", "sqlite", "postgres", "pgx":
	default:
		return fmt.Errorf("invalid database.driver: %s (must be sqlite3 or postgres)", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	switch strings.ToLower(c.Auth.Mode) {
	case "apikey":
	case "static":
		if len(c.Auth.Tokens) == 0 {
			return fmt.Errorf("auth.tokens must not be empty when auth.mode is static")
		}
	case "remote":
		if c.Auth.Remote.URL == "" {
			return fmt.Errorf("auth.remote.url is required when auth.mode is remote")
		}
	default:
		return fmt.Errorf("invalid auth.mode: %s (must be apikey, static, or remote)", c.Auth.Mode)
	}

	if err := c.validateImport(); err != nil {
		return err
	}

	switch c.RateLimit.Store {
	case "memory", "bolt":
	case "redis":
		if c.RateLimit.RedisURL == "" {
			return fmt.Errorf("rate_limit.redis_url is required when rate_limit.store is redis")
		}
	default:
		return fmt.Errorf("invalid rate_limit.store: %s (must be memory, bolt, or redis)", c.RateLimit.Store)
	}

	if c.HTTPRateLimit.Enabled {
		if c.HTTPRateLimit.RequestsPerMinute < 0 {
			return fmt.Errorf("http_rate_limit.requests_per_minute must be positive")
		}
		switch c.HTTPRateLimit.Store {
		case "memory":
		case "redis":
			if c.HTTPRateLimit.RedisURL == "" {
				return fmt.Errorf("http_rate_limit.redis_url is required when http_rate_limit.store is redis")
			}
		default:
			return fmt.Errorf("invalid http_rate_limit.store: %s (must be memory or redis)", c.HTTPRateLimit.Store)
		}
	}

	if c.Alerts.ErrorRateThreshold < 0 || c.Alerts.ErrorRateThreshold > 100 ||
		c.Alerts.DuplicateRateThreshold < 0 || c.Alerts.DuplicateRateThreshold > 100 {
		return fmt.Errorf("alert rate thresholds must be between 0 and 100")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	return nil
}

func (c *Config) validateImport() error {
	imp := c.Import
	if imp.MaxMembersPerImport < 0 || imp.MaxImportsPerHour < 0 {
		return fmt.Errorf("import limits must be positive")
	}
	if imp.RateWindow <= 0 {
		return fmt.Errorf("import.rate_window must be positive")
	}
	if imp.MinBatchSize < 1 || imp.MinBatchSize > imp.MaxBatchSize {
		return fmt.Errorf("import.min_batch_size must be between 1 and import.max_batch_size")
	}
	if imp.DefaultBatchSize < imp.MinBatchSize || imp.DefaultBatchSize > imp.MaxBatchSize {
		return fmt.Errorf("import.default_batch_size must be between min_batch_size and max_batch_size")
	}
	if imp.BatchDelay < 0 {
		return fmt.Errorf("import.batch_delay must not be negative")
	}
	return nil
}
