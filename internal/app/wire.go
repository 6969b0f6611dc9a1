package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"

	"github.com/foxzi/rekindle/internal/activity"
	"github.com/foxzi/rekindle/internal/auth"
	"github.com/foxzi/rekindle/internal/config"
	"github.com/foxzi/rekindle/internal/db"
	"github.com/foxzi/rekindle/internal/importer"
	"github.com/foxzi/rekindle/internal/ratelimit"
	"github.com/foxzi/rekindle/internal/repository"
)

// OpenDatabase connects to the configured database and applies migrations
func OpenDatabase(ctx context.Context, cfg config.DatabaseConfig) (*db.DB, error) {
	d, err := db.Open(ctx, cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := d.Migrate(); err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return d, nil
}

// OpenLimiterStore creates the import rate-limit store
func OpenLimiterStore(ctx context.Context, cfg config.RateLimitConfig) (ratelimit.Store, error) {
	switch cfg.Store {
	case "", "memory":
		return ratelimit.NewMemoryStore(), nil
	case "bolt":
		store, err := ratelimit.OpenBoltStore(cfg.BoltPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open rate limit store: %w", err)
		}
		return store, nil
	case "redis":
		store, err := ratelimit.OpenRedisStore(ctx, cfg.RedisURL, cfg.RedisPrefix)
		if err != nil {
			return nil, fmt.Errorf("failed to open rate limit store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported rate limit store: %s", cfg.Store)
	}
}

// NewResolver builds the credential resolver for the auth mode. Static
// tokens, when configured, are accepted after the primary resolver.
func NewResolver(cfg config.AuthConfig, keys auth.KeyAuthenticator) (auth.Resolver, error) {
	mode, err := auth.ParseMode(cfg.Mode)
	if err != nil {
		return nil, err
	}

	var chain auth.Chain
	switch mode {
	case auth.ModeAPIKey:
		chain = append(chain, auth.NewAPIKeyResolver(keys))
	case auth.ModeRemote:
		chain = append(chain, auth.NewRemoteResolver(auth.RemoteConfig{
			URL:        cfg.Remote.URL,
			Timeout:    cfg.Remote.Timeout,
			OwnerField: cfg.Remote.OwnerField,
		}))
	}
	if len(cfg.Tokens) > 0 {
		chain = append(chain, auth.NewStaticResolver(cfg.Tokens))
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("no credential resolver configured for auth mode %s", mode)
	}
	return chain, nil
}

// NewThrottle creates the per-IP request limiter. The returned closer
// releases the redis client, if any.
func NewThrottle(ctx context.Context, cfg config.HTTPRateLimitConfig) (*limiter.Limiter, io.Closer, error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}

	rate := limiter.Rate{Period: time.Minute, Limit: cfg.RequestsPerMinute}

	switch cfg.Store {
	case "", "memory":
		return limiter.New(memory.NewStore(), rate), nil, nil
	case "redis":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid redis url: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		store, err := sredis.NewStoreWithOptions(client, limiter.StoreOptions{
			Prefix:   "rekindle:http",
			MaxRetry: 3,
		})
		if err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to create throttle store: %w", err)
		}
		return limiter.New(store, rate), client, nil
	default:
		return nil, nil, fmt.Errorf("unsupported http rate limit store: %s", cfg.Store)
	}
}

// ImporterConfig maps the import section onto the service configuration
func ImporterConfig(cfg config.ImportConfig) importer.Config {
	return importer.Config{
		MaxMembersPerImport: cfg.MaxMembersPerImport,
		MaxImportsPerHour:   cfg.MaxImportsPerHour,
		RateWindow:          cfg.RateWindow,
		Batch: importer.BatchLimits{
			Default: cfg.DefaultBatchSize,
			Min:     cfg.MinBatchSize,
			Max:     cfg.MaxBatchSize,
		},
		BatchDelay:            cfg.BatchDelay,
		StoreTimeout:          cfg.StoreTimeout,
		SkipDuplicatesDefault: cfg.SkipDuplicatesDefault,
	}
}

// AlertConfig maps the alerts section onto the monitor configuration
func AlertConfig(cfg config.AlertsConfig) activity.AlertConfig {
	return activity.AlertConfig{
		Lookback:               cfg.Lookback,
		ErrorRateThreshold:     cfg.ErrorRateThreshold,
		DuplicateRateThreshold: cfg.DuplicateRateThreshold,
		FailureCountThreshold:  cfg.FailureCountThreshold,
	}
}

// Pipeline is the import service with the stores behind it
type Pipeline struct {
	Service  *importer.Service
	Monitor  *activity.Monitor
	Members  *repository.MemberRepository
	Events   *repository.EventRepository
	Keys     *repository.APIKeyRepository
	Limiter  *ratelimit.Limiter
	limStore ratelimit.Store
}

// NewPipeline wires the import service over an open database
func NewPipeline(ctx context.Context, cfg *config.Config, d *db.DB, logger *slog.Logger) (*Pipeline, error) {
	store, err := OpenLimiterStore(ctx, cfg.RateLimit)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		Members:  repository.NewMemberRepository(d),
		Events:   repository.NewEventRepository(d),
		Keys:     repository.NewAPIKeyRepository(d),
		Limiter:  ratelimit.NewLimiter(store, ratelimit.OperationImport),
		limStore: store,
	}

	impCfg := ImporterConfig(cfg.Import)
	p.Monitor = activity.NewMonitor(p.Events, AlertConfig(cfg.Alerts), logger)
	p.Service = importer.New(ctx, importer.Options{
		Store:    p.Members,
		Limiter:  p.Limiter,
		Activity: activity.NewLogger(p.Events, logger, impCfg.StoreTimeout),
		Monitor:  p.Monitor,
		Config:   impCfg,
		Logger:   logger,
	})

	return p, nil
}

// Close releases the limiter store
func (p *Pipeline) Close() error {
	return p.limStore.Close()
}

// SetupLogger creates a logger based on configuration
func SetupLogger(cfg config.LoggingConfig) *slog.Logger {
	return newLogger(cfg, os.Stdout)
}

func newLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}
