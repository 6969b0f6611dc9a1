package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/rekindle/internal/api"
	"github.com/foxzi/rekindle/internal/config"
	"github.com/foxzi/rekindle/internal/db"
	"github.com/foxzi/rekindle/internal/ipfilter"
	"github.com/foxzi/rekindle/internal/metrics"
	"github.com/foxzi/rekindle/internal/ratelimit"
)

// App is the main application
type App struct {
	config        *config.Config
	db            *db.DB
	pipeline      *Pipeline
	apiServer     *api.Server
	metricsServer *metrics.Server
	collector     *metrics.Collector
	metricsDB     *bolt.DB
	throttleStore io.Closer
	logger        *slog.Logger
}

// New creates a new application
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	// Setup logger
	logger := SetupLogger(cfg.Logging)
	return newApp(ctx, cfg, logger)
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{config: cfg, logger: logger}

	// Metrics are global so library code can record without wiring
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		metrics.SetGlobal(m)
	}

	d, err := OpenDatabase(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	a.db = d

	pipeline, err := NewPipeline(ctx, cfg, d, logger)
	if err != nil {
		a.closeStores()
		return nil, err
	}
	a.pipeline = pipeline
	if !pipeline.Service.Ready() {
		logger.Warn("import service started without a reachable member store")
	}

	resolver, err := NewResolver(cfg.Auth, pipeline.Keys)
	if err != nil {
		a.closeStores()
		return nil, fmt.Errorf("failed to create credential resolver: %w", err)
	}

	throttle, closer, err := NewThrottle(ctx, cfg.HTTPRateLimit)
	if err != nil {
		a.closeStores()
		return nil, err
	}
	a.throttleStore = closer
	if throttle != nil {
		logger.Info("http rate limiting enabled", "requests_per_minute", cfg.HTTPRateLimit.RequestsPerMinute)
	}

	clients := ipfilter.New(nil, logger).TrustProxies(cfg.Server.TrustedProxies)
	var admin *ipfilter.Filter
	if len(cfg.Server.AdminIPs) > 0 {
		admin = ipfilter.New(cfg.Server.AdminIPs, logger).TrustProxies(cfg.Server.TrustedProxies)
	}

	a.apiServer = api.NewServer(api.Options{
		Importer: pipeline.Service,
		Monitor:  pipeline.Monitor,
		Members:  pipeline.Members,
		Resolver: resolver,
		Clients:  clients,
		Admin:    admin,
		Throttle: throttle,
		Config:   &cfg.Server,
		Logger:   logger,
	})

	if m != nil {
		if err := a.setupMetrics(m); err != nil {
			a.closeStores()
			return nil, err
		}
	}

	return a, nil
}

func (a *App) setupMetrics(m *metrics.Metrics) error {
	cfg := a.config.Metrics

	if cfg.PersistPath != "" {
		mdb, err := bolt.Open(cfg.PersistPath, 0600, &bolt.Options{Timeout: time.Second})
		if err != nil {
			return fmt.Errorf("failed to open metrics store: %w", err)
		}
		a.metricsDB = mdb
	}

	collector, err := metrics.NewCollector(a.metricsDB, m, a.pipeline.Members, cfg.FlushInterval, a.logger)
	if err != nil {
		return fmt.Errorf("failed to create metrics collector: %w", err)
	}
	a.collector = collector

	filter := ipfilter.New(cfg.AllowedIPs, a.logger).TrustProxies(a.config.Server.TrustedProxies)
	a.metricsServer = metrics.NewServerWithFilter(m, cfg.ListenAddr, cfg.Path, filter, a.logger)
	return nil
}

// Handler returns the API handler
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	logAttrs := []any{
		"api_addr", a.config.Server.ListenAddr,
		"database", a.config.Database.Driver,
		"auth_mode", a.config.Auth.Mode,
		"rate_limit_store", a.config.RateLimit.Store,
	}
	if a.metricsServer != nil {
		logAttrs = append(logAttrs, "metrics_addr", a.config.Metrics.ListenAddr)
	}
	a.logger.Info("starting rekindle", logAttrs...)

	// Create context that listens for signals
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if a.collector != nil {
		a.collector.Start(ctx)
	}

	if mem, ok := a.pipeline.Limiter.Store().(*ratelimit.MemoryStore); ok {
		go mem.PruneEvery(ctx, a.config.Import.RateWindow, a.logger.With("component", "ratelimit"))
	}

	// Channel to collect errors
	errCh := make(chan error, 2)

	// Start API server
	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	// Start metrics server
	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	// Wait for shutdown signal or error
	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case runErr = <-errCh:
		a.logger.Error("server error", "error", runErr)
		cancel()
	}

	// Graceful shutdown
	if err := a.Shutdown(context.Background()); err != nil {
		return err
	}
	return runErr
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	// Create timeout context
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop accepting requests first
	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	// Stop collector (persists counters)
	if a.collector != nil {
		if err := a.collector.Stop(); err != nil {
			a.logger.Error("metrics collector stop error", "error", err)
		}
	}

	a.closeStores()

	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeStores() {
	if a.throttleStore != nil {
		if err := a.throttleStore.Close(); err != nil {
			a.logger.Error("throttle store close error", "error", err)
		}
	}
	if a.metricsDB != nil {
		if err := a.metricsDB.Close(); err != nil {
			a.logger.Error("metrics store close error", "error", err)
		}
	}
	if a.pipeline != nil {
		if err := a.pipeline.Close(); err != nil {
			a.logger.Error("rate limit store close error", "error", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Error("database close error", "error", err)
		}
	}
}
