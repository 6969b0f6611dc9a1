package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/ulule/limiter/v3"

	"github.com/foxzi/rekindle/internal/activity"
	"github.com/foxzi/rekindle/internal/auth"
	"github.com/foxzi/rekindle/internal/config"
	"github.com/foxzi/rekindle/internal/importer"
	"github.com/foxzi/rekindle/internal/ipfilter"
	"github.com/foxzi/rekindle/internal/metrics"
	"github.com/foxzi/rekindle/internal/models"
)

// Importer runs member imports
type Importer interface {
	Import(ctx context.Context, req importer.Request) (*importer.Result, error)
}

// ImportMonitor reports import activity
type ImportMonitor interface {
	Metrics(ctx context.Context, ownerID string, lookback time.Duration) (*activity.ImportMetrics, error)
	CheckAlerts(ctx context.Context, ownerID string) ([]string, error)
	History(ctx context.Context, ownerID string, lookback time.Duration) (int, error)
	SystemHealth(ctx context.Context) *activity.SystemHealth
}

// MemberCounter counts stored members
type MemberCounter interface {
	CountByOwner(ctx context.Context, ownerID string) (*models.MemberCounts, error)
}

// Options holds the server collaborators
type Options struct {
	Importer Importer
	Monitor  ImportMonitor
	Members  MemberCounter
	Resolver auth.Resolver
	// Clients resolves client addresses (trusted proxies)
	Clients *ipfilter.Filter
	// Admin restricts the system health endpoint; nil leaves it open
	Admin *ipfilter.Filter
	// Throttle limits requests per client IP; nil disables throttling
	Throttle *limiter.Limiter
	Config   *config.ServerConfig
	Logger   *slog.Logger
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	importer   Importer
	monitor    ImportMonitor
	members    MemberCounter
	resolver   auth.Resolver
	clients    *ipfilter.Filter
	admin      *ipfilter.Filter
	throttle   *limiter.Limiter
	config     *config.ServerConfig
	logger     *slog.Logger
	startTime  time.Time
}

// NewServer creates a new API server
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = &config.Default().Server
	}
	clients := opts.Clients
	if clients == nil {
		clients = ipfilter.New(nil, logger).TrustProxies(cfg.TrustedProxies)
	}

	s := &Server{
		router:    chi.NewRouter(),
		importer:  opts.Importer,
		monitor:   opts.Monitor,
		members:   opts.Members,
		resolver:  opts.Resolver,
		clients:   clients,
		admin:     opts.Admin,
		throttle:  opts.Throttle,
		config:    cfg,
		logger:    logger.With("component", "api"),
		startTime: time.Now(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(metrics.HTTPMiddleware)
	s.router.Use(middleware.Recoverer)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	// API v1 routes (auth required)
	s.router.Route("/api/v1", func(r chi.Router) {
		if s.throttle != nil {
			r.Use(s.throttleMiddleware())
		}

		r.Group(func(r chi.Router) {
			if s.admin != nil {
				r.Use(s.admin.HTTPMiddleware)
			}
			r.Get("/health/imports", s.handleSystemHealth)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Post("/import", s.handleImport)
			r.Get("/import/metrics", s.handleImportMetrics)
			r.Get("/import/alerts", s.handleImportAlerts)
			r.Get("/import/history", s.handleImportHistory)
			r.Get("/members/count", s.handleMembersCount)
		})
	})
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.config.ReadTimeout,
		WriteTimeout:      s.config.WriteTimeout,
		IdleTimeout:       s.config.IdleTimeout,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
