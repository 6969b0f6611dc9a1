package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/foxzi/rekindle/internal/activity"
	"github.com/foxzi/rekindle/internal/metrics"
	"github.com/foxzi/rekindle/internal/ratelimit"
	"github.com/go-playground/validator/v10"
)

// MemberStore is the storage the importer needs
type MemberStore interface {
	MemberInserter
	ContactLookup
	Ping(ctx context.Context) error
}

// RateChecker applies the per-caller import limit
type RateChecker interface {
	Check(ctx context.Context, caller string, limit int, window time.Duration) (ratelimit.Decision, error)
}

// ActivityRecorder records import lifecycle events
type ActivityRecorder interface {
	Start(ctx context.Context, ownerID string, details activity.StartDetails)
	Success(ctx context.Context, ownerID string, details activity.SuccessDetails)
	Failure(ctx context.Context, ownerID, message, code string, details any)
}

// AlertChecker returns active alerts for an owner
type AlertChecker interface {
	CheckAlerts(ctx context.Context, ownerID string) ([]string, error)
}

// Config contains import limits and tuning
type Config struct {
	MaxMembersPerImport   int
	MaxImportsPerHour     int
	RateWindow            time.Duration
	Batch                 BatchLimits
	BatchDelay            time.Duration
	StoreTimeout          time.Duration
	SkipDuplicatesDefault bool
}

// DefaultConfig returns the stock import configuration
func DefaultConfig() Config {
	return Config{
		MaxMembersPerImport:   10000,
		MaxImportsPerHour:     5,
		RateWindow:            time.Hour,
		Batch:                 DefaultBatchLimits(),
		BatchDelay:            100 * time.Millisecond,
		StoreTimeout:          30 * time.Second,
		SkipDuplicatesDefault: true,
	}
}

// Options wires the service collaborators
type Options struct {
	Store    MemberStore
	Limiter  RateChecker
	Activity ActivityRecorder
	Monitor  AlertChecker
	Config   Config
	Logger   *slog.Logger
}

// Request is one import call
type Request struct {
	OwnerID string `validate:"required"`
	CSVData string `validate:"required"`
	Options ImportOptions
}

// ImportOptions are caller-supplied tuning knobs
type ImportOptions struct {
	// SkipDuplicates defaults to the configured value when nil
	SkipDuplicates *bool `json:"skipDuplicates,omitempty"`
	BatchSize      int   `json:"batchSize,omitempty"`
}

// RateLimitInfo is the caller's remaining quota
type RateLimitInfo struct {
	Remaining int       `json:"remaining"`
	ResetTime time.Time `json:"reset_time"`
}

// Result is the outcome of a successful import
type Result struct {
	Imported         int           `json:"imported"`
	TotalParsed      int           `json:"total_parsed"`
	Skipped          int           `json:"skipped"`
	Duplicates       int           `json:"duplicates"`
	BatchesProcessed int           `json:"batches_processed"`
	BatchSize        int           `json:"batch_size"`
	ProcessingTimeMs int64         `json:"processing_time_ms"`
	InvalidDates     int           `json:"invalid_dates"`
	Warnings         []Diagnostic  `json:"warnings,omitempty"`
	RateLimit        RateLimitInfo `json:"rate_limit"`
	Alerts           []string      `json:"alerts,omitempty"`
}

// Message returns the human-readable summary
func (r *Result) Message() string {
	return fmt.Sprintf("Successfully imported %d members", r.Imported)
}

// Service runs the import pipeline
type Service struct {
	store    MemberStore
	limiter  RateChecker
	activity ActivityRecorder
	monitor  AlertChecker
	config   Config
	logger   *slog.Logger
	validate *validator.Validate
	ready    bool
	now      func() time.Time
}

// New creates the import service and checks that the store is reachable.
// An unreachable or missing store leaves the service running but not
// ready; imports then fail with KindNotConfigured
func New(ctx context.Context, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "importer")

	cfg := opts.Config
	def := DefaultConfig()
	if cfg.MaxMembersPerImport <= 0 {
		cfg.MaxMembersPerImport = def.MaxMembersPerImport
	}
	if cfg.MaxImportsPerHour <= 0 {
		cfg.MaxImportsPerHour = def.MaxImportsPerHour
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = def.RateWindow
	}
	if cfg.Batch == (BatchLimits{}) {
		cfg.Batch = def.Batch
	}
	if cfg.BatchDelay < 0 {
		cfg.BatchDelay = 0
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = def.StoreTimeout
	}

	s := &Service{
		store:    opts.Store,
		limiter:  opts.Limiter,
		activity: opts.Activity,
		monitor:  opts.Monitor,
		config:   cfg,
		logger:   logger,
		validate: validator.New(),
		now:      time.Now,
	}

	if s.limiter == nil {
		s.limiter = ratelimit.NewLimiter(ratelimit.NewMemoryStore(), ratelimit.OperationImport)
	}
	if s.activity == nil {
		s.activity = nopActivity{}
	}

	if s.store == nil {
		logger.Warn("member store not configured")
		return s
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
	defer cancel()
	if err := s.store.Ping(pingCtx); err != nil {
		logger.Error("member store not reachable", "error", err)
		return s
	}
	s.ready = true

	return s
}

// Ready reports whether the store passed the startup check
func (s *Service) Ready() bool {
	return s.ready
}

// Config returns the effective configuration
func (s *Service) Config() Config {
	return s.config
}

// Import parses, validates, deduplicates and stores the members in
// req.CSVData. Every returned error is an *Error
func (s *Service) Import(ctx context.Context, req Request) (res *Result, err error) {
	defer metrics.TrackImport()()
	start := s.now()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("import panicked", "user_id", req.OwnerID, "panic", r, "stack", string(debug.Stack()))
			res = nil
			err = wrapError(KindInternal, "Internal server error", fmt.Errorf("panic: %v", r), nil)
		}
		if err != nil {
			err = s.fail(ctx, req.OwnerID, err)
		}
		s.observe(res, err, s.now().Sub(start))
	}()

	return s.run(ctx, req, start)
}

func (s *Service) run(ctx context.Context, req Request, start time.Time) (*Result, error) {
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}

	if !s.ready {
		return nil, newError(KindNotConfigured, "Member store is not configured", nil)
	}

	decision, err := s.limiter.Check(ctx, req.OwnerID, s.config.MaxImportsPerHour, s.config.RateWindow)
	if err != nil {
		return nil, wrapError(KindInternal, "Rate limit check failed", err, nil)
	}
	if !decision.Allowed {
		metrics.IncRateLimitExceeded(ratelimit.OperationImport)
		retryAfter := decision.RetryAfter(s.now())
		e := newError(KindRateLimited,
			fmt.Sprintf("Rate limit exceeded. Maximum %d imports per hour.", s.config.MaxImportsPerHour),
			map[string]any{"limit": s.config.MaxImportsPerHour, "reset_time": decision.ResetAt})
		e.RetryAfter = retryAfter
		return nil, e
	}

	skipDuplicates := s.config.SkipDuplicatesDefault
	if req.Options.SkipDuplicates != nil {
		skipDuplicates = *req.Options.SkipDuplicates
	}
	batchSize := s.config.Batch.Effective(req.Options.BatchSize)

	estimated := EstimateRows(req.CSVData)
	s.activity.Start(ctx, req.OwnerID, activity.StartDetails{
		EstimatedRows:  estimated,
		PayloadBytes:   len(req.CSVData),
		BatchSize:      batchSize,
		SkipDuplicates: skipDuplicates,
	})

	if estimated > s.config.MaxMembersPerImport {
		return nil, newError(KindTooLarge,
			fmt.Sprintf("Too many members. Maximum %d members per import.", s.config.MaxMembersPerImport),
			map[string]int{"estimated_rows": estimated, "max_members_per_import": s.config.MaxMembersPerImport})
	}

	parsed, err := ParseCSV(req.CSVData)
	if err != nil {
		var pe *ParseError
		if errors.As(err, &pe) {
			return nil, wrapError(KindCSVParse, "Failed to parse CSV data", err, pe.Diagnostics)
		}
		return nil, wrapError(KindCSVParse, "Failed to parse CSV data", err, nil)
	}
	if unmapped := unmappedHeaders(parsed.Headers); len(unmapped) > 0 {
		s.logger.Debug("ignoring unmapped columns", "user_id", req.OwnerID, "columns", unmapped)
	}

	now := s.now()
	valid := make([]Candidate, 0, len(parsed.Rows))
	invalidDates := 0
	for _, row := range parsed.Rows {
		c := Transform(row, req.OwnerID, now)
		if c.InvalidDate {
			invalidDates++
		}
		if c.Valid() {
			valid = append(valid, c)
		}
	}
	totalParsed := len(parsed.Rows)
	metrics.AddImportMembers("invalid", totalParsed-len(valid))

	if len(valid) == 0 {
		return nil, newError(KindNoValidMembers, "No members with valid email or Discord ID found",
			map[string]int{"total_parsed": totalParsed})
	}

	lookupCtx, cancel := context.WithTimeout(ctx, s.config.StoreTimeout)
	dedup, err := Deduplicate(lookupCtx, s.store, req.OwnerID, valid, skipDuplicates)
	cancel()
	if err != nil {
		return nil, wrapError(KindStore, "Failed to check for existing members", err, nil)
	}
	metrics.AddImportMembers("duplicate", len(dedup.Duplicates))

	if len(dedup.New) == 0 {
		return nil, newError(KindAllDuplicates, "All members already exist",
			map[string]int{"total_parsed": totalParsed, "duplicates": len(dedup.Duplicates)})
	}

	written := WriteBatches(ctx, s.store, dedup.New, BatchOptions{
		Size:    batchSize,
		Delay:   s.config.BatchDelay,
		Timeout: s.config.StoreTimeout,
		OnChunk: func(index, inserted int) {
			metrics.IncImportBatches()
			s.logger.Debug("batch committed", "user_id", req.OwnerID, "batch", index+1, "inserted", inserted)
		},
	})
	metrics.AddImportMembers("imported", written.TotalInserted)
	if written.Err != nil {
		return nil, wrapError(KindStore, "Database error during import", written.Err, map[string]any{
			"total_inserted":    written.TotalInserted,
			"batches_processed": written.BatchesProcessed,
			"error":             written.Err.Error(),
		})
	}

	result := &Result{
		Imported:         written.TotalInserted,
		TotalParsed:      totalParsed,
		Skipped:          totalParsed - written.TotalInserted,
		Duplicates:       len(dedup.Duplicates),
		BatchesProcessed: written.BatchesProcessed,
		BatchSize:        batchSize,
		ProcessingTimeMs: s.now().Sub(start).Milliseconds(),
		InvalidDates:     invalidDates,
		Warnings:         parsed.Warnings,
		RateLimit:        RateLimitInfo{Remaining: decision.Remaining, ResetTime: decision.ResetAt},
	}

	s.activity.Success(ctx, req.OwnerID, activity.SuccessDetails{
		Imported:         result.Imported,
		TotalParsed:      result.TotalParsed,
		Duplicates:       result.Duplicates,
		BatchesProcessed: result.BatchesProcessed,
		BatchSize:        result.BatchSize,
		ProcessingTimeMs: result.ProcessingTimeMs,
	})

	result.Alerts = s.alerts(ctx, req.OwnerID)

	s.logger.Info("import completed",
		"user_id", req.OwnerID,
		"imported", result.Imported,
		"duplicates", result.Duplicates,
		"skipped", result.Skipped,
		"batches", result.BatchesProcessed,
		"duration_ms", result.ProcessingTimeMs,
	)

	return result, nil
}

func (s *Service) validateRequest(req Request) error {
	err := s.validate.Struct(req)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return wrapError(KindInvalidInput, "Invalid request", err, nil)
	}

	for _, fe := range verrs {
		if fe.StructField() == "OwnerID" {
			return newError(KindUnauthenticated, "Authentication required", nil)
		}
	}
	for _, fe := range verrs {
		if fe.StructField() == "CSVData" {
			return newError(KindInvalidInput, "CSV data is required", nil)
		}
	}
	return wrapError(KindInvalidInput, "Invalid request", err, nil)
}

func (s *Service) alerts(ctx context.Context, ownerID string) []string {
	if s.monitor == nil {
		return nil
	}

	alertCtx, cancel := context.WithTimeout(ctx, s.config.StoreTimeout)
	defer cancel()

	alerts, err := s.monitor.CheckAlerts(alertCtx, ownerID)
	if err != nil {
		s.logger.Warn("failed to check import alerts", "user_id", ownerID, "error", err)
		return nil
	}
	for _, a := range alerts {
		s.logger.Warn("import alert", "user_id", ownerID, "alert", a)
	}
	if len(alerts) == 0 {
		return nil
	}
	return alerts
}

// fail normalizes err and records it as an import_error event
func (s *Service) fail(ctx context.Context, ownerID string, err error) error {
	var ie *Error
	if !errors.As(err, &ie) {
		ie = wrapError(KindInternal, "Internal server error", err, nil)
	}

	level := slog.LevelWarn
	if ie.HTTPStatus() >= 500 {
		level = slog.LevelError
	}
	s.logger.Log(ctx, level, "import failed", "user_id", ownerID, "code", ie.Code(), "error", ie.Error())

	if ownerID != "" && ie.Kind != KindUnauthenticated {
		s.activity.Failure(ctx, ownerID, ie.Message, ie.Code(), ie.Details)
	}

	return ie
}

func (s *Service) observe(res *Result, err error, elapsed time.Duration) {
	metrics.ObserveImportDuration(elapsed)
	if err != nil {
		metrics.IncImports(KindOf(err).Code())
		return
	}
	if res != nil {
		metrics.IncImports("success")
	}
}

type nopActivity struct{}

func (nopActivity) Start(context.Context, string, activity.StartDetails)     {}
func (nopActivity) Success(context.Context, string, activity.SuccessDetails) {}
func (nopActivity) Failure(context.Context, string, string, string, any)     {}
