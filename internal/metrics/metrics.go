package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for rekindle
type Metrics struct {
	// Import counters
	ImportsTotal          *prometheus.CounterVec
	ImportMembersTotal    *prometheus.CounterVec
	ImportBatchesTotal    prometheus.Counter
	ImportDurationSeconds prometheus.Histogram
	ImportsInFlight       prometheus.Gauge

	// Store gauges
	MembersStored prometheus.Gauge

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	// Rate limiting
	RateLimitExceededTotal *prometheus.CounterVec

	// System metrics
	UptimeSeconds prometheus.Gauge
	Goroutines    prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		ImportsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rekindle_imports_total",
				Help: "Total number of import requests by result code",
			},
			[]string{"result"},
		),
		ImportMembersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rekindle_import_members_total",
				Help: "Total number of processed import rows by outcome",
			},
			[]string{"outcome"},
		),
		ImportBatchesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rekindle_import_batches_total",
				Help: "Total number of committed member batches",
			},
		),
		ImportDurationSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "rekindle_import_duration_seconds",
				Help:    "Import request processing time in seconds",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
		),
		ImportsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rekindle_imports_in_flight",
				Help: "Number of imports currently being processed",
			},
		),

		MembersStored: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rekindle_members_stored",
				Help: "Number of members in the store",
			},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rekindle_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rekindle_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rekindle_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"error_type"},
		),

		RateLimitExceededTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rekindle_ratelimit_exceeded_total",
				Help: "Total number of rate limit exceeded events",
			},
			[]string{"operation"},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rekindle_uptime_seconds",
				Help: "Server uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rekindle_goroutines",
				Help: "Number of active goroutines",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.ImportsTotal,
		m.ImportMembersTotal,
		m.ImportBatchesTotal,
		m.ImportDurationSeconds,
		m.ImportsInFlight,
		m.MembersStored,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.RateLimitExceededTotal,
		m.UptimeSeconds,
		m.Goroutines,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// IncImports counts a finished import by result code
func IncImports(result string) {
	m := Global()
	if m != nil {
		m.ImportsTotal.WithLabelValues(result).Inc()
	}
}

// AddImportMembers adds processed rows for an outcome
// (imported, duplicate, invalid)
func AddImportMembers(outcome string, n int) {
	m := Global()
	if m != nil && n > 0 {
		m.ImportMembersTotal.WithLabelValues(outcome).Add(float64(n))
	}
}

// IncImportBatches counts a committed batch
func IncImportBatches() {
	m := Global()
	if m != nil {
		m.ImportBatchesTotal.Inc()
	}
}

// ObserveImportDuration records the processing time of one import
func ObserveImportDuration(d time.Duration) {
	m := Global()
	if m != nil {
		m.ImportDurationSeconds.Observe(d.Seconds())
	}
}

// TrackImport marks an import in flight; call the returned func when done
func TrackImport() func() {
	m := Global()
	if m == nil {
		return func() {}
	}
	m.ImportsInFlight.Inc()
	return m.ImportsInFlight.Dec
}

// IncRateLimitExceeded increments rate limit exceeded counter
func IncRateLimitExceeded(operation string) {
	m := Global()
	if m != nil {
		m.RateLimitExceededTotal.WithLabelValues(operation).Inc()
	}
}

// IncAPIErrors increments API error counter
func IncAPIErrors(errorType string) {
	m := Global()
	if m != nil {
		m.APIErrorsTotal.WithLabelValues(errorType).Inc()
	}
}
