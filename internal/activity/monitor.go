package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/foxzi/rekindle/internal/models"
)

// EventSource reads activity events
type EventSource interface {
	ListSince(ctx context.Context, filter models.EventFilter) ([]models.Event, error)
}

// AlertConfig contains alert thresholds
type AlertConfig struct {
	Lookback               time.Duration
	ErrorRateThreshold     float64 // percent
	DuplicateRateThreshold float64 // percent
	FailureCountThreshold  int
}

// DefaultAlertConfig returns the stock thresholds
func DefaultAlertConfig() AlertConfig {
	return AlertConfig{
		Lookback:               24 * time.Hour,
		ErrorRateThreshold:     20,
		DuplicateRateThreshold: 50,
		FailureCountThreshold:  5,
	}
}

// ImportMetrics aggregates import events over a window
type ImportMetrics struct {
	TotalImports         int     `json:"totalImports"`
	SuccessfulImports    int     `json:"successfulImports"`
	FailedImports        int     `json:"failedImports"`
	TotalMembersImported int     `json:"totalMembersImported"`
	AverageImportSize    float64 `json:"averageImportSize"`
	DuplicateRate        float64 `json:"duplicateRate"`
	ErrorRate            float64 `json:"errorRate"`
}

// HealthStatus is the system-wide import health
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
)

// Health thresholds on the system-wide error rate
const (
	healthWarningRate  = 10.0
	healthCriticalRate = 30.0
)

// SystemHealth is the system-wide health report
type SystemHealth struct {
	Status  HealthStatus  `json:"status"`
	Metrics ImportMetrics `json:"metrics"`
	Alerts  []string      `json:"alerts"`
}

// Monitor derives metrics and alerts from recorded events
type Monitor struct {
	source EventSource
	config AlertConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewMonitor creates a monitor; zero thresholds fall back to defaults
func NewMonitor(source EventSource, cfg AlertConfig, logger *slog.Logger) *Monitor {
	def := DefaultAlertConfig()
	if cfg.Lookback <= 0 {
		cfg.Lookback = def.Lookback
	}
	if cfg.ErrorRateThreshold <= 0 {
		cfg.ErrorRateThreshold = def.ErrorRateThreshold
	}
	if cfg.DuplicateRateThreshold <= 0 {
		cfg.DuplicateRateThreshold = def.DuplicateRateThreshold
	}
	if cfg.FailureCountThreshold <= 0 {
		cfg.FailureCountThreshold = def.FailureCountThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Monitor{
		source: source,
		config: cfg,
		logger: logger.With("component", "monitor"),
		now:    time.Now,
	}
}

// Config returns the effective alert configuration
func (m *Monitor) Config() AlertConfig {
	return m.config
}

// Metrics aggregates the owner's imports over lookback (0 means the
// configured default)
func (m *Monitor) Metrics(ctx context.Context, ownerID string, lookback time.Duration) (*ImportMetrics, error) {
	events, err := m.importEvents(ctx, ownerID, lookback)
	if err != nil {
		return nil, err
	}
	return m.aggregate(events), nil
}

// CheckAlerts returns one message per breached threshold
func (m *Monitor) CheckAlerts(ctx context.Context, ownerID string) ([]string, error) {
	metrics, err := m.Metrics(ctx, ownerID, 0)
	if err != nil {
		return nil, err
	}
	return m.alertsFor(metrics), nil
}

func (m *Monitor) alertsFor(metrics *ImportMetrics) []string {
	alerts := []string{}

	if metrics.ErrorRate > m.config.ErrorRateThreshold {
		alerts = append(alerts, fmt.Sprintf("High error rate: %.1f%% (threshold: %g%%)",
			metrics.ErrorRate, m.config.ErrorRateThreshold))
	}

	if metrics.DuplicateRate > m.config.DuplicateRateThreshold {
		alerts = append(alerts, fmt.Sprintf("High duplicate rate: %.1f%% (threshold: %g%%)",
			metrics.DuplicateRate, m.config.DuplicateRateThreshold))
	}

	if metrics.FailedImports >= m.config.FailureCountThreshold {
		alerts = append(alerts, fmt.Sprintf("Multiple failures: %d failed imports (threshold: %d)",
			metrics.FailedImports, m.config.FailureCountThreshold))
	}

	return alerts
}

// SystemHealth reports system-wide import health over the default lookback.
// A failure to read events is itself reported as critical.
func (m *Monitor) SystemHealth(ctx context.Context) *SystemHealth {
	events, err := m.importEvents(ctx, "", 0)
	if err != nil {
		m.logger.Error("failed to get system health", "error", err)
		return &SystemHealth{
			Status:  HealthCritical,
			Metrics: ImportMetrics{ErrorRate: 100},
			Alerts:  []string{"Failed to retrieve system health metrics"},
		}
	}

	metrics := m.aggregate(events)
	health := &SystemHealth{Status: HealthHealthy, Metrics: *metrics, Alerts: []string{}}

	switch {
	case metrics.ErrorRate > healthCriticalRate:
		health.Status = HealthCritical
		health.Alerts = append(health.Alerts, fmt.Sprintf("Critical error rate: %.1f%%", metrics.ErrorRate))
	case metrics.ErrorRate > healthWarningRate:
		health.Status = HealthWarning
		health.Alerts = append(health.Alerts, fmt.Sprintf("Elevated error rate: %.1f%%", metrics.ErrorRate))
	}

	return health
}

// History returns the number of successful imports of the owner in lookback
func (m *Monitor) History(ctx context.Context, ownerID string, lookback time.Duration) (int, error) {
	if lookback <= 0 {
		lookback = m.config.Lookback
	}
	events, err := m.source.ListSince(ctx, models.EventFilter{
		OwnerID: ownerID,
		Types:   []models.EventType{models.EventImportSuccess},
		Since:   m.now().Add(-lookback),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read import history: %w", err)
	}
	return len(events), nil
}

func (m *Monitor) importEvents(ctx context.Context, ownerID string, lookback time.Duration) ([]models.Event, error) {
	if lookback <= 0 {
		lookback = m.config.Lookback
	}
	events, err := m.source.ListSince(ctx, models.EventFilter{
		OwnerID: ownerID,
		Types:   []models.EventType{models.EventImportSuccess, models.EventImportError},
		Since:   m.now().Add(-lookback),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read import events: %w", err)
	}
	return events, nil
}

type successMetadata struct {
	Imported   int `json:"imported"`
	Duplicates int `json:"duplicates"`
}

func (m *Monitor) aggregate(events []models.Event) *ImportMetrics {
	metrics := &ImportMetrics{}
	duplicates := 0

	for _, e := range events {
		switch e.Type {
		case models.EventImportSuccess:
			metrics.SuccessfulImports++
			var meta successMetadata
			if len(e.Metadata) > 0 {
				if err := json.Unmarshal(e.Metadata, &meta); err != nil {
					m.logger.Warn("skipping unreadable event metadata", "event_id", e.ID, "error", err)
					continue
				}
			}
			metrics.TotalMembersImported += meta.Imported
			duplicates += meta.Duplicates
		case models.EventImportError:
			metrics.FailedImports++
		}
	}

	metrics.TotalImports = metrics.SuccessfulImports + metrics.FailedImports
	if metrics.SuccessfulImports > 0 {
		metrics.AverageImportSize = float64(metrics.TotalMembersImported) / float64(metrics.SuccessfulImports)
	}
	if metrics.TotalMembersImported > 0 {
		metrics.DuplicateRate = float64(duplicates) / float64(metrics.TotalMembersImported) * 100
	}
	if metrics.TotalImports > 0 {
		metrics.ErrorRate = float64(metrics.FailedImports) / float64(metrics.TotalImports) * 100
	}

	return metrics
}
