package activity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/foxzi/rekindle/internal/models"
)

type memoryEvents struct {
	mu        sync.Mutex
	events    []models.Event
	appendErr error
	listErr   error
	ctxErrs   []error
}

func (m *memoryEvents) Append(ctx context.Context, e *models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctxErrs = append(m.ctxErrs, ctx.Err())
	if m.appendErr != nil {
		return m.appendErr
	}
	e.ID = fmt.Sprintf("evt-%d", len(m.events)+1)
	m.events = append(m.events, *e)
	return nil
}

func (m *memoryEvents) ListSince(_ context.Context, f models.EventFilter) ([]models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []models.Event
	for _, e := range m.events {
		if f.OwnerID != "" && e.OwnerID != f.OwnerID {
			continue
		}
		if len(f.Types) > 0 && !slices.Contains(f.Types, e.Type) {
			continue
		}
		if e.OccurredAt.Before(f.Since) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *memoryEvents) add(owner string, typ models.EventType, at time.Time, meta string) {
	m.events = append(m.events, models.Event{
		ID:         fmt.Sprintf("seed-%d", len(m.events)),
		OwnerID:    owner,
		Type:       typ,
		OccurredAt: at,
		Metadata:   json.RawMessage(meta),
	})
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoggerRecordsMetadata(t *testing.T) {
	sink := &memoryEvents{}
	l := NewLogger(sink, testLogger(), time.Second)
	ctx := context.Background()

	l.Start(ctx, "u1", StartDetails{EstimatedRows: 2, PayloadBytes: 64, BatchSize: 100})
	l.Success(ctx, "u1", SuccessDetails{Imported: 2, TotalParsed: 2, BatchesProcessed: 1, BatchSize: 100})
	l.Failure(ctx, "u1", "Database error during import", "DATABASE_ERROR", map[string]int{"total_inserted": 0})

	if len(sink.events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(sink.events))
	}

	types := []models.EventType{models.EventImportStart, models.EventImportSuccess, models.EventImportError}
	for i, e := range sink.events {
		if e.Type != types[i] {
			t.Errorf("event %d: expected %s, got %s", i, types[i], e.Type)
		}
		if e.OwnerID != "u1" {
			t.Errorf("event %d: expected owner u1, got %s", i, e.OwnerID)
		}
		var meta map[string]any
		if err := json.Unmarshal(e.Metadata, &meta); err != nil {
			t.Fatalf("event %d: invalid metadata: %v", i, err)
		}
		if meta["user_id"] != "u1" {
			t.Errorf("event %d: expected user_id in metadata, got %v", i, meta["user_id"])
		}
	}

	var success map[string]any
	json.Unmarshal(sink.events[1].Metadata, &success)
	if success["imported"] != float64(2) {
		t.Errorf("expected imported=2, got %v", success["imported"])
	}

	var failure map[string]any
	json.Unmarshal(sink.events[2].Metadata, &failure)
	if failure["code"] != "DATABASE_ERROR" || failure["error"] != "Database error during import" {
		t.Errorf("unexpected failure metadata: %v", failure)
	}
}

func TestLoggerSwallowsSinkErrors(t *testing.T) {
	sink := &memoryEvents{appendErr: errors.New("store down")}
	l := NewLogger(sink, testLogger(), time.Second)

	// must not panic or block
	l.Success(context.Background(), "u1", SuccessDetails{Imported: 1})
	l.Failure(context.Background(), "u1", "boom", "INTERNAL_ERROR", nil)
}

func TestLoggerRecordsAfterCancel(t *testing.T) {
	sink := &memoryEvents{}
	l := NewLogger(sink, testLogger(), time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	l.Failure(ctx, "u1", "client went away", "INTERNAL_ERROR", nil)

	if len(sink.events) != 1 {
		t.Fatalf("expected event despite cancelled request, got %d", len(sink.events))
	}
	if sink.ctxErrs[0] != nil {
		t.Errorf("append context should not be cancelled, got %v", sink.ctxErrs[0])
	}
}

func newTestMonitor(src EventSource, now time.Time) *Monitor {
	m := NewMonitor(src, AlertConfig{}, testLogger())
	m.now = func() time.Time { return now }
	return m
}

func TestMonitorMetrics(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	src := &memoryEvents{}
	src.add("u1", models.EventImportSuccess, now.Add(-time.Hour), `{"imported":10,"duplicates":2}`)
	src.add("u1", models.EventImportSuccess, now.Add(-2*time.Hour), `{"imported":30,"duplicates":8}`)
	src.add("u1", models.EventImportError, now.Add(-3*time.Hour), `{"error":"x"}`)
	src.add("u1", models.EventImportStart, now.Add(-3*time.Hour), `{}`)
	src.add("u1", models.EventImportError, now.Add(-30*time.Hour), `{"error":"old"}`)
	src.add("u2", models.EventImportError, now.Add(-time.Hour), `{"error":"other"}`)

	m := newTestMonitor(src, now)
	got, err := m.Metrics(context.Background(), "u1", 0)
	if err != nil {
		t.Fatalf("Metrics failed: %v", err)
	}

	want := ImportMetrics{
		TotalImports:         3,
		SuccessfulImports:    2,
		FailedImports:        1,
		TotalMembersImported: 40,
		AverageImportSize:    20,
		DuplicateRate:        25,
	}
	if math.Abs(got.ErrorRate-100.0/3) > 1e-9 {
		t.Errorf("expected error rate 33.3, got %v", got.ErrorRate)
	}
	got.ErrorRate = 0
	if *got != want {
		t.Errorf("Metrics = %+v, want %+v", *got, want)
	}

	got, err = m.Metrics(context.Background(), "u1", 48*time.Hour)
	if err != nil {
		t.Fatalf("Metrics failed: %v", err)
	}
	if got.FailedImports != 2 {
		t.Errorf("expected 2 failures over 48h, got %d", got.FailedImports)
	}
}

func TestMonitorMetricsEmpty(t *testing.T) {
	m := newTestMonitor(&memoryEvents{}, time.Now())
	got, err := m.Metrics(context.Background(), "u1", 0)
	if err != nil {
		t.Fatalf("Metrics failed: %v", err)
	}
	if *got != (ImportMetrics{}) {
		t.Errorf("expected zero metrics, got %+v", *got)
	}
}

func TestMonitorCheckAlerts(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		seed     func(*memoryEvents)
		prefixes []string
	}{
		{
			name: "healthy",
			seed: func(s *memoryEvents) {
				s.add("u1", models.EventImportSuccess, now.Add(-time.Hour), `{"imported":10,"duplicates":1}`)
			},
		},
		{
			name: "high duplicate rate",
			seed: func(s *memoryEvents) {
				s.add("u1", models.EventImportSuccess, now.Add(-time.Hour), `{"imported":10,"duplicates":6}`)
			},
			prefixes: []string{"High duplicate rate: 60.0%"},
		},
		{
			name: "duplicate rate at threshold",
			seed: func(s *memoryEvents) {
				s.add("u1", models.EventImportSuccess, now.Add(-time.Hour), `{"imported":10,"duplicates":5}`)
			},
		},
		{
			name: "error rate and failure count",
			seed: func(s *memoryEvents) {
				for i := 0; i < 5; i++ {
					s.add("u1", models.EventImportError, now.Add(-time.Duration(i+1)*time.Minute), `{}`)
				}
			},
			prefixes: []string{"High error rate: 100.0%", "Multiple failures: 5 failed imports"},
		},
		{
			name: "error rate only",
			seed: func(s *memoryEvents) {
				s.add("u1", models.EventImportSuccess, now.Add(-time.Hour), `{"imported":1}`)
				s.add("u1", models.EventImportError, now.Add(-time.Hour), `{}`)
			},
			prefixes: []string{"High error rate: 50.0%"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &memoryEvents{}
			tt.seed(src)
			m := newTestMonitor(src, now)

			alerts, err := m.CheckAlerts(context.Background(), "u1")
			if err != nil {
				t.Fatalf("CheckAlerts failed: %v", err)
			}
			if len(alerts) != len(tt.prefixes) {
				t.Fatalf("expected %d alerts, got %v", len(tt.prefixes), alerts)
			}
			for i, p := range tt.prefixes {
				if !strings.HasPrefix(alerts[i], p) {
					t.Errorf("alert %d: expected prefix %q, got %q", i, p, alerts[i])
				}
			}
		})
	}
}

func TestMonitorSystemHealth(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	seed := func(success, failed int) *memoryEvents {
		s := &memoryEvents{}
		for i := 0; i < success; i++ {
			s.add(fmt.Sprintf("u%d", i), models.EventImportSuccess, now.Add(-time.Hour), `{"imported":1}`)
		}
		for i := 0; i < failed; i++ {
			s.add(fmt.Sprintf("e%d", i), models.EventImportError, now.Add(-time.Hour), `{}`)
		}
		return s
	}

	tests := []struct {
		name   string
		source EventSource
		want   HealthStatus
		alerts int
	}{
		{"no imports", seed(0, 0), HealthHealthy, 0},
		{"10 percent", seed(9, 1), HealthHealthy, 0},
		{"20 percent", seed(8, 2), HealthWarning, 1},
		{"30 percent", seed(7, 3), HealthWarning, 1},
		{"40 percent", seed(6, 4), HealthCritical, 1},
		{"source failure", &memoryEvents{listErr: errors.New("db down")}, HealthCritical, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMonitor(tt.source, now)
			h := m.SystemHealth(context.Background())
			if h.Status != tt.want {
				t.Errorf("expected %s, got %s", tt.want, h.Status)
			}
			if len(h.Alerts) != tt.alerts {
				t.Errorf("expected %d alerts, got %v", tt.alerts, h.Alerts)
			}
		})
	}
}

func TestMonitorHistory(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	src := &memoryEvents{}
	src.add("u1", models.EventImportSuccess, now.Add(-time.Hour), `{}`)
	src.add("u1", models.EventImportSuccess, now.Add(-5*time.Hour), `{}`)
	src.add("u1", models.EventImportError, now.Add(-time.Hour), `{}`)
	src.add("u2", models.EventImportSuccess, now.Add(-time.Hour), `{}`)

	m := newTestMonitor(src, now)

	n, err := m.History(context.Background(), "u1", 2*time.Hour)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 import in 2h, got %d", n)
	}

	n, _ = m.History(context.Background(), "u1", 0)
	if n != 2 {
		t.Errorf("expected 2 imports in default window, got %d", n)
	}
}

func TestNewMonitorDefaults(t *testing.T) {
	m := NewMonitor(&memoryEvents{}, AlertConfig{ErrorRateThreshold: 35}, nil)
	cfg := m.Config()
	if cfg.ErrorRateThreshold != 35 {
		t.Errorf("expected explicit threshold to stick, got %v", cfg.ErrorRateThreshold)
	}
	if cfg.DuplicateRateThreshold != 50 || cfg.FailureCountThreshold != 5 || cfg.Lookback != 24*time.Hour {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}
