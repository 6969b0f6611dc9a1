package activity

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/foxzi/rekindle/internal/models"
)

// EventSink appends activity events
type EventSink interface {
	Append(ctx context.Context, e *models.Event) error
}

// StartDetails describes an import that passed the limit check
type StartDetails struct {
	EstimatedRows  int  `json:"estimated_rows"`
	PayloadBytes   int  `json:"payload_bytes"`
	BatchSize      int  `json:"batch_size"`
	SkipDuplicates bool `json:"skip_duplicates"`
}

// SuccessDetails describes a completed import
type SuccessDetails struct {
	Imported         int   `json:"imported"`
	TotalParsed      int   `json:"total_parsed"`
	Duplicates       int   `json:"duplicates"`
	BatchesProcessed int   `json:"batches_processed"`
	BatchSize        int   `json:"batch_size"`
	ProcessingTimeMs int64 `json:"processing_time_ms"`
}

// Logger records import lifecycle events. Recording never fails the caller:
// sink errors are logged and dropped.
type Logger struct {
	sink    EventSink
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time
}

// NewLogger creates an activity logger writing to sink
func NewLogger(sink EventSink, logger *slog.Logger, timeout time.Duration) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Logger{
		sink:    sink,
		logger:  logger.With("component", "activity"),
		timeout: timeout,
		now:     time.Now,
	}
}

// Start records an import_start event
func (l *Logger) Start(ctx context.Context, ownerID string, details StartDetails) {
	l.record(ctx, ownerID, models.EventImportStart, struct {
		UserID string `json:"user_id"`
		StartDetails
	}{ownerID, details})
}

// Success records an import_success event
func (l *Logger) Success(ctx context.Context, ownerID string, details SuccessDetails) {
	l.record(ctx, ownerID, models.EventImportSuccess, struct {
		UserID string `json:"user_id"`
		SuccessDetails
	}{ownerID, details})
}

// Failure records an import_error event. code is the machine-readable
// error code, details is any JSON-encodable context.
func (l *Logger) Failure(ctx context.Context, ownerID, message, code string, details any) {
	l.record(ctx, ownerID, models.EventImportError, struct {
		UserID  string `json:"user_id"`
		Error   string `json:"error"`
		Code    string `json:"code,omitempty"`
		Details any    `json:"details,omitempty"`
	}{ownerID, message, code, details})
}

func (l *Logger) record(ctx context.Context, ownerID string, typ models.EventType, metadata any) {
	data, err := json.Marshal(metadata)
	if err != nil {
		l.logger.Error("failed to encode event metadata", "type", typ, "user_id", ownerID, "error", err)
		return
	}

	// Detached so an aborted request still records its outcome
	appendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
	defer cancel()

	event := &models.Event{
		OwnerID:    ownerID,
		Type:       typ,
		OccurredAt: l.now(),
		Metadata:   data,
	}
	if err := l.sink.Append(appendCtx, event); err != nil {
		l.logger.Error("failed to record activity event", "type", typ, "user_id", ownerID, "error", err)
		return
	}

	l.logger.Debug("activity event recorded", "type", typ, "user_id", ownerID, "event_id", event.ID)
}
