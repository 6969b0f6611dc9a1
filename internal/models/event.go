package models

import (
	"encoding/json"
	"time"
)

// EventType identifies an import lifecycle event
type EventType string

const (
	EventImportStart   EventType = "import_start"
	EventImportSuccess EventType = "import_success"
	EventImportError   EventType = "import_error"
)

// Event is an append-only activity record
type Event struct {
	ID         string          `json:"id"`
	OwnerID    string          `json:"user_id"`
	Type       EventType       `json:"type"`
	OccurredAt time.Time       `json:"timestamp"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

// EventFilter selects events for aggregation.
// Empty OwnerID selects events of all owners.
type EventFilter struct {
	OwnerID string
	Types   []EventType
	Since   time.Time
}
