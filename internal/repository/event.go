package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/foxzi/rekindle/internal/db"
	"github.com/foxzi/rekindle/internal/models"
	"github.com/google/uuid"
)

type EventRepository struct {
	db *db.DB
}

func NewEventRepository(d *db.DB) *EventRepository {
	return &EventRepository{db: d}
}

// Append stores an event. Missing id and timestamp are filled in.
func (r *EventRepository) Append(ctx context.Context, e *models.Event) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	e.OccurredAt = e.OccurredAt.UTC()

	var metadata sql.NullString
	if len(e.Metadata) > 0 {
		metadata = sql.NullString{String: string(e.Metadata), Valid: true}
	}

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO events (id, owner_id, type, occurred_at, metadata)
		VALUES (?, ?, ?, ?, ?)`),
		e.ID, e.OwnerID, string(e.Type), e.OccurredAt, metadata,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListSince returns events matching the filter, oldest first
func (r *EventRepository) ListSince(ctx context.Context, filter models.EventFilter) ([]models.Event, error) {
	query := "SELECT id, owner_id, type, occurred_at, metadata FROM events WHERE occurred_at >= ?"
	args := []any{filter.Since.UTC()}

	if filter.OwnerID != "" {
		query += " AND owner_id = ?"
		args = append(args, filter.OwnerID)
	}

	if len(filter.Types) > 0 {
		query += " AND type IN (" + strings.TrimSuffix(strings.Repeat("?, ", len(filter.Types)), ", ") + ")"
		for _, t := range filter.Types {
			args = append(args, string(t))
		}
	}

	query += " ORDER BY occurred_at, id"

	rows, err := r.db.QueryContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var (
			e        models.Event
			typ      string
			metadata sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.OwnerID, &typ, &e.OccurredAt, &metadata); err != nil {
			return nil, err
		}
		e.Type = models.EventType(typ)
		if metadata.Valid && metadata.String != "" {
			e.Metadata = json.RawMessage(metadata.String)
		}
		events = append(events, e)
	}

	return events, rows.Err()
}
