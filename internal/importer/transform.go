package importer

import (
	"strconv"
	"strings"
	"time"

	"github.com/foxzi/rekindle/internal/models"
)

// dateLayouts are tried in order for last-active values
var dateLayouts = []string{
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006",
	"2006/01/02",
}

// Candidate is a member record that has not been persisted yet.
// Produced by Transform only
type Candidate struct {
	OwnerID      string
	Name         *string
	Email        *string
	ChatID       *string
	LastActiveAt *time.Time
	Status       models.MemberStatus
	IsSuppressed bool
	CreatedAt    time.Time
	UpdatedAt    time.Time

	// InvalidDate is set when a last-active value was present but unreadable
	InvalidDate bool
}

// Valid reports whether the candidate has a contact channel
func (c Candidate) Valid() bool {
	return c.Email != nil || c.ChatID != nil
}

// Member converts the candidate into a storable member
func (c Candidate) Member() models.Member {
	return models.Member{
		OwnerID:      c.OwnerID,
		Name:         c.Name,
		Email:        c.Email,
		ChatID:       c.ChatID,
		LastActiveAt: c.LastActiveAt,
		Status:       c.Status,
		IsSuppressed: c.IsSuppressed,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
}

// Transform builds a candidate from a parsed row
func Transform(row Row, ownerID string, now time.Time) Candidate {
	c := Candidate{
		OwnerID:   ownerID,
		Name:      mapped(row, FieldName),
		Email:     mapped(row, FieldEmail),
		ChatID:    mapped(row, FieldExternalChatID),
		Status:    models.MemberActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if raw, ok := MapField(row, FieldLastActiveAt); ok {
		if t, ok := ParseDate(raw); ok {
			c.LastActiveAt = &t
		} else {
			c.InvalidDate = true
		}
	}

	if status, ok := MapField(row, FieldStatus); ok && strings.EqualFold(status, string(models.MemberInactive)) {
		c.Status = models.MemberInactive
	}

	return c
}

// ParseDate parses a last-active value in one of the accepted layouts or as
// unix seconds. Values without a zone are UTC
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}

	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}

	if secs, err := strconv.ParseInt(s, 10, 64); err == nil && secs > 0 {
		return time.Unix(secs, 0).UTC(), true
	}

	return time.Time{}, false
}

func mapped(row Row, field Field) *string {
	v, ok := MapField(row, field)
	if !ok {
		return nil
	}
	return &v
}
