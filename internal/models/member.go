package models

import "time"

// MemberStatus is the activity state of a member
type MemberStatus string

const (
	MemberActive   MemberStatus = "active"
	MemberInactive MemberStatus = "inactive"
)

// Member represents a contact owned by a user. At least one of Email or
// ChatID is always set on a persisted member.
type Member struct {
	ID           string       `json:"id"`
	OwnerID      string       `json:"user_id"`
	Name         *string      `json:"name"`
	Email        *string      `json:"email"`
	ChatID       *string      `json:"discord_id"`
	LastActiveAt *time.Time   `json:"last_active_at"`
	Status       MemberStatus `json:"status"`
	IsSuppressed bool         `json:"is_suppressed"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// HasContact reports whether the member can be reached on any channel
func (m *Member) HasContact() bool {
	return m.Email != nil || m.ChatID != nil
}

// MemberCounts holds per-owner member totals
type MemberCounts struct {
	Total      int `json:"total"`
	Active     int `json:"active"`
	Inactive   int `json:"inactive"`
	Suppressed int `json:"suppressed"`
}
