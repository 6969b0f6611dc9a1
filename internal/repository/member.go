package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/foxzi/rekindle/internal/db"
	"github.com/foxzi/rekindle/internal/models"
	"github.com/google/uuid"
)

var ErrNotFound = errors.New("not found")

const (
	memberColumns = 10
	// rows per INSERT statement, keeps bind variables under driver limits
	insertGroupSize = 100
	// values per IN list
	lookupChunkSize = 500
)

type MemberRepository struct {
	db *db.DB
}

func NewMemberRepository(d *db.DB) *MemberRepository {
	return &MemberRepository{db: d}
}

// Ping verifies the store is reachable
func (r *MemberRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// InsertMembers inserts all members in one transaction and returns their ids
// in input order. Either every member is stored or none is.
func (r *MemberRepository) InsertMembers(ctx context.Context, members []models.Member) ([]string, error) {
	if len(members) == 0 {
		return nil, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	ids := make([]string, 0, len(members))
	for start := 0; start < len(members); start += insertGroupSize {
		end := min(start+insertGroupSize, len(members))
		group := members[start:end]

		var sb strings.Builder
		sb.WriteString(`INSERT INTO members (id, owner_id, name, email, chat_id, last_active_at, status, is_suppressed, created_at, updated_at) VALUES `)
		args := make([]any, 0, len(group)*memberColumns)

		for i, m := range group {
			if !m.HasContact() {
				return nil, fmt.Errorf("member %d has neither email nor chat id", start+i)
			}
			id := m.ID
			if id == "" {
				id = uuid.New().String()
			}
			ids = append(ids, id)

			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString("(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")

			var lastActive any
			if m.LastActiveAt != nil {
				lastActive = m.LastActiveAt.UTC()
			}
			status := m.Status
			if status == "" {
				status = models.MemberActive
			}
			args = append(args, id, m.OwnerID, m.Name, m.Email, m.ChatID, lastActive,
				string(status), m.IsSuppressed, m.CreatedAt.UTC(), m.UpdatedAt.UTC())
		}

		if _, err := tx.ExecContext(ctx, r.db.Rebind(sb.String()), args...); err != nil {
			return nil, fmt.Errorf("failed to insert members: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit members: %w", err)
	}

	return ids, nil
}

// ExistingEmails returns the subset of emails already stored for the owner
func (r *MemberRepository) ExistingEmails(ctx context.Context, ownerID string, emails []string) (map[string]struct{}, error) {
	return r.existing(ctx, "email", ownerID, emails)
}

// ExistingChatIDs returns the subset of chat ids already stored for the owner
func (r *MemberRepository) ExistingChatIDs(ctx context.Context, ownerID string, chatIDs []string) (map[string]struct{}, error) {
	return r.existing(ctx, "chat_id", ownerID, chatIDs)
}

func (r *MemberRepository) existing(ctx context.Context, column, ownerID string, values []string) (map[string]struct{}, error) {
	found := make(map[string]struct{})

	for start := 0; start < len(values); start += lookupChunkSize {
		chunk := values[start:min(start+lookupChunkSize, len(values))]

		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(chunk)), ", ")
		query := fmt.Sprintf("SELECT %s FROM members WHERE owner_id = ? AND %s IN (%s)", column, column, placeholders)

		args := make([]any, 0, len(chunk)+1)
		args = append(args, ownerID)
		for _, v := range chunk {
			args = append(args, v)
		}

		if err := r.collect(ctx, r.db.Rebind(query), args, found); err != nil {
			return nil, fmt.Errorf("failed to look up existing %s: %w", column, err)
		}
	}

	return found, nil
}

func (r *MemberRepository) collect(ctx context.Context, query string, args []any, into map[string]struct{}) error {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var v sql.NullString
		if err := rows.Scan(&v); err != nil {
			return err
		}
		if v.Valid {
			into[v.String] = struct{}{}
		}
	}
	return rows.Err()
}

// CountByOwner returns member totals for the owner
func (r *MemberRepository) CountByOwner(ctx context.Context, ownerID string) (*models.MemberCounts, error) {
	counts := &models.MemberCounts{}

	err := r.db.QueryRowContext(ctx, r.db.Rebind(`
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN is_suppressed = ? THEN 1 ELSE 0 END), 0)
		FROM members WHERE owner_id = ?`),
		string(models.MemberActive), string(models.MemberInactive), true, ownerID,
	).Scan(&counts.Total, &counts.Active, &counts.Inactive, &counts.Suppressed)
	if err != nil {
		return nil, fmt.Errorf("failed to count members: %w", err)
	}

	return counts, nil
}

// CountAll returns the number of stored members across owners
func (r *MemberRepository) CountAll(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM members").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count members: %w", err)
	}
	return n, nil
}

// ListByOwner returns the owner's members, newest first
func (r *MemberRepository) ListByOwner(ctx context.Context, ownerID string, limit int) ([]models.Member, error) {
	query := `
		SELECT id, owner_id, name, email, chat_id, last_active_at, status, is_suppressed, created_at, updated_at
		FROM members WHERE owner_id = ? ORDER BY created_at DESC, id`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := r.db.QueryContext(ctx, r.db.Rebind(query), ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	var members []models.Member
	for rows.Next() {
		var (
			m                   models.Member
			name, email, chatID sql.NullString
			lastActive          sql.NullTime
			status              string
		)
		if err := rows.Scan(&m.ID, &m.OwnerID, &name, &email, &chatID, &lastActive,
			&status, &m.IsSuppressed, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		m.Name = nullString(name)
		m.Email = nullString(email)
		m.ChatID = nullString(chatID)
		if lastActive.Valid {
			t := lastActive.Time
			m.LastActiveAt = &t
		}
		m.Status = models.MemberStatus(status)
		members = append(members, m)
	}

	return members, rows.Err()
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
