package repository

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/foxzi/rekindle/internal/db"
	"github.com/foxzi/rekindle/internal/models"
	"github.com/google/uuid"
)

var (
	ErrKeyInactive = errors.New("api key is inactive")
	ErrKeyExpired  = errors.New("api key has expired")
)

type APIKeyRepository struct {
	db *db.DB
}

func NewAPIKeyRepository(d *db.DB) *APIKeyRepository {
	return &APIKeyRepository{db: d}
}

// APIKeyCreateOptions contains options for creating an API key
type APIKeyCreateOptions struct {
	Name      string
	OwnerID   string
	ExpiresAt *time.Time
}

// Create creates a new API key and returns the full key (only shown once)
func (r *APIKeyRepository) Create(ctx context.Context, opts APIKeyCreateOptions) (*models.APIKeyCreateResult, error) {
	if opts.OwnerID == "" {
		return nil, fmt.Errorf("owner id is required")
	}

	keyBytes := make([]byte, 32)
	if _, err := rand.Read(keyBytes); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	key := "sk_" + hex.EncodeToString(keyBytes)

	apiKey := models.APIKey{
		ID:        uuid.New().String(),
		Name:      opts.Name,
		OwnerID:   opts.OwnerID,
		KeyHash:   HashKey(key),
		KeyPrefix: key[:11], // "sk_" + first 8 chars
		CreatedAt: time.Now().UTC(),
		ExpiresAt: opts.ExpiresAt,
		Active:    true,
	}

	var expiresAt any
	if apiKey.ExpiresAt != nil {
		expiresAt = apiKey.ExpiresAt.UTC()
	}

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO api_keys (id, name, owner_id, key_hash, key_prefix, created_at, expires_at, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		apiKey.ID, apiKey.Name, apiKey.OwnerID, apiKey.KeyHash, apiKey.KeyPrefix,
		apiKey.CreatedAt, expiresAt, true,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create API key: %w", err)
	}

	return &models.APIKeyCreateResult{APIKey: apiKey, Key: key}, nil
}

// GetByHash returns an API key by its hash
func (r *APIKeyRepository) GetByHash(ctx context.Context, keyHash string) (*models.APIKey, error) {
	row := r.db.QueryRowContext(ctx, r.db.Rebind(`
		SELECT id, name, owner_id, key_hash, key_prefix, created_at, last_used_at, expires_at, active
		FROM api_keys WHERE key_hash = ?`), keyHash)

	k, err := scanAPIKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get API key: %w", err)
	}
	return k, nil
}

// Authenticate resolves a plaintext key to its stored record and marks it used
func (r *APIKeyRepository) Authenticate(ctx context.Context, key string) (*models.APIKey, error) {
	k, err := r.GetByHash(ctx, HashKey(key))
	if err != nil {
		return nil, err
	}
	if !k.Active {
		return nil, ErrKeyInactive
	}
	now := time.Now().UTC()
	if k.IsExpired(now) {
		return nil, ErrKeyExpired
	}

	if _, err := r.db.ExecContext(ctx, r.db.Rebind("UPDATE api_keys SET last_used_at = ? WHERE id = ?"), now, k.ID); err != nil {
		return nil, fmt.Errorf("failed to update last used: %w", err)
	}
	k.LastUsedAt = &now

	return k, nil
}

// List returns API keys, optionally limited to one owner
func (r *APIKeyRepository) List(ctx context.Context, ownerID string) ([]models.APIKey, error) {
	query := `
		SELECT id, name, owner_id, key_hash, key_prefix, created_at, last_used_at, expires_at, active
		FROM api_keys`
	var args []any
	if ownerID != "" {
		query += " WHERE owner_id = ?"
		args = append(args, ownerID)
	}
	query += " ORDER BY created_at DESC"

	rows, err := r.db.QueryContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list API keys: %w", err)
	}
	defer rows.Close()

	var keys []models.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, *k)
	}

	return keys, rows.Err()
}

// Revoke deactivates an API key
func (r *APIKeyRepository) Revoke(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind("UPDATE api_keys SET active = ? WHERE id = ?"), false, id)
	if err != nil {
		return fmt.Errorf("failed to revoke API key: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAPIKey(s scanner) (*models.APIKey, error) {
	k := &models.APIKey{}
	var expiresAt, lastUsedAt sql.NullTime

	if err := s.Scan(&k.ID, &k.Name, &k.OwnerID, &k.KeyHash, &k.KeyPrefix,
		&k.CreatedAt, &lastUsedAt, &expiresAt, &k.Active); err != nil {
		return nil, err
	}

	if expiresAt.Valid {
		k.ExpiresAt = &expiresAt.Time
	}
	if lastUsedAt.Valid {
		k.LastUsedAt = &lastUsedAt.Time
	}
	return k, nil
}

// HashKey computes SHA256 hash of an API key
func HashKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}
