package models

import "time"

// APIKey is a hashed bearer credential bound to an owner
type APIKey struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	OwnerID    string     `json:"owner_id"`
	KeyHash    string     `json:"-"`
	KeyPrefix  string     `json:"key_prefix"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Active     bool       `json:"active"`
}

// IsExpired returns true if the key has an expiry in the past
func (k *APIKey) IsExpired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// APIKeyCreateResult carries the plaintext key, shown only once
type APIKeyCreateResult struct {
	APIKey
	Key string `json:"key"`
}
