package repository

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestAPIKeyRepository_CreateAndAuthenticate(t *testing.T) {
	d := setupTestDB(t)
	repo := NewAPIKeyRepository(d)
	ctx := context.Background()

	result, err := repo.Create(ctx, APIKeyCreateOptions{Name: "ci", OwnerID: "owner-1"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if !strings.HasPrefix(result.Key, "sk_") {
		t.Errorf("expected sk_ prefix, got %q", result.Key)
	}
	if result.KeyPrefix != result.Key[:11] {
		t.Errorf("unexpected key prefix %q", result.KeyPrefix)
	}
	if result.KeyHash == result.Key {
		t.Error("key must not be stored in plaintext")
	}

	k, err := repo.Authenticate(ctx, result.Key)
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if k.OwnerID != "owner-1" {
		t.Errorf("expected owner-1, got %s", k.OwnerID)
	}
	if k.LastUsedAt == nil {
		t.Error("expected last_used_at to be set")
	}

	if _, err := repo.Authenticate(ctx, "sk_unknown"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAPIKeyRepository_CreateRequiresOwner(t *testing.T) {
	d := setupTestDB(t)
	repo := NewAPIKeyRepository(d)

	if _, err := repo.Create(context.Background(), APIKeyCreateOptions{Name: "x"}); err == nil {
		t.Error("expected error without owner")
	}
}

func TestAPIKeyRepository_Revoke(t *testing.T) {
	d := setupTestDB(t)
	repo := NewAPIKeyRepository(d)
	ctx := context.Background()

	result, err := repo.Create(ctx, APIKeyCreateOptions{Name: "ci", OwnerID: "owner-1"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := repo.Revoke(ctx, result.ID); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if _, err := repo.Authenticate(ctx, result.Key); !errors.Is(err, ErrKeyInactive) {
		t.Errorf("expected ErrKeyInactive, got %v", err)
	}

	if err := repo.Revoke(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAPIKeyRepository_Expired(t *testing.T) {
	d := setupTestDB(t)
	repo := NewAPIKeyRepository(d)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	result, err := repo.Create(ctx, APIKeyCreateOptions{Name: "old", OwnerID: "owner-1", ExpiresAt: &past})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if _, err := repo.Authenticate(ctx, result.Key); !errors.Is(err, ErrKeyExpired) {
		t.Errorf("expected ErrKeyExpired, got %v", err)
	}
}

func TestAPIKeyRepository_List(t *testing.T) {
	d := setupTestDB(t)
	repo := NewAPIKeyRepository(d)
	ctx := context.Background()

	for _, owner := range []string{"owner-1", "owner-1", "owner-2"} {
		if _, err := repo.Create(ctx, APIKeyCreateOptions{Name: "k", OwnerID: owner}); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	all, err := repo.List(ctx, "")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 keys, got %d", len(all))
	}

	mine, err := repo.List(ctx, "owner-1")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(mine) != 2 {
		t.Errorf("expected 2 keys for owner-1, got %d", len(mine))
	}
}

func TestHashKey(t *testing.T) {
	if HashKey("a") == HashKey("b") {
		t.Error("different keys must hash differently")
	}
	if len(HashKey("a")) != 64 {
		t.Errorf("expected hex sha256 length 64, got %d", len(HashKey("a")))
	}
}
