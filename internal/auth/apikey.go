package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/foxzi/rekindle/internal/models"
	"github.com/foxzi/rekindle/internal/repository"
)

// KeyAuthenticator verifies API keys
type KeyAuthenticator interface {
	Authenticate(ctx context.Context, key string) (*models.APIKey, error)
}

// APIKeyResolver resolves stored API keys to their owner
type APIKeyResolver struct {
	keys KeyAuthenticator
}

// NewAPIKeyResolver creates a resolver backed by keys
func NewAPIKeyResolver(keys KeyAuthenticator) *APIKeyResolver {
	return &APIKeyResolver{keys: keys}
}

// Resolve implements Resolver
func (r *APIKeyResolver) Resolve(ctx context.Context, credential string) (string, error) {
	if credential == "" {
		return "", ErrMissingCredential
	}

	key, err := r.keys.Authenticate(ctx, credential)
	switch {
	case err == nil:
		return key.OwnerID, nil
	case errors.Is(err, repository.ErrNotFound),
		errors.Is(err, repository.ErrKeyInactive),
		errors.Is(err, repository.ErrKeyExpired):
		return "", fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	default:
		return "", fmt.Errorf("api key lookup: %w", err)
	}
}
