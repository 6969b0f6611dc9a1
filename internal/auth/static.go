package auth

import (
	"context"
	"crypto/subtle"
)

// StaticResolver resolves a fixed token to owner table, for single-tenant
// deployments and tests
type StaticResolver struct {
	tokens map[string]string
}

// NewStaticResolver creates a resolver from token -> owner pairs
func NewStaticResolver(tokens map[string]string) *StaticResolver {
	t := make(map[string]string, len(tokens))
	for token, owner := range tokens {
		if token != "" && owner != "" {
			t[token] = owner
		}
	}
	return &StaticResolver{tokens: t}
}

// Resolve implements Resolver
func (r *StaticResolver) Resolve(_ context.Context, credential string) (string, error) {
	if credential == "" {
		return "", ErrMissingCredential
	}

	owner := ""
	for token, o := range r.tokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(credential)) == 1 {
			owner = o
		}
	}
	if owner == "" {
		return "", ErrInvalidCredential
	}
	return owner, nil
}
