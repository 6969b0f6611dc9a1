// Package auth resolves request credentials to the owning account.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrMissingCredential is returned when the request carries no credential
	ErrMissingCredential = errors.New("missing credential")
	// ErrInvalidCredential is returned when the credential is unknown,
	// revoked or expired
	ErrInvalidCredential = errors.New("invalid credential")
)

// Resolver maps a credential to an owner id
type Resolver interface {
	Resolve(ctx context.Context, credential string) (string, error)
}

// CredentialFromRequest extracts the credential from the Authorization
// header (with or without the Bearer scheme) or from X-API-Key
func CredentialFromRequest(r *http.Request) string {
	cred := strings.TrimSpace(r.Header.Get("Authorization"))
	if cred == "" {
		cred = strings.TrimSpace(r.Header.Get("X-API-Key"))
	}

	if len(cred) > 7 && strings.EqualFold(cred[:7], "bearer ") {
		cred = strings.TrimSpace(cred[7:])
	}
	return cred
}

// Chain tries resolvers in order. An invalid credential moves on to the
// next resolver; any other error stops the chain.
type Chain []Resolver

// Resolve implements Resolver
func (c Chain) Resolve(ctx context.Context, credential string) (string, error) {
	if credential == "" {
		return "", ErrMissingCredential
	}

	for _, r := range c {
		owner, err := r.Resolve(ctx, credential)
		if err == nil {
			return owner, nil
		}
		if !errors.Is(err, ErrInvalidCredential) {
			return "", err
		}
	}
	return "", ErrInvalidCredential
}

type ownerKey struct{}

// WithOwner stores the owner id in ctx
func WithOwner(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerKey{}, ownerID)
}

// OwnerFromContext returns the owner id stored by WithOwner
func OwnerFromContext(ctx context.Context) (string, bool) {
	owner, ok := ctx.Value(ownerKey{}).(string)
	return owner, ok && owner != ""
}

// Mode selects the resolver built by New
type Mode string

const (
	ModeAPIKey Mode = "apikey"
	ModeStatic Mode = "static"
	ModeRemote Mode = "remote"
)

// ParseMode validates a configured mode name
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeAPIKey, ModeStatic, ModeRemote:
		return m, nil
	case "":
		return ModeAPIKey, nil
	default:
		return "", fmt.Errorf("unknown auth mode %q", s)
	}
}
