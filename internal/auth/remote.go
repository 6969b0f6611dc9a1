package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// RemoteConfig configures a resolver that asks an identity service
type RemoteConfig struct {
	// URL returns the caller's identity for a bearer token
	URL     string
	Timeout time.Duration
	// OwnerField is the JSON field carrying the owner id, "id" by default
	OwnerField string
}

// RemoteResolver forwards the credential to an identity endpoint
type RemoteResolver struct {
	client     *resty.Client
	url        string
	ownerField string
}

// NewRemoteResolver creates a remote resolver
func NewRemoteResolver(cfg RemoteConfig) *RemoteResolver {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	field := cfg.OwnerField
	if field == "" {
		field = "id"
	}

	c := resty.New().
		SetHeader("Accept", "application/json").
		SetTimeout(timeout)

	return &RemoteResolver{client: c, url: cfg.URL, ownerField: field}
}

// Resolve implements Resolver
func (r *RemoteResolver) Resolve(ctx context.Context, credential string) (string, error) {
	if credential == "" {
		return "", ErrMissingCredential
	}

	resp, err := r.client.R().
		SetContext(ctx).
		SetAuthToken(credential).
		Get(r.url)
	if err != nil {
		return "", fmt.Errorf("identity request: %w", err)
	}

	switch resp.StatusCode() {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return "", ErrInvalidCredential
	default:
		return "", fmt.Errorf("identity service status %d: %s", resp.StatusCode(), resp.String())
	}

	var body map[string]any
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return "", fmt.Errorf("decode identity response: %w", err)
	}

	owner, ok := body[r.ownerField].(string)
	if !ok || owner == "" {
		return "", fmt.Errorf("%w: identity response has no %q", ErrInvalidCredential, r.ownerField)
	}
	return owner, nil
}
