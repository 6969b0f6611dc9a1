package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"
)

// OperationImport is the operation class of bulk member imports
const OperationImport = "import"

// Window is a fixed rate-limit window for one key
type Window struct {
	Count   int       `json:"count"`
	ResetAt time.Time `json:"reset_at"`
}

// Expired reports whether now has passed the window's reset time
func (w Window) Expired(now time.Time) bool {
	return now.After(w.ResetAt)
}

// Store holds rate-limit windows. Take must check and increment atomically,
// so that concurrent callers never exceed the limit.
type Store interface {
	// Take opens a new window when none exists or the current one expired,
	// then increments its count if it is below limit. The returned window
	// reflects the state after the call.
	Take(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Window, bool, error)
	// Peek returns the window for key without modifying it
	Peek(ctx context.Context, key string, now time.Time) (Window, bool, error)
	Close() error
}

// Decision is the outcome of a rate-limit check
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// RetryAfter returns whole seconds until the window resets, at least 1
func (d Decision) RetryAfter(now time.Time) int {
	secs := int(math.Ceil(d.ResetAt.Sub(now).Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// Limiter applies a fixed-window limit per caller for one operation class
type Limiter struct {
	store     Store
	operation string
	now       func() time.Time
}

// NewLimiter creates a limiter for the operation over the given store
func NewLimiter(store Store, operation string) *Limiter {
	return &Limiter{
		store:     store,
		operation: operation,
		now:       time.Now,
	}
}

// SetClock overrides the time source
func (l *Limiter) SetClock(now func() time.Time) {
	l.now = now
}

// Check consumes one unit for caller if the limit allows it
func (l *Limiter) Check(ctx context.Context, caller string, limit int, window time.Duration) (Decision, error) {
	if limit <= 0 {
		return Decision{}, fmt.Errorf("rate limit must be positive, got %d", limit)
	}
	if window <= 0 {
		return Decision{}, fmt.Errorf("rate window must be positive, got %v", window)
	}

	w, allowed, err := l.store.Take(ctx, l.key(caller), limit, window, l.now())
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit check failed: %w", err)
	}

	return Decision{
		Allowed:   allowed,
		Remaining: max(0, limit-w.Count),
		ResetAt:   w.ResetAt,
	}, nil
}

// Stats returns the current window of caller without consuming it
func (l *Limiter) Stats(ctx context.Context, caller string) (Window, bool, error) {
	now := l.now()
	w, ok, err := l.store.Peek(ctx, l.key(caller), now)
	if err != nil {
		return Window{}, false, err
	}
	if !ok || w.Expired(now) {
		return Window{}, false, nil
	}
	return w, true, nil
}

// Store returns the underlying window store
func (l *Limiter) Store() Store {
	return l.store
}

func (l *Limiter) key(caller string) string {
	return makeKey(l.operation, caller)
}

func makeKey(operation, caller string) string {
	return operation + ":" + caller
}

// take applies the fixed-window rules to w and is shared by the
// in-process stores
func take(w Window, exists bool, limit int, window time.Duration, now time.Time) (Window, bool) {
	if !exists || w.Expired(now) {
		w = Window{Count: 0, ResetAt: now.Add(window)}
	}
	if w.Count >= limit {
		return w, false
	}
	w.Count++
	return w, true
}
