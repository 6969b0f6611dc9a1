package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// MemoryStore keeps windows in process memory. Counts are lost on restart
// and not shared between instances.
type MemoryStore struct {
	windows map[string]Window
	mu      sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]Window)}
}

func (s *MemoryStore) Take(_ context.Context, key string, limit int, window time.Duration, now time.Time) (Window, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.windows[key]
	w, allowed := take(current, exists, limit, window, now)
	s.windows[key] = w
	return w, allowed, nil
}

func (s *MemoryStore) Peek(_ context.Context, key string, _ time.Time) (Window, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	return w, ok, nil
}

// Prune drops expired windows
func (s *MemoryStore) Prune(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, w := range s.windows {
		if w.Expired(now) {
			delete(s.windows, key)
			removed++
		}
	}
	return removed
}

// PruneEvery drops expired windows on every tick until ctx is done
func (s *MemoryStore) PruneEvery(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if removed := s.Prune(now); removed > 0 {
				logger.Debug("pruned expired rate limit windows", "removed", removed)
			}
		}
	}
}

func (s *MemoryStore) Close() error {
	return nil
}
