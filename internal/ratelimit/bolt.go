package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketRateLimits = []byte("rate_limits")

// BoltStore persists windows in a bbolt file so counts survive restarts
type BoltStore struct {
	db    *bolt.DB
	owned bool
}

// OpenBoltStore opens or creates the bbolt file at path
func OpenBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create rate limit directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open rate limit db: %w", err)
	}

	s, err := NewBoltStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// NewBoltStore uses an already opened bbolt database
func NewBoltStore(db *bolt.DB) (*BoltStore, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRateLimits)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limits bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Take(_ context.Context, key string, limit int, window time.Duration, now time.Time) (Window, bool, error) {
	var (
		result  Window
		allowed bool
	)

	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketRateLimits)

		var current Window
		exists := false
		if data := bucket.Get([]byte(key)); data != nil {
			// A corrupt entry starts a fresh window
			if err := json.Unmarshal(data, &current); err == nil {
				exists = true
			}
		}

		result, allowed = take(current, exists, limit, window, now)

		data, err := json.Marshal(result)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(key), data)
	})
	if err != nil {
		return Window{}, false, fmt.Errorf("failed to update window: %w", err)
	}

	return result, allowed, nil
}

func (s *BoltStore) Peek(_ context.Context, key string, _ time.Time) (Window, bool, error) {
	var (
		w     Window
		found bool
	)

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRateLimits).Get([]byte(key))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &w); err != nil {
			return nil
		}
		found = true
		return nil
	})
	if err != nil {
		return Window{}, false, err
	}

	return w, found, nil
}

// Keys lists stored window keys
func (s *BoltStore) Keys() ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRateLimits).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

// Close closes the bbolt file if this store opened it
func (s *BoltStore) Close() error {
	if s.owned {
		return s.db.Close()
	}
	return nil
}
