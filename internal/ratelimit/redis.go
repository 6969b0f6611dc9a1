package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// takeScript resets an expired window and increments below the limit in one
// server-side step. Returns {count, ttl_ms, allowed}.
var takeScript = redis.NewScript(`
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
local ttl = redis.call('PTTL', KEYS[1])
if ttl <= 0 then
  count = 0
  ttl = tonumber(ARGV[2])
  redis.call('SET', KEYS[1], 0, 'PX', ttl)
end
local allowed = 0
if count < tonumber(ARGV[1]) then
  count = redis.call('INCR', KEYS[1])
  allowed = 1
end
return {count, ttl, allowed}
`)

// RedisStore shares windows between service instances
type RedisStore struct {
	client *redis.Client
	prefix string
	owned  bool
}

// OpenRedisStore connects to the redis URL (redis://host:port/db)
func OpenRedisStore(ctx context.Context, url, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	s := NewRedisStore(client, prefix)
	s.owned = true
	return s, nil
}

// NewRedisStore uses an existing client. Keys are stored under prefix.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "rekindle:ratelimit:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Take(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Window, bool, error) {
	res, err := takeScript.Run(ctx, s.client, []string{s.prefix + key}, limit, window.Milliseconds()).Int64Slice()
	if err != nil {
		return Window{}, false, fmt.Errorf("redis take failed: %w", err)
	}
	if len(res) != 3 {
		return Window{}, false, fmt.Errorf("unexpected redis reply: %v", res)
	}

	return Window{
		Count:   int(res[0]),
		ResetAt: now.Add(time.Duration(res[1]) * time.Millisecond),
	}, res[2] == 1, nil
}

func (s *RedisStore) Peek(ctx context.Context, key string, now time.Time) (Window, bool, error) {
	fullKey := s.prefix + key

	pipe := s.client.Pipeline()
	getCmd := pipe.Get(ctx, fullKey)
	ttlCmd := pipe.PTTL(ctx, fullKey)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Window{}, false, fmt.Errorf("redis peek failed: %w", err)
	}

	raw, err := getCmd.Result()
	if errors.Is(err, redis.Nil) {
		return Window{}, false, nil
	}
	if err != nil {
		return Window{}, false, err
	}

	count, err := strconv.Atoi(raw)
	if err != nil {
		return Window{}, false, fmt.Errorf("invalid window count %q: %w", raw, err)
	}

	ttl := ttlCmd.Val()
	if ttl <= 0 {
		return Window{}, false, nil
	}

	return Window{Count: count, ResetAt: now.Add(ttl)}, true, nil
}

// Close closes the client if this store created it
func (s *RedisStore) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}
