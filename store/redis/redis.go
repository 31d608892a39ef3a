// Package redis provides a Redis-backed Store for promptgate.
//
// Sliding windows are sorted sets pruned and counted by an atomic Lua
// script, so concurrent gateway instances share one limit. Aggregates
// are hashes, cached responses plain keys with TTLs.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/promptgate"
)

// Store is a Redis-backed promptgate.Store.
type Store struct {
	client    goredis.Cmdable
	keyPrefix string
}

var _ promptgate.Store = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "promptgate:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// New creates a new Redis-backed Store.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: "promptgate:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) key(k string) string { return s.keyPrefix + k }

// windowScript atomically prunes, counts, and conditionally inserts one
// sliding-window entry.
// KEYS[1] = window sorted set
// ARGV[1] = now (unix microseconds)
// ARGV[2] = window (microseconds)
// ARGV[3] = limit
// ARGV[4] = member id
//
// Returns {count_before_insert, oldest_score or -1}.
var windowScript = goredis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call("ZREMRANGEBYSCORE", key, 0, now - window)

local count = redis.call("ZCARD", key)
local oldest = -1
if count > 0 then
    local first = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
    oldest = tonumber(first[2])
end

if count < limit then
    redis.call("ZADD", key, now, member)
    redis.call("PEXPIRE", key, math.ceil(window / 1000))
end

return {count, tostring(oldest)}
`)

// CheckWindow runs the atomic sliding-window check.
func (s *Store) CheckWindow(ctx context.Context, key string, limit int64, window time.Duration, now time.Time) (int64, time.Time, error) {
	result, err := windowScript.Run(ctx, s.client,
		[]string{s.key(key)},
		now.UnixMicro(), window.Microseconds(), limit, uuid.NewString(),
	).Slice()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("promptgate/redis: check window: %w", err)
	}
	if len(result) != 2 {
		return 0, time.Time{}, fmt.Errorf("promptgate/redis: unexpected window result: %v", result)
	}

	count, _ := result[0].(int64)
	var oldest time.Time
	if raw, ok := result[1].(string); ok {
		if score, err := strconv.ParseFloat(raw, 64); err == nil && score >= 0 {
			oldest = time.UnixMicro(int64(score))
		}
	}
	return count, oldest, nil
}

// Get returns a stored value, or promptgate.ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err == goredis.Nil {
		return nil, promptgate.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("promptgate/redis: get: %w", err)
	}
	return data, nil
}

// Set stores a value with a TTL.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("promptgate/redis: set: %w", err)
	}
	return nil
}

// SetNX stores a value only when the key is absent.
func (s *Store) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.key(key), value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("promptgate/redis: setnx: %w", err)
	}
	return ok, nil
}

// Scan visits every key matching the pattern via cursor iteration. Keys
// are reported without the store prefix.
func (s *Store) Scan(ctx context.Context, pattern string, fn func(key string, value []byte) error) error {
	iter := s.client.Scan(ctx, 0, s.key(pattern), 100).Iterator()
	prefixLen := len(s.keyPrefix)

	for iter.Next(ctx) {
		fullKey := iter.Val()
		data, err := s.client.Get(ctx, fullKey).Bytes()
		if err == goredis.Nil {
			continue
		}
		if err != nil {
			return fmt.Errorf("promptgate/redis: scan get: %w", err)
		}
		if err := fn(fullKey[prefixLen:], data); err != nil {
			return err
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("promptgate/redis: scan: %w", err)
	}
	return nil
}

// IncrFields adds deltas to hash fields and refreshes the TTL.
func (s *Store) IncrFields(ctx context.Context, key string, deltas map[string]float64, ttl time.Duration) error {
	fullKey := s.key(key)
	pipe := s.client.TxPipeline()
	for field, delta := range deltas {
		pipe.HIncrByFloat(ctx, fullKey, field, delta)
	}
	if ttl > 0 {
		pipe.Expire(ctx, fullKey, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("promptgate/redis: incr fields: %w", err)
	}
	return nil
}

// GetFields returns the numeric hash fields under a key. A missing key
// yields an empty map.
func (s *Store) GetFields(ctx context.Context, key string) (map[string]float64, error) {
	vals, err := s.client.HGetAll(ctx, s.key(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("promptgate/redis: get fields: %w", err)
	}

	out := make(map[string]float64, len(vals))
	for field, raw := range vals {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			continue
		}
		out[field] = f
	}
	return out, nil
}
