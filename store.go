package promptgate

import (
	"context"
	"time"
)

// Store is the shared key-value store the limiter, cache, and ledger
// persist state in across requests. Implementations must make each method
// atomic per key; no cross-key ordering is required.
type Store interface {
	// CheckWindow runs the sliding-window admission sequence atomically:
	// prune entries older than now-window from the sorted window at key,
	// count the survivors, and insert now only when the count is below
	// limit. The key expires after window. It returns the pre-insert count
	// and the oldest surviving entry (zero time when the window is empty).
	CheckWindow(ctx context.Context, key string, limit int64, window time.Duration, now time.Time) (count int64, oldest time.Time, err error)

	// Get returns the value at key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value at key with the given TTL (0 means no expiry).
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX stores value only if key does not exist. Returns true when the
	// value was set.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Scan visits every key matching pattern (glob style, e.g. "cache:*").
	// Visit order is unspecified. A non-nil error from fn stops the scan.
	Scan(ctx context.Context, pattern string, fn func(key string, value []byte) error) error

	// IncrFields atomically increments numeric hash fields at key and
	// refreshes the key's TTL.
	IncrFields(ctx context.Context, key string, deltas map[string]float64, ttl time.Duration) error

	// GetFields returns all numeric hash fields at key. A missing key
	// yields an empty map, not an error.
	GetFields(ctx context.Context, key string) (map[string]float64, error)
}
