// Package store provides the in-memory Store backend. The Redis backend
// lives in the redis subpackage.
package store

import (
	"context"
	"path"
	"sync"
	"time"

	"github.com/ineyio/promptgate"
)

// MemoryStore is an in-memory Store for tests and single-process use.
// Expiry is checked lazily on access.
type MemoryStore struct {
	mu      sync.Mutex
	values  map[string]memoryValue
	windows map[string][]time.Time
	fields  map[string]memoryFields
	now     func() time.Time
}

type memoryValue struct {
	data      []byte
	expiresAt time.Time
}

type memoryFields struct {
	fields    map[string]float64
	expiresAt time.Time
}

var _ promptgate.Store = (*MemoryStore)(nil)

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock overrides the time source. For tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		values:  make(map[string]memoryValue),
		windows: make(map[string][]time.Time),
		fields:  make(map[string]memoryFields),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func expired(expiresAt, now time.Time) bool {
	return !expiresAt.IsZero() && now.After(expiresAt)
}

// CheckWindow prunes entries older than the window, counts the rest, and
// inserts the new entry only when the count is below the limit.
func (s *MemoryStore) CheckWindow(_ context.Context, key string, limit int64, window time.Duration, now time.Time) (int64, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-window)
	kept := s.windows[key][:0]
	for _, ts := range s.windows[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	count := int64(len(kept))
	var oldest time.Time
	if count > 0 {
		oldest = kept[0]
	}

	if count < limit {
		kept = append(kept, now)
	}
	if len(kept) == 0 {
		delete(s.windows, key)
	} else {
		s.windows[key] = kept
	}
	return count, oldest, nil
}

// Get returns the stored value or ErrNotFound.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.values[key]
	if !ok || expired(v.expiresAt, s.now()) {
		delete(s.values, key)
		return nil, promptgate.ErrNotFound
	}
	return v.data, nil
}

// Set stores a value with a TTL. Zero TTL means no expiry.
func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[key] = memoryValue{data: value, expiresAt: s.expiry(ttl)}
	return nil
}

// SetNX stores a value only when the key is absent.
func (s *MemoryStore) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.values[key]; ok && !expired(v.expiresAt, s.now()) {
		return false, nil
	}
	s.values[key] = memoryValue{data: value, expiresAt: s.expiry(ttl)}
	return true, nil
}

// Scan visits every live key matching the glob pattern.
func (s *MemoryStore) Scan(_ context.Context, pattern string, fn func(key string, value []byte) error) error {
	s.mu.Lock()
	type pair struct {
		key  string
		data []byte
	}
	var pairs []pair
	now := s.now()
	for key, v := range s.values {
		if expired(v.expiresAt, now) {
			continue
		}
		if ok, _ := path.Match(pattern, key); ok {
			pairs = append(pairs, pair{key, v.data})
		}
	}
	s.mu.Unlock()

	for _, p := range pairs {
		if err := fn(p.key, p.data); err != nil {
			return err
		}
	}
	return nil
}

// IncrFields adds deltas to numeric fields under one key and refreshes
// the TTL.
func (s *MemoryStore) IncrFields(_ context.Context, key string, deltas map[string]float64, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.fields[key]
	if !ok || expired(f.expiresAt, s.now()) {
		f = memoryFields{fields: make(map[string]float64)}
	}
	for name, delta := range deltas {
		f.fields[name] += delta
	}
	f.expiresAt = s.expiry(ttl)
	s.fields[key] = f
	return nil
}

// GetFields returns the numeric fields under a key; a missing key yields
// an empty map.
func (s *MemoryStore) GetFields(_ context.Context, key string) (map[string]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.fields[key]
	if !ok || expired(f.expiresAt, s.now()) {
		delete(s.fields, key)
		return map[string]float64{}, nil
	}
	out := make(map[string]float64, len(f.fields))
	for name, v := range f.fields {
		out[name] = v
	}
	return out, nil
}

func (s *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}
