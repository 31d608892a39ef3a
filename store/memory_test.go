package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/promptgate"
	"github.com/ineyio/promptgate/store"
)

func TestMemoryStore_GetSet(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, promptgate.ErrNotFound)

	require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Hour))
	data, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), data)
}

func TestMemoryStore_Expiry(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	s := store.NewMemoryStore(store.WithClock(clock))
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Minute))

	now = now.Add(2 * time.Minute)
	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, promptgate.ErrNotFound)
}

func TestMemoryStore_SetNX(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	ok, err := s.SetNX(ctx, "k", []byte("first"), time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SetNX(ctx, "k", []byte("second"), time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	data, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), data)
}

func TestMemoryStore_Scan(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "cache:exact:a", []byte("1"), 0))
	require.NoError(t, s.Set(ctx, "cache:exact:b", []byte("2"), 0))
	require.NoError(t, s.Set(ctx, "other:c", []byte("3"), 0))

	seen := map[string]string{}
	err := s.Scan(ctx, "cache:exact:*", func(key string, value []byte) error {
		seen[key] = string(value)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"cache:exact:a": "1", "cache:exact:b": "2"}, seen)
}

func TestMemoryStore_CheckWindow(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	base := time.Now()

	// First three inserts stay under the limit of 3.
	for i := 0; i < 3; i++ {
		count, _, err := s.CheckWindow(ctx, "w", 3, time.Minute, base.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		assert.Equal(t, int64(i), count)
	}

	// Fourth attempt reports the limit reached and is not inserted.
	count, oldest, err := s.CheckWindow(ctx, "w", 3, time.Minute, base.Add(3*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
	assert.Equal(t, base, oldest)

	// After the window passes the key is empty again.
	count, oldest, err = s.CheckWindow(ctx, "w", 3, time.Minute, base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.True(t, oldest.IsZero())
}

func TestMemoryStore_Fields(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	fields, err := s.GetFields(ctx, "agg")
	require.NoError(t, err)
	assert.Empty(t, fields)

	require.NoError(t, s.IncrFields(ctx, "agg", map[string]float64{"cost": 0.5, "requests": 1}, time.Hour))
	require.NoError(t, s.IncrFields(ctx, "agg", map[string]float64{"cost": 0.25, "requests": 1}, time.Hour))

	fields, err = s.GetFields(ctx, "agg")
	require.NoError(t, err)
	assert.InDelta(t, 0.75, fields["cost"], 1e-9)
	assert.Equal(t, 2.0, fields["requests"])
}
