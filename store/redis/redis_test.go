//go:build integration

package redis_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/promptgate"
	redisstore "github.com/ineyio/promptgate/store/redis"
)

func newTestClient(t *testing.T) *goredis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func newTestStore(t *testing.T, client *goredis.Client) *redisstore.Store {
	t.Helper()
	// Use a unique prefix per test to avoid collisions.
	prefix := "test:" + t.Name() + ":"
	s := redisstore.New(client, redisstore.WithKeyPrefix(prefix))
	t.Cleanup(func() {
		ctx := context.Background()
		iter := client.Scan(ctx, 0, prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	})
	return s
}

func TestRedisStore_GetSet(t *testing.T) {
	s := newTestStore(t, newTestClient(t))
	ctx := context.Background()

	if _, err := s.Get(ctx, "missing"); err != promptgate.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := s.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatal(err)
	}
	data, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "v" {
		t.Fatalf("got %q", data)
	}
}

func TestRedisStore_SetNX(t *testing.T) {
	s := newTestStore(t, newTestClient(t))
	ctx := context.Background()

	ok, err := s.SetNX(ctx, "marker", []byte("1"), time.Minute)
	if err != nil || !ok {
		t.Fatalf("first SetNX: ok=%v err=%v", ok, err)
	}
	ok, err = s.SetNX(ctx, "marker", []byte("2"), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("second SetNX should not claim the key")
	}
}

func TestRedisStore_CheckWindow(t *testing.T) {
	s := newTestStore(t, newTestClient(t))
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 3; i++ {
		count, _, err := s.CheckWindow(ctx, "w", 3, time.Minute, now.Add(time.Duration(i)*time.Second))
		if err != nil {
			t.Fatal(err)
		}
		if count != int64(i) {
			t.Fatalf("call %d: count=%d", i, count)
		}
	}

	count, oldest, err := s.CheckWindow(ctx, "w", 3, time.Minute, now.Add(3*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if count != 3 {
		t.Fatalf("count=%d, want 3", count)
	}
	if oldest.IsZero() {
		t.Fatal("oldest should be set when the window is full")
	}
}

func TestRedisStore_CheckWindow_Concurrent(t *testing.T) {
	s := newTestStore(t, newTestClient(t))
	ctx := context.Background()

	const limit = 10
	const attempts = 50

	var wg sync.WaitGroup
	allowed := make(chan struct{}, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			count, _, err := s.CheckWindow(ctx, "w", limit, time.Minute, time.Now())
			if err != nil {
				t.Error(err)
				return
			}
			if count < limit {
				allowed <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(allowed)

	if n := len(allowed); n != limit {
		t.Fatalf("allowed %d requests, want exactly %d", n, limit)
	}
}

func TestRedisStore_Fields(t *testing.T) {
	s := newTestStore(t, newTestClient(t))
	ctx := context.Background()

	if err := s.IncrFields(ctx, "agg", map[string]float64{"cost": 0.5, "requests": 1}, time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := s.IncrFields(ctx, "agg", map[string]float64{"cost": 0.25, "requests": 1}, time.Minute); err != nil {
		t.Fatal(err)
	}

	fields, err := s.GetFields(ctx, "agg")
	if err != nil {
		t.Fatal(err)
	}
	if fields["cost"] < 0.74 || fields["cost"] > 0.76 {
		t.Fatalf("cost=%v", fields["cost"])
	}
	if fields["requests"] != 2 {
		t.Fatalf("requests=%v", fields["requests"])
	}
}

func TestRedisStore_Scan(t *testing.T) {
	s := newTestStore(t, newTestClient(t))
	ctx := context.Background()

	for _, key := range []string{"cache:semantic:a", "cache:semantic:b", "cache:exact:c"} {
		if err := s.Set(ctx, key, []byte("x"), time.Minute); err != nil {
			t.Fatal(err)
		}
	}

	var keys []string
	err := s.Scan(ctx, "cache:semantic:*", func(key string, _ []byte) error {
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 {
		t.Fatalf("scanned %d keys, want 2: %v", len(keys), keys)
	}
}
