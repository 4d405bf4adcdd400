package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// newTestRedis connects to MANIFOLD_TEST_REDIS_ADDR (default 127.0.0.1:6379)
// and skips the test when nothing is listening.
func newTestRedis(t *testing.T) *RedisCache {
	t.Helper()
	addr := os.Getenv("MANIFOLD_TEST_REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	rc, err := NewRedisCache(ctx, RedisOptions{
		Addr:      addr,
		KeyPrefix: "manifold-test:" + t.Name() + ":",
		TTL:       time.Minute,
	}, zerolog.Nop())
	if err != nil {
		t.Skipf("Skipping: Redis not reachable on %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = rc.Close() })
	return rc
}

func TestRedisCache_GetSet(t *testing.T) {
	rc := newTestRedis(t)
	ctx := context.Background()

	if _, ok := rc.Get(ctx, "markets-missing"); ok {
		t.Error("expected miss")
	}

	rc.Set(ctx, "markets-c1", []byte(`{"id":"c1"}`))
	data, ok := rc.Get(ctx, "markets-c1")
	if !ok {
		t.Fatal("expected hit")
	}
	if string(data) != `{"id":"c1"}` {
		t.Errorf("unexpected data: %s", data)
	}

	ttl, err := rc.client.TTL(ctx, rc.prefix+"markets-c1").Result()
	if err != nil {
		t.Fatalf("ttl: %v", err)
	}
	if ttl <= 0 || ttl > time.Minute {
		t.Errorf("unexpected ttl %v", ttl)
	}
}

func TestNewRedisCache_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	_, err := NewRedisCache(ctx, RedisOptions{Addr: "127.0.0.1:1"}, zerolog.Nop())
	if err == nil {
		t.Error("expected error for unreachable redis")
	}
}
