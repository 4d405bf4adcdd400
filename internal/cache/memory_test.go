package cache

import (
	"context"
	"testing"
	"time"
)

func TestMemoryCache_GetSet(t *testing.T) {
	ctx := context.Background()
	mc, err := NewMemoryCache(10, time.Minute)
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	defer mc.Close()

	if _, ok := mc.Get(ctx, "markets-c1"); ok {
		t.Error("expected miss on empty cache")
	}

	mc.Set(ctx, "markets-c1", []byte(`{"id":"c1"}`))
	data, ok := mc.Get(ctx, "markets-c1")
	if !ok {
		t.Fatal("expected hit")
	}
	if string(data) != `{"id":"c1"}` {
		t.Errorf("unexpected data: %s", data)
	}
}

func TestMemoryCache_Expiry(t *testing.T) {
	ctx := context.Background()
	mc, err := NewMemoryCache(10, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	defer mc.Close()

	mc.Set(ctx, "user-u1", []byte(`{}`))
	time.Sleep(40 * time.Millisecond)

	if _, ok := mc.Get(ctx, "user-u1"); ok {
		t.Error("expected expired entry to miss")
	}
}

func TestMemoryCache_Eviction(t *testing.T) {
	ctx := context.Background()
	mc, err := NewMemoryCache(2, time.Minute)
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	defer mc.Close()

	mc.Set(ctx, "a", []byte("1"))
	mc.Set(ctx, "b", []byte("2"))
	mc.Get(ctx, "a")
	mc.Set(ctx, "c", []byte("3"))

	if _, ok := mc.Get(ctx, "b"); ok {
		t.Error("expected least recently used entry to be evicted")
	}
	if _, ok := mc.Get(ctx, "a"); !ok {
		t.Error("expected recently used entry to survive")
	}
	if n := mc.Len(); n != 2 {
		t.Errorf("expected 2 entries, got %d", n)
	}
}

func TestMemoryCache_RemoveExpired(t *testing.T) {
	ctx := context.Background()
	mc, err := NewMemoryCache(10, time.Hour)
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	defer mc.Close()

	mc.Set(ctx, "fresh", []byte("1"))
	mc.mu.Lock()
	mc.cache.Add("stale", &cacheEntry{data: []byte("2"), expiresAt: time.Now().Add(-time.Second)})
	mc.mu.Unlock()

	mc.removeExpired()

	if n := mc.Len(); n != 1 {
		t.Errorf("expected 1 entry after cleanup, got %d", n)
	}
}

func TestMemoryCache_CloseIsIdempotent(t *testing.T) {
	mc, err := NewMemoryCache(1, time.Minute)
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	if err := mc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := mc.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestMemoryCache_InvalidSize(t *testing.T) {
	if _, err := NewMemoryCache(0, time.Minute); err == nil {
		t.Error("expected error for zero size")
	}
}

func TestNoopCache(t *testing.T) {
	ctx := context.Background()
	var c Cache = NewNoopCache()
	c.Set(ctx, "k", []byte("v"))
	if _, ok := c.Get(ctx, "k"); ok {
		t.Error("noop cache must never hit")
	}
	if err := c.Close(); err != nil {
		t.Errorf("close: %v", err)
	}
}
