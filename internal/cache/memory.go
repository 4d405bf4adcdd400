package cache

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// cacheEntry represents a cached item with expiration
type cacheEntry struct {
	data      []byte
	expiresAt time.Time
}

// MemoryCache is an in-memory LRU cache with TTL support
type MemoryCache struct {
	cache *lru.Cache[string, *cacheEntry]
	ttl   time.Duration
	mu    sync.RWMutex

	stopCh    chan struct{}
	stopOnce  sync.Once
	cleanupWg sync.WaitGroup
}

// NewMemoryCache creates a new in-memory cache
func NewMemoryCache(size int, ttl time.Duration) (*MemoryCache, error) {
	cache, err := lru.New[string, *cacheEntry](size)
	if err != nil {
		return nil, err
	}

	mc := &MemoryCache{
		cache:  cache,
		ttl:    ttl,
		stopCh: make(chan struct{}),
	}

	mc.cleanupWg.Add(1)
	go mc.cleanupLoop()

	return mc, nil
}

// Get retrieves a value from the cache
func (mc *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	mc.mu.RLock()
	entry, ok := mc.cache.Get(key)
	mc.mu.RUnlock()

	if !ok {
		return nil, false
	}

	if time.Now().After(entry.expiresAt) {
		mc.mu.Lock()
		mc.cache.Remove(key)
		mc.mu.Unlock()
		return nil, false
	}

	return entry.data, true
}

// Set stores a value in the cache
func (mc *MemoryCache) Set(_ context.Context, key string, value []byte) {
	entry := &cacheEntry{
		data:      value,
		expiresAt: time.Now().Add(mc.ttl),
	}

	mc.mu.Lock()
	mc.cache.Add(key, entry)
	mc.mu.Unlock()
}

// Len returns the number of entries, including expired ones not yet evicted
func (mc *MemoryCache) Len() int {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return mc.cache.Len()
}

// Close stops the cache cleanup goroutine
func (mc *MemoryCache) Close() error {
	mc.stopOnce.Do(func() {
		close(mc.stopCh)
	})
	mc.cleanupWg.Wait()
	return nil
}

// cleanupLoop periodically removes expired entries
func (mc *MemoryCache) cleanupLoop() {
	defer mc.cleanupWg.Done()

	interval := mc.ttl / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-mc.stopCh:
			return
		case <-ticker.C:
			mc.removeExpired()
		}
	}
}

// removeExpired removes all expired entries from the cache
func (mc *MemoryCache) removeExpired() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	now := time.Now()
	keys := mc.cache.Keys()

	for _, key := range keys {
		entry, ok := mc.cache.Peek(key)
		if ok && now.After(entry.expiresAt) {
			mc.cache.Remove(key)
		}
	}
}

// NoopCache is a cache that does nothing (used when caching is disabled)
type NoopCache struct{}

// NewNoopCache creates a new no-op cache
func NewNoopCache() *NoopCache {
	return &NoopCache{}
}

// Get always returns not found
func (nc *NoopCache) Get(context.Context, string) ([]byte, bool) {
	return nil, false
}

// Set does nothing
func (nc *NoopCache) Set(context.Context, string, []byte) {}

// Close does nothing
func (nc *NoopCache) Close() error { return nil }
