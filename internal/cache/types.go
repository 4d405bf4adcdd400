package cache

import "context"

// Cache holds the last known value for each lookup key.
// Implementations are in-memory (LRU with TTL) and Redis.
type Cache interface {
	// Get retrieves a cached value by key
	// Returns the cached data and true if found, nil and false otherwise
	Get(ctx context.Context, key string) ([]byte, bool)

	// Set stores a value in the cache with the given key
	Set(ctx context.Context, key string, value []byte)

	// Close releases any resources held by the cache
	Close() error
}
