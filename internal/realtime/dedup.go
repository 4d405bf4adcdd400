package realtime

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Deduplicator drops a change whose ID was already delivered for the same
// subscription, which happens when a local write is also echoed back by a
// remote feed. Changes without an ID are never duplicates.
type Deduplicator struct {
	cache *lru.Cache[string, struct{}]
}

// NewDeduplicator creates a new Deduplicator with the given cache size
func NewDeduplicator(size int) (*Deduplicator, error) {
	cache, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	return &Deduplicator{cache: cache}, nil
}

// IsDuplicate reports whether the change has been seen before, recording it
// if not
func (d *Deduplicator) IsDuplicate(change Change) bool {
	if change.ID == "" {
		return false
	}
	seen, _ := d.cache.ContainsOrAdd(change.ID, struct{}{})
	return seen
}

// Len returns the current cache size
func (d *Deduplicator) Len() int {
	return d.cache.Len()
}
