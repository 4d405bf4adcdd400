package realtime

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Rows is a time-ordered set of records keyed by row id.
// Rows is not safe for concurrent use; Sync guards it.
type Rows[T Record] struct {
	items []T
}

// NewRows creates Rows from an initial snapshot. Later duplicates of an id
// replace earlier ones.
func NewRows[T Record](items []T) *Rows[T] {
	r := &Rows[T]{items: make([]T, 0, len(items))}
	for _, item := range items {
		r.Upsert(item)
	}
	return r
}

func less[T Record](a, b T) bool {
	at, bt := a.RowCreatedTime(), b.RowCreatedTime()
	if !at.Equal(bt) {
		return at.Before(bt)
	}
	return a.RowID() < b.RowID()
}

func (r *Rows[T]) indexOf(id string) int {
	for i, item := range r.items {
		if item.RowID() == id {
			return i
		}
	}
	return -1
}

// Upsert inserts rec or replaces the row with the same id
func (r *Rows[T]) Upsert(rec T) {
	if i := r.indexOf(rec.RowID()); i >= 0 {
		r.items = append(r.items[:i], r.items[i+1:]...)
	}
	i := sort.Search(len(r.items), func(i int) bool {
		return less(rec, r.items[i])
	})
	var zero T
	r.items = append(r.items, zero)
	copy(r.items[i+1:], r.items[i:])
	r.items[i] = rec
}

// Delete removes the row with id, reporting whether it was present
func (r *Rows[T]) Delete(id string) bool {
	i := r.indexOf(id)
	if i < 0 {
		return false
	}
	r.items = append(r.items[:i], r.items[i+1:]...)
	return true
}

// Apply reduces one change into the set
func (r *Rows[T]) Apply(change Change) error {
	var rec T
	if err := json.Unmarshal(change.record(), &rec); err != nil {
		return fmt.Errorf("decode %s row: %w", change.Table, err)
	}

	switch change.EventType {
	case EventInsert, EventUpdate:
		r.Upsert(rec)
	case EventDelete:
		r.Delete(rec.RowID())
	default:
		return fmt.Errorf("unknown event type %q", change.EventType)
	}
	return nil
}

// Items returns a copy of the rows in order
func (r *Rows[T]) Items() []T {
	out := make([]T, len(r.items))
	copy(out, r.items)
	return out
}

// Len returns the number of rows
func (r *Rows[T]) Len() int {
	return len(r.items)
}

// Latest returns the most recently created row
func (r *Rows[T]) Latest() (T, bool) {
	if len(r.items) == 0 {
		var zero T
		return zero, false
	}
	return r.items[len(r.items)-1], true
}
