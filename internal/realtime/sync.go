package realtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Loader fetches the initial snapshot of a Sync
type Loader[T Record] func(ctx context.Context) ([]T, error)

// Sync is a locally materialized, live copy of the rows of one table
// matching a filter
type Sync[T Record] struct {
	table  string
	filter *Filter
	logger zerolog.Logger

	mu        sync.Mutex
	rows      *Rows[T]
	loaded    bool
	pending   []Change
	listeners map[int]func([]T)
	nextID    int

	unsubscribe func()
	closeOnce   sync.Once
}

// NewSync subscribes to feed, loads the initial snapshot with load, and
// replays every change received while loading. Errors from the subscription
// or the loader are returned.
func NewSync[T Record](ctx context.Context, feed ChangeFeed, table string, filter *Filter, load Loader[T], logger zerolog.Logger) (*Sync[T], error) {
	s := &Sync[T]{
		table:     table,
		filter:    filter,
		logger:    logger.With().Str("component", "realtime-sync").Str("table", table).Logger(),
		rows:      NewRows[T](nil),
		listeners: make(map[int]func([]T)),
	}

	unsubscribe, err := feed.Subscribe(ctx, table, filter, s.receive)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", table, err)
	}
	s.unsubscribe = unsubscribe

	items, err := load(ctx)
	if err != nil {
		unsubscribe()
		return nil, fmt.Errorf("load %s: %w", table, err)
	}

	s.mu.Lock()
	s.rows = NewRows(items)
	replayed := len(s.pending)
	for _, change := range s.pending {
		if err := s.rows.Apply(change); err != nil {
			s.logger.Warn().Err(err).Msg("dropping malformed change")
		}
	}
	s.pending = nil
	s.loaded = true
	rows := s.rows.Len()
	s.mu.Unlock()

	s.logger.Debug().
		Int("rows", rows).
		Int("replayed", replayed).
		Msg("initial snapshot loaded")

	return s, nil
}

func (s *Sync[T]) receive(change Change) {
	if err := s.Dispatch(change); err != nil {
		s.logger.Warn().Err(err).Str("eventType", string(change.EventType)).Msg("dropping malformed change")
	}
}

// Dispatch applies a change to the local rows and notifies listeners.
// Changes dispatched before the initial snapshot is loaded are queued.
func (s *Sync[T]) Dispatch(change Change) error {
	s.mu.Lock()
	if !s.loaded {
		s.pending = append(s.pending, change)
		s.mu.Unlock()
		return nil
	}
	if err := s.rows.Apply(change); err != nil {
		s.mu.Unlock()
		return err
	}
	items := s.rows.Items()
	listeners := make([]func([]T), 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(items)
	}
	return nil
}

// Rows returns a copy of the current rows in order
func (s *Sync[T]) Rows() []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows.Items()
}

// Len returns the number of rows
func (s *Sync[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows.Len()
}

// Latest returns the most recently created row
func (s *Sync[T]) Latest() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows.Latest()
}

// OnChange registers fn to receive the full row set after every applied
// change. The returned function removes it.
func (s *Sync[T]) OnChange(fn func(rows []T)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Close unsubscribes from the feed. Rows remain readable.
func (s *Sync[T]) Close() {
	s.closeOnce.Do(func() {
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
	})
}
