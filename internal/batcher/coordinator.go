package batcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DefaultDelay is the flush window used when Config.Delay is zero
const DefaultDelay = 10 * time.Millisecond

// ErrClosed is returned for registrations made after Close
var ErrClosed = errors.New("batch coordinator closed")

// Config holds coordinator settings
type Config struct {
	// Delay is how long the first registration of a window waits for others
	Delay time.Duration
	// MaxBatchSize flushes the window early once a group holds this many
	// identifiers. Zero disables the limit.
	MaxBatchSize int
}

// cycle is one snapshot of pending groups taken at flush time
type cycle struct {
	window uint64
	groups []*requestGroup
}

// Coordinator batches lookups per query type and fans results out to waiters
type Coordinator struct {
	backend Backend
	cfg     Config
	clock   Clock
	stats   StatsCollector
	logger  zerolog.Logger

	mu       sync.Mutex
	groups   map[groupKey]*requestGroup
	waiters  map[waiterKey][]*waiter
	seq      uint64
	window   uint64 // incremented each time a snapshot is taken
	timer    Timer
	timerGen uint64 // invalidates timer callbacks that lost a race with Stop
	armed    bool
	inflight int
	closed   bool
	cycles   sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewCoordinator creates a new batch coordinator
func NewCoordinator(backend Backend, cfg Config, logger zerolog.Logger) *Coordinator {
	if cfg.Delay <= 0 {
		cfg.Delay = DefaultDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		backend: backend,
		cfg:     cfg,
		clock:   realClock{},
		stats:   noopStats{},
		logger:  logger.With().Str("component", "batcher").Logger(),
		groups:  make(map[groupKey]*requestGroup),
		waiters: make(map[waiterKey][]*waiter),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SetClock replaces the clock used to arm the flush timer
func (c *Coordinator) SetClock(clock Clock) {
	c.clock = clock
}

// SetStats sets the stats collector
func (c *Coordinator) SetStats(stats StatsCollector) {
	if stats == nil {
		stats = noopStats{}
	}
	c.stats = stats
}

// Subscribe registers cb to receive the value for id under queryType once the
// current window flushes. The returned function cancels this registration
// only; other callers waiting on the same identifier are unaffected.
//
// Subscribe panics if queryType is unknown.
func (c *Coordinator) Subscribe(queryType QueryType, id string, cb Callback, opts ...Option) func() {
	cancel, err := c.subscribe(queryType, id, cb, nil, opts...)
	if err != nil {
		c.logger.Warn().
			Err(err).
			Str("queryType", string(queryType)).
			Str("id", id).
			Msg("subscription rejected")
	}
	return cancel
}

// Lookup registers for id and blocks until its value is delivered, the fetch
// covering it fails, or ctx is done.
func (c *Coordinator) Lookup(ctx context.Context, queryType QueryType, id string, opts ...Option) (any, error) {
	type result struct {
		value any
		err   error
	}
	ch := make(chan result, 1)

	cancel, err := c.subscribe(queryType, id,
		func(value any) { ch <- result{value: value} },
		func(err error) { ch <- result{err: fmt.Errorf("fetch %s: %w", queryType, err)} },
		opts...)
	if err != nil {
		return nil, err
	}

	select {
	case r := <-ch:
		return r.value, r.err
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	}
}

// Get is a typed Lookup
func Get[T any](ctx context.Context, c *Coordinator, queryType QueryType, id string, opts ...Option) (T, error) {
	var zero T
	value, err := c.Lookup(ctx, queryType, id, opts...)
	if err != nil {
		return zero, err
	}
	typed, ok := value.(T)
	if !ok {
		return zero, fmt.Errorf("batcher: %s value is %T, not %T", queryType, value, zero)
	}
	return typed, nil
}

func (c *Coordinator) subscribe(queryType QueryType, id string, cb Callback, fail func(error), opts ...Option) (func(), error) {
	q := lookupQuery(queryType)

	var o subscribeOptions
	for _, opt := range opts {
		opt(&o)
	}

	key := groupKey{queryType: queryType}
	if q.usesUserID() {
		key.userID = o.userID
	}
	wk := waiterKey{groupKey: key, id: id}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return func() {}, ErrClosed
	}

	g := c.groups[key]
	if g == nil {
		g = newRequestGroup(key, q)
		c.groups[key] = g
	}
	g.add(id)

	c.seq++
	w := &waiter{seq: c.seq, window: c.window, fn: cb, fail: fail}
	c.waiters[wk] = append(c.waiters[wk], w)

	var full *cycle
	if c.cfg.MaxBatchSize > 0 && len(g.ids) >= c.cfg.MaxBatchSize {
		full = c.beginCycleLocked()
	} else if !c.armed {
		c.armLocked()
	}
	c.mu.Unlock()

	c.stats.ObserveSubscribe(queryType)

	if full != nil {
		c.logger.Debug().
			Str("queryType", string(queryType)).
			Int("maxBatchSize", c.cfg.MaxBatchSize).
			Msg("batch size limit reached, flushing early")
		go c.runCycles(c.ctx, full)
	}

	var once sync.Once
	return func() {
		once.Do(func() { c.unsubscribe(wk, w) })
	}, nil
}

// unsubscribe removes a single waiter, keeping the order of the others
func (c *Coordinator) unsubscribe(wk waiterKey, w *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ws := c.waiters[wk]
	for i, candidate := range ws {
		if candidate == w {
			ws = append(ws[:i:i], ws[i+1:]...)
			break
		}
	}
	if len(ws) == 0 {
		delete(c.waiters, wk)
		return
	}
	c.waiters[wk] = ws
}

// armLocked starts the flush timer for a new window
func (c *Coordinator) armLocked() {
	c.armed = true
	c.timerGen++
	gen := c.timerGen
	c.timer = c.clock.AfterFunc(c.cfg.Delay, func() {
		c.onTimer(gen)
	})
}

// disarmLocked stops the flush timer, if any
func (c *Coordinator) disarmLocked() {
	if c.armed && c.timer != nil {
		c.timer.Stop()
	}
	c.armed = false
	c.timer = nil
	c.timerGen++
}

func (c *Coordinator) onTimer(gen uint64) {
	c.mu.Lock()
	if !c.armed || gen != c.timerGen {
		c.mu.Unlock()
		return
	}
	cy := c.beginCycleLocked()
	c.mu.Unlock()

	if cy != nil {
		c.runCycles(c.ctx, cy)
	}
}

// beginCycleLocked snapshots and clears all pending groups.
// Returns nil if nothing is pending.
func (c *Coordinator) beginCycleLocked() *cycle {
	c.disarmLocked()
	if len(c.groups) == 0 {
		return nil
	}

	cy := &cycle{
		window: c.window,
		groups: make([]*requestGroup, 0, len(c.groups)),
	}
	for _, g := range c.groups {
		cy.groups = append(cy.groups, g)
	}
	c.groups = make(map[groupKey]*requestGroup)
	c.window++
	c.inflight++
	c.cycles.Add(1)
	return cy
}

// runCycles executes cy under ctx and then, while registrations accumulated
// during the previous cycle, flushes again without waiting for the timer.
// Follow-up cycles serve other callers and run under the coordinator's own
// context.
func (c *Coordinator) runCycles(ctx context.Context, cy *cycle) {
	for cy != nil {
		c.runCycle(ctx, cy)
		ctx = c.ctx

		c.mu.Lock()
		c.inflight--
		cy = nil
		if len(c.groups) > 0 {
			cy = c.beginCycleLocked()
		}
		c.mu.Unlock()
		c.cycles.Done()
	}
}

// runCycle fetches every group concurrently. Group failures are independent:
// no group's error cancels another.
func (c *Coordinator) runCycle(ctx context.Context, cy *cycle) {
	c.logger.Debug().
		Uint64("window", cy.window).
		Int("groups", len(cy.groups)).
		Msg("executing batch cycle")

	var eg errgroup.Group
	for _, g := range cy.groups {
		eg.Go(func() error {
			c.flushGroup(ctx, cy.window, g)
			return nil
		})
	}
	_ = eg.Wait()

	c.stats.ObserveCycle(len(cy.groups))
}

// flushGroup issues the group's single backend fetch and distributes results
func (c *Coordinator) flushGroup(ctx context.Context, window uint64, g *requestGroup) {
	queryType := g.query.Type()

	start := time.Now()
	resp, err := g.query.fetch(ctx, c.backend, g.ids, g.key.userID)
	c.stats.ObserveFetch(queryType, len(g.ids), time.Since(start), err)

	if err != nil {
		c.logger.Error().
			Err(err).
			Str("queryType", string(queryType)).
			Int("ids", len(g.ids)).
			Msg("error fetching batch data")

		for _, id := range g.ids {
			for _, w := range c.takeWaiters(waiterKey{groupKey: g.key, id: id}, window) {
				if w.fail != nil {
					w.fail(err)
				}
			}
		}
		return
	}

	delivered := 0
	for _, id := range g.ids {
		ws := c.takeWaiters(waiterKey{groupKey: g.key, id: id}, window)
		if len(ws) == 0 {
			continue
		}
		value := g.query.pick(resp, id)
		for _, w := range ws {
			c.deliver(queryType, id, w, value)
			delivered++
		}
	}

	c.logger.Debug().
		Str("queryType", string(queryType)).
		Int("ids", len(g.ids)).
		Int("callbacks", delivered).
		Msg("batch completed")
}

// takeWaiters removes and returns the waiters for wk that registered no later
// than window. Waiters from later windows stay for their own cycle.
func (c *Coordinator) takeWaiters(wk waiterKey, window uint64) []*waiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	ws := c.waiters[wk]
	if len(ws) == 0 {
		return nil
	}

	var taken, kept []*waiter
	for _, w := range ws {
		if w.window <= window {
			taken = append(taken, w)
		} else {
			kept = append(kept, w)
		}
	}
	if len(kept) == 0 {
		delete(c.waiters, wk)
	} else {
		c.waiters[wk] = kept
	}
	return taken
}

func (c *Coordinator) deliver(queryType QueryType, id string, w *waiter, value any) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().
				Interface("panic", r).
				Str("queryType", string(queryType)).
				Str("id", id).
				Msg("batch callback panic")
		}
	}()
	w.fn(value)
}

// Flush flushes the pending window now and waits for it, including any
// follow-up cycles for registrations made meanwhile.
func (c *Coordinator) Flush(ctx context.Context) {
	c.mu.Lock()
	cy := c.beginCycleLocked()
	c.mu.Unlock()

	if cy != nil {
		c.runCycles(ctx, cy)
	}
}

// State reports the scheduling state
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.inflight > 0:
		return StateFlushing
	case c.armed:
		return StateArmed
	default:
		return StateIdle
	}
}

// Pending returns the number of pending request groups and registered waiters
func (c *Coordinator) Pending() (groups int, waiters int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ws := range c.waiters {
		waiters += len(ws)
	}
	return len(c.groups), waiters
}

// Close stops the timer, flushes pending registrations and waits for
// in-flight cycles. Later registrations are rejected.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cy := c.beginCycleLocked()
	c.mu.Unlock()

	if cy != nil {
		c.runCycles(ctx, cy)
	}

	done := make(chan struct{})
	go func() {
		c.cycles.Wait()
		close(done)
	}()

	defer c.cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight batches: %w", ctx.Err())
	}

	c.logger.Info().Msg("batch coordinator closed")
	return nil
}
