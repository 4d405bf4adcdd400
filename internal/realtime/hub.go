package realtime

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultDedupSize is the per-subscription dedup window used when none is given
const DefaultDedupSize = 1024

type hubSubscriber struct {
	id    string
	seq   uint64
	onEvt func(Change)
}

// hubEntry holds the subscribers and remote feed subscriptions for one
// (table, filter) pair
type hubEntry struct {
	table  string
	filter *Filter
	subs   map[string]hubSubscriber
	dedup  *Deduplicator
	feeds  map[string]string // feed name -> remote subscription id
}

// Hub is the in-process ChangeFeed. Local writes are published with Publish;
// remote feeds registered with Register are subscribed to every active
// (table, filter) pair and their changes delivered to the same subscribers.
type Hub struct {
	mu sync.RWMutex

	active map[string]*hubEntry
	feeds  map[string]FeedTarget
	seq    uint64

	dedupSize int
	logger    zerolog.Logger
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewHub creates a new change hub
func NewHub(dedupSize int, logger zerolog.Logger) *Hub {
	if dedupSize <= 0 {
		dedupSize = DefaultDedupSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		active:    make(map[string]*hubEntry),
		feeds:     make(map[string]FeedTarget),
		dedupSize: dedupSize,
		logger:    logger.With().Str("component", "realtime-hub").Logger(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Close stops the hub and drops every subscription
func (h *Hub) Close() {
	h.cancel()
	h.mu.Lock()
	h.active = make(map[string]*hubEntry)
	h.feeds = make(map[string]FeedTarget)
	h.mu.Unlock()
	h.logger.Info().Msg("realtime hub closed")
}

func entryKey(table string, filter *Filter) string {
	return table + ":" + filter.key()
}

// Subscribe implements ChangeFeed. If the (table, filter) pair is new, every
// registered remote feed is subscribed to it.
func (h *Hub) Subscribe(ctx context.Context, table string, filter *Filter, fn func(Change)) (func(), error) {
	key := entryKey(table, filter)
	id := uuid.NewString()

	h.mu.Lock()
	h.seq++
	sub := hubSubscriber{id: id, seq: h.seq, onEvt: fn}

	entry, exists := h.active[key]
	if exists {
		entry.subs[id] = sub
		h.mu.Unlock()
		h.logger.Debug().Str("key", key).Str("subscriberID", id).Msg("subscriber added to existing subscription")
		return h.unsubscribeFunc(key, id), nil
	}

	dedup, err := NewDeduplicator(h.dedupSize)
	if err != nil {
		h.mu.Unlock()
		return nil, err
	}
	entry = &hubEntry{
		table:  table,
		filter: filter,
		subs:   map[string]hubSubscriber{id: sub},
		dedup:  dedup,
		feeds:  make(map[string]string),
	}
	h.active[key] = entry

	targets := make(map[string]FeedTarget, len(h.feeds))
	for name, t := range h.feeds {
		targets[name] = t
	}
	h.mu.Unlock()

	h.logger.Info().Str("key", key).Str("subscriberID", id).Msg("created new subscription")

	for name, t := range targets {
		h.subscribeFeed(ctx, name, t, key, table, filter)
	}
	return h.unsubscribeFunc(key, id), nil
}

func (h *Hub) unsubscribeFunc(key, id string) func() {
	var once sync.Once
	return func() {
		once.Do(func() { h.unsubscribe(key, id) })
	}
}

// unsubscribe removes a subscriber. If no subscribers remain, the entry is
// removed and every remote feed is unsubscribed.
func (h *Hub) unsubscribe(key, id string) {
	h.mu.Lock()
	entry, exists := h.active[key]
	if !exists {
		h.mu.Unlock()
		return
	}
	delete(entry.subs, id)
	if len(entry.subs) > 0 {
		h.mu.Unlock()
		h.logger.Debug().Str("key", key).Str("subscriberID", id).Int("remaining", len(entry.subs)).Msg("subscriber removed")
		return
	}

	delete(h.active, key)
	toUnsub := make(map[string]string, len(entry.feeds))
	targets := make(map[string]FeedTarget, len(entry.feeds))
	for name, subID := range entry.feeds {
		toUnsub[name] = subID
		if t, ok := h.feeds[name]; ok {
			targets[name] = t
		}
	}
	h.mu.Unlock()

	h.logger.Info().Str("key", key).Msg("closed subscription (no more subscribers)")

	for name, subID := range toUnsub {
		if t := targets[name]; t != nil {
			t.Unsubscribe(subID)
		}
	}
}

func (h *Hub) subscribeFeed(ctx context.Context, name string, t FeedTarget, key, table string, filter *Filter) {
	subID, err := t.Subscribe(ctx, table, filter, func(change Change) {
		h.deliver(key, change)
	})
	if err != nil {
		h.logger.Warn().Err(err).Str("feed", name).Str("key", key).Msg("failed to subscribe feed")
		return
	}

	h.mu.Lock()
	entry, ok := h.active[key]
	if ok {
		entry.feeds[name] = subID
	}
	h.mu.Unlock()

	if !ok {
		// the last local subscriber left while the remote call was in flight
		t.Unsubscribe(subID)
	}
}

// Register adds a remote feed and subscribes it to every active entry
func (h *Hub) Register(name string, target FeedTarget) {
	h.mu.Lock()
	if _, exists := h.feeds[name]; exists {
		for _, entry := range h.active {
			delete(entry.feeds, name)
		}
	}
	h.feeds[name] = target

	type item struct {
		key    string
		table  string
		filter *Filter
	}
	toSub := make([]item, 0, len(h.active))
	for key, entry := range h.active {
		toSub = append(toSub, item{key, entry.table, entry.filter})
	}
	h.mu.Unlock()

	h.logger.Info().Str("feed", name).Int("activeSubs", len(toSub)).Msg("feed registered")

	ctx, cancel := context.WithTimeout(h.ctx, 15*time.Second)
	defer cancel()
	for _, it := range toSub {
		h.subscribeFeed(ctx, name, target, it.key, it.table, it.filter)
	}
}

// Unregister removes a remote feed. Call when it disconnects for good.
func (h *Hub) Unregister(name string) {
	h.mu.Lock()
	delete(h.feeds, name)
	for _, entry := range h.active {
		delete(entry.feeds, name)
	}
	h.mu.Unlock()
	h.logger.Info().Str("feed", name).Msg("feed unregistered")
}

// Publish delivers a locally produced change to every matching subscription.
// A change without an ID is given one.
func (h *Hub) Publish(change Change) {
	if change.ID == "" {
		change.ID = uuid.NewString()
	}
	h.mu.RLock()
	keys := make([]string, 0)
	for key, entry := range h.active {
		if entry.table == change.Table && entry.filter.Matches(change) {
			keys = append(keys, key)
		}
	}
	h.mu.RUnlock()

	for _, key := range keys {
		h.deliver(key, change)
	}
}

// deliver hands a change to the subscribers of one entry in subscription order
func (h *Hub) deliver(key string, change Change) {
	h.mu.RLock()
	entry, exists := h.active[key]
	if !exists {
		h.mu.RUnlock()
		return
	}
	subs := make([]hubSubscriber, 0, len(entry.subs))
	for _, s := range entry.subs {
		subs = append(subs, s)
	}
	dedup := entry.dedup
	h.mu.RUnlock()

	if dedup.IsDuplicate(change) {
		return
	}

	sort.Slice(subs, func(i, j int) bool { return subs[i].seq < subs[j].seq })

	for _, sub := range subs {
		start := time.Now()
		h.safeCall(sub, change)
		if d := time.Since(start); d > time.Second {
			h.logger.Warn().Str("subscriber", sub.id).Str("key", key).Dur("duration", d).Msg("subscriber delivery slow")
		}
	}
}

func (h *Hub) safeCall(sub hubSubscriber, change Change) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error().Interface("panic", r).Str("subscriber", sub.id).Msg("subscriber panic")
		}
	}()
	sub.onEvt(change)
}

// Subscriptions returns the number of active (table, filter) pairs
func (h *Hub) Subscriptions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.active)
}
