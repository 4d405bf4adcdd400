package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/gbear605/manifold/internal/jsonrpc"
)

var errNotConnected = errors.New("feed not connected")

// FeedConfig configures a FeedClient
type FeedConfig struct {
	URL               string
	ReconnectInterval time.Duration
	MessageTimeout    time.Duration
	PingInterval      time.Duration
	// QueueSize bounds the notifications read ahead of the handlers. When it
	// is full the connection is not read until a handler returns.
	QueueSize int
}

// DefaultFeedQueueSize is the notification queue length when none is given
const DefaultFeedQueueSize = 1024

type feedSub struct {
	table    string
	filter   *Filter
	onChange func(Change)
	remoteID string
}

// FeedClient owns a single websocket connection to a remote change feed
// speaking realtime_subscribe. It multiplexes requests and change
// notifications on that connection and resubscribes after reconnecting.
// Subscription ids it returns stay valid across reconnects.
type FeedClient struct {
	cfg    FeedConfig
	logger zerolog.Logger

	conn    *websocket.Conn
	connMu  sync.RWMutex
	writeMu sync.Mutex

	pending   map[int64]chan *jsonrpc.Response
	pendingMu sync.Mutex
	reqID     int64

	subs   map[string]*feedSub
	remote map[string]string // remote subscription id -> local id
	subMu  sync.Mutex

	eventChan chan []byte

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewFeedClient creates a new feed client. Call Connect to dial.
func NewFeedClient(cfg FeedConfig, logger zerolog.Logger) *FeedClient {
	if cfg.MessageTimeout <= 0 {
		cfg.MessageTimeout = 60 * time.Second
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 5 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultFeedQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &FeedClient{
		cfg:       cfg,
		logger:    logger.With().Str("component", "realtime-feed").Str("url", cfg.URL).Logger(),
		pending:   make(map[int64]chan *jsonrpc.Response),
		subs:      make(map[string]*feedSub),
		remote:    make(map[string]string),
		eventChan: make(chan []byte, cfg.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Connect establishes the connection and starts the reader goroutines
func (c *FeedClient) Connect(ctx context.Context) error {
	c.connMu.Lock()
	if c.conn != nil {
		c.connMu.Unlock()
		return nil
	}
	c.connMu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.logger.Info().Msg("feed connected")
	c.wg.Add(2)
	go c.dispatchWorker()
	go c.readLoop()
	if c.cfg.PingInterval > 0 {
		c.wg.Add(1)
		go c.pingLoop()
	}
	return nil
}

func (c *FeedClient) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect feed: %w", err)
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.MessageTimeout))
	})
	return conn, nil
}

// Connected returns true if the connection is established
func (c *FeedClient) Connected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.conn != nil
}

// Close closes the connection and waits for the reader to stop
func (c *FeedClient) Close() {
	c.cancel()
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()

	c.failPending()
	c.wg.Wait()
	c.logger.Info().Msg("feed closed")
}

func (c *FeedClient) failPending() {
	c.pendingMu.Lock()
	for _, ch := range c.pending {
		close(ch)
	}
	c.pending = make(map[int64]chan *jsonrpc.Response)
	c.pendingMu.Unlock()
}

// Subscribe implements FeedTarget. While disconnected the subscription is
// recorded and sent once the connection is back.
func (c *FeedClient) Subscribe(ctx context.Context, table string, filter *Filter, onChange func(Change)) (string, error) {
	id := uuid.NewString()
	sub := &feedSub{table: table, filter: filter, onChange: onChange}

	c.subMu.Lock()
	c.subs[id] = sub
	c.subMu.Unlock()

	remoteID, err := c.subscribeRemote(ctx, table, filter)
	if errors.Is(err, errNotConnected) {
		c.logger.Debug().Str("table", table).Msg("feed offline, subscription deferred")
		return id, nil
	}
	if err != nil {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
		return "", err
	}

	c.bind(id, remoteID)
	return id, nil
}

// bind records the remote id of a subscription, unsubscribing it remotely if
// the local subscription is already gone
func (c *FeedClient) bind(id, remoteID string) {
	c.subMu.Lock()
	sub, ok := c.subs[id]
	if ok {
		sub.remoteID = remoteID
		c.remote[remoteID] = id
	}
	c.subMu.Unlock()

	if !ok {
		c.unsubscribeRemote(remoteID)
	}
}

func (c *FeedClient) subscribeRemote(ctx context.Context, table string, filter *Filter) (string, error) {
	params := []interface{}{table}
	if filter != nil {
		params = append(params, filter)
	}

	resp, err := c.call(ctx, jsonrpc.MethodRealtimeSubscribe, params)
	if err != nil {
		return "", err
	}
	if resp.HasError() {
		return "", fmt.Errorf("subscription error: %w", resp.Error)
	}

	var remoteID string
	if err := json.Unmarshal(resp.Result, &remoteID); err != nil {
		return "", fmt.Errorf("failed to parse subscription ID: %w", err)
	}
	return remoteID, nil
}

// Unsubscribe implements FeedTarget
func (c *FeedClient) Unsubscribe(subID string) {
	c.subMu.Lock()
	sub, ok := c.subs[subID]
	if ok {
		delete(c.subs, subID)
		if sub.remoteID != "" {
			delete(c.remote, sub.remoteID)
		}
	}
	c.subMu.Unlock()

	if ok && sub.remoteID != "" {
		c.unsubscribeRemote(sub.remoteID)
	}
}

// unsubscribeRemote sends realtime_unsubscribe without waiting for the reply
func (c *FeedClient) unsubscribeRemote(remoteID string) {
	id := atomic.AddInt64(&c.reqID, 1)
	req, err := jsonrpc.NewRequest(jsonrpc.MethodRealtimeUnsubscribe, []string{remoteID}, jsonrpc.NewIDInt(id))
	if err != nil {
		return
	}
	data, err := req.Bytes()
	if err != nil {
		return
	}
	if err := c.write(data); err != nil {
		c.logger.Debug().Err(err).Str("subscription", remoteID).Msg("unsubscribe not sent")
	}
}

// call sends a request and waits for its response
func (c *FeedClient) call(ctx context.Context, method string, params interface{}) (*jsonrpc.Response, error) {
	id := atomic.AddInt64(&c.reqID, 1)
	req, err := jsonrpc.NewRequest(method, params, jsonrpc.NewIDInt(id))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", method, err)
	}
	data, err := req.Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	respChan := make(chan *jsonrpc.Response, 1)
	c.pendingMu.Lock()
	c.pending[id] = respChan
	c.pendingMu.Unlock()

	if err := c.write(data); err != nil {
		c.dropPending(id)
		return nil, err
	}

	select {
	case resp, ok := <-respChan:
		if !ok || resp == nil {
			return nil, fmt.Errorf("connection closed")
		}
		return resp, nil
	case <-ctx.Done():
		c.dropPending(id)
		return nil, ctx.Err()
	}
}

func (c *FeedClient) dropPending(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *FeedClient) write(data []byte) error {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return errNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	return nil
}

func (c *FeedClient) pingLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.connMu.RLock()
			conn := c.conn
			c.connMu.RUnlock()
			if conn == nil {
				continue
			}
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug().Err(err).Msg("ping write failed")
			}
		}
	}
}

func (c *FeedClient) readLoop() {
	defer c.wg.Done()

	for {
		c.connMu.RLock()
		conn := c.conn
		c.connMu.RUnlock()
		if conn == nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(c.cfg.MessageTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.ctx.Done():
				return
			default:
			}
			c.logger.Warn().Err(err).Msg("feed connection lost, reconnecting")
			if c.reconnect() {
				continue
			}
			return
		}

		if jsonrpc.IsNotification(data) {
			if !c.enqueue(data) {
				return
			}
			continue
		}
		c.handleResponse(data)
	}
}

// enqueue hands a notification to the dispatch worker, blocking while the
// queue is full. Returns false once the client is closed.
func (c *FeedClient) enqueue(data []byte) bool {
	select {
	case c.eventChan <- data:
		return true
	default:
	}

	start := time.Now()
	select {
	case <-c.ctx.Done():
		return false
	case c.eventChan <- data:
	}
	c.logger.Warn().Dur("waited", time.Since(start)).Msg("event queue full, reading paused")
	return true
}

// dispatchWorker delivers notifications one at a time, in arrival order
func (c *FeedClient) dispatchWorker() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.eventChan:
			c.handleNotification(data)
		}
	}
}

func (c *FeedClient) handleNotification(data []byte) {
	var msg jsonrpc.SubscriptionNotification
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Warn().Err(err).Int("len", len(data)).Msg("feed message parse error")
		return
	}

	c.subMu.Lock()
	var handler func(Change)
	if id, ok := c.remote[msg.Params.Subscription]; ok {
		handler = c.subs[id].onChange
	}
	c.subMu.Unlock()

	if handler == nil {
		c.logger.Debug().Str("subscription", msg.Params.Subscription).Msg("change for unknown subscription")
		return
	}

	var change Change
	if err := json.Unmarshal(msg.Params.Result, &change); err != nil {
		c.logger.Warn().Err(err).Str("subscription", msg.Params.Subscription).Msg("malformed change")
		return
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Msg("change handler panic")
		}
	}()
	start := time.Now()
	handler(change)
	if d := time.Since(start); d > 2*time.Second {
		c.logger.Warn().Dur("handlerDuration", d).Msg("change handler slow")
	}
}

func (c *FeedClient) handleResponse(data []byte) {
	var resp jsonrpc.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		c.logger.Warn().Err(err).Int("len", len(data)).Msg("feed message parse error")
		return
	}

	var id int64
	switch v := resp.ID.Value().(type) {
	case float64:
		id = int64(v)
	case int64:
		id = v
	default:
		return
	}

	c.pendingMu.Lock()
	ch, exists := c.pending[id]
	if exists {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	if exists {
		select {
		case ch <- &resp:
		default:
		}
	}
}

// reconnect redials until it succeeds or the client is closed, then
// resubscribes every live subscription in the background
func (c *FeedClient) reconnect() bool {
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()

	c.pendingMu.Lock()
	for id, ch := range c.pending {
		select {
		case ch <- nil:
		default:
		}
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	for {
		select {
		case <-c.ctx.Done():
			return false
		case <-time.After(c.cfg.ReconnectInterval):
		}

		ctx, cancel := context.WithTimeout(c.ctx, 30*time.Second)
		conn, err := c.dial(ctx)
		cancel()
		if err != nil {
			c.logger.Warn().Err(err).Dur("nextRetry", c.cfg.ReconnectInterval).Msg("feed reconnection failed, will retry")
			continue
		}

		c.connMu.Lock()
		c.conn = conn
		c.connMu.Unlock()
		c.logger.Info().Msg("feed reconnected")

		c.subMu.Lock()
		ids := make([]string, 0, len(c.subs))
		for id, sub := range c.subs {
			sub.remoteID = ""
			ids = append(ids, id)
		}
		c.remote = make(map[string]string)
		c.subMu.Unlock()

		c.wg.Add(1)
		go c.resubscribe(ids)
		return true
	}
}

func (c *FeedClient) resubscribe(ids []string) {
	defer c.wg.Done()

	var ok, failed int
	for _, id := range ids {
		c.subMu.Lock()
		sub, exists := c.subs[id]
		var table string
		var filter *Filter
		if exists {
			table, filter = sub.table, sub.filter
		}
		c.subMu.Unlock()
		if !exists {
			continue
		}

		ctx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
		remoteID, err := c.subscribeRemote(ctx, table, filter)
		cancel()
		if err != nil {
			failed++
			c.logger.Warn().Err(err).Str("table", table).Msg("failed to re-subscribe")
			continue
		}
		ok++
		c.bind(id, remoteID)
	}

	c.logger.Info().
		Int("total", len(ids)).
		Int("ok", ok).
		Int("failed", failed).
		Msg("reconnect resubscribe done")
}
