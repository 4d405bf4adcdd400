package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/gbear605/manifold/internal/jsonrpc"
	"github.com/gbear605/manifold/internal/realtime"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// realtimeHandler upgrades /v1/realtime connections
type realtimeHandler struct {
	api *API
}

func (h *realtimeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.api.logger.Error().Err(err).Msg("failed to upgrade connection")
		return
	}

	logger := h.api.logger.With().Str("component", "realtime-ws").Str("remoteAddr", r.RemoteAddr).Logger()
	logger.Info().Msg("new realtime connection")

	client := newRealtimeClient(conn, h.api.feed, h.api.opts.MaxSubscriptions, logger)
	client.Run(r.Context())
}

// realtimeClient is one websocket connection subscribed to row changes.
// Requests are realtime_subscribe [table, {k, v}] and realtime_unsubscribe
// [id]; changes are pushed as realtime_subscription notifications.
type realtimeClient struct {
	conn    *websocket.Conn
	feed    realtime.ChangeFeed
	maxSubs int
	logger  zerolog.Logger

	mu   sync.Mutex
	subs map[string]func()

	sendChan  chan []byte
	closeChan chan struct{}
	closeOnce sync.Once
}

func newRealtimeClient(conn *websocket.Conn, feed realtime.ChangeFeed, maxSubs int, logger zerolog.Logger) *realtimeClient {
	return &realtimeClient{
		conn:      conn,
		feed:      feed,
		maxSubs:   maxSubs,
		logger:    logger,
		subs:      make(map[string]func()),
		sendChan:  make(chan []byte, 256),
		closeChan: make(chan struct{}),
	}
}

// Run starts the write loop and reads until the connection ends
func (c *realtimeClient) Run(ctx context.Context) {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.writePump(ctx)
	}()
	c.readPump(ctx)
	<-done
}

func (c *realtimeClient) readPump(ctx context.Context) {
	defer c.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closeChan:
			return
		default:
		}

		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug().Err(err).Msg("read error")
			}
			return
		}
		c.handleMessage(ctx, data)
	}
}

func (c *realtimeClient) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closeChan:
			return
		case data := <-c.sendChan:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug().Err(err).Msg("write error")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *realtimeClient) handleMessage(ctx context.Context, data []byte) {
	req, err := jsonrpc.ParseRequest(data)
	if err != nil {
		c.sendError(jsonrpc.NewIDNull(), jsonrpc.ErrParse)
		return
	}
	if err := req.Validate(); err != nil {
		c.sendError(req.ID, jsonrpc.NewError(jsonrpc.CodeInvalidRequest, err.Error()))
		return
	}

	switch {
	case req.IsSubscribeMethod():
		c.handleSubscribe(ctx, req)
	case req.IsUnsubscribeMethod():
		c.handleUnsubscribe(req)
	default:
		c.sendError(req.ID, jsonrpc.ErrMethodNotFound)
	}
}

func (c *realtimeClient) handleSubscribe(ctx context.Context, req *jsonrpc.Request) {
	table, rawFilter, err := req.GetSubscriptionTarget()
	if err != nil {
		c.sendError(req.ID, jsonrpc.NewError(jsonrpc.CodeInvalidParams, err.Error()))
		return
	}
	filter, err := realtime.ParseFilter(rawFilter)
	if err != nil {
		c.sendError(req.ID, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "invalid filter: "+err.Error()))
		return
	}

	c.mu.Lock()
	full := c.maxSubs > 0 && len(c.subs) >= c.maxSubs
	c.mu.Unlock()
	if full {
		c.sendError(req.ID, jsonrpc.NewError(jsonrpc.CodeTooManySubs, "too many subscriptions"))
		return
	}

	subID := uuid.NewString()
	unsubscribe, err := c.feed.Subscribe(ctx, table, filter, func(change realtime.Change) {
		note, err := jsonrpc.NewSubscriptionNotification(subID, change)
		if err != nil {
			c.logger.Error().Err(err).Msg("failed to encode change")
			return
		}
		c.send(note)
	})
	if err != nil {
		c.sendError(req.ID, jsonrpc.NewError(jsonrpc.CodeInternalError, err.Error()))
		return
	}

	c.mu.Lock()
	select {
	case <-c.closeChan:
		c.mu.Unlock()
		unsubscribe()
		return
	default:
	}
	c.subs[subID] = unsubscribe
	c.mu.Unlock()

	resp, _ := jsonrpc.NewResponse(req.ID, subID)
	c.sendResponse(resp)

	c.logger.Debug().
		Str("subID", subID).
		Str("table", table).
		Msg("subscription created")
}

func (c *realtimeClient) handleUnsubscribe(req *jsonrpc.Request) {
	subID, err := req.GetUnsubscribeID()
	if err != nil {
		c.sendError(req.ID, jsonrpc.NewError(jsonrpc.CodeInvalidParams, err.Error()))
		return
	}

	c.mu.Lock()
	unsubscribe, ok := c.subs[subID]
	delete(c.subs, subID)
	c.mu.Unlock()
	if ok {
		unsubscribe()
	}

	resp, _ := jsonrpc.NewResponse(req.ID, ok)
	c.sendResponse(resp)

	c.logger.Debug().
		Str("subID", subID).
		Bool("success", ok).
		Msg("unsubscribe requested")
}

func (c *realtimeClient) sendResponse(resp *jsonrpc.Response) {
	data, err := resp.Bytes()
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to marshal response")
		return
	}
	c.send(data)
}

func (c *realtimeClient) sendError(id jsonrpc.ID, rpcErr *jsonrpc.Error) {
	c.sendResponse(jsonrpc.NewErrorResponse(id, rpcErr))
}

func (c *realtimeClient) send(data []byte) {
	select {
	case c.sendChan <- data:
	case <-c.closeChan:
	default:
		c.logger.Warn().Msg("send channel full, dropping message")
	}
}

// Close drops every subscription and closes the connection
func (c *realtimeClient) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		close(c.closeChan)
		subs := c.subs
		c.subs = make(map[string]func())
		c.mu.Unlock()

		for _, unsubscribe := range subs {
			unsubscribe()
		}
		c.conn.Close()
		c.logger.Debug().Int("subscriptions", len(subs)).Msg("client closed")
	})
}
