package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gbear605/manifold/internal/batcher"
	"github.com/gbear605/manifold/internal/cache"
	"github.com/gbear605/manifold/internal/jsonrpc"
	"github.com/gbear605/manifold/internal/model"
	"github.com/gbear605/manifold/internal/realtime"
	"github.com/gbear605/manifold/internal/storage/sqlite"
)

type testEnv struct {
	store       *sqlite.Store
	hub         *realtime.Hub
	coordinator *batcher.Coordinator
	cache       *cache.MemoryCache
	registry    *prometheus.Registry
	srv         *httptest.Server
}

func newTestEnv(t *testing.T, lookups Lookuper, opts Options) *testEnv {
	t.Helper()
	ctx := context.Background()

	store, err := sqlite.OpenAndMigrate(ctx, filepath.Join(t.TempDir(), "api.db"), zerolog.Nop())
	require.NoError(t, err)
	hub := realtime.NewHub(0, zerolog.Nop())
	store.SetPublisher(hub)

	mc, err := cache.NewMemoryCache(100, time.Minute)
	require.NoError(t, err)

	env := &testEnv{store: store, hub: hub, cache: mc, registry: prometheus.NewRegistry()}
	if lookups == nil {
		env.coordinator = batcher.NewCoordinator(store, batcher.Config{Delay: time.Millisecond}, zerolog.Nop())
		stats, err := batcher.NewPrometheusStats(env.registry)
		require.NoError(t, err)
		env.coordinator.SetStats(stats)
		lookups = env.coordinator
	}

	recent, err := realtime.NewRecentComments(ctx, hub, store, 10, zerolog.Nop())
	require.NoError(t, err)

	api := NewAPI(lookups, mc, store, recent, hub, env.registry, opts, zerolog.Nop())
	env.srv = httptest.NewServer(api.Routes())

	t.Cleanup(func() {
		env.srv.Close()
		recent.Close()
		if env.coordinator != nil {
			require.NoError(t, env.coordinator.Close(context.Background()))
		}
		hub.Close()
		_ = mc.Close()
		require.NoError(t, store.Close())
	})
	return env
}

func (e *testEnv) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func (e *testEnv) post(t *testing.T, path string, body string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(e.srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

type stubLookuper struct {
	value      any
	err        error
	block      bool
	subscribed int
}

func (s *stubLookuper) Subscribe(qt batcher.QueryType, id string, cb batcher.Callback, opts ...batcher.Option) func() {
	s.subscribed++
	cb(s.value)
	return func() {}
}

func (s *stubLookuper) Lookup(ctx context.Context, qt batcher.QueryType, id string, opts ...batcher.Option) (any, error) {
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return s.value, s.err
}

func TestLookupThroughCoordinatorAndCache(t *testing.T) {
	env := newTestEnv(t, nil, Options{LookupTimeout: 5 * time.Second})
	ctx := context.Background()
	require.NoError(t, env.store.PutUser(ctx, model.DisplayUser{ID: "u1", Name: "Alice", Username: "alice"}))

	resp, body := env.get(t, "/v1/lookup/user/u1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "MISS", resp.Header.Get("X-Cache"))
	var user model.DisplayUser
	require.NoError(t, json.Unmarshal(body, &user))
	assert.Equal(t, "Alice", user.Name)

	resp, body = env.get(t, "/v1/lookup/user/u1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "HIT", resp.Header.Get("X-Cache"))
	assert.JSONEq(t, `{"id":"u1","name":"Alice","username":"alice","avatarUrl":""}`, string(body))

	resp, _ = env.get(t, "/v1/lookup/user/u1?fresh=1")
	assert.Equal(t, "MISS", resp.Header.Get("X-Cache"))

	resp, body = env.get(t, "/v1/lookup/user/nobody")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "null", string(body))
}

func TestLookupCompositeAndMetrics(t *testing.T) {
	env := newTestEnv(t, nil, Options{MetricsPath: "/metrics"})
	ctx := context.Background()
	require.NoError(t, env.store.PutUser(ctx, model.DisplayUser{ID: "u1", Name: "Alice"}))
	require.NoError(t, env.store.PutUser(ctx, model.DisplayUser{ID: "u2", Name: "Bob"}))
	require.NoError(t, env.store.PutContractMetric(ctx, "u1", "c1", true, 0))

	_, body := env.get(t, "/v1/lookup/users/u2,missing,u1")
	var users []*model.DisplayUser
	require.NoError(t, json.Unmarshal(body, &users))
	require.Len(t, users, 3)
	assert.Equal(t, "Bob", users[0].Name)
	assert.Nil(t, users[1])
	assert.Equal(t, "Alice", users[2].Name)

	_, body = env.get(t, "/v1/lookup/contract-metrics/c1?userId=u1")
	assert.Equal(t, "true", string(body))
	_, body = env.get(t, "/v1/lookup/contract-metrics/c1")
	assert.Equal(t, "false", string(body))

	resp, body := env.get(t, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "manifold_batcher_fetches_total")
}

func TestLookupErrors(t *testing.T) {
	t.Run("unknown query type", func(t *testing.T) {
		env := newTestEnv(t, &stubLookuper{}, Options{})
		resp, _ := env.get(t, "/v1/lookup/bets/b1")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("backend failure", func(t *testing.T) {
		env := newTestEnv(t, &stubLookuper{err: errors.New("fetch markets: down")}, Options{})
		resp, body := env.get(t, "/v1/lookup/markets/c1")
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
		assert.Contains(t, string(body), "down")
	})

	t.Run("closed", func(t *testing.T) {
		env := newTestEnv(t, &stubLookuper{err: batcher.ErrClosed}, Options{})
		resp, _ := env.get(t, "/v1/lookup/markets/c1")
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})

	t.Run("timeout", func(t *testing.T) {
		env := newTestEnv(t, &stubLookuper{block: true}, Options{LookupTimeout: 20 * time.Millisecond})
		resp, _ := env.get(t, "/v1/lookup/markets/c1")
		assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	})
}

func TestLookupCacheHitRefreshesInBackground(t *testing.T) {
	stub := &stubLookuper{value: map[string]string{"id": "c1", "question": "old"}}
	env := newTestEnv(t, stub, Options{})

	env.get(t, "/v1/lookup/markets/c1")
	stub.value = map[string]string{"id": "c1", "question": "new"}

	_, body := env.get(t, "/v1/lookup/markets/c1")
	assert.Contains(t, string(body), "old", "served from cache")
	assert.Equal(t, 1, stub.subscribed)

	_, body = env.get(t, "/v1/lookup/markets/c1")
	assert.Contains(t, string(body), "new", "refreshed by the previous hit")
}

func TestCommentEndpoints(t *testing.T) {
	env := newTestEnv(t, &stubLookuper{}, Options{MaxBodySize: 1024})

	resp, body := env.post(t, "/v1/contracts/m1/comments", `{"userId":"u1","userName":"alice","content":"hello"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var created model.Comment
	require.NoError(t, json.Unmarshal(body, &created))
	assert.Equal(t, "m1", created.ContractID)
	assert.NotEmpty(t, created.ID)

	_, err := env.store.InsertComment(context.Background(), model.Comment{ContractID: "m1", UserID: "u2", Content: "secret", Hidden: true})
	require.NoError(t, err)

	_, body = env.get(t, "/v1/contracts/m1/comments")
	var comments []model.Comment
	require.NoError(t, json.Unmarshal(body, &comments))
	assert.Len(t, comments, 1)

	_, body = env.get(t, "/v1/contracts/m1/comments?viewerId=u2")
	require.NoError(t, json.Unmarshal(body, &comments))
	assert.Len(t, comments, 2)

	_, body = env.get(t, "/v1/contracts/m1/comments/count")
	assert.JSONEq(t, `{"count":1}`, string(body))

	resp, _ = env.get(t, "/v1/comments/"+created.ID)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = env.get(t, "/v1/comments/missing")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, body = env.get(t, "/v1/comments/recent?limit=5")
	var recent []model.Comment
	require.NoError(t, json.Unmarshal(body, &recent))
	require.Len(t, recent, 1, "hidden comment is filtered for anonymous viewers")
	assert.Equal(t, created.ID, recent[0].ID)
}

func TestPostCommentValidation(t *testing.T) {
	env := newTestEnv(t, &stubLookuper{}, Options{MaxBodySize: 64})

	resp, _ := env.post(t, "/v1/contracts/m1/comments", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.post(t, "/v1/contracts/m1/comments", `{"userId":"u1"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	big := `{"userId":"u1","content":"` + strings.Repeat("x", 200) + `"}`
	resp, _ = env.post(t, "/v1/contracts/m1/comments", big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func dialRealtime(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/v1/realtime"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func call(t *testing.T, conn *websocket.Conn, id int64, method string, params any) *jsonrpc.Response {
	t.Helper()
	req, err := jsonrpc.NewRequest(method, params, jsonrpc.NewIDInt(id))
	require.NoError(t, err)
	data, err := req.Bytes()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	resp, err := jsonrpc.ParseResponse(msg)
	require.NoError(t, err)
	return resp
}

func TestRealtimeSubscribeReceivesComments(t *testing.T) {
	env := newTestEnv(t, &stubLookuper{}, Options{MaxSubscriptions: 2})
	conn := dialRealtime(t, env)

	resp := call(t, conn, 1, jsonrpc.MethodRealtimeSubscribe, []any{"contract_comments", map[string]string{"k": "contract_id", "v": "m1"}})
	require.False(t, resp.HasError())
	var subID string
	require.NoError(t, json.Unmarshal(resp.Result, &subID))

	r, _ := env.post(t, "/v1/contracts/m2/comments", `{"userId":"u1","content":"elsewhere"}`)
	require.Equal(t, http.StatusCreated, r.StatusCode)
	r, _ = env.post(t, "/v1/contracts/m1/comments", `{"userId":"u1","content":"here"}`)
	require.Equal(t, http.StatusCreated, r.StatusCode)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var note jsonrpc.SubscriptionNotification
	require.NoError(t, json.Unmarshal(msg, &note))
	assert.Equal(t, jsonrpc.MethodRealtimeSubscription, note.Method)
	assert.Equal(t, subID, note.Params.Subscription)

	var change realtime.Change
	require.NoError(t, json.Unmarshal(note.Params.Result, &change))
	assert.Equal(t, realtime.EventInsert, change.EventType)
	assert.True(t, bytes.Contains(change.New, []byte(`"content":"here"`)))

	resp = call(t, conn, 2, jsonrpc.MethodRealtimeUnsubscribe, []string{subID})
	assert.JSONEq(t, "true", string(resp.Result))
	resp = call(t, conn, 3, jsonrpc.MethodRealtimeUnsubscribe, []string{subID})
	assert.JSONEq(t, "false", string(resp.Result))
}

func TestRealtimeLimitsAndErrors(t *testing.T) {
	env := newTestEnv(t, &stubLookuper{}, Options{MaxSubscriptions: 1})
	conn := dialRealtime(t, env)

	resp := call(t, conn, 1, jsonrpc.MethodRealtimeSubscribe, []any{"contract_comments"})
	require.False(t, resp.HasError())

	resp = call(t, conn, 2, jsonrpc.MethodRealtimeSubscribe, []any{"contract_comments"})
	require.True(t, resp.HasError())
	assert.Equal(t, jsonrpc.CodeTooManySubs, resp.Error.Code)

	resp = call(t, conn, 3, "comments_list", []any{})
	require.True(t, resp.HasError())
	assert.Equal(t, jsonrpc.CodeMethodNotFound, resp.Error.Code)

	resp = call(t, conn, 4, jsonrpc.MethodRealtimeSubscribe, []any{})
	require.True(t, resp.HasError())
	assert.Equal(t, jsonrpc.CodeInvalidParams, resp.Error.Code)
}

func TestRealtimeFeedsRemoteFeedClient(t *testing.T) {
	env := newTestEnv(t, &stubLookuper{}, Options{})

	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/v1/realtime"
	feed := realtime.NewFeedClient(realtime.FeedConfig{URL: url}, zerolog.Nop())
	require.NoError(t, feed.Connect(context.Background()))
	defer feed.Close()

	downstream := realtime.NewHub(0, zerolog.Nop())
	defer downstream.Close()
	downstream.Register("gateway", feed)

	store := &remoteCommentStore{}
	sync, err := realtime.NewCommentSync(context.Background(), downstream, store, "m1", "", realtime.LoadNewerConfig{}, zerolog.Nop())
	require.NoError(t, err)
	defer sync.Close()

	r, _ := env.post(t, "/v1/contracts/m1/comments", `{"userId":"u1","content":"over the wire"}`)
	require.Equal(t, http.StatusCreated, r.StatusCode)

	require.Eventually(t, func() bool { return sync.Len() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "over the wire", sync.Comments()[0].Content)
}

// remoteCommentStore is an empty CommentStore for a downstream sync
type remoteCommentStore struct{}

func (remoteCommentStore) CommentRows(ctx context.Context, contractID string) ([]model.Comment, error) {
	return nil, nil
}

func (remoteCommentStore) NewCommentRows(ctx context.Context, contractID string, after time.Time, viewerID string) ([]model.Comment, error) {
	return nil, nil
}

func (remoteCommentStore) RecentCommentRows(ctx context.Context, limit int) ([]model.Comment, error) {
	return nil, nil
}
