package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gbear605/manifold/internal/config"
	"github.com/gbear605/manifold/internal/jsonrpc"
	"github.com/gbear605/manifold/internal/model"
)

// newMarketServer answers markets-by-ids with a single known contract
func newMarketServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		req, err := jsonrpc.ParseRequest(body)
		require.NoError(t, err)

		var params [][]string
		require.NoError(t, json.Unmarshal(req.Params, &params))
		var out []*model.Contract
		for _, id := range params[0] {
			if id == "c1" {
				out = append(out, &model.Contract{ID: "c1", Question: "Will it rain?"})
			}
		}
		resp, _ := jsonrpc.NewResponse(req.ID, out)
		data, _ := resp.Bytes()
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func loadTestConfig(t *testing.T, docURL string) *config.Config {
	t.Helper()
	t.Setenv("MANIFOLD_STORAGE_PATH", filepath.Join(t.TempDir(), "gateway.db"))
	t.Setenv("MANIFOLD_CACHE_ENABLED", "true")
	t.Setenv("MANIFOLD_BATCHING_DELAY", "1")
	if docURL != "" {
		t.Setenv("MANIFOLD_DOCUMENT_API_URL", docURL)
	}
	cfg, err := config.Load("")
	require.NoError(t, err)
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config) (*Server, *httptest.Server) {
	t.Helper()
	srv, err := New(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, srv.Stop(ctx))
	})
	return srv, ts
}

func getBody(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(data)
}

func TestServer_EndToEnd(t *testing.T) {
	docs := newMarketServer(t)
	srv, ts := newTestServer(t, loadTestConfig(t, docs.URL))

	status, body := getBody(t, ts.URL+"/healthz")
	require.Equal(t, http.StatusOK, status)
	var health map[string]string
	require.NoError(t, json.Unmarshal([]byte(body), &health))
	assert.Equal(t, "ok", health["store"])
	assert.Equal(t, "closed", health["documentApi"])
	assert.Equal(t, "idle", health["batcher"])

	status, body = getBody(t, ts.URL+"/v1/lookup/markets/c1")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "Will it rain?")

	stored, err := srv.Store().MarketsByIDs(context.Background(), []string{"c1"})
	require.NoError(t, err)
	require.Len(t, stored, 1, "markets are written through to the store")

	status, body = getBody(t, ts.URL+"/metrics")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "manifold_batcher_pending_waiters")
	assert.Contains(t, body, "manifold_realtime_subscriptions 1")
}

func TestServer_UpstreamFeed(t *testing.T) {
	_, upstream := newTestServer(t, loadTestConfig(t, ""))

	cfg := loadTestConfig(t, "")
	cfg.Realtime.FeedURL = "ws" + strings.TrimPrefix(upstream.URL, "http") + "/v1/realtime"
	_, ts := newTestServer(t, cfg)

	status, body := getBody(t, ts.URL+"/healthz")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `"feed":"connected"`)

	resp, err := http.Post(upstream.URL+"/v1/contracts/m1/comments", "application/json",
		strings.NewReader(`{"userId":"u1","content":"from upstream"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	require.Eventually(t, func() bool {
		_, body := getBody(t, ts.URL+"/v1/comments/recent")
		return strings.Contains(body, "from upstream")
	}, 5*time.Second, 20*time.Millisecond)
}

func TestNew_BadStoragePath(t *testing.T) {
	cfg := loadTestConfig(t, "")
	cfg.Storage.Path = filepath.Join(t.TempDir(), "missing", "dir", "gateway.db")
	_, err := New(context.Background(), cfg, zerolog.Nop())
	require.Error(t, err)
}
