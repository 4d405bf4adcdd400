package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/gbear605/manifold/internal/batcher"
	"github.com/gbear605/manifold/internal/cache"
	"github.com/gbear605/manifold/internal/model"
	"github.com/gbear605/manifold/internal/realtime"
)

// Lookuper resolves identifiers through the batch coordinator
type Lookuper interface {
	Subscribe(queryType batcher.QueryType, id string, cb batcher.Callback, opts ...batcher.Option) func()
	Lookup(ctx context.Context, queryType batcher.QueryType, id string, opts ...batcher.Option) (any, error)
}

// CommentStore reads and writes contract comments
type CommentStore interface {
	CommentsByContract(ctx context.Context, contractID, viewerID string) ([]model.Comment, error)
	CountComments(ctx context.Context, contractID string) (int, error)
	Comment(ctx context.Context, commentID string) (model.Comment, error)
	InsertComment(ctx context.Context, c model.Comment) (model.Comment, error)
}

// RecentComments holds the latest comments across contracts
type RecentComments interface {
	Rows() []model.Comment
}

// Options configures an API
type Options struct {
	LookupTimeout    time.Duration
	MaxBodySize      int64
	MaxSubscriptions int
	MetricsPath      string
}

// API serves the gateway HTTP and websocket surface
type API struct {
	lookups  Lookuper
	cache    cache.Cache
	comments CommentStore
	recent   RecentComments
	feed     realtime.ChangeFeed
	gatherer prometheus.Gatherer
	health   func(ctx context.Context) map[string]string
	opts     Options
	logger   zerolog.Logger
}

// NewAPI creates the handler set. recent and gatherer may be nil.
func NewAPI(lookups Lookuper, c cache.Cache, comments CommentStore, recent RecentComments, feed realtime.ChangeFeed, gatherer prometheus.Gatherer, opts Options, logger zerolog.Logger) *API {
	if c == nil {
		c = cache.NewNoopCache()
	}
	return &API{
		lookups:  lookups,
		cache:    c,
		comments: comments,
		recent:   recent,
		feed:     feed,
		gatherer: gatherer,
		opts:     opts,
		logger:   logger.With().Str("component", "api").Logger(),
	}
}

// SetHealth sets the function reporting component status on /healthz
func (a *API) SetHealth(fn func(ctx context.Context) map[string]string) {
	a.health = fn
}

// Routes returns the HTTP handler for every endpoint
func (a *API) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/lookup/{queryType}/{id}", a.handleLookup)
	mux.HandleFunc("GET /v1/contracts/{id}/comments", a.handleContractComments)
	mux.HandleFunc("GET /v1/contracts/{id}/comments/count", a.handleCommentCount)
	mux.HandleFunc("POST /v1/contracts/{id}/comments", a.handlePostComment)
	mux.HandleFunc("GET /v1/comments/recent", a.handleRecentComments)
	mux.HandleFunc("GET /v1/comments/{id}", a.handleComment)
	mux.Handle("GET /v1/realtime", &realtimeHandler{api: a})
	mux.HandleFunc("GET /healthz", a.handleHealth)
	if a.gatherer != nil && a.opts.MetricsPath != "" {
		mux.Handle("GET "+a.opts.MetricsPath, promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// handleLookup serves one batched lookup. A cached last-known value is
// returned immediately and refreshed in the background; fresh=1 skips it.
func (a *API) handleLookup(w http.ResponseWriter, r *http.Request) {
	qt, ok := batcher.ParseQueryType(r.PathValue("queryType"))
	if !ok {
		a.writeError(w, http.StatusNotFound, "unknown query type")
		return
	}
	id := r.PathValue("id")
	userID := r.URL.Query().Get("userId")
	var opts []batcher.Option
	if userID != "" {
		opts = append(opts, batcher.WithUserID(userID))
	}
	key := cache.Key(string(qt), id, userID)

	if r.URL.Query().Get("fresh") != "1" {
		if data, found := a.cache.Get(r.Context(), key); found {
			a.lookups.Subscribe(qt, id, func(value any) {
				a.store(context.Background(), key, value)
			}, opts...)
			w.Header().Set("X-Cache", "HIT")
			a.writeRaw(w, http.StatusOK, data)
			a.logger.Debug().Str("queryType", string(qt)).Str("id", id).Msg("cache hit")
			return
		}
	}

	ctx := r.Context()
	if a.opts.LookupTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.opts.LookupTimeout)
		defer cancel()
	}

	value, err := a.lookups.Lookup(ctx, qt, id, opts...)
	if err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			status = http.StatusGatewayTimeout
		case errors.Is(err, batcher.ErrClosed):
			status = http.StatusServiceUnavailable
		case errors.Is(err, context.Canceled):
			return
		}
		a.logger.Warn().Err(err).Str("queryType", string(qt)).Str("id", id).Msg("lookup failed")
		a.writeError(w, status, err.Error())
		return
	}

	data := a.store(r.Context(), key, value)
	if data == nil {
		a.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("X-Cache", "MISS")
	a.writeRaw(w, http.StatusOK, data)
}

// store encodes value and caches it, returning the encoding
func (a *API) store(ctx context.Context, key string, value any) []byte {
	data, err := json.Marshal(value)
	if err != nil {
		a.logger.Error().Err(err).Str("key", key).Msg("failed to encode lookup value")
		return nil
	}
	a.cache.Set(ctx, key, data)
	return data
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}
	if a.health != nil {
		for k, v := range a.health(r.Context()) {
			status[k] = v
		}
	}
	code := http.StatusOK
	if status["store"] != "" && status["store"] != "ok" {
		code = http.StatusServiceUnavailable
		status["status"] = "degraded"
	}
	a.writeJSON(w, code, status)
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		a.logger.Error().Err(err).Msg("failed to marshal response")
		a.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	a.writeRaw(w, status, data)
}

func (a *API) writeRaw(w http.ResponseWriter, status int, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError writes a JSON error body
func (a *API) writeError(w http.ResponseWriter, status int, message string) {
	data, _ := json.Marshal(map[string]string{"error": message})
	a.writeRaw(w, status, data)
}
