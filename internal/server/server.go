// Package server wires the gateway together: relational store, document
// API, batch coordinator, lookup cache, realtime hub and the HTTP surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/gbear605/manifold/internal/backend"
	"github.com/gbear605/manifold/internal/batcher"
	"github.com/gbear605/manifold/internal/cache"
	"github.com/gbear605/manifold/internal/config"
	"github.com/gbear605/manifold/internal/docapi"
	"github.com/gbear605/manifold/internal/model"
	"github.com/gbear605/manifold/internal/realtime"
	"github.com/gbear605/manifold/internal/storage/sqlite"
)

const feedName = "upstream"

// Server represents the main server
type Server struct {
	cfg         *config.Config
	store       *sqlite.Store
	hub         *realtime.Hub
	feed        *realtime.FeedClient
	docs        *docapi.Client
	coordinator *batcher.Coordinator
	cache       cache.Cache
	recent      *realtime.Sync[model.Comment]
	registry    *prometheus.Registry
	api         *API
	httpServer  *http.Server
	logger      zerolog.Logger
}

// New creates a new Server, opening the store and connecting the remote
// feed if one is configured
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	s := &Server{
		cfg:      cfg,
		registry: prometheus.NewRegistry(),
		logger:   logger,
	}
	if err := s.init(ctx); err != nil {
		s.closeComponents(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *Server) init(ctx context.Context) error {
	cfg := s.cfg

	store, err := sqlite.OpenAndMigrate(ctx, cfg.Storage.Path, s.logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	s.store = store
	s.logger.Info().Str("path", cfg.Storage.Path).Msg("store opened")

	s.hub = realtime.NewHub(0, s.logger)
	store.SetPublisher(s.hub)

	var docs backend.Documents
	if cfg.UsesDocumentAPI() {
		s.docs = docapi.NewClient(docapi.Config{
			URL:            cfg.DocumentAPI.URL,
			RequestTimeout: cfg.DocumentAPI.GetRequestTimeoutDuration(),
			CircuitBreaker: docapi.CircuitBreakerConfig{
				Enabled:             cfg.DocumentAPI.CircuitBreaker.Enabled,
				FailureThreshold:    cfg.DocumentAPI.CircuitBreaker.FailureThreshold,
				RecoveryTimeout:     cfg.DocumentAPI.CircuitBreaker.GetRecoveryTimeoutDuration(),
				HalfOpenMaxRequests: cfg.DocumentAPI.CircuitBreaker.HalfOpenMaxRequests,
			},
			Logger: s.logger,
		})
		docs = s.docs
		s.logger.Info().Str("url", cfg.DocumentAPI.URL).Msg("document api enabled")
	} else {
		s.logger.Info().Msg("document api disabled, serving markets from store")
	}

	s.coordinator = batcher.NewCoordinator(backend.New(store, docs, s.logger), batcher.Config{
		Delay:        cfg.Batching.GetDelayDuration(),
		MaxBatchSize: cfg.Batching.MaxBatchSize,
	}, s.logger)

	if cfg.Metrics.Enabled {
		stats, err := batcher.NewPrometheusStats(s.registry)
		if err != nil {
			return fmt.Errorf("failed to register batcher metrics: %w", err)
		}
		s.coordinator.SetStats(stats)
		if err := s.registerGauges(); err != nil {
			return err
		}
	}

	if s.cache, err = newCache(ctx, cfg, s.logger); err != nil {
		return err
	}

	if cfg.Realtime.FeedURL != "" {
		s.feed = realtime.NewFeedClient(realtime.FeedConfig{
			URL:               cfg.Realtime.FeedURL,
			ReconnectInterval: cfg.Realtime.GetReconnectIntervalDuration(),
			PingInterval:      30 * time.Second,
		}, s.logger)
		if err := s.feed.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect realtime feed: %w", err)
		}
		s.hub.Register(feedName, s.feed)
	}

	s.recent, err = realtime.NewRecentComments(ctx, s.hub, store, cfg.Realtime.RecentCommentLimit, s.logger)
	if err != nil {
		return fmt.Errorf("failed to load recent comments: %w", err)
	}

	s.api = NewAPI(s.coordinator, s.cache, store, s.recent, s.hub, s.registry, Options{
		LookupTimeout:    cfg.GetLookupTimeoutDuration(),
		MaxBodySize:      cfg.MaxBodySize,
		MaxSubscriptions: cfg.Realtime.MaxSubscriptions,
		MetricsPath:      s.metricsPath(),
	}, s.logger)
	s.api.SetHealth(s.health)
	return nil
}

func (s *Server) metricsPath() string {
	if !s.cfg.Metrics.Enabled {
		return ""
	}
	return s.cfg.Metrics.Path
}

func (s *Server) registerGauges() error {
	gauges := []prometheus.Collector{
		collectors.NewGoCollector(),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "manifold_batcher_pending_waiters",
			Help: "Callers waiting for the next flush",
		}, func() float64 {
			_, waiters := s.coordinator.Pending()
			return float64(waiters)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "manifold_realtime_subscriptions",
			Help: "Active (table, filter) realtime subscriptions",
		}, func() float64 {
			return float64(s.hub.Subscriptions())
		}),
	}
	for _, g := range gauges {
		if err := s.registry.Register(g); err != nil {
			return fmt.Errorf("failed to register metrics: %w", err)
		}
	}
	return nil
}

// newCache builds the lookup cache the config selects
func newCache(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (cache.Cache, error) {
	if !cfg.IsCacheEnabled() {
		logger.Info().Msg("cache disabled")
		return cache.NewNoopCache(), nil
	}

	switch cfg.Cache.Backend {
	case config.CacheBackendRedis:
		c, err := cache.NewRedisCache(ctx, cache.RedisOptions{
			Addr:      cfg.Cache.RedisAddr,
			Password:  cfg.Cache.RedisPassword,
			DB:        cfg.Cache.RedisDB,
			KeyPrefix: cfg.Cache.KeyPrefix,
			TTL:       cfg.Cache.GetTTLDuration(),
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create cache: %w", err)
		}
		logger.Info().Str("addr", cfg.Cache.RedisAddr).Int("ttl", cfg.Cache.TTL).Msg("redis cache enabled")
		return c, nil
	default:
		c, err := cache.NewMemoryCache(cfg.Cache.Size, cfg.Cache.GetTTLDuration())
		if err != nil {
			return nil, fmt.Errorf("failed to create cache: %w", err)
		}
		logger.Info().Int("size", cfg.Cache.Size).Int("ttl", cfg.Cache.TTL).Msg("memory cache enabled")
		return c, nil
	}
}

func (s *Server) health(ctx context.Context) map[string]string {
	status := map[string]string{
		"store":   "ok",
		"batcher": s.coordinator.State().String(),
	}
	if err := s.store.Ping(ctx); err != nil {
		status["store"] = err.Error()
	}
	if s.docs != nil {
		status["documentApi"] = s.docs.BreakerState()
	}
	if s.feed != nil {
		status["feed"] = "disconnected"
		if s.feed.Connected() {
			status["feed"] = "connected"
		}
	}
	return status
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.api.Routes()
}

// Store returns the relational store
func (s *Server) Store() *sqlite.Store {
	return s.store
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.Addr(),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		s.logger.Info().
			Str("addr", s.httpServer.Addr).
			Msg("starting HTTP server")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	s.logger.Info().
		Str("lookup", fmt.Sprintf("http://%s/v1/lookup/{queryType}/{id}", s.httpServer.Addr)).
		Str("realtime", fmt.Sprintf("ws://%s/v1/realtime", s.httpServer.Addr)).
		Msg("endpoint available")
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("shutting down server...")

	var httpErr error
	if s.httpServer != nil {
		httpErr = s.httpServer.Shutdown(ctx)
	}

	s.closeComponents(ctx)

	if httpErr != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", httpErr)
	}
	s.logger.Info().Msg("server stopped")
	return nil
}

// closeComponents releases everything New opened, in dependency order
func (s *Server) closeComponents(ctx context.Context) {
	if s.recent != nil {
		s.recent.Close()
	}
	if s.feed != nil {
		s.hub.Unregister(feedName)
		s.feed.Close()
	}
	if s.coordinator != nil {
		if err := s.coordinator.Close(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("batch coordinator did not drain")
		}
	}
	if s.hub != nil {
		s.hub.Close()
	}
	if s.docs != nil {
		s.docs.Close()
	}
	if s.cache != nil {
		s.cache.Close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to close store")
		}
	}
}
