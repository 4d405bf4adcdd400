package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "MANIFOLD_"

// Load reads the configuration file, applies environment overrides and
// defaults, and validates the result. An empty path loads from the
// environment only. Files ending in .yaml or .yml are parsed as YAML,
// everything else as JSON.
func Load(path string) (*Config, error) {
	cfg := newConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := parse(path, data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// newConfig returns a config with boolean defaults preset, since a false
// zero value cannot be told apart from an explicit false after parsing
func newConfig() *Config {
	return &Config{
		DocumentAPI: DocumentAPIConfig{
			CircuitBreaker: CircuitBreakerConfig{Enabled: true},
		},
		Metrics: MetricsConfig{Enabled: true},
	}
}

func parse(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

// applyDefaults sets default values for unset fields
func applyDefaults(cfg *Config) {
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	if cfg.LookupTimeout == 0 {
		cfg.LookupTimeout = DefaultLookupTimeout
	}
	if cfg.MaxBodySize == 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}

	if cfg.Batching.Delay == 0 {
		cfg.Batching.Delay = DefaultBatchDelay
	}
	// MaxBatchSize default is 0, which disables the limit

	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = DefaultCacheBackend
	}
	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = DefaultCacheTTL
	}
	if cfg.Cache.Size == 0 {
		cfg.Cache.Size = DefaultCacheSize
	}
	if cfg.Cache.KeyPrefix == "" {
		cfg.Cache.KeyPrefix = DefaultCacheKeyPrefix
	}

	if cfg.Storage.Path == "" {
		cfg.Storage.Path = DefaultStoragePath
	}

	if cfg.DocumentAPI.RequestTimeout == 0 {
		cfg.DocumentAPI.RequestTimeout = DefaultRequestTimeout
	}
	cb := &cfg.DocumentAPI.CircuitBreaker
	if cb.FailureThreshold == 0 {
		cb.FailureThreshold = DefaultFailureThreshold
	}
	if cb.RecoveryTimeout == 0 {
		cb.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if cb.HalfOpenMaxRequests == 0 {
		cb.HalfOpenMaxRequests = DefaultHalfOpenMaxRequests
	}

	if cfg.Realtime.LoadNewerAttempts == 0 {
		cfg.Realtime.LoadNewerAttempts = DefaultLoadNewerAttempts
	}
	if cfg.Realtime.LoadNewerBackoff == 0 {
		cfg.Realtime.LoadNewerBackoff = DefaultLoadNewerBackoff
	}
	if cfg.Realtime.ReconnectInterval == 0 {
		cfg.Realtime.ReconnectInterval = DefaultReconnectInterval
	}
	if cfg.Realtime.MaxSubscriptions == 0 {
		cfg.Realtime.MaxSubscriptions = DefaultMaxSubscriptions
	}
	if cfg.Realtime.RecentCommentLimit == 0 {
		cfg.Realtime.RecentCommentLimit = DefaultRecentCommentLimit
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = DefaultMetricsPath
	}
}

// validate checks the configuration for errors
func validate(cfg *Config) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[cfg.LogLevel] {
		return fmt.Errorf("logLevel must be one of: debug, info, warn, error")
	}

	if cfg.LookupTimeout < 0 {
		return fmt.Errorf("lookupTimeout must be non-negative")
	}

	if cfg.Batching.Delay < 0 {
		return fmt.Errorf("batching.delay must be non-negative")
	}
	if cfg.Batching.MaxBatchSize < 0 {
		return fmt.Errorf("batching.maxBatchSize must be non-negative")
	}

	if cfg.Cache.Enabled {
		switch cfg.Cache.Backend {
		case CacheBackendMemory:
			if cfg.Cache.Size <= 0 {
				return fmt.Errorf("cache.size must be positive when cache is enabled")
			}
		case CacheBackendRedis:
			if cfg.Cache.RedisAddr == "" {
				return errors.New("cache.redisAddr is required for the redis backend")
			}
		default:
			return fmt.Errorf("cache.backend must be '%s' or '%s'", CacheBackendMemory, CacheBackendRedis)
		}
		if cfg.Cache.TTL <= 0 {
			return fmt.Errorf("cache.ttl must be positive when cache is enabled")
		}
	}

	if cfg.DocumentAPI.URL != "" {
		if !strings.HasPrefix(cfg.DocumentAPI.URL, "http://") && !strings.HasPrefix(cfg.DocumentAPI.URL, "https://") {
			return fmt.Errorf("documentApi.url must be an http or https URL")
		}
	}
	if cfg.DocumentAPI.RequestTimeout < 0 {
		return fmt.Errorf("documentApi.requestTimeout must be non-negative")
	}

	if cfg.Realtime.LoadNewerAttempts < 0 {
		return fmt.Errorf("realtime.loadNewerAttempts must be non-negative")
	}
	if cfg.Realtime.FeedURL != "" {
		if !strings.HasPrefix(cfg.Realtime.FeedURL, "ws://") && !strings.HasPrefix(cfg.Realtime.FeedURL, "wss://") {
			return fmt.Errorf("realtime.feedUrl must be a ws or wss URL")
		}
	}

	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with '/'")
	}

	return nil
}
