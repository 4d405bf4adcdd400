package config

import (
	"net"
	"strconv"
	"time"
)

// Cache backends
const (
	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
)

// Config represents the main configuration structure
type Config struct {
	Host          string `json:"host" yaml:"host" env:"HOST"`
	Port          int    `json:"port" yaml:"port" env:"PORT"`
	LogLevel      string `json:"logLevel" yaml:"logLevel" env:"LOG_LEVEL"`
	LookupTimeout int    `json:"lookupTimeout" yaml:"lookupTimeout" env:"LOOKUP_TIMEOUT"` // ms - upper bound for a blocking HTTP lookup
	MaxBodySize   int64  `json:"maxBodySize" yaml:"maxBodySize" env:"MAX_BODY_SIZE"`

	Batching    BatchingConfig    `json:"batching" yaml:"batching" envPrefix:"BATCHING_"`
	Cache       CacheConfig       `json:"cache" yaml:"cache" envPrefix:"CACHE_"`
	Storage     StorageConfig     `json:"storage" yaml:"storage" envPrefix:"STORAGE_"`
	DocumentAPI DocumentAPIConfig `json:"documentApi" yaml:"documentApi" envPrefix:"DOCUMENT_API_"`
	Realtime    RealtimeConfig    `json:"realtime" yaml:"realtime" envPrefix:"REALTIME_"`
	Metrics     MetricsConfig     `json:"metrics" yaml:"metrics" envPrefix:"METRICS_"`
}

// BatchingConfig configures the batch coordinator
type BatchingConfig struct {
	Delay        int `json:"delay" yaml:"delay" env:"DELAY"` // ms
	MaxBatchSize int `json:"maxBatchSize" yaml:"maxBatchSize" env:"MAX_BATCH_SIZE"`
}

// CacheConfig configures the last-known-value cache used by lookups
type CacheConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled" env:"ENABLED"`
	Backend       string `json:"backend" yaml:"backend" env:"BACKEND"`
	TTL           int    `json:"ttl" yaml:"ttl" env:"TTL"`    // seconds
	Size          int    `json:"size" yaml:"size" env:"SIZE"` // number of entries, memory backend only
	RedisAddr     string `json:"redisAddr" yaml:"redisAddr" env:"REDIS_ADDR"`
	RedisPassword string `json:"redisPassword" yaml:"redisPassword" env:"REDIS_PASSWORD"`
	RedisDB       int    `json:"redisDb" yaml:"redisDb" env:"REDIS_DB"`
	KeyPrefix     string `json:"keyPrefix" yaml:"keyPrefix" env:"KEY_PREFIX"`
}

// StorageConfig configures the relational store
type StorageConfig struct {
	Path string `json:"path" yaml:"path" env:"PATH"`
}

// DocumentAPIConfig configures the document API client. An empty URL serves
// markets from the relational store.
type DocumentAPIConfig struct {
	URL            string               `json:"url" yaml:"url" env:"URL"`
	RequestTimeout int                  `json:"requestTimeout" yaml:"requestTimeout" env:"REQUEST_TIMEOUT"` // ms
	CircuitBreaker CircuitBreakerConfig `json:"circuitBreaker" yaml:"circuitBreaker" envPrefix:"CIRCUIT_BREAKER_"`
}

// CircuitBreakerConfig configures the document API circuit breaker
type CircuitBreakerConfig struct {
	Enabled             bool `json:"enabled" yaml:"enabled" env:"ENABLED"`
	FailureThreshold    int  `json:"failureThreshold" yaml:"failureThreshold" env:"FAILURE_THRESHOLD"`
	RecoveryTimeout     int  `json:"recoveryTimeout" yaml:"recoveryTimeout" env:"RECOVERY_TIMEOUT"` // ms
	HalfOpenMaxRequests int  `json:"halfOpenMaxRequests" yaml:"halfOpenMaxRequests" env:"HALF_OPEN_MAX_REQUESTS"`
}

// RealtimeConfig configures realtime comment synchronization
type RealtimeConfig struct {
	LoadNewerAttempts  int    `json:"loadNewerAttempts" yaml:"loadNewerAttempts" env:"LOAD_NEWER_ATTEMPTS"`
	LoadNewerBackoff   int    `json:"loadNewerBackoff" yaml:"loadNewerBackoff" env:"LOAD_NEWER_BACKOFF"` // ms, multiplied by the attempt number
	FeedURL            string `json:"feedUrl" yaml:"feedUrl" env:"FEED_URL"`
	ReconnectInterval  int    `json:"reconnectInterval" yaml:"reconnectInterval" env:"RECONNECT_INTERVAL"` // ms
	MaxSubscriptions   int    `json:"maxSubscriptions" yaml:"maxSubscriptions" env:"MAX_SUBSCRIPTIONS"`    // per websocket client
	RecentCommentLimit int    `json:"recentCommentLimit" yaml:"recentCommentLimit" env:"RECENT_COMMENT_LIMIT"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" env:"ENABLED"`
	Path    string `json:"path" yaml:"path" env:"PATH"`
}

// Default values
const (
	DefaultHost                = "localhost"
	DefaultPort                = 8080
	DefaultLogLevel            = "info"
	DefaultLookupTimeout       = 5000 // ms
	DefaultMaxBodySize         = int64(1 << 20)
	DefaultBatchDelay          = 10 // ms
	DefaultCacheBackend        = CacheBackendMemory
	DefaultCacheTTL            = 300 // seconds
	DefaultCacheSize           = 10000
	DefaultCacheKeyPrefix      = "manifold:"
	DefaultStoragePath         = "manifold.db"
	DefaultRequestTimeout      = 10000 // ms
	DefaultFailureThreshold    = 5
	DefaultRecoveryTimeout     = 30000 // ms
	DefaultHalfOpenMaxRequests = 2
	DefaultLoadNewerAttempts   = 10
	DefaultLoadNewerBackoff    = 100  // ms
	DefaultReconnectInterval   = 5000 // ms
	DefaultMaxSubscriptions    = 100
	DefaultRecentCommentLimit  = 50
	DefaultMetricsPath         = "/metrics"
)

// GetLookupTimeoutDuration returns lookup timeout as time.Duration
func (c *Config) GetLookupTimeoutDuration() time.Duration {
	return time.Duration(c.LookupTimeout) * time.Millisecond
}

// GetDelayDuration returns the batching window as time.Duration
func (c *BatchingConfig) GetDelayDuration() time.Duration {
	return time.Duration(c.Delay) * time.Millisecond
}

// GetTTLDuration returns cache TTL as time.Duration
func (c *CacheConfig) GetTTLDuration() time.Duration {
	return time.Duration(c.TTL) * time.Second
}

// GetRequestTimeoutDuration returns document API request timeout as time.Duration
func (c *DocumentAPIConfig) GetRequestTimeoutDuration() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Millisecond
}

// GetRecoveryTimeoutDuration returns circuit breaker recovery timeout as time.Duration
func (c *CircuitBreakerConfig) GetRecoveryTimeoutDuration() time.Duration {
	return time.Duration(c.RecoveryTimeout) * time.Millisecond
}

// GetLoadNewerBackoffDuration returns the load-newer backoff step as time.Duration
func (c *RealtimeConfig) GetLoadNewerBackoffDuration() time.Duration {
	return time.Duration(c.LoadNewerBackoff) * time.Millisecond
}

// GetReconnectIntervalDuration returns the feed reconnect interval as time.Duration
func (c *RealtimeConfig) GetReconnectIntervalDuration() time.Duration {
	return time.Duration(c.ReconnectInterval) * time.Millisecond
}

// IsCacheEnabled returns true if the lookup cache is enabled
func (c *Config) IsCacheEnabled() bool {
	return c.Cache.Enabled
}

// UsesDocumentAPI returns true if markets are served by the document API
func (c *Config) UsesDocumentAPI() bool {
	return c.DocumentAPI.URL != ""
}

// Addr returns the listen address
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
