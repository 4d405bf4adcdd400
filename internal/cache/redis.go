package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisOptions configures a RedisCache
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

// RedisCache stores values in Redis so several gateway instances share them
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRedisCache connects to Redis and verifies the connection
func NewRedisCache(ctx context.Context, opts RedisOptions, logger zerolog.Logger) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}

	return &RedisCache{
		client: client,
		prefix: opts.KeyPrefix,
		ttl:    opts.TTL,
		logger: logger.With().Str("component", "redis-cache").Logger(),
	}, nil
}

// Get retrieves a value from Redis. Errors other than a missing key are
// logged and reported as a miss.
func (rc *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	data, err := rc.client.Get(ctx, rc.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			rc.logger.Warn().Err(err).Str("key", key).Msg("cache get failed")
		}
		return nil, false
	}
	return data, true
}

// Set stores a value in Redis with the configured TTL
func (rc *RedisCache) Set(ctx context.Context, key string, value []byte) {
	if err := rc.client.Set(ctx, rc.prefix+key, value, rc.ttl).Err(); err != nil {
		rc.logger.Warn().Err(err).Str("key", key).Msg("cache set failed")
	}
}

// Close closes the Redis client
func (rc *RedisCache) Close() error {
	return rc.client.Close()
}
