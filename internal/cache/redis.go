package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mylg-studio/chatsync/pkg/metrics"
)

// Redis is a Store backed by Redis key expiry, so expired entries vanish server-side.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// RedisOptions configures a Redis-backed cache.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// ConnectRedis dials Redis and verifies the connection with PING.
func ConnectRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", opts.Addr, err)
	}
	return NewRedis(client, opts.Prefix), nil
}

// NewRedis wraps an existing client.
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

// Get returns the value for key if it exists.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.RecordCacheLookup("redis", false)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get cache key %s: %w", key, err)
	}
	metrics.RecordCacheLookup("redis", true)
	return data, true, nil
}

// Set stores value under key for ttl.
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.prefix+key, value, effectiveTTL(ttl)).Err(); err != nil {
		return fmt.Errorf("failed to set cache key %s: %w", key, err)
	}
	return nil
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
