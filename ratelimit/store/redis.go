package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces every key written by a Redis store.
const DefaultPrefix = "ratelimit:"

// incrScript increments KEYS[1] and, only when that increment created the key,
// sets its expiry to ARGV[1] milliseconds. Running both inside one script keeps
// concurrent first requests from each seeing count 1 without an expiry, and
// keeps a late PEXPIRE from restarting a window that is already ticking.
// Returns {count, pttl}.
var incrScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
return {count, ttl}
`)

// Redis is a Redis-backed Store for distributed deployments. Every instance
// talking to the same Redis shares the same counters.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// RedisConfig holds configuration for the Redis connection.
// All fields should be populated explicitly by your application code; the
// store never reads environment variables.
type RedisConfig struct {
	// URL is the Redis server address (e.g., "localhost:6379")
	URL string

	// Password for Redis authentication (optional)
	Password string

	// DB is the Redis database number (default: 0)
	DB int

	// Prefix is prepended to all keys (default: "ratelimit:")
	Prefix string

	// PoolSize is the maximum number of connections (default: 10 * runtime.GOMAXPROCS)
	PoolSize int

	// MinIdleConns is the minimum number of idle connections (default: 0)
	MinIdleConns int

	// MaxRetries is the number of transport-level retries (default: 3, -1 disables)
	MaxRetries int

	// DialTimeout is the timeout for establishing new connections (default: 5s)
	DialTimeout time.Duration

	// ReadTimeout is the timeout for socket reads (default: 3s)
	ReadTimeout time.Duration

	// WriteTimeout is the timeout for socket writes (default: ReadTimeout)
	WriteTimeout time.Duration
}

// NewRedis creates a Redis store with the given configuration and verifies the
// connection with a ping bounded by 5 seconds.
//
// Example:
//
//	st, err := store.NewRedis(store.RedisConfig{
//		URL:    "localhost:6379",
//		Prefix: "api:",
//	})
func NewRedis(config RedisConfig) (*Redis, error) {
	if config.URL == "" {
		return nil, errors.New("redis store: URL is required")
	}
	if config.Prefix == "" {
		config.Prefix = DefaultPrefix
	}

	client := redis.NewClient(&redis.Options{
		Addr:         config.URL,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
		MaxRetries:   config.MaxRetries,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: redis ping failed: %w", ErrUnavailable, err)
	}

	return &Redis{client: client, prefix: config.Prefix}, nil
}

// NewRedisFromClient wraps an existing client (single node, cluster, or
// sentinel). No connectivity check is made; failures surface on first use.
// An empty prefix selects DefaultPrefix. Close closes the client.
func NewRedisFromClient(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Redis{client: client, prefix: prefix}
}

// Increment runs the increment script in a single round trip.
func (r *Redis) Increment(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	vals, err := incrScript.Run(ctx, r.client, []string{r.prefix + key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("%w: redis increment failed: %w", ErrUnavailable, err)
	}
	if len(vals) != 2 {
		return 0, 0, fmt.Errorf("%w: redis increment returned %d values", ErrUnavailable, len(vals))
	}

	// PTTL is negative when the key has no expiry or vanished between calls.
	ttl := time.Duration(vals[1]) * time.Millisecond
	if ttl < 0 {
		ttl = window
	}
	return vals[0], ttl, nil
}

// Get retrieves the current count for the given key without incrementing.
func (r *Redis) Get(ctx context.Context, key string) (int64, error) {
	val, err := r.client.Get(ctx, r.prefix+key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: redis get failed: %w", ErrUnavailable, err)
	}
	return val, nil
}

// Reset removes the counter for the given key.
func (r *Redis) Reset(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("%w: redis reset failed: %w", ErrUnavailable, err)
	}
	return nil
}

// Close releases resources held by the Redis client.
func (r *Redis) Close() error {
	return r.client.Close()
}
