package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrScript is a Lua script that atomically increments a counter and sets its
// expiration. This ensures that the INCR, EXPIRE, and TTL operations happen
// atomically without other clients interleaving commands. Returns [count, ttl]
// where count is the new value and ttl is the remaining time in seconds.
var incrScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
    redis.call('EXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('TTL', KEYS[1])
return {count, ttl}
`)

// Redis is a Redis-backed implementation of Store suitable for deployments
// where the ephemeral tier is shared across bot instances. Counter updates go
// through a Lua script so budget accounting stays accurate across instances.
type Redis struct {
	client *redis.Client
	prefix string
}

// RedisConfig holds configuration for the Redis connection.
// All fields should be populated explicitly by your application code from
// environment variables, config files, or other sources.
type RedisConfig struct {
	// URL is the Redis server address (e.g., "localhost:6379")
	URL string

	// Password for Redis authentication (optional, leave empty if not needed)
	Password string

	// DB is the Redis database number (0-15, default: 0)
	DB int

	// Prefix is prepended to all keys to namespace chatguard data (default: "chatguard:")
	Prefix string

	// DialTimeout is the timeout for establishing new connections (default: 5s)
	DialTimeout time.Duration

	// ReadTimeout is the timeout for socket reads (default: 3s)
	ReadTimeout time.Duration

	// WriteTimeout is the timeout for socket writes (default: ReadTimeout)
	WriteTimeout time.Duration
}

// NewRedis creates a Redis store with the given configuration.
// Validates the connection with a ping before returning. Returns an error if
// the connection cannot be established within 5 seconds.
func NewRedis(config RedisConfig) (*Redis, error) {
	if config.Prefix == "" {
		config.Prefix = "chatguard:"
	}

	opts := &redis.Options{
		Addr:     config.URL,
		Password: config.Password,
		DB:       config.DB,
	}

	if config.DialTimeout > 0 {
		opts.DialTimeout = config.DialTimeout
	}
	if config.ReadTimeout > 0 {
		opts.ReadTimeout = config.ReadTimeout
	}
	if config.WriteTimeout > 0 {
		opts.WriteTimeout = config.WriteTimeout
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Redis{
		client: client,
		prefix: config.Prefix,
	}, nil
}

// Increment atomically increments the counter for the given key using a Lua
// script. Returns the new count, time remaining until the window resets, and
// any error.
func (r *Redis) Increment(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	fullKey := r.prefix + key

	result, err := incrScript.Run(ctx, r.client, []string{fullKey}, int(window.Seconds())).Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("redis increment failed: %w", err)
	}

	if len(result) != 2 {
		return 0, 0, fmt.Errorf("unexpected result length: got %d, want 2", len(result))
	}

	count, ok := result[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected type for count: %T", result[0])
	}

	ttlSeconds, ok := result[1].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected type for ttl: %T", result[1])
	}

	ttl := time.Duration(ttlSeconds) * time.Second

	return count, ttl, nil
}

// GetCount retrieves the current counter value without incrementing.
// Returns 0 if the key doesn't exist or has expired.
func (r *Redis) GetCount(ctx context.Context, key string) (int64, error) {
	val, err := r.client.Get(ctx, r.prefix+key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get failed: %w", err)
	}
	return val, nil
}

// Reset removes the counter for the given key.
func (r *Redis) Reset(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis reset failed: %w", err)
	}
	return nil
}

// SetBytes stores a value under the key with the given TTL.
func (r *Redis) SetBytes(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// GetBytes retrieves the value stored under the key.
func (r *Redis) GetBytes(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get failed: %w", err)
	}
	return val, true, nil
}

// Delete removes the value stored under the key.
func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

// Close releases the Redis client connection.
func (r *Redis) Close() error {
	return r.client.Close()
}
