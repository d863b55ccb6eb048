// Package store provides the key-value capability backing chatguard's
// counters, response cache, and hot conversation history.
//
// Two implementations are provided: Memory for single-instance deployments
// and development, and Redis for deployments where the ephemeral tier is
// shared. Components take the Store interface so either can be injected,
// including fakes in tests.
package store

import (
	"context"
	"time"
)

// Store defines the key-value backend for counters and TTL-bounded blobs.
// Implementations must be safe for concurrent use.
type Store interface {
	// Increment increments the counter for the given key and returns the new
	// count and the TTL until the key expires. The counter expires after the
	// window duration, counted from the first increment.
	Increment(ctx context.Context, key string, window time.Duration) (count int64, ttl time.Duration, err error)

	// GetCount retrieves the current counter value without incrementing.
	// Returns 0 if the key doesn't exist or has expired.
	GetCount(ctx context.Context, key string) (int64, error)

	// Reset removes the counter for the given key.
	Reset(ctx context.Context, key string) error

	// SetBytes stores a value under the key with the given TTL, replacing
	// any previous value and refreshing the TTL.
	SetBytes(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// GetBytes retrieves the value stored under the key. The second return
	// is false when the key is missing or expired.
	GetBytes(ctx context.Context, key string) ([]byte, bool, error)

	// Delete removes the value stored under the key.
	Delete(ctx context.Context, key string) error

	// Close releases any resources held by the store.
	Close() error
}
