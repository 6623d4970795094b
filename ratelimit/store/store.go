// Package store provides counter backends for fixed-window rate limiting.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is wrapped into every error caused by the backing store
// failing to complete an operation (connection refused, timeouts, protocol
// errors, cancelled contexts). Callers match it with errors.Is.
var ErrUnavailable = errors.New("store unavailable")

// Store defines the interface for rate limit counter backends.
// Implementations must be safe for concurrent use.
type Store interface {
	// Increment atomically increments the counter for key and returns the new
	// count and the time left in the window. When the increment creates the
	// counter (count == 1) its expiry is set to window; later increments never
	// refresh the expiry.
	Increment(ctx context.Context, key string, window time.Duration) (count int64, ttl time.Duration, err error)

	// Get retrieves the current count for the given key without incrementing.
	// Returns 0 if the key doesn't exist.
	Get(ctx context.Context, key string) (int64, error)

	// Reset removes the counter for the given key.
	Reset(ctx context.Context, key string) error

	// Close releases any resources held by the store.
	Close() error
}
