// Package cache defines the layer contract of the read-through directory
// cache. Values are opaque encoded bytes; callers choose the encoding.
package cache

import (
	"context"
	"time"
)

// Layer defines the interface that all cache layer implementations must satisfy.
type Layer interface {
	// Get returns the stored bytes, or ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key for ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error

	// Name returns the identifier for this cache layer (e.g., "L1", "redis").
	// Used for logging and metrics.
	Name() string

	// Close releases any resources held by the cache layer.
	Close() error
}
