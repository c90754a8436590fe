// Package cache provides the key/value cache the engine puts in front
// of assignments, experiment records, and computed results. The cache
// only bounds redundant work; it is never a correctness mechanism, so
// every operation is safe to fail towards a miss.
package cache

import (
	"context"
	"time"
)

// Cache is a TTL key/value store. Values are serialized bytes; callers
// own the encoding.
type Cache interface {
	// Get returns (nil, false, nil) on a miss or expired entry.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key for ttl. A ttl of 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	Close() error
}
