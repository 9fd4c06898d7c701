// Package coordination provides the shared key/value store used for
// per-conversation mutual exclusion and short-lived message buffering.
// It is never a system of record.
package coordination

import (
	"context"
	"time"
)

// Store is the coordination contract. Implementations must make
// SetIfNotExists and Drain atomic; no cross-key transactions are assumed.
type Store interface {
	// SetIfNotExists sets key to value with ttl only if key is absent.
	SetIfNotExists(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Expire refreshes the time-to-live of key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// ListAppend appends value to the list stored at key.
	ListAppend(ctx context.Context, key, value string) error

	// ListRange returns every element of the list stored at key.
	ListRange(ctx context.Context, key string) ([]string, error)

	// Drain atomically returns every element of the list and deletes it.
	Drain(ctx context.Context, key string) ([]string, error)

	// Delete removes key.
	Delete(ctx context.Context, key string) error
}
