// Package cache implements the result cache: a Storage contract, key
// matching strategies and the Manager that accounts hits and savings.
package cache

import (
	"context"
	"time"

	"github.com/pario-ai/weave/pkg/models"
)

// Storage persists cache entries. Implementations must be safe for concurrent use.
type Storage interface {
	// Get returns the entry for key. A missing key is (zero, false, nil).
	Get(ctx context.Context, key string) (models.CacheEntry, bool, error)
	// Set inserts or replaces the entry for key.
	Set(ctx context.Context, key string, entry models.CacheEntry) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Clear removes every entry.
	Clear(ctx context.Context) error
}

// KeyLister is implemented by storages that can enumerate their keys.
// Semantic matching requires it.
type KeyLister interface {
	ListKeys(ctx context.Context) ([]string, error)
}

// Toucher is implemented by storages that can record a hit in place. Touch
// increments the hit count of key and sets its last access time, but only
// while the stored entry still has the given CreatedAt. It reports whether
// the entry was updated.
type Toucher interface {
	Touch(ctx context.Context, key string, createdAt, accessedAt time.Time) (bool, error)
}
