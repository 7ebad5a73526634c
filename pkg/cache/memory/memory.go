// Package memory provides an in-process cache storage.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pario-ai/weave/pkg/models"
)

// SimpleCache is a map-backed cache.Storage and cache.KeyLister.
type SimpleCache struct {
	mu      sync.RWMutex
	entries map[string]models.CacheEntry
}

// New creates an empty SimpleCache.
func New() *SimpleCache {
	return &SimpleCache{entries: make(map[string]models.CacheEntry)}
}

// Get returns the entry for key.
func (c *SimpleCache) Get(_ context.Context, key string) (models.CacheEntry, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	return e, ok, nil
}

// Set stores entry under key.
func (c *SimpleCache) Set(_ context.Context, key string, entry models.CacheEntry) error {
	entry.Key = key
	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()
	return nil
}

// Touch records a hit on key if it still holds the entry created at createdAt.
func (c *SimpleCache) Touch(_ context.Context, key string, createdAt, accessedAt time.Time) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || !e.Metadata.CreatedAt.Equal(createdAt) {
		return false, nil
	}
	e.Metadata.HitCount++
	e.Metadata.LastAccessedAt = accessedAt
	c.entries[key] = e
	return true, nil
}

// Delete removes key.
func (c *SimpleCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

// Clear removes every entry.
func (c *SimpleCache) Clear(context.Context) error {
	c.mu.Lock()
	c.entries = make(map[string]models.CacheEntry)
	c.mu.Unlock()
	return nil
}

// ListKeys returns the stored keys in sorted order.
func (c *SimpleCache) ListKeys(context.Context) ([]string, error) {
	c.mu.RLock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	c.mu.RUnlock()
	sort.Strings(keys)
	return keys, nil
}

// Len returns the number of stored entries, expired ones included.
func (c *SimpleCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
