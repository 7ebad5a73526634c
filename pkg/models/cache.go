package models

import (
	"encoding/json"
	"time"
)

// TokenCount holds the input and output token counts of one provider call.
type TokenCount struct {
	Input  int `json:"input" yaml:"input"`
	Output int `json:"output" yaml:"output"`
}

// Total returns input plus output tokens.
func (t TokenCount) Total() int {
	return t.Input + t.Output
}

// CacheMetadata describes a cached result. Only HitCount and LastAccessedAt
// change after the entry is stored.
type CacheMetadata struct {
	CreatedAt      time.Time     `json:"created_at"`
	TTL            time.Duration `json:"ttl"`
	Cost           float64       `json:"cost"`
	Latency        time.Duration `json:"latency"`
	TokenCount     TokenCount    `json:"token_count"`
	HitCount       int64         `json:"hit_count"`
	LastAccessedAt time.Time     `json:"last_accessed_at,omitempty"`
}

// Expired reports whether CreatedAt+TTL lies before now. A non-positive TTL never expires.
func (m CacheMetadata) Expired(now time.Time) bool {
	if m.TTL <= 0 {
		return false
	}
	return m.CreatedAt.Add(m.TTL).Before(now)
}

// CacheEntry stores a cached operation result.
type CacheEntry struct {
	Key      string          `json:"key"`
	Data     json.RawMessage `json:"data"`
	Metadata CacheMetadata   `json:"metadata"`
}

// CacheSavings is what a hit saved compared to calling the provider.
type CacheSavings struct {
	Cost    float64       `json:"cost"`
	Latency time.Duration `json:"latency"`
}

// CacheStats reports cache performance metrics.
type CacheStats struct {
	TotalQueries int64         `json:"total_queries"`
	Hits         int64         `json:"hits"`
	Misses       int64         `json:"misses"`
	HitRate      float64       `json:"hit_rate"`
	Stores       int64         `json:"stores"`
	Errors       int64         `json:"errors"`
	CostSaved    float64       `json:"cost_saved"`
	LatencySaved time.Duration `json:"latency_saved"`
}
