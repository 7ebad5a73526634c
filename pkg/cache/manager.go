package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pario-ai/weave/pkg/models"
	"github.com/pario-ai/weave/pkg/observe"
)

// DefaultTTL applies to entries stored without their own TTL.
const DefaultTTL = 10 * time.Minute

// Result is the outcome of a Query.
type Result struct {
	Hit     bool
	Key     string // stored key that answered, differs from the query key on a semantic hit
	Data    json.RawMessage
	Savings models.CacheSavings
	Entry   models.CacheEntry
}

// Manager answers queries from a Storage and keeps hit/miss statistics.
// Storage failures are logged and degrade to misses. Concurrent Store calls
// for one key are last-write-wins.
type Manager struct {
	storage Storage
	matcher Matcher
	enabled bool
	ttl     time.Duration
	now     func() time.Time
	logger  zerolog.Logger

	semantic *semanticOption

	mu    sync.Mutex
	stats models.CacheStats
	hub   observe.Hub[models.CacheStats]
}

type semanticOption struct {
	embedder  Embedder
	threshold float64
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL sets the default entry TTL. Zero or negative disables expiry.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.ttl = ttl }
}

// WithEnabled turns the cache on or off. A disabled cache misses every query
// and ignores stores.
func WithEnabled(enabled bool) Option {
	return func(m *Manager) { m.enabled = enabled }
}

// WithMatcher sets the strategy used after an exact miss.
func WithMatcher(matcher Matcher) Option {
	return func(m *Manager) { m.matcher = matcher }
}

// WithSemantic enables semantic matching over the storage's keys. The
// storage must implement KeyLister; otherwise matching stays exact.
func WithSemantic(embedder Embedder, threshold float64) Option {
	return func(m *Manager) { m.semantic = &semanticOption{embedder: embedder, threshold: threshold} }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l.With().Str("component", "cache").Logger() }
}

// NewManager creates a Manager over storage.
func NewManager(storage Storage, opts ...Option) *Manager {
	m := &Manager{
		storage: storage,
		matcher: ExactMatcher{},
		enabled: true,
		ttl:     DefaultTTL,
		now:     time.Now,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.semantic != nil {
		if lister, ok := storage.(KeyLister); ok {
			m.matcher = NewSemanticMatcher(lister, m.semantic.embedder, m.semantic.threshold)
		} else {
			m.logger.Warn().Msg("storage cannot list keys, semantic matching falls back to exact")
		}
	}
	return m
}

// Enabled reports whether the cache answers queries.
func (m *Manager) Enabled() bool {
	return m.enabled
}

// Query looks key up. Expired entries are deleted and reported as misses.
func (m *Manager) Query(ctx context.Context, key string) Result {
	if !m.enabled {
		return Result{}
	}

	entry, found, err := m.lookup(ctx, key)
	if err != nil {
		m.logger.Warn().Err(err).Str("key", key).Msg("cache lookup failed")
		m.record(func(s *models.CacheStats) { s.Misses++; s.Errors++ })
		return Result{}
	}

	now := m.now()
	if found && entry.Metadata.Expired(now) {
		if err := m.storage.Delete(ctx, entry.Key); err != nil {
			m.logger.Warn().Err(err).Str("key", entry.Key).Msg("evict expired entry")
		}
		found = false
	}
	if !found {
		m.record(func(s *models.CacheStats) { s.Misses++ })
		return Result{}
	}

	if err := m.touch(ctx, entry.Key, entry.Metadata.CreatedAt, now); err != nil {
		m.logger.Warn().Err(err).Str("key", entry.Key).Msg("update hit count")
	}
	entry.Metadata.HitCount++
	entry.Metadata.LastAccessedAt = now

	savings := models.CacheSavings{Cost: entry.Metadata.Cost, Latency: entry.Metadata.Latency}
	m.record(func(s *models.CacheStats) {
		s.Hits++
		s.CostSaved += savings.Cost
		s.LatencySaved += savings.Latency
	})
	m.logger.Debug().Str("key", entry.Key).Bool("semantic", entry.Key != key).Msg("cache hit")

	return Result{
		Hit:     true,
		Key:     entry.Key,
		Data:    entry.Data,
		Savings: savings,
		Entry:   entry,
	}
}

// touch records a hit without rewriting the payload. An entry replaced by a
// newer Store since it was read is left alone.
func (m *Manager) touch(ctx context.Context, key string, createdAt, now time.Time) error {
	if t, ok := m.storage.(Toucher); ok {
		_, err := t.Touch(ctx, key, createdAt, now)
		return err
	}

	current, found, err := m.storage.Get(ctx, key)
	if err != nil || !found || !current.Metadata.CreatedAt.Equal(createdAt) {
		return err
	}
	current.Metadata.HitCount++
	current.Metadata.LastAccessedAt = now
	return m.storage.Set(ctx, key, current)
}

func (m *Manager) lookup(ctx context.Context, key string) (models.CacheEntry, bool, error) {
	entry, found, err := m.storage.Get(ctx, key)
	if err != nil || found {
		entry.Key = key
		return entry, found, err
	}

	matched, ok, err := m.matcher.Match(ctx, key)
	if err != nil || !ok {
		return models.CacheEntry{}, false, err
	}
	entry, found, err = m.storage.Get(ctx, matched)
	entry.Key = matched
	return entry, found, err
}

// Store inserts or replaces the entry for key. CreatedAt is stamped now and
// a zero TTL takes the manager default. Failures are logged and returned.
func (m *Manager) Store(ctx context.Context, key string, data json.RawMessage, meta models.CacheMetadata) error {
	if !m.enabled {
		return nil
	}

	meta.CreatedAt = m.now()
	meta.HitCount = 0
	meta.LastAccessedAt = time.Time{}
	if meta.TTL == 0 {
		meta.TTL = m.ttl
	}

	entry := models.CacheEntry{Key: key, Data: data, Metadata: meta}
	if err := m.storage.Set(ctx, key, entry); err != nil {
		m.logger.Warn().Err(err).Str("key", key).Msg("cache store failed")
		m.record(func(s *models.CacheStats) { s.Errors++ })
		return fmt.Errorf("cache store: %w", err)
	}
	m.record(func(s *models.CacheStats) { s.Stores++ })
	return nil
}

// StoreValue marshals v to JSON and stores it.
func (m *Manager) StoreValue(ctx context.Context, key string, v any, meta models.CacheMetadata) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache marshal: %w", err)
	}
	return m.Store(ctx, key, data, meta)
}

// Clear drops every entry and resets the statistics.
func (m *Manager) Clear(ctx context.Context) error {
	err := m.storage.Clear(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("cache clear failed")
	}

	m.mu.Lock()
	m.stats = models.CacheStats{}
	snap := m.stats
	m.mu.Unlock()
	m.hub.Publish(snap)

	if err != nil {
		return fmt.Errorf("cache clear: %w", err)
	}
	return nil
}

// Stats returns a snapshot of the statistics.
func (m *Manager) Stats() models.CacheStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Subscribe registers fn for a statistics snapshot after every change.
func (m *Manager) Subscribe(fn func(models.CacheStats)) (unsubscribe func()) {
	return m.hub.Subscribe(fn)
}

func (m *Manager) record(update func(*models.CacheStats)) {
	m.mu.Lock()
	update(&m.stats)
	m.stats.TotalQueries = m.stats.Hits + m.stats.Misses
	if m.stats.TotalQueries > 0 {
		m.stats.HitRate = float64(m.stats.Hits) / float64(m.stats.TotalQueries)
	}
	snap := m.stats
	m.mu.Unlock()
	m.hub.Publish(snap)
}
