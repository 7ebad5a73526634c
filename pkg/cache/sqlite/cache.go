// Package sqlite provides a persistent cache storage backed by SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite"

	"github.com/pario-ai/weave/pkg/models"
)

// Storage is a cache.Storage, cache.KeyLister and cache.Toucher backed by SQLite.
// Timestamps are stored as Unix nanoseconds.
type Storage struct {
	db *sql.DB
}

const createCacheTable = `
CREATE TABLE IF NOT EXISTS cache_entries (
	key TEXT PRIMARY KEY,
	data BLOB NOT NULL,
	created_at INTEGER NOT NULL,
	ttl_ns INTEGER NOT NULL DEFAULT 0,
	expires_at INTEGER,
	cost REAL NOT NULL DEFAULT 0,
	latency_ns INTEGER NOT NULL DEFAULT 0,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	hit_count INTEGER NOT NULL DEFAULT 0,
	last_accessed_at INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_cache_expires ON cache_entries(expires_at);
`

var entryColumns = []string{
	"data", "created_at", "ttl_ns", "cost", "latency_ns",
	"input_tokens", "output_tokens", "hit_count", "last_accessed_at",
}

// New opens the database at dbPath and runs auto-migration.
func New(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}

	if _, err := db.Exec(createCacheTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}

	return &Storage{db: db}, nil
}

// Get returns the entry for key.
func (s *Storage) Get(ctx context.Context, key string) (models.CacheEntry, bool, error) {
	query, args, err := sq.Select(entryColumns...).
		From("cache_entries").
		Where(sq.Eq{"key": key}).
		ToSql()
	if err != nil {
		return models.CacheEntry{}, false, fmt.Errorf("build query: %w", err)
	}

	var (
		e                                   = models.CacheEntry{Key: key}
		data                                []byte
		createdAt, ttl, latency, lastAccess int64
	)
	err = s.db.QueryRowContext(ctx, query, args...).Scan(
		&data, &createdAt, &ttl, &e.Metadata.Cost, &latency,
		&e.Metadata.TokenCount.Input, &e.Metadata.TokenCount.Output,
		&e.Metadata.HitCount, &lastAccess,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.CacheEntry{}, false, nil
	}
	if err != nil {
		return models.CacheEntry{}, false, fmt.Errorf("cache get: %w", err)
	}

	e.Data = data
	e.Metadata.CreatedAt = time.Unix(0, createdAt).UTC()
	e.Metadata.TTL = time.Duration(ttl)
	e.Metadata.Latency = time.Duration(latency)
	if lastAccess != 0 {
		e.Metadata.LastAccessedAt = time.Unix(0, lastAccess).UTC()
	}
	return e, true, nil
}

// Set inserts or replaces the entry for key.
func (s *Storage) Set(ctx context.Context, key string, e models.CacheEntry) error {
	md := e.Metadata
	var expiresAt any
	if md.TTL > 0 {
		expiresAt = md.CreatedAt.Add(md.TTL).UnixNano()
	}
	data := []byte(e.Data)
	if data == nil {
		data = []byte{}
	}
	var lastAccess int64
	if !md.LastAccessedAt.IsZero() {
		lastAccess = md.LastAccessedAt.UnixNano()
	}

	query, args, err := sq.Replace("cache_entries").
		Columns("key", "data", "created_at", "ttl_ns", "expires_at", "cost", "latency_ns",
			"input_tokens", "output_tokens", "hit_count", "last_accessed_at").
		Values(key, data, md.CreatedAt.UnixNano(), int64(md.TTL), expiresAt, md.Cost, int64(md.Latency),
			md.TokenCount.Input, md.TokenCount.Output, md.HitCount, lastAccess).
		ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// Touch increments the hit count of key unless the row was replaced after createdAt.
func (s *Storage) Touch(ctx context.Context, key string, createdAt, accessedAt time.Time) (bool, error) {
	query, args, err := sq.Update("cache_entries").
		Set("hit_count", sq.Expr("hit_count + 1")).
		Set("last_accessed_at", accessedAt.UnixNano()).
		Where(sq.Eq{"key": key, "created_at": createdAt.UnixNano()}).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build query: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("cache touch: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cache touch: %w", err)
	}
	return n > 0, nil
}

// Delete removes key.
func (s *Storage) Delete(ctx context.Context, key string) error {
	query, args, err := sq.Delete("cache_entries").Where(sq.Eq{"key": key}).ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("cache delete: %w", err)
	}
	return nil
}

// Clear removes every entry.
func (s *Storage) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries`); err != nil {
		return fmt.Errorf("cache clear: %w", err)
	}
	return nil
}

// PurgeExpired removes entries that expired before now and returns how many were removed.
func (s *Storage) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	query, args, err := sq.Delete("cache_entries").
		Where(sq.NotEq{"expires_at": nil}).
		Where(sq.Lt{"expires_at": now.UnixNano()}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build query: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("cache purge: %w", err)
	}
	return res.RowsAffected()
}

// ListKeys returns every stored key in sorted order.
func (s *Storage) ListKeys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM cache_entries ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Count returns the number of stored entries, expired ones included.
func (s *Storage) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries`).Scan(&count); err != nil {
		return 0, fmt.Errorf("cache count: %w", err)
	}
	return count, nil
}

// Close releases the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}
