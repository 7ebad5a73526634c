// Package tracker persists per-call usage records in SQLite.
package tracker

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite"

	"github.com/pario-ai/weave/pkg/models"
)

// Tracker records and queries usage.
type Tracker interface {
	// Record stores a usage record.
	Record(ctx context.Context, rec models.UsageRecord) error
	// Query returns records since a given time, newest first, optionally filtered by provider.
	Query(ctx context.Context, provider string, since time.Time) ([]models.UsageRecord, error)
	// SpentSince returns the total cost recorded at or after since.
	SpentSince(ctx context.Context, since time.Time) (float64, error)
	// TokensSince returns total tokens recorded at or after since, optionally filtered by provider.
	TokensSince(ctx context.Context, provider string, since time.Time) (int64, error)
	// Summary returns usage aggregated by provider and model, optionally filtered by provider.
	Summary(ctx context.Context, provider string) ([]models.UsageSummary, error)
	// Close releases resources.
	Close() error
}

// SQLiteTracker implements Tracker with a SQLite database.
type SQLiteTracker struct {
	db *sql.DB
}

const createTable = `
CREATE TABLE IF NOT EXISTS usage_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	operation_id TEXT NOT NULL DEFAULT '',
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	input_tokens INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	total_tokens INTEGER NOT NULL,
	cost REAL NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_usage_time ON usage_records(created_at);
CREATE INDEX IF NOT EXISTS idx_usage_provider_time ON usage_records(provider, created_at);
`

// New creates a SQLiteTracker and runs auto-migration.
func New(dbPath string) (*SQLiteTracker, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open tracker db: %w", err)
	}

	if _, err := db.Exec(createTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate tracker db: %w", err)
	}

	return &SQLiteTracker{db: db}, nil
}

// Record stores a usage record. A zero CreatedAt is stamped with the current time.
func (t *SQLiteTracker) Record(ctx context.Context, rec models.UsageRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if rec.TotalTokens == 0 {
		rec.TotalTokens = rec.InputTokens + rec.OutputTokens
	}

	query, args, err := sq.Insert("usage_records").
		Columns("operation_id", "provider", "model", "input_tokens", "output_tokens", "total_tokens", "cost", "created_at").
		Values(rec.OperationID, rec.Provider, rec.Model, rec.InputTokens, rec.OutputTokens, rec.TotalTokens, rec.Cost, rec.CreatedAt.UTC()).
		ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}

	if _, err := t.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// Query returns usage records since a given time.
func (t *SQLiteTracker) Query(ctx context.Context, provider string, since time.Time) ([]models.UsageRecord, error) {
	q := sq.Select("id", "operation_id", "provider", "model", "input_tokens", "output_tokens", "total_tokens", "cost", "created_at").
		From("usage_records").
		Where(sq.GtOrEq{"created_at": since.UTC()}).
		OrderBy("created_at DESC", "id DESC")
	if provider != "" {
		q = q.Where(sq.Eq{"provider": provider})
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	var records []models.UsageRecord
	for rows.Next() {
		var r models.UsageRecord
		if err := rows.Scan(&r.ID, &r.OperationID, &r.Provider, &r.Model, &r.InputTokens, &r.OutputTokens, &r.TotalTokens, &r.Cost, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// SpentSince returns the total cost recorded at or after since.
func (t *SQLiteTracker) SpentSince(ctx context.Context, since time.Time) (float64, error) {
	query, args, err := sq.Select("COALESCE(SUM(cost), 0)").
		From("usage_records").
		Where(sq.GtOrEq{"created_at": since.UTC()}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build query: %w", err)
	}

	var total float64
	if err := t.db.QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("spent since: %w", err)
	}
	return total, nil
}

// TokensSince returns total tokens recorded at or after since.
func (t *SQLiteTracker) TokensSince(ctx context.Context, provider string, since time.Time) (int64, error) {
	q := sq.Select("COALESCE(SUM(total_tokens), 0)").
		From("usage_records").
		Where(sq.GtOrEq{"created_at": since.UTC()})
	if provider != "" {
		q = q.Where(sq.Eq{"provider": provider})
	}

	query, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build query: %w", err)
	}

	var total int64
	if err := t.db.QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("total usage: %w", err)
	}
	return total, nil
}

// Summary returns aggregated usage grouped by provider and model.
func (t *SQLiteTracker) Summary(ctx context.Context, provider string) ([]models.UsageSummary, error) {
	q := sq.Select("provider", "model", "COUNT(*)", "SUM(input_tokens)", "SUM(output_tokens)", "SUM(total_tokens)", "SUM(cost)").
		From("usage_records").
		GroupBy("provider", "model").
		OrderBy("provider", "model")
	if provider != "" {
		q = q.Where(sq.Eq{"provider": provider})
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}
	defer rows.Close()

	var summaries []models.UsageSummary
	for rows.Next() {
		var s models.UsageSummary
		if err := rows.Scan(&s.Provider, &s.Model, &s.Requests, &s.InputTokens, &s.OutputTokens, &s.TotalTokens, &s.TotalCost); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// Close releases the database connection.
func (t *SQLiteTracker) Close() error {
	return t.db.Close()
}
