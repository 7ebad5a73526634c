// Package audit records every executed operation in a dedicated SQLite database.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	_ "modernc.org/sqlite"

	"github.com/pario-ai/weave/pkg/models"
)

const queueSize = 256

// Logger writes and queries operation records.
type Logger struct {
	db      *sql.DB
	cfg     models.AuditConfig
	logger  zerolog.Logger
	done    chan struct{}
	queue   chan models.OperationRecord
	flush   chan chan struct{}
	wg      sync.WaitGroup
	include map[string]bool
	exclude map[string]bool

	closeOnce sync.Once
}

// Option configures a Logger.
type Option func(*Logger)

// WithLogger sets the logger used for background write failures.
func WithLogger(l zerolog.Logger) Option {
	return func(a *Logger) { a.logger = l.With().Str("component", "audit").Logger() }
}

// New opens the audit SQLite database, creates the schema and starts the
// retention and write-behind goroutines.
func New(cfg models.AuditConfig, opts ...Option) (*Logger, error) {
	db, err := sql.Open("sqlite", cfg.DBPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit db: %w", err)
	}

	l := &Logger{
		db:      db,
		cfg:     cfg,
		logger:  zerolog.Nop(),
		done:    make(chan struct{}),
		queue:   make(chan models.OperationRecord, queueSize),
		flush:   make(chan chan struct{}),
		include: lo.SliceToMap(cfg.Include, func(v string) (string, bool) { return v, true }),
		exclude: lo.SliceToMap(cfg.ExcludeModels, func(v string) (string, bool) { return v, true }),
	}
	for _, o := range opts {
		o(l)
	}

	l.wg.Add(2)
	go l.retentionLoop()
	go l.writeLoop()

	return l, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS operations (
		id            TEXT PRIMARY KEY,
		kind          TEXT NOT NULL,
		provider      TEXT NOT NULL DEFAULT '',
		model         TEXT NOT NULL DEFAULT '',
		cache_hit     INTEGER NOT NULL DEFAULT 0,
		streamed      INTEGER NOT NULL DEFAULT 0,
		input_tokens  INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		cost          REAL NOT NULL DEFAULT 0,
		latency_ms    INTEGER NOT NULL DEFAULT 0,
		status        TEXT NOT NULL,
		error_code    TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		prompt        TEXT NOT NULL DEFAULT '',
		created_at    DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_operations_created ON operations(created_at)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_operations_provider ON operations(provider, created_at)`)
	return err
}

// Log inserts a record, respecting the include/exclude configuration.
func (l *Logger) Log(ctx context.Context, rec models.OperationRecord) error {
	if l == nil || l.db == nil {
		return nil
	}
	if l.exclude[rec.Model] {
		return nil
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	prompt := rec.Prompt
	if !l.include["prompts"] {
		prompt = ""
	}
	errMsg := rec.ErrorMessage
	if !l.include["errors"] {
		errMsg = ""
	}
	if l.cfg.MaxBodySize > 0 {
		prompt = truncate(prompt, l.cfg.MaxBodySize)
		errMsg = truncate(errMsg, l.cfg.MaxBodySize)
	}

	query, args, err := sq.Replace("operations").
		Columns("id", "kind", "provider", "model", "cache_hit", "streamed",
			"input_tokens", "output_tokens", "cost", "latency_ms",
			"status", "error_code", "error_message", "prompt", "created_at").
		Values(rec.ID, rec.Kind, rec.Provider, rec.Model, rec.CacheHit, rec.Streamed,
			rec.InputTokens, rec.OutputTokens, rec.Cost, rec.LatencyMs,
			rec.Status, rec.ErrorCode, errMsg, prompt, rec.CreatedAt.UTC()).
		ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	if _, err := l.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("log operation: %w", err)
	}
	return nil
}

// Enqueue hands rec to the background writer. It never blocks: when the
// queue is full the record is dropped and a warning is logged.
func (l *Logger) Enqueue(rec models.OperationRecord) {
	if l == nil {
		return
	}
	select {
	case <-l.done:
		return
	default:
	}
	select {
	case l.queue <- rec:
	default:
		l.logger.Warn().Str("op_id", rec.ID).Msg("audit queue full, record dropped")
	}
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// Query returns records matching the given options, newest first.
func (l *Logger) Query(ctx context.Context, opts models.AuditQueryOpts) ([]models.OperationRecord, error) {
	q := sq.Select("id", "kind", "provider", "model", "cache_hit", "streamed",
		"input_tokens", "output_tokens", "cost", "latency_ms",
		"status", "error_code", "error_message", "prompt", "created_at").
		From("operations")

	if opts.OperationID != "" {
		q = q.Where(sq.Eq{"id": opts.OperationID})
	}
	if opts.Kind != "" {
		q = q.Where(sq.Eq{"kind": opts.Kind})
	}
	if opts.Provider != "" {
		q = q.Where(sq.Eq{"provider": opts.Provider})
	}
	if opts.Model != "" {
		q = q.Where(sq.Eq{"model": opts.Model})
	}
	if opts.Status != "" {
		q = q.Where(sq.Eq{"status": opts.Status})
	}
	if !opts.Since.IsZero() {
		q = q.Where(sq.GtOrEq{"created_at": opts.Since.UTC()})
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	query, args, err := q.OrderBy("created_at DESC").Limit(uint64(limit)).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var records []models.OperationRecord
	for rows.Next() {
		var r models.OperationRecord
		if err := rows.Scan(
			&r.ID, &r.Kind, &r.Provider, &r.Model, &r.CacheHit, &r.Streamed,
			&r.InputTokens, &r.OutputTokens, &r.Cost, &r.LatencyMs,
			&r.Status, &r.ErrorCode, &r.ErrorMessage, &r.Prompt, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Stats returns aggregate counts grouped by provider and day.
func (l *Logger) Stats(ctx context.Context) ([]models.AuditStat, error) {
	query, args, err := sq.Select("provider", "date(created_at) AS day", "count(*)",
		"COALESCE(SUM(cache_hit), 0)", "COALESCE(SUM(cost), 0)").
		From("operations").
		GroupBy("provider", "day").
		OrderBy("day DESC", "provider").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit stats: %w", err)
	}
	defer rows.Close()

	var stats []models.AuditStat
	for rows.Next() {
		var s models.AuditStat
		var day sql.NullString
		if err := rows.Scan(&s.Provider, &day, &s.Count, &s.CacheHits, &s.Cost); err != nil {
			return nil, fmt.Errorf("scan audit stat: %w", err)
		}
		s.Day = day.String
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// Cleanup deletes records older than the configured retention period.
func (l *Logger) Cleanup(ctx context.Context) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -l.cfg.RetentionDays).UTC()
	query, args, err := sq.Delete("operations").Where(sq.Lt{"created_at": cutoff}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build query: %w", err)
	}
	res, err := l.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("audit cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Flush blocks until every record enqueued before the call has been written.
func (l *Logger) Flush(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case l.flush <- ack:
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the write queue, stops the background goroutines and closes the database.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		l.wg.Wait()
	})
	return l.db.Close()
}

func (l *Logger) writeLoop() {
	defer l.wg.Done()
	for {
		select {
		case rec := <-l.queue:
			l.write(rec)
		case ack := <-l.flush:
			l.drain()
			close(ack)
		case <-l.done:
			l.drain()
			return
		}
	}
}

func (l *Logger) drain() {
	for {
		select {
		case rec := <-l.queue:
			l.write(rec)
		default:
			return
		}
	}
}

func (l *Logger) write(rec models.OperationRecord) {
	if err := l.Log(context.Background(), rec); err != nil {
		l.logger.Warn().Err(err).Str("op_id", rec.ID).Msg("audit write failed")
	}
}

func (l *Logger) retentionLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			if n, err := l.Cleanup(context.Background()); err != nil {
				l.logger.Warn().Err(err).Msg("audit cleanup failed")
			} else if n > 0 {
				l.logger.Debug().Int64("deleted", n).Msg("audit cleanup")
			}
		}
	}
}
