package budget

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pario-ai/weave/pkg/models"
)

// ErrBudgetExceeded is returned when a blocking budget would be exceeded.
var ErrBudgetExceeded = errors.New("budget exceeded")

// Window names reported in BudgetStatus.
const (
	WindowSession = "session"
	WindowHour    = "hour"
)

// SpendSource reports spend since a point in time.
// Both cost.Tracker and tracker.SQLiteTracker implement it.
type SpendSource interface {
	SpentSince(ctx context.Context, since time.Time) (float64, error)
}

// Retainer is implemented by spend sources that can drop history no window
// needs any more. cost.Tracker implements it; the SQLite ledger does not.
type Retainer interface {
	Retain(since time.Time)
}

// Enforcer checks spend against a budget policy.
type Enforcer struct {
	policy models.BudgetPolicy
	source SpendSource
	logger zerolog.Logger
	now    func() time.Time

	mu           sync.Mutex
	sessionStart time.Time
}

// Option configures an Enforcer.
type Option func(*Enforcer)

// WithLogger sets the logger used for warn-mode overruns.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Enforcer) { e.logger = l.With().Str("component", "budget").Logger() }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Enforcer) { e.now = now }
}

// New creates an Enforcer. The session window starts now.
func New(policy models.BudgetPolicy, source SpendSource, opts ...Option) *Enforcer {
	e := &Enforcer{
		policy: policy,
		source: source,
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.policy.OnExceeded == "" {
		e.policy.OnExceeded = models.BudgetWarn
	}
	e.sessionStart = e.now()
	return e
}

// Policy returns the enforced policy.
func (e *Enforcer) Policy() models.BudgetPolicy {
	return e.policy
}

// ResetSession starts a new session window.
func (e *Enforcer) ResetSession() {
	e.mu.Lock()
	e.sessionStart = e.now()
	e.mu.Unlock()
}

// Check reports the windows that spend plus estimate would exceed. Under a
// block policy any overrun returns ErrBudgetExceeded; under warn the overrun
// is logged and returned without an error.
func (e *Enforcer) Check(ctx context.Context, estimate float64) ([]models.BudgetStatus, error) {
	statuses, err := e.statuses(ctx, estimate)
	if err != nil {
		return nil, fmt.Errorf("budget check: %w", err)
	}

	var exceeded []models.BudgetStatus
	for _, s := range statuses {
		if s.Exceeded {
			exceeded = append(exceeded, s)
		}
	}
	if len(exceeded) == 0 {
		return nil, nil
	}

	first := exceeded[0]
	if e.policy.OnExceeded == models.BudgetBlock {
		return exceeded, fmt.Errorf("%w: %s window at %.6f of %.6f", ErrBudgetExceeded, first.Window, first.Spent, first.Limit)
	}
	for _, s := range exceeded {
		e.logger.Warn().
			Str("window", s.Window).
			Float64("spent", s.Spent).
			Float64("limit", s.Limit).
			Float64("estimate", estimate).
			Msg("budget exceeded")
	}
	return exceeded, nil
}

// Status returns spend against every configured window.
func (e *Enforcer) Status(ctx context.Context) ([]models.BudgetStatus, error) {
	statuses, err := e.statuses(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("budget status: %w", err)
	}
	return statuses, nil
}

func (e *Enforcer) statuses(ctx context.Context, estimate float64) ([]models.BudgetStatus, error) {
	e.mu.Lock()
	sessionStart := e.sessionStart
	e.mu.Unlock()

	windows := []struct {
		name  string
		limit float64
		since time.Time
	}{
		{WindowSession, e.policy.PerSession, sessionStart},
		{WindowHour, e.policy.PerHour, e.now().Add(-time.Hour)},
	}

	var (
		result  []models.BudgetStatus
		horizon time.Time
	)
	for _, w := range windows {
		if w.limit <= 0 {
			continue
		}
		if horizon.IsZero() || w.since.Before(horizon) {
			horizon = w.since
		}
		spent, err := e.source.SpentSince(ctx, w.since)
		if err != nil {
			return nil, err
		}
		remaining := w.limit - spent
		if remaining < 0 {
			remaining = 0
		}
		result = append(result, models.BudgetStatus{
			Window:    w.name,
			Limit:     w.limit,
			Spent:     spent,
			Remaining: remaining,
			Exceeded:  spent+estimate > w.limit,
		})
	}
	if r, ok := e.source.(Retainer); ok && !horizon.IsZero() {
		r.Retain(horizon)
	}
	return result, nil
}
