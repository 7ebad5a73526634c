package budget

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/pario-ai/weave/pkg/cost"
	"github.com/pario-ai/weave/pkg/models"
	"github.com/pario-ai/weave/pkg/tracker"
)

type spendFunc func(ctx context.Context, since time.Time) (float64, error)

func (f spendFunc) SpentSince(ctx context.Context, since time.Time) (float64, error) {
	return f(ctx, since)
}

func setup(t *testing.T) (*tracker.SQLiteTracker, context.Context) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "budget_test.db")
	tr, err := tracker.New(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr, context.Background()
}

func TestCheckUnderBudget(t *testing.T) {
	tr, ctx := setup(t)

	_ = tr.Record(ctx, models.UsageRecord{
		Provider: "openai", Model: "gpt-4",
		InputTokens: 100, OutputTokens: 50, Cost: 0.2,
		CreatedAt: time.Now().UTC(),
	})

	e := New(models.BudgetPolicy{PerHour: 1, OnExceeded: models.BudgetBlock}, tr)

	exceeded, err := e.Check(ctx, 0.1)
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if len(exceeded) != 0 {
		t.Errorf("expected no exceeded windows, got %+v", exceeded)
	}
}

func TestCheckBlock(t *testing.T) {
	tr, ctx := setup(t)

	_ = tr.Record(ctx, models.UsageRecord{
		Provider: "openai", Model: "gpt-4",
		InputTokens: 500, OutputTokens: 600, Cost: 0.95,
		CreatedAt: time.Now().UTC(),
	})

	e := New(models.BudgetPolicy{PerHour: 1, OnExceeded: models.BudgetBlock}, tr)

	_, err := e.Check(ctx, 0.1)
	if err == nil {
		t.Fatal("expected budget exceeded error")
	}
	if !errors.Is(err, ErrBudgetExceeded) {
		t.Errorf("expected ErrBudgetExceeded, got %v", err)
	}
}

func TestCheckWarn(t *testing.T) {
	ctx := context.Background()
	e := New(models.BudgetPolicy{PerSession: 1}, spendFunc(func(context.Context, time.Time) (float64, error) {
		return 2, nil
	}))

	exceeded, err := e.Check(ctx, 0)
	if err != nil {
		t.Fatalf("warn policy should not fail: %v", err)
	}
	if len(exceeded) != 1 || exceeded[0].Window != WindowSession {
		t.Errorf("expected session overrun, got %+v", exceeded)
	}
}

func TestCheckSourceError(t *testing.T) {
	e := New(models.BudgetPolicy{PerHour: 1}, spendFunc(func(context.Context, time.Time) (float64, error) {
		return 0, errors.New("db locked")
	}))
	if _, err := e.Check(context.Background(), 0); err == nil {
		t.Error("expected source error")
	}
}

func TestSessionWindow(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	ledger := cost.NewTracker(
		cost.WithClock(clock),
		cost.WithDefaultPricing(models.ModelPricing{InputCostPer1K: 1}),
	)

	e := New(models.BudgetPolicy{PerSession: 1.5, OnExceeded: models.BudgetBlock}, ledger, WithClock(clock))
	ledger.TrackUsage("a:b", 1000, 0)

	if _, err := e.Check(context.Background(), 0.4); err != nil {
		t.Fatalf("expected within budget, got %v", err)
	}
	if _, err := e.Check(context.Background(), 0.6); !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("expected exceeded, got %v", err)
	}

	now = now.Add(time.Minute)
	e.ResetSession()
	if _, err := e.Check(context.Background(), 0.6); err != nil {
		t.Errorf("expected fresh session, got %v", err)
	}
}

type retainingSource struct {
	spendFunc
	retained []time.Time
}

func (r *retainingSource) Retain(since time.Time) { r.retained = append(r.retained, since) }

func TestCheckRetainsOldestWindow(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	src := &retainingSource{spendFunc: func(context.Context, time.Time) (float64, error) { return 0, nil }}

	e := New(models.BudgetPolicy{PerHour: 1}, src, WithClock(clock))
	now = now.Add(3 * time.Hour)
	if _, err := e.Check(context.Background(), 0); err != nil {
		t.Fatal(err)
	}
	if len(src.retained) != 1 || !src.retained[0].Equal(now.Add(-time.Hour)) {
		t.Fatalf("retained = %v, want the hour window start", src.retained)
	}

	session := New(models.BudgetPolicy{PerHour: 1, PerSession: 1}, src, WithClock(clock))
	start := now
	now = now.Add(3 * time.Hour)
	if _, err := session.Check(context.Background(), 0); err != nil {
		t.Fatal(err)
	}
	if got := src.retained[len(src.retained)-1]; !got.Equal(start) {
		t.Errorf("retained = %v, want session start %v", got, start)
	}
}

func TestCheckPrunesTrackerHistory(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	ledger := cost.NewTracker(
		cost.WithClock(clock),
		cost.WithDefaultPricing(models.ModelPricing{InputCostPer1K: 1}),
	)
	e := New(models.BudgetPolicy{PerHour: 10}, ledger, WithClock(clock))

	ledger.TrackUsage("a:b", 1000, 0)
	now = now.Add(2 * time.Hour)
	ledger.TrackUsage("a:b", 2000, 0)

	statuses, err := e.Check(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if statuses != nil {
		t.Fatalf("expected no overrun, got %v", statuses)
	}
	spent, _ := ledger.SpentSince(context.Background(), time.Time{})
	if spent != 2 {
		t.Errorf("spend history after check = %v, want only the last hour (2)", spent)
	}
	if got := ledger.Usage().TotalCost; got != 3 {
		t.Errorf("total cost = %v, want 3", got)
	}
}

func TestStatus(t *testing.T) {
	tr, ctx := setup(t)

	_ = tr.Record(ctx, models.UsageRecord{
		Provider: "openai", Model: "gpt-4",
		InputTokens: 100, OutputTokens: 100, Cost: 0.25,
		CreatedAt: time.Now().UTC(),
	})

	e := New(models.BudgetPolicy{PerSession: 10, PerHour: 1}, tr, WithClock(func() time.Time {
		return time.Now().Add(-time.Minute)
	}))

	statuses, err := e.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	for _, s := range statuses {
		if s.Spent < 0.249 || s.Spent > 0.251 {
			t.Errorf("%s: expected 0.25 spent, got %v", s.Window, s.Spent)
		}
	}
	if statuses[1].Remaining < 0.749 || statuses[1].Remaining > 0.751 {
		t.Errorf("expected 0.75 remaining, got %v", statuses[1].Remaining)
	}
}

func TestNoLimits(t *testing.T) {
	e := New(models.BudgetPolicy{}, spendFunc(func(context.Context, time.Time) (float64, error) {
		t.Fatal("source should not be queried without limits")
		return 0, nil
	}))
	statuses, err := e.Status(context.Background())
	if err != nil || len(statuses) != 0 {
		t.Errorf("expected no windows, got %+v, %v", statuses, err)
	}
}
