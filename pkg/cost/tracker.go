// Package cost keeps the running token and spend ledger for provider:model keys.
package cost

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pario-ai/weave/pkg/models"
	"github.com/pario-ai/weave/pkg/observe"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// DefaultPricing applies to keys without registered pricing.
var DefaultPricing = models.ModelPricing{
	InputCostPer1K:  0.001,
	OutputCostPer1K: 0.002,
	Currency:        "USD",
}

// Recorder persists individual usage records.
type Recorder interface {
	Record(ctx context.Context, rec models.UsageRecord) error
}

// ModelKey builds the provider:model key used for pricing and totals.
func ModelKey(provider, model string) string {
	return provider + ":" + model
}

// SplitModelKey is the inverse of ModelKey. A key without a colon is treated as a bare model.
func SplitModelKey(key string) (provider, model string) {
	if p, m, ok := strings.Cut(key, ":"); ok {
		return p, m
	}
	return "", key
}

type spendPoint struct {
	at   time.Time
	cost float64
}

// Tracker accumulates token usage and cost. It is safe for concurrent use.
//
// Every tracked call also keeps a timestamped spend point for SpentSince.
// Points are dropped by ResetUsage and by Retain; with neither a reset
// schedule nor a budget enforcer calling Retain they accumulate for the life
// of the window.
type Tracker struct {
	mu          sync.Mutex
	pricing     map[string]models.ModelPricing
	fallback    models.ModelPricing
	byKey       map[string]*models.KeyUsage
	totals      models.UsageTotals
	spend       []spendPoint
	windowStart time.Time

	hub      observe.Hub[models.UsageTotals]
	recorder Recorder
	logger   zerolog.Logger
	now      func() time.Time

	cronMu sync.Mutex
	cron   *cron.Cron
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithDefaultPricing overrides the rate used for unregistered keys.
func WithDefaultPricing(p models.ModelPricing) Option {
	return func(t *Tracker) { t.fallback = p }
}

// WithPricing preloads a pricing table. Each entry's Model field is the provider:model key.
func WithPricing(table []models.ModelPricing) Option {
	return func(t *Tracker) {
		for _, p := range table {
			t.pricing[p.Model] = p
		}
	}
}

// WithRecorder sends every tracked call to r. Recorder failures are logged, never returned.
func WithRecorder(r Recorder) Option {
	return func(t *Tracker) { t.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(t *Tracker) { t.logger = l.With().Str("component", "cost").Logger() }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a Tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		pricing:  make(map[string]models.ModelPricing),
		fallback: DefaultPricing,
		byKey:    make(map[string]*models.KeyUsage),
		logger:   zerolog.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.windowStart = t.now()
	return t
}

// RegisterPricing inserts or replaces the pricing for modelKey.
func (t *Tracker) RegisterPricing(modelKey string, p models.ModelPricing) {
	p.Model = modelKey
	t.mu.Lock()
	t.pricing[modelKey] = p
	t.mu.Unlock()
}

// Pricing returns the registered pricing table sorted by key.
func (t *Tracker) Pricing() []models.ModelPricing {
	t.mu.Lock()
	table := lo.Values(t.pricing)
	t.mu.Unlock()
	sort.Slice(table, func(i, j int) bool { return table[i].Model < table[j].Model })
	return table
}

// EstimateCost returns the cost of the given token counts without recording anything.
func (t *Tracker) EstimateCost(modelKey string, inputTokens, outputTokens int) float64 {
	t.mu.Lock()
	p := t.lookup(modelKey)
	t.mu.Unlock()
	return price(p, clamp(inputTokens), clamp(outputTokens))
}

// TrackUsage adds a call's tokens to the totals for modelKey and returns its cost.
// Negative counts are treated as zero.
func (t *Tracker) TrackUsage(modelKey string, inputTokens, outputTokens int) float64 {
	provider, model := SplitModelKey(modelKey)
	return t.track(context.Background(), "", modelKey, provider, model, inputTokens, outputTokens)
}

// Track is TrackUsage with an operation id and a context for the recorder.
func (t *Tracker) Track(ctx context.Context, operationID, provider, model string, inputTokens, outputTokens int) float64 {
	return t.track(ctx, operationID, ModelKey(provider, model), provider, model, inputTokens, outputTokens)
}

// track prices and totals under key; provider and model only label the persisted record.
func (t *Tracker) track(ctx context.Context, operationID, key, provider, model string, inputTokens, outputTokens int) float64 {
	in, out := clamp(inputTokens), clamp(outputTokens)

	t.mu.Lock()
	now := t.now()
	cost := price(t.lookup(key), in, out)

	ku, ok := t.byKey[key]
	if !ok {
		ku = &models.KeyUsage{ModelKey: key}
		t.byKey[key] = ku
	}
	ku.Requests++
	ku.InputTokens += int64(in)
	ku.OutputTokens += int64(out)
	ku.TotalTokens += int64(in + out)
	ku.TotalCost += cost

	t.totals.InputTokens += int64(in)
	t.totals.OutputTokens += int64(out)
	t.totals.TotalTokens += int64(in + out)
	t.totals.TotalCost += cost
	t.spend = append(t.spend, spendPoint{at: now, cost: cost})
	snap := t.snapshot()
	t.mu.Unlock()

	if t.recorder != nil {
		rec := models.UsageRecord{
			OperationID:  operationID,
			Provider:     provider,
			Model:        model,
			InputTokens:  in,
			OutputTokens: out,
			TotalTokens:  in + out,
			Cost:         cost,
			CreatedAt:    now.UTC(),
		}
		if err := t.recorder.Record(ctx, rec); err != nil {
			t.logger.Warn().Err(err).Str("model_key", key).Msg("record usage")
		}
	}

	t.hub.Publish(snap)
	return cost
}

// Usage returns a snapshot of the current billing window.
func (t *Tracker) Usage() models.UsageTotals {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot()
}

// ResetUsage clears totals and spend history and starts a new window. Pricing is kept.
func (t *Tracker) ResetUsage() {
	t.mu.Lock()
	t.byKey = make(map[string]*models.KeyUsage)
	t.totals = models.UsageTotals{}
	t.spend = nil
	t.windowStart = t.now()
	snap := t.snapshot()
	t.mu.Unlock()

	t.logger.Debug().Time("window_start", snap.WindowStart).Msg("usage reset")
	t.hub.Publish(snap)
}

// SpentSince returns the spend tracked at or after since in the current window.
func (t *Tracker) SpentSince(_ context.Context, since time.Time) (float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	// spend is appended in time order
	i := sort.Search(len(t.spend), func(i int) bool { return !t.spend[i].at.Before(since) })
	return lo.SumBy(t.spend[i:], func(p spendPoint) float64 { return p.cost }), nil
}

// Retain drops spend points older than since. SpentSince for earlier times
// undercounts afterwards. Totals and per-key usage are unaffected.
func (t *Tracker) Retain(since time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := sort.Search(len(t.spend), func(i int) bool { return !t.spend[i].at.Before(since) })
	if i == 0 {
		return
	}
	t.spend = append(t.spend[:0:0], t.spend[i:]...)
}

// Subscribe registers fn for a snapshot after every change.
func (t *Tracker) Subscribe(fn func(models.UsageTotals)) (unsubscribe func()) {
	return t.hub.Subscribe(fn)
}

// StartResetSchedule resets usage on a cron schedule ("@daily", "@monthly",
// "@every 1h" or a five-field spec). Calling it again replaces the schedule.
func (t *Tracker) StartResetSchedule(spec string) error {
	c := cron.New()
	if _, err := c.AddFunc(spec, t.ResetUsage); err != nil {
		return fmt.Errorf("reset schedule %q: %w", spec, err)
	}

	t.cronMu.Lock()
	prev := t.cron
	t.cron = c
	t.cronMu.Unlock()

	if prev != nil {
		<-prev.Stop().Done()
	}
	c.Start()
	t.logger.Info().Str("schedule", spec).Msg("usage reset schedule started")
	return nil
}

// Stop ends the reset schedule and waits for a running reset to finish.
func (t *Tracker) Stop() {
	t.cronMu.Lock()
	c := t.cron
	t.cron = nil
	t.cronMu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// lookup must be called with mu held.
func (t *Tracker) lookup(key string) models.ModelPricing {
	if p, ok := t.pricing[key]; ok {
		return p
	}
	return t.fallback
}

// snapshot must be called with mu held.
func (t *Tracker) snapshot() models.UsageTotals {
	snap := t.totals
	snap.WindowStart = t.windowStart
	snap.ByModel = lo.MapValues(t.byKey, func(u *models.KeyUsage, _ string) models.KeyUsage { return *u })
	return snap
}

func price(p models.ModelPricing, in, out int) float64 {
	return float64(in)/1000*p.InputCostPer1K + float64(out)/1000*p.OutputCostPer1K
}

func clamp(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
