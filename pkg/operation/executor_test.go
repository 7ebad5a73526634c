package operation

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/weave/pkg/audit"
	"github.com/pario-ai/weave/pkg/budget"
	"github.com/pario-ai/weave/pkg/cache"
	"github.com/pario-ai/weave/pkg/cache/memory"
	"github.com/pario-ai/weave/pkg/config"
	"github.com/pario-ai/weave/pkg/cost"
	"github.com/pario-ai/weave/pkg/ids"
	"github.com/pario-ai/weave/pkg/models"
	"github.com/pario-ai/weave/pkg/provider"
	"github.com/pario-ai/weave/pkg/router"
	"github.com/pario-ai/weave/pkg/routing"
	"github.com/pario-ai/weave/pkg/stream"
)

// counting wraps a provider and counts the calls that reach it.
type counting struct {
	provider.Provider
	calls atomic.Int64
}

func (c *counting) Generate(ctx context.Context, prompt string, opts provider.Options) (*provider.Result, error) {
	c.calls.Add(1)
	return c.Provider.Generate(ctx, prompt, opts)
}

func (c *counting) GenerateStream(ctx context.Context, prompt string, opts provider.Options, emit func(string) error) (*provider.Result, error) {
	c.calls.Add(1)
	return c.Provider.(provider.Streamer).GenerateStream(ctx, prompt, opts, emit)
}

// down fails every generation with a provider error.
type down struct {
	provider.Provider
	calls atomic.Int64
}

func (d *down) Generate(context.Context, string, provider.Options) (*provider.Result, error) {
	d.calls.Add(1)
	return nil, provider.NewProviderError("upstream down", nil)
}

// broken emits one delta, then fails.
type broken struct {
	provider.Provider
}

func (b *broken) GenerateStream(_ context.Context, _ string, _ provider.Options, emit func(string) error) (*provider.Result, error) {
	if err := emit("partial"); err != nil {
		return nil, err
	}
	return nil, provider.NewProviderError("connection reset", nil)
}

type fixture struct {
	cfg      *config.Config
	registry *provider.Registry
	router   *router.Router
	cost     *cost.Tracker
	cache    *cache.Manager
}

// newFixture configures two echo providers behind the "fast" alias.
// replace substitutes providers by name before the router is built.
func newFixture(t *testing.T, latency string, replace map[string]func(provider.Provider) provider.Provider) *fixture {
	t.Helper()
	opts := map[string]string{}
	if latency != "" {
		opts["latency"] = latency
	}
	cfg := &config.Config{
		Providers: []config.ProviderConfig{
			{Name: "openai", Type: provider.TypeEcho, Options: opts},
			{Name: "anthropic", Type: provider.TypeEcho},
		},
		Router: config.RouterConfig{
			Routes: []config.RouteConfig{{
				Model:   "fast",
				Targets: []config.RouteTarget{{Provider: "openai", Model: "echo-1"}, {Provider: "anthropic", Model: "echo-1"}},
			}},
			MaxRetries: 1,
			RetryDelay: time.Millisecond,
		},
	}

	reg := provider.NewRegistry()
	for _, pc := range cfg.Providers {
		p, err := provider.NewEcho(pc)
		require.NoError(t, err)
		if fn, ok := replace[pc.Name]; ok {
			p = fn(p)
		}
		require.NoError(t, reg.Add(pc.Name, p))
	}

	return &fixture{
		cfg:      cfg,
		registry: reg,
		router:   router.New(cfg, reg),
		cost:     cost.NewTracker(),
		cache:    cache.NewManager(memory.New()),
	}
}

func (f *fixture) executor(opts ...Option) *Executor {
	base := []Option{WithCost(f.cost), WithCache(f.cache), WithIDs(&ids.Sequence{Prefix: "op"})}
	return New(f.router, append(base, opts...)...)
}

func newAudit(t *testing.T) *audit.Logger {
	t.Helper()
	l, err := audit.New(models.AuditConfig{
		Enabled:       true,
		DBPath:        filepath.Join(t.TempDir(), "audit.db"),
		RetentionDays: 30,
		Include:       []string{"prompts", "errors"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func auditRecords(t *testing.T, l *audit.Logger, opts models.AuditQueryOpts) []models.OperationRecord {
	t.Helper()
	require.NoError(t, l.Flush(context.Background()))
	records, err := l.Query(context.Background(), opts)
	require.NoError(t, err)
	return records
}

func TestGenerateCachesAndTracksCost(t *testing.T) {
	f := newFixture(t, "", nil)
	e := f.executor()
	ctx := context.Background()
	req := Request{Model: "fast", Prompt: "hello world"}

	first, err := e.Generate(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "hello world", first.Text)
	assert.Equal(t, "openai", first.Provider)
	assert.Equal(t, "echo-1", first.Model)
	assert.Equal(t, models.TokenCount{Input: 2, Output: 2}, first.TokenCount)
	assert.False(t, first.Cached)
	assert.InDelta(t, 0.000006, first.Cost, 1e-12)

	second, err := e.Generate(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Text, second.Text)
	assert.Equal(t, "openai", second.Provider)
	assert.Zero(t, second.Cost)
	assert.InDelta(t, first.Cost, second.Savings.Cost, 1e-12)
	assert.NotEqual(t, first.OperationID, second.OperationID)

	usage := f.cost.Usage()
	assert.Equal(t, int64(4), usage.TotalTokens, "cache hits are not billed")
	assert.Equal(t, int64(1), f.cache.Stats().Hits)

	req.NoCache = true
	third, err := e.Generate(ctx, req)
	require.NoError(t, err)
	assert.False(t, third.Cached)
}

func TestOperationKinds(t *testing.T) {
	f := newFixture(t, "", nil)
	e := f.executor()
	ctx := context.Background()

	cls, err := e.Classify(ctx, Request{Model: "fast", Text: "I need support now", Labels: []string{"billing", "support"}})
	require.NoError(t, err)
	require.NotNil(t, cls.Classification)
	assert.Equal(t, "support", cls.Classification.Label)
	assert.Equal(t, KindClassify, cls.Kind)

	other, err := e.Classify(ctx, Request{Model: "fast", Text: "I need support now", Labels: []string{"support", "sales"}})
	require.NoError(t, err)
	assert.False(t, other.Cached, "labels are part of the cache namespace")

	ext, err := e.Extract(ctx, Request{Model: "fast", Text: "order 42", Schema: json.RawMessage(`{"type":"object"}`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"order 42"}`, string(ext.Data))

	chat, err := e.Chat(ctx, Request{Model: "fast", Messages: []models.ChatMessage{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "hi there"},
	}})
	require.NoError(t, err)
	assert.Equal(t, "hi there", chat.Text)
	assert.Equal(t, 4, chat.TokenCount.Input)
}

func TestInvalidRequests(t *testing.T) {
	f := newFixture(t, "", nil)
	al := newAudit(t)
	e := f.executor(WithAudit(al))
	ctx := context.Background()

	_, err := e.Classify(ctx, Request{Model: "fast", Text: "x"})
	require.Error(t, err)
	assert.Equal(t, provider.KindInvalidRequest, provider.KindOf(err))

	_, err = e.Chat(ctx, Request{Model: "fast"})
	assert.Equal(t, provider.KindInvalidRequest, provider.KindOf(err))

	var pe *provider.Error
	require.ErrorAs(t, err, &pe)
	assert.False(t, pe.Retryable)

	records := auditRecords(t, al, models.AuditQueryOpts{Status: models.OperationError})
	require.Len(t, records, 2)
	assert.Equal(t, string(provider.KindInvalidRequest), records[0].ErrorCode)
}

func TestFallback(t *testing.T) {
	var failing *down
	f := newFixture(t, "", map[string]func(provider.Provider) provider.Provider{
		"openai": func(p provider.Provider) provider.Provider {
			failing = &down{Provider: p}
			return failing
		},
	})
	e := f.executor()

	res, err := e.Generate(context.Background(), Request{Model: "fast", Prompt: "fall back please"})
	require.NoError(t, err)
	assert.Equal(t, "anthropic", res.Provider)
	assert.Equal(t, int64(1), failing.calls.Load(), "provider errors are not retried")

	usage := f.cost.Usage()
	_, billed := usage.ByModel[cost.ModelKey("anthropic", "echo-1")]
	assert.True(t, billed)
}

func TestPreferredProvider(t *testing.T) {
	f := newFixture(t, "", nil)
	ctrl := routing.New(f.router)
	defer ctrl.Dispose()
	require.NoError(t, ctrl.RefreshStatus(context.Background()))
	ctrl.SelectProvider("anthropic")

	e := f.executor(WithRouting(ctrl))
	res, err := e.Generate(context.Background(), Request{Model: "fast", Prompt: "route me"})
	require.NoError(t, err)
	assert.Equal(t, "anthropic", res.Provider)
}

func TestBudget(t *testing.T) {
	tests := []struct {
		name    string
		action  models.BudgetAction
		blocked bool
	}{
		{"block", models.BudgetBlock, true},
		{"warn", models.BudgetWarn, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, "", nil)
			b := budget.New(models.BudgetPolicy{PerSession: 0.000001, OnExceeded: tt.action}, f.cost)
			e := f.executor(WithBudget(b))

			res, err := e.Generate(context.Background(), Request{Model: "fast", Prompt: "over the limit"})
			if tt.blocked {
				require.Error(t, err)
				assert.Equal(t, provider.KindBudget, provider.KindOf(err))
				assert.ErrorIs(t, err, budget.ErrBudgetExceeded)
				assert.Zero(t, f.cost.Usage().TotalTokens)
				return
			}
			require.NoError(t, err)
			require.Len(t, res.Budget, 1)
			assert.Equal(t, budget.WindowSession, res.Budget[0].Window)
		})
	}
}

func TestAuditTrail(t *testing.T) {
	f := newFixture(t, "", nil)
	al := newAudit(t)
	e := f.executor(WithAudit(al))
	ctx := context.Background()

	res, err := e.Generate(ctx, Request{Model: "fast", Prompt: "audit me"})
	require.NoError(t, err)
	_, err = e.Generate(ctx, Request{Model: "fast", Prompt: "audit me"})
	require.NoError(t, err)

	records := auditRecords(t, al, models.AuditQueryOpts{OperationID: res.OperationID})
	require.Len(t, records, 1)
	r := records[0]
	assert.Equal(t, "generate", r.Kind)
	assert.Equal(t, "openai", r.Provider)
	assert.Equal(t, models.OperationOK, r.Status)
	assert.Equal(t, "audit me", r.Prompt)
	assert.False(t, r.CacheHit)

	all := auditRecords(t, al, models.AuditQueryOpts{})
	require.Len(t, all, 2)
	hits := 0
	for _, r := range all {
		if r.CacheHit {
			hits++
		}
	}
	assert.Equal(t, 1, hits)
}

type collector struct {
	mu     sync.Mutex
	chunks []string
	done   chan models.StreamState
	errs   chan error
}

func collect(h *stream.Handler) *collector {
	c := &collector{done: make(chan models.StreamState, 1), errs: make(chan error, 1)}
	h.Subscribe(stream.Subscriber{
		OnChunk: func(ch models.StreamChunk) {
			c.mu.Lock()
			c.chunks = append(c.chunks, ch.Data)
			c.mu.Unlock()
		},
		OnComplete: func(s models.StreamState) { c.done <- s },
		OnError: func(err error, recoverable bool) {
			if !recoverable {
				c.errs <- err
			}
		},
	})
	return c
}

func (c *collector) text() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.chunks...)
}

func TestGenerateStream(t *testing.T) {
	f := newFixture(t, "", nil)
	e := f.executor()
	req := Request{Model: "fast", Prompt: "stream these words"}

	h, err := e.GenerateStream(context.Background(), req)
	require.NoError(t, err)
	c := collect(h)

	select {
	case s := <-c.done:
		assert.Equal(t, models.StreamCompleted, s.Status)
	case err := <-c.errs:
		t.Fatalf("stream failed: %v", err)
	case <-time.After(time.Second):
		t.Fatal("stream did not complete")
	}
	assert.Equal(t, []string{"stream", " these", " words"}, c.text())

	res, err := e.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Cached, "completed streams fill the cache")
	assert.Equal(t, "stream these words", res.Text)

	replay, err := e.GenerateStream(context.Background(), req)
	require.NoError(t, err)
	rc := collect(replay)
	<-rc.done
	assert.Equal(t, []string{"stream these words"}, rc.text())
}

func TestGenerateStreamNoFallbackAfterOutput(t *testing.T) {
	var backup *counting
	f := newFixture(t, "", map[string]func(provider.Provider) provider.Provider{
		"openai": func(p provider.Provider) provider.Provider { return &broken{Provider: p} },
		"anthropic": func(p provider.Provider) provider.Provider {
			backup = &counting{Provider: p}
			return backup
		},
	})
	e := f.executor()

	h, err := e.GenerateStream(context.Background(), Request{Model: "fast", Prompt: "never finishes"})
	require.NoError(t, err)
	c := collect(h)

	select {
	case err := <-c.errs:
		assert.Equal(t, provider.KindProvider, provider.KindOf(err))
	case <-c.done:
		t.Fatal("stream should have failed")
	case <-time.After(time.Second):
		t.Fatal("stream did not finish")
	}
	assert.Equal(t, models.StreamErrored, h.State().Status)
	assert.Zero(t, backup.calls.Load())
	assert.Zero(t, f.cost.Usage().TotalTokens)
}

func TestGenerateStreamCancel(t *testing.T) {
	f := newFixture(t, "5s", nil)
	al := newAudit(t)
	e := f.executor(WithAudit(al))

	h, err := e.GenerateStream(context.Background(), Request{Model: "fast", Prompt: "slow"})
	require.NoError(t, err)
	h.Cancel()

	assert.Eventually(t, func() bool {
		return len(auditRecords(t, al, models.AuditQueryOpts{Status: models.OperationError})) == 1
	}, 2*time.Second, 10*time.Millisecond)

	records := auditRecords(t, al, models.AuditQueryOpts{})
	require.Len(t, records, 1)
	assert.Equal(t, string(provider.KindCancelled), records[0].ErrorCode)
	assert.True(t, records[0].Streamed)

	st, ok := f.router.Status("openai")
	require.True(t, ok)
	assert.True(t, st.Healthy)
	assert.Zero(t, st.ConsecutiveFailures, "cancellation is not a provider failure")
	assert.Equal(t, models.StreamCancelled, h.State().Status)
}

func TestGenerateStreamLimit(t *testing.T) {
	f := newFixture(t, "5s", nil)
	e := f.executor(WithStreams(stream.NewManager(stream.WithMaxStreams(1))))

	h, err := e.GenerateStream(context.Background(), Request{Model: "fast", Prompt: "one"})
	require.NoError(t, err)
	defer h.Cancel()

	_, err = e.GenerateStream(context.Background(), Request{Model: "fast", Prompt: "two"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, stream.ErrTooManyStreams))
	assert.Equal(t, provider.KindRateLimit, provider.KindOf(err))
	assert.Equal(t, 1, e.Streams().Len())
}
