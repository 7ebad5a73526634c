package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pario-ai/weave/pkg/config"
	"github.com/pario-ai/weave/pkg/models"
	"github.com/pario-ai/weave/pkg/provider"
)

func newRegistry(t *testing.T, cfg *config.Config) *provider.Registry {
	t.Helper()
	reg := provider.NewRegistry()
	reg.RegisterFactory(provider.TypeEcho, provider.NewEcho)
	for _, p := range cfg.Providers {
		if p.Type == "" {
			p.Type = provider.TypeEcho
		}
		if _, err := reg.Build(p); err != nil {
			t.Fatal(err)
		}
	}
	return reg
}

func twoProviders() *config.Config {
	return &config.Config{
		Providers: []config.ProviderConfig{
			{Name: "openai", Type: provider.TypeEcho},
			{Name: "anthropic", Type: provider.TypeEcho},
		},
		Router: config.RouterConfig{
			Routes: []config.RouteConfig{
				{
					Model: "fast",
					Targets: []config.RouteTarget{
						{Provider: "openai", Model: "gpt-4o-mini"},
						{Provider: "anthropic", Model: "claude-haiku-4-5"},
					},
				},
			},
			FailureThreshold: 3,
			SuccessThreshold: 2,
			MaxRetries:       2,
			RetryDelay:       time.Millisecond,
		},
	}
}

// collect records routing events published by r.
func collect(r *Router) (func() []models.RoutingEvent, func()) {
	var mu sync.Mutex
	var events []models.RoutingEvent
	remove := r.AddObserver(func(e models.RoutingEvent) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})
	return func() []models.RoutingEvent {
		mu.Lock()
		defer mu.Unlock()
		return append([]models.RoutingEvent(nil), events...)
	}, remove
}

func TestResolveNoRoutes(t *testing.T) {
	cfg := &config.Config{
		Providers: []config.ProviderConfig{
			{Name: "openai", URL: "https://api.openai.com", APIKey: "sk-1"},
		},
	}
	r := New(cfg, nil)
	routes, err := r.Resolve("gpt-4")
	if err != nil {
		t.Fatal(err)
	}
	if len(routes) != 1 {
		t.Fatalf("expected 1 route, got %d", len(routes))
	}
	if routes[0].Provider.Name != "openai" || routes[0].Model != "gpt-4" {
		t.Errorf("unexpected route: %+v", routes[0])
	}
}

func TestResolveWithAlias(t *testing.T) {
	r := New(twoProviders(), nil)
	routes, err := r.Resolve("fast")
	if err != nil {
		t.Fatal(err)
	}
	if len(routes) != 2 {
		t.Fatalf("expected 2 routes, got %d", len(routes))
	}
	if routes[0].Model != "gpt-4o-mini" || routes[0].Provider.Name != "openai" {
		t.Errorf("unexpected first route: %+v", routes[0])
	}
	if routes[1].Model != "claude-haiku-4-5" || routes[1].Provider.Name != "anthropic" {
		t.Errorf("unexpected second route: %+v", routes[1])
	}
}

func TestResolveEmptyModelUsesRequested(t *testing.T) {
	cfg := &config.Config{
		Providers: []config.ProviderConfig{{Name: "openai"}},
		Router: config.RouterConfig{
			Routes: []config.RouteConfig{
				{Model: "gpt-4", Targets: []config.RouteTarget{{Provider: "openai"}}},
			},
		},
	}
	routes, err := New(cfg, nil).Resolve("gpt-4")
	if err != nil {
		t.Fatal(err)
	}
	if routes[0].Model != "gpt-4" {
		t.Errorf("expected model gpt-4, got %s", routes[0].Model)
	}
}

func TestResolveSkipsUnknownProvider(t *testing.T) {
	cfg := &config.Config{
		Providers: []config.ProviderConfig{{Name: "openai"}},
		Router: config.RouterConfig{
			Routes: []config.RouteConfig{
				{
					Model: "fast",
					Targets: []config.RouteTarget{
						{Provider: "unknown", Model: "x"},
						{Provider: "openai", Model: "gpt-4o-mini"},
					},
				},
			},
		},
	}
	routes, err := New(cfg, nil).Resolve("fast")
	if err != nil {
		t.Fatal(err)
	}
	if len(routes) != 1 || routes[0].Provider.Name != "openai" {
		t.Fatalf("unexpected routes: %+v", routes)
	}
}

func TestResolveErrors(t *testing.T) {
	cfg := &config.Config{
		Providers: []config.ProviderConfig{{Name: "openai"}},
		Router: config.RouterConfig{
			Routes: []config.RouteConfig{
				{Model: "bad", Targets: []config.RouteTarget{{Provider: "unknown", Model: "x"}}},
			},
		},
	}
	if _, err := New(cfg, nil).Resolve("bad"); err == nil {
		t.Error("expected error for all unknown providers")
	}
	if _, err := New(&config.Config{}, nil).Resolve("gpt-4"); err == nil {
		t.Error("expected error for no providers")
	}
}

func TestPlanPreferred(t *testing.T) {
	cfg := twoProviders()
	r := New(cfg, newRegistry(t, cfg))

	routes, err := r.Plan("fast", "anthropic")
	if err != nil {
		t.Fatal(err)
	}
	if routes[0].Provider.Name != "anthropic" || routes[1].Provider.Name != "openai" {
		t.Errorf("preferred provider not first: %+v", routes)
	}

	routes, err = r.Plan("gpt-4", "anthropic")
	if err != nil {
		t.Fatal(err)
	}
	if len(routes) != 2 || routes[0].Provider.Name != "anthropic" || routes[0].Model != "gpt-4" {
		t.Errorf("preferred provider not prepended to default chain: %+v", routes)
	}
}

func TestExecuteFallback(t *testing.T) {
	cfg := twoProviders()
	r := New(cfg, newRegistry(t, cfg))
	events, remove := collect(r)
	defer remove()

	var tried []string
	route, err := r.Execute(context.Background(), "fast", "", func(_ context.Context, _ provider.Provider, rt Route) error {
		tried = append(tried, rt.Provider.Name)
		if rt.Provider.Name == "openai" {
			return provider.NewProviderError("upstream 500", nil)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if route.Provider.Name != "anthropic" || route.Model != "claude-haiku-4-5" {
		t.Errorf("unexpected route: %+v", route)
	}
	if len(tried) != 2 {
		t.Errorf("non-retryable error should not be retried, tried %v", tried)
	}

	got := events()
	if len(got) != 1 || got[0].Type != models.EventFallback || got[0].From != "openai" || got[0].To != "anthropic" {
		t.Errorf("unexpected events: %+v", got)
	}
}

func TestExecuteRetriesRetryable(t *testing.T) {
	cfg := twoProviders()
	r := New(cfg, newRegistry(t, cfg))

	calls := 0
	route, err := r.Execute(context.Background(), "fast", "", func(context.Context, provider.Provider, Route) error {
		calls++
		if calls < 3 {
			return provider.New(provider.KindTimeout, "slow", nil)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 3 || route.Provider.Name != "openai" {
		t.Errorf("expected 3 calls on openai, got %d on %s", calls, route.Provider.Name)
	}
}

func TestExecuteAllFail(t *testing.T) {
	cfg := twoProviders()
	r := New(cfg, newRegistry(t, cfg))

	_, err := r.Execute(context.Background(), "fast", "", func(context.Context, provider.Provider, Route) error {
		return errors.New("boom")
	})
	var pe *provider.Error
	if !errors.As(err, &pe) {
		t.Fatalf("expected *provider.Error, got %T", err)
	}
	if pe.Provider != "anthropic" || pe.Kind != provider.KindUnknown {
		t.Errorf("unexpected error: %+v", pe)
	}
}

func TestExecuteStopsOnCallerError(t *testing.T) {
	cfg := twoProviders()
	r := New(cfg, newRegistry(t, cfg))

	calls := 0
	_, err := r.Execute(context.Background(), "fast", "", func(context.Context, provider.Provider, Route) error {
		calls++
		return provider.New(provider.KindInvalidRequest, "bad prompt", nil)
	})
	if provider.KindOf(err) != provider.KindInvalidRequest || calls != 1 {
		t.Errorf("expected single invalid_request attempt, got %v after %d calls", err, calls)
	}
	if s, _ := r.Status("openai"); s.TotalRequests != 0 {
		t.Errorf("caller errors should not count against health, got %+v", s)
	}
}

func TestExecuteCancelled(t *testing.T) {
	cfg := twoProviders()
	r := New(cfg, newRegistry(t, cfg))

	ctx, cancel := context.WithCancel(context.Background())
	_, err := r.Execute(ctx, "fast", "", func(ctx context.Context, _ provider.Provider, _ Route) error {
		cancel()
		return ctx.Err()
	})
	if provider.KindOf(err) != provider.KindCancelled {
		t.Errorf("expected cancelled, got %v", err)
	}
}

func TestHealthTransitions(t *testing.T) {
	cfg := twoProviders()
	r := New(cfg, newRegistry(t, cfg))
	events, remove := collect(r)
	defer remove()

	fail := errors.New("down")
	for i := 0; i < 3; i++ {
		r.Record("openai", 10*time.Millisecond, fail)
	}
	s, ok := r.Status("openai")
	if !ok || s.Healthy || s.ConsecutiveFailures != 3 {
		t.Fatalf("expected unhealthy after 3 failures: %+v", s)
	}

	routes, err := r.Plan("fast", "")
	if err != nil {
		t.Fatal(err)
	}
	if routes[0].Provider.Name != "anthropic" {
		t.Errorf("unhealthy provider should be tried last: %+v", routes)
	}

	r.Record("openai", 10*time.Millisecond, nil)
	if s, _ := r.Status("openai"); s.Healthy {
		t.Error("one success should not restore health")
	}
	r.Record("openai", 10*time.Millisecond, nil)
	if s, _ := r.Status("openai"); !s.Healthy {
		t.Error("two successes should restore health")
	}

	got := events()
	if len(got) != 2 {
		t.Fatalf("expected 2 status updates, got %+v", got)
	}
	if got[0].Type != models.EventStatusUpdate || got[0].Metadata["healthy"] != "false" {
		t.Errorf("unexpected first event: %+v", got[0])
	}
	if got[1].Metadata["healthy"] != "true" {
		t.Errorf("unexpected second event: %+v", got[1])
	}
}

func TestLatencyAndSuccessRate(t *testing.T) {
	cfg := twoProviders()
	r := New(cfg, nil)

	r.Record("openai", 100*time.Millisecond, nil)
	r.Record("openai", 200*time.Millisecond, nil)
	r.Record("openai", 0, errors.New("x"))
	r.Record("openai", 0, errors.New("x"))

	s, _ := r.Status("openai")
	if s.Latency != 130*time.Millisecond {
		t.Errorf("expected 130ms EWMA, got %v", s.Latency)
	}
	if s.SuccessRate != 0.5 {
		t.Errorf("expected 0.5 success rate, got %v", s.SuccessRate)
	}
	if s.TotalRequests != 4 {
		t.Errorf("expected 4 requests, got %d", s.TotalRequests)
	}

	for i := 0; i < resultWindow; i++ {
		r.Record("anthropic", time.Millisecond, nil)
	}
	r.Record("anthropic", 0, errors.New("x"))
	s, _ = r.Status("anthropic")
	if s.SuccessRate != float64(resultWindow-1)/resultWindow {
		t.Errorf("success rate should cover the last %d results, got %v", resultWindow, s.SuccessRate)
	}
}

type downProvider struct {
	provider.Provider
}

func (downProvider) Validate(context.Context) error {
	return provider.NewAuthError("invalid key", nil)
}

func TestCheck(t *testing.T) {
	cfg := twoProviders()
	reg := provider.NewRegistry()
	up, err := provider.NewEcho(cfg.Providers[0])
	if err != nil {
		t.Fatal(err)
	}
	if err := reg.Add("openai", up); err != nil {
		t.Fatal(err)
	}
	if err := reg.Add("anthropic", downProvider{up}); err != nil {
		t.Fatal(err)
	}
	r := New(cfg, reg)

	if err := r.Check(context.Background()); err == nil {
		t.Error("expected probe failure for anthropic")
	}

	statuses, err := r.Statuses(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(statuses) != 2 || statuses[0].Name != "openai" || statuses[1].Name != "anthropic" {
		t.Fatalf("unexpected statuses: %+v", statuses)
	}
	if statuses[0].TotalRequests != 1 || statuses[1].ConsecutiveFailures != 1 {
		t.Errorf("probes not recorded: %+v", statuses)
	}
}

func TestExecuteStop(t *testing.T) {
	cfg := twoProviders()
	r := New(cfg, newRegistry(t, cfg))

	calls := 0
	_, err := r.Execute(context.Background(), "fast", "", func(context.Context, provider.Provider, Route) error {
		calls++
		return Stop(provider.New(provider.KindTimeout, "stalled mid-stream", nil))
	})
	if provider.KindOf(err) != provider.KindTimeout || calls != 1 {
		t.Errorf("expected one attempt ending in timeout, got %v after %d calls", err, calls)
	}
	if s, _ := r.Status("openai"); s.ConsecutiveFailures != 1 {
		t.Errorf("stopped failure should still count against health: %+v", s)
	}
	if Stop(nil) != nil {
		t.Error("Stop(nil) should be nil")
	}
}

func TestLookup(t *testing.T) {
	cfg := twoProviders()
	r := New(cfg, newRegistry(t, cfg))
	p, err := r.Lookup("anthropic")
	if err != nil {
		t.Fatal(err)
	}
	if p.Info().Provider != "anthropic" {
		t.Errorf("unexpected provider: %+v", p.Info())
	}
	if _, err := r.Lookup("missing"); err == nil {
		t.Error("expected error for unknown provider")
	}
}
