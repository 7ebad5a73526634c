package router

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pario-ai/weave/pkg/config"
	"github.com/pario-ai/weave/pkg/models"
	"github.com/pario-ai/weave/pkg/observe"
	"github.com/pario-ai/weave/pkg/provider"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

const (
	// latencyAlpha weights the newest sample in the latency moving average.
	latencyAlpha = 0.3
	// resultWindow is the number of recent results behind SuccessRate.
	resultWindow = 20
)

// Route represents a resolved provider and model to try.
type Route struct {
	Provider config.ProviderConfig
	Model    string
}

// Func performs one attempt of an operation against a route.
type Func func(ctx context.Context, p provider.Provider, route Route) error

// Router resolves requested model names to ordered provider+model chains,
// tracks provider health and executes calls with retries and fallback.
type Router struct {
	cfg      *config.Config
	registry *provider.Registry
	logger   zerolog.Logger
	now      func() time.Time

	failureThreshold int
	successThreshold int
	maxRetries       uint64
	retryDelay       time.Duration

	mu     sync.Mutex
	health map[string]*health

	events observe.Hub[models.RoutingEvent]
}

type health struct {
	status    models.ProviderStatus
	successes int
	results   [resultWindow]bool
	next      int
	filled    int
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the router logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Router) { r.logger = l.With().Str("component", "router").Logger() }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// New creates a Router from the given configuration. Providers are looked up
// in registry by name at call time.
func New(cfg *config.Config, registry *provider.Registry, opts ...Option) *Router {
	r := &Router{
		cfg:              cfg,
		registry:         registry,
		logger:           zerolog.Nop(),
		now:              time.Now,
		failureThreshold: cfg.Router.FailureThreshold,
		successThreshold: cfg.Router.SuccessThreshold,
		maxRetries:       cfg.Router.MaxRetries,
		retryDelay:       cfg.Router.RetryDelay,
		health:           make(map[string]*health, len(cfg.Providers)),
	}
	if r.failureThreshold <= 0 {
		r.failureThreshold = 3
	}
	if r.successThreshold <= 0 {
		r.successThreshold = 2
	}
	if r.retryDelay <= 0 {
		r.retryDelay = 200 * time.Millisecond
	}
	for _, o := range opts {
		o(r)
	}
	for _, p := range cfg.Providers {
		r.health[p.Name] = &health{status: models.ProviderStatus{Name: p.Name, Healthy: true, SuccessRate: 1}}
	}
	return r
}

// Resolve returns an ordered list of routes for the requested model.
// If the model matches a configured route, the route's targets are returned.
// Otherwise, the first provider is used with the original model name.
func (r *Router) Resolve(requestedModel string) ([]Route, error) {
	if len(r.cfg.Providers) == 0 {
		return nil, fmt.Errorf("no providers configured")
	}

	providerIndex := make(map[string]config.ProviderConfig, len(r.cfg.Providers))
	for _, p := range r.cfg.Providers {
		providerIndex[p.Name] = p
	}

	for _, route := range r.cfg.Router.Routes {
		if route.Model != requestedModel {
			continue
		}
		var routes []Route
		for _, target := range route.Targets {
			p, ok := providerIndex[target.Provider]
			if !ok {
				continue // skip unknown providers
			}
			model := target.Model
			if model == "" {
				model = requestedModel
			}
			routes = append(routes, Route{Provider: p, Model: model})
		}
		if len(routes) == 0 {
			return nil, fmt.Errorf("route %q: all providers unknown", requestedModel)
		}
		return routes, nil
	}

	return []Route{{Provider: r.cfg.Providers[0], Model: requestedModel}}, nil
}

// Plan returns the routes Execute would try, in order: preferred first
// (added when it is configured but not part of the chain), then healthy
// routes, then unhealthy ones.
func (r *Router) Plan(requestedModel, preferred string) ([]Route, error) {
	routes, err := r.Resolve(requestedModel)
	if err != nil {
		return nil, err
	}

	if preferred != "" {
		idx := lo.IndexOf(lo.Map(routes, func(rt Route, _ int) string { return rt.Provider.Name }), preferred)
		switch {
		case idx > 0:
			pref := routes[idx]
			routes = append([]Route{pref}, append(routes[:idx:idx], routes[idx+1:]...)...)
		case idx < 0:
			if p, ok := lo.Find(r.cfg.Providers, func(p config.ProviderConfig) bool { return p.Name == preferred }); ok {
				routes = append([]Route{{Provider: p, Model: requestedModel}}, routes...)
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	healthy := lo.Filter(routes, func(rt Route, _ int) bool { return r.healthyLocked(rt.Provider.Name) })
	unhealthy := lo.Reject(routes, func(rt Route, _ int) bool { return r.healthyLocked(rt.Provider.Name) })
	return append(healthy, unhealthy...), nil
}

// stopError marks a failure that must not be retried or fall back.
type stopError struct {
	err error
}

func (s *stopError) Error() string { return s.err.Error() }
func (s *stopError) Unwrap() error { return s.err }

// Stop wraps err so Execute returns it at once, without retries or
// fallback. Use it once a route has produced side effects, such as
// streamed output, that another attempt would repeat.
func Stop(err error) error {
	if err == nil {
		return nil
	}
	return &stopError{err: err}
}

// Lookup returns the registered provider for name.
func (r *Router) Lookup(name string) (provider.Provider, error) {
	return r.registry.Get(name)
}

// Execute runs fn against the routes for requestedModel until one succeeds.
// Retryable errors are retried on the same route with exponential backoff;
// other failures fall back to the next route. Errors that the caller caused
// (invalid request, budget, cancellation) stop immediately. The returned
// error is always a *provider.Error.
func (r *Router) Execute(ctx context.Context, requestedModel, preferred string, fn Func) (Route, error) {
	routes, err := r.Plan(requestedModel, preferred)
	if err != nil {
		return Route{}, provider.New(provider.KindConfig, "resolve model "+requestedModel, err)
	}

	var lastErr *provider.Error
	for i, route := range routes {
		name := route.Provider.Name
		p, err := r.registry.Get(name)
		if err != nil {
			lastErr = provider.Classify(err)
			r.logger.Warn().Str("provider", name).Err(err).Msg("route skipped")
			continue
		}

		err = r.attempt(ctx, p, route, fn)
		if err == nil {
			return route, nil
		}
		var stop *stopError
		stopped := errors.As(err, &stop)
		if stopped {
			err = stop.err
		}
		lastErr = provider.Classify(err)
		if lastErr.Provider == "" {
			lastErr.Provider = name
		}

		if stopped || ctx.Err() != nil || !fallbackable(lastErr.Kind) {
			return route, lastErr
		}
		if i+1 < len(routes) {
			next := routes[i+1].Provider.Name
			r.logger.Warn().Str("from", name).Str("to", next).Str("model", requestedModel).
				Str("error_kind", string(lastErr.Kind)).Msg("falling back")
			r.events.Publish(models.RoutingEvent{
				Type:      models.EventFallback,
				From:      name,
				To:        next,
				Timestamp: r.now(),
				Metadata:  map[string]string{"model": routes[i+1].Model, "reason": string(lastErr.Kind)},
			})
		}
	}
	if lastErr == nil {
		lastErr = provider.New(provider.KindConfig, "no usable route for "+requestedModel, nil)
	}
	return Route{}, lastErr
}

func (r *Router) attempt(ctx context.Context, p provider.Provider, route Route, fn Func) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.retryDelay
	eb.Multiplier = 2.0
	eb.MaxInterval = 30 * time.Second
	eb.MaxElapsedTime = 0
	eb.RandomizationFactor = 0.2
	eb.Reset()

	b := backoff.WithContext(backoff.WithMaxRetries(eb, r.maxRetries), ctx)

	name := route.Provider.Name
	operation := func() error {
		start := r.now()
		err := fn(ctx, p, route)
		var stop *stopError
		if errors.As(err, &stop) {
			r.Record(name, r.now().Sub(start), stop.err)
			return backoff.Permanent(err)
		}
		r.Record(name, r.now().Sub(start), err)
		if err == nil {
			return nil
		}
		pe := provider.Classify(err)
		if !pe.Retryable {
			return backoff.Permanent(pe)
		}
		if pe.RetryAfter > 0 {
			eb.InitialInterval = pe.RetryAfter
			eb.Reset()
		}
		return pe
	}
	notify := func(err error, d time.Duration) {
		r.logger.Debug().Str("provider", name).Dur("backoff", d).Err(err).Msg("retrying")
	}
	return backoff.RetryNotify(operation, b, notify)
}

// fallbackable reports whether a failure of this kind justifies trying the next route.
func fallbackable(k provider.Kind) bool {
	switch k {
	case provider.KindInvalidRequest, provider.KindBudget, provider.KindCancelled:
		return false
	}
	return true
}

// counted reports whether err says something about the provider's health.
func counted(err error) bool {
	if err == nil {
		return true
	}
	switch provider.KindOf(err) {
	case provider.KindInvalidRequest, provider.KindBudget, provider.KindCancelled:
		return false
	}
	return !errors.Is(err, context.Canceled)
}

// Record feeds one call result into the provider's health. Flips between
// healthy and unhealthy publish a status-update event.
func (r *Router) Record(name string, latency time.Duration, err error) {
	if !counted(err) {
		return
	}
	r.mu.Lock()
	h, ok := r.health[name]
	if !ok {
		h = &health{status: models.ProviderStatus{Name: name, Healthy: true, SuccessRate: 1}}
		r.health[name] = h
	}
	s := &h.status
	s.TotalRequests++
	s.LastChecked = r.now()

	h.results[h.next] = err == nil
	h.next = (h.next + 1) % resultWindow
	if h.filled < resultWindow {
		h.filled++
	}
	succeeded := 0
	for i := 0; i < h.filled; i++ {
		if h.results[i] {
			succeeded++
		}
	}
	s.SuccessRate = float64(succeeded) / float64(h.filled)

	flipped := false
	if err == nil {
		if s.Latency == 0 {
			s.Latency = latency
		} else {
			s.Latency = time.Duration(math.Round(latencyAlpha*float64(latency) + (1-latencyAlpha)*float64(s.Latency)))
		}
		s.ConsecutiveFailures = 0
		h.successes++
		if !s.Healthy && h.successes >= r.successThreshold {
			s.Healthy = true
			flipped = true
		}
	} else {
		s.ConsecutiveFailures++
		h.successes = 0
		if s.Healthy && s.ConsecutiveFailures >= r.failureThreshold {
			s.Healthy = false
			flipped = true
		}
	}
	snapshot := *s
	r.mu.Unlock()

	if !flipped {
		return
	}
	ev := r.logger.Info()
	if !snapshot.Healthy {
		ev = r.logger.Warn()
	}
	ev.Str("provider", name).Bool("healthy", snapshot.Healthy).
		Int("consecutive_failures", snapshot.ConsecutiveFailures).Msg("provider health changed")
	r.events.Publish(models.RoutingEvent{
		Type:      models.EventStatusUpdate,
		To:        name,
		Timestamp: snapshot.LastChecked,
		Metadata: map[string]string{
			"healthy":      strconv.FormatBool(snapshot.Healthy),
			"success_rate": strconv.FormatFloat(snapshot.SuccessRate, 'f', 2, 64),
		},
	})
}

func (r *Router) healthyLocked(name string) bool {
	h, ok := r.health[name]
	return !ok || h.status.Healthy
}

// Status returns the health snapshot of one provider.
func (r *Router) Status(name string) (models.ProviderStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.health[name]
	if !ok {
		return models.ProviderStatus{}, false
	}
	return h.status, true
}

// Statuses returns health snapshots in configuration order.
func (r *Router) Statuses(ctx context.Context) ([]models.ProviderStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.ProviderStatus, 0, len(r.health))
	seen := make(map[string]bool, len(r.health))
	for _, p := range r.cfg.Providers {
		if h, ok := r.health[p.Name]; ok {
			out = append(out, h.status)
			seen[p.Name] = true
		}
	}
	extra := lo.Filter(lo.Keys(r.health), func(name string, _ int) bool { return !seen[name] })
	sort.Strings(extra)
	for _, name := range extra {
		out = append(out, r.health[name].status)
	}
	return out, nil
}

// Check probes every configured provider through Validate concurrently and
// records the outcomes. It returns the joined probe failures.
func (r *Router) Check(ctx context.Context) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, pc := range r.cfg.Providers {
		p, err := r.registry.Get(pc.Name)
		if err != nil {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
			continue
		}
		wg.Add(1)
		go func(name string, p provider.Provider) {
			defer wg.Done()
			start := r.now()
			err := p.Validate(ctx)
			r.Record(name, r.now().Sub(start), err)
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				mu.Unlock()
			}
		}(pc.Name, p)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// AddObserver registers fn for every routing event the router publishes
// (fallbacks and health flips). The returned function removes it.
func (r *Router) AddObserver(fn func(models.RoutingEvent)) (remove func()) {
	return r.events.Subscribe(fn)
}
