// Package routing implements the provider routing controller: the current
// provider selection, a cached view of provider health and a bounded log of
// routing events, exposed through the subscribe/notify contract.
package routing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/pario-ai/weave/pkg/models"
	"github.com/pario-ai/weave/pkg/observe"
)

// DefaultMaxEvents bounds the event log.
const DefaultMaxEvents = 50

// Source supplies provider health snapshots. *router.Router satisfies it.
type Source interface {
	Statuses(ctx context.Context) ([]models.ProviderStatus, error)
}

// Observable is implemented by sources that publish routing events.
type Observable interface {
	AddObserver(fn func(models.RoutingEvent)) (remove func())
}

// Controller tracks the selected provider and routing history.
// All methods are safe for concurrent use.
type Controller struct {
	src       Source
	maxEvents int
	interval  time.Duration
	logger    zerolog.Logger
	now       func() time.Time

	mu       sync.Mutex
	state    models.RoutingState
	inflight int
	onChange func(from, to string)

	hub      observe.Hub[models.RoutingState]
	detach   func()
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	disposed bool
}

// Option configures a Controller.
type Option func(*Controller)

// WithMaxEvents bounds the event log. Zero or less uses DefaultMaxEvents.
func WithMaxEvents(n int) Option {
	return func(c *Controller) { c.maxEvents = n }
}

// WithAutoRefresh polls the source every interval until Dispose.
func WithAutoRefresh(interval time.Duration) Option {
	return func(c *Controller) { c.interval = interval }
}

// WithOnProviderChange sets the callback invoked after every provider switch.
func WithOnProviderChange(fn func(from, to string)) Option {
	return func(c *Controller) { c.onChange = fn }
}

// WithLogger sets the controller logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Controller) { c.logger = l.With().Str("component", "routing").Logger() }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// New creates a Controller over src. When src is Observable the controller
// registers itself as an observer until Dispose. Auto-refresh, when
// configured, starts immediately.
func New(src Source, opts ...Option) *Controller {
	c := &Controller{
		src:    src,
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	if c.maxEvents <= 0 {
		c.maxEvents = DefaultMaxEvents
	}
	if obs, ok := src.(Observable); ok {
		c.detach = obs.AddObserver(c.handleEvent)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	if c.interval > 0 {
		c.wg.Add(1)
		go c.loop(ctx)
	}
	return c
}

func (c *Controller) loop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Ticks do not wait for the previous refresh.
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				if err := c.RefreshStatus(ctx); err != nil && ctx.Err() == nil {
					c.logger.Warn().Err(err).Msg("auto refresh failed")
				}
			}()
		}
	}
}

// SelectProvider makes name the current provider. Unknown or unhealthy
// providers are rejected by recording an error in the state; the current
// provider is left unchanged. Selecting the current provider again only
// clears the error.
func (c *Controller) SelectProvider(name string) {
	c.mu.Lock()
	status, ok := lo.Find(c.state.Providers, func(p models.ProviderStatus) bool { return p.Name == name })
	var reject string
	switch {
	case !ok:
		reject = fmt.Sprintf("provider %q is not available", name)
	case !status.Healthy:
		reject = fmt.Sprintf("provider %q is unhealthy", name)
	}
	if reject != "" {
		c.state.Err = reject
		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.logger.Warn().Str("provider", name).Msg(reject)
		c.hub.Publish(snap)
		return
	}

	c.state.Err = ""
	from := c.state.CurrentProvider
	if from == name {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.hub.Publish(snap)
		return
	}
	c.state.CurrentProvider = name
	c.appendLocked(models.RoutingEvent{Type: models.EventSwitch, From: from, To: name, Timestamp: c.now()})
	onChange := c.onChange
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.logger.Info().Str("from", from).Str("to", name).Msg("provider selected")
	if onChange != nil {
		onChange(from, name)
	}
	c.hub.Publish(snap)
}

// RefreshStatus pulls a fresh health snapshot from the source. On failure
// the previous provider list is kept and the error is recorded.
func (c *Controller) RefreshStatus(ctx context.Context) error {
	c.mu.Lock()
	c.inflight++
	c.state.Refreshing = true
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.hub.Publish(snap)

	statuses, err := c.src.Statuses(ctx)

	c.mu.Lock()
	c.inflight--
	c.state.Refreshing = c.inflight > 0
	if err != nil {
		c.state.Err = fmt.Sprintf("refresh status: %v", err)
	} else {
		c.state.Providers = append([]models.ProviderStatus(nil), statuses...)
		c.state.LastRefresh = c.now()
		c.state.Err = ""
	}
	snap = c.snapshotLocked()
	c.mu.Unlock()
	c.hub.Publish(snap)

	if err != nil {
		return fmt.Errorf("refresh status: %w", err)
	}
	return nil
}

// handleEvent records an event published by the source. A fallback moves
// the current provider to the one that took over; a status update refreshes
// that provider's health flag.
func (c *Controller) handleEvent(e models.RoutingEvent) {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.appendLocked(e)
	var from string
	switched := false
	switch e.Type {
	case models.EventFallback:
		if c.state.CurrentProvider != e.To {
			from = c.state.CurrentProvider
			c.state.CurrentProvider = e.To
			switched = true
		}
	case models.EventStatusUpdate:
		for i := range c.state.Providers {
			if c.state.Providers[i].Name == e.To {
				c.state.Providers[i].Healthy = e.Metadata["healthy"] == "true"
			}
		}
	}
	onChange := c.onChange
	snap := c.snapshotLocked()
	c.mu.Unlock()

	if switched && onChange != nil {
		onChange(from, e.To)
	}
	c.hub.Publish(snap)
}

// appendLocked adds e to the log, evicting the oldest entries past maxEvents.
func (c *Controller) appendLocked(e models.RoutingEvent) {
	c.state.Events = append(c.state.Events, e)
	if over := len(c.state.Events) - c.maxEvents; over > 0 {
		c.state.Events = append([]models.RoutingEvent(nil), c.state.Events[over:]...)
	}
	last := e
	c.state.LastEvent = &last
}

// ClearEvents empties the event log. Provider state is untouched.
func (c *Controller) ClearEvents() {
	c.mu.Lock()
	c.state.Events = nil
	c.state.LastEvent = nil
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.hub.Publish(snap)
}

// OnProviderChange replaces the provider change callback.
func (c *Controller) OnProviderChange(fn func(from, to string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = fn
}

// CurrentProvider returns the selected provider, or "" when none is.
func (c *Controller) CurrentProvider() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.CurrentProvider
}

// State returns a snapshot of the controller state.
func (c *Controller) State() models.RoutingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Subscribe registers fn for every state change and returns a function that removes it.
func (c *Controller) Subscribe(fn func(models.RoutingState)) (unsubscribe func()) {
	return c.hub.Subscribe(fn)
}

// Dispose stops auto-refresh, detaches from the source and waits for
// in-flight refreshes started by the timer. It is idempotent.
func (c *Controller) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	detach := c.detach
	c.mu.Unlock()

	c.cancel()
	if detach != nil {
		detach()
	}
	c.wg.Wait()
}

func (c *Controller) snapshotLocked() models.RoutingState {
	s := c.state
	s.Providers = append([]models.ProviderStatus(nil), c.state.Providers...)
	s.Events = append([]models.RoutingEvent(nil), c.state.Events...)
	if c.state.LastEvent != nil {
		last := *c.state.LastEvent
		s.LastEvent = &last
	}
	return s
}
