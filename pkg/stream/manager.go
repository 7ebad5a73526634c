package stream

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pario-ai/weave/pkg/ids"
	"github.com/pario-ai/weave/pkg/models"
)

// DefaultMaxStreams bounds the number of live handlers in a Manager.
const DefaultMaxStreams = 1000

var (
	// ErrStreamNotFound is returned for unknown or collected stream ids.
	ErrStreamNotFound = errors.New("stream not found")
	// ErrTooManyStreams is returned when the manager is at capacity.
	ErrTooManyStreams = errors.New("too many streams")
)

// Manager creates handlers and keeps them until they are terminal and
// their last subscriber has gone.
type Manager struct {
	ids    ids.Generator
	max    int
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	streams map[string]*Handler
	metrics models.StreamMetrics
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithIDs sets the id generator for new streams.
func WithIDs(g ids.Generator) ManagerOption {
	return func(m *Manager) { m.ids = g }
}

// WithMaxStreams caps the number of live streams. Zero or less uses DefaultMaxStreams.
func WithMaxStreams(n int) ManagerOption {
	return func(m *Manager) { m.max = n }
}

// WithManagerLogger sets the logger handed to every handler.
func WithManagerLogger(l zerolog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithManagerClock replaces time.Now for every handler.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		ids:     ids.UUID{},
		logger:  zerolog.Nop(),
		now:     time.Now,
		streams: make(map[string]*Handler),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.max <= 0 {
		m.max = DefaultMaxStreams
	}
	return m
}

// Create registers a new idle handler with a generated id.
func (m *Manager) Create() (*Handler, error) {
	return m.CreateWithID(m.ids.New())
}

// CreateWithID registers a new idle handler under id, typically the operation id.
func (m *Manager) CreateWithID(id string) (*Handler, error) {
	h := NewHandler(id, WithLogger(m.logger), WithClock(m.now))
	h.onTerminal = m.terminal
	h.onIdle = func() { m.remove(id, h) }

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.streams[id]; ok {
		return nil, fmt.Errorf("stream %q already exists", id)
	}
	if len(m.streams) >= m.max {
		return nil, fmt.Errorf("%w: limit %d", ErrTooManyStreams, m.max)
	}
	m.streams[id] = h
	m.metrics.Created++
	return h, nil
}

// Get returns the handler for id.
func (m *Manager) Get(id string) (*Handler, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.streams[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStreamNotFound, id)
	}
	return h, nil
}

// Cancel cancels the stream with id.
func (m *Manager) Cancel(id string) error {
	h, err := m.Get(id)
	if err != nil {
		return err
	}
	h.Cancel()
	return nil
}

// CancelAll cancels every live stream.
func (m *Manager) CancelAll() {
	for _, h := range m.handlers() {
		h.Cancel()
	}
}

// List returns a snapshot of every registered stream ordered by start time.
func (m *Manager) List() []models.StreamState {
	handlers := m.handlers()
	states := make([]models.StreamState, 0, len(handlers))
	for _, h := range handlers {
		states = append(states, h.State())
	}
	sort.Slice(states, func(i, j int) bool {
		if states[i].StartedAt.Equal(states[j].StartedAt) {
			return states[i].ID < states[j].ID
		}
		return states[i].StartedAt.Before(states[j].StartedAt)
	})
	return states
}

// Len returns the number of registered streams.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

// Metrics returns lifetime totals. Active counts registered streams that are not terminal.
func (m *Manager) Metrics() models.StreamMetrics {
	handlers := m.handlers()
	var active int64
	for _, h := range handlers {
		if !h.State().Status.Terminal() {
			active++
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.metrics
	out.Active = active
	return out
}

// handlers copies the registry so handler locks are never taken under m.mu.
func (m *Manager) handlers() []*Handler {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Handler, 0, len(m.streams))
	for _, h := range m.streams {
		out = append(out, h)
	}
	return out
}

func (m *Manager) terminal(status models.StreamStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch status {
	case models.StreamCompleted:
		m.metrics.Completed++
	case models.StreamErrored:
		m.metrics.Errored++
	case models.StreamCancelled:
		m.metrics.Cancelled++
	}
}

func (m *Manager) remove(id string, h *Handler) {
	m.mu.Lock()
	if m.streams[id] == h {
		delete(m.streams, id)
	}
	m.mu.Unlock()
	m.logger.Debug().Str("stream_id", id).Msg("stream collected")
}
