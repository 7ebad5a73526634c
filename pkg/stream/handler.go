// Package stream delivers the ordered chunks of one operation to any number
// of subscribers, with pause/resume backpressure and cancellation.
package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pario-ai/weave/pkg/models"
)

var (
	// ErrStreamClosed is returned by emits after the stream finished. It signals a caller bug.
	ErrStreamClosed = errors.New("stream closed")
	// ErrCancelled is delivered to subscribers and to paused emitters when a stream is cancelled.
	ErrCancelled = errors.New("stream cancelled")
)

// Subscriber receives stream events. Nil callbacks are skipped.
// A cancelled stream reports ErrCancelled through OnError.
type Subscriber struct {
	OnChunk    func(models.StreamChunk)
	OnComplete func(models.StreamState)
	OnError    func(err error, recoverable bool)
}

type eventKind int

const (
	evChunk eventKind = iota
	evNotice
	evJoin
	evTerminal
)

type event struct {
	kind   eventKind
	chunk  models.StreamChunk
	err    error
	status models.StreamStatus
	waiter chan error
	subID  int
}

type subscription struct {
	sub  Subscriber
	live bool
}

// delivery is what one event turns into once state has been updated.
type delivery struct {
	ev      event
	targets []Subscriber
	replay  []models.StreamChunk
	final   *event
	state   models.StreamState
}

// Handler is one stream. Events are delivered by whichever goroutine holds
// the delivery lock, so callbacks run one at a time and may call back into
// the handler. A callback that re-enters sees its event delivered after it returns.
type Handler struct {
	id     string
	logger zerolog.Logger
	now    func() time.Time

	onTerminal func(models.StreamStatus)
	onIdle     func()

	mu        sync.Mutex
	status    models.StreamStatus
	closed    bool
	nextIndex int
	chunks    []models.StreamChunk
	pending   []event
	outbox    []event
	subs      map[int]*subscription
	order     []int
	nextSub   int
	startedAt time.Time
	endedAt   time.Time
	err       error
	final     *event
	idle      bool
	done      chan struct{}

	deliverMu sync.Mutex
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(h *Handler) { h.logger = l.With().Str("component", "stream").Logger() }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// NewHandler creates an idle stream.
func NewHandler(id string, opts ...Option) *Handler {
	h := &Handler{
		id:     id,
		logger: zerolog.Nop(),
		now:    time.Now,
		status: models.StreamIdle,
		subs:   make(map[int]*subscription),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With().Str("stream_id", id).Logger()
	return h
}

// ID returns the stream id.
func (h *Handler) ID() string {
	return h.id
}

// Done is closed once the stream reaches a terminal state.
func (h *Handler) Done() <-chan struct{} {
	return h.done
}

// Start moves an idle stream to active and starts its clock.
func (h *Handler) Start() {
	h.mu.Lock()
	h.startLocked()
	h.mu.Unlock()
}

func (h *Handler) startLocked() {
	if h.status == models.StreamIdle {
		h.status = models.StreamActive
		h.startedAt = h.now()
	}
}

// Subscribe registers sub. Chunks already delivered are replayed to it first,
// followed by the terminal notification if the stream has finished.
func (h *Handler) Subscribe(sub Subscriber) (unsubscribe func()) {
	h.mu.Lock()
	id := h.nextSub
	h.nextSub++
	h.subs[id] = &subscription{sub: sub}
	h.order = append(h.order, id)
	h.outbox = append(h.outbox, event{kind: evJoin, subID: id})
	h.mu.Unlock()

	h.drain()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			for i, sid := range h.order {
				if sid == id {
					h.order = append(h.order[:i:i], h.order[i+1:]...)
					break
				}
			}
			h.mu.Unlock()
			h.maybeIdle()
		})
	}
}

// EmitChunk appends data as the next chunk. While the stream is paused the
// call blocks until the chunk is delivered by Resume or EmitComplete, or
// discarded by Cancel or a fatal error. If ctx ends first the call returns
// ctx.Err() and the chunk stays queued.
func (h *Handler) EmitChunk(ctx context.Context, data string) error {
	h.mu.Lock()
	if h.closed {
		status := h.status
		h.mu.Unlock()
		h.logger.Error().Str("status", string(status)).Msg("emit on closed stream")
		return ErrStreamClosed
	}
	h.startLocked()
	ev := event{
		kind:  evChunk,
		chunk: models.StreamChunk{Index: h.nextIndex, Data: data, Timestamp: h.now()},
	}
	h.nextIndex++

	if h.status == models.StreamPaused {
		ev.waiter = make(chan error, 1)
		h.pending = append(h.pending, ev)
		h.mu.Unlock()
		select {
		case err := <-ev.waiter:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	h.outbox = append(h.outbox, ev)
	h.mu.Unlock()
	h.drain()
	return nil
}

// Pause holds back chunks emitted from now on. Chunks emitted earlier are
// still delivered.
func (h *Handler) Pause() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || h.status == models.StreamPaused {
		return
	}
	h.startLocked()
	h.status = models.StreamPaused
}

// Resume releases held chunks in submission order. Unless called from a
// subscriber callback they are delivered before Resume returns.
func (h *Handler) Resume() {
	h.mu.Lock()
	if h.status != models.StreamPaused {
		h.mu.Unlock()
		return
	}
	h.status = models.StreamActive
	h.outbox = append(h.outbox, h.pending...)
	h.pending = nil
	h.mu.Unlock()
	h.drain()
}

// EmitComplete flushes held chunks, then finishes the stream as completed.
func (h *Handler) EmitComplete() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		h.logger.Error().Msg("complete on closed stream")
		return ErrStreamClosed
	}
	h.startLocked()
	h.closed = true
	h.outbox = append(h.outbox, h.pending...)
	h.pending = nil
	h.outbox = append(h.outbox, event{kind: evTerminal, status: models.StreamCompleted})
	h.mu.Unlock()
	h.drain()
	return nil
}

// EmitError reports err to subscribers. A recoverable error is a notification
// ordered with the chunks and the stream stays live. Otherwise the stream
// ends as errored and undelivered chunks are discarded.
func (h *Handler) EmitError(err error, recoverable bool) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		h.logger.Error().Err(err).Msg("error on closed stream")
		return ErrStreamClosed
	}
	h.startLocked()

	if recoverable {
		ev := event{kind: evNotice, err: err}
		if h.status == models.StreamPaused {
			h.pending = append(h.pending, ev)
			h.mu.Unlock()
			return nil
		}
		h.outbox = append(h.outbox, ev)
		h.mu.Unlock()
		h.drain()
		return nil
	}

	h.terminateLocked(models.StreamErrored, err, ErrStreamClosed)
	h.mu.Unlock()
	h.logger.Debug().Err(err).Msg("stream errored")
	h.drain()
	return nil
}

// Cancel ends the stream as cancelled from any non-terminal state. Held and
// undelivered chunks are discarded and paused emitters get ErrCancelled.
// A stream whose completion was already accepted is left to complete.
func (h *Handler) Cancel() {
	h.mu.Lock()
	if h.closed || h.status.Terminal() {
		h.mu.Unlock()
		return
	}
	h.terminateLocked(models.StreamCancelled, ErrCancelled, ErrCancelled)
	h.mu.Unlock()
	h.logger.Debug().Msg("stream cancelled")
	h.drain()
}

// terminateLocked ends the stream immediately, dropping chunks that have not
// been delivered. Blocked emitters receive waiterErr.
func (h *Handler) terminateLocked(status models.StreamStatus, err, waiterErr error) {
	h.closed = true
	h.release(h.pending, waiterErr)
	h.pending = nil

	kept := h.outbox[:0]
	var dropped []event
	for _, ev := range h.outbox {
		switch ev.kind {
		case evChunk, evNotice, evTerminal:
			dropped = append(dropped, ev)
		default:
			kept = append(kept, ev)
		}
	}
	h.outbox = kept
	h.release(dropped, waiterErr)

	h.err = err
	h.setTerminalLocked(status)
	h.outbox = append(h.outbox, event{kind: evTerminal, status: status, err: err})
}

func (h *Handler) release(events []event, err error) {
	for _, ev := range events {
		if ev.waiter != nil {
			ev.waiter <- err
		}
	}
}

func (h *Handler) setTerminalLocked(status models.StreamStatus) {
	if h.status.Terminal() {
		return
	}
	h.status = status
	h.endedAt = h.now()
	close(h.done)
	if h.onTerminal != nil {
		h.onTerminal(status)
	}
}

// State returns a snapshot of the stream.
func (h *Handler) State() models.StreamState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stateLocked()
}

func (h *Handler) stateLocked() models.StreamState {
	s := models.StreamState{
		ID:          h.id,
		Status:      h.status,
		Chunks:      append([]models.StreamChunk(nil), h.chunks...),
		TotalChunks: len(h.chunks),
		Pending:     len(h.pending),
		StartedAt:   h.startedAt,
		EndedAt:     h.endedAt,
	}
	switch {
	case h.startedAt.IsZero():
	case h.endedAt.IsZero():
		s.Duration = h.now().Sub(h.startedAt)
	default:
		s.Duration = h.endedAt.Sub(h.startedAt)
	}
	if h.err != nil {
		s.Err = h.err.Error()
	}
	return s
}

// drain delivers queued events unless another goroutine, or a callback
// further up this goroutine's stack, already holds the delivery lock.
func (h *Handler) drain() {
	for {
		if !h.deliverMu.TryLock() {
			return
		}
		for {
			d, ok := h.next()
			if !ok {
				break
			}
			h.dispatch(d)
		}
		h.deliverMu.Unlock()

		h.mu.Lock()
		more := len(h.outbox) > 0
		h.mu.Unlock()
		if !more {
			h.maybeIdle()
			return
		}
	}
}

// next pops one event and applies it to the stream state.
func (h *Handler) next() (delivery, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.outbox) == 0 {
		return delivery{}, false
	}
	ev := h.outbox[0]
	h.outbox = h.outbox[1:]
	d := delivery{ev: ev}

	switch ev.kind {
	case evChunk:
		h.chunks = append(h.chunks, ev.chunk)
		d.targets = h.liveLocked()
	case evNotice:
		d.targets = h.liveLocked()
	case evJoin:
		s, ok := h.subs[ev.subID]
		if !ok {
			break
		}
		s.live = true
		d.targets = []Subscriber{s.sub}
		d.replay = append([]models.StreamChunk(nil), h.chunks...)
		d.final = h.final
		if d.final != nil {
			d.state = h.stateLocked()
		}
	case evTerminal:
		h.setTerminalLocked(ev.status)
		final := ev
		h.final = &final
		d.targets = h.liveLocked()
		d.state = h.stateLocked()
	}
	return d, true
}

func (h *Handler) liveLocked() []Subscriber {
	out := make([]Subscriber, 0, len(h.order))
	for _, id := range h.order {
		if s := h.subs[id]; s.live {
			out = append(out, s.sub)
		}
	}
	return out
}

func (h *Handler) dispatch(d delivery) {
	switch d.ev.kind {
	case evChunk:
		for _, s := range d.targets {
			if s.OnChunk != nil {
				s.OnChunk(d.ev.chunk)
			}
		}
		if d.ev.waiter != nil {
			d.ev.waiter <- nil
		}
	case evNotice:
		for _, s := range d.targets {
			if s.OnError != nil {
				s.OnError(d.ev.err, true)
			}
		}
	case evJoin:
		for _, s := range d.targets {
			if s.OnChunk != nil {
				for _, c := range d.replay {
					s.OnChunk(c)
				}
			}
			if d.final != nil {
				notifyFinal(s, *d.final, d.state)
			}
		}
	case evTerminal:
		for _, s := range d.targets {
			notifyFinal(s, d.ev, d.state)
		}
	}
}

func notifyFinal(s Subscriber, final event, state models.StreamState) {
	if final.status == models.StreamCompleted {
		if s.OnComplete != nil {
			s.OnComplete(state)
		}
		return
	}
	if s.OnError != nil {
		s.OnError(final.err, false)
	}
}

// maybeIdle fires onIdle once the terminal notification has gone out and
// nobody is subscribed.
func (h *Handler) maybeIdle() {
	h.mu.Lock()
	fire := h.onIdle != nil && !h.idle && h.final != nil && len(h.subs) == 0 && len(h.outbox) == 0
	if fire {
		h.idle = true
	}
	h.mu.Unlock()
	if fire {
		h.onIdle()
	}
}
