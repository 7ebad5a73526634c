package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/weave/pkg/models"
)

// recorder collects everything one subscriber sees.
type recorder struct {
	mu        sync.Mutex
	indices   []int
	data      []string
	notices   []error
	fatal     error
	completed *models.StreamState
}

func (r *recorder) subscriber() Subscriber {
	return Subscriber{
		OnChunk: func(c models.StreamChunk) {
			r.mu.Lock()
			r.indices = append(r.indices, c.Index)
			r.data = append(r.data, c.Data)
			r.mu.Unlock()
		},
		OnComplete: func(s models.StreamState) {
			r.mu.Lock()
			r.completed = &s
			r.mu.Unlock()
		},
		OnError: func(err error, recoverable bool) {
			r.mu.Lock()
			if recoverable {
				r.notices = append(r.notices, err)
			} else {
				r.fatal = err
			}
			r.mu.Unlock()
		},
	}
}

func (r *recorder) seen() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.indices...)
}

func emitN(t *testing.T, h *Handler, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, h.EmitChunk(context.Background(), fmt.Sprintf("c%d", i)))
	}
}

func TestOrderingAcrossSubscribers(t *testing.T) {
	h := NewHandler("s1")
	recs := []*recorder{{}, {}, {}}
	for _, r := range recs {
		h.Subscribe(r.subscriber())
	}

	emitN(t, h, 20)
	require.NoError(t, h.EmitComplete())

	want := make([]int, 20)
	for i := range want {
		want[i] = i
	}
	for _, r := range recs {
		assert.Equal(t, want, r.seen())
		require.NotNil(t, r.completed)
		assert.Equal(t, 20, r.completed.TotalChunks)
	}
}

func TestPauseResumeScenario(t *testing.T) {
	h := NewHandler("s1")
	r := &recorder{}
	h.Subscribe(r.subscriber())

	emitN(t, h, 3)
	h.Pause()
	assert.Equal(t, models.StreamPaused, h.State().Status)

	errc := make(chan error, 1)
	go func() { errc <- h.EmitChunk(context.Background(), "c3") }()

	require.Eventually(t, func() bool { return h.State().Pending == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []int{0, 1, 2}, r.seen(), "held chunk not delivered while paused")

	h.Resume()
	assert.Equal(t, []int{0, 1, 2, 3}, r.seen())
	require.NoError(t, <-errc)
	assert.Equal(t, models.StreamActive, h.State().Status)
}

func TestOrderingUnderConcurrentPauses(t *testing.T) {
	h := NewHandler("s1")
	r := &recorder{}
	h.Subscribe(r.subscriber())

	const n = 200
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < n; i++ {
			_ = h.EmitChunk(context.Background(), "x")
		}
	}()

	toggle := true
	for {
		select {
		case <-done:
			h.Resume()
			require.NoError(t, h.EmitComplete())
			seen := r.seen()
			require.Len(t, seen, n)
			for i, idx := range seen {
				assert.Equal(t, i, idx)
			}
			return
		default:
			if toggle {
				h.Pause()
			} else {
				h.Resume()
			}
			toggle = !toggle
			time.Sleep(50 * time.Microsecond)
		}
	}
}

func TestCompleteFlushesHeldChunks(t *testing.T) {
	h := NewHandler("s1")
	r := &recorder{}
	h.Subscribe(r.subscriber())

	emitN(t, h, 1)
	h.Pause()
	errc := make(chan error, 2)
	go func() { errc <- h.EmitChunk(context.Background(), "c1") }()
	require.Eventually(t, func() bool { return h.State().Pending == 1 }, time.Second, time.Millisecond)

	require.NoError(t, h.EmitComplete())
	require.NoError(t, <-errc)
	assert.Equal(t, []int{0, 1}, r.seen())
	require.NotNil(t, r.completed)
	assert.Equal(t, models.StreamCompleted, h.State().Status)
	assert.Equal(t, 2, h.State().TotalChunks)
}

func TestTerminality(t *testing.T) {
	tests := []struct {
		name   string
		finish func(h *Handler)
		status models.StreamStatus
	}{
		{"complete", func(h *Handler) { _ = h.EmitComplete() }, models.StreamCompleted},
		{"fatal error", func(h *Handler) { _ = h.EmitError(errors.New("boom"), false) }, models.StreamErrored},
		{"cancel", func(h *Handler) { h.Cancel() }, models.StreamCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler("s1")
			r := &recorder{}
			h.Subscribe(r.subscriber())
			emitN(t, h, 2)
			tt.finish(h)

			assert.ErrorIs(t, h.EmitChunk(context.Background(), "late"), ErrStreamClosed)
			assert.ErrorIs(t, h.EmitComplete(), ErrStreamClosed)
			assert.ErrorIs(t, h.EmitError(errors.New("x"), true), ErrStreamClosed)
			h.Cancel()
			h.Pause()
			h.Resume()

			assert.Equal(t, tt.status, h.State().Status)
			assert.Equal(t, []int{0, 1}, r.seen())
			select {
			case <-h.Done():
			default:
				t.Fatal("done channel not closed")
			}
		})
	}
}

func TestCancelDiscardsHeldChunks(t *testing.T) {
	h := NewHandler("s1")
	r := &recorder{}
	h.Subscribe(r.subscriber())

	emitN(t, h, 2)
	h.Pause()
	errc := make(chan error, 1)
	go func() { errc <- h.EmitChunk(context.Background(), "held") }()
	require.Eventually(t, func() bool { return h.State().Pending == 1 }, time.Second, time.Millisecond)

	h.Cancel()
	assert.ErrorIs(t, <-errc, ErrCancelled)
	assert.Equal(t, []int{0, 1}, r.seen())
	assert.ErrorIs(t, r.fatal, ErrCancelled)
	assert.Zero(t, h.State().Pending)
	assert.Equal(t, models.StreamCancelled, h.State().Status)
}

func TestFatalErrorDiscardsHeldChunks(t *testing.T) {
	h := NewHandler("s1")
	r := &recorder{}
	h.Subscribe(r.subscriber())

	emitN(t, h, 1)
	h.Pause()
	errc := make(chan error, 1)
	go func() { errc <- h.EmitChunk(context.Background(), "held") }()
	require.Eventually(t, func() bool { return h.State().Pending == 1 }, time.Second, time.Millisecond)

	boom := errors.New("provider failed")
	require.NoError(t, h.EmitError(boom, false))
	assert.ErrorIs(t, <-errc, ErrStreamClosed)
	assert.Equal(t, []int{0}, r.seen())
	assert.Equal(t, boom, r.fatal)

	st := h.State()
	assert.Equal(t, models.StreamErrored, st.Status)
	assert.Equal(t, "provider failed", st.Err)
}

func TestRecoverableError(t *testing.T) {
	h := NewHandler("s1")
	r := &recorder{}
	h.Subscribe(r.subscriber())

	emitN(t, h, 1)
	require.NoError(t, h.EmitError(errors.New("rate limited, retrying"), true))
	require.NoError(t, h.EmitChunk(context.Background(), "after"))

	assert.Equal(t, models.StreamActive, h.State().Status)
	assert.Len(t, r.notices, 1)
	assert.Nil(t, r.fatal)
	assert.Equal(t, []int{0, 1}, r.seen())
}

func TestLateSubscriberReplay(t *testing.T) {
	h := NewHandler("s1")
	emitN(t, h, 3)

	late := &recorder{}
	h.Subscribe(late.subscriber())
	assert.Equal(t, []int{0, 1, 2}, late.seen())

	emitN(t, h, 1)
	assert.Equal(t, []int{0, 1, 2, 3}, late.seen())

	require.NoError(t, h.EmitComplete())
	after := &recorder{}
	h.Subscribe(after.subscriber())
	assert.Equal(t, []int{0, 1, 2, 3}, after.seen())
	require.NotNil(t, after.completed)
	assert.Equal(t, 4, after.completed.TotalChunks)
}

func TestUnsubscribe(t *testing.T) {
	h := NewHandler("s1")
	r := &recorder{}
	unsub := h.Subscribe(r.subscriber())
	emitN(t, h, 1)
	unsub()
	unsub()
	emitN(t, h, 1)
	assert.Equal(t, []int{0}, r.seen())
}

func TestPauseFromCallback(t *testing.T) {
	h := NewHandler("s1")
	var seen []int
	h.Subscribe(Subscriber{OnChunk: func(c models.StreamChunk) {
		seen = append(seen, c.Index)
		if c.Index == 1 {
			h.Pause()
		}
	}})

	emitN(t, h, 2)
	errc := make(chan error, 1)
	go func() { errc <- h.EmitChunk(context.Background(), "c2") }()
	require.Eventually(t, func() bool { return h.State().Pending == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []int{0, 1}, seen)

	h.Resume()
	require.NoError(t, <-errc)
	assert.Equal(t, []int{0, 1, 2}, seen)
}

func TestCancelFromCallback(t *testing.T) {
	h := NewHandler("s1")
	r := &recorder{}
	sub := r.subscriber()
	onChunk := sub.OnChunk
	sub.OnChunk = func(c models.StreamChunk) {
		onChunk(c)
		h.Cancel()
	}
	h.Subscribe(sub)

	require.NoError(t, h.EmitChunk(context.Background(), "only"))
	assert.ErrorIs(t, h.EmitChunk(context.Background(), "late"), ErrStreamClosed)
	assert.Equal(t, []int{0}, r.seen())
	assert.ErrorIs(t, r.fatal, ErrCancelled)
}

func TestCancelAfterCompleteAccepted(t *testing.T) {
	h := NewHandler("s1")
	r := &recorder{}
	sub := r.subscriber()
	onChunk := sub.OnChunk
	sub.OnChunk = func(c models.StreamChunk) {
		onChunk(c)
		h.Cancel()
	}
	h.Subscribe(sub)

	h.Pause()
	errc := make(chan error, 1)
	go func() { errc <- h.EmitChunk(context.Background(), "held") }()
	require.Eventually(t, func() bool { return h.State().Pending == 1 }, time.Second, time.Millisecond)

	require.NoError(t, h.EmitComplete())
	require.NoError(t, <-errc)
	assert.Equal(t, []int{0}, r.seen())
	require.NotNil(t, r.completed, "accepted completion is delivered")
	assert.NoError(t, r.fatal)
	assert.Equal(t, models.StreamCompleted, h.State().Status)
}

func TestEmitContextWhilePaused(t *testing.T) {
	h := NewHandler("s1")
	h.Pause()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.EmitChunk(ctx, "x"), context.DeadlineExceeded)
	assert.Equal(t, 1, h.State().Pending, "chunk stays queued")
}

func TestDuration(t *testing.T) {
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	h := NewHandler("s1", WithClock(func() time.Time { return now }))
	assert.Equal(t, models.StreamIdle, h.State().Status)
	assert.Zero(t, h.State().Duration)

	h.Start()
	now = now.Add(1500 * time.Millisecond)
	require.NoError(t, h.EmitComplete())
	now = now.Add(time.Hour)

	st := h.State()
	assert.Equal(t, 1500*time.Millisecond, st.Duration)
	assert.Equal(t, models.StreamCompleted, st.Status)
}
