// Package observe implements the subscribe/notify contract shared by the cache
// manager, the cost tracker, the stream manager and the routing controller.
// UI bindings adapt a Hub to their own reactive primitive.
package observe

import "sync"

// Listener receives a published value.
type Listener[T any] func(T)

// Hub fans published values out to subscribers in subscription order.
// The zero value is ready to use.
type Hub[T any] struct {
	mu        sync.RWMutex
	nextID    uint64
	order     []uint64
	listeners map[uint64]Listener[T]
}

// Subscribe registers fn and returns a function that removes it.
// The returned function is idempotent.
func (h *Hub[T]) Subscribe(fn Listener[T]) (unsubscribe func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.listeners == nil {
		h.listeners = make(map[uint64]Listener[T])
	}
	id := h.nextID
	h.nextID++
	h.listeners[id] = fn
	h.order = append(h.order, id)

	var once sync.Once
	return func() {
		once.Do(func() { h.remove(id) })
	}
}

func (h *Hub[T]) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.listeners, id)
	for i, v := range h.order {
		if v == id {
			h.order = append(h.order[:i:i], h.order[i+1:]...)
			break
		}
	}
}

// Publish calls every listener with v. Listeners run outside the lock, so
// they may subscribe or unsubscribe.
func (h *Hub[T]) Publish(v T) {
	for _, fn := range h.snapshot() {
		fn(v)
	}
}

// Len returns the number of current subscribers.
func (h *Hub[T]) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners)
}

func (h *Hub[T]) snapshot() []Listener[T] {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]Listener[T], 0, len(h.order))
	for _, id := range h.order {
		out = append(out, h.listeners[id])
	}
	return out
}
