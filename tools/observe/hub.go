// Package observe is the subscription boundary between the sync core and its
// consumers (UI, tests): state owners publish, subscribers get callbacks.
package observe

import "sync"

// Hub fans a value out to every subscriber, in subscription order.
type Hub[T any] struct {
	mu   sync.RWMutex
	next int
	subs map[int]func(T)
	ord  []int
}

func NewHub[T any]() *Hub[T] {
	return &Hub[T]{subs: make(map[int]func(T))}
}

// Subscribe registers fn and returns the function that removes it.
func (h *Hub[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = fn
	h.ord = append(h.ord, id)
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs, id)
			for i, v := range h.ord {
				if v == id {
					h.ord = append(h.ord[:i], h.ord[i+1:]...)
					break
				}
			}
		})
	}
}

// Publish calls subscribers synchronously, outside the hub lock.
func (h *Hub[T]) Publish(v T) {
	h.mu.RLock()
	fns := make([]func(T), 0, len(h.ord))
	for _, id := range h.ord {
		fns = append(fns, h.subs[id])
	}
	h.mu.RUnlock()
	for _, fn := range fns {
		fn(v)
	}
}

func (h *Hub[T]) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
