// Package notify fans state-change signals out to listeners.
package notify

import "sync"

// Hub tracks listeners by id and wakes them on every change. Signals coalesce: a
// listener that has not drained its channel receives a single pending signal.
type Hub struct {
	mu        sync.RWMutex
	listeners map[int]chan struct{}
	nextID    int
	closed    bool
}

func NewHub() *Hub {
	return &Hub{listeners: make(map[int]chan struct{})}
}

// Subscribe registers a listener. The returned function removes it and closes its
// channel.
func (h *Hub) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.listeners[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() { h.remove(id) })
	}
}

// Notify wakes every listener without blocking.
func (h *Hub) Notify() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.listeners {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Len returns the number of listeners.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners)
}

// CloseAll closes every listener channel. Later subscriptions receive a closed channel.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.listeners {
		close(ch)
		delete(h.listeners, id)
	}
	h.closed = true
}

func (h *Hub) remove(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.listeners[id]; ok {
		close(ch)
		delete(h.listeners, id)
	}
}
