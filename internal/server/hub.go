package server

import (
	"sync"

	"github.com/comigor/anachak-go/internal/chat"
)

// Hub fans transcript snapshots out to SSE subscribers. Slow subscribers only
// ever see the latest snapshot.
type Hub struct {
	mu   sync.Mutex
	subs map[chan []chat.Message]struct{}
}

// NewHub returns an empty hub. Register Publish as an agent observer.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan []chat.Message]struct{})}
}

// Publish delivers snap to every subscriber without blocking.
func (h *Hub) Publish(snap []chat.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- snap:
		default:
			// replace the stale snapshot
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

// Subscribe returns a channel of snapshots and a function to release it.
func (h *Hub) Subscribe() (<-chan []chat.Message, func()) {
	ch := make(chan []chat.Message, 1)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
	}
}
