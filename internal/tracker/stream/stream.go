package stream

import (
	"sync"

	"github.com/google/uuid"

	"bustrack/internal/tracker/domain"
)

// DefaultBuffer is the per-subscriber channel depth. A reader that falls
// this far behind starts losing the oldest events; subscribers reconcile
// through snapshots, so losses are tolerated.
const DefaultBuffer = 256

// Hub is the in-process change-stream fabric. The store publishes every
// accepted mutation; the broadcaster and workers subscribe. Publish order is
// preserved per subscriber, which preserves per-bus write order.
type Hub struct {
	origin string

	mu     sync.Mutex
	subs   map[int]chan domain.BusChanged
	nextID int
	closed bool
}

func NewHub() *Hub {
	return &Hub{
		origin: uuid.NewString(),
		subs:   make(map[int]chan domain.BusChanged),
	}
}

// Origin identifies this instance on the shared fabric.
func (h *Hub) Origin() string { return h.origin }

// Publish stamps the event with this instance's origin and fans it out.
func (h *Hub) Publish(ev domain.BusChanged) {
	if ev.Origin == "" {
		ev.Origin = h.origin
	}
	h.fanout(ev)
}

// Inject delivers an event received from the external fabric, keeping its
// remote origin.
func (h *Hub) Inject(ev domain.BusChanged) {
	h.fanout(ev)
}

func (h *Hub) fanout(ev domain.BusChanged) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			// Slow reader: shed the oldest event to keep per-bus order of
			// what remains.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

// Subscribe registers a reader. The returned cancel func detaches it and
// closes the channel.
func (h *Hub) Subscribe() (<-chan domain.BusChanged, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan domain.BusChanged, DefaultBuffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// Close detaches and closes every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
