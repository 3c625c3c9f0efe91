package call

import (
	"log/slog"
	"sync"
)

const defaultSubscriberBuffer = 32

// Hub fans snapshots out to any number of subscribers. A new subscriber first
// receives the most recent snapshot. Delivery never blocks the publisher: a
// subscriber whose buffer is full misses snapshots until it catches up.
type Hub struct {
	mu     sync.Mutex
	subs   map[int]chan Snapshot
	nextID int
	last   *Snapshot
	buffer int
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Snapshot), buffer: defaultSubscriberBuffer}
}

// Publish delivers snap to every subscriber.
func (h *Hub) Publish(snap Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = &snap
	for id, ch := range h.subs {
		select {
		case ch <- snap:
		default:
			slog.Debug("call: subscriber lagging, snapshot skipped", "subscriber", id, "state", snap.State.String())
		}
	}
}

// Subscribe registers a new subscriber. The returned cancel function removes
// the subscription and closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe() (<-chan Snapshot, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan Snapshot, h.buffer)
	if h.last != nil {
		ch <- *h.last
	}
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs, id)
			close(ch)
		})
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
