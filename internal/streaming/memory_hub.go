package streaming

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cascadeio/cascade/pkg/schema"
)

const defaultChannelBuffer = 64

// subscriber holds a channel and filter for a single subscriber.
type subscriber struct {
	ch     chan schema.Event
	filter Filter
}

// Hub is an in-memory pub/sub Emitter. Emission never blocks: events for
// slow subscribers are dropped.
type Hub struct {
	mu   sync.RWMutex
	subs map[uint64]*subscriber
	seq  atomic.Uint64
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		subs: make(map[uint64]*subscriber),
	}
}

// Emit sends an event to all matching subscribers. Fire-and-forget.
func (h *Hub) Emit(event schema.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !matchFilter(sub.filter, event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// backpressure: drop event for slow subscriber
		}
	}
}

// Subscribe creates a new subscription filtered by the given Filter.
// Returns a receive-only channel and a cancel function.
func (h *Hub) Subscribe(filter Filter) (<-chan schema.Event, func()) {
	id := h.seq.Add(1)
	ch := make(chan schema.Event, defaultChannelBuffer)

	h.mu.Lock()
	h.subs[id] = &subscriber{ch: ch, filter: filter}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}

	return ch, cancel
}

// matchFilter returns true if the event passes the filter criteria.
func matchFilter(f Filter, e schema.Event) bool {
	if f.ExecutionID != "" && f.ExecutionID != e.ExecutionID {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if t == e.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
