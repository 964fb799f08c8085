// Package telemetry fans decoded events out to console consumers. The
// hub is in-process pub/sub: publishers never block, slow subscribers
// lose their oldest events and the loss is counted.
package telemetry

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/droid-deck/console/internal/protocol"
)

// Filter selects which events a subscription receives. A nil filter
// receives everything.
type Filter func(protocol.Event) bool

// Subscription is one consumer's view of the hub.
//
// LOCK ORDERING: Hub.mu before Subscription.mu. A subscription's channel
// is closed exactly once, by Unsubscribe or Stop, with closed set first
// under the subscription mutex so concurrent publishes cannot send on a
// closed channel.
type Subscription struct {
	ID     string
	events chan protocol.Event
	filter Filter

	mu      sync.Mutex
	closed  bool
	dropped atomic.Uint64
}

// Events is the subscriber's receive channel. It closes when the
// subscription is cancelled or the hub stops.
func (s *Subscription) Events() <-chan protocol.Event {
	return s.events
}

// Dropped reports how many events this subscriber lost to overflow.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// deliver enqueues without blocking, evicting the oldest buffered event
// on overflow.
func (s *Subscription) deliver(ev protocol.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	select {
	case s.events <- ev:
		return
	default:
	}

	// Buffer full: evict the oldest, then enqueue. Only this goroutine
	// sends while holding the mutex, so the second send cannot block.
	select {
	case <-s.events:
		s.dropped.Add(1)
	default:
	}
	select {
	case s.events <- ev:
	default:
		s.dropped.Add(1)
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
}

// Hub distributes events to subscribers and keeps a short replay ring
// for late joiners.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]*Subscription
	recent  []protocol.Event
	history int
	buffer  int
	stopped bool
}

// NewHub creates a hub. buffer is the per-subscriber channel depth,
// history the replay ring size.
func NewHub(buffer, history int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	if history < 0 {
		history = 0
	}
	return &Hub{
		subs:    make(map[string]*Subscription),
		history: history,
		buffer:  buffer,
	}
}

// Subscribe registers a consumer. filter may be nil to receive all
// events. A stopped hub returns a subscription whose channel is already
// closed.
func (h *Hub) Subscribe(filter Filter) *Subscription {
	sub := &Subscription{
		ID:     uuid.NewString(),
		events: make(chan protocol.Event, h.buffer),
		filter: filter,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		sub.close()
		return sub
	}
	h.subs[sub.ID] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel. Unknown or
// already-removed IDs are a no-op.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	delete(h.subs, id)
	h.mu.Unlock()

	if ok {
		sub.close()
	}
}

// Publish delivers an event to every matching subscriber and records it
// in the replay ring. Publish never blocks on a slow subscriber.
func (h *Hub) Publish(ev protocol.Event) {
	if ev == nil {
		return
	}

	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	if h.history > 0 {
		h.recent = append(h.recent, ev)
		if len(h.recent) > h.history {
			h.recent = h.recent[len(h.recent)-h.history:]
		}
	}
	subs := make([]*Subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		if sub.filter != nil && !sub.filter(ev) {
			continue
		}
		sub.deliver(ev)
	}
}

// Recent returns a copy of the replay ring, oldest first.
func (h *Hub) Recent() []protocol.Event {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]protocol.Event, len(h.recent))
	copy(out, h.recent)
	return out
}

// Stop closes every subscription. Publishes after Stop are discarded.
func (h *Hub) Stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	subs := make([]*Subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.subs = make(map[string]*Subscription)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}
