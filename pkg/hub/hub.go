// Package hub fans session events out to any number of listeners using
// the channel-based fan-out pattern.
//
// Publishing never blocks and never fails. Each subscriber sees events in
// publish order; a subscriber that falls behind is dropped rather than
// slowing anyone else down. Events published before a subscriber joined
// are not replayed.
package hub

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/teslashibe/go-companion/pkg/protocol"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 256

// Stats counts hub activity.
type Stats struct {
	Subscribers int   `json:"subscribers"`
	Published   int64 `json:"published"`
	Delivered   int64 `json:"delivered"`
	Dropped     int64 `json:"dropped"`      // events lost to a full hub queue
	SlowDropped int64 `json:"slow_dropped"` // subscribers removed for falling behind
}

// Hub maintains the set of subscribers and broadcasts events to them.
type Hub struct {
	// Name for logging
	name   string
	logger *slog.Logger

	// Inbound events to broadcast
	broadcast chan protocol.Event

	mu      sync.RWMutex
	subs    map[*Subscriber]bool
	running atomic.Bool

	published   atomic.Int64
	delivered   atomic.Int64
	dropped     atomic.Int64
	slowDropped atomic.Int64
}

// New creates a new Hub.
func New(name string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		name:      name,
		logger:    logger.With("component", "hub", "hub", name),
		broadcast: make(chan protocol.Event, DefaultBuffer),
		subs:      make(map[*Subscriber]bool),
	}
}

// Run delivers published events until ctx is done, then closes every
// subscriber.
func (h *Hub) Run(ctx context.Context) {
	h.running.Store(true)
	defer h.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case e := <-h.broadcast:
			h.fanOut(e)
		}
	}
}

func (h *Hub) fanOut(e protocol.Event) {
	var slow []*Subscriber

	h.mu.RLock()
	for sub := range h.subs {
		select {
		case sub.ch <- e:
			h.delivered.Add(1)
		default:
			// Buffer full: the subscriber is too slow.
			slow = append(slow, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range slow {
		if h.remove(sub) {
			h.slowDropped.Add(1)
			h.logger.Warn("dropped slow subscriber")
		}
	}
}

// Publish queues an event for every current subscriber. It never blocks;
// if the hub queue is full the event is dropped.
func (h *Hub) Publish(e protocol.Event) {
	select {
	case h.broadcast <- e:
		h.published.Add(1)
	default:
		h.dropped.Add(1)
		h.logger.Warn("broadcast queue full, dropping event", "type", e.Type)
	}
}

// Subscribe registers a listener with the given queue length. The
// subscriber receives every event published after Subscribe returns.
func (h *Hub) Subscribe(buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	sub := &Subscriber{hub: h, ch: make(chan protocol.Event, buffer)}

	h.mu.Lock()
	h.subs[sub] = true
	count := len(h.subs)
	h.mu.Unlock()

	h.logger.Debug("subscriber connected", "total", count)
	return sub
}

func (h *Hub) remove(sub *Subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.subs[sub] {
		return false
	}
	delete(h.subs, sub)
	close(sub.ch)
	h.logger.Debug("subscriber disconnected", "remaining", len(h.subs))
	return true
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		close(sub.ch)
		delete(h.subs, sub)
	}
}

// ClientCount returns the number of subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// IsRunning returns whether the hub loop is running.
func (h *Hub) IsRunning() bool {
	return h.running.Load()
}

// Stats returns a snapshot of counters.
func (h *Hub) Stats() Stats {
	return Stats{
		Subscribers: h.ClientCount(),
		Published:   h.published.Load(),
		Delivered:   h.delivered.Load(),
		Dropped:     h.dropped.Load(),
		SlowDropped: h.slowDropped.Load(),
	}
}

// Subscriber is one listener.
type Subscriber struct {
	hub *Hub
	ch  chan protocol.Event
}

// C returns the event channel. It is closed when the subscriber is
// removed or the hub stops.
func (s *Subscriber) C() <-chan protocol.Event {
	return s.ch
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscriber) Close() {
	s.hub.remove(s)
}
