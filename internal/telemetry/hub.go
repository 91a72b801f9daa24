// Package telemetry fans training events out to streaming subscribers.
package telemetry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

const (
	EventStatus   = "status"
	EventBatch    = "batch_update"
	EventEpoch    = "epoch_update"
	EventComplete = "training_complete"
	EventStopped  = "training_stopped"
	EventError    = "training_error"

	DefaultQueueSize = 256
)

// Event is marshalled flat: the payload's fields sit next to "type".
type Event struct {
	Type    string
	Payload any
}

func (e Event) MarshalJSON() ([]byte, error) {
	fields := map[string]json.RawMessage{}
	if e.Payload != nil {
		raw, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("event %s payload is not an object: %w", e.Type, err)
		}
	}
	kind, err := json.Marshal(e.Type)
	if err != nil {
		return nil, err
	}
	fields["type"] = kind
	return json.Marshal(fields)
}

// Sink is the producer side of the hub; the training controller depends only on this.
type Sink interface {
	Emit(Event)
}

type Options struct {
	QueueSize int
	Logger    *slog.Logger
}

// Hub delivers every emitted event to each subscriber in emission order.
// Emit never blocks: a full subscriber queue drops its oldest event.
type Hub struct {
	mu        sync.Mutex
	subs      map[uint64]*Subscription
	nextID    uint64
	queueSize int
	emitted   uint64
	closed    bool
	logger    *slog.Logger
}

func NewHub(opts Options) *Hub {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Hub{
		subs:      make(map[uint64]*Subscription),
		queueSize: opts.QueueSize,
		logger:    opts.Logger,
	}
}

// Subscription is one consumer's bounded queue.
type Subscription struct {
	id      uint64
	hub     *Hub
	events  chan Event
	dropped uint64
	closed  bool
}

func (s *Subscription) ID() uint64 { return s.id }

// Events is closed when the subscription is removed or the hub shuts down.
func (s *Subscription) Events() <-chan Event { return s.events }

// Dropped reports how many events were discarded because the queue was full.
func (s *Subscription) Dropped() uint64 {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return s.dropped
}

// Close unsubscribes; it is safe to call more than once.
func (s *Subscription) Close() {
	s.hub.Unsubscribe(s)
}

func (h *Hub) Subscribe() *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	sub := &Subscription{id: h.nextID, hub: h, events: make(chan Event, h.queueSize)}
	if h.closed {
		sub.closed = true
		close(sub.events)
		return sub
	}
	h.subs[sub.id] = sub
	h.logger.Debug("telemetry subscriber added", "subscriber", sub.id, "subscribers", len(h.subs))
	return sub
}

func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub)
}

func (h *Hub) removeLocked(sub *Subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	delete(h.subs, sub.id)
	close(sub.events)
	h.logger.Debug("telemetry subscriber removed", "subscriber", sub.id, "dropped", sub.dropped, "subscribers", len(h.subs))
}

func (h *Hub) Emit(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.emitted++
	for _, sub := range h.subs {
		select {
		case sub.events <- ev:
			continue
		default:
		}
		// Emit holds the lock, so after evicting one event the send cannot block.
		select {
		case <-sub.events:
			sub.dropped++
		default:
		}
		sub.events <- ev
	}
}

// Close removes every subscriber; later emits are discarded.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for _, sub := range h.subs {
		h.removeLocked(sub)
	}
	h.closed = true
}

type Stats struct {
	Subscribers int    `json:"subscribers"`
	Emitted     uint64 `json:"emitted"`
	Dropped     uint64 `json:"dropped"`
}

func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	stats := Stats{Subscribers: len(h.subs), Emitted: h.emitted}
	for _, sub := range h.subs {
		stats.Dropped += sub.dropped
	}
	return stats
}
