// Package events is the engine's in-process publish/subscribe channel.
//
// Publishing never blocks: each subscriber owns a bounded buffer and events
// that do not fit are dropped and counted against that subscriber.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Type names an engine event.
type Type string

const (
	ServiceInitialized Type = "serviceInitialized"
	ServiceShutdown    Type = "serviceShutdown"
	DeviceRegistered   Type = "deviceRegistered"
	DeviceStatusChange Type = "deviceStatusChange"
	LocationUpdate     Type = "locationUpdate"
	GeofenceBreach     Type = "geofenceBreach"
	AlertCreated       Type = "alertCreated"
	AlertEscalated     Type = "alertEscalated"
	AlertAcknowledged  Type = "alertAcknowledged"
	AlertResolved      Type = "alertResolved"
)

// Event is a single emission. Payload is one of the payload structs in
// payloads.go.
type Event struct {
	Type    Type      `json:"type"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload"`
}

// Publisher is what engine components depend on.
type Publisher interface {
	Publish(Event)
}

// DefaultBufferSize is used when Subscribe is given a non-positive size.
const DefaultBufferSize = 256

// Subscription receives events on C until the bus closes or Unsubscribe is called.
type Subscription struct {
	C <-chan Event

	name    string
	ch      chan Event
	filter  map[Type]bool
	dropped atomic.Int64
	bus     *Bus
}

// Name returns the subscriber name given to Subscribe.
func (s *Subscription) Name() string { return s.name }

// Dropped returns how many events did not fit in the buffer.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Unsubscribe detaches the subscription and closes C.
func (s *Subscription) Unsubscribe() { s.bus.remove(s) }

func (s *Subscription) wants(t Type) bool {
	return len(s.filter) == 0 || s.filter[t]
}

// Bus fans events out to subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool

	published atomic.Int64
	dropped   atomic.Int64
	logger    *slog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[*Subscription]struct{}),
		logger: logger.With("component", "event_bus"),
	}
}

// Subscribe registers a subscriber. With no types it receives everything.
func (b *Bus) Subscribe(name string, bufferSize int, types ...Type) *Subscription {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	ch := make(chan Event, bufferSize)
	sub := &Subscription{C: ch, name: name, ch: ch, bus: b}
	if len(types) > 0 {
		sub.filter = make(map[Type]bool, len(types))
		for _, t := range types {
			sub.filter[t] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Publish delivers ev to every interested subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.published.Add(1)

	for sub := range b.subs {
		if !sub.wants(ev.Type) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
			b.dropped.Add(1)
			b.logger.Debug("subscriber buffer full, event dropped",
				"subscriber", sub.name,
				"event", ev.Type,
			)
		}
	}
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.ch)
}

// Close detaches every subscriber and closes their channels. Later publishes
// are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
	}
	b.subs = nil
}

// Stats is a point-in-time view of bus counters.
type Stats struct {
	Subscribers int   `json:"subscribers"`
	Published   int64 `json:"published"`
	Dropped     int64 `json:"dropped"`
}

// Stats returns bus counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Stats{
		Subscribers: len(b.subs),
		Published:   b.published.Load(),
		Dropped:     b.dropped.Load(),
	}
}
