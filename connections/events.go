package connections

import (
	"sync"
)

// Event is one of the closed set of notifications emitted by the core:
// QueueUpdated, DepthChanged, StateChanged. Delivery is fire-and-forget;
// a lagging subscriber loses events rather than blocking the emitter.
type Event interface {
	EventProfile() string
}

// QueueUpdated is emitted after any put, delete or clear on a queue.
type QueueUpdated struct {
	Profile string
	Queue   string
}

func (e QueueUpdated) EventProfile() string { return e.Profile }

// DepthChanged is emitted opportunistically when a depth becomes known
// during another operation.
type DepthChanged struct {
	Profile string
	Queue   string
	Depth   int64
}

func (e DepthChanged) EventProfile() string { return e.Profile }

// StateChanged is emitted on every connection lifecycle transition.
type StateChanged struct {
	Profile string
	State   State
	Err     error
}

func (e StateChanged) EventProfile() string { return e.Profile }

// Bus fans events out to subscribers.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a buffered subscription. The returned cancel func
// removes it and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber without blocking.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is not keeping up; the event is dropped.
		}
	}
}

// profileSink adapts the bus to the providers.EventSink contract for one
// profile, stamping every event with the profile id.
type profileSink struct {
	bus     *Bus
	profile string
}

func (s profileSink) QueueUpdated(queue string) {
	s.bus.Publish(QueueUpdated{Profile: s.profile, Queue: queue})
}

func (s profileSink) DepthChanged(queue string, depth int64) {
	s.bus.Publish(DepthChanged{Profile: s.profile, Queue: queue, Depth: depth})
}
