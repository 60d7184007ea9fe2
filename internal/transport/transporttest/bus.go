// Package transporttest provides an in-memory Bus for component tests, so
// gate, presence and call logic can be exercised without a live relay.
package transporttest

import (
	"encoding/json"
	"sync"

	"github.com/tutorlink/live/internal/transport"
)

// Bus is a loopback transport.Bus. Published events are recorded and can
// be delivered to local subscribers explicitly with Emit, which keeps test
// ordering deterministic.
type Bus struct {
	mu        sync.Mutex
	handlers  map[string]map[uint64]transport.Handler
	nextID    uint64
	published []transport.Envelope
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[string]map[uint64]transport.Handler)}
}

func (b *Bus) Publish(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.published = append(b.published, transport.Envelope{Event: event, Data: data})
	b.mu.Unlock()
	return nil
}

func (b *Bus) Subscribe(event string, fn transport.Handler) *transport.Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	if b.handlers[event] == nil {
		b.handlers[event] = make(map[uint64]transport.Handler)
	}
	b.handlers[event][id] = fn
	return transport.NewSubscription(func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[event], id)
	})
}

// Emit delivers an inbound event to current subscribers, as if it arrived
// from the relay.
func (b *Bus) Emit(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	b.mu.Lock()
	fns := make([]transport.Handler, 0, len(b.handlers[event]))
	for _, fn := range b.handlers[event] {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(data)
	}
}

// Published returns all events published so far for the given name.
func (b *Bus) Published(event string) []transport.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []transport.Envelope
	for _, env := range b.published {
		if env.Event == event {
			out = append(out, env)
		}
	}
	return out
}

// SubscriberCount reports live subscriptions for an event, letting tests
// assert that teardown actually unsubscribed room-scoped handlers.
func (b *Bus) SubscriberCount(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers[event])
}
