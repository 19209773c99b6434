package event

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// Wildcard is the pseudo event type that matches every published event.
const Wildcard = "*"

// Handler processes a published event.
type Handler func(Event)

// subscription pairs a handler with its unsubscribe token.
type subscription struct {
	id      string
	handler Handler
}

// Bus is a synchronous publish-subscribe hub. Components publish domain
// events and any number of subscribers receive them in registration order.
// Handlers run on the publisher's goroutine, so they must return quickly;
// anything slow (network writes, disk IO) belongs behind a channel.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]*subscription // event type -> ordered subscriptions
	nextID atomic.Uint64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[string][]*subscription),
	}
}

// Subscribe registers a handler for a specific event type and returns a
// token for Unsubscribe.
func (b *Bus) Subscribe(eventType string, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := fmt.Sprintf("sub-%d", b.nextID.Add(1))
	b.subs[eventType] = append(b.subs[eventType], &subscription{id: id, handler: handler})
	return id
}

// SubscribeAll registers a handler for every event type.
// Returns a token for Unsubscribe.
func (b *Bus) SubscribeAll(handler Handler) string {
	return b.Subscribe(Wildcard, handler)
}

// Unsubscribe removes a subscription by token.
// Returns true if the subscription was found and removed.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subs {
		for i, sub := range subs {
			if sub.id == id {
				b.subs[eventType] = append(subs[:i], subs[i+1:]...)
				return true
			}
		}
	}
	return false
}

// Publish delivers the event to subscribers of its type first, then to
// wildcard subscribers, in registration order within each set. The
// subscription list is snapshotted under the read lock and dispatch happens
// outside it, so handlers may subscribe or unsubscribe without deadlocking.
// A panicking handler is recovered and logged; remaining handlers still run.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	specific := b.subs[ev.EventType()]
	wildcard := b.subs[Wildcard]
	targets := make([]*subscription, 0, len(specific)+len(wildcard))
	targets = append(targets, specific...)
	targets = append(targets, wildcard...)
	b.mu.RUnlock()

	for _, sub := range targets {
		b.dispatch(sub.handler, ev)
	}
}

// dispatch invokes a handler, recovering from panics so one misbehaving
// subscriber cannot block delivery to the others.
func (b *Bus) dispatch(handler Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panicked",
				"event_type", ev.EventType(),
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
		}
	}()
	handler(ev)
}

// Clear drops every subscription.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[string][]*subscription)
}

// SubscriptionCount returns the number of active subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, subs := range b.subs {
		n += len(subs)
	}
	return n
}
