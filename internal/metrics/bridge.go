package metrics

import (
	"sync"

	"github.com/meridian-obs/meridian/internal/event"
)

// Bridge keeps the lifecycle counters current by subscribing to the event
// bus. Components that already hold a *Metrics record their own instruments
// directly; the bridge covers the counters that are pure functions of the
// event stream so no component needs to double-report.
type Bridge struct {
	mu      sync.Mutex
	bus     *event.Bus
	metrics *Metrics
	subIDs  []string
}

// NewBridge creates a Bridge. Call Start to begin counting.
func NewBridge(bus *event.Bus, m *Metrics) *Bridge {
	return &Bridge{
		bus:     bus,
		metrics: m,
	}
}

// Start subscribes to the group and publish lifecycle events.
// Calling Start twice without Stop is a no-op.
func (b *Bridge) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.subIDs) > 0 {
		return
	}

	b.subIDs = append(b.subIDs,
		b.bus.Subscribe(event.TypeGroupCreated, func(event.Event) {
			b.metrics.GroupsCreated.Inc()
		}),
		b.bus.Subscribe(event.TypeGroupReady, func(event.Event) {
			b.metrics.GroupsReady.Inc()
		}),
		b.bus.Subscribe(event.TypeGroupCompleted, func(event.Event) {
			b.metrics.GroupsCompleted.Inc()
		}),
		b.bus.Subscribe(event.TypeGroupFailed, func(event.Event) {
			b.metrics.GroupsFailed.Inc()
		}),
		b.bus.Subscribe(event.TypeProductPublished, func(event.Event) {
			b.metrics.PublishAttempts.WithLabelValues(PublishSuccess).Inc()
		}),
		b.bus.Subscribe(event.TypePublishFailed, func(e event.Event) {
			pf, ok := e.(event.PublishFailedEvent)
			if ok && pf.Exhausted {
				b.metrics.PublishAttempts.WithLabelValues(PublishExhausted).Inc()
				return
			}
			b.metrics.PublishAttempts.WithLabelValues(PublishFailure).Inc()
		}),
	)
}

// Stop removes the bridge's subscriptions.
func (b *Bridge) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, id := range b.subIDs {
		b.bus.Unsubscribe(id)
	}
	b.subIDs = nil
}
