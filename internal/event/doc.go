// Package event provides a pub-sub event bus for decoupled inter-component
// communication in Meridian.
//
// This package enables loose coupling between the assembler, scheduler,
// product registry, and control plane by allowing them to communicate through
// events rather than direct method calls. Components can publish events
// without knowing who will receive them, and subscribe to events without
// knowing who will produce them. The control plane's WebSocket hub subscribes
// to everything and relays events to connected operator clients.
//
// # Main Types
//
//   - [Event]: Interface that all events must implement, providing EventType() and Timestamp()
//   - [Bus]: Synchronous pub-sub event dispatcher with thread-safe operations
//   - [Handler]: Function type for event handlers (func(Event))
//
// # Event Categories
//
// Group lifecycle:
//   - [GroupCreatedEvent]: Emitted when the first subband of a new group arrives
//   - [GroupReadyEvent]: Emitted when a group becomes eligible for processing
//   - [GroupCompletedEvent]: Emitted when the final stage succeeds
//   - [GroupFailedEvent]: Emitted when a group enters the failed state
//
// Stage execution:
//   - [StageStartedEvent]: Emitted when a worker begins a pipeline stage
//   - [StageCompletedEvent]: Emitted when a pipeline stage succeeds
//
// Data products:
//   - [ProductRegisteredEvent]: Emitted when an artifact is recorded in the registry
//   - [ProductPublishedEvent]: Emitted when a product reaches the durable tier
//   - [PublishFailedEvent]: Emitted when a publish attempt fails
//
// Control plane:
//   - [ConfigChangedEvent]: Emitted when a live configuration update is applied
//   - [WatcherFailedEvent]: Emitted when the filesystem watcher gives up
//
// # Thread Safety
//
// The [Bus] type is safe for concurrent use. Multiple goroutines can publish
// and subscribe concurrently. Handlers are called synchronously and protected
// against panics - a panicking handler will not prevent other handlers from
// being called.
//
// # Basic Usage
//
//	bus := event.NewBus()
//
//	// Subscribe to specific event types
//	bus.Subscribe(event.TypeGroupReady, func(e event.Event) {
//	    ready := e.(event.GroupReadyEvent)
//	    log.Printf("group %s ready (%s)", ready.GroupID, ready.Reason)
//	})
//
//	// Subscribe to all events (useful for the WebSocket relay)
//	bus.SubscribeAll(func(e event.Event) {
//	    log.Printf("event: %s at %v", e.EventType(), e.Timestamp())
//	})
//
//	// Publish events
//	bus.Publish(event.NewGroupReadyEvent("2025-01-15T10:30:00", 16, event.ReadyComplete))
//
//	// Unsubscribe when done
//	id := bus.Subscribe(event.TypeProductPublished, handler)
//	bus.Unsubscribe(id)
//
// # Event Type Naming Convention
//
// Event types follow the pattern "category.action":
//   - group.created, group.ready, group.completed, group.failed
//   - stage.started, stage.completed
//   - product.registered, product.published, publish.failed
//   - config.changed, watcher.failed
package event
