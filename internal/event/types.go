package event

import "time"

// Event is the interface that all events must implement.
// It provides a common way to identify and timestamp events.
type Event interface {
	// EventType returns a string identifier for this event type.
	// Convention: "category.action" (e.g., "group.ready", "product.published")
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// Wire event type identifiers.
const (
	TypeGroupCreated      = "group.created"
	TypeGroupReady        = "group.ready"
	TypeGroupCompleted    = "group.completed"
	TypeGroupFailed       = "group.failed"
	TypeStageStarted      = "stage.started"
	TypeStageCompleted    = "stage.completed"
	TypeProductRegistered = "product.registered"
	TypeProductPublished  = "product.published"
	TypePublishFailed     = "publish.failed"
	TypeConfigChanged     = "config.changed"
	TypeWatcherFailed     = "watcher.failed"
)

// Types returns all wire event type identifiers.
func Types() []string {
	return []string{
		TypeGroupCreated,
		TypeGroupReady,
		TypeGroupCompleted,
		TypeGroupFailed,
		TypeStageStarted,
		TypeStageCompleted,
		TypeProductRegistered,
		TypeProductPublished,
		TypePublishFailed,
		TypeConfigChanged,
		TypeWatcherFailed,
	}
}

// baseEvent provides common fields for all events.
// Embed this in concrete event types to satisfy the Event interface.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

// newBaseEvent creates a baseEvent with the current time.
func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// -----------------------------------------------------------------------------
// Group Lifecycle Events
// -----------------------------------------------------------------------------

// GroupCreatedEvent is emitted exactly once when the assembler first sees a
// subband file for a new observation group.
type GroupCreatedEvent struct {
	baseEvent
	GroupID          string `json:"group_id"`
	ExpectedSubbands int    `json:"expected_subbands"`
}

// NewGroupCreatedEvent creates a GroupCreatedEvent.
func NewGroupCreatedEvent(groupID string, expectedSubbands int) GroupCreatedEvent {
	return GroupCreatedEvent{
		baseEvent:        newBaseEvent(TypeGroupCreated),
		GroupID:          groupID,
		ExpectedSubbands: expectedSubbands,
	}
}

// GroupReadyEvent is emitted when a group transitions to pending, either
// because all expected subbands arrived or because the completeness timer
// fired with an acceptable count.
type GroupReadyEvent struct {
	baseEvent
	GroupID      string `json:"group_id"`
	SubbandCount int    `json:"subband_count"`
	Reason       string `json:"reason"` // "complete" or "timeout"
}

// Reasons a group becomes ready.
const (
	ReadyComplete = "complete"
	ReadyTimeout  = "timeout"
)

// NewGroupReadyEvent creates a GroupReadyEvent.
func NewGroupReadyEvent(groupID string, subbandCount int, reason string) GroupReadyEvent {
	return GroupReadyEvent{
		baseEvent:    newBaseEvent(TypeGroupReady),
		GroupID:      groupID,
		SubbandCount: subbandCount,
		Reason:       reason,
	}
}

// GroupCompletedEvent is emitted when the final pipeline stage for a group
// reports success.
type GroupCompletedEvent struct {
	baseEvent
	GroupID string `json:"group_id"`
}

// NewGroupCompletedEvent creates a GroupCompletedEvent.
func NewGroupCompletedEvent(groupID string) GroupCompletedEvent {
	return GroupCompletedEvent{
		baseEvent: newBaseEvent(TypeGroupCompleted),
		GroupID:   groupID,
	}
}

// GroupFailedEvent is emitted when a group reaches the failed state: the
// completeness timer fired below the minimum subband count, a stage failed
// fatally, or retries were exhausted.
type GroupFailedEvent struct {
	baseEvent
	GroupID string `json:"group_id"`
	Stage   string `json:"stage,omitempty"`
	Reason  string `json:"reason"`
}

// NewGroupFailedEvent creates a GroupFailedEvent.
func NewGroupFailedEvent(groupID, stage, reason string) GroupFailedEvent {
	return GroupFailedEvent{
		baseEvent: newBaseEvent(TypeGroupFailed),
		GroupID:   groupID,
		Stage:     stage,
		Reason:    reason,
	}
}

// -----------------------------------------------------------------------------
// Stage Events
// -----------------------------------------------------------------------------

// StageStartedEvent is emitted when a worker begins executing a pipeline
// stage for a group.
type StageStartedEvent struct {
	baseEvent
	GroupID string `json:"group_id"`
	Stage   string `json:"stage"`
	Attempt int    `json:"attempt"`
}

// NewStageStartedEvent creates a StageStartedEvent.
func NewStageStartedEvent(groupID, stage string, attempt int) StageStartedEvent {
	return StageStartedEvent{
		baseEvent: newBaseEvent(TypeStageStarted),
		GroupID:   groupID,
		Stage:     stage,
		Attempt:   attempt,
	}
}

// StageCompletedEvent is emitted when a pipeline stage finishes successfully.
type StageCompletedEvent struct {
	baseEvent
	GroupID   string  `json:"group_id"`
	Stage     string  `json:"stage"`
	DurationS float64 `json:"duration_s"`
	Produced  int     `json:"produced"`
}

// NewStageCompletedEvent creates a StageCompletedEvent.
func NewStageCompletedEvent(groupID, stage string, duration time.Duration, produced int) StageCompletedEvent {
	return StageCompletedEvent{
		baseEvent: newBaseEvent(TypeStageCompleted),
		GroupID:   groupID,
		Stage:     stage,
		DurationS: duration.Seconds(),
		Produced:  produced,
	}
}

// -----------------------------------------------------------------------------
// Product Events
// -----------------------------------------------------------------------------

// ProductRegisteredEvent is emitted when a stage artifact is recorded in the
// product registry. Downstream consumers treat this as the dispatch
// notification for new candidates.
type ProductRegisteredEvent struct {
	baseEvent
	DataID   string `json:"data_id"`
	DataType string `json:"data_type"`
	GroupID  string `json:"group_id,omitempty"`
}

// NewProductRegisteredEvent creates a ProductRegisteredEvent.
func NewProductRegisteredEvent(dataID, dataType, groupID string) ProductRegisteredEvent {
	return ProductRegisteredEvent{
		baseEvent: newBaseEvent(TypeProductRegistered),
		DataID:    dataID,
		DataType:  dataType,
		GroupID:   groupID,
	}
}

// ProductPublishedEvent is emitted when a product is promoted from the
// staging tier to the durable tier.
type ProductPublishedEvent struct {
	baseEvent
	DataID        string `json:"data_id"`
	PublishedPath string `json:"published_path"`
	Attempts      int    `json:"attempts"`
}

// NewProductPublishedEvent creates a ProductPublishedEvent.
func NewProductPublishedEvent(dataID, publishedPath string, attempts int) ProductPublishedEvent {
	return ProductPublishedEvent{
		baseEvent:     newBaseEvent(TypeProductPublished),
		DataID:        dataID,
		PublishedPath: publishedPath,
		Attempts:      attempts,
	}
}

// PublishFailedEvent is emitted when a publish attempt fails. Exhausted is
// true when the attempt cap was reached and operator intervention is needed.
type PublishFailedEvent struct {
	baseEvent
	DataID    string `json:"data_id"`
	Error     string `json:"error"`
	Attempts  int    `json:"attempts"`
	Exhausted bool   `json:"exhausted"`
}

// NewPublishFailedEvent creates a PublishFailedEvent.
func NewPublishFailedEvent(dataID, errMsg string, attempts int, exhausted bool) PublishFailedEvent {
	return PublishFailedEvent{
		baseEvent: newBaseEvent(TypePublishFailed),
		DataID:    dataID,
		Error:     errMsg,
		Attempts:  attempts,
		Exhausted: exhausted,
	}
}

// -----------------------------------------------------------------------------
// Control Events
// -----------------------------------------------------------------------------

// ConfigChangedEvent is emitted when the control plane applies a live
// configuration update.
type ConfigChangedEvent struct {
	baseEvent
	Applied  []string `json:"applied"`
	Deferred []string `json:"deferred,omitempty"`
}

// NewConfigChangedEvent creates a ConfigChangedEvent.
func NewConfigChangedEvent(applied, deferred []string) ConfigChangedEvent {
	return ConfigChangedEvent{
		baseEvent: newBaseEvent(TypeConfigChanged),
		Applied:   applied,
		Deferred:  deferred,
	}
}

// WatcherFailedEvent is emitted when the filesystem watcher could not be
// re-established. The rest of the pipeline continues to drain in-flight work.
type WatcherFailedEvent struct {
	baseEvent
	Reason string `json:"reason"`
}

// NewWatcherFailedEvent creates a WatcherFailedEvent.
func NewWatcherFailedEvent(reason string) WatcherFailedEvent {
	return WatcherFailedEvent{
		baseEvent: newBaseEvent(TypeWatcherFailed),
		Reason:    reason,
	}
}
