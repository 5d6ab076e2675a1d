package bus

import "time"

// Event kinds published by the client core. Subscribers filter by prefix,
// so "timeline." receives every timeline event.
const (
	KindStatusChanged   = "session.status_changed"
	KindTimelineChanged = "timeline.changed"
	KindPresenceChanged = "presence.changed"
	KindScopeChanged    = "conversation.selected"
	KindMessageSent     = "message.sent"
	KindSendFailed      = "message.send_failed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
