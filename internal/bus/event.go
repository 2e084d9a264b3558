package bus

import "time"

// Event kinds published by the engine. Subscribers filter by prefix, so
// "outbox." matches every outbox event and "" matches everything.
const (
	KindOutboxEnqueued     = "outbox.enqueued"
	KindOutboxStateChanged = "outbox.state_changed"
	KindTimelineChanged    = "timeline.changed"
	KindConnChanged        = "conn.changed"
	KindRTMessage          = "rt.message"
	KindRTStatus           = "rt.status"
	KindRTStateChanged     = "rt.state_changed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// TimelineChange is the payload for timeline.changed events.
type TimelineChange struct {
	ChatID string
}
