package relay

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventStreamStarted   EventType = "stream.started"
	EventStreamCompleted EventType = "stream.completed"
	EventStreamCancelled EventType = "stream.cancelled"
	EventStreamFailed    EventType = "stream.failed"
	EventStreamTimedOut  EventType = "stream.timed_out"
	EventRejected        EventType = "admit.rejected"
	EventBanned          EventType = "moderation.banned"
	EventUnbanned        EventType = "moderation.unbanned"
	EventBroadcast       EventType = "moderation.broadcast"
	EventContextCleared  EventType = "session.context_cleared"
	EventModelChanged    EventType = "session.model_changed"
	EventPersonaChanged  EventType = "session.persona_changed"
)

// Event is a lifecycle record emitted by the Dispatcher.
type Event struct {
	ID       string    `json:"id"`
	Type     EventType `json:"type"`
	UserID   UserID    `json:"user_id,omitempty"`
	StreamID string    `json:"stream_id,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	Time     time.Time `json:"time"`
}

func newEvent(t EventType, userID UserID, now time.Time) Event {
	return Event{
		ID:     uuid.NewString(),
		Type:   t,
		UserID: userID,
		Time:   now,
	}
}

func statusEvent(s Status) EventType {
	switch s {
	case StatusCompleted:
		return EventStreamCompleted
	case StatusCancelled:
		return EventStreamCancelled
	case StatusTimedOut:
		return EventStreamTimedOut
	case StatusRejected:
		return EventRejected
	case StatusFailed:
		return EventStreamFailed
	default:
		return EventStreamFailed
	}
}
