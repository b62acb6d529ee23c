package events

import (
	"time"

	"github.com/google/uuid"
)

type Type string

// Event is the envelope exchanged between every component of the runtime.
// Events are immutable once queued; Data must match the payload type declared
// for the event's Type.
type Event struct {
	ID        string
	Type      Type
	Data      any
	Urgent    bool
	Timestamp time.Time
}

func New(eventType Type, data any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now(),
	}
}

func NewUrgent(eventType Type, data any) Event {
	event := New(eventType, data)
	event.Urgent = true
	return event
}
