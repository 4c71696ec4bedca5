package dedupe

import "github.com/google/uuid"

// Observer receives deduplicator events. Implementations must be safe for
// concurrent use.
type Observer interface {
	On(EventData)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(EventData)

func (f ObserverFunc) On(e EventData) { f(e) }

type Event int

const (
	// EventLeader is emitted when a caller creates a ticket and runs the producer
	EventLeader Event = iota
	// EventShared is emitted when a caller received the result of a ticket
	// it did not create
	EventShared
)

func (e Event) String() string {
	switch e {
	case EventLeader:
		return "leader"
	case EventShared:
		return "shared"
	}
	return "unknown"
}

type EventData struct {
	Event    Event
	Key      string
	TicketID uuid.UUID // uuid.Nil for EventShared
}
