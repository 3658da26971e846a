package bridge

// EventType identifies a bridge lifecycle notification.
type EventType int

const (
	EventEstablished EventType = iota
	EventTerminated
	EventRouteChanged
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventEstablished:
		return "established"
	case EventTerminated:
		return "terminated"
	case EventRouteChanged:
		return "route_changed"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is published on Bridge.Events.
type Event struct {
	Type      EventType
	SessionID string
	Route     Route
	Err       error
}
