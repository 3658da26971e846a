package signaling

import "fmt"

// EventType identifies what the ATA reported.
type EventType int

const (
	EventHookChanged EventType = iota
	EventDigitsDialed
)

func (t EventType) String() string {
	switch t {
	case EventHookChanged:
		return "hook_changed"
	case EventDigitsDialed:
		return "digits_dialed"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Event is a hook or digit notification derived from SIP traffic.
type Event struct {
	Type    EventType
	OffHook bool   // EventHookChanged
	Digits  string // EventDigitsDialed
	Method  string // SIP method that produced the event
}

func (e Event) String() string {
	switch e.Type {
	case EventHookChanged:
		if e.OffHook {
			return "off-hook (" + e.Method + ")"
		}
		return "on-hook (" + e.Method + ")"
	case EventDigitsDialed:
		return "digits " + e.Digits + " (" + e.Method + ")"
	}
	return e.Type.String()
}
