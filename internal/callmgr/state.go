package callmgr

import (
	"context"

	"github.com/looplab/fsm"
)

// State is the call state of one line.
type State string

const (
	StateIdle    State = "Idle"
	StateDialing State = "Dialing"
	StateRinging State = "Ringing"
	StateInCall  State = "InCall"
)

func (s State) String() string { return string(s) }

// Machine events.
const (
	evOffHook  = "offhook"
	evIncoming = "incoming"
	evDigits   = "digits"
	evAnswered = "answered"
	evOnHook   = "onhook"
	evEnded    = "ended"
)

func newMachine(onEnter func(from, to State)) *fsm.FSM {
	idle := StateIdle.String()
	dialing := StateDialing.String()
	ringing := StateRinging.String()
	inCall := StateInCall.String()

	return fsm.NewFSM(
		idle,
		fsm.Events{
			{Name: evOffHook, Src: []string{idle}, Dst: dialing},
			{Name: evOffHook, Src: []string{ringing}, Dst: inCall},
			{Name: evIncoming, Src: []string{idle}, Dst: ringing},
			{Name: evDigits, Src: []string{dialing}, Dst: inCall},
			{Name: evAnswered, Src: []string{ringing}, Dst: inCall},
			{Name: evOnHook, Src: []string{dialing, ringing, inCall}, Dst: idle},
			{Name: evEnded, Src: []string{inCall}, Dst: idle},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				onEnter(State(e.Src), State(e.Dst))
			},
		},
	)
}
