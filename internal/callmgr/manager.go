// Package callmgr holds the call state machine of a line. It is the only
// place that decides what the call is doing; the SIP adapter, the Bluetooth
// adapter and the audio bridge only report events and execute commands.
package callmgr

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/mmackelprang/RotaryPhone/internal/bridge"
	"github.com/mmackelprang/RotaryPhone/internal/hfp"
	"github.com/mmackelprang/RotaryPhone/internal/history"
	"github.com/mmackelprang/RotaryPhone/internal/signaling"
)

// Bluetooth is the mobile phone leg.
type Bluetooth interface {
	Events() <-chan hfp.Event
	InitiateCall(ctx context.Context, number string) error
	AnswerCall(ctx context.Context, route bridge.Route) error
	TerminateCall(ctx context.Context) error
	SetAudioRoute(ctx context.Context, route bridge.Route) error
}

// Bridge moves audio while a call is up.
type Bridge interface {
	StartBridge(ctx context.Context, endpoint string, route bridge.Route) error
	StopBridge()
	ChangeRoute(route bridge.Route) error
}

// Ringer is the rotary phone leg as seen through the ATA.
type Ringer interface {
	Events() <-chan signaling.Event
	SendInviteToHT801(ctx context.Context, extension, targetIP string) error
	CancelRing(ctx context.Context) error
	RemoteMedia() string
}

// Observer receives telemetry. Calls come from the manager goroutines and
// must not block.
type Observer interface {
	ObserveTransition(lineID string, from, to State)
	ObserveCommand(lineID, command string, err error)
}

// Command names reported in CommandResult.
const (
	CmdInitiateCall  = "InitiateCall"
	CmdAnswerCall    = "AnswerCall"
	CmdTerminateCall = "TerminateCall"
	CmdSetAudioRoute = "SetAudioRoute"
	CmdStartBridge   = "StartBridge"
	CmdStopBridge    = "StopBridge"
	CmdChangeRoute   = "ChangeRoute"
	CmdRing          = "Ring"
	CmdCancelRing    = "CancelRing"
)

// CommandResult is the outcome of one outbound command.
type CommandResult struct {
	Command string
	Err     error
	At      time.Time
}

// StateChange is published on every transition.
type StateChange struct {
	From State
	To   State
	At   time.Time
}

// CallInfo describes the call in progress.
type CallInfo struct {
	State      State
	Number     string
	Direction  history.Direction
	AnsweredOn history.Device
	StartTime  time.Time
	HistoryID  string
}

// Config identifies the line.
type Config struct {
	LineID    string
	ATAAddr   string
	Extension string
	RTPPort   int
}

// Options are optional collaborators.
type Options struct {
	History  history.Store
	Observer Observer
}

type inputKind int

const (
	inHook inputKind = iota
	inDigits
	inIncoming
	inAnswer
	inStartCall
	inHangUp
	inSetRoute
	inBarrier
)

type input struct {
	kind    inputKind
	offHook bool
	text    string
	route   bridge.Route
	done    chan struct{}
}

// Manager runs the state machine for one line.
type Manager struct {
	cfg      Config
	bt       Bluetooth
	br       Bridge
	ring     Ringer
	history  history.Store
	observer Observer

	machine *fsm.FSM
	inputs  chan input
	results chan CommandResult
	stopped chan struct{}

	btCmds     *dispatcher
	bridgeCmds *dispatcher
	ringCmds   *dispatcher

	// owned by the loop goroutine
	bridgeActive bool
	ringSent     bool
	lastEvent    string

	mu      sync.RWMutex
	state   State
	dialed  string
	call    CallInfo
	subs    map[int]chan StateChange
	nextSub int
}

// New creates a manager in Idle. Nothing happens until Run.
func New(cfg Config, bt Bluetooth, br Bridge, ring Ringer, opts Options) *Manager {
	m := &Manager{
		cfg:      cfg,
		bt:       bt,
		br:       br,
		ring:     ring,
		history:  opts.History,
		observer: opts.Observer,
		inputs:   make(chan input, 64),
		results:  make(chan CommandResult, 64),
		stopped:  make(chan struct{}),
		state:    StateIdle,
		call:     CallInfo{State: StateIdle},
		subs:     make(map[int]chan StateChange),
	}
	m.machine = newMachine(m.onEnter)
	m.btCmds = newDispatcher("bluetooth", m.report)
	m.bridgeCmds = newDispatcher("bridge", m.report)
	m.ringCmds = newDispatcher("ringer", m.report)
	return m
}

// Run consumes API calls and adapter events until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	defer close(m.stopped)

	var wg sync.WaitGroup
	for _, d := range []*dispatcher{m.btCmds, m.bridgeCmds, m.ringCmds} {
		wg.Add(1)
		go func(d *dispatcher) {
			defer wg.Done()
			d.run(ctx)
		}(d)
	}
	defer wg.Wait()

	var sipEvents <-chan signaling.Event
	if m.ring != nil {
		sipEvents = m.ring.Events()
	}
	btEvents := m.bt.Events()

	slog.Info("[CallMgr] Running", "line", m.cfg.LineID)
	for {
		select {
		case <-ctx.Done():
			slog.Info("[CallMgr] Stopped", "line", m.cfg.LineID, "state", m.CurrentState().String())
			return

		case in := <-m.inputs:
			m.handleInput(ctx, in)

		case ev, ok := <-sipEvents:
			if !ok {
				sipEvents = nil
				continue
			}
			m.handleSIP(ctx, ev)

		case ev, ok := <-btEvents:
			if !ok {
				btEvents = nil
				continue
			}
			m.handleBluetooth(ctx, ev)
		}
	}
}

// HandleHookChange reports the rotary handset going off or on hook.
func (m *Manager) HandleHookChange(offHook bool) {
	m.enqueue(input{kind: inHook, offHook: offHook})
}

// HandleDigitsReceived reports a complete dialed number.
func (m *Manager) HandleDigitsReceived(digits string) {
	m.enqueue(input{kind: inDigits, text: digits})
}

// SimulateIncomingCall rings the rotary phone as if the mobile phone rang.
func (m *Manager) SimulateIncomingCall() {
	m.IncomingCall(hfp.UnknownCaller)
}

// IncomingCall rings the rotary phone for caller.
func (m *Manager) IncomingCall(caller string) {
	m.enqueue(input{kind: inIncoming, text: caller})
}

// AnswerCall answers a ringing call on the rotary side.
func (m *Manager) AnswerCall() {
	m.enqueue(input{kind: inAnswer})
}

// StartCall places a call to number while dialing.
func (m *Manager) StartCall(number string) {
	m.enqueue(input{kind: inStartCall, text: number})
}

// HangUp ends whatever is in progress. It is a no-op in Idle.
func (m *Manager) HangUp() {
	m.enqueue(input{kind: inHangUp})
}

// SetAudioRoute asks the mobile phone to move call audio.
func (m *Manager) SetAudioRoute(route bridge.Route) {
	m.enqueue(input{kind: inSetRoute, route: route})
}

// CurrentState returns the state as of the last processed event.
func (m *Manager) CurrentState() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// DialedNumber returns the number of the current outgoing call.
func (m *Manager) DialedNumber() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dialed
}

// CurrentCall returns the metadata of the call in progress.
func (m *Manager) CurrentCall() CallInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.call
}

// LineID returns the id of the managed line.
func (m *Manager) LineID() string {
	return m.cfg.LineID
}

// Results returns command outcomes. When nobody reads, old results are
// dropped.
func (m *Manager) Results() <-chan CommandResult {
	return m.results
}

// StateChanges subscribes to transitions. Slow subscribers miss changes.
// The returned func cancels the subscription.
func (m *Manager) StateChanges() (<-chan StateChange, func()) {
	ch := make(chan StateChange, 16)
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.mu.Unlock()

	return ch, func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

func (m *Manager) enqueue(in input) {
	select {
	case m.inputs <- in:
	case <-m.stopped:
		slog.Warn("[CallMgr] Line stopped, input dropped", "line", m.cfg.LineID)
	}
}

func (m *Manager) handleInput(ctx context.Context, in input) {
	switch in.kind {
	case inHook:
		m.hook(ctx, in.offHook, "api")
	case inDigits:
		m.fire(ctx, evDigits, in.text)
	case inIncoming:
		m.incoming(ctx, in.text)
	case inAnswer:
		if m.CurrentState() != StateRinging {
			slog.Warn("[CallMgr] Cannot answer, not ringing", "line", m.cfg.LineID, "state", m.CurrentState().String())
			return
		}
		m.fire(ctx, evOffHook, "")
	case inStartCall:
		if m.CurrentState() != StateDialing {
			slog.Warn("[CallMgr] Cannot start call, not dialing", "line", m.cfg.LineID, "state", m.CurrentState().String())
			return
		}
		m.fire(ctx, evDigits, in.text)
	case inHangUp:
		m.fire(ctx, evOnHook, "")
	case inSetRoute:
		if m.CurrentState() != StateInCall {
			slog.Warn("[CallMgr] Route change outside a call", "line", m.cfg.LineID, "state", m.CurrentState().String())
			return
		}
		route := in.route
		m.btCmds.submit(CmdSetAudioRoute, func(ctx context.Context) error {
			return m.bt.SetAudioRoute(ctx, route)
		})
	case inBarrier:
		close(in.done)
	}
}

func (m *Manager) handleSIP(ctx context.Context, ev signaling.Event) {
	slog.Debug("[CallMgr] SIP event", "line", m.cfg.LineID, "event", ev.String())
	switch ev.Type {
	case signaling.EventHookChanged:
		m.hook(ctx, ev.OffHook, ev.Method)
	case signaling.EventDigitsDialed:
		m.fire(ctx, evDigits, ev.Digits)
	}
}

func (m *Manager) handleBluetooth(ctx context.Context, ev hfp.Event) {
	slog.Debug("[CallMgr] Bluetooth event", "line", m.cfg.LineID, "event", ev.Type.String())
	switch ev.Type {
	case hfp.EventIncomingCall:
		m.incoming(ctx, ev.Number)
	case hfp.EventCallAnswered:
		m.fire(ctx, evAnswered, "")
	case hfp.EventCallEnded:
		m.fire(ctx, evEnded, "")
	case hfp.EventRouteChanged:
		m.routeChanged(ev.Route)
	case hfp.EventConnected:
		slog.Info("[CallMgr] Phone connected", "line", m.cfg.LineID, "address", ev.Address)
	case hfp.EventDisconnected:
		slog.Info("[CallMgr] Phone disconnected", "line", m.cfg.LineID)
	}
}

// incoming rings the line, or fills in the caller of a call that is already
// ringing. Phones send RING before +CLIP, so the number often arrives second.
func (m *Manager) incoming(ctx context.Context, caller string) {
	if m.CurrentState() != StateRinging {
		m.fire(ctx, evIncoming, caller)
		return
	}
	if caller == "" || caller == hfp.UnknownCaller || caller == m.CurrentCall().Number {
		return
	}

	slog.Info("[CallMgr] Caller identified", "line", m.cfg.LineID, "caller", caller)
	m.setCall(func(c *CallInfo) { c.Number = caller }, "")
	if id := m.CurrentCall().HistoryID; id != "" && m.history != nil {
		if err := m.history.Update(id, func(e *history.Entry) { e.PhoneNumber = caller }); err != nil {
			slog.Debug("[CallMgr] History update failed", "line", m.cfg.LineID, "error", err)
		}
	}
}

func (m *Manager) hook(ctx context.Context, offHook bool, source string) {
	slog.Info("[CallMgr] Hook change", "line", m.cfg.LineID, "off_hook", offHook, "source", source)
	if offHook {
		m.fire(ctx, evOffHook, "")
		return
	}
	m.fire(ctx, evOnHook, "")
}

// fire applies one machine event. Events without a transition from the
// current state are logged and ignored.
func (m *Manager) fire(ctx context.Context, event, arg string) {
	from := State(m.machine.Current())
	m.lastEvent = event

	if err := m.machine.Event(ctx, event); err != nil {
		var invalid fsm.InvalidEventError
		var noTransition fsm.NoTransitionError
		switch {
		case errors.As(err, &invalid), errors.As(err, &noTransition):
			slog.Warn("[CallMgr] Event ignored", "line", m.cfg.LineID, "event", event, "state", from.String())
		default:
			slog.Warn("[CallMgr] Event failed", "line", m.cfg.LineID, "event", event, "state", from.String(), "error", err)
		}
		return
	}

	to := State(m.machine.Current())
	m.apply(ctx, from, to, event, arg)
}

// onEnter runs inside the machine on every state change.
func (m *Manager) onEnter(from, to State) {
	change := StateChange{From: from, To: to, At: time.Now()}

	m.mu.Lock()
	m.state = to
	m.call.State = to
	for _, ch := range m.subs {
		select {
		case ch <- change:
		default:
		}
	}
	m.mu.Unlock()

	slog.Info("[CallMgr] State changed", "line", m.cfg.LineID, "from", from.String(), "to", to.String(), "event", m.lastEvent)
	if m.observer != nil {
		m.observer.ObserveTransition(m.cfg.LineID, from, to)
	}
}

// apply performs the side effects of a transition.
func (m *Manager) apply(ctx context.Context, from, to State, event, arg string) {
	switch {
	case from == StateIdle && to == StateDialing:
		m.setCall(func(c *CallInfo) { *c = CallInfo{State: StateDialing} }, "")

	case from == StateIdle && to == StateRinging:
		caller := arg
		if caller == "" {
			caller = hfp.UnknownCaller
		}
		id := m.addHistory(history.Entry{PhoneNumber: caller, Direction: history.Incoming})
		m.setCall(func(c *CallInfo) {
			*c = CallInfo{State: StateRinging, Number: caller, Direction: history.Incoming, StartTime: time.Now(), HistoryID: id}
		}, "")
		m.ringATA()

	case from == StateDialing && to == StateInCall:
		number := arg
		id := m.addHistory(history.Entry{PhoneNumber: number, Direction: history.Outgoing, AnsweredOn: history.AnsweredRotary})
		m.setCall(func(c *CallInfo) {
			*c = CallInfo{State: StateInCall, Number: number, Direction: history.Outgoing, AnsweredOn: history.AnsweredRotary, StartTime: time.Now(), HistoryID: id}
		}, number)
		m.btCmds.submit(CmdInitiateCall, func(ctx context.Context) error {
			return m.bt.InitiateCall(ctx, number)
		})
		m.startBridge(bridge.RouteRotary)

	case from == StateRinging && to == StateInCall && event == evOffHook:
		m.answered(history.AnsweredRotary)
		m.btCmds.submit(CmdAnswerCall, func(ctx context.Context) error {
			return m.bt.AnswerCall(ctx, bridge.RouteRotary)
		})
		m.startBridge(bridge.RouteRotary)

	case from == StateRinging && to == StateInCall && event == evAnswered:
		m.answered(history.AnsweredMobile)
		m.cancelRing()
		m.startBridge(bridge.RouteMobile)

	case to == StateIdle:
		if event == evOnHook {
			m.btCmds.submit(CmdTerminateCall, func(ctx context.Context) error {
				return m.bt.TerminateCall(ctx)
			})
		}
		m.cancelRing()
		m.stopBridge()
		m.closeHistory()
		m.setCall(func(c *CallInfo) { *c = CallInfo{State: StateIdle} }, "")
	}
}

func (m *Manager) routeChanged(route bridge.Route) {
	if m.CurrentState() != StateInCall {
		slog.Warn("[CallMgr] Route change ignored", "line", m.cfg.LineID, "state", m.CurrentState().String(), "route", route.String())
		return
	}
	if !m.bridgeActive {
		slog.Warn("[CallMgr] Route change without bridge", "line", m.cfg.LineID, "route", route.String())
		return
	}
	m.bridgeCmds.submit(CmdChangeRoute, func(context.Context) error {
		return m.br.ChangeRoute(route)
	})
}

func (m *Manager) startBridge(route bridge.Route) {
	m.bridgeActive = true
	m.bridgeCmds.submit(CmdStartBridge, func(ctx context.Context) error {
		endpoint := net.JoinHostPort(m.cfg.ATAAddr, strconv.Itoa(m.cfg.RTPPort))
		if m.ring != nil {
			endpoint = m.ring.RemoteMedia()
		}
		return m.br.StartBridge(ctx, endpoint, route)
	})
}

func (m *Manager) stopBridge() {
	if !m.bridgeActive {
		return
	}
	m.bridgeActive = false
	m.bridgeCmds.submit(CmdStopBridge, func(context.Context) error {
		m.br.StopBridge()
		return nil
	})
}

func (m *Manager) ringATA() {
	if m.ring == nil {
		return
	}
	m.ringSent = true
	m.ringCmds.submit(CmdRing, func(ctx context.Context) error {
		return m.ring.SendInviteToHT801(ctx, m.cfg.Extension, m.cfg.ATAAddr)
	})
}

func (m *Manager) cancelRing() {
	if !m.ringSent {
		return
	}
	m.ringSent = false
	m.ringCmds.submit(CmdCancelRing, func(ctx context.Context) error {
		err := m.ring.CancelRing(ctx)
		if errors.Is(err, signaling.ErrNoRing) {
			return nil
		}
		return err
	})
}

func (m *Manager) answered(on history.Device) {
	m.setCall(func(c *CallInfo) { c.AnsweredOn = on }, "")
	if id := m.CurrentCall().HistoryID; id != "" && m.history != nil {
		if err := m.history.Update(id, func(e *history.Entry) { e.AnsweredOn = on }); err != nil {
			slog.Debug("[CallMgr] History update failed", "line", m.cfg.LineID, "error", err)
		}
	}
}

func (m *Manager) addHistory(e history.Entry) string {
	if m.history == nil {
		return ""
	}
	e.LineID = m.cfg.LineID
	return m.history.Add(e).ID
}

func (m *Manager) closeHistory() {
	id := m.CurrentCall().HistoryID
	if id == "" || m.history == nil {
		return
	}
	end := time.Now()
	err := m.history.Update(id, func(e *history.Entry) {
		e.EndTime = end
		e.Duration = end.Sub(e.StartTime)
	})
	if err != nil {
		slog.Debug("[CallMgr] History close failed", "line", m.cfg.LineID, "error", err)
	}
}

func (m *Manager) setCall(fn func(*CallInfo), dialed string) {
	m.mu.Lock()
	fn(&m.call)
	m.dialed = dialed
	m.mu.Unlock()
}

func (m *Manager) report(command string, err error) {
	if err != nil {
		slog.Warn("[CallMgr] Command failed", "line", m.cfg.LineID, "command", command, "error", err)
	} else {
		slog.Debug("[CallMgr] Command done", "line", m.cfg.LineID, "command", command)
	}
	if m.observer != nil {
		m.observer.ObserveCommand(m.cfg.LineID, command, err)
	}

	r := CommandResult{Command: command, Err: err, At: time.Now()}
	select {
	case m.results <- r:
		return
	default:
	}
	// full: drop the oldest
	select {
	case <-m.results:
	default:
	}
	select {
	case m.results <- r:
	default:
	}
}
