package hfp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/mmackelprang/RotaryPhone/internal/bridge"
)

const (
	defaultCallIndicator = 1
	defaultAckTimeout    = 2 * time.Second
)

// UnitConfig tunes the AT exchange.
type UnitConfig struct {
	LineID        string
	CallIndicator int           // +CIEV index of the call indicator
	AckTimeout    time.Duration // wait for OK/ERROR
}

// Unit runs the AT protocol over one attached channel at a time. The
// platform variants differ only in how they obtain that channel.
type Unit struct {
	cfg    UnitConfig
	events chan Event

	mu         sync.Mutex
	conn       io.ReadWriteCloser
	addr       string
	callActive bool
	route      bridge.Route
	closed     bool

	cmdMu sync.Mutex
	acks  chan bool
}

// NewUnit creates a detached unit.
func NewUnit(cfg UnitConfig) *Unit {
	if cfg.CallIndicator == 0 {
		cfg.CallIndicator = defaultCallIndicator
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = defaultAckTimeout
	}
	return &Unit{
		cfg:    cfg,
		events: make(chan Event, 32),
		acks:   make(chan bool, 1),
	}
}

// Events returns the call event stream.
func (u *Unit) Events() <-chan Event {
	return u.events
}

// IsConnected reports whether a channel is attached.
func (u *Unit) IsConnected() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.conn != nil
}

// ConnectedDeviceAddress returns the peer address, or "" when disconnected.
func (u *Unit) ConnectedDeviceAddress() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.addr
}

// Attach takes ownership of conn and starts reading from it. A channel
// already attached is closed first.
func (u *Unit) Attach(conn io.ReadWriteCloser, addr string) error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	old := u.conn
	u.conn = conn
	u.addr = addr
	u.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	slog.Info("[HFP] Device connected", "line", u.cfg.LineID, "address", addr)
	u.emit(Event{Type: EventConnected, Address: addr})
	go u.readLoop(conn)
	return nil
}

// Detach closes the attached channel, if any.
func (u *Unit) Detach() {
	u.mu.Lock()
	conn := u.conn
	u.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// Close detaches and rejects further channels.
func (u *Unit) Close() error {
	u.mu.Lock()
	u.closed = true
	u.mu.Unlock()
	u.Detach()
	return nil
}

func (u *Unit) emit(ev Event) {
	select {
	case u.events <- ev:
	default:
		slog.Warn("[HFP] Event queue full, dropping", "line", u.cfg.LineID, "event", ev.Type.String())
	}
}

func (u *Unit) readLoop(conn io.ReadWriteCloser) {
	scanner := bufio.NewScanner(conn)
	scanner.Split(scanATLines)
	for scanner.Scan() {
		u.handleLine(conn, scanner.Text())
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		slog.Debug("[HFP] Read ended", "line", u.cfg.LineID, "error", err)
	}
	u.disconnected(conn)
}

func (u *Unit) handleLine(conn io.Writer, raw string) {
	l := ParseLine(raw)
	slog.Debug("[HFP] <-", "line", u.cfg.LineID, "at", l.Raw)

	switch l.Kind {
	case LineOK, LineError:
		select {
		case u.acks <- l.Kind == LineOK:
		default:
		}
		return

	case LineRing:
		slog.Info("[HFP] Incoming call", "line", u.cfg.LineID, "caller", UnknownCaller)
		u.emit(Event{Type: EventIncomingCall, Number: UnknownCaller})

	case LineCLIP:
		slog.Info("[HFP] Incoming call", "line", u.cfg.LineID, "caller", l.Number)
		u.emit(Event{Type: EventIncomingCall, Number: l.Number})

	case LineCIEV:
		if l.Indicator == u.cfg.CallIndicator {
			u.callIndicator(l.Value)
		}
	}

	if err := writeLine(conn, "OK"); err != nil {
		slog.Debug("[HFP] Failed to acknowledge", "line", u.cfg.LineID, "error", err)
	}
}

func (u *Unit) callIndicator(value int) {
	switch value {
	case 0:
		u.mu.Lock()
		u.callActive = false
		u.mu.Unlock()
		slog.Info("[HFP] Call ended on phone", "line", u.cfg.LineID)
		u.emit(Event{Type: EventCallEnded})
	case 1:
		u.mu.Lock()
		u.callActive = true
		u.mu.Unlock()
		slog.Info("[HFP] Call active on phone", "line", u.cfg.LineID)
		u.emit(Event{Type: EventCallAnswered})
	}
}

func (u *Unit) disconnected(conn io.ReadWriteCloser) {
	_ = conn.Close()

	u.mu.Lock()
	if u.conn != conn {
		// replaced by a newer channel
		u.mu.Unlock()
		return
	}
	wasActive := u.callActive
	u.conn = nil
	u.addr = ""
	u.callActive = false
	u.mu.Unlock()

	slog.Info("[HFP] Device disconnected", "line", u.cfg.LineID, "call_active", wasActive)
	u.emit(Event{Type: EventDisconnected})
	if wasActive {
		u.emit(Event{Type: EventCallEnded})
	}
}

// send writes cmd and waits for the phone's final result code.
func (u *Unit) send(ctx context.Context, cmd string) error {
	u.cmdMu.Lock()
	defer u.cmdMu.Unlock()

	u.mu.Lock()
	conn := u.conn
	u.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	// discard a stale result from a previous timed out command
	select {
	case <-u.acks:
	default:
	}

	slog.Debug("[HFP] ->", "line", u.cfg.LineID, "at", cmd)
	if err := writeLine(conn, cmd); err != nil {
		return fmt.Errorf("write %s: %w", cmd, err)
	}

	timer := time.NewTimer(u.cfg.AckTimeout)
	defer timer.Stop()
	select {
	case ok := <-u.acks:
		if !ok {
			return fmt.Errorf("%s: %w", cmd, ErrNoAck)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%s: %w", cmd, ErrNoAck)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InitiateCall dials number on the phone.
func (u *Unit) InitiateCall(ctx context.Context, number string) error {
	slog.Info("[HFP] Dialing", "line", u.cfg.LineID, "number", number)
	if err := u.send(ctx, dialCommand(number)); err != nil {
		return err
	}
	u.mu.Lock()
	u.callActive = true
	u.mu.Unlock()
	return nil
}

// AnswerCall answers the ringing call and records where audio should go.
func (u *Unit) AnswerCall(ctx context.Context, route bridge.Route) error {
	slog.Info("[HFP] Answering", "line", u.cfg.LineID, "route", route.String())
	if err := u.send(ctx, answerCommand); err != nil {
		return err
	}
	u.mu.Lock()
	u.callActive = true
	u.route = route
	u.mu.Unlock()
	return nil
}

// TerminateCall hangs up. A successful hangup clears the active call so a
// later disconnect does not report a second end.
func (u *Unit) TerminateCall(ctx context.Context) error {
	slog.Info("[HFP] Hanging up", "line", u.cfg.LineID)
	if err := u.send(ctx, hangupCommand); err != nil {
		return err
	}
	u.mu.Lock()
	u.callActive = false
	u.mu.Unlock()
	return nil
}

// SetAudioRoute moves call audio and reports the change as an event.
func (u *Unit) SetAudioRoute(_ context.Context, route bridge.Route) error {
	u.mu.Lock()
	if u.conn == nil {
		u.mu.Unlock()
		return ErrNotConnected
	}
	from := u.route
	u.route = route
	u.mu.Unlock()

	slog.Info("[HFP] Audio route changed", "line", u.cfg.LineID, "from", from.String(), "to", route.String())
	u.emit(Event{Type: EventRouteChanged, Route: route})
	return nil
}

func writeLine(w io.Writer, s string) error {
	_, err := io.WriteString(w, s+"\r")
	return err
}

// scanATLines splits on CR, LF or CRLF and drops empty lines.
func scanATLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := 0
	for start < len(data) && (data[start] == '\r' || data[start] == '\n') {
		start++
	}
	if i := bytes.IndexAny(data[start:], "\r\n"); i >= 0 {
		return start + i + 1, data[start : start+i], nil
	}
	if atEOF {
		if start < len(data) {
			return len(data), data[start:], nil
		}
		return len(data), nil, nil
	}
	return start, nil, nil
}
