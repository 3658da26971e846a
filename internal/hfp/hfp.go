// Package hfp implements the Hands-Free Unit side of the Bluetooth
// Hands-Free Profile: it accepts one RFCOMM channel from a paired phone and
// drives calls on it with AT commands.
package hfp

import (
	"context"
	"errors"
	"fmt"

	"github.com/mmackelprang/RotaryPhone/internal/bridge"
)

var (
	// ErrNotConnected is returned by commands while no channel is attached.
	ErrNotConnected = errors.New("no bluetooth device connected")
	// ErrNoAck is returned when the phone answers ERROR or nothing in time.
	ErrNoAck = errors.New("AT command not acknowledged")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("hfp adapter closed")
)

// HandsFreeUUID is the Hands-Free Unit service class.
const HandsFreeUUID = "0000111e-0000-1000-8000-00805f9b34fb"

// UnknownCaller is reported for a RING without caller line identification.
const UnknownCaller = "Unknown"

// EventType identifies a Bluetooth adapter event.
type EventType int

const (
	EventIncomingCall EventType = iota
	EventCallAnswered
	EventCallEnded
	EventRouteChanged
	EventConnected
	EventDisconnected
)

func (t EventType) String() string {
	switch t {
	case EventIncomingCall:
		return "IncomingCall"
	case EventCallAnswered:
		return "CallAnsweredOnMobile"
	case EventCallEnded:
		return "CallEnded"
	case EventRouteChanged:
		return "RouteChanged"
	case EventConnected:
		return "Connected"
	case EventDisconnected:
		return "Disconnected"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Event is delivered on Adapter.Events.
type Event struct {
	Type    EventType
	Number  string       // IncomingCall
	Route   bridge.Route // RouteChanged
	Address string       // Connected
}

// Adapter is the contract every Bluetooth variant fulfils.
type Adapter interface {
	// Start brings the radio side up. An error means the line cannot activate.
	Start(ctx context.Context) error
	Events() <-chan Event

	InitiateCall(ctx context.Context, number string) error
	AnswerCall(ctx context.Context, route bridge.Route) error
	TerminateCall(ctx context.Context) error
	SetAudioRoute(ctx context.Context, route bridge.Route) error

	IsConnected() bool
	ConnectedDeviceAddress() string
	Close() error
}
