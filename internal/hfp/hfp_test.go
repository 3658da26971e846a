package hfp

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmackelprang/RotaryPhone/internal/bridge"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		raw  string
		want Line
	}{
		{"OK", Line{Kind: LineOK, Raw: "OK"}},
		{" error\r", Line{Kind: LineError, Raw: "error"}},
		{"+CME ERROR: 30", Line{Kind: LineError, Raw: "+CME ERROR: 30"}},
		{"ring", Line{Kind: LineRing, Raw: "ring"}},
		{`+CLIP: "2125550100",129`, Line{Kind: LineCLIP, Raw: `+CLIP: "2125550100",129`, Number: "2125550100"}},
		{`+clip: "",128`, Line{Kind: LineOther, Raw: `+clip: "",128`}},
		{"+CIEV: 1,1", Line{Kind: LineCIEV, Raw: "+CIEV: 1,1", Indicator: 1, Value: 1}},
		{"+ciev:3, 0", Line{Kind: LineCIEV, Raw: "+ciev:3, 0", Indicator: 3, Value: 0}},
		{"+CIEV: x,1", Line{Kind: LineOther, Raw: "+CIEV: x,1"}},
		{"AT+BRSF=0", Line{Kind: LineOther, Raw: "AT+BRSF=0"}},
	}
	for _, tt := range tests {
		assert.Equalf(t, tt.want, ParseLine(tt.raw), "line %q", tt.raw)
	}
}

// testPeer is the phone end of a pipe.
type testPeer struct {
	conn  net.Conn
	lines chan string
}

func newAttachedUnit(t *testing.T, cfg UnitConfig) (*Unit, *testPeer) {
	t.Helper()
	local, remote := net.Pipe()
	u := NewUnit(cfg)
	require.NoError(t, u.Attach(local, "AA:BB:CC:DD:EE:FF"))
	t.Cleanup(func() { _ = u.Close() })

	p := &testPeer{conn: remote, lines: make(chan string, 32)}
	go func() {
		scanner := bufio.NewScanner(remote)
		scanner.Split(scanATLines)
		for scanner.Scan() {
			p.lines <- scanner.Text()
		}
		close(p.lines)
	}()

	ev := nextEvent(t, u)
	require.Equal(t, EventConnected, ev.Type)
	require.Equal(t, "AA:BB:CC:DD:EE:FF", ev.Address)
	return u, p
}

func (p *testPeer) send(t *testing.T, line string) {
	t.Helper()
	_, err := p.conn.Write([]byte(line + "\r\n"))
	require.NoError(t, err)
}

func (p *testPeer) expect(t *testing.T) string {
	t.Helper()
	select {
	case l := <-p.lines:
		return l
	case <-time.After(2 * time.Second):
		t.Fatal("peer received nothing")
	}
	return ""
}

func nextEvent(t *testing.T, u *Unit) Event {
	t.Helper()
	select {
	case ev := <-u.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
	}
	return Event{}
}

func noEvent(t *testing.T, u *Unit) {
	t.Helper()
	select {
	case ev := <-u.Events():
		t.Fatalf("unexpected event %s", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestIncomingCallLines(t *testing.T) {
	u, p := newAttachedUnit(t, UnitConfig{LineID: "t"})
	assert.True(t, u.IsConnected())
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", u.ConnectedDeviceAddress())

	p.send(t, "RING")
	ev := nextEvent(t, u)
	assert.Equal(t, EventIncomingCall, ev.Type)
	assert.Equal(t, UnknownCaller, ev.Number)
	assert.Equal(t, "OK", p.expect(t))

	p.send(t, `+CLIP: "212-555-0100",129`)
	ev = nextEvent(t, u)
	assert.Equal(t, EventIncomingCall, ev.Type)
	assert.Equal(t, "212-555-0100", ev.Number)
	assert.Equal(t, "OK", p.expect(t))
}

func TestCallIndicator(t *testing.T) {
	u, p := newAttachedUnit(t, UnitConfig{LineID: "t"})

	p.send(t, "+CIEV: 1,1")
	assert.Equal(t, EventCallAnswered, nextEvent(t, u).Type)
	p.expect(t)

	// callsetup indicator is acknowledged only
	p.send(t, "+CIEV: 3,1")
	assert.Equal(t, "OK", p.expect(t))
	noEvent(t, u)

	p.send(t, "+CIEV: 1,0")
	assert.Equal(t, EventCallEnded, nextEvent(t, u).Type)
}

func TestCustomCallIndicator(t *testing.T) {
	u, p := newAttachedUnit(t, UnitConfig{LineID: "t", CallIndicator: 2})

	p.send(t, "+CIEV: 1,1")
	p.expect(t)
	noEvent(t, u)

	p.send(t, "+CIEV: 2,1")
	assert.Equal(t, EventCallAnswered, nextEvent(t, u).Type)
}

func TestUnknownLinesAreAcknowledged(t *testing.T) {
	u, p := newAttachedUnit(t, UnitConfig{LineID: "t"})

	p.send(t, "+BRSF: 871")
	assert.Equal(t, "OK", p.expect(t))
	p.send(t, "garbage !!")
	assert.Equal(t, "OK", p.expect(t))
	noEvent(t, u)
	assert.True(t, u.IsConnected())
}

func TestCommandsWaitForAck(t *testing.T) {
	u, p := newAttachedUnit(t, UnitConfig{LineID: "t", AckTimeout: 200 * time.Millisecond})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- u.InitiateCall(ctx, "5551234") }()
	assert.Equal(t, "ATD5551234;", p.expect(t))
	p.send(t, "OK")
	require.NoError(t, <-done)

	go func() { done <- u.AnswerCall(ctx, bridge.RouteRotary) }()
	assert.Equal(t, "ATA", p.expect(t))
	p.send(t, "ERROR")
	assert.ErrorIs(t, <-done, ErrNoAck)

	// no answer at all
	err := u.TerminateCall(ctx)
	assert.ErrorIs(t, err, ErrNoAck)
	assert.Equal(t, "AT+CHUP", p.expect(t))
}

func TestCommandsWithoutChannel(t *testing.T) {
	u := NewUnit(UnitConfig{LineID: "t"})
	ctx := context.Background()

	assert.False(t, u.IsConnected())
	assert.Empty(t, u.ConnectedDeviceAddress())
	assert.ErrorIs(t, u.InitiateCall(ctx, "1"), ErrNotConnected)
	assert.ErrorIs(t, u.AnswerCall(ctx, bridge.RouteMobile), ErrNotConnected)
	assert.ErrorIs(t, u.TerminateCall(ctx), ErrNotConnected)
	assert.ErrorIs(t, u.SetAudioRoute(ctx, bridge.RouteMobile), ErrNotConnected)
}

func TestDisconnectEndsActiveCall(t *testing.T) {
	u, p := newAttachedUnit(t, UnitConfig{LineID: "t"})

	p.send(t, "+CIEV: 1,1")
	nextEvent(t, u)
	p.expect(t)

	require.NoError(t, p.conn.Close())
	assert.Equal(t, EventDisconnected, nextEvent(t, u).Type)
	assert.Equal(t, EventCallEnded, nextEvent(t, u).Type)
	assert.False(t, u.IsConnected())
	assert.Empty(t, u.ConnectedDeviceAddress())
}

func TestDisconnectAfterLocalHangupIsQuiet(t *testing.T) {
	u, p := newAttachedUnit(t, UnitConfig{LineID: "t"})
	ctx := context.Background()

	p.send(t, "+CIEV: 1,1")
	nextEvent(t, u)
	p.expect(t)

	done := make(chan error, 1)
	go func() { done <- u.TerminateCall(ctx) }()
	assert.Equal(t, "AT+CHUP", p.expect(t))
	p.send(t, "OK")
	require.NoError(t, <-done)

	require.NoError(t, p.conn.Close())
	assert.Equal(t, EventDisconnected, nextEvent(t, u).Type)
	noEvent(t, u)
}

func TestSetAudioRouteEmitsEvent(t *testing.T) {
	u, _ := newAttachedUnit(t, UnitConfig{LineID: "t"})

	require.NoError(t, u.SetAudioRoute(context.Background(), bridge.RouteMobile))
	ev := nextEvent(t, u)
	assert.Equal(t, EventRouteChanged, ev.Type)
	assert.Equal(t, bridge.RouteMobile, ev.Route)
}

func TestMockAdapter(t *testing.T) {
	m := NewMock(UnitConfig{LineID: "mock", AckTimeout: 500 * time.Millisecond})
	require.NoError(t, m.Start(context.Background()))
	defer m.Close()

	assert.True(t, m.IsConnected())
	assert.Equal(t, MockAddress, m.ConnectedDeviceAddress())
	assert.Equal(t, EventConnected, nextEvent(t, m.Unit).Type)

	ctx := context.Background()
	require.NoError(t, m.InitiateCall(ctx, "5551234"))
	require.NoError(t, m.TerminateCall(ctx))
	assert.Equal(t, []string{"ATD5551234;", "AT+CHUP"}, m.Commands())

	m.FailCommands(true)
	assert.ErrorIs(t, m.AnswerCall(ctx, bridge.RouteRotary), ErrNoAck)

	m.Inject(`+CLIP: "2125550100",129`)
	ev := nextEvent(t, m.Unit)
	assert.Equal(t, EventIncomingCall, ev.Type)
	assert.Equal(t, "2125550100", ev.Number)
}

func TestMockStopsWithContext(t *testing.T) {
	m := NewMock(UnitConfig{LineID: "mock"})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.Start(ctx))
	cancel()

	require.Eventually(t, func() bool { return !m.IsConnected() }, 2*time.Second, 10*time.Millisecond)
}

func TestFactory(t *testing.T) {
	unit := UnitConfig{LineID: "f"}

	a, err := New(Config{Unit: unit, UseActual: false, Variant: VariantBlueZ}, "linux")
	require.NoError(t, err)
	assert.IsType(t, &Mock{}, a)

	a, err = New(Config{Unit: unit, UseActual: true}, "linux")
	require.NoError(t, err)
	assert.IsType(t, &BlueZ{}, a)

	a, err = New(Config{Unit: unit, UseActual: true, Variant: VariantAuto}, "windows")
	require.NoError(t, err)
	assert.IsType(t, &Mock{}, a)

	a, err = New(Config{Unit: unit, UseActual: true, Variant: "RFCOMM", RFCOMMDevice: "/dev/rfcomm0"}, "darwin")
	require.NoError(t, err)
	assert.IsType(t, &RFCOMM{}, a)

	_, err = New(Config{Unit: unit, UseActual: true, Variant: "winrt"}, "windows")
	assert.Error(t, err)
}

func TestDeviceAddress(t *testing.T) {
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", deviceAddress(dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF")))
	assert.Equal(t, "/org/bluez/hci0", deviceAddress(dbus.ObjectPath("/org/bluez/hci0")))
}

func TestRFCOMMWithoutDevice(t *testing.T) {
	r := NewRFCOMM(UnitConfig{LineID: "r"}, "/nonexistent/rfcomm9", "11:22:33:44:55:66")
	require.NoError(t, r.Start(context.Background()))
	assert.False(t, r.IsConnected())
	require.NoError(t, r.Close())
}
