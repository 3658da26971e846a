package gateway

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmackelprang/RotaryPhone/internal/audio"
	"github.com/mmackelprang/RotaryPhone/internal/callmgr"
	"github.com/mmackelprang/RotaryPhone/internal/config"
	"github.com/mmackelprang/RotaryPhone/internal/history"
	"github.com/mmackelprang/RotaryPhone/internal/hfp"
)

func freeUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	port := conn.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, conn.Close())
	return port
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.SIP = config.SIPConfig{ListenAddress: "127.0.0.1", Port: 0, AdvertiseAddress: "127.0.0.1"}
	cfg.Lines = []config.LineConfig{{
		ID:           "kitchen",
		Name:         "Kitchen",
		ATAIP:        "127.0.0.1",
		ATAExtension: "1000",
		RTPPort:      freeUDPPort(t),
	}}
	return cfg
}

func startManager(t *testing.T, cfg *config.Config) *Manager {
	t.Helper()
	m, err := NewManager(cfg, Options{Audio: audio.Null{}, GOOS: "linux"})
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func waitState(t *testing.T, l *Line, want callmgr.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return l.Manager().CurrentState() == want
	}, 2*time.Second, 10*time.Millisecond, "want %s", want)
}

func TestManagerStartsLines(t *testing.T) {
	m := startManager(t, testConfig(t))

	assert.True(t, m.SIPListening())
	require.Len(t, m.Lines(), 1)

	l, ok := m.Line("kitchen")
	require.True(t, ok)
	_, ok = m.Line("garage")
	assert.False(t, ok)

	st := l.Status()
	assert.True(t, st.Active)
	assert.Equal(t, "Kitchen", st.Name)
	assert.Equal(t, "Idle", st.State)
	assert.True(t, st.SIPListening)
	assert.Equal(t, "127.0.0.1", st.SIPAddress)
	assert.NotZero(t, st.SIPPort)
	assert.True(t, st.BluetoothConnected)
	assert.Equal(t, hfp.MockAddress, st.BluetoothAddress)
	assert.False(t, st.BridgeActive)
}

func TestOutgoingCallThroughLine(t *testing.T) {
	m := startManager(t, testConfig(t))
	l, _ := m.Line("kitchen")

	l.Manager().HandleHookChange(true)
	waitState(t, l, callmgr.StateDialing)
	l.Manager().HandleDigitsReceived("5551234")
	waitState(t, l, callmgr.StateInCall)

	require.Eventually(t, func() bool { return l.Status().BridgeActive }, 2*time.Second, 10*time.Millisecond)
	st := l.Status()
	assert.Equal(t, "rotary", st.Route)
	assert.Equal(t, "5551234", st.Call.Number)

	l.Manager().HandleHookChange(false)
	waitState(t, l, callmgr.StateIdle)
	require.Eventually(t, func() bool { return !l.Status().BridgeActive }, 2*time.Second, 10*time.Millisecond)

	entries := m.History().List(0)
	require.Len(t, entries, 1)
	assert.Equal(t, history.Outgoing, entries[0].Direction)
	assert.Equal(t, "kitchen", entries[0].LineID)

	samples := m.LineSamples()
	require.Len(t, samples, 1)
	assert.Equal(t, "Idle", samples[0].State)
	assert.True(t, samples[0].SIPListening)
}

func TestInjectIncomingCall(t *testing.T) {
	m := startManager(t, testConfig(t))
	l, _ := m.Line("kitchen")

	require.NoError(t, l.Inject("+CLIP: \"5559876\",129"))
	waitState(t, l, callmgr.StateRinging)
	assert.Equal(t, "5559876", l.Status().Call.Number)

	// answered on the mobile phone
	require.NoError(t, l.Inject("+CIEV: 1,1"))
	waitState(t, l, callmgr.StateInCall)
	require.Eventually(t, func() bool { return l.Status().Route == "mobile" }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, l.Inject("+CIEV: 1,0"))
	waitState(t, l, callmgr.StateIdle)
}

func TestHistoryDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.History.Enabled = false
	m := startManager(t, cfg)
	assert.Nil(t, m.History())
}

func TestSIPBindFailureIsReturned(t *testing.T) {
	busy, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	cfg := testConfig(t)
	cfg.SIP.Port = busy.LocalAddr().(*net.UDPAddr).Port

	m, err := NewManager(cfg, Options{Audio: audio.Null{}})
	require.NoError(t, err)
	defer m.Close()
	assert.Error(t, m.Start(context.Background()))
}

func TestStoppedLineRejectsInject(t *testing.T) {
	m := startManager(t, testConfig(t))
	l, _ := m.Line("kitchen")
	l.Stop()
	assert.False(t, l.Active())
	assert.ErrorIs(t, l.Inject("RING"), ErrLineInactive)

	// second stop and manager close are harmless
	l.Stop()
	assert.NoError(t, m.Close())
	assert.NoError(t, m.Close())
}
