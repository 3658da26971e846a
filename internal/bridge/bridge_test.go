package bridge

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmackelprang/RotaryPhone/internal/audio"
)

type fakeStream struct {
	sample int16
	ticker *time.Ticker
	done   chan struct{}
	once   sync.Once

	mu     sync.Mutex
	frames [][]int16
}

func newFakeStream(sample int16) *fakeStream {
	return &fakeStream{
		sample: sample,
		ticker: time.NewTicker(5 * time.Millisecond),
		done:   make(chan struct{}),
	}
}

func (f *fakeStream) ReadFrame(frame []int16) error {
	select {
	case <-f.done:
		return audio.ErrClosed
	case <-f.ticker.C:
	}
	for i := range frame {
		frame[i] = f.sample
	}
	return nil
}

func (f *fakeStream) WriteFrame(frame []int16) error {
	select {
	case <-f.done:
		return audio.ErrClosed
	case <-f.ticker.C:
	}
	f.mu.Lock()
	f.frames = append(f.frames, append([]int16(nil), frame...))
	f.mu.Unlock()
	return nil
}

func (f *fakeStream) Close() error {
	f.once.Do(func() {
		f.ticker.Stop()
		close(f.done)
	})
	return nil
}

func (f *fakeStream) written() [][]int16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]int16(nil), f.frames...)
}

type fakeSystem struct {
	mu        sync.Mutex
	sample    int16
	sourceErr error
	sinkErr   error
	opened    []string
	sinks     []*fakeStream
}

func (s *fakeSystem) OpenSource(device string, _ audio.Format) (audio.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sourceErr != nil {
		return nil, s.sourceErr
	}
	s.opened = append(s.opened, "source:"+device)
	return newFakeStream(s.sample), nil
}

func (s *fakeSystem) OpenSink(device string, _ audio.Format) (audio.Sink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sinkErr != nil {
		return nil, s.sinkErr
	}
	s.opened = append(s.opened, "sink:"+device)
	sink := newFakeStream(0)
	s.sinks = append(s.sinks, sink)
	return sink, nil
}

func (s *fakeSystem) Close() error { return nil }

func (s *fakeSystem) lastSink() *fakeStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sinks) == 0 {
		return nil
	}
	return s.sinks[len(s.sinks)-1]
}

func (s *fakeSystem) openCalls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.opened...)
}

func newPeer(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func newTestBridge(sys audio.System) *Bridge {
	return New(Config{
		LineID:    "test",
		LocalAddr: "127.0.0.1",
		Devices:   map[Route]string{RouteRotary: "ata-side", RouteMobile: "phone-side"},
	}, sys)
}

func drainEvents(b *Bridge) []EventType {
	var out []EventType
	for {
		select {
		case ev := <-b.Events():
			out = append(out, ev.Type)
		default:
			return out
		}
	}
}

func TestParseEndpoint(t *testing.T) {
	addr, err := ParseEndpoint("192.168.1.10:49000")
	require.NoError(t, err)
	assert.Equal(t, 49000, addr.Port)
	assert.Equal(t, "192.168.1.10", addr.IP.String())

	for _, bad := range []string{"", "192.168.1.10", "host:49000", "192.168.1.10:0", "192.168.1.10:abc", "1.2.3.4:70000"} {
		_, err := ParseEndpoint(bad)
		assert.ErrorIsf(t, err, ErrInvalidEndpoint, "endpoint %q", bad)
	}
}

func TestStartBridgeRejectsMalformedEndpoint(t *testing.T) {
	b := newTestBridge(&fakeSystem{})

	err := b.StartBridge(context.Background(), "not-an-endpoint", RouteRotary)
	require.ErrorIs(t, err, ErrInvalidEndpoint)
	assert.False(t, b.IsActive())
	assert.Equal(t, int64(0), b.GetStats().Starts)
	assert.Empty(t, drainEvents(b))
}

func TestCaptureIsEncodedAndSent(t *testing.T) {
	sys := &fakeSystem{sample: 1000}
	b := newTestBridge(sys)
	peer := newPeer(t)

	require.NoError(t, b.StartBridge(context.Background(), peer.LocalAddr().String(), RouteRotary))
	defer b.StopBridge()

	require.NoError(t, peer.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 1500)
	n, _, err := peer.ReadFromUDP(buf)
	require.NoError(t, err)

	var pkt rtp.Packet
	require.NoError(t, pkt.Unmarshal(buf[:n]))
	assert.Equal(t, uint8(0), pkt.PayloadType)
	require.Len(t, pkt.Payload, 160)
	for _, c := range pkt.Payload {
		require.Equal(t, byte(0xCE), c)
	}
	assert.Contains(t, sys.openCalls(), "source:ata-side")
}

func sendRTP(t *testing.T, from *net.UDPConn, to net.Addr, seq uint16, code byte) {
	t.Helper()
	require.NoError(t, writeRTP(from, to, seq, code))
}

func writeRTP(from *net.UDPConn, to net.Addr, seq uint16, code byte) error {
	payload := make([]byte, 160)
	for i := range payload {
		payload[i] = code
	}
	pkt := rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 0, SequenceNumber: seq, Timestamp: uint32(seq) * 160, SSRC: 42},
		Payload: payload,
	}
	data, err := pkt.Marshal()
	if err != nil {
		return err
	}
	_, err = from.WriteTo(data, to)
	return err
}

func TestMobileRouteQueuesDecodedAudio(t *testing.T) {
	sys := &fakeSystem{}
	b := newTestBridge(sys)
	peer := newPeer(t)

	require.NoError(t, b.StartBridge(context.Background(), peer.LocalAddr().String(), RouteMobile))
	defer b.StopBridge()

	local := b.LocalAddr()
	require.NotNil(t, local)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		seq := uint16(1)
		for {
			select {
			case <-stop:
				return
			case <-time.After(5 * time.Millisecond):
			}
			_ = writeRTP(peer, local, seq, 0xCE)
			seq++
		}
	}()

	require.Eventually(t, func() bool {
		sink := sys.lastSink()
		if sink == nil {
			return false
		}
		for _, f := range sink.written() {
			if f[0] == 988 {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	assert.Positive(t, b.GetStats().PacketsIn)
}

func TestRotaryRouteDoesNotPlayLocally(t *testing.T) {
	sys := &fakeSystem{}
	b := newTestBridge(sys)
	peer := newPeer(t)

	require.NoError(t, b.StartBridge(context.Background(), peer.LocalAddr().String(), RouteRotary))
	defer b.StopBridge()

	local := b.LocalAddr()
	for i := 0; i < 5; i++ {
		sendRTP(t, peer, local, uint16(i), 0xCE)
	}
	require.Eventually(t, func() bool { return b.GetStats().PacketsIn == 5 }, 2*time.Second, 5*time.Millisecond)

	sink := sys.lastSink()
	require.NotNil(t, sink)
	assert.Empty(t, sink.written())
}

func TestRestartStopsPreviousSessionOnce(t *testing.T) {
	b := newTestBridge(&fakeSystem{})
	peer := newPeer(t)
	ctx := context.Background()

	require.NoError(t, b.StartBridge(ctx, peer.LocalAddr().String(), RouteRotary))
	first := b.GetStats().SessionID

	require.NoError(t, b.StartBridge(ctx, peer.LocalAddr().String(), RouteMobile))
	st := b.GetStats()
	assert.NotEqual(t, first, st.SessionID)
	assert.Equal(t, int64(2), st.Starts)
	assert.Equal(t, int64(1), st.Stops)
	assert.Equal(t, RouteMobile, st.Route)

	b.StopBridge()
	b.StopBridge()
	assert.Equal(t, int64(2), b.GetStats().Stops)
	assert.False(t, b.IsActive())

	assert.Equal(t, []EventType{EventEstablished, EventTerminated, EventEstablished, EventTerminated}, drainEvents(b))
}

func TestChangeRoute(t *testing.T) {
	sys := &fakeSystem{}
	b := newTestBridge(sys)
	peer := newPeer(t)

	assert.ErrorIs(t, b.ChangeRoute(RouteMobile), ErrNotActive)

	require.NoError(t, b.StartBridge(context.Background(), peer.LocalAddr().String(), RouteRotary))
	defer b.StopBridge()

	require.NoError(t, b.ChangeRoute(RouteMobile))
	route, ok := b.CurrentRoute()
	require.True(t, ok)
	assert.Equal(t, RouteMobile, route)

	// same route is a no-op
	require.NoError(t, b.ChangeRoute(RouteMobile))

	assert.Equal(t, []string{"source:ata-side", "sink:ata-side", "source:phone-side", "sink:phone-side"}, sys.openCalls())
}

func TestDeviceFailureKeepsSessionRunning(t *testing.T) {
	devErr := errors.New("no such device")
	sys := &fakeSystem{sourceErr: devErr, sinkErr: devErr}
	b := newTestBridge(sys)
	peer := newPeer(t)

	require.NoError(t, b.StartBridge(context.Background(), peer.LocalAddr().String(), RouteMobile))
	defer b.StopBridge()
	assert.True(t, b.IsActive())

	sendRTP(t, peer, b.LocalAddr(), 1, 0xFF)
	require.Eventually(t, func() bool { return b.GetStats().PacketsIn == 1 }, 2*time.Second, 5*time.Millisecond)

	evs := drainEvents(b)
	assert.Equal(t, []EventType{EventError, EventError, EventEstablished}, evs)
}

func TestParentCancelEndsLoops(t *testing.T) {
	b := newTestBridge(&fakeSystem{})
	peer := newPeer(t)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, b.StartBridge(ctx, peer.LocalAddr().String(), RouteRotary))
	cancel()

	done := make(chan struct{})
	go func() {
		b.StopBridge()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("StopBridge did not return after cancel")
	}
}
