package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"

	"github.com/mmackelprang/RotaryPhone/internal/audio"
	"github.com/mmackelprang/RotaryPhone/internal/media"
)

var (
	// ErrInvalidEndpoint is returned by StartBridge for an unparseable ip:port.
	ErrInvalidEndpoint = errors.New("invalid RTP endpoint")
	// ErrNotActive is returned when an operation needs a live session.
	ErrNotActive = errors.New("bridge not active")
)

// Config holds the per-line bridge settings.
type Config struct {
	LineID    string
	LocalAddr string // RTP bind address, empty for all interfaces
	LocalPort int    // RTP port advertised in SDP, 0 picks an ephemeral port

	// Devices names the local audio device attached for each route.
	// Missing entries use the system default device.
	Devices map[Route]string

	// PlaybackBuffer bounds the audio queued towards the mobile side.
	PlaybackBuffer time.Duration
}

// Stats is a snapshot of the bridge counters.
type Stats struct {
	SessionID     string
	Active        bool
	Route         Route
	Remote        string
	PacketsIn     int64
	PacketsOut    int64
	BytesIn       int64
	BytesOut      int64
	PacketsLost   uint64
	DroppedFrames int64
	Starts        int64
	Stops         int64
}

// Bridge moves audio between the RTP leg towards the ATA and the local
// audio devices. It holds at most one session at a time.
type Bridge struct {
	cfg    Config
	codec  media.Codec
	format audio.Format
	audio  audio.System
	events chan Event

	mu   sync.Mutex
	sess *session

	starts atomic.Int64
	stops  atomic.Int64
}

// New creates an idle bridge using sys for local audio.
func New(cfg Config, sys audio.System) *Bridge {
	if cfg.PlaybackBuffer <= 0 {
		cfg.PlaybackBuffer = 2 * time.Second
	}
	if sys == nil {
		sys = audio.Null{}
	}
	codec := media.CodecPCMU
	return &Bridge{
		cfg:    cfg,
		codec:  codec,
		format: audio.Format{SampleRate: int(codec.SampleRate), FrameSamples: codec.SamplesPerFrame()},
		audio:  sys,
		events: make(chan Event, 16),
	}
}

// Events returns the lifecycle notification channel.
func (b *Bridge) Events() <-chan Event {
	return b.events
}

// ParseEndpoint parses an "ip:port" RTP destination.
func ParseEndpoint(endpoint string) (*net.UDPAddr, error) {
	host, portStr, err := net.SplitHostPort(endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidEndpoint, endpoint, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("%w %q: bad IP", ErrInvalidEndpoint, endpoint)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return nil, fmt.Errorf("%w %q: bad port", ErrInvalidEndpoint, endpoint)
	}
	return &net.UDPAddr{IP: ip, Port: port}, nil
}

// StartBridge opens an RTP session towards endpoint and starts the audio
// pipelines with the given route. A session that is already running is
// stopped first. A malformed endpoint leaves the bridge untouched.
func (b *Bridge) StartBridge(ctx context.Context, endpoint string, route Route) error {
	remote, err := ParseEndpoint(endpoint)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sess != nil {
		slog.Info("[Bridge] Replacing active session", "line", b.cfg.LineID, "session_id", b.sess.id)
		b.stopLocked()
	}

	local := &net.UDPAddr{IP: net.IPv4zero, Port: b.cfg.LocalPort}
	if b.cfg.LocalAddr != "" {
		if ip := net.ParseIP(b.cfg.LocalAddr); ip != nil {
			local.IP = ip
		}
	}
	conn, err := net.ListenUDP("udp", local)
	if err != nil {
		return fmt.Errorf("bind RTP port %d: %w", b.cfg.LocalPort, err)
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &session{
		id:       "bridge-" + uuid.New().String(),
		bridge:   b,
		remote:   remote,
		conn:     conn,
		writer:   media.NewPacketWriter(conn, remote, b.codec),
		playback: audio.NewRing(int(b.cfg.PlaybackBuffer.Seconds() * float64(b.format.SampleRate))),
		ctx:      sctx,
		cancel:   cancel,
	}
	s.route.Store(int32(route))
	s.attachDevices(route)
	s.active.Store(true)

	s.wg.Add(3)
	go s.receiveLoop()
	go s.captureLoop()
	go s.playbackLoop()

	b.sess = s
	b.starts.Add(1)

	slog.Info("[Bridge] Established",
		"line", b.cfg.LineID,
		"session_id", s.id,
		"local", conn.LocalAddr().String(),
		"remote", remote.String(),
		"route", route.String(),
	)
	b.emit(Event{Type: EventEstablished, SessionID: s.id, Route: route})
	return nil
}

// StopBridge tears down the running session. It is a no-op when idle.
func (b *Bridge) StopBridge() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopLocked()
}

// stopLocked tears down the session (must hold lock).
func (b *Bridge) stopLocked() {
	s := b.sess
	if s == nil {
		return
	}
	b.sess = nil

	s.active.Store(false)
	s.cancel()
	_ = s.conn.Close()
	s.detachDevices()
	s.wg.Wait()
	_ = s.writer.Close()
	b.stops.Add(1)

	st := s.stats()
	slog.Info("[Bridge] Terminated",
		"line", b.cfg.LineID,
		"session_id", s.id,
		"packets_in", st.PacketsIn,
		"packets_out", st.PacketsOut,
		"lost", st.PacketsLost,
		"dropped_frames", st.DroppedFrames,
	)
	b.emit(Event{Type: EventTerminated, SessionID: s.id, Route: st.Route})
}

// ChangeRoute switches the local device pair without touching RTP.
func (b *Bridge) ChangeRoute(route Route) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.sess
	if s == nil {
		return ErrNotActive
	}
	if Route(s.route.Load()) == route {
		return nil
	}

	s.detachDevices()
	s.route.Store(int32(route))
	s.playback.Reset()
	s.attachDevices(route)

	slog.Info("[Bridge] Route changed", "line", b.cfg.LineID, "session_id", s.id, "route", route.String())
	b.emit(Event{Type: EventRouteChanged, SessionID: s.id, Route: route})
	return nil
}

// IsActive reports whether a session is running.
func (b *Bridge) IsActive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sess != nil
}

// CurrentRoute returns the route of the running session.
func (b *Bridge) CurrentRoute() (Route, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sess == nil {
		return RouteRotary, false
	}
	return Route(b.sess.route.Load()), true
}

// LocalAddr returns the bound RTP address of the running session.
func (b *Bridge) LocalAddr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sess == nil {
		return nil
	}
	return b.sess.conn.LocalAddr()
}

// GetStats returns the counters of the running session, or only the
// lifetime start/stop counts when idle.
func (b *Bridge) GetStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	var st Stats
	if b.sess != nil {
		st = b.sess.stats()
	}
	st.Starts = b.starts.Load()
	st.Stops = b.stops.Load()
	return st
}

// Close stops any session and releases the audio system.
func (b *Bridge) Close() error {
	b.StopBridge()
	return b.audio.Close()
}

func (b *Bridge) emit(ev Event) {
	select {
	case b.events <- ev:
	default:
		slog.Debug("[Bridge] Event dropped", "line", b.cfg.LineID, "type", ev.Type.String())
	}
}

type session struct {
	id     string
	bridge *Bridge
	remote *net.UDPAddr
	conn   *net.UDPConn
	writer *media.PacketWriter

	route  atomic.Int32
	active atomic.Bool

	devMu    sync.RWMutex
	source   audio.Source
	sink     audio.Sink
	playback *audio.Ring

	seqMu sync.Mutex
	seq   media.SequenceTracker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	packetsIn  atomic.Int64
	packetsOut atomic.Int64
	bytesIn    atomic.Int64
	bytesOut   atomic.Int64
	dropped    atomic.Int64
}

// attachDevices opens the source and sink for route. Failures leave the
// corresponding direction silent.
func (s *session) attachDevices(route Route) {
	b := s.bridge
	name := b.cfg.Devices[route]

	s.devMu.Lock()
	defer s.devMu.Unlock()

	src, err := b.audio.OpenSource(name, b.format)
	if err != nil {
		slog.Warn("[Bridge] Capture unavailable, receive-only", "line", b.cfg.LineID, "device", name, "error", err)
		b.emit(Event{Type: EventError, SessionID: s.id, Route: route, Err: err})
	} else {
		s.source = src
	}

	sink, err := b.audio.OpenSink(name, b.format)
	if err != nil {
		slog.Warn("[Bridge] Playback unavailable, send-only", "line", b.cfg.LineID, "device", name, "error", err)
		b.emit(Event{Type: EventError, SessionID: s.id, Route: route, Err: err})
	} else {
		s.sink = sink
	}
}

func (s *session) detachDevices() {
	s.devMu.Lock()
	defer s.devMu.Unlock()
	if s.source != nil {
		_ = s.source.Close()
		s.source = nil
	}
	if s.sink != nil {
		_ = s.sink.Close()
		s.sink = nil
	}
}

// receiveLoop decodes inbound RTP. Audio is queued for local playback only
// while the mobile route is selected; on the rotary route the ATA plays it.
func (s *session) receiveLoop() {
	defer s.wg.Done()

	b := s.bridge
	buf := make([]byte, 1500)
	pcm := make([]int16, 1500)
	var pkt rtp.Packet

	for s.active.Load() {
		n, src, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Debug("[Bridge] RTP read error", "session_id", s.id, "error", err)
			continue
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			slog.Debug("[Bridge] Malformed RTP packet", "session_id", s.id, "from", src.String(), "error", err)
			continue
		}
		if pkt.PayloadType != b.codec.PayloadType {
			continue
		}

		if s.packetsIn.Load() == 0 {
			slog.Info("[Bridge] First RTP packet", "session_id", s.id, "from", src.String(), "size", n)
		}
		s.packetsIn.Add(1)
		s.bytesIn.Add(int64(n))

		s.seqMu.Lock()
		s.seq.Observe(pkt.SequenceNumber)
		s.seqMu.Unlock()

		if Route(s.route.Load()) != RouteMobile {
			continue
		}
		samples := media.DecodeUlawFrame(pcm, pkt.Payload)
		if !s.playback.Write(pcm[:samples]) {
			s.dropped.Add(1)
		}
	}
}

// captureLoop encodes local frames and sends them on the RTP session.
// The source paces the loop.
func (s *session) captureLoop() {
	defer s.wg.Done()

	b := s.bridge
	frame := make([]int16, b.format.FrameSamples)
	payload := make([]byte, b.codec.BytesPerFrame())
	idle := time.NewTicker(b.format.FrameDuration())
	defer idle.Stop()

	for {
		if s.ctx.Err() != nil {
			return
		}

		s.devMu.RLock()
		src := s.source
		var err error
		if src != nil {
			err = src.ReadFrame(frame)
		}
		s.devMu.RUnlock()

		if src == nil || err != nil {
			if err != nil && s.ctx.Err() == nil && !errors.Is(err, audio.ErrClosed) {
				slog.Debug("[Bridge] Capture error", "session_id", s.id, "error", err)
			}
			select {
			case <-s.ctx.Done():
				return
			case <-idle.C:
			}
			continue
		}

		media.EncodeUlawFrame(payload, frame)
		n, err := s.writer.Write(payload)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			slog.Debug("[Bridge] RTP write error", "session_id", s.id, "error", err)
			continue
		}
		s.packetsOut.Add(1)
		s.bytesOut.Add(int64(n))
	}
}

// playbackLoop drains the mobile-route queue into the sink, padding with
// silence when the queue runs short.
func (s *session) playbackLoop() {
	defer s.wg.Done()

	b := s.bridge
	frame := make([]int16, b.format.FrameSamples)
	idle := time.NewTicker(b.format.FrameDuration())
	defer idle.Stop()

	for {
		if s.ctx.Err() != nil {
			return
		}

		var err error
		played := false
		if Route(s.route.Load()) == RouteMobile {
			s.devMu.RLock()
			if s.sink != nil {
				n := s.playback.Read(frame)
				clear(frame[n:])
				err = s.sink.WriteFrame(frame)
				played = true
			}
			s.devMu.RUnlock()
		}

		if !played || err != nil {
			select {
			case <-s.ctx.Done():
				return
			case <-idle.C:
			}
		}
	}
}

func (s *session) stats() Stats {
	s.seqMu.Lock()
	seq := s.seq.Stats()
	s.seqMu.Unlock()
	return Stats{
		SessionID:     s.id,
		Active:        s.active.Load(),
		Route:         Route(s.route.Load()),
		Remote:        s.remote.String(),
		PacketsIn:     s.packetsIn.Load(),
		PacketsOut:    s.packetsOut.Load(),
		BytesIn:       s.bytesIn.Load(),
		BytesOut:      s.bytesOut.Load(),
		PacketsLost:   seq.Lost,
		DroppedFrames: s.dropped.Load(),
	}
}
