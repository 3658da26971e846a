package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/mmackelprang/RotaryPhone/internal/audio"
	"github.com/mmackelprang/RotaryPhone/internal/bridge"
	"github.com/mmackelprang/RotaryPhone/internal/callmgr"
	"github.com/mmackelprang/RotaryPhone/internal/config"
	"github.com/mmackelprang/RotaryPhone/internal/hfp"
	"github.com/mmackelprang/RotaryPhone/internal/history"
	"github.com/mmackelprang/RotaryPhone/internal/metrics"
	"github.com/mmackelprang/RotaryPhone/internal/signaling"
)

// Options are optional collaborators of the Manager.
type Options struct {
	Audio    audio.System     // nil opens the configured backend
	Observer callmgr.Observer // usually a *metrics.Recorder
	GOOS     string           // defaults to runtime.GOOS
}

// Manager owns the shared SIP endpoint and every configured line.
type Manager struct {
	cfg     *config.Config
	server  *signaling.Server
	audio   audio.System
	history history.Store

	lines []*Line
	byID  map[string]*Line

	cancel    context.CancelFunc
	serveDone chan struct{}
	closeOnce sync.Once
}

// NewManager creates the SIP endpoint and one Line per configured line.
func NewManager(cfg *config.Config, opts Options) (*Manager, error) {
	if opts.GOOS == "" {
		opts.GOOS = runtime.GOOS
	}

	sys := opts.Audio
	if sys == nil {
		var err error
		sys, err = audio.New(cfg.Audio.UseActualBridge)
		if err != nil {
			return nil, fmt.Errorf("open audio: %w", err)
		}
	}

	server, err := signaling.NewServer(signaling.Config{
		BindAddr:      cfg.SIP.ListenAddress,
		Port:          cfg.SIP.Port,
		AdvertiseAddr: cfg.SIP.AdvertiseAddress,
	})
	if err != nil {
		_ = sys.Close()
		return nil, err
	}

	var store history.Store
	if cfg.History.Enabled {
		store = history.NewMemory(cfg.History.MaxEntries)
	}

	deps := Deps{
		SIP:   server,
		Audio: sys,
		Bluetooth: hfp.Config{
			Unit:         hfp.UnitConfig{CallIndicator: cfg.Bluetooth.CallIndicator},
			UseActual:    cfg.Bluetooth.UseActualHFP,
			Variant:      cfg.Bluetooth.Adapter,
			DeviceName:   cfg.Bluetooth.DeviceName,
			AdapterPath:  cfg.Bluetooth.AdapterPath,
			RFCOMMDevice: cfg.Bluetooth.RFCOMMDevice,
		},
		Devices: map[bridge.Route]string{
			bridge.RouteRotary: cfg.Audio.RotaryDevice,
			bridge.RouteMobile: cfg.Audio.MobileDevice,
		},
		History:  store,
		Observer: opts.Observer,
		GOOS:     opts.GOOS,
	}

	m := &Manager{
		cfg:     cfg,
		server:  server,
		audio:   sys,
		history: store,
		byID:    make(map[string]*Line),
	}
	for _, lc := range cfg.Lines {
		line, err := NewLine(lc, deps)
		if err != nil {
			_ = server.Close()
			_ = sys.Close()
			return nil, err
		}
		m.lines = append(m.lines, line)
		m.byID[lc.ID] = line
	}
	return m, nil
}

// Start binds the SIP transport and starts every line. A bind failure is
// returned; a line that fails to start is logged and left inactive.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.server.Listen(); err != nil {
		slog.Error("[Gateway] Failed to bind SIP transport", "address", m.cfg.SIP.ListenAddress, "port", m.cfg.SIP.Port, "error", err)
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.serveDone = make(chan struct{})
	go func() {
		defer close(m.serveDone)
		if err := m.server.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("[Gateway] SIP server stopped", "error", err)
		}
	}()

	started := 0
	for _, l := range m.lines {
		if err := l.Start(ctx); err != nil {
			slog.Error("[Gateway] Line failed to start", "line", l.ID(), "error", err)
			continue
		}
		started++
	}
	slog.Info("[Gateway] Started", "lines", len(m.lines), "active", started, "sip_port", m.server.Port())
	return nil
}

// Close stops every line, the SIP endpoint and the audio system. It is safe
// to call more than once.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
		for _, l := range m.lines {
			l.Stop()
		}
		err = m.server.Close()
		if m.serveDone != nil {
			<-m.serveDone
		}
		if cerr := m.audio.Close(); cerr != nil && err == nil {
			err = cerr
		}
		slog.Info("[Gateway] Closed")
	})
	return err
}

// Lines returns the lines in configuration order.
func (m *Manager) Lines() []*Line {
	return m.lines
}

// Line returns the line with id.
func (m *Manager) Line(id string) (*Line, bool) {
	l, ok := m.byID[id]
	return l, ok
}

// History returns the call history store, nil when disabled.
func (m *Manager) History() history.Store {
	return m.history
}

// SIPListening reports whether the SIP transport is bound.
func (m *Manager) SIPListening() bool {
	return m.server.IsListening()
}

// LineSamples implements metrics.Source.
func (m *Manager) LineSamples() []metrics.LineSample {
	out := make([]metrics.LineSample, 0, len(m.lines))
	for _, l := range m.lines {
		st := l.Status()
		out = append(out, metrics.LineSample{
			LineID:             st.ID,
			State:              st.State,
			SIPListening:       st.SIPListening,
			BluetoothConnected: st.BluetoothConnected,
			BridgeActive:       st.BridgeActive,
			PacketsIn:          st.Bridge.PacketsIn,
			PacketsOut:         st.Bridge.PacketsOut,
			PacketsLost:        st.Bridge.PacketsLost,
			DroppedFrames:      st.Bridge.DroppedFrames,
		})
	}
	return out
}
