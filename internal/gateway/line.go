// Package gateway assembles the per-line components and owns the shared SIP
// endpoint.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/mmackelprang/RotaryPhone/internal/audio"
	"github.com/mmackelprang/RotaryPhone/internal/bridge"
	"github.com/mmackelprang/RotaryPhone/internal/callmgr"
	"github.com/mmackelprang/RotaryPhone/internal/config"
	"github.com/mmackelprang/RotaryPhone/internal/hfp"
	"github.com/mmackelprang/RotaryPhone/internal/history"
	"github.com/mmackelprang/RotaryPhone/internal/signaling"
)

var (
	// ErrNotMock is returned by Inject when the line uses a real phone.
	ErrNotMock = errors.New("bluetooth adapter is not the mock")
	// ErrLineInactive is returned for control calls on a line that did not start.
	ErrLineInactive = errors.New("line not active")
)

// Deps are the collaborators shared by every line.
type Deps struct {
	SIP       *signaling.Server
	Audio     audio.System
	Bluetooth hfp.Config // per-line fields are filled in by NewLine
	Devices   map[bridge.Route]string
	History   history.Store
	Observer  callmgr.Observer
	GOOS      string
}

// LineStatus is the externally visible state of a line.
type LineStatus struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	Active             bool   `json:"active"`
	State              string `json:"state"`
	DialedNumber       string `json:"dialed_number"`
	SIPListening       bool   `json:"sip_listening"`
	SIPAddress         string `json:"sip_address"`
	SIPPort            int    `json:"sip_port"`
	BluetoothConnected bool   `json:"bluetooth_connected"`
	BluetoothAddress   string `json:"bluetooth_address"`
	ATAIP              string `json:"ata_ip"`
	BridgeActive       bool   `json:"bridge_active"`
	Route              string `json:"route,omitempty"`

	Call   callmgr.CallInfo `json:"call"`
	Bridge bridge.Stats     `json:"bridge"`
}

// Line is one rotary phone with its ATA, paired mobile phone and audio
// bridge.
type Line struct {
	cfg    config.LineConfig
	server *signaling.Server
	sip    *signaling.Adapter
	bt     hfp.Adapter
	bridge *bridge.Bridge
	mgr    *callmgr.Manager

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
	active atomic.Bool
}

// NewLine builds the components of one line. Nothing runs until Start.
func NewLine(cfg config.LineConfig, deps Deps) (*Line, error) {
	if deps.SIP == nil {
		return nil, errors.New("gateway: SIP server required")
	}

	btCfg := deps.Bluetooth
	btCfg.Unit.LineID = cfg.ID
	btCfg.DeviceMAC = cfg.BluetoothMAC
	bt, err := hfp.New(btCfg, deps.GOOS)
	if err != nil {
		return nil, fmt.Errorf("line %s: %w", cfg.ID, err)
	}

	sip := deps.SIP.NewAdapter(signaling.LineSettings{
		LineID:    cfg.ID,
		ATAAddr:   cfg.ATAIP,
		Extension: cfg.ATAExtension,
		RTPPort:   cfg.RTPPort,
	})

	br := bridge.New(bridge.Config{
		LineID:    cfg.ID,
		LocalPort: cfg.RTPPort,
		Devices:   deps.Devices,
	}, deps.Audio)

	mgr := callmgr.New(callmgr.Config{
		LineID:    cfg.ID,
		ATAAddr:   cfg.ATAIP,
		Extension: cfg.ATAExtension,
		RTPPort:   cfg.RTPPort,
	}, bt, br, sip, callmgr.Options{
		History:  deps.History,
		Observer: deps.Observer,
	})

	return &Line{
		cfg:    cfg,
		server: deps.SIP,
		sip:    sip,
		bt:     bt,
		bridge: br,
		mgr:    mgr,
	}, nil
}

// ID returns the line id.
func (l *Line) ID() string { return l.cfg.ID }

// Manager returns the call manager of the line.
func (l *Line) Manager() *callmgr.Manager { return l.mgr }

// Active reports whether Start succeeded and Stop has not been called.
func (l *Line) Active() bool { return l.active.Load() }

// Start brings up the Bluetooth side and runs the call manager. A
// Bluetooth failure leaves the line inactive.
func (l *Line) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return nil
	}

	lctx, cancel := context.WithCancel(ctx)
	if err := l.bt.Start(lctx); err != nil {
		cancel()
		return fmt.Errorf("line %s: bluetooth: %w", l.cfg.ID, err)
	}
	l.cancel = cancel
	l.active.Store(true)

	l.wg.Add(2)
	go func() {
		defer l.wg.Done()
		l.mgr.Run(lctx)
	}()
	go func() {
		defer l.wg.Done()
		l.watchBridge(lctx)
	}()

	slog.Info("[Gateway] Line started", "line", l.cfg.ID, "name", l.cfg.Name, "ata", l.cfg.ATAIP, "rtp_port", l.cfg.RTPPort)
	return nil
}

// Stop ends the call manager, tears down any bridge session and releases
// the Bluetooth adapter.
func (l *Line) Stop() {
	l.mu.Lock()
	cancel := l.cancel
	l.cancel = nil
	l.mu.Unlock()
	if cancel == nil {
		return
	}

	cancel()
	l.wg.Wait()
	l.bridge.StopBridge()
	if err := l.bt.Close(); err != nil {
		slog.Warn("[Gateway] Bluetooth close failed", "line", l.cfg.ID, "error", err)
	}
	l.active.Store(false)
	slog.Info("[Gateway] Line stopped", "line", l.cfg.ID)
}

// Inject plays an AT line from the simulated phone. Only the mock adapter
// supports it.
func (l *Line) Inject(atLine string) error {
	m, ok := l.bt.(*hfp.Mock)
	if !ok {
		return ErrNotMock
	}
	if !l.Active() {
		return ErrLineInactive
	}
	m.Inject(atLine)
	return nil
}

// Status returns a snapshot of the line.
func (l *Line) Status() LineStatus {
	call := l.mgr.CurrentCall()
	stats := l.bridge.GetStats()

	st := LineStatus{
		ID:                 l.cfg.ID,
		Name:               l.cfg.Name,
		Active:             l.Active(),
		State:              l.mgr.CurrentState().String(),
		DialedNumber:       l.mgr.DialedNumber(),
		SIPListening:       l.sip.IsListening(),
		SIPAddress:         l.server.AdvertiseAddr(),
		SIPPort:            l.server.Port(),
		BluetoothConnected: l.bt.IsConnected(),
		BluetoothAddress:   l.bt.ConnectedDeviceAddress(),
		ATAIP:              l.cfg.ATAIP,
		BridgeActive:       l.bridge.IsActive(),
		Call:               call,
		Bridge:             stats,
	}
	if route, ok := l.bridge.CurrentRoute(); ok {
		st.Route = route.String()
	}
	return st
}

func (l *Line) watchBridge(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-l.bridge.Events():
			switch ev.Type {
			case bridge.EventError:
				slog.Warn("[Gateway] Bridge error", "line", l.cfg.ID, "session_id", ev.SessionID, "error", ev.Err)
			default:
				slog.Debug("[Gateway] Bridge event", "line", l.cfg.ID, "type", ev.Type.String(), "session_id", ev.SessionID, "route", ev.Route.String())
			}
		}
	}
}
