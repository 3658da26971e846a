package hfp

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"
)

const rfcommRetryInterval = 2 * time.Second

// RFCOMM attaches to an RFCOMM tty that was bound outside the process
// (rfcomm bind / rfcomm listen). The device node appears once the phone
// connects, so Start polls for it.
type RFCOMM struct {
	*Unit
	device string
	mac    string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRFCOMM creates an adapter reading device. mac is reported as the peer.
func NewRFCOMM(cfg UnitConfig, device, mac string) *RFCOMM {
	return &RFCOMM{Unit: NewUnit(cfg), device: device, mac: mac}
}

// Start begins polling for the tty until ctx is cancelled or Close.
func (r *RFCOMM) Start(ctx context.Context) error {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.monitor(ctx)
	slog.Info("[HFP] RFCOMM adapter started", "line", r.cfg.LineID, "device", r.device)
	return nil
}

func (r *RFCOMM) monitor(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(rfcommRetryInterval)
	defer ticker.Stop()

	for {
		if !r.IsConnected() {
			r.tryOpen()
		}
		select {
		case <-ctx.Done():
			r.Detach()
			return
		case <-ticker.C:
		}
	}
}

func (r *RFCOMM) tryOpen() {
	f, err := os.OpenFile(r.device, os.O_RDWR, 0)
	if err != nil {
		slog.Debug("[HFP] RFCOMM device not ready", "line", r.cfg.LineID, "device", r.device, "error", err)
		return
	}
	if err := r.Attach(f, r.mac); err != nil {
		slog.Warn("[HFP] Failed to attach RFCOMM device", "line", r.cfg.LineID, "error", err)
	}
}

// Close stops polling and closes the tty.
func (r *RFCOMM) Close() error {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	return r.Unit.Close()
}
