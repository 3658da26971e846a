package audio

import (
	"sync"
	"time"
)

// Null is a device-less backend. Sources produce silence and sinks discard
// frames, both at the pace of the format so callers loop in real time.
type Null struct{}

func (Null) OpenSource(_ string, f Format) (Source, error) {
	return newPacer(f), nil
}

func (Null) OpenSink(_ string, f Format) (Sink, error) {
	return newPacer(f), nil
}

func (Null) Close() error { return nil }

type pacer struct {
	ticker *time.Ticker
	done   chan struct{}
	once   sync.Once
}

func newPacer(f Format) *pacer {
	return &pacer{
		ticker: time.NewTicker(f.FrameDuration()),
		done:   make(chan struct{}),
	}
}

func (p *pacer) wait() error {
	select {
	case <-p.done:
		return ErrClosed
	case <-p.ticker.C:
		return nil
	}
}

func (p *pacer) ReadFrame(frame []int16) error {
	if err := p.wait(); err != nil {
		return err
	}
	clear(frame)
	return nil
}

func (p *pacer) WriteFrame(_ []int16) error {
	return p.wait()
}

func (p *pacer) Close() error {
	p.once.Do(func() {
		p.ticker.Stop()
		close(p.done)
	})
	return nil
}
