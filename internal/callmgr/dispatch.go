package callmgr

import (
	"context"
	"sync"
)

type job struct {
	command string
	fn      func(ctx context.Context) error
}

// dispatcher runs the commands for one collaborator in submission order on
// its own goroutine, so the event loop never waits on device or network I/O.
type dispatcher struct {
	name    string
	report  func(command string, err error)
	mu      sync.Mutex
	queue   []job
	wake    chan struct{}
	pending sync.WaitGroup
}

func newDispatcher(name string, report func(string, error)) *dispatcher {
	return &dispatcher{name: name, report: report, wake: make(chan struct{}, 1)}
}

func (d *dispatcher) submit(command string, fn func(ctx context.Context) error) {
	d.pending.Add(1)
	d.mu.Lock()
	d.queue = append(d.queue, job{command: command, fn: fn})
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run(ctx context.Context) {
	for {
		for {
			d.mu.Lock()
			if len(d.queue) == 0 {
				d.mu.Unlock()
				break
			}
			j := d.queue[0]
			d.queue = d.queue[1:]
			d.mu.Unlock()

			err := j.fn(ctx)
			d.report(j.command, err)
			d.pending.Done()
		}

		select {
		case <-ctx.Done():
			d.discard()
			return
		case <-d.wake:
		}
	}
}

// discard drops queued commands after shutdown.
func (d *dispatcher) discard() {
	d.mu.Lock()
	n := len(d.queue)
	d.queue = nil
	d.mu.Unlock()
	for i := 0; i < n; i++ {
		d.pending.Done()
	}
}
