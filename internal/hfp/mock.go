package hfp

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"strings"
	"sync"
)

// MockAddress is the device address reported by the mock adapter.
const MockAddress = "00:00:00:00:00:00"

// Mock is an in-memory phone. The unit talks AT to the far end of a pipe,
// which records commands and answers OK (or ERROR when told to fail).
// Inject plays phone-originated lines such as RING into the unit.
type Mock struct {
	*Unit

	mu       sync.Mutex
	peer     net.Conn
	out      chan string
	done     chan struct{}
	fail     bool
	commands []string
	once     sync.Once
}

// NewMock creates a mock adapter for one line.
func NewMock(cfg UnitConfig) *Mock {
	return &Mock{
		Unit: NewUnit(cfg),
		out:  make(chan string, 16),
		done: make(chan struct{}),
	}
}

// Start connects the simulated phone.
func (m *Mock) Start(ctx context.Context) error {
	local, peer := net.Pipe()

	m.mu.Lock()
	m.peer = peer
	m.mu.Unlock()

	go m.readPeer(peer)
	go m.writePeer(peer)
	go func() {
		select {
		case <-ctx.Done():
			_ = m.Close()
		case <-m.done:
		}
	}()

	slog.Info("[HFP] Mock adapter started", "line", m.cfg.LineID)
	return m.Attach(local, MockAddress)
}

// Inject sends a result line from the simulated phone to the unit.
func (m *Mock) Inject(line string) {
	select {
	case m.out <- line:
	case <-m.done:
	}
}

// FailCommands makes the simulated phone answer ERROR to every command.
func (m *Mock) FailCommands(fail bool) {
	m.mu.Lock()
	m.fail = fail
	m.mu.Unlock()
}

// Commands returns the AT commands received so far.
func (m *Mock) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.commands...)
}

// Close disconnects the simulated phone.
func (m *Mock) Close() error {
	m.once.Do(func() {
		close(m.done)
		m.mu.Lock()
		peer := m.peer
		m.mu.Unlock()
		if peer != nil {
			_ = peer.Close()
		}
	})
	return m.Unit.Close()
}

func (m *Mock) readPeer(peer net.Conn) {
	scanner := bufio.NewScanner(peer)
	scanner.Split(scanATLines)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(strings.ToUpper(line), "AT") {
			continue
		}

		m.mu.Lock()
		m.commands = append(m.commands, line)
		fail := m.fail
		m.mu.Unlock()

		reply := "OK"
		if fail {
			reply = "ERROR"
		}
		select {
		case m.out <- reply:
		case <-m.done:
			return
		}
	}
}

func (m *Mock) writePeer(peer net.Conn) {
	for {
		select {
		case <-m.done:
			return
		case line := <-m.out:
			if err := writeLine(peer, line); err != nil {
				return
			}
		}
	}
}
