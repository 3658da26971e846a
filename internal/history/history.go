// Package history keeps a bounded in-memory log of calls.
package history

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned for an unknown entry id.
var ErrNotFound = errors.New("call history entry not found")

// Direction of a call relative to the rotary phone.
type Direction string

const (
	Incoming Direction = "Incoming"
	Outgoing Direction = "Outgoing"
)

// Device names the leg a call was answered on.
type Device string

const (
	AnsweredNone   Device = ""
	AnsweredRotary Device = "RotaryPhone"
	AnsweredMobile Device = "CellPhone"
)

// Entry is one call record.
type Entry struct {
	ID          string        `json:"id"`
	LineID      string        `json:"line_id"`
	PhoneNumber string        `json:"phone_number"`
	Direction   Direction     `json:"direction"`
	AnsweredOn  Device        `json:"answered_on,omitempty"`
	StartTime   time.Time     `json:"start_time"`
	EndTime     time.Time     `json:"end_time,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// Store persists call records.
type Store interface {
	Add(e Entry) Entry
	Update(id string, fn func(*Entry)) error
	List(limit int) []Entry
	Get(id string) (Entry, error)
	Clear()
}

// Memory is a Store holding at most max entries; the oldest is evicted.
type Memory struct {
	mu      sync.RWMutex
	max     int
	entries []Entry // oldest first
}

// NewMemory creates a store bounded to max entries (100 when max <= 0).
func NewMemory(max int) *Memory {
	if max <= 0 {
		max = 100
	}
	return &Memory{max: max}
}

// Add stores e, assigning an id and start time when they are empty.
func (m *Memory) Add(e Entry) Entry {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.StartTime.IsZero() {
		e.StartTime = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	if over := len(m.entries) - m.max; over > 0 {
		m.entries = append(m.entries[:0:0], m.entries[over:]...)
	}
	return e
}

// Update applies fn to the entry with id. The id itself cannot change.
func (m *Memory) Update(id string, fn func(*Entry)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.entries {
		if m.entries[i].ID == id {
			fn(&m.entries[i])
			m.entries[i].ID = id
			return nil
		}
	}
	return ErrNotFound
}

// List returns up to limit entries, newest first. limit <= 0 means all.
func (m *Memory) List(limit int) []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := len(m.entries)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Entry, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, m.entries[i])
	}
	return out
}

// Get returns the entry with id.
func (m *Memory) Get(id string) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.entries {
		if e.ID == id {
			return e, nil
		}
	}
	return Entry{}, ErrNotFound
}

// Clear drops every entry.
func (m *Memory) Clear() {
	m.mu.Lock()
	m.entries = nil
	m.mu.Unlock()
}

// Len returns the number of stored entries.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
