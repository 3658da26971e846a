package audio

import "sync"

// Ring is a bounded FIFO of samples shared between a producer and a
// consumer goroutine. A write that does not fit is dropped whole.
type Ring struct {
	mu      sync.Mutex
	buf     []int16
	head    int
	size    int
	dropped uint64
}

// NewRing creates a ring holding up to capacity samples.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{buf: make([]int16, capacity)}
}

// Write appends samples and reports whether they were stored.
func (r *Ring) Write(samples []int16) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(samples) > len(r.buf)-r.size {
		r.dropped += uint64(len(samples))
		return false
	}
	for i, s := range samples {
		r.buf[(r.head+r.size+i)%len(r.buf)] = s
	}
	r.size += len(samples)
	return true
}

// Read fills dst with up to len(dst) queued samples and returns the count.
func (r *Ring) Read(dst []int16) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := min(r.size, len(dst))
	for i := 0; i < n; i++ {
		dst[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	r.head = (r.head + n) % len(r.buf)
	r.size -= n
	return n
}

// Len returns the number of queued samples.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Dropped returns the number of samples discarded because the ring was full.
func (r *Ring) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Reset discards queued samples.
func (r *Ring) Reset() {
	r.mu.Lock()
	r.head, r.size = 0, 0
	r.mu.Unlock()
}
