package media

// SequenceStats is a snapshot of a SequenceTracker.
type SequenceStats struct {
	Received uint64
	Lost     uint64
	Cycles   uint32
}

// SequenceTracker follows the sequence numbers of one inbound RTP stream
// and counts gaps. Sequence numbers are 16-bit and wrap; the tracker keeps
// a cycle count so the extended number keeps increasing.
//
// A tracker is not safe for concurrent use.
type SequenceTracker struct {
	started  bool
	last     uint16
	cycles   uint32
	received uint64
	lost     uint64
}

// Observe records seq and returns its extended value together with the
// number of packets skipped since the previous one. Late or duplicate
// packets report zero loss.
func (t *SequenceTracker) Observe(seq uint16) (extended uint32, gap int) {
	t.received++
	if !t.started {
		t.started = true
		t.last = seq
		return uint32(seq), 0
	}

	delta := int16(seq - t.last)
	if delta <= 0 {
		return t.cycles<<16 | uint32(seq), 0
	}
	if delta > 1 {
		gap = int(delta) - 1
		t.lost += uint64(gap)
	}
	if seq < t.last {
		t.cycles++
	}
	t.last = seq
	return t.cycles<<16 | uint32(seq), gap
}

// Stats returns the counters accumulated so far.
func (t *SequenceTracker) Stats() SequenceStats {
	return SequenceStats{Received: t.received, Lost: t.lost, Cycles: t.cycles}
}

// LossRate returns lost/(received+lost), or zero before any packet arrived.
func (t *SequenceTracker) LossRate() float64 {
	total := t.received + t.lost
	if total == 0 {
		return 0
	}
	return float64(t.lost) / float64(total)
}

// Reset forgets the stream so the next packet starts a new one.
func (t *SequenceTracker) Reset() {
	*t = SequenceTracker{}
}
