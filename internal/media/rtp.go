package media

import (
	"crypto/rand"
	"encoding/binary"
)

// StreamOrigin holds the random starting point of an outbound RTP stream
// (RFC 3550 5.1).
type StreamOrigin struct {
	SSRC      uint32
	Sequence  uint16
	Timestamp uint32
}

// NewStreamOrigin picks a fresh SSRC, initial sequence number and initial
// timestamp. If the system random source fails a fixed SSRC is used and the
// counters start at zero.
func NewStreamOrigin() StreamOrigin {
	var b [10]byte
	if _, err := rand.Read(b[:]); err != nil {
		return StreamOrigin{SSRC: 0x52505431}
	}
	return StreamOrigin{
		SSRC:      binary.BigEndian.Uint32(b[0:4]),
		Sequence:  binary.BigEndian.Uint16(b[4:6]),
		Timestamp: binary.BigEndian.Uint32(b[6:10]),
	}
}
