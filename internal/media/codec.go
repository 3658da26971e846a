package media

import (
	"fmt"
	"time"
)

// Codec describes an RTP audio payload format.
type Codec struct {
	Name        string        // Encoding name as it appears in rtpmap ("PCMU")
	PayloadType uint8         // Static or dynamic RTP payload type
	SampleRate  uint32        // Clock rate in Hz
	SampleDur   time.Duration // Packetization interval
	Channels    int
}

var (
	// CodecPCMU is G.711 µ-law, the only media codec the ATA leg carries.
	CodecPCMU = Codec{"PCMU", 0, 8000, 20 * time.Millisecond, 1}

	// CodecTelephoneEvent is offered alongside PCMU so the ATA can send RFC 4733 digits.
	CodecTelephoneEvent = Codec{"telephone-event", 101, 8000, 20 * time.Millisecond, 1}
)

// SamplesPerFrame returns the number of samples in one packetization interval.
// 160 for PCMU at 20ms.
func (c Codec) SamplesPerFrame() int {
	return int(c.SampleRate) * int(c.SampleDur) / int(time.Second)
}

// BytesPerFrame returns the encoded payload size of one frame.
// G.711 carries one byte per sample.
func (c Codec) BytesPerFrame() int {
	return c.SamplesPerFrame() * c.Channels
}

// TimestampIncrement returns the RTP timestamp advance per frame.
func (c Codec) TimestampIncrement() uint32 {
	return uint32(c.SamplesPerFrame())
}

// RTPMap returns the value of an a=rtpmap attribute for the codec.
func (c Codec) RTPMap() string {
	return fmt.Sprintf("%d %s/%d", c.PayloadType, c.Name, c.SampleRate)
}
