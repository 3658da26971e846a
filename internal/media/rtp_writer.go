package media

import (
	"net"
	"sync"

	"github.com/pion/rtp"
)

// RTPWriter sends RTP packets to a peer.
type RTPWriter interface {
	WriteRTP(p *rtp.Packet) error
}

// PacketWriter turns encoded frames into RTP packets on a single stream.
// It owns the header state (SSRC, sequence, timestamp) and leaves pacing to
// the caller, which in the bridge is the capture device delivering one
// frame per interval.
type PacketWriter struct {
	conn   net.PacketConn
	remote net.Addr
	codec  Codec

	mu     sync.Mutex
	ssrc   uint32
	seq    uint16
	ts     uint32
	marker bool
	closed bool
}

// NewPacketWriter creates a writer sending codec frames from conn to remote.
func NewPacketWriter(conn net.PacketConn, remote net.Addr, codec Codec) *PacketWriter {
	origin := NewStreamOrigin()
	return &PacketWriter{
		conn:   conn,
		remote: remote,
		codec:  codec,
		ssrc:   origin.SSRC,
		seq:    origin.Sequence,
		ts:     origin.Timestamp,
		marker: true,
	}
}

// Write sends payload as the next frame of the stream. The first packet
// carries the marker bit.
func (w *PacketWriter) Write(payload []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, net.ErrClosed
	}

	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         w.marker,
			PayloadType:    w.codec.PayloadType,
			SequenceNumber: w.seq,
			Timestamp:      w.ts,
			SSRC:           w.ssrc,
		},
		Payload: payload,
	}
	data, err := pkt.Marshal()
	if err != nil {
		return 0, err
	}
	if _, err := w.conn.WriteTo(data, w.remote); err != nil {
		return 0, err
	}

	w.marker = false
	w.seq++
	w.ts += w.codec.TimestampIncrement()
	return len(payload), nil
}

// WriteRTP sends a prepared packet, stamping it with the stream's SSRC.
func (w *PacketWriter) WriteRTP(p *rtp.Packet) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return net.ErrClosed
	}
	p.SSRC = w.ssrc
	data, err := p.Marshal()
	if err != nil {
		return err
	}
	_, err = w.conn.WriteTo(data, w.remote)
	return err
}

// SSRC returns the stream's synchronization source.
func (w *PacketWriter) SSRC() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ssrc
}

// Remote returns the peer address packets are sent to.
func (w *PacketWriter) Remote() net.Addr {
	return w.remote
}

// Close marks the writer closed. The connection is owned by the caller.
func (w *PacketWriter) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

var _ RTPWriter = (*PacketWriter)(nil)
