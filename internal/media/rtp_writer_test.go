package media

import (
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketWriterHeaders(t *testing.T) {
	rx, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer rx.Close()

	tx, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer tx.Close()

	w := NewPacketWriter(tx, rx.LocalAddr(), CodecPCMU)
	payload := make([]byte, CodecPCMU.BytesPerFrame())

	for i := 0; i < 2; i++ {
		n, err := w.Write(payload)
		require.NoError(t, err)
		assert.Equal(t, 160, n)
	}

	buf := make([]byte, 1500)
	var pkts []rtp.Packet
	for i := 0; i < 2; i++ {
		require.NoError(t, rx.SetReadDeadline(time.Now().Add(2*time.Second)))
		n, _, err := rx.ReadFrom(buf)
		require.NoError(t, err)
		var p rtp.Packet
		require.NoError(t, p.Unmarshal(buf[:n]))
		pkts = append(pkts, p)
	}

	assert.Equal(t, uint8(0), pkts[0].PayloadType)
	assert.True(t, pkts[0].Marker)
	assert.False(t, pkts[1].Marker)
	assert.Equal(t, w.SSRC(), pkts[0].SSRC)
	assert.Equal(t, pkts[0].SequenceNumber+1, pkts[1].SequenceNumber)
	assert.Equal(t, pkts[0].Timestamp+160, pkts[1].Timestamp)
	assert.Len(t, pkts[1].Payload, 160)

	require.NoError(t, w.Close())
	_, err = w.Write(payload)
	assert.ErrorIs(t, err, net.ErrClosed)
}

func TestCodecFraming(t *testing.T) {
	assert.Equal(t, 160, CodecPCMU.SamplesPerFrame())
	assert.Equal(t, uint32(160), CodecPCMU.TimestampIncrement())
	assert.Equal(t, "0 PCMU/8000", CodecPCMU.RTPMap())
	assert.Equal(t, "101 telephone-event/8000", CodecTelephoneEvent.RTPMap())
}
