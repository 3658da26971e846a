package media

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zaf/g711"
)

func TestEncodeUlawKnownValues(t *testing.T) {
	tests := []struct {
		sample int16
		want   byte
	}{
		{0, 0xFF},
		{-1, 0x7F},
		{1000, 0xCE},
		{-1000, 0x4E},
		{32767, 0x80},
		{-32768, 0x00},
		{32635, 0x80},
	}
	for _, tt := range tests {
		assert.Equalf(t, tt.want, EncodeUlaw(tt.sample), "EncodeUlaw(%d)", tt.sample)
	}
}

func TestDecodeUlawKnownValues(t *testing.T) {
	assert.Equal(t, int16(0), DecodeUlaw(0xFF))
	assert.Equal(t, int16(0), DecodeUlaw(0x7F))
	assert.Equal(t, int16(-32124), DecodeUlaw(0x00))
	assert.Equal(t, int16(32124), DecodeUlaw(0x80))
	assert.Equal(t, int16(988), DecodeUlaw(0xCE))
}

func TestEncodeMatchesReference(t *testing.T) {
	// The reference rounds negative samples through the one's complement,
	// so only the positive half is compared.
	for s := 0; s <= math.MaxInt16; s++ {
		got := EncodeUlaw(int16(s))
		want := g711.EncodeUlawFrame(int16(s))
		if got != want {
			t.Fatalf("EncodeUlaw(%d) = %#02x, reference %#02x", s, got, want)
		}
	}
}

func TestEncodeNegativeUsesMagnitude(t *testing.T) {
	for s := 1; s <= math.MaxInt16; s++ {
		pos := EncodeUlaw(int16(s))
		neg := EncodeUlaw(int16(-s))
		if neg != pos&0x7F {
			t.Fatalf("EncodeUlaw(%d) = %#02x, want %#02x", -s, neg, pos&0x7F)
		}
	}
	assert.Equal(t, byte(0x00), EncodeUlaw(math.MinInt16))
	// segment boundary where the one's complement rounds differently
	assert.Equal(t, byte(0x00), EncodeUlaw(-31612))
}

func TestDecodeMatchesReference(t *testing.T) {
	for c := 0; c < 256; c++ {
		require.Equalf(t, g711.DecodeUlawFrame(uint8(c)), DecodeUlaw(byte(c)), "code %#02x", c)
	}
}

func TestRoundTripWithinOneStep(t *testing.T) {
	for s := math.MinInt16; s <= math.MaxInt16; s++ {
		code := EncodeUlaw(int16(s))
		back := int(DecodeUlaw(code))
		diff := back - s
		if diff < 0 {
			diff = -diff
		}
		if diff > UlawStep(code) {
			t.Fatalf("sample %d -> %#02x -> %d, error %d exceeds step %d", s, code, back, diff, UlawStep(code))
		}
	}
}

func TestDecodeIsSymmetric(t *testing.T) {
	for c := 0; c < 128; c++ {
		assert.Equal(t, -DecodeUlaw(byte(c|0x80)), DecodeUlaw(byte(c)))
	}
}

func TestFrameHelpers(t *testing.T) {
	pcm := []int16{0, 1000, -1000, 32767}
	enc := make([]byte, 3)
	n := EncodeUlawFrame(enc, pcm)
	require.Equal(t, 3, n)
	assert.Equal(t, []byte{0xFF, 0xCE, 0x4E}, enc)

	dec := make([]int16, 8)
	n = DecodeUlawFrame(dec, enc)
	require.Equal(t, 3, n)
	assert.Equal(t, []int16{0, 988, -988}, dec[:3])
}
