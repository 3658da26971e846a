package media

import "github.com/zaf/g711"

// G.711 µ-law companding between 16-bit linear PCM and 8-bit codes.

const (
	ulawBias = 0x84
	ulawClip = 32635
)

// Decoding is the ITU G.711 expansion, not an inversion of the encoder's
// bias/segment arithmetic, which does not round trip.
var ulawDecodeTable [256]int16

func init() {
	for i := range ulawDecodeTable {
		ulawDecodeTable[i] = g711.DecodeUlawFrame(uint8(i))
	}
}

// DecodeUlaw converts one µ-law code to a linear sample.
func DecodeUlaw(code byte) int16 {
	return ulawDecodeTable[code]
}

// EncodeUlaw converts one linear sample to a µ-law code. Negative samples
// are encoded from their magnitude, so EncodeUlaw(-s) differs from
// EncodeUlaw(s) only in the sign bit. zaf/g711 encodes them from the one's
// complement instead.
func EncodeUlaw(sample int16) byte {
	s := int(sample)
	sign := 0
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > ulawClip {
		s = ulawClip
	}
	s += ulawBias

	exp := 7
	for mask := 0x4000; s&mask == 0 && exp > 0; mask >>= 1 {
		exp--
	}
	mant := (s >> (exp + 3)) & 0x0F

	return ^byte(sign | exp<<4 | mant)
}

// UlawStep returns the quantization step of the segment a code belongs to.
func UlawStep(code byte) int {
	exp := int((^code >> 4) & 0x07)
	return 1 << (exp + 3)
}

// DecodeUlawFrame decodes src into dst and returns the number of samples
// written, which is the smaller of the two lengths.
func DecodeUlawFrame(dst []int16, src []byte) int {
	n := min(len(dst), len(src))
	for i := 0; i < n; i++ {
		dst[i] = ulawDecodeTable[src[i]]
	}
	return n
}

// EncodeUlawFrame encodes src into dst and returns the number of codes
// written, which is the smaller of the two lengths.
func EncodeUlawFrame(dst []byte, src []int16) int {
	n := min(len(dst), len(src))
	for i := 0; i < n; i++ {
		dst[i] = EncodeUlaw(src[i])
	}
	return n
}
