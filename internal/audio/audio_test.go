package audio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingFIFO(t *testing.T) {
	r := NewRing(8)
	require.True(t, r.Write([]int16{1, 2, 3}))
	require.True(t, r.Write([]int16{4, 5}))
	assert.Equal(t, 5, r.Len())

	dst := make([]int16, 4)
	n := r.Read(dst)
	assert.Equal(t, 4, n)
	assert.Equal(t, []int16{1, 2, 3, 4}, dst)

	// wraps around the end of the backing array
	require.True(t, r.Write([]int16{6, 7, 8, 9, 10, 11}))
	out := make([]int16, 10)
	n = r.Read(out)
	assert.Equal(t, []int16{5, 6, 7, 8, 9, 10, 11}, out[:n])
}

func TestRingDropsFrameThatDoesNotFit(t *testing.T) {
	r := NewRing(4)
	require.True(t, r.Write([]int16{1, 2, 3}))
	assert.False(t, r.Write([]int16{4, 5}))
	assert.Equal(t, uint64(2), r.Dropped())
	assert.Equal(t, 3, r.Len())

	r.Reset()
	assert.Zero(t, r.Len())
}

func TestNullSourcePacesSilence(t *testing.T) {
	f := Format{SampleRate: 8000, FrameSamples: 80}
	assert.Equal(t, 10*time.Millisecond, f.FrameDuration())

	src, err := Null{}.OpenSource("", f)
	require.NoError(t, err)

	frame := []int16{7, 7, 7}
	start := time.Now()
	require.NoError(t, src.ReadFrame(frame))
	require.NoError(t, src.ReadFrame(frame))
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
	assert.Equal(t, []int16{0, 0, 0}, frame)

	require.NoError(t, src.Close())
	assert.ErrorIs(t, src.ReadFrame(frame), ErrClosed)
	require.NoError(t, src.Close())
}

func TestNewWithoutDevices(t *testing.T) {
	sys, err := New(false)
	require.NoError(t, err)
	assert.IsType(t, Null{}, sys)
	assert.NoError(t, sys.Close())
}
