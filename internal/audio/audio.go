// Package audio abstracts the local sound devices the bridge captures from
// and plays to. All frames are mono 16-bit linear PCM.
package audio

import (
	"errors"
	"io"
	"time"
)

// ErrUnavailable is returned when no local audio backend is compiled in.
var ErrUnavailable = errors.New("audio: backend not available in this build")

// ErrClosed is returned by a source or sink after Close.
var ErrClosed = errors.New("audio: stream closed")

// Format describes the frames exchanged with a device.
type Format struct {
	SampleRate   int
	FrameSamples int
}

// Telephony is 8 kHz narrowband in 20ms frames.
var Telephony = Format{SampleRate: 8000, FrameSamples: 160}

// FrameDuration returns the wall time one frame covers.
func (f Format) FrameDuration() time.Duration {
	if f.SampleRate <= 0 {
		return 20 * time.Millisecond
	}
	return time.Duration(f.FrameSamples) * time.Second / time.Duration(f.SampleRate)
}

// Source delivers captured frames. ReadFrame blocks until a full frame is
// available.
type Source interface {
	ReadFrame(frame []int16) error
	io.Closer
}

// Sink consumes frames for playback. WriteFrame blocks until the device
// accepted the frame.
type Sink interface {
	WriteFrame(frame []int16) error
	io.Closer
}

// System opens sources and sinks by device name. An empty name selects the
// default device.
type System interface {
	OpenSource(device string, f Format) (Source, error)
	OpenSink(device string, f Format) (Sink, error)
	io.Closer
}

// New returns the real backend when useDevices is set, otherwise the null
// backend.
func New(useDevices bool) (System, error) {
	if !useDevices {
		return Null{}, nil
	}
	return newDeviceSystem()
}
