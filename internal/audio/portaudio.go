//go:build portaudio

package audio

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// PortAudio opens sound card streams through the PortAudio library.
type PortAudio struct {
	closeOnce sync.Once
}

func newDeviceSystem() (System, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio init: %w", err)
	}
	return &PortAudio{}, nil
}

// OpenSource opens a capture stream on the named input device.
func (p *PortAudio) OpenSource(device string, f Format) (Source, error) {
	dev, err := findDevice(device, true)
	if err != nil {
		return nil, err
	}
	params := portaudio.LowLatencyParameters(dev, nil)
	params.Input.Channels = 1
	params.SampleRate = float64(f.SampleRate)
	params.FramesPerBuffer = f.FrameSamples

	buf := make([]int16, f.FrameSamples)
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return nil, fmt.Errorf("open input %q: %w", dev.Name, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("start input %q: %w", dev.Name, err)
	}
	slog.Debug("[Audio] Input opened", "device", dev.Name, "rate", f.SampleRate)
	return &paStream{stream: stream, buf: buf}, nil
}

// OpenSink opens a playback stream on the named output device.
func (p *PortAudio) OpenSink(device string, f Format) (Sink, error) {
	dev, err := findDevice(device, false)
	if err != nil {
		return nil, err
	}
	params := portaudio.LowLatencyParameters(nil, dev)
	params.Output.Channels = 1
	params.SampleRate = float64(f.SampleRate)
	params.FramesPerBuffer = f.FrameSamples

	buf := make([]int16, f.FrameSamples)
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return nil, fmt.Errorf("open output %q: %w", dev.Name, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("start output %q: %w", dev.Name, err)
	}
	slog.Debug("[Audio] Output opened", "device", dev.Name, "rate", f.SampleRate)
	return &paStream{stream: stream, buf: buf}, nil
}

// Close terminates the PortAudio library.
func (p *PortAudio) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = portaudio.Terminate()
	})
	return err
}

func findDevice(name string, input bool) (*portaudio.DeviceInfo, error) {
	if name == "" {
		if input {
			return portaudio.DefaultInputDevice()
		}
		return portaudio.DefaultOutputDevice()
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list audio devices: %w", err)
	}
	want := strings.ToLower(name)
	for _, d := range devices {
		if input && d.MaxInputChannels < 1 {
			continue
		}
		if !input && d.MaxOutputChannels < 1 {
			continue
		}
		if strings.Contains(strings.ToLower(d.Name), want) {
			return d, nil
		}
	}
	return nil, fmt.Errorf("audio device %q not found", name)
}

type paStream struct {
	mu     sync.Mutex
	stream *portaudio.Stream
	buf    []int16
	closed bool
}

func (s *paStream) ReadFrame(frame []int16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.stream.Read(); err != nil {
		return err
	}
	copy(frame, s.buf)
	return nil
}

func (s *paStream) WriteFrame(frame []int16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	n := copy(s.buf, frame)
	clear(s.buf[n:])
	return s.stream.Write()
}

func (s *paStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	_ = s.stream.Stop()
	return s.stream.Close()
}
