//go:build !portaudio

package audio

func newDeviceSystem() (System, error) {
	return nil, ErrUnavailable
}
