//go:build portaudio

package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"
)

var paInit struct {
	sync.Mutex
	refs int
}

// paAcquire initializes PortAudio on first use.
func paAcquire() error {
	paInit.Lock()
	defer paInit.Unlock()
	if paInit.refs == 0 {
		if err := portaudio.Initialize(); err != nil {
			return fmt.Errorf("failed to initialize portaudio: %w", err)
		}
	}
	paInit.refs++
	return nil
}

// paRelease terminates PortAudio when the last stream closes.
func paRelease() {
	paInit.Lock()
	defer paInit.Unlock()
	paInit.refs--
	if paInit.refs == 0 {
		_ = portaudio.Terminate()
	}
}

// PortAudioInput is a blocking capture stream. PortAudio's own
// "Input overflowed" error maps to ErrInputOverflow.
type PortAudioInput struct {
	stream *portaudio.Stream
	buf    []int16
	closed atomic.Bool
}

// OpenPortAudioInput opens a mono PCM16 capture stream reading frames samples per call.
func OpenPortAudioInput(spec DeviceSpec, frames int, logger *slog.Logger) (*PortAudioInput, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := paAcquire(); err != nil {
		return nil, err
	}
	dev, err := findPortAudioDevice(spec, true)
	if err != nil {
		paRelease()
		return nil, err
	}
	logger.Info("🎙️ using capture device", "name", dev.Name, "backend", "portaudio")

	in := &PortAudioInput{buf: make([]int16, frames)}
	params := portaudio.LowLatencyParameters(dev, nil)
	params.Input.Channels = 1
	params.SampleRate = float64(spec.SampleRate)
	params.FramesPerBuffer = frames

	in.stream, err = portaudio.OpenStream(params, in.buf)
	if err != nil {
		paRelease()
		return nil, fmt.Errorf("failed to open capture stream: %w", err)
	}
	if err := in.stream.Start(); err != nil {
		_ = in.stream.Close()
		paRelease()
		return nil, fmt.Errorf("failed to start capture stream: %w", err)
	}
	return in, nil
}

// Read fills buf, one stream buffer at a time.
func (in *PortAudioInput) Read(buf []int16) error {
	filled := 0
	for filled < len(buf) {
		if in.closed.Load() {
			return ErrDeviceClosed
		}
		if err := in.stream.Read(); err != nil {
			if errors.Is(err, portaudio.InputOverflowed) {
				return fmt.Errorf("%w: %v", ErrInputOverflow, err)
			}
			return fmt.Errorf("capture stream read: %w", err)
		}
		filled += copy(buf[filled:], in.buf)
	}
	return nil
}

// Close stops the stream.
func (in *PortAudioInput) Close() error {
	if in.closed.Swap(true) {
		return nil
	}
	_ = in.stream.Stop()
	err := in.stream.Close()
	paRelease()
	return err
}

// PortAudioOutput is a blocking playback stream.
type PortAudioOutput struct {
	mu     sync.Mutex
	stream *portaudio.Stream
	buf    []int16
	closed atomic.Bool
}

// OpenPortAudioOutput opens a mono PCM16 playback stream of frames samples per buffer.
func OpenPortAudioOutput(spec DeviceSpec, frames int, logger *slog.Logger) (*PortAudioOutput, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := paAcquire(); err != nil {
		return nil, err
	}
	dev, err := findPortAudioDevice(spec, false)
	if err != nil {
		paRelease()
		return nil, err
	}
	logger.Info("🔊 using playback device", "name", dev.Name, "backend", "portaudio")

	out := &PortAudioOutput{buf: make([]int16, frames)}
	params := portaudio.LowLatencyParameters(nil, dev)
	params.Output.Channels = 1
	params.SampleRate = float64(spec.SampleRate)
	params.FramesPerBuffer = frames

	out.stream, err = portaudio.OpenStream(params, out.buf)
	if err != nil {
		paRelease()
		return nil, fmt.Errorf("failed to open playback stream: %w", err)
	}
	if err := out.stream.Start(); err != nil {
		_ = out.stream.Close()
		paRelease()
		return nil, fmt.Errorf("failed to start playback stream: %w", err)
	}
	return out, nil
}

// Write plays samples, zero-padding the final stream buffer.
func (out *PortAudioOutput) Write(samples []int16) error {
	out.mu.Lock()
	defer out.mu.Unlock()
	for len(samples) > 0 {
		if out.closed.Load() {
			return ErrDeviceClosed
		}
		n := copy(out.buf, samples)
		clear(out.buf[n:])
		samples = samples[n:]
		if err := out.stream.Write(); err != nil && !errors.Is(err, portaudio.OutputUnderflowed) {
			return fmt.Errorf("playback stream write: %w", err)
		}
	}
	return nil
}

// Close stops the stream.
func (out *PortAudioOutput) Close() error {
	if out.closed.Swap(true) {
		return nil
	}
	_ = out.stream.Stop()
	err := out.stream.Close()
	paRelease()
	return err
}

// findPortAudioDevice matches by name, then index, then the default device.
func findPortAudioDevice(spec DeviceSpec, input bool) (*portaudio.DeviceInfo, error) {
	if spec.Name != "" || spec.Index >= 0 {
		devices, err := portaudio.Devices()
		if err != nil {
			return nil, fmt.Errorf("failed to enumerate devices: %w", err)
		}
		var usable []*portaudio.DeviceInfo
		var names []string
		for _, d := range devices {
			if (input && d.MaxInputChannels > 0) || (!input && d.MaxOutputChannels > 0) {
				usable = append(usable, d)
				names = append(names, d.Name)
			}
		}
		if idx := matchDevice(names, spec.Name, spec.Index); idx >= 0 {
			return usable[idx], nil
		}
	}
	// Fallback to the default device
	if input {
		return portaudio.DefaultInputDevice()
	}
	return portaudio.DefaultOutputDevice()
}

// OpenDevices opens the capture and playback devices with the PortAudio backend.
func OpenDevices(in, out DeviceSpec, captureChunk int, logger *slog.Logger) (InputDevice, OutputDevice, func() error, error) {
	mic, err := OpenPortAudioInput(in, captureChunk, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	speaker, err := OpenPortAudioOutput(out, out.SampleRate*int(periodMs(out.BufferMs))/1000, logger)
	if err != nil {
		_ = mic.Close()
		return nil, nil, nil, err
	}
	closeAll := func() error {
		return errors.Join(mic.Close(), speaker.Close())
	}
	return mic, speaker, closeAll, nil
}

// Backend names the compiled audio backend.
const Backend = "portaudio"
