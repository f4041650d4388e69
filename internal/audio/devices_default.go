//go:build !portaudio

package audio

import (
	"errors"
	"log/slog"
)

// OpenDevices opens the capture and playback devices with the malgo backend.
func OpenDevices(in, out DeviceSpec, _ int, logger *slog.Logger) (InputDevice, OutputDevice, func() error, error) {
	mic, err := OpenMalgoInput(in, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	speaker, err := OpenMalgoOutput(out, logger)
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
const Backend = "malgo"
