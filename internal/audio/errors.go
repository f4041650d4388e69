package audio

import "errors"

// Sentinel errors returned by device adapters.
var (
	// ErrInputOverflow is a transient capture error: the device buffer
	// overflowed and some input was lost. Callers log and keep reading.
	ErrInputOverflow = errors.New("input overflowed")

	// ErrDeviceClosed is returned by Read or Write after Close.
	ErrDeviceClosed = errors.New("audio device closed")

	// ErrNoDevice is returned when no matching device exists.
	ErrNoDevice = errors.New("no matching audio device")
)
