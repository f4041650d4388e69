// Package speech detects local user speech on the cleaned microphone signal.
// While a conversation is active, speech keeps it alive even if the dialogue
// service has not answered yet.
package speech

import (
	"fmt"
	"slices"

	webrtcvad "github.com/maxhawkins/go-webrtcvad"

	"github.com/agalue/duplex-assistant/internal/audio"
)

// Detector defaults.
const (
	DefaultMode     = 2 // Aggressiveness, 0 (least) to 3 (most)
	DefaultDebounce = 3 // Consecutive speech frames before speech counts
)

var validRates = []int{8000, 16000, 32000, 48000}

// Config configures a WebRTCDetector.
type Config struct {
	SampleRate int
	Mode       int
	Debounce   int
}

// WebRTCDetector wraps the WebRTC voice activity detector. It consumes 10ms
// frames and reports speech after Debounce consecutive active frames.
type WebRTCDetector struct {
	vad        *webrtcvad.VAD
	sampleRate int
	frameBytes int
	debounce   int

	buf      []byte
	run      int
	speaking bool
}

// NewWebRTCDetector creates a detector.
func NewWebRTCDetector(cfg Config) (*WebRTCDetector, error) {
	if !slices.Contains(validRates, cfg.SampleRate) {
		return nil, fmt.Errorf("invalid sample rate %d, must be one of %v", cfg.SampleRate, validRates)
	}
	if cfg.Mode < 0 || cfg.Mode > 3 {
		return nil, fmt.Errorf("mode must be between 0 and 3, got %d", cfg.Mode)
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}

	vad, err := webrtcvad.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create WebRTC VAD: %w", err)
	}
	if err := vad.SetMode(cfg.Mode); err != nil {
		return nil, fmt.Errorf("failed to set VAD mode: %w", err)
	}
	return &WebRTCDetector{
		vad:        vad,
		sampleRate: cfg.SampleRate,
		frameBytes: cfg.SampleRate / 100 * 2,
		debounce:   cfg.Debounce,
	}, nil
}

// Process feeds a frame and reports whether the user is speaking.
// Frames of any length are regrouped into 10ms VAD frames.
func (d *WebRTCDetector) Process(f audio.Frame) (bool, error) {
	if f.SampleRate != d.sampleRate {
		return d.speaking, fmt.Errorf("frame rate %d does not match detector rate %d", f.SampleRate, d.sampleRate)
	}
	d.buf = append(d.buf, f.Bytes()...)
	consumed := 0
	for len(d.buf)-consumed >= d.frameBytes {
		frame := d.buf[consumed : consumed+d.frameBytes]
		consumed += d.frameBytes

		active, err := d.vad.Process(d.sampleRate, frame)
		if err != nil {
			d.buf = d.buf[:0]
			return d.speaking, fmt.Errorf("VAD processing failed: %w", err)
		}
		if active {
			d.run++
			if d.run >= d.debounce {
				d.speaking = true
			}
		} else {
			d.run = 0
			d.speaking = false
		}
	}
	d.buf = append(d.buf[:0], d.buf[consumed:]...)
	return d.speaking, nil
}

// Speaking returns the last decision.
func (d *WebRTCDetector) Speaking() bool {
	return d.speaking
}

// Reset clears the debounce state.
func (d *WebRTCDetector) Reset() {
	d.buf = d.buf[:0]
	d.run = 0
	d.speaking = false
}
