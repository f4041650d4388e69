// Package aec implements acoustic echo cancellation for the capture path: a
// delay-compensated reference ring, an NLMS adaptive filter and an optional
// stationary noise suppressor.
package aec

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/agalue/duplex-assistant/internal/audio"
)

// Canceller defaults.
const (
	DefaultSampleRate   = 16000
	DefaultFrameSize    = 160 // 10ms at 16kHz
	DefaultDelayMs      = 200
	DefaultFilterTaps   = 256 // 16ms of echo tail after the bulk delay
	DefaultStepSize     = 0.5
	DefaultBufferFrames = 200 // Ring headroom beyond the delay prefill
)

// failureLogInterval throttles per-frame failure logs.
const failureLogInterval = 100

// Config configures a Canceller.
type Config struct {
	SampleRate   int     // Processing rate of mic and reference
	FrameSize    int     // Nominal frame length in samples
	DelayMs      int     // Static speaker-to-mic delay compensation
	FilterTaps   int     // Adaptive filter length
	StepSize     float64 // NLMS step size, (0, 2)
	BufferFrames int     // Ring capacity beyond the delay, in frames

	// NoiseSuppression enables stationary noise suppression after echo removal.
	NoiseSuppression bool

	// ResetCoefficients makes Reset and SetDelay also clear the learned echo
	// path. By default the coefficients survive, since the acoustic path
	// rarely changes between turns.
	ResetCoefficients bool
}

// DefaultConfig returns the canceller defaults.
func DefaultConfig() Config {
	return Config{
		SampleRate:       DefaultSampleRate,
		FrameSize:        DefaultFrameSize,
		DelayMs:          DefaultDelayMs,
		FilterTaps:       DefaultFilterTaps,
		StepSize:         DefaultStepSize,
		BufferFrames:     DefaultBufferFrames,
		NoiseSuppression: true,
	}
}

func (c Config) validate() error {
	switch {
	case c.SampleRate <= 0:
		return fmt.Errorf("sample rate must be positive, got %d", c.SampleRate)
	case c.FrameSize <= 0:
		return fmt.Errorf("frame size must be positive, got %d", c.FrameSize)
	case c.DelayMs < 0:
		return fmt.Errorf("delay must not be negative, got %dms", c.DelayMs)
	case c.FilterTaps <= 0:
		return fmt.Errorf("filter taps must be positive, got %d", c.FilterTaps)
	case c.StepSize <= 0 || c.StepSize >= 2:
		return fmt.Errorf("step size must be in (0, 2), got %g", c.StepSize)
	}
	return nil
}

// adaptiveFilter is the echo path estimator.
type adaptiveFilter interface {
	process(mic, ref, out []float64)
	clearHistory()
	clearCoefficients()
}

// Stats is a snapshot of canceller state for metrics.
type Stats struct {
	ERLE     float64 // Smoothed echo return loss enhancement in dB
	Buffered int     // Reference samples waiting in the ring
	Failures uint64  // Frames passed through after an internal failure
	Dropped  uint64  // Reference samples discarded on ring overflow
}

// Canceller removes the echo of played audio from microphone frames.
// FeedReference and CancelEcho may be called from different goroutines.
type Canceller struct {
	mu           sync.Mutex
	cfg          Config
	ring         *referenceRing
	delaySamples int
	starved      bool // Ring ran dry; restore the prefill on the next feed
	filter       adaptiveFilter
	ns           *noiseSuppressor
	erle         float64

	// Scratch buffers reused across frames
	micBuf, refBuf, outBuf []float64
	refPCM                 []int16

	failures atomic.Uint64
	dropped  atomic.Uint64
	onFail   func()
	logger   *slog.Logger
}

// New creates a canceller. It never returns nil: an invalid configuration is
// logged once and the canceller passes audio through unmodified.
func New(cfg Config, logger *slog.Logger) *Canceller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BufferFrames <= 0 {
		cfg.BufferFrames = DefaultBufferFrames
	}
	c := &Canceller{cfg: cfg, logger: logger}

	if err := cfg.validate(); err != nil {
		logger.Error("⚠️ echo canceller disabled, passing audio through", "err", err)
		c.ring = newReferenceRing(1)
		return c
	}

	c.filter = newNLMS(cfg.FilterTaps, cfg.StepSize)
	if cfg.NoiseSuppression {
		c.ns = newNoiseSuppressor()
	}
	c.setDelayLocked(cfg.DelayMs)
	logger.Info("🔇 echo canceller ready",
		"delay_ms", cfg.DelayMs, "taps", cfg.FilterTaps, "noise_suppression", cfg.NoiseSuppression)
	return c
}

// OnFailure registers a hook called for each frame passed through after a failure.
func (c *Canceller) OnFailure(fn func()) {
	c.onFail = fn
}

// Enabled reports whether an adaptive filter is active.
func (c *Canceller) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filter != nil
}

// FeedReference appends audio that is being handed to the speaker right now.
func (c *Canceller) FeedReference(samples []int16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.filter == nil {
		return
	}
	if c.starved {
		// A new playback burst: re-establish the delay in front of it.
		c.ring.pushSilence(c.delaySamples)
		c.starved = false
	}
	if n := c.ring.push(samples); n > 0 {
		c.dropped.Add(uint64(n))
	}
}

// CancelEcho returns mic with the echo of the delayed reference removed.
// Missing reference samples count as silence. Any internal failure returns
// the unmodified frame.
func (c *Canceller) CancelEcho(mic []int16) (out []int16) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.filter == nil || len(mic) == 0 {
		return clonePCM(mic)
	}

	defer func() {
		if r := recover(); r != nil {
			out = clonePCM(mic)
			c.fail(fmt.Errorf("panic: %v", r))
		}
	}()

	n := len(mic)
	c.grow(n)
	ref := c.refPCM[:n]
	if c.ring.pop(ref) < n {
		c.starved = true
	}

	micF, refF, outF := c.micBuf[:n], c.refBuf[:n], c.outBuf[:n]
	var refEnergy float64
	for i := range mic {
		micF[i] = float64(mic[i]) / 32768.0
		refF[i] = float64(ref[i]) / 32768.0
		refEnergy += refF[i] * refF[i]
	}

	c.filter.process(micF, refF, outF)

	if refEnergy > 0 {
		c.trackERLE(micF, outF)
	}
	if c.ns != nil {
		c.ns.process(outF)
	}

	out = make([]int16, n)
	for i, v := range outF {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			c.filter.clearHistory()
			c.filter.clearCoefficients()
			c.fail(fmt.Errorf("filter diverged"))
			return clonePCM(mic)
		}
		out[i] = audio.ClipInt16(v * 32768.0)
	}
	return out
}

// Reset clears the reference ring and the filter's tap line, then restores
// the silence prefill. Coefficients survive unless ResetCoefficients is set.
func (c *Canceller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
}

// SetDelay changes the delay compensation. Buffered reference audio is
// discarded, since it was aligned for the old delay.
func (c *Canceller) SetDelay(delayMs int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setDelayLocked(delayMs)
}

// Delay returns the current delay compensation in samples.
func (c *Canceller) Delay() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delaySamples
}

// Stats returns a snapshot for metrics.
func (c *Canceller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		ERLE:     c.erle,
		Buffered: c.ring.len(),
		Failures: c.failures.Load(),
		Dropped:  c.dropped.Load(),
	}
}

func (c *Canceller) setDelayLocked(delayMs int) {
	if delayMs < 0 {
		delayMs = 0
	}
	c.cfg.DelayMs = delayMs
	c.delaySamples = delayMs * c.cfg.SampleRate / 1000
	if c.filter == nil {
		return
	}
	c.ring = newReferenceRing(c.delaySamples + c.cfg.BufferFrames*c.cfg.FrameSize)
	c.resetLocked()
}

func (c *Canceller) resetLocked() {
	if c.filter == nil {
		return
	}
	c.ring.reset()
	c.ring.pushSilence(c.delaySamples)
	c.starved = false
	c.filter.clearHistory()
	if c.cfg.ResetCoefficients {
		c.filter.clearCoefficients()
	}
	c.erle = 0
}

// trackERLE updates the smoothed echo reduction estimate.
func (c *Canceller) trackERLE(mic, out []float64) {
	var micE, outE float64
	for i := range mic {
		micE += mic[i] * mic[i]
		outE += out[i] * out[i]
	}
	if micE <= 0 {
		return
	}
	erle := 10 * math.Log10(micE/math.Max(outE, 1e-12))
	if c.erle == 0 {
		c.erle = erle
	} else {
		c.erle = 0.95*c.erle + 0.05*erle
	}
}

func (c *Canceller) fail(err error) {
	count := c.failures.Add(1)
	if c.onFail != nil {
		c.onFail()
	}
	if count%failureLogInterval == 1 {
		c.logger.Warn("⚠️ echo cancellation failed, passing frame through", "err", err, "count", count)
	}
}

func (c *Canceller) grow(n int) {
	if cap(c.micBuf) >= n {
		return
	}
	c.micBuf = make([]float64, n)
	c.refBuf = make([]float64, n)
	c.outBuf = make([]float64, n)
	c.refPCM = make([]int16, n)
}

func clonePCM(s []int16) []int16 {
	out := make([]int16, len(s))
	copy(out, s)
	return out
}
