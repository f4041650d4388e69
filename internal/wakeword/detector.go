// Package wakeword gates the conversation on a spoken wake phrase. A Detector
// wraps a model-specific Scorer with block accumulation, a threshold and a
// cooldown so one utterance of the phrase produces exactly one detection.
package wakeword

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Detector defaults.
const (
	DefaultThreshold  = 0.5
	DefaultCooldown   = 2 * time.Second
	DefaultBlockSize  = 1280 // 80ms at 16kHz
	DefaultSampleRate = 16000
)

// errorLogInterval throttles scorer error logs.
const errorLogInterval = 100

// ErrNoScorer is returned by Initialize callers when no model could be loaded.
var ErrNoScorer = errors.New("wake word model not loaded")

// Scorer produces a wake score in [0, 1] for one block of 16-bit PCM.
// Implementations are used from a single goroutine.
type Scorer interface {
	Score(block []int16) (float32, error)
	Reset()
	Close() error
}

// Loader creates the scorer. It is called once by Initialize.
type Loader func() (Scorer, error)

// Config configures a Detector.
type Config struct {
	Threshold  float32       // Score at or above which a block counts as a detection
	Cooldown   time.Duration // Minimum time between two detections
	BlockSize  int           // Samples per Score call
	SampleRate int
}

// DefaultConfig returns the detector defaults.
func DefaultConfig() Config {
	return Config{
		Threshold:  DefaultThreshold,
		Cooldown:   DefaultCooldown,
		BlockSize:  DefaultBlockSize,
		SampleRate: DefaultSampleRate,
	}
}

// Detector turns per-block scores into debounced detections.
type Detector struct {
	mu      sync.Mutex
	cfg     Config
	load    Loader
	scorer  Scorer
	pending []int16

	lastTrigger time.Time
	triggers    int
	errors      atomic.Uint64
	now         func() time.Time
	logger      *slog.Logger
}

// NewDetector creates a detector. Nothing is loaded until Initialize.
func NewDetector(cfg Config, load Loader, logger *slog.Logger) *Detector {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = def.BlockSize
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{cfg: cfg, load: load, now: time.Now, logger: logger}
}

// SetClock replaces the time source.
func (d *Detector) SetClock(now func() time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = now
}

// Initialize loads the scorer. On failure the detector stays degraded and
// Process always returns false; the caller keeps running without wake words.
func (d *Detector) Initialize() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.scorer != nil {
		return true
	}
	if d.load == nil {
		d.logger.Warn("⚠️ no wake word model configured, wake word detection disabled")
		return false
	}
	scorer, err := d.load()
	if err != nil || scorer == nil {
		if err == nil {
			err = ErrNoScorer
		}
		d.logger.Error("⚠️ wake word model failed to load, wake word detection disabled", "err", err)
		return false
	}
	d.scorer = scorer
	d.logger.Info("👂 wake word detector ready",
		"threshold", d.cfg.Threshold, "cooldown", d.cfg.Cooldown, "block", d.cfg.BlockSize)
	return true
}

// Ready reports whether a scorer is loaded.
func (d *Detector) Ready() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.scorer != nil
}

// Threshold returns the configured threshold.
func (d *Detector) Threshold() float32 {
	return d.cfg.Threshold
}

// Process scores frame with the configured threshold.
func (d *Detector) Process(frame []int16) bool {
	return d.ProcessThreshold(frame, d.cfg.Threshold)
}

// ProcessThreshold appends frame to the pending block and scores every full
// block. It returns true at most once per cooldown window, measured from the
// last true return. A non-positive threshold means the configured one.
func (d *Detector) ProcessThreshold(frame []int16, threshold float32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.scorer == nil {
		return false
	}
	if threshold <= 0 {
		threshold = d.cfg.Threshold
	}

	d.pending = append(d.pending, frame...)
	detected := false
	consumed := 0
	for len(d.pending)-consumed >= d.cfg.BlockSize {
		block := d.pending[consumed : consumed+d.cfg.BlockSize]
		consumed += d.cfg.BlockSize

		score, err := d.scorer.Score(block)
		if err != nil {
			if n := d.errors.Add(1); n%errorLogInterval == 1 {
				d.logger.Warn("⚠️ wake word scoring failed", "err", err, "count", n)
			}
			continue
		}
		if score >= threshold && d.acceptLocked() {
			d.logger.Info("🔔 wake word detected", "score", score, "threshold", threshold)
			detected = true
		}
	}
	if consumed > 0 {
		d.pending = append(d.pending[:0], d.pending[consumed:]...)
	}
	return detected
}

// acceptLocked applies the cooldown and records a detection.
func (d *Detector) acceptLocked() bool {
	now := d.now()
	if !d.lastTrigger.IsZero() && now.Sub(d.lastTrigger) < d.cfg.Cooldown {
		return false
	}
	d.lastTrigger = now
	d.triggers++
	return true
}

// Reset clears the cooldown window, trigger counter and pending samples.
// The scorer is reset but not reloaded.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastTrigger = time.Time{}
	d.triggers = 0
	d.pending = d.pending[:0]
	if d.scorer != nil {
		d.scorer.Reset()
	}
}

// Triggers returns the number of detections since the last Reset.
func (d *Detector) Triggers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.triggers
}

// Errors returns the number of failed Score calls.
func (d *Detector) Errors() uint64 {
	return d.errors.Load()
}

// Close releases the scorer.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.scorer == nil {
		return nil
	}
	err := d.scorer.Close()
	d.scorer = nil
	return err
}
