package audio

import (
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Capture worker defaults.
const (
	// DefaultCaptureBackoff is the first pause after a fatal read error.
	DefaultCaptureBackoff = 100 * time.Millisecond

	// DefaultCaptureMaxBackoff caps the exponential backoff.
	DefaultCaptureMaxBackoff = 2 * time.Second
)

// InputDevice is a blocking microphone source.
type InputDevice interface {
	// Read blocks until exactly len(buf) samples have been captured.
	Read(buf []int16) error
}

// CaptureConfig configures a CaptureWorker.
type CaptureConfig struct {
	ChunkSize  int           // Samples per read, at the device rate
	SampleRate int           // Device sample rate
	Backoff    time.Duration // First pause after a fatal read error
	MaxBackoff time.Duration // Upper bound for the pause
}

// CaptureWorker reads the microphone on a dedicated OS thread and hands
// fixed-size frames to the processing loop through a FrameQueue.
// The loop performs no I/O other than the device read.
type CaptureWorker struct {
	dev    InputDevice
	cfg    CaptureConfig
	out    *FrameQueue
	logger *slog.Logger

	running   atomic.Bool   // Cleared by Stop, checked every iteration
	frames    atomic.Uint64 // Frames handed to the queue
	overflows atomic.Uint64 // Transient overflow errors
	failures  atomic.Uint64 // Fatal read errors

	faults   chan error    // Fatal errors for the supervisor
	stopChan chan struct{} // Interrupts backoff waits
	stopOnce sync.Once
	done     chan struct{}

	onError func(kind string) // Optional hook (metrics)
}

// NewCaptureWorker creates a worker. Call Run on its own goroutine.
func NewCaptureWorker(dev InputDevice, out *FrameQueue, cfg CaptureConfig, logger *slog.Logger) *CaptureWorker {
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultCaptureBackoff
	}
	if cfg.MaxBackoff < cfg.Backoff {
		cfg.MaxBackoff = max(DefaultCaptureMaxBackoff, cfg.Backoff)
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &CaptureWorker{
		dev:      dev,
		cfg:      cfg,
		out:      out,
		logger:   logger,
		faults:   make(chan error, 8),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
	w.running.Store(true)
	return w
}

// OnError registers a hook called with "overflow" or "fatal" for each read error.
func (w *CaptureWorker) OnError(fn func(kind string)) {
	w.onError = fn
}

// Run executes the capture loop until Stop is called.
func (w *CaptureWorker) Run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(w.done)

	buf := make([]int16, w.cfg.ChunkSize)
	backoff := w.cfg.Backoff

	w.logger.Info("🎙️ capture worker started", "chunk", w.cfg.ChunkSize, "rate", w.cfg.SampleRate)

	for w.running.Load() {
		err := w.dev.Read(buf)
		switch {
		case err == nil:
			backoff = w.cfg.Backoff
			samples := make([]int16, len(buf))
			copy(samples, buf)
			w.out.Push(Frame{Samples: samples, SampleRate: w.cfg.SampleRate})
			w.frames.Add(1)

		case errors.Is(err, ErrInputOverflow):
			count := w.overflows.Add(1)
			w.hook("overflow")
			if count%dropLogInterval == 1 {
				w.logger.Warn("⚠️ microphone input overflowed", "count", count)
			}

		default:
			w.failures.Add(1)
			w.hook("fatal")
			w.report(err)
			w.logger.Error("❌ microphone read failed, retrying", "err", err, "backoff", backoff)
			select {
			case <-w.stopChan:
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, w.cfg.MaxBackoff)
		}
	}

	w.logger.Info("🎙️ capture worker stopped", "frames", w.frames.Load())
}

// report hands a fatal error to the supervisor without blocking.
func (w *CaptureWorker) report(err error) {
	select {
	case w.faults <- err:
	default:
	}
}

func (w *CaptureWorker) hook(kind string) {
	if w.onError != nil {
		w.onError(kind)
	}
}

// Stop asks the loop to exit after the current read.
func (w *CaptureWorker) Stop() {
	w.running.Store(false)
	w.stopOnce.Do(func() { close(w.stopChan) })
}

// Faults returns fatal device errors. The supervisor decides whether to give up.
func (w *CaptureWorker) Faults() <-chan error {
	return w.faults
}

// Done is closed when Run returns.
func (w *CaptureWorker) Done() <-chan struct{} {
	return w.done
}

// Frames returns the number of frames emitted.
func (w *CaptureWorker) Frames() uint64 {
	return w.frames.Load()
}

// Overflows returns the number of transient overflow errors seen.
func (w *CaptureWorker) Overflows() uint64 {
	return w.overflows.Load()
}
