package audio

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Playback defaults.
const (
	// DefaultPlaybackQueueChunks bounds the jitter buffer.
	// Dialogue chunks are typically 20-100ms, so this holds several seconds.
	DefaultPlaybackQueueChunks = 256

	// DefaultDuckGain attenuates media while the assistant is active (about -18 dB).
	DefaultDuckGain = 0.125
)

// Source tags where a playback chunk came from.
type Source int

const (
	// SourceDialogue is synthesized speech from the dialogue transport.
	SourceDialogue Source = iota
	// SourcePrompt is locally generated speech (acknowledgements).
	SourcePrompt
	// SourceMedia is background media that may be ducked.
	SourceMedia
)

// String returns the string representation of the source.
func (s Source) String() string {
	switch s {
	case SourceDialogue:
		return "dialogue"
	case SourcePrompt:
		return "prompt"
	case SourceMedia:
		return "media"
	default:
		return "unknown"
	}
}

// Chunk is the single item type placed on the playback queue.
type Chunk struct {
	Source     Source  // Origin of the audio
	Samples    []int16 // Mono PCM16 payload
	SampleRate int     // Rate of Samples
}

// OutputDevice is a blocking speaker sink.
type OutputDevice interface {
	// Write blocks until the device has accepted every sample.
	Write(samples []int16) error
}

// flusher is implemented by devices that can discard buffered output.
type flusher interface {
	Flush()
}

// ReferenceSink receives audio at the moment it is handed to the speaker.
// The echo canceller implements it.
type ReferenceSink interface {
	FeedReference(samples []int16)
}

// PlaybackConfig configures a PlaybackWorker.
type PlaybackConfig struct {
	DeviceRate     int     // Speaker sample rate
	ProcessingRate int     // Rate expected by the ReferenceSink
	QueueChunks    int     // Jitter buffer capacity
	DuckGain       float64 // Media gain while ducked
}

// PlaybackWorker is the jitter-buffer consumer. Chunks arrive in bursts from
// the network; the worker writes them to the speaker one at a time and feeds
// each chunk, resampled to the processing rate, to the reference sink right
// after the device accepted it.
type PlaybackWorker struct {
	dev    OutputDevice
	ref    ReferenceSink
	cfg    PlaybackConfig
	logger *slog.Logger

	mu      sync.Mutex // Serializes Enqueue eviction
	queue   chan Chunk
	pending atomic.Int64 // Queued plus in-flight chunks

	running  atomic.Bool
	stopChan chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	ducked     atomic.Bool
	resetState atomic.Bool // Set by Flush, consumed by Run

	// Owned by the Run goroutine
	toDevice map[int]*Resampler
	toRef    map[int]*Resampler

	dropCount  atomic.Uint64
	writeFails atomic.Uint64
	badChunks  atomic.Uint64
	onPlayed   func(src Source)
}

// NewPlaybackWorker creates a worker. Call Run on its own goroutine.
func NewPlaybackWorker(dev OutputDevice, ref ReferenceSink, cfg PlaybackConfig, logger *slog.Logger) *PlaybackWorker {
	if cfg.QueueChunks <= 0 {
		cfg.QueueChunks = DefaultPlaybackQueueChunks
	}
	if cfg.DuckGain <= 0 || cfg.DuckGain > 1 {
		cfg.DuckGain = DefaultDuckGain
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &PlaybackWorker{
		dev:      dev,
		ref:      ref,
		cfg:      cfg,
		logger:   logger,
		queue:    make(chan Chunk, cfg.QueueChunks),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
		toDevice: make(map[int]*Resampler),
		toRef:    make(map[int]*Resampler),
	}
	w.running.Store(true)
	return w
}

// OnPlayed registers a hook called after each chunk reached the device.
func (w *PlaybackWorker) OnPlayed(fn func(src Source)) {
	w.onPlayed = fn
}

// Enqueue adds a chunk without blocking. When the buffer is full the oldest
// chunk is discarded.
func (w *PlaybackWorker) Enqueue(c Chunk) {
	if len(c.Samples) == 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending.Add(1)
	for {
		select {
		case w.queue <- c:
			return
		default:
		}
		select {
		case <-w.queue:
			w.pending.Add(-1)
			count := w.dropCount.Add(1)
			if count%dropLogInterval == 1 {
				w.logger.Warn("⚠️ playback buffer full, dropping oldest chunks", "dropped", count)
			}
		default:
		}
	}
}

// Busy reports whether anything is queued or being written.
func (w *PlaybackWorker) Busy() bool {
	return w.pending.Load() > 0
}

// Pending returns the number of queued and in-flight chunks.
func (w *PlaybackWorker) Pending() int {
	return int(w.pending.Load())
}

// SetDucked attenuates SourceMedia chunks while true.
func (w *PlaybackWorker) SetDucked(ducked bool) {
	w.ducked.Store(ducked)
}

// Ducked reports the current ducking state.
func (w *PlaybackWorker) Ducked() bool {
	return w.ducked.Load()
}

// Flush discards queued chunks and device-buffered audio (barge-in).
// Returns the number of chunks discarded.
func (w *PlaybackWorker) Flush() int {
	w.mu.Lock()
	n := drainChannel(w.queue)
	w.pending.Add(-int64(n))
	w.mu.Unlock()

	if f, ok := w.dev.(flusher); ok {
		f.Flush()
	}
	w.resetState.Store(true)
	if n > 0 {
		w.logger.Info("🗑️ discarded queued playback", "chunks", n)
	}
	return n
}

// Run executes the playback loop until Stop is called.
func (w *PlaybackWorker) Run() {
	defer close(w.done)
	for w.running.Load() {
		select {
		case <-w.stopChan:
			return
		case c := <-w.queue:
			w.play(c)
		}
	}
}

// play writes one chunk and then feeds the reference path. A chunk that
// cannot be converted is dropped; the loop keeps running.
func (w *PlaybackWorker) play(c Chunk) {
	defer w.pending.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			count := w.badChunks.Add(1)
			if count%dropLogInterval == 1 {
				w.logger.Error("❌ playback chunk failed", "panic", r, "source", c.Source, "rate", c.SampleRate, "count", count)
			}
		}
	}()

	if c.SampleRate <= 0 {
		count := w.badChunks.Add(1)
		if count%dropLogInterval == 1 {
			w.logger.Warn("⚠️ dropping playback chunk without a sample rate", "source", c.Source, "count", count)
		}
		return
	}

	if w.resetState.CompareAndSwap(true, false) {
		for _, r := range w.toDevice {
			r.Reset()
		}
		for _, r := range w.toRef {
			r.Reset()
		}
	}

	samples := c.Samples
	if c.Source == SourceMedia && w.ducked.Load() {
		samples = applyGain(samples, w.cfg.DuckGain)
	}

	out := w.resampler(w.toDevice, c.SampleRate, w.cfg.DeviceRate).Process(samples)
	if err := w.dev.Write(out); err != nil {
		count := w.writeFails.Add(1)
		if errors.Is(err, ErrDeviceClosed) || count%dropLogInterval == 1 {
			w.logger.Error("❌ speaker write failed", "err", err, "count", count)
		}
		return
	}

	if w.ref != nil {
		w.ref.FeedReference(w.resampler(w.toRef, c.SampleRate, w.cfg.ProcessingRate).Process(samples))
	}
	if w.onPlayed != nil {
		w.onPlayed(c.Source)
	}
}

// resampler returns the per-direction converter for a given input rate.
func (w *PlaybackWorker) resampler(set map[int]*Resampler, inRate, outRate int) *Resampler {
	r, ok := set[inRate]
	if !ok {
		r = NewResampler(inRate, outRate)
		set[inRate] = r
	}
	return r
}

// Stop asks the loop to exit after the current chunk.
func (w *PlaybackWorker) Stop() {
	w.running.Store(false)
	w.stopOnce.Do(func() { close(w.stopChan) })
}

// Done is closed when Run returns.
func (w *PlaybackWorker) Done() <-chan struct{} {
	return w.done
}

func applyGain(samples []int16, gain float64) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		out[i] = ClipInt16(float64(s) * gain)
	}
	return out
}
