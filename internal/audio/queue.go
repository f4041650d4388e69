package audio

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// dropLogInterval controls how often queue overflow is logged.
const dropLogInterval = 100

// FrameQueue is the bounded hand-off between a producer thread and a consumer
// loop. Push never blocks: when the queue is full the oldest frame is dropped,
// since stale audio is worse than a small gap.
type FrameQueue struct {
	name      string
	ch        chan Frame
	mu        sync.Mutex    // Serializes producers so drop-then-push stays ordered
	dropCount atomic.Uint64 // Frames dropped due to overflow
	onDrop    func()        // Optional drop hook (metrics)
	logger    *slog.Logger
}

// NewFrameQueue creates a queue holding up to capacity frames.
func NewFrameQueue(name string, capacity int, logger *slog.Logger) *FrameQueue {
	if capacity < 1 {
		capacity = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FrameQueue{
		name:   name,
		ch:     make(chan Frame, capacity),
		logger: logger,
	}
}

// OnDrop registers a callback invoked for every dropped frame.
func (q *FrameQueue) OnDrop(fn func()) {
	q.onDrop = fn
}

// Push enqueues f, evicting the oldest frame when full.
// Returns true if a frame had to be dropped.
func (q *FrameQueue) Push(f Frame) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := false
	for {
		select {
		case q.ch <- f:
			return dropped
		default:
		}

		// Full: evict the oldest frame and retry
		select {
		case <-q.ch:
			dropped = true
			count := q.dropCount.Add(1)
			if q.onDrop != nil {
				q.onDrop()
			}
			if count%dropLogInterval == 1 {
				q.logger.Warn("⚠️ queue full, dropping oldest frames", "queue", q.name, "dropped", count)
			}
		default:
		}
	}
}

// C returns the receive side for use in a select loop.
func (q *FrameQueue) C() <-chan Frame {
	return q.ch
}

// TryPop returns the oldest frame without blocking.
func (q *FrameQueue) TryPop() (Frame, bool) {
	select {
	case f := <-q.ch:
		return f, true
	default:
		return Frame{}, false
	}
}

// Len returns the number of queued frames.
func (q *FrameQueue) Len() int {
	return len(q.ch)
}

// Cap returns the queue capacity.
func (q *FrameQueue) Cap() int {
	return cap(q.ch)
}

// Drops returns the number of frames dropped so far.
func (q *FrameQueue) Drops() uint64 {
	return q.dropCount.Load()
}

// Clear discards every queued frame and returns how many were removed.
func (q *FrameQueue) Clear() int {
	return drainChannel(q.ch)
}

// drainChannel removes all pending messages from a channel.
// Returns the number of messages drained.
func drainChannel[T any](ch <-chan T) int {
	discarded := 0
	for {
		select {
		case <-ch:
			discarded++
		default:
			return discarded
		}
	}
}
