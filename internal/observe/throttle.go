package observe

import "sync/atomic"

// Throttle lets through the first event and then every Nth one. It is used
// for errors that can repeat on every 10ms frame.
type Throttle struct {
	every uint64
	count atomic.Uint64
}

// NewThrottle creates a throttle passing one event in every.
func NewThrottle(every uint64) *Throttle {
	return &Throttle{every: max(every, 1)}
}

// Allow records an event. It returns the running count and whether this
// event should be logged.
func (t *Throttle) Allow() (uint64, bool) {
	n := t.count.Add(1)
	return n, n%t.every == 1 || t.every == 1
}

// Count returns the number of recorded events.
func (t *Throttle) Count() uint64 {
	return t.count.Load()
}
