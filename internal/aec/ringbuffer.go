package aec

// referenceRing is the bounded FIFO of played samples. The canceller's mutex
// guards it; it is never touched without holding that lock.
type referenceRing struct {
	buf  []int16
	head int // Oldest sample
	size int // Buffered samples
}

func newReferenceRing(capacity int) *referenceRing {
	return &referenceRing{buf: make([]int16, max(capacity, 1))}
}

// push appends samples, overwriting the oldest ones when full.
// Returns the number of samples that had to be discarded.
func (r *referenceRing) push(samples []int16) int {
	dropped := 0
	capacity := len(r.buf)
	for _, s := range samples {
		if r.size == capacity {
			r.head = (r.head + 1) % capacity
			r.size--
			dropped++
		}
		r.buf[(r.head+r.size)%capacity] = s
		r.size++
	}
	return dropped
}

// pushSilence appends n zero samples.
func (r *referenceRing) pushSilence(n int) {
	capacity := len(r.buf)
	for i := 0; i < n; i++ {
		if r.size == capacity {
			r.head = (r.head + 1) % capacity
			r.size--
		}
		r.buf[(r.head+r.size)%capacity] = 0
		r.size++
	}
}

// pop fills dst from the front and zero-pads whatever is missing.
// Returns the number of real samples copied.
func (r *referenceRing) pop(dst []int16) int {
	n := min(len(dst), r.size)
	capacity := len(r.buf)
	for i := 0; i < n; i++ {
		dst[i] = r.buf[(r.head+i)%capacity]
	}
	clear(dst[n:])
	r.head = (r.head + n) % capacity
	r.size -= n
	return n
}

func (r *referenceRing) len() int {
	return r.size
}

func (r *referenceRing) reset() {
	r.head = 0
	r.size = 0
}
