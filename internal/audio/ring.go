package audio

import "sync/atomic"

// sampleRing is a lock-free single-producer single-consumer ring of PCM16
// samples shared between a device callback and a blocking Read or Write.
type sampleRing struct {
	samples []int16
	size    uint64
	head    atomic.Uint64 // Write position (producer)
	tail    atomic.Uint64 // Read position (consumer)
}

func newSampleRing(size int) *sampleRing {
	if size < 1 {
		size = 1
	}
	return &sampleRing{samples: make([]int16, size), size: uint64(size)}
}

// push copies as many samples as fit. Returns the number written.
func (rb *sampleRing) push(samples []int16) int {
	head := rb.head.Load()
	tail := rb.tail.Load()

	toWrite := min(len(samples), int(rb.size-(head-tail)))
	for i := 0; i < toWrite; i++ {
		rb.samples[(head+uint64(i))%rb.size] = samples[i]
	}
	rb.head.Add(uint64(toWrite))
	return toWrite
}

// pop copies up to len(dst) samples. Returns the number read.
func (rb *sampleRing) pop(dst []int16) int {
	head := rb.head.Load()
	tail := rb.tail.Load()

	toRead := min(len(dst), int(head-tail))
	for i := 0; i < toRead; i++ {
		dst[i] = rb.samples[(tail+uint64(i))%rb.size]
	}
	rb.tail.Add(uint64(toRead))
	return toRead
}

// len returns the number of buffered samples.
func (rb *sampleRing) len() int {
	return int(rb.head.Load() - rb.tail.Load())
}

// discard drops everything buffered. Must be called from the consumer side.
func (rb *sampleRing) discard() {
	rb.tail.Store(rb.head.Load())
}
