// Package audio provides the PCM frame type, sample-rate conversion, device
// adapters and the capture and playback workers of the duplex pipeline.
package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Frame is a block of mono signed 16-bit PCM samples at a declared rate.
// It is the unit of work passed between every pipeline stage.
type Frame struct {
	Samples    []int16 // Mono PCM samples
	SampleRate int     // Sample rate in Hz
}

// Silence returns a zero frame of n samples.
func Silence(n, sampleRate int) Frame {
	return Frame{Samples: make([]int16, n), SampleRate: sampleRate}
}

// Duration returns the playback duration of the frame in seconds.
func (f Frame) Duration() float64 {
	if f.SampleRate <= 0 {
		return 0
	}
	return float64(len(f.Samples)) / float64(f.SampleRate)
}

// Bytes encodes the frame as little-endian PCM16.
func (f Frame) Bytes() []byte {
	out := make([]byte, len(f.Samples)*2)
	for i, s := range f.Samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Pad returns a copy of the frame zero-padded (or truncated) to n samples.
func (f Frame) Pad(n int) Frame {
	out := make([]int16, n)
	copy(out, f.Samples)
	return Frame{Samples: out, SampleRate: f.SampleRate}
}

// FrameFromBytes decodes little-endian PCM16. A trailing odd byte is an error.
func FrameFromBytes(data []byte, sampleRate int) (Frame, error) {
	if len(data)%2 != 0 {
		return Frame{}, fmt.Errorf("pcm16 payload has odd length %d", len(data))
	}
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return Frame{Samples: samples, SampleRate: sampleRate}, nil
}

// ClipInt16 rounds v and clamps it to ±32767.
func ClipInt16(v float64) int16 {
	if math.IsNaN(v) {
		return 0
	}
	v = math.Round(v)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < -math.MaxInt16 {
		return -math.MaxInt16
	}
	return int16(v)
}

// Int16ToFloat32 converts PCM16 to normalized float32 in [-1, 1).
func Int16ToFloat32(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768.0
	}
	return out
}

// Float32ToInt16 converts normalized float32 samples to PCM16 with clipping.
func Float32ToInt16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		out[i] = ClipInt16(float64(s) * 32767.0)
	}
	return out
}

// Framer regroups an arbitrary sample stream into fixed-size frames.
// Leftover samples are kept until the next Write.
type Framer struct {
	size    int
	rate    int
	pending []int16
}

// NewFramer creates a framer emitting frames of size samples.
func NewFramer(size, sampleRate int) *Framer {
	return &Framer{size: size, rate: sampleRate, pending: make([]int16, 0, size*2)}
}

// Write appends samples and returns every complete frame.
func (fr *Framer) Write(samples []int16) []Frame {
	fr.pending = append(fr.pending, samples...)
	var frames []Frame
	for len(fr.pending) >= fr.size {
		out := make([]int16, fr.size)
		copy(out, fr.pending[:fr.size])
		frames = append(frames, Frame{Samples: out, SampleRate: fr.rate})
		fr.pending = fr.pending[fr.size:]
	}
	// Compact so the backing array does not grow without bound.
	if cap(fr.pending) > fr.size*8 {
		fr.pending = append(make([]int16, 0, fr.size*2), fr.pending...)
	}
	return frames
}

// Pending returns the number of buffered samples.
func (fr *Framer) Pending() int {
	return len(fr.pending)
}

// Reset drops buffered samples.
func (fr *Framer) Reset() {
	fr.pending = fr.pending[:0]
}
