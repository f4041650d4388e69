package audio

import (
	"math"
)

// Polyphase filter design constants.
const (
	// resamplerZeroCrossings is the number of sinc lobes kept on each side of
	// the prototype center, measured at the slower of the two rates.
	resamplerZeroCrossings = 8

	// resamplerCutoff scales the anti-aliasing cutoff below the Nyquist
	// frequency of the slower rate to leave room for the transition band.
	resamplerCutoff = 0.9
)

// ResamplerState carries the polyphase filter bank, the last taps-1 input
// samples and the fractional output phase between calls for one direction.
// Never share a state between two streams.
type ResamplerState struct {
	inRate  int
	outRate int
	up      int         // Interpolation factor L
	down    int         // Decimation factor M
	taps    int         // Coefficients per phase
	phases  [][]float64 // phases[p][k] = h[p + k*L]
	history []float64   // Last taps-1 input samples
	pos     int         // Next output position in upsampled units, relative to the next chunk
}

// NewResamplerState builds the filter bank for an inRate -> outRate conversion.
//
// The prototype is a Hamming-windowed sinc of odd length 2D+1 centered on D,
// where D = resamplerZeroCrossings * max(L, M). Each phase is normalized to
// unity DC gain, so the group delay is exactly D/M output samples.
//
// A non-positive rate yields a copy-through state.
func NewResamplerState(inRate, outRate int) *ResamplerState {
	if inRate <= 0 || outRate <= 0 {
		return &ResamplerState{inRate: inRate, outRate: outRate, up: 1, down: 1}
	}
	g := gcd(inRate, outRate)
	up := outRate / g
	down := inRate / g

	st := &ResamplerState{
		inRate:  inRate,
		outRate: outRate,
		up:      up,
		down:    down,
	}
	if up == down {
		return st
	}

	half := resamplerZeroCrossings * max(up, down)
	length := 2*half + 1
	taps := (length + up - 1) / up

	// Cutoff in cycles per sample of the upsampled stream
	fc := resamplerCutoff * 0.5 / float64(max(up, down))

	proto := make([]float64, taps*up)
	for j := 0; j < length; j++ {
		x := float64(j - half)
		var h float64
		if x == 0 {
			h = 2 * fc
		} else {
			h = math.Sin(2*math.Pi*fc*x) / (math.Pi * x)
		}
		w := 0.54 - 0.46*math.Cos(2*math.Pi*float64(j)/float64(length-1))
		proto[j] = h * w
	}

	st.taps = taps
	st.phases = make([][]float64, up)
	for p := 0; p < up; p++ {
		phase := make([]float64, taps)
		var sum float64
		for k := 0; k < taps; k++ {
			phase[k] = proto[p+k*up]
			sum += phase[k]
		}
		if sum != 0 {
			for k := range phase {
				phase[k] /= sum
			}
		}
		st.phases[p] = phase
	}
	st.history = make([]float64, taps-1)
	return st
}

// Delay returns the group delay of the converter in output samples.
func (st *ResamplerState) Delay() float64 {
	if st.up == st.down {
		return 0
	}
	return float64(resamplerZeroCrossings*max(st.up, st.down)) / float64(st.down)
}

// Reset clears history and phase without rebuilding the filter bank.
func (st *ResamplerState) Reset() {
	clear(st.history)
	st.pos = 0
}

// Convert resamples samples from inRate to outRate. The state is created when
// nil or when it was built for a different rate pair, and is returned so the
// caller can pass it to the next call. Chunk sizes are arbitrary: fractional
// leftovers stay in the state and chunked output equals one-shot output.
// Invalid (non-positive) rates copy the input through unchanged.
func Convert(samples []int16, inRate, outRate int, st *ResamplerState) ([]int16, *ResamplerState) {
	if st == nil || st.inRate != inRate || st.outRate != outRate {
		st = NewResamplerState(inRate, outRate)
	}
	if st.up == st.down || inRate <= 0 || outRate <= 0 {
		out := make([]int16, len(samples))
		copy(out, samples)
		return out, st
	}
	return st.process(samples), st
}

// process runs the polyphase filter over one chunk.
// Output n is sum_k h[p+k*L] * x[i-k] with i = t/L and p = t%L for t = n*M.
func (st *ResamplerState) process(in []int16) []int16 {
	keep := st.taps - 1
	buf := make([]float64, keep+len(in))
	copy(buf, st.history)
	for i, s := range in {
		buf[keep+i] = float64(s)
	}

	total := len(in) * st.up
	out := make([]int16, 0, (total-st.pos)/st.down+1)
	for st.pos < total {
		i := st.pos / st.up
		phase := st.phases[st.pos%st.up]
		base := keep + i

		var acc float64
		for k, c := range phase {
			acc += c * buf[base-k]
		}
		out = append(out, ClipInt16(acc))
		st.pos += st.down
	}
	st.pos -= total

	copy(st.history, buf[len(buf)-keep:])
	return out
}

// Resampler converts one stream between two fixed rates, holding its own state.
type Resampler struct {
	inRate  int
	outRate int
	state   *ResamplerState
}

// NewResampler creates a stateful converter for a single direction.
func NewResampler(inRate, outRate int) *Resampler {
	return &Resampler{
		inRate:  inRate,
		outRate: outRate,
		state:   NewResamplerState(inRate, outRate),
	}
}

// Process converts the next chunk of the stream.
func (r *Resampler) Process(samples []int16) []int16 {
	var out []int16
	out, r.state = Convert(samples, r.inRate, r.outRate, r.state)
	return out
}

// ProcessFrame converts a frame, which must be at the input rate.
func (r *Resampler) ProcessFrame(f Frame) Frame {
	return Frame{Samples: r.Process(f.Samples), SampleRate: r.outRate}
}

// Reset clears the stream history, e.g. after a barge-in flush.
func (r *Resampler) Reset() {
	r.state.Reset()
}

// OutRate returns the output sample rate.
func (r *Resampler) OutRate() int {
	return r.outRate
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
