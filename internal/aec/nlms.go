package aec

// nlms is a normalized least-mean-squares adaptive FIR filter estimating the
// echo path from the delayed reference to the microphone.
type nlms struct {
	w     []float64 // Echo path estimate
	x     []float64 // Reference tap line, circular
	pos   int       // Newest sample in x
	power float64   // Running sum of x^2
	mu    float64   // Step size (0, 2)
	eps   float64   // Regularization
}

// Adaptation is skipped while the reference is (nearly) silent so that
// near-end speech cannot pull the coefficients away.
const minReferencePower = 1e-9

func newNLMS(taps int, mu float64) *nlms {
	return &nlms{
		w:   make([]float64, taps),
		x:   make([]float64, taps),
		mu:  mu,
		eps: 1e-6,
	}
}

// process writes mic minus the estimated echo into out.
// All slices hold normalized samples and have equal length.
func (f *nlms) process(mic, ref, out []float64) {
	n := len(f.w)
	for i := range mic {
		f.pos++
		if f.pos == n {
			f.pos = 0
			f.recomputePower()
		}
		old := f.x[f.pos]
		f.x[f.pos] = ref[i]
		f.power += ref[i]*ref[i] - old*old
		if f.power < 0 {
			f.power = 0
		}

		var y float64
		idx := f.pos
		for k := 0; k < n; k++ {
			y += f.w[k] * f.x[idx]
			if idx--; idx < 0 {
				idx = n - 1
			}
		}

		e := mic[i] - y
		out[i] = e

		if f.power > minReferencePower*float64(n) {
			g := f.mu * e / (f.power + f.eps)
			idx = f.pos
			for k := 0; k < n; k++ {
				f.w[k] += g * f.x[idx]
				if idx--; idx < 0 {
					idx = n - 1
				}
			}
		}
	}
}

// recomputePower removes accumulated rounding drift.
func (f *nlms) recomputePower() {
	var p float64
	for _, v := range f.x {
		p += v * v
	}
	f.power = p
}

func (f *nlms) clearHistory() {
	clear(f.x)
	f.power = 0
	f.pos = 0
}

func (f *nlms) clearCoefficients() {
	clear(f.w)
}
