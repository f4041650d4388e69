package aec

// Noise suppressor tuning.
const (
	noiseFloorRise    = 1.002 // Per-frame growth of the floor estimate (about +20%/s at 10ms frames)
	noiseOverSubtract = 2.0
	noiseMinGain      = 0.1 // -20 dB
	noiseRelease      = 0.3 // Smoothing when the gain closes
	noiseFloorMin     = 1e-10
)

// noiseSuppressor is a broadband downward expander driven by a minimum
// statistics noise floor. It attenuates frames close to the floor and leaves
// frames well above it untouched, which handles fans and hum between words.
type noiseSuppressor struct {
	floor       float64
	gain        float64
	initialized bool
}

func newNoiseSuppressor() *noiseSuppressor {
	return &noiseSuppressor{gain: 1}
}

// process scales frame in place.
func (n *noiseSuppressor) process(frame []float64) {
	if len(frame) == 0 {
		return
	}
	var energy float64
	for _, v := range frame {
		energy += v * v
	}
	energy /= float64(len(frame))

	switch {
	case !n.initialized:
		n.floor = max(energy, noiseFloorMin)
		n.initialized = true
	case energy < n.floor:
		n.floor = max(energy, noiseFloorMin)
	default:
		n.floor *= noiseFloorRise
	}

	target := 1.0
	if energy > 0 {
		target = 1 - noiseOverSubtract*n.floor/energy
	}
	target = min(max(target, noiseMinGain), 1)

	// Open instantly so speech onsets are not clipped; close smoothly.
	if target > n.gain {
		n.gain = target
	} else {
		n.gain += noiseRelease * (target - n.gain)
	}

	for i := range frame {
		frame[i] *= n.gain
	}
}
