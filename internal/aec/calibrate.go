package aec

import (
	"errors"
	"math"
	"time"

	"github.com/agalue/duplex-assistant/internal/audio"
)

// calibrationRate is the coarse search rate of EstimateDelay.
const calibrationRate = 4000

// ErrNoCorrelation is returned when the recording does not contain the reference.
var ErrNoCorrelation = errors.New("reference not found in recording")

// DelayEstimate is the result of an offline calibration run.
type DelayEstimate struct {
	Delay       time.Duration // Speaker-to-mic delay
	Samples     int           // Delay in samples at the input rate
	Correlation float64       // Normalized peak correlation in [0, 1]
}

// EstimateDelay finds the lag at which recorded best matches reference by
// normalized cross-correlation: a coarse search at 4kHz followed by a
// full-rate refinement. Used offline to pick the static DelayMs value.
func EstimateDelay(reference, recorded []int16, sampleRate int, maxDelay time.Duration) (DelayEstimate, error) {
	if len(reference) == 0 || len(recorded) == 0 {
		return DelayEstimate{}, errors.New("empty signal")
	}
	maxLag := int(maxDelay.Seconds() * float64(sampleRate))

	// Coarse search on decimated copies; both pass through the same filter,
	// so its group delay cancels out.
	factor := 1
	coarseRef, coarseRec := reference, recorded
	if sampleRate > calibrationRate {
		coarseRef, _ = audio.Convert(reference, sampleRate, calibrationRate, nil)
		coarseRec, _ = audio.Convert(recorded, sampleRate, calibrationRate, nil)
		factor = sampleRate / calibrationRate
	}
	coarseLag, _ := bestLag(toFloat(coarseRef), toFloat(coarseRec), 0, maxLag/max(factor, 1))

	// Refine around the coarse peak at full rate.
	ref, rec := toFloat(reference), toFloat(recorded)
	lo := max(0, coarseLag*factor-2*factor)
	hi := min(maxLag, coarseLag*factor+2*factor)
	lag, corr := bestLag(ref, rec, lo, hi)
	if corr < 0.1 {
		return DelayEstimate{}, ErrNoCorrelation
	}

	return DelayEstimate{
		Delay:       time.Duration(lag) * time.Second / time.Duration(sampleRate),
		Samples:     lag,
		Correlation: corr,
	}, nil
}

// bestLag returns the lag in [lo, hi] maximizing the normalized correlation
// of ref against rec shifted by lag.
func bestLag(ref, rec []float64, lo, hi int) (int, float64) {
	best, bestCorr := lo, -1.0
	for lag := lo; lag <= hi; lag++ {
		n := min(len(ref), len(rec)-lag)
		if n <= 0 {
			break
		}
		var dot, eRef, eRec float64
		for i := 0; i < n; i++ {
			a, b := ref[i], rec[i+lag]
			dot += a * b
			eRef += a * a
			eRec += b * b
		}
		if eRef == 0 || eRec == 0 {
			continue
		}
		if c := dot / math.Sqrt(eRef*eRec); c > bestCorr {
			best, bestCorr = lag, c
		}
	}
	return best, bestCorr
}

func toFloat(s []int16) []float64 {
	out := make([]float64, len(s))
	for i, v := range s {
		out[i] = float64(v)
	}
	return out
}
