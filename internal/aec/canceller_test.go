package aec

import (
	"math"
	"math/rand/v2"
	"testing"
	"time"
)

const (
	testRate  = 16000
	testFrame = 160
)

// tones generates a sum of equal-amplitude sines.
func tones(n int, amp float64, freqs ...float64) []int16 {
	out := make([]int16, n)
	for i := range out {
		t := float64(i) / testRate
		var v float64
		for _, f := range freqs {
			v += amp * math.Sin(2*math.Pi*f*t)
		}
		out[i] = int16(v * 32767)
	}
	return out
}

func energy(s []int16) float64 {
	var e float64
	for _, v := range s {
		e += float64(v) * float64(v)
	}
	return e
}

func db(a, b float64) float64 {
	return 10 * math.Log10(a/b)
}

func quietConfig(delayMs int) Config {
	cfg := DefaultConfig()
	cfg.DelayMs = delayMs
	cfg.NoiseSuppression = false
	return cfg
}

func TestCancelEcho_ReducesSyntheticEcho(t *testing.T) {
	const (
		seconds    = 5
		delayMs    = 200
		delay      = delayMs * testRate / 1000
		refEnd     = 3 * testRate // Playback stops at 3s
		voiceStart = 4 * testRate // Near-end talker from 4s
	)
	total := seconds * testRate
	reference := tones(refEnd, 0.25, 300, 700, 1100)
	voice := tones(total, 0.3, 1800)
	rng := rand.New(rand.NewPCG(1, 2))

	mic := make([]int16, total)
	for i := range mic {
		v := rng.NormFloat64() * 30
		if j := i - delay; j >= 0 && j < refEnd {
			v += 0.8 * float64(reference[j])
		}
		if i >= voiceStart {
			v += float64(voice[i])
		}
		mic[i] = int16(math.Round(v))
	}

	c := New(quietConfig(delayMs), nil)
	out := make([]int16, 0, total)
	for pos := 0; pos < total; pos += testFrame {
		if pos < refEnd {
			c.FeedReference(reference[pos : pos+testFrame])
		}
		out = append(out, c.CancelEcho(mic[pos:pos+testFrame])...)
	}

	// Echo-only segment after convergence
	echoIn := energy(mic[2*testRate : 3*testRate])
	echoOut := energy(out[2*testRate : 3*testRate])
	if reduction := db(echoIn, echoOut); reduction < 10 {
		t.Errorf("echo reduced by %.1f dB, want >= 10 dB", reduction)
	}

	// Voice-only segment must pass essentially unchanged
	voiceIn := energy(mic[voiceStart:])
	voiceOut := energy(out[voiceStart:])
	if change := db(voiceOut, voiceIn); math.Abs(change) > 1 {
		t.Errorf("voice energy changed by %.2f dB, want within ±1 dB", change)
	}

	if s := c.Stats(); s.ERLE <= 0 {
		t.Errorf("ERLE estimate = %.1f, want > 0", s.ERLE)
	}
}

// train feeds a tone through the canceller so the filter and tap line hold
// reference history.
func train(c *Canceller, frames int) {
	ref := tones(frames*testFrame, 0.3, 500, 900)
	for pos := 0; pos < len(ref); pos += testFrame {
		c.FeedReference(ref[pos : pos+testFrame])
		echo := make([]int16, testFrame)
		for i, v := range ref[pos : pos+testFrame] {
			echo[i] = v / 2
		}
		c.CancelEcho(echo)
	}
	// Leave unconsumed reference in the ring
	c.FeedReference(ref[:4*testFrame])
}

func TestSetDelay_DiscardsStaleReference(t *testing.T) {
	for _, delayMs := range []int{0, 50, 200, 350} {
		c := New(quietConfig(200), nil)
		train(c, 100)

		c.SetDelay(delayMs)
		c.FeedReference(make([]int16, delayMs*testRate/1000))

		mic := tones(testFrame, 0.2, 1234)
		got := c.CancelEcho(mic)
		for i := range mic {
			if got[i] != mic[i] {
				t.Fatalf("delay %dms: sample %d = %d, want %d (stale reference leaked)", delayMs, i, got[i], mic[i])
			}
		}
		if c.Delay() != delayMs*testRate/1000 {
			t.Errorf("Delay() = %d samples, want %d", c.Delay(), delayMs*testRate/1000)
		}
	}
}

func TestReset_ClearsBufferKeepsCoefficients(t *testing.T) {
	c := New(quietConfig(100), nil)
	train(c, 100)
	c.Reset()

	if got := c.Stats().Buffered; got != 1600 {
		t.Errorf("buffered after reset = %d, want the 1600-sample prefill", got)
	}
	mic := tones(testFrame, 0.2, 1234)
	got := c.CancelEcho(mic)
	for i := range mic {
		if got[i] != mic[i] {
			t.Fatalf("sample %d = %d, want %d", i, got[i], mic[i])
		}
	}
	if !hasNonZero(c.filter.(*nlms).w) {
		t.Error("coefficients were cleared, want them retained by default")
	}
}

func TestReset_ClearsCoefficientsWhenConfigured(t *testing.T) {
	cfg := quietConfig(100)
	cfg.ResetCoefficients = true
	c := New(cfg, nil)
	train(c, 100)
	c.Reset()
	if hasNonZero(c.filter.(*nlms).w) {
		t.Error("coefficients survived reset with ResetCoefficients set")
	}
}

func hasNonZero(w []float64) bool {
	for _, v := range w {
		if v != 0 {
			return true
		}
	}
	return false
}

func TestCancelEcho_UnderrunRestoresPrefill(t *testing.T) {
	c := New(quietConfig(10), nil) // 160-sample prefill
	c.CancelEcho(make([]int16, testFrame))
	c.CancelEcho(make([]int16, testFrame)) // Ring empty: zero-padded, starved

	if !c.starved {
		t.Fatal("expected the ring to be marked starved")
	}
	c.FeedReference(make([]int16, 80))
	if got := c.Stats().Buffered; got != 160+80 {
		t.Errorf("buffered = %d, want prefill plus new audio (240)", got)
	}
}

func TestCancelEcho_PassThroughWithoutFilter(t *testing.T) {
	c := New(Config{SampleRate: 16000, FrameSize: 160}, nil) // No taps: invalid
	if c.Enabled() {
		t.Fatal("canceller with an invalid config must be disabled")
	}
	c.FeedReference(tones(testFrame, 0.5, 440))
	mic := tones(testFrame, 0.2, 1000)
	got := c.CancelEcho(mic)
	for i := range mic {
		if got[i] != mic[i] {
			t.Fatalf("sample %d modified", i)
		}
	}
	c.Reset()
	c.SetDelay(300)
}

type panicFilter struct{}

func (panicFilter) process(_, _, _ []float64) { panic("boom") }
func (panicFilter) clearHistory()             {}
func (panicFilter) clearCoefficients()        {}

func TestCancelEcho_RecoversFromPanic(t *testing.T) {
	c := New(quietConfig(0), nil)
	c.filter = panicFilter{}
	hooked := 0
	c.OnFailure(func() { hooked++ })

	mic := tones(testFrame, 0.2, 1000)
	got := c.CancelEcho(mic)
	for i := range mic {
		if got[i] != mic[i] {
			t.Fatalf("sample %d = %d, want unmodified %d", i, got[i], mic[i])
		}
	}
	if c.Stats().Failures != 1 || hooked != 1 {
		t.Errorf("failures = %d, hook = %d, want 1", c.Stats().Failures, hooked)
	}
}

// constFilter writes a fixed value to every output sample.
type constFilter float64

func (f constFilter) process(_, _, out []float64) {
	for i := range out {
		out[i] = float64(f)
	}
}
func (constFilter) clearHistory()      {}
func (constFilter) clearCoefficients() {}

func TestCancelEcho_ClipsInsteadOfWrapping(t *testing.T) {
	c := New(quietConfig(0), nil)
	mic := make([]int16, testFrame)

	c.filter = constFilter(2.0)
	if got := c.CancelEcho(mic); got[0] != 32767 {
		t.Errorf("positive overflow = %d, want 32767", got[0])
	}
	c.filter = constFilter(-2.0)
	if got := c.CancelEcho(mic); got[0] != -32767 {
		t.Errorf("negative overflow = %d, want -32767", got[0])
	}
}

func TestCancelEcho_NoiseSuppression(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DelayMs = 0
	c := New(cfg, nil)
	rng := rand.New(rand.NewPCG(3, 4))

	noiseFrame := func() []int16 {
		f := make([]int16, testFrame)
		for i := range f {
			f[i] = int16(rng.NormFloat64() * 200)
		}
		return f
	}

	var noiseIn, noiseOut float64
	for i := 0; i < 100; i++ {
		in := noiseFrame()
		out := c.CancelEcho(in)
		if i >= 50 {
			noiseIn += energy(in)
			noiseOut += energy(out)
		}
	}
	if att := db(noiseIn, noiseOut); att < 6 {
		t.Errorf("stationary noise attenuated by %.1f dB, want >= 6 dB", att)
	}

	speech := tones(50*testFrame, 0.3, 440)
	var speechIn, speechOut float64
	for pos := 0; pos < len(speech); pos += testFrame {
		in := noiseFrame()
		for i := range in {
			in[i] += speech[pos+i]
		}
		out := c.CancelEcho(in)
		if pos >= 5*testFrame {
			speechIn += energy(in)
			speechOut += energy(out)
		}
	}
	if change := db(speechOut, speechIn); math.Abs(change) > 1 {
		t.Errorf("speech changed by %.2f dB, want within ±1 dB", change)
	}
}

func TestEstimateDelay_FindsKnownLag(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 6))
	const lag = 3200 // 200ms at 16k

	reference := make([]int16, 2*testRate)
	for i := range reference {
		reference[i] = int16(rng.NormFloat64() * 4000)
	}
	recorded := make([]int16, len(reference)+lag)
	for i := range recorded {
		v := rng.NormFloat64() * 50
		if j := i - lag; j >= 0 {
			v += 0.5 * float64(reference[j])
		}
		recorded[i] = int16(v)
	}

	est, err := EstimateDelay(reference, recorded, testRate, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if est.Samples != lag {
		t.Errorf("estimated %d samples (%s), want %d", est.Samples, est.Delay, lag)
	}
	if est.Delay != 200*time.Millisecond {
		t.Errorf("delay = %s, want 200ms", est.Delay)
	}
	if est.Correlation < 0.9 {
		t.Errorf("correlation = %.2f, want >= 0.9", est.Correlation)
	}
}

func TestEstimateDelay_Uncorrelated(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 8))
	a := make([]int16, testRate)
	b := make([]int16, testRate)
	for i := range a {
		a[i] = int16(rng.NormFloat64() * 4000)
		b[i] = int16(rng.NormFloat64() * 4000)
	}
	if _, err := EstimateDelay(a, b, testRate, 100*time.Millisecond); err == nil {
		t.Error("expected ErrNoCorrelation for independent noise")
	}
}
