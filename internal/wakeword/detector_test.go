package wakeword

import (
	"errors"
	"testing"
	"time"
)

// fakeScorer returns scores from a script, repeating the last one.
type fakeScorer struct {
	scores []float32
	err    error
	calls  int
	blocks []int
	resets int
}

func (s *fakeScorer) Score(block []int16) (float32, error) {
	s.calls++
	s.blocks = append(s.blocks, len(block))
	if s.err != nil {
		return 0, s.err
	}
	if len(s.scores) == 0 {
		return 0, nil
	}
	i := min(s.calls-1, len(s.scores)-1)
	return s.scores[i], nil
}

func (s *fakeScorer) Reset()       { s.resets++ }
func (s *fakeScorer) Close() error { return nil }

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestDetector(t *testing.T, scorer Scorer, blockSize int) (*Detector, *fakeClock) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.BlockSize = blockSize
	d := NewDetector(cfg, func() (Scorer, error) { return scorer, nil }, nil)
	clock := &fakeClock{t: time.Unix(1000, 0)}
	d.SetClock(clock.now)
	if !d.Initialize() {
		t.Fatal("Initialize() = false")
	}
	return d, clock
}

func TestProcess_CooldownDebounces(t *testing.T) {
	d, clock := newTestDetector(t, &fakeScorer{scores: []float32{0.9}}, 160)
	frame := make([]int16, 160)

	if !d.Process(frame) {
		t.Fatal("first high-scoring frame: got false, want true")
	}
	clock.advance(500 * time.Millisecond)
	if d.Process(frame) {
		t.Fatal("second frame inside the cooldown: got true, want false")
	}
	clock.advance(1600 * time.Millisecond) // 2.1s after the first detection
	if !d.Process(frame) {
		t.Fatal("frame after the cooldown: got false, want true")
	}
	if got := d.Triggers(); got != 2 {
		t.Errorf("Triggers() = %d, want 2", got)
	}
}

func TestProcess_CooldownMeasuredFromLastTrue(t *testing.T) {
	d, clock := newTestDetector(t, &fakeScorer{scores: []float32{0.9}}, 160)
	frame := make([]int16, 160)

	d.Process(frame)
	for i := 0; i < 3; i++ {
		clock.advance(time.Second)
		got := d.Process(frame)
		want := i == 1 // 2s after the first true
		if got != want {
			t.Errorf("step %d: got %v, want %v", i, got, want)
		}
	}
}

func TestProcess_AccumulatesBlocks(t *testing.T) {
	scorer := &fakeScorer{}
	d, _ := newTestDetector(t, scorer, 1280)

	for i := 0; i < 7; i++ {
		d.Process(make([]int16, 160))
	}
	if scorer.calls != 0 {
		t.Fatalf("scored %d blocks before a full block was buffered", scorer.calls)
	}
	d.Process(make([]int16, 160))
	if scorer.calls != 1 || scorer.blocks[0] != 1280 {
		t.Fatalf("calls = %d blocks = %v, want one block of 1280", scorer.calls, scorer.blocks)
	}
	// A large frame spanning several blocks keeps the remainder.
	d.Process(make([]int16, 3000))
	if scorer.calls != 3 {
		t.Errorf("calls = %d, want 3", scorer.calls)
	}
	if got := len(d.pending); got != 3000-2*1280 {
		t.Errorf("pending = %d, want %d", got, 3000-2*1280)
	}
}

func TestProcessThreshold_Override(t *testing.T) {
	d, _ := newTestDetector(t, &fakeScorer{scores: []float32{0.4}}, 160)
	frame := make([]int16, 160)

	if d.Process(frame) {
		t.Fatal("0.4 passed the default 0.5 threshold")
	}
	if !d.ProcessThreshold(frame, 0.3) {
		t.Fatal("0.4 failed the lowered 0.3 threshold")
	}
}

func TestProcess_DegradedWhenLoaderFails(t *testing.T) {
	d := NewDetector(DefaultConfig(), func() (Scorer, error) {
		return nil, errors.New("model missing")
	}, nil)
	if d.Initialize() {
		t.Fatal("Initialize() = true with a failing loader")
	}
	if d.Ready() {
		t.Fatal("Ready() = true in degraded mode")
	}
	if d.Process(make([]int16, 4096)) {
		t.Fatal("degraded detector reported a detection")
	}
	d.Reset()
	if err := d.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
}

func TestProcess_NilLoader(t *testing.T) {
	d := NewDetector(DefaultConfig(), nil, nil)
	if d.Initialize() {
		t.Fatal("Initialize() = true without a loader")
	}
}

func TestProcess_ScorerErrorDropsDetection(t *testing.T) {
	scorer := &fakeScorer{err: errors.New("inference failed")}
	d, _ := newTestDetector(t, scorer, 160)
	for i := 0; i < 3; i++ {
		if d.Process(make([]int16, 160)) {
			t.Fatal("detection reported on scorer error")
		}
	}
	if got := d.Errors(); got != 3 {
		t.Errorf("Errors() = %d, want 3", got)
	}
}

func TestReset_ClearsCooldownAndCounters(t *testing.T) {
	scorer := &fakeScorer{scores: []float32{0.9}}
	d, _ := newTestDetector(t, scorer, 160)
	frame := make([]int16, 160)

	d.Process(frame)
	d.Process(make([]int16, 100)) // Leaves a partial block pending
	d.Reset()

	if d.Triggers() != 0 {
		t.Errorf("Triggers() = %d after reset, want 0", d.Triggers())
	}
	if len(d.pending) != 0 {
		t.Errorf("pending = %d after reset, want 0", len(d.pending))
	}
	if scorer.resets != 1 {
		t.Errorf("scorer resets = %d, want 1", scorer.resets)
	}
	if !d.Process(frame) {
		t.Error("detection suppressed after reset, want the cooldown cleared")
	}
}

func TestNewDetector_Defaults(t *testing.T) {
	d := NewDetector(Config{}, nil, nil)
	if d.cfg != DefaultConfig() {
		t.Errorf("config = %+v, want %+v", d.cfg, DefaultConfig())
	}
}
