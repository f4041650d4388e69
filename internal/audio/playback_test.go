package audio

import (
	"sync"
	"testing"
	"time"
)

// recordingOutput records writes and can hold them until released.
type recordingOutput struct {
	mu      sync.Mutex
	writes  [][]int16
	gate    chan struct{} // When non-nil, each Write waits for a token
	flushed int
}

func (d *recordingOutput) Write(samples []int16) error {
	if d.gate != nil {
		<-d.gate
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writes = append(d.writes, append([]int16(nil), samples...))
	return nil
}

func (d *recordingOutput) Flush() {
	d.mu.Lock()
	d.flushed++
	d.mu.Unlock()
}

func (d *recordingOutput) writeCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.writes)
}

// recordingSink captures reference feeds and the device write count at feed time.
type recordingSink struct {
	mu         sync.Mutex
	dev        *recordingOutput
	feeds      [][]int16
	writesSeen []int
}

func (s *recordingSink) FeedReference(samples []int16) {
	seen := s.dev.writeCount()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feeds = append(s.feeds, samples)
	s.writesSeen = append(s.writesSeen, seen)
}

func (s *recordingSink) snapshot() ([][]int16, []int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]int16(nil), s.feeds...), append([]int(nil), s.writesSeen...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func newTestPlayback(dev *recordingOutput, sink ReferenceSink) *PlaybackWorker {
	return NewPlaybackWorker(dev, sink, PlaybackConfig{
		DeviceRate:     48000,
		ProcessingRate: 16000,
		QueueChunks:    8,
	}, nil)
}

func TestPlaybackWorker_FeedsReferenceAfterWrite(t *testing.T) {
	dev := &recordingOutput{}
	sink := &recordingSink{dev: dev}
	w := newTestPlayback(dev, sink)
	go w.Run()
	defer w.Stop()

	for i := 0; i < 3; i++ {
		w.Enqueue(Chunk{Source: SourceDialogue, Samples: toneMix(24000, 2400), SampleRate: 24000})
	}
	waitFor(t, "three reference feeds", func() bool {
		feeds, _ := sink.snapshot()
		return len(feeds) == 3
	})

	feeds, seen := sink.snapshot()
	for i := range feeds {
		if seen[i] != i+1 {
			t.Errorf("feed %d happened after %d writes, want %d", i, seen[i], i+1)
		}
		if len(feeds[i]) != 1600 {
			t.Errorf("feed %d has %d samples, want 1600 (100ms at 16k)", i, len(feeds[i]))
		}
	}
	if n := len(dev.writes); n != 3 {
		t.Fatalf("device writes = %d, want 3", n)
	}
	if len(dev.writes[0]) != 4800 {
		t.Errorf("device write has %d samples, want 4800 (100ms at 48k)", len(dev.writes[0]))
	}
}

func TestPlaybackWorker_BusyWhileQueuedOrPlaying(t *testing.T) {
	dev := &recordingOutput{gate: make(chan struct{})}
	w := newTestPlayback(dev, nil)
	go w.Run()
	defer w.Stop()

	if w.Busy() {
		t.Fatal("idle worker reports busy")
	}
	w.Enqueue(Chunk{Source: SourceDialogue, Samples: make([]int16, 480), SampleRate: 48000})
	w.Enqueue(Chunk{Source: SourceDialogue, Samples: make([]int16, 480), SampleRate: 48000})
	if !w.Busy() {
		t.Fatal("worker with queued chunks reports idle")
	}

	dev.gate <- struct{}{}
	if !w.Busy() {
		t.Error("worker reports idle with one chunk left")
	}
	dev.gate <- struct{}{}
	waitFor(t, "idle", func() bool { return !w.Busy() })
}

func TestPlaybackWorker_EnqueueDropsOldest(t *testing.T) {
	dev := &recordingOutput{}
	w := newTestPlayback(dev, nil) // Not running: nothing is consumed

	for i := 0; i < 10; i++ {
		w.Enqueue(Chunk{Source: SourceDialogue, Samples: []int16{int16(i)}, SampleRate: 48000})
	}
	if w.Pending() != 8 {
		t.Fatalf("pending = %d, want 8", w.Pending())
	}
	first := <-w.queue
	if first.Samples[0] != 2 {
		t.Errorf("oldest kept chunk = %d, want 2", first.Samples[0])
	}
}

func TestPlaybackWorker_FlushClearsQueue(t *testing.T) {
	dev := &recordingOutput{}
	w := newTestPlayback(dev, nil)
	for i := 0; i < 4; i++ {
		w.Enqueue(Chunk{Source: SourceDialogue, Samples: make([]int16, 10), SampleRate: 48000})
	}
	if n := w.Flush(); n != 4 {
		t.Errorf("Flush() = %d, want 4", n)
	}
	if w.Busy() {
		t.Error("busy after flush")
	}
	if dev.flushed != 1 {
		t.Errorf("device flushed %d times, want 1", dev.flushed)
	}
}

func TestPlaybackWorker_DucksMediaOnly(t *testing.T) {
	dev := &recordingOutput{}
	w := NewPlaybackWorker(dev, nil, PlaybackConfig{
		DeviceRate:     16000,
		ProcessingRate: 16000,
		DuckGain:       0.5,
	}, nil)
	go w.Run()
	defer w.Stop()

	w.SetDucked(true)
	w.Enqueue(Chunk{Source: SourceMedia, Samples: []int16{1000, -1000}, SampleRate: 16000})
	w.Enqueue(Chunk{Source: SourceDialogue, Samples: []int16{1000, -1000}, SampleRate: 16000})
	waitFor(t, "two writes", func() bool { return dev.writeCount() == 2 })

	if dev.writes[0][0] != 500 || dev.writes[0][1] != -500 {
		t.Errorf("ducked media = %v, want [500 -500]", dev.writes[0])
	}
	if dev.writes[1][0] != 1000 {
		t.Errorf("dialogue was ducked: %v", dev.writes[1])
	}
}

func TestSource_String(t *testing.T) {
	if SourceDialogue.String() != "dialogue" || SourcePrompt.String() != "prompt" || SourceMedia.String() != "media" {
		t.Error("unexpected source names")
	}
}

// panickySink panics on its first reference feed.
type panickySink struct {
	mu    sync.Mutex
	calls int
}

func (s *panickySink) FeedReference([]int16) {
	s.mu.Lock()
	s.calls++
	first := s.calls == 1
	s.mu.Unlock()
	if first {
		panic("filter exploded")
	}
}

func TestPlaybackWorker_SurvivesBadChunks(t *testing.T) {
	dev := &recordingOutput{}
	w := newTestPlayback(dev, &panickySink{})
	go w.Run()
	defer w.Stop()

	w.Enqueue(Chunk{Source: SourceMedia, Samples: make([]int16, 160), SampleRate: 0})
	w.Enqueue(Chunk{Source: SourceDialogue, Samples: make([]int16, 480), SampleRate: 48000})
	w.Enqueue(Chunk{Source: SourceDialogue, Samples: make([]int16, 480), SampleRate: 48000})

	waitFor(t, "both valid chunks written", func() bool { return dev.writeCount() == 2 })
	waitFor(t, "idle", func() bool { return !w.Busy() })
	if n := w.badChunks.Load(); n != 2 {
		t.Errorf("bad chunks = %d, want 2 (no rate, panicking sink)", n)
	}
}
