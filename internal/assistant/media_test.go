package assistant

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agalue/duplex-assistant/internal/audio"
)

type mediaSink struct {
	mu      sync.Mutex
	chunks  []audio.Chunk
	pending int
}

func (s *mediaSink) Enqueue(c audio.Chunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, c)
}

func (s *mediaSink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

func TestStreamMedia(t *testing.T) {
	sink := &mediaSink{}
	f := audio.Silence(16050, 16000)
	if err := StreamMedia(context.Background(), sink, f, 100*time.Millisecond, false); err != nil {
		t.Fatal(err)
	}
	if len(sink.chunks) != 11 {
		t.Fatalf("chunks = %d, want 11", len(sink.chunks))
	}
	total := 0
	for _, c := range sink.chunks {
		if c.Source != audio.SourceMedia || c.SampleRate != 16000 {
			t.Errorf("chunk = %v at %d Hz", c.Source, c.SampleRate)
		}
		total += len(c.Samples)
	}
	if total != 16050 || len(sink.chunks[10].Samples) != 50 {
		t.Errorf("total = %d, last = %d", total, len(sink.chunks[10].Samples))
	}
}

func TestStreamMedia_WaitsForRoom(t *testing.T) {
	sink := &mediaSink{pending: mediaAhead}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := StreamMedia(ctx, sink, audio.Silence(1600, 16000), 10*time.Millisecond, true)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("StreamMedia = %v, want deadline exceeded", err)
	}
	if len(sink.chunks) != 0 {
		t.Errorf("queued %d chunks into a full player", len(sink.chunks))
	}
}
