package assistant

import (
	"context"
	"time"

	"github.com/agalue/duplex-assistant/internal/audio"
)

// mediaAhead is how many chunks of any source may wait before more media
// is queued.
const mediaAhead = 4

// MediaSink is the playback side used for background media.
type MediaSink interface {
	Enqueue(c audio.Chunk)
	Pending() int
}

// StreamMedia feeds f to sink as SourceMedia chunks of the given length,
// keeping only a few chunks queued so barge-in flushes stay cheap. With loop
// set it repeats until ctx is cancelled.
func StreamMedia(ctx context.Context, sink MediaSink, f audio.Frame, chunk time.Duration, loop bool) error {
	if len(f.Samples) == 0 || f.SampleRate <= 0 {
		return nil
	}
	size := max(int(int64(f.SampleRate)*int64(chunk)/int64(time.Second)), 1)
	ticker := time.NewTicker(max(chunk/2, time.Millisecond))
	defer ticker.Stop()

	for {
		for off := 0; off < len(f.Samples); {
			for sink.Pending() >= mediaAhead {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
				}
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			end := min(off+size, len(f.Samples))
			sink.Enqueue(audio.Chunk{Source: audio.SourceMedia, Samples: f.Samples[off:end], SampleRate: f.SampleRate})
			off = end
		}
		if !loop {
			return nil
		}
	}
}
