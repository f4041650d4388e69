package dialogue

import (
	"context"
	"log/slog"
	"sync"

	"github.com/agalue/duplex-assistant/internal/audio"
	"github.com/agalue/duplex-assistant/internal/tts"
)

// Recognizer turns microphone audio into transcribed segments.
type Recognizer interface {
	AcceptWaveform(samples []float32)
	SegmentChannel() <-chan []float32
	TranscribeSegment(samples []float32) string
	Clear()
}

// Chatter produces a reply for a user message.
type Chatter interface {
	Chat(ctx context.Context, message string) (string, error)
}

// Synthesizer voices a reply sentence by sentence.
type Synthesizer interface {
	SynthesizeEach(text string, fn func(*tts.AudioOutput) error) error
}

// TurnFilter decides whether a transcribed utterance is meant for the
// assistant. It returns the text to send to the model, which may be shorter
// than the utterance (e.g. without the wake phrase).
type TurnFilter func(text string) (prompt string, ok bool)

// LocalTransport is an offline dialogue service: VAD + Whisper for input,
// an Ollama model for the reply and Kokoro for the voice. It emits the same
// events as a remote service.
type LocalTransport struct {
	rec    Recognizer
	chat   Chatter
	synth  Synthesizer
	filter TurnFilter
	logger *slog.Logger

	events    chan Event
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// NewLocalTransport starts the turn loop. The transport ends when ctx is
// cancelled, Close is called or the recognizer closes its segment channel.
// Every utterance is reported as a transcript; only those accepted by filter
// reach the model. A nil filter accepts everything.
func NewLocalTransport(ctx context.Context, rec Recognizer, chat Chatter, synth Synthesizer, filter TurnFilter, logger *slog.Logger) *LocalTransport {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	t := &LocalTransport{
		rec:    rec,
		chat:   chat,
		synth:  synth,
		filter: filter,
		logger: logger,
		events: make(chan Event, DefaultEventBuffer),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go t.loop()
	return t
}

// LocalDialer returns a Dialer that starts a LocalTransport on each call.
func LocalDialer(rec Recognizer, chat Chatter, synth Synthesizer, filter TurnFilter, logger *slog.Logger) Dialer {
	return func(ctx context.Context) (Transport, error) {
		return NewLocalTransport(ctx, rec, chat, synth, filter, logger), nil
	}
}

// Send feeds a frame to the recognizer. Silence frames are fed too; they
// let the VAD close the current segment.
func (t *LocalTransport) Send(_ context.Context, f audio.Frame) error {
	select {
	case <-t.ctx.Done():
		return ErrTransportClosed
	default:
	}
	t.rec.AcceptWaveform(audio.Int16ToFloat32(f.Samples))
	return nil
}

// Events returns the inbound event channel.
func (t *LocalTransport) Events() <-chan Event {
	return t.events
}

func (t *LocalTransport) loop() {
	defer close(t.done)
	defer close(t.events)

	segments := t.rec.SegmentChannel()
	for {
		select {
		case <-t.ctx.Done():
			return
		case seg, ok := <-segments:
			if !ok {
				t.emit(Event{Kind: KindError, Err: ErrTransportClosed})
				return
			}
			t.turn(seg)
		}
	}
}

// turn runs one user utterance through recognition, the model and synthesis.
func (t *LocalTransport) turn(segment []float32) {
	text := t.rec.TranscribeSegment(segment)
	if text == "" {
		return
	}
	if !t.emit(Event{Kind: KindTranscript, Text: text, Final: true}) {
		return
	}

	prompt := text
	if t.filter != nil {
		var ok bool
		if prompt, ok = t.filter(text); !ok {
			t.logger.Debug("utterance not addressed to the assistant", "text", text)
			return
		}
	}
	if prompt == "" {
		return
	}

	reply, err := t.chat.Chat(t.ctx, prompt)
	if err != nil {
		t.emit(Event{Kind: KindError, Err: err})
		t.emit(Event{Kind: KindTurnDone})
		return
	}
	if reply == "" {
		t.emit(Event{Kind: KindTurnDone})
		return
	}
	t.logger.Info("🤖 Assistant: " + reply)
	if !t.emit(Event{Kind: KindReply, Text: reply, Final: true}) {
		return
	}

	err = t.synth.SynthesizeEach(reply, func(out *tts.AudioOutput) error {
		f := audio.Frame{Samples: audio.Float32ToInt16(out.Samples), SampleRate: out.SampleRate}
		if !t.emit(Event{Kind: KindAudio, Audio: f}) {
			return ErrTransportClosed
		}
		return nil
	})
	if err != nil && err != ErrTransportClosed {
		t.emit(Event{Kind: KindError, Err: err})
	}
	t.emit(Event{Kind: KindTurnDone})
}

func (t *LocalTransport) emit(ev Event) bool {
	select {
	case t.events <- ev:
		return true
	case <-t.ctx.Done():
		return false
	}
}

// Close stops the turn loop and clears the recognizer.
func (t *LocalTransport) Close() error {
	t.closeOnce.Do(func() {
		t.cancel()
		<-t.done
		t.rec.Clear()
	})
	return nil
}
