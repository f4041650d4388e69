// Package assistant runs the real-time event loop that ties capture, echo
// cancellation, wake detection, the conversation gate, the dialogue
// transport and playback together.
//
// All per-frame work happens on the goroutine calling Run. Capture and
// playback run on their own goroutines and only meet the loop through the
// frame queue, the player and the echo canceller's reference ring.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agalue/duplex-assistant/internal/aec"
	"github.com/agalue/duplex-assistant/internal/audio"
	"github.com/agalue/duplex-assistant/internal/dialogue"
	"github.com/agalue/duplex-assistant/internal/dispatch"
	"github.com/agalue/duplex-assistant/internal/gate"
	"github.com/agalue/duplex-assistant/internal/observe"
	"github.com/agalue/duplex-assistant/internal/wakeword"
)

const (
	// statsInterval is the number of frames between AEC metric samples.
	statsInterval = 100

	defaultSendTimeout      = time.Second
	defaultRedialBackoff    = time.Second
	defaultRedialMaxBackoff = 30 * time.Second
)

// ErrSessionEnded reports a dialogue session that closed its event stream.
var ErrSessionEnded = errors.New("dialogue session ended")

// Player is the playback side seen by the loop.
type Player interface {
	Enqueue(c audio.Chunk)
	Busy() bool
	Flush() int
	SetDucked(ducked bool)
}

// EchoCanceller removes the assistant's own voice from microphone frames.
type EchoCanceller interface {
	CancelEcho(mic []int16) []int16
	Reset()
	Stats() aec.Stats
}

// SpeechDetector reports whether a cleaned frame contains user speech.
type SpeechDetector interface {
	Process(f audio.Frame) (bool, error)
	Reset()
}

// Config tunes the loop.
type Config struct {
	CaptureRate      int
	ProcessingRate   int
	FrameSize        int
	WakeThreshold    float32
	PlayingThreshold float32 // Wake threshold while the assistant is talking

	// Acknowledgement is played as a prompt on every wake. Empty disables.
	Acknowledgement audio.Frame

	// SendTimeout bounds one uplink send. A send that takes longer is
	// treated as a lost session.
	SendTimeout time.Duration

	RedialBackoff    time.Duration
	RedialMaxBackoff time.Duration
}

// Deps are the components the loop drives. AEC, Wake, Speech and Phrases
// are optional.
type Deps struct {
	Queue      *audio.FrameQueue
	Faults     <-chan error
	Player     Player
	AEC        EchoCanceller
	Wake       *wakeword.Detector
	Speech     SpeechDetector
	Phrases    *wakeword.PhraseMatcher
	Gate       *gate.Gate
	Dispatcher *dispatch.Dispatcher
	Dial       dialogue.Dialer
	Metrics    *observe.Metrics

	// OnSleep runs when a conversation ends, e.g. to clear chat history.
	OnSleep func()
}

type dialResult struct {
	transport dialogue.Transport
	err       error
}

// Assistant is the orchestration event loop.
type Assistant struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	down   *audio.Resampler
	framer *audio.Framer

	// remoteWake sends standby audio to the dialogue service so it can spot
	// the wake phrase when no local model is available.
	remoteWake bool

	transport dialogue.Transport
	sessions  int
	dialing   bool
	dialed    chan dialResult
	backoff   time.Duration
	retry     *time.Timer

	frames     uint64
	sendErrors *observe.Throttle
	vadErrors  *observe.Throttle
	dropped    *observe.Throttle
}

// New wires the loop and registers the gate hooks.
func New(cfg Config, deps Deps, logger *slog.Logger) (*Assistant, error) {
	if deps.Queue == nil || deps.Player == nil || deps.Gate == nil || deps.Dial == nil {
		return nil, errors.New("assistant: queue, player, gate and dialer are required")
	}
	if cfg.ProcessingRate <= 0 || cfg.FrameSize <= 0 {
		return nil, fmt.Errorf("assistant: invalid processing format %d Hz / %d samples", cfg.ProcessingRate, cfg.FrameSize)
	}
	if cfg.CaptureRate <= 0 {
		cfg.CaptureRate = cfg.ProcessingRate
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.RedialBackoff <= 0 {
		cfg.RedialBackoff = defaultRedialBackoff
	}
	if cfg.RedialMaxBackoff < cfg.RedialBackoff {
		cfg.RedialMaxBackoff = max(defaultRedialMaxBackoff, cfg.RedialBackoff)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Dispatcher == nil {
		deps.Dispatcher = dispatch.New(logger)
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}

	a := &Assistant{
		cfg:        cfg,
		deps:       deps,
		logger:     logger,
		down:       audio.NewResampler(cfg.CaptureRate, cfg.ProcessingRate),
		framer:     audio.NewFramer(cfg.FrameSize, cfg.ProcessingRate),
		remoteWake: deps.Wake == nil || !deps.Wake.Ready(),
		dialed:     make(chan dialResult, 1),
		backoff:    cfg.RedialBackoff,
		sendErrors: observe.NewThrottle(100),
		vadErrors:  observe.NewThrottle(100),
		dropped:    observe.NewThrottle(100),
	}
	if a.remoteWake {
		logger.Info("👂 no local wake word model, the dialogue service listens for the wake phrase")
	}

	deps.Gate.OnWake(a.onWake)
	deps.Gate.OnSleep(a.onSleep)
	deps.Dispatcher.OnResult(func(rule string, err error) {
		deps.Metrics.RecordSkill(context.Background(), rule, err)
	})
	return a, nil
}

// Run processes frames and events until ctx is cancelled.
func (a *Assistant) Run(ctx context.Context) error {
	a.logger.Info("🎧 assistant listening", "capture_rate", a.cfg.CaptureRate,
		"processing_rate", a.cfg.ProcessingRate, "frame", a.cfg.FrameSize)
	a.startDial(ctx)
	defer a.shutdown()

	for {
		var events <-chan dialogue.Event
		if a.transport != nil {
			events = a.transport.Events()
		}
		var retry <-chan time.Time
		if a.retry != nil {
			retry = a.retry.C
		}

		select {
		case <-ctx.Done():
			return nil
		case f := <-a.deps.Queue.C():
			a.handleCapture(ctx, f)
		case err := <-a.deps.Faults:
			a.logger.Error("❌ microphone fault", "err", err)
		case ev, ok := <-events:
			if !ok {
				a.lostTransport(ErrSessionEnded)
				continue
			}
			a.handleEvent(ctx, ev)
		case res := <-a.dialed:
			a.handleDial(ctx, res)
		case <-retry:
			a.retry = nil
			a.startDial(ctx)
		}
	}
}

// handleCapture converts one capture chunk into processing frames.
func (a *Assistant) handleCapture(ctx context.Context, f audio.Frame) {
	start := time.Now()
	pcm := a.down.Process(f.Samples)
	for _, frame := range a.framer.Write(pcm) {
		a.processFrame(ctx, frame)
	}
	a.deps.Metrics.RecordFrame(ctx, time.Since(start))
}

// processFrame runs one processing frame through the pipeline.
func (a *Assistant) processFrame(ctx context.Context, f audio.Frame) {
	a.frames++
	clean := f
	if a.deps.AEC != nil {
		clean = audio.Frame{Samples: a.deps.AEC.CancelEcho(f.Samples), SampleRate: f.SampleRate}
		if a.frames%statsInterval == 0 {
			a.deps.Metrics.AECERLE.Record(ctx, a.deps.AEC.Stats().ERLE)
		}
	}

	state := a.deps.Gate.Tick()
	playing := a.deps.Player.Busy()
	if playing {
		a.deps.Gate.NoteSelfSpeech()
	}

	if a.deps.Wake != nil {
		threshold := a.cfg.WakeThreshold
		if playing && a.cfg.PlayingThreshold > 0 {
			threshold = a.cfg.PlayingThreshold
		}
		if a.deps.Wake.ProcessThreshold(clean.Samples, threshold) {
			a.wake(ctx, "model")
			state = a.deps.Gate.State()
		}
	}

	if a.deps.Speech != nil && state == gate.Active && !playing {
		speaking, err := a.deps.Speech.Process(clean)
		switch {
		case err != nil:
			if n, ok := a.vadErrors.Allow(); ok {
				a.logger.Warn("⚠️ speech detection failed", "err", err, "count", n)
			}
		case speaking:
			a.deps.Gate.NoteTraffic()
		}
	}

	action := a.deps.Gate.Uplink()
	if action == gate.Drop && a.remoteWake {
		action = gate.Send
	}
	a.deps.Metrics.RecordUplink(ctx, action.String())

	var out audio.Frame
	switch action {
	case gate.Drop:
		return
	case gate.Silence:
		out = audio.Silence(len(clean.Samples), clean.SampleRate)
	default:
		out = clean
	}
	a.send(ctx, out)
}

func (a *Assistant) send(ctx context.Context, f audio.Frame) {
	if a.transport == nil {
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, a.cfg.SendTimeout)
	err := a.transport.Send(sendCtx, f)
	cancel()
	if err == nil {
		return
	}
	if errors.Is(err, dialogue.ErrTransportClosed) || (errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil) {
		a.lostTransport(err)
		return
	}
	if n, ok := a.sendErrors.Allow(); ok {
		a.logger.Warn("⚠️ uplink send failed", "err", err, "count", n)
	}
}

// handleEvent applies one dialogue event.
func (a *Assistant) handleEvent(ctx context.Context, ev dialogue.Event) {
	switch ev.Kind {
	case dialogue.KindAudio:
		a.deps.Gate.NoteTraffic()
		if a.deps.Dispatcher.SuppressDownlink() || !a.deps.Gate.AcceptDownlink() {
			if n, ok := a.dropped.Allow(); ok {
				a.logger.Debug("dropping dialogue audio", "suppressed", a.deps.Dispatcher.SuppressDownlink(),
					"state", a.deps.Gate.State(), "count", n)
			}
			return
		}
		a.deps.Player.Enqueue(audio.Chunk{
			Source:     audio.SourceDialogue,
			Samples:    ev.Audio.Samples,
			SampleRate: ev.Audio.SampleRate,
		})

	case dialogue.KindTranscript:
		a.deps.Gate.NoteTraffic()
		if ev.Final {
			a.handleTranscript(ctx, ev.Text)
		}

	case dialogue.KindReply:
		a.deps.Gate.NoteTraffic()
		if ev.Final && ev.Text != "" {
			a.logger.Debug("dialogue reply", "text", ev.Text)
		}

	case dialogue.KindTurnDone:
		a.deps.Dispatcher.EndTurn()

	case dialogue.KindError:
		if errors.Is(ev.Err, dialogue.ErrTransportClosed) {
			a.lostTransport(ev.Err)
			return
		}
		a.logger.Warn("⚠️ dialogue service error", "err", ev.Err)
	}
}

// handleTranscript matches wake and sleep phrases, then offers the rest of
// the utterance to the local skills.
func (a *Assistant) handleTranscript(ctx context.Context, text string) {
	var woke bool
	if a.deps.Phrases != nil {
		if phrase, ok := a.deps.Phrases.MatchSleep(text); ok && a.deps.Gate.State() == gate.Active {
			a.logger.Info("💤 sleep phrase heard", "phrase", phrase)
			a.deps.Player.Flush()
			a.deps.Gate.Sleep("phrase")
			return
		}
		if phrase, rest, ok := a.deps.Phrases.MatchWake(text); ok {
			a.logger.Debug("wake phrase heard", "phrase", phrase)
			a.wake(ctx, "phrase")
			woke = true
			text = rest
		}
	}
	if text == "" || a.deps.Gate.State() != gate.Active {
		return
	}
	// The service may already be answering the same turn. Its audio goes
	// before the skill starts; waking has already flushed it and queued
	// the acknowledgement.
	if _, ok := a.deps.Dispatcher.Match(text); ok && !woke {
		a.deps.Player.Flush()
	}
	a.deps.Dispatcher.Dispatch(ctx, text)
}

// wake activates the gate; the gate hook prepares the audio path. Waking
// an active conversation is a barge-in: the deadline is extended and the
// assistant stops talking.
func (a *Assistant) wake(ctx context.Context, source string) {
	a.deps.Metrics.RecordWake(ctx, source)
	if !a.deps.Gate.Wake(source) {
		a.logger.Info("✋ barge-in", "source", source)
		a.prepare()
	}
}

func (a *Assistant) onWake(reason string) {
	a.prepare()
	a.deps.Metrics.RecordTransition(context.Background(), gate.Active.String(), reason)
}

// prepare readies the audio path for the user's next utterance.
func (a *Assistant) prepare() {
	if a.deps.AEC != nil {
		a.deps.AEC.Reset()
	}
	if n := a.deps.Player.Flush(); n > 0 {
		a.logger.Debug("barge-in flushed playback", "chunks", n)
	}
	a.deps.Player.SetDucked(true)
	if a.deps.Speech != nil {
		a.deps.Speech.Reset()
	}
	if ack := a.cfg.Acknowledgement; len(ack.Samples) > 0 {
		a.deps.Player.Enqueue(audio.Chunk{Source: audio.SourcePrompt, Samples: ack.Samples, SampleRate: ack.SampleRate})
	}
}

func (a *Assistant) onSleep(reason string) {
	a.deps.Player.SetDucked(false)
	a.deps.Dispatcher.EndTurn()
	if a.deps.OnSleep != nil {
		a.deps.OnSleep()
	}
	a.deps.Metrics.RecordTransition(context.Background(), gate.Standby.String(), reason)
}

// startDial opens a session on its own goroutine so a slow dial never
// stalls the frame loop.
func (a *Assistant) startDial(ctx context.Context) {
	if a.dialing || a.transport != nil || ctx.Err() != nil {
		return
	}
	a.dialing = true
	go func() {
		t, err := a.deps.Dial(ctx)
		a.dialed <- dialResult{transport: t, err: err}
	}()
}

func (a *Assistant) handleDial(ctx context.Context, res dialResult) {
	a.dialing = false
	if res.err != nil {
		a.logger.Warn("⚠️ dialogue connection failed", "err", res.err, "retry_in", a.backoff)
		a.scheduleRedial()
		return
	}
	if ctx.Err() != nil {
		_ = res.transport.Close()
		return
	}
	a.transport = res.transport
	a.sessions++
	a.backoff = a.cfg.RedialBackoff
	if a.sessions > 1 {
		// New session, new timing: drop what the canceller learned about
		// the old stream position.
		if a.deps.AEC != nil {
			a.deps.AEC.Reset()
		}
		a.deps.Metrics.TransportReconnects.Add(ctx, 1)
		a.logger.Info("🔄 dialogue session restored", "sessions", a.sessions)
	}
}

// lostTransport closes the current session and schedules a redial.
func (a *Assistant) lostTransport(cause error) {
	if a.transport == nil {
		return
	}
	a.logger.Warn("⚠️ dialogue session lost", "err", cause, "retry_in", a.backoff)
	if err := a.transport.Close(); err != nil {
		a.logger.Debug("dialogue close", "err", err)
	}
	a.transport = nil
	a.deps.Dispatcher.EndTurn()
	a.scheduleRedial()
}

func (a *Assistant) scheduleRedial() {
	if a.retry != nil {
		a.retry.Stop()
	}
	a.retry = time.NewTimer(a.backoff)
	a.backoff = min(a.backoff*2, a.cfg.RedialMaxBackoff)
}

func (a *Assistant) shutdown() {
	if a.retry != nil {
		a.retry.Stop()
	}
	if a.dialing {
		// The dial shares the cancelled context and returns promptly.
		if res := <-a.dialed; res.err == nil && res.transport != nil {
			_ = res.transport.Close()
		}
	}
	if a.transport != nil {
		_ = a.transport.Close()
		a.transport = nil
	}
	a.deps.Dispatcher.Wait()
	a.logger.Info("👋 assistant stopped", "frames", a.frames, "sessions", a.sessions)
}

// Connected reports whether a dialogue session is open. Only meaningful on
// the Run goroutine or after Run returned.
func (a *Assistant) Connected() bool {
	return a.transport != nil
}
