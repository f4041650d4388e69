// Duplex Voice Assistant - a real-time audio front end using sherpa-onnx
//
// This program bridges a live two-way audio stream with a speech dialogue
// service:
// - Wake word gating (sherpa-onnx keyword spotter, transcript phrases)
// - Acoustic echo cancellation with static delay compensation
// - Jitter-buffered playback with self-speech muting and media ducking
// - Dialogue over WebSocket, or offline with Whisper, Ollama and Kokoro
// - Local skills that take over a turn
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/agalue/duplex-assistant/internal/aec"
	"github.com/agalue/duplex-assistant/internal/assistant"
	"github.com/agalue/duplex-assistant/internal/audio"
	"github.com/agalue/duplex-assistant/internal/config"
	"github.com/agalue/duplex-assistant/internal/dialogue"
	"github.com/agalue/duplex-assistant/internal/dispatch"
	"github.com/agalue/duplex-assistant/internal/gate"
	"github.com/agalue/duplex-assistant/internal/llm"
	"github.com/agalue/duplex-assistant/internal/observe"
	"github.com/agalue/duplex-assistant/internal/speech"
	"github.com/agalue/duplex-assistant/internal/stt"
	"github.com/agalue/duplex-assistant/internal/tts"
	"github.com/agalue/duplex-assistant/internal/wakeword"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("❌ assistant failed", "err", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.ParseFlags(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level()}))
	slog.SetDefault(logger)

	switch {
	case cfg.ListDevices:
		return listDevices()
	case cfg.ListVoices:
		config.PrintVoices()
		return nil
	case cfg.VoiceInfo != "":
		return config.PrintVoiceInfo(cfg.VoiceInfo)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration error:\n%w", err)
	}

	logger.Info("🎤 Voice Assistant starting...", "version", version, "audio", audio.Backend, "dialogue", cfg.Dialogue.Mode)
	logger.Info("⚡ acceleration", "stt", cfg.Hardware.STTProvider, "tts", cfg.Hardware.TTSProvider, "kws", cfg.Hardware.KWSProvider)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			logger.Warn("⚠️ metrics shutdown", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// Kokoro voices local replies, the wake acknowledgement and skills.
	var synth *tts.Synthesizer
	if cfg.Dialogue.Mode == config.ModeLocal || cfg.Wake.Acknowledgement != "" {
		logger.Info("🔊 Loading text-to-speech models...", "voice", cfg.Local.TTSVoice, "speaker", cfg.Local.TTSSpeakerID)
		synth, err = tts.NewSynthesizer(&tts.Config{
			Model:      cfg.Paths.TTSModel,
			Voices:     cfg.Paths.TTSVoices,
			Tokens:     cfg.Paths.TTSTokens,
			DataDir:    cfg.Paths.TTSData,
			Lexicon:    cfg.Paths.TTSLexicon,
			Language:   cfg.Paths.TTSLanguage, // Required for multi-lingual Kokoro v1.0+
			SpeakerID:  cfg.Local.TTSSpeakerID,
			Speed:      cfg.Local.TTSSpeed,
			Provider:   cfg.Hardware.TTSProvider,
			Verbose:    cfg.Verbose,
			TTSThreads: cfg.Hardware.TTSThreads,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create TTS synthesizer: %w", err)
		}
		defer synth.Close()
		logger.Info("✅ Text-to-speech ready")
	}

	var ack audio.Frame
	if cfg.Wake.Acknowledgement != "" {
		if ack, err = speak(synth, cfg.Wake.Acknowledgement); err != nil {
			logger.Warn("⚠️ acknowledgement synthesis failed, waking silently", "err", err)
		}
	}

	conversation := gate.New(gate.Config{
		Timeout:        cfg.Gate.Timeout,
		Discard:        cfg.Gate.Discard,
		SelfSpeechHold: cfg.Gate.SelfSpeechHold,
	}, logger)
	phrases := wakeword.NewPhraseMatcher(cfg.Wake.Phrases, cfg.Wake.SleepPhrases)

	dial, onSleep, closeDialogue, err := newDialer(ctx, cfg, synth, assistant.LocalTurns(conversation, phrases), logger)
	if err != nil {
		return err
	}
	defer closeDialogue()

	var canceller *aec.Canceller
	if cfg.AEC.Enabled {
		canceller = aec.New(aec.Config{
			SampleRate:        cfg.Audio.ProcessingRate,
			FrameSize:         cfg.Audio.FrameSize,
			DelayMs:           cfg.AEC.DelayMs,
			FilterTaps:        cfg.AEC.FilterTaps,
			StepSize:          cfg.AEC.StepSize,
			BufferFrames:      aec.DefaultBufferFrames,
			NoiseSuppression:  cfg.AEC.NoiseSuppression,
			ResetCoefficients: cfg.AEC.ResetCoefficients,
		}, logger)
		canceller.OnFailure(func() { metrics.AECFailures.Add(ctx, 1) })
	}

	var detector *wakeword.Detector
	if cfg.Wake.Enabled {
		detector = wakeword.NewDetector(wakeword.Config{
			Threshold:  float32(cfg.Wake.Threshold),
			Cooldown:   cfg.Wake.Cooldown,
			BlockSize:  cfg.Wake.BlockSize,
			SampleRate: cfg.Audio.ProcessingRate,
		}, wakeword.SherpaLoader(wakeword.SherpaConfig{
			Encoder:      cfg.Paths.KWSEncoder,
			Decoder:      cfg.Paths.KWSDecoder,
			Joiner:       cfg.Paths.KWSJoiner,
			Tokens:       cfg.Paths.KWSTokens,
			KeywordsFile: cfg.Paths.KWSKeywords,
			SampleRate:   cfg.Audio.ProcessingRate,
			Provider:     cfg.Hardware.KWSProvider,
			NumThreads:   cfg.Hardware.KWSThreads,
			Verbose:      cfg.Verbose,
		}), logger)
		detector.Initialize()
		defer detector.Close()
	}

	var vad assistant.SpeechDetector
	if cfg.Audio.SpeechDetection {
		d, err := speech.NewWebRTCDetector(speech.Config{SampleRate: cfg.Audio.ProcessingRate, Mode: cfg.Audio.SpeechMode})
		if err != nil {
			logger.Warn("⚠️ speech detection disabled", "err", err)
		} else {
			vad = d
		}
	}

	mic, speaker, closeDevices, err := audio.OpenDevices(
		audio.DeviceSpec{Name: cfg.Audio.InputDevice, Index: cfg.Audio.InputIndex, SampleRate: cfg.Audio.CaptureRate, BufferMs: cfg.Audio.BufferMs},
		audio.DeviceSpec{Name: cfg.Audio.OutputDevice, Index: cfg.Audio.OutputIndex, SampleRate: cfg.Audio.OutputRate, BufferMs: cfg.Audio.BufferMs},
		cfg.Audio.CaptureChunk, logger)
	if err != nil {
		return fmt.Errorf("failed to open audio devices: %w", err)
	}
	defer func() {
		if err := closeDevices(); err != nil {
			logger.Warn("⚠️ closing audio devices", "err", err)
		}
	}()

	queueFrames := max(int(cfg.Audio.CaptureQueue.Seconds()*float64(cfg.Audio.CaptureRate))/cfg.Audio.CaptureChunk, 1)
	queue := audio.NewFrameQueue("capture", queueFrames, logger)
	queue.OnDrop(func() { metrics.CaptureDrops.Add(ctx, 1) })

	capture := audio.NewCaptureWorker(mic, queue, audio.CaptureConfig{
		ChunkSize:  cfg.Audio.CaptureChunk,
		SampleRate: cfg.Audio.CaptureRate,
	}, logger)
	capture.OnError(func(kind string) { metrics.RecordCaptureError(ctx, kind) })

	// A nil *aec.Canceller must not become a non-nil interface.
	var ref audio.ReferenceSink
	var echo assistant.EchoCanceller
	if canceller != nil {
		ref, echo = canceller, canceller
	}
	player := audio.NewPlaybackWorker(speaker, ref, audio.PlaybackConfig{
		DeviceRate:     cfg.Audio.OutputRate,
		ProcessingRate: cfg.Audio.ProcessingRate,
		QueueChunks:    cfg.Audio.PlaybackQueue,
		DuckGain:       cfg.Audio.DuckGain,
	}, logger)
	player.OnPlayed(func(src audio.Source) { metrics.RecordPlayback(ctx, src.String()) })

	dispatcher := dispatch.New(logger, skills(synth, player, logger)...)

	asst, err := assistant.New(assistant.Config{
		CaptureRate:      cfg.Audio.CaptureRate,
		ProcessingRate:   cfg.Audio.ProcessingRate,
		FrameSize:        cfg.Audio.FrameSize,
		WakeThreshold:    float32(cfg.Wake.Threshold),
		PlayingThreshold: float32(cfg.Wake.PlayingThreshold),
		Acknowledgement:  ack,
		SendTimeout:      cfg.Dialogue.SendTimeout,
		RedialBackoff:    cfg.Dialogue.RedialBackoff,
		RedialMaxBackoff: cfg.Dialogue.RedialMaxBackoff,
	}, assistant.Deps{
		Queue:      queue,
		Faults:     capture.Faults(),
		Player:     player,
		AEC:        echo,
		Wake:       detector,
		Speech:     vad,
		Phrases:    phrases,
		Gate:       conversation,
		Dispatcher: dispatcher,
		Dial:       dial,
		Metrics:    metrics,
		OnSleep:    onSleep,
	}, logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		capture.Run()
		return nil
	})
	g.Go(func() error {
		player.Run()
		return nil
	})
	g.Go(func() error {
		defer player.Stop()
		defer capture.Stop()
		return asst.Run(gctx)
	})
	if cfg.MetricsAddr != "" {
		serveMetrics(gctx, g, cfg.MetricsAddr, logger)
	}
	if cfg.Audio.MediaFile != "" {
		media, err := audio.ReadWAV(cfg.Audio.MediaFile)
		if err != nil {
			logger.Warn("⚠️ background media disabled", "err", err)
		} else {
			g.Go(func() error {
				if err := assistant.StreamMedia(gctx, player, media, 100*time.Millisecond, true); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
		}
	}

	logger.Info("✅ Voice assistant ready! Say the wake word to start. Press Ctrl+C to exit.",
		"wake_phrases", cfg.Wake.Phrases, "timeout", cfg.Gate.Timeout)

	err = g.Wait()
	logger.Info("👋 Goodbye!")
	return err
}

// newDialer builds the dialogue transport factory for the configured mode.
// The returned onSleep hook and cleanup are never nil.
func newDialer(ctx context.Context, cfg *config.Config, synth *tts.Synthesizer, turns dialogue.TurnFilter, logger *slog.Logger) (dialogue.Dialer, func(), func(), error) {
	if cfg.Dialogue.Mode == config.ModeWebSocket {
		dial := dialogue.WebSocketDialer(dialogue.WebSocketConfig{
			URL:          cfg.Dialogue.URL,
			Token:        cfg.Dialogue.Token,
			UplinkRate:   cfg.Audio.ProcessingRate,
			DownlinkRate: cfg.Dialogue.DownlinkRate,
			DialTimeout:  cfg.Dialogue.DialTimeout,
			SendTimeout:  cfg.Dialogue.SendTimeout,
		}, logger)
		return dial, func() {}, func() {}, nil
	}

	llmClient, err := llm.NewClient(&llm.Config{
		Host:         cfg.Local.OllamaURL,
		Model:        cfg.Local.OllamaModel,
		SystemPrompt: cfg.Local.SystemPrompt,
		Temperature:  cfg.Local.Temperature,
		MaxHistory:   cfg.Local.MaxHistory,
	}, logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create LLM client: %w", err)
	}
	logger.Info("🔗 Checking Ollama connection...", "url", cfg.Local.OllamaURL)
	if err := llmClient.HealthCheck(ctx); err != nil {
		return nil, nil, nil, fmt.Errorf("ollama connection failed: %w", err)
	}
	logger.Info("✅ Ollama connected", "model", cfg.Local.OllamaModel)

	logger.Info("🧠 Loading speech recognition models...")
	recognizer, err := stt.NewRecognizer(&stt.Config{
		VADModel:           cfg.Paths.VADModel,
		VADThreshold:       cfg.Local.VADThreshold,
		VADSilenceDuration: cfg.Local.VADSilenceDuration,
		WhisperEncoder:     cfg.Paths.WhisperEncoder,
		WhisperDecoder:     cfg.Paths.WhisperDecoder,
		WhisperTokens:      cfg.Paths.WhisperTokens,
		SampleRate:         cfg.Audio.ProcessingRate,
		Provider:           cfg.Hardware.STTProvider,
		Language:           cfg.Local.STTLanguage,
		Verbose:            cfg.Verbose,
		VADThreads:         cfg.Hardware.VADThreads,
		STTThreads:         cfg.Hardware.STTThreads,
	}, logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create STT recognizer: %w", err)
	}
	logger.Info("✅ Speech recognition ready")

	dial := dialogue.LocalDialer(recognizer, llmClient, synth, turns, logger)
	onSleep := func() {
		llmClient.ClearHistory()
		recognizer.Clear()
	}
	return dial, onSleep, recognizer.Close, nil
}

// skills returns the built-in local skills.
func skills(synth *tts.Synthesizer, player *audio.PlaybackWorker, logger *slog.Logger) []dispatch.Rule {
	say := func(text string) error {
		logger.Info("🤖 Assistant: " + text)
		if synth == nil {
			return nil
		}
		f, err := speak(synth, text)
		if err != nil {
			return err
		}
		player.Enqueue(audio.Chunk{Source: audio.SourcePrompt, Samples: f.Samples, SampleRate: f.SampleRate})
		return nil
	}

	return []dispatch.Rule{
		dispatch.KeywordRule("stop", []string{"stop", "be quiet", "shut up"}, func(context.Context, string) error {
			player.Flush()
			return nil
		}),
		dispatch.KeywordRule("time", []string{"what time", "the time"}, func(context.Context, string) error {
			return say(fmt.Sprintf("It is %s.", time.Now().Format("3:04 PM")))
		}),
		dispatch.KeywordRule("date", []string{"what day", "the date", "today's date"}, func(context.Context, string) error {
			return say(fmt.Sprintf("Today is %s.", time.Now().Format("Monday, January 2")))
		}),
	}
}

// speak synthesizes text as one PCM16 frame.
func speak(synth *tts.Synthesizer, text string) (audio.Frame, error) {
	if synth == nil {
		return audio.Frame{}, errors.New("no synthesizer loaded")
	}
	out, err := synth.Synthesize(text)
	if err != nil {
		return audio.Frame{}, err
	}
	return audio.Frame{Samples: audio.Float32ToInt16(out.Samples), SampleRate: out.SampleRate}, nil
}

func serveMetrics(ctx context.Context, g *errgroup.Group, addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g.Go(func() error {
		logger.Info("📈 serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

func listDevices() error {
	for _, capture := range []bool{true, false} {
		title := "Playback devices"
		if capture {
			title = "Capture devices"
		}
		devices, err := audio.ListMalgoDevices(capture)
		if err != nil {
			return err
		}
		fmt.Printf("%s:\n", title)
		for _, d := range devices {
			mark := " "
			if d.IsDefault {
				mark = "*"
			}
			fmt.Printf("  %s %2d  %s\n", mark, d.Index, d.Name)
		}
		fmt.Println()
	}
	return nil
}
