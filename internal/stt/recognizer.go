// Package stt provides offline speech-to-text for the local dialogue
// transport: Silero VAD segments the cleaned microphone stream and Whisper
// transcribes each completed segment.
package stt

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agalue/duplex-assistant/internal/sherpa"
)

// VAD configuration constants for speech detection.
const (
	// VADMinSpeechDuration is the minimum speech duration (in seconds) to trigger detection.
	// Value of 0.1s allows detection of short utterances like "yes" or "no".
	VADMinSpeechDuration = 0.1

	// VADMaxSpeechDuration is the maximum continuous speech duration (in seconds).
	VADMaxSpeechDuration = 30.0

	// VADWindowSize is the window size in samples for VAD processing (32ms at 16kHz).
	VADWindowSize = 512

	// VADBufferSize is the maximum audio buffer size in seconds for VAD.
	VADBufferSize = 60.0

	// segmentBuffer bounds completed segments waiting for transcription.
	segmentBuffer = 5
)

// Recognizer pairs a fast VAD with a slow Whisper transcriber. The two use
// independent locks so feeding audio never waits on a transcription.
type Recognizer struct {
	vad        *sherpa.VoiceActivityDetector // Voice activity detector (fast, <10ms)
	recognizer *sherpa.OfflineRecognizer     // Whisper transcriber (slow, 100-500ms)
	logger     *slog.Logger

	mu         sync.Mutex // Protects VAD access
	decodeMu   sync.Mutex // Protects recognizer access
	sampleRate int

	pending     []float32 // Samples not yet a full VAD window
	wasSpeaking atomic.Bool
	speechStart atomic.Int64 // Unix nanoseconds

	segments chan []float32
	closed   bool
}

// Config holds STT configuration.
type Config struct {
	VADModel           string
	VADThreshold       float32
	VADSilenceDuration float32 // Silence duration in seconds before speech is considered ended
	WhisperEncoder     string
	WhisperDecoder     string
	WhisperTokens      string
	SampleRate         int
	Provider           string // Hardware acceleration provider (cpu, cuda, coreml)
	Language           string // Speech recognition language (e.g., "en", "es", "auto")
	Verbose            bool
	VADThreads         int
	STTThreads         int
}

// NewRecognizer creates a new speech recognizer.
func NewRecognizer(cfg *Config, logger *slog.Logger) (*Recognizer, error) {
	if logger == nil {
		logger = slog.Default()
	}

	vadConfig := &sherpa.VadModelConfig{}
	vadConfig.SileroVad.Model = cfg.VADModel
	vadConfig.SileroVad.Threshold = cfg.VADThreshold
	vadConfig.SileroVad.MinSilenceDuration = cfg.VADSilenceDuration
	vadConfig.SileroVad.MinSpeechDuration = VADMinSpeechDuration
	vadConfig.SileroVad.MaxSpeechDuration = VADMaxSpeechDuration
	vadConfig.SileroVad.WindowSize = VADWindowSize
	vadConfig.SampleRate = cfg.SampleRate
	vadConfig.NumThreads = cfg.VADThreads
	vadConfig.Debug = 0
	if cfg.Verbose {
		vadConfig.Debug = 1
	}

	vad := sherpa.NewVoiceActivityDetector(vadConfig, VADBufferSize)
	if vad == nil {
		return nil, fmt.Errorf("failed to create VAD")
	}

	recognizerConfig := &sherpa.OfflineRecognizerConfig{}
	recognizerConfig.ModelConfig.Whisper.Encoder = cfg.WhisperEncoder
	recognizerConfig.ModelConfig.Whisper.Decoder = cfg.WhisperDecoder
	// "auto" -> "" (empty triggers auto-detection in Whisper)
	language := cfg.Language
	if strings.EqualFold(language, "auto") {
		language = ""
	}
	recognizerConfig.ModelConfig.Whisper.Language = language
	recognizerConfig.ModelConfig.Whisper.Task = "transcribe"
	recognizerConfig.ModelConfig.Whisper.TailPaddings = -1
	recognizerConfig.ModelConfig.Tokens = cfg.WhisperTokens
	recognizerConfig.ModelConfig.NumThreads = cfg.STTThreads
	recognizerConfig.ModelConfig.Provider = cfg.Provider
	recognizerConfig.DecodingMethod = "greedy_search"
	recognizerConfig.ModelConfig.Debug = 0
	if cfg.Verbose {
		recognizerConfig.ModelConfig.Debug = 1
	}

	recognizer := sherpa.NewOfflineRecognizer(recognizerConfig)
	if recognizer == nil {
		sherpa.DeleteVoiceActivityDetector(vad)
		return nil, fmt.Errorf("failed to create offline recognizer")
	}

	return &Recognizer{
		vad:        vad,
		recognizer: recognizer,
		logger:     logger,
		sampleRate: cfg.SampleRate,
		segments:   make(chan []float32, segmentBuffer),
	}, nil
}

// AcceptWaveform feeds samples to the VAD in whole windows and delivers
// completed segments on the segment channel without blocking.
func (r *Recognizer) AcceptWaveform(samples []float32) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.pending = append(r.pending, samples...)
	n := len(r.pending) / VADWindowSize * VADWindowSize
	if n > 0 {
		r.vad.AcceptWaveform(r.pending[:n])
		r.pending = append(r.pending[:0], r.pending[n:]...)
	}
	isSpeech := r.vad.IsSpeech()

	for !r.vad.IsEmpty() {
		segment := r.vad.Front()
		r.vad.Pop()
		if len(segment.Samples) == 0 {
			continue
		}
		// segment.Samples is reused by the VAD
		samplesCopy := make([]float32, len(segment.Samples))
		copy(samplesCopy, segment.Samples)
		select {
		case r.segments <- samplesCopy:
		default:
			r.logger.Warn("⚠️ segment channel full, dropping segment")
		}
	}
	r.mu.Unlock()

	wasSpeaking := r.wasSpeaking.Load()
	switch {
	case isSpeech && !wasSpeaking:
		r.logger.Debug("🎤 speech started")
		r.speechStart.Store(time.Now().UnixNano())
		r.wasSpeaking.Store(true)
	case !isSpeech && wasSpeaking:
		if start := r.speechStart.Load(); start > 0 {
			r.logger.Debug("🎤 speech ended", "duration", time.Duration(time.Now().UnixNano()-start))
		}
		r.wasSpeaking.Store(false)
	}
}

// SegmentChannel returns the channel of completed speech segments. It is
// closed by Close.
func (r *Recognizer) SegmentChannel() <-chan []float32 {
	return r.segments
}

// TranscribeSegment transcribes a completed speech segment.
func (r *Recognizer) TranscribeSegment(samples []float32) string {
	if len(samples) == 0 {
		return ""
	}
	r.decodeMu.Lock()
	defer r.decodeMu.Unlock()
	if r.recognizer == nil {
		return ""
	}

	r.logger.Debug("[STT] processing speech segment",
		"duration", time.Duration(len(samples))*time.Second/time.Duration(r.sampleRate))

	stream := sherpa.NewOfflineStream(r.recognizer)
	if stream == nil {
		r.logger.Error("[STT] failed to create offline stream")
		return ""
	}
	defer sherpa.DeleteOfflineStream(stream)

	stream.AcceptWaveform(r.sampleRate, samples)
	r.recognizer.Decode(stream)

	text := strings.TrimSpace(stream.GetResult().Text)
	if text != "" {
		r.logger.Info("🗣️ You: " + text)
	}
	return text
}

// Clear resets the VAD state.
func (r *Recognizer) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = r.pending[:0]
	if r.vad != nil {
		r.vad.Clear()
	}
}

// Close releases all resources.
func (r *Recognizer) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.segments)
	}
	if r.vad != nil {
		sherpa.DeleteVoiceActivityDetector(r.vad)
		r.vad = nil
	}
	r.mu.Unlock()

	r.decodeMu.Lock()
	defer r.decodeMu.Unlock()
	if r.recognizer != nil {
		sherpa.DeleteOfflineRecognizer(r.recognizer)
		r.recognizer = nil
	}
}
