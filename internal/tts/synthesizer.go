// Package tts provides text-to-speech using sherpa-onnx Kokoro models. It
// voices local replies and the spoken wake acknowledgement.
package tts

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/agalue/duplex-assistant/internal/sherpa"
)

// KokoroSampleRate is the native output rate of Kokoro models.
const KokoroSampleRate = 24000

// ErrEmptyText is returned when there is nothing to synthesize.
var ErrEmptyText = errors.New("empty text")

// Synthesizer handles text-to-speech synthesis using Kokoro models.
type Synthesizer struct {
	tts        *sherpa.OfflineTts
	sampleRate int
	speakerID  int
	speed      float32
	logger     *slog.Logger
	mu         sync.Mutex // Protects TTS engine access
}

// Config holds TTS configuration.
type Config struct {
	Model      string // Path to model.onnx
	Voices     string // Path to voices.bin
	Tokens     string // Path to tokens.txt
	DataDir    string // espeak-ng-data directory
	Lexicon    string // Path to lexicon.txt (optional)
	Language   string // Language code for multi-lingual models (e.g., "en-gb", "en-us")
	SpeakerID  int
	Speed      float32
	Provider   string // Hardware acceleration provider (cpu, cuda, coreml)
	Verbose    bool
	TTSThreads int
}

// AudioOutput contains generated audio data.
type AudioOutput struct {
	Samples    []float32 // Mono samples in [-1, 1]
	SampleRate int
}

// NewSynthesizer creates a new TTS synthesizer.
func NewSynthesizer(cfg *Config, logger *slog.Logger) (*Synthesizer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Speed <= 0 {
		cfg.Speed = 1
	}

	ttsConfig := &sherpa.OfflineTtsConfig{}
	ttsConfig.Model.Kokoro.Model = cfg.Model
	ttsConfig.Model.Kokoro.Voices = cfg.Voices
	ttsConfig.Model.Kokoro.Tokens = cfg.Tokens
	ttsConfig.Model.Kokoro.DataDir = cfg.DataDir
	ttsConfig.Model.Kokoro.Lexicon = cfg.Lexicon
	ttsConfig.Model.Kokoro.Lang = cfg.Language           // Required for multi-lingual Kokoro v1.0+
	ttsConfig.Model.Kokoro.LengthScale = 1.0 / cfg.Speed // Inverse for speed control
	ttsConfig.Model.NumThreads = max(cfg.TTSThreads, 1)
	ttsConfig.Model.Provider = cfg.Provider
	ttsConfig.MaxNumSentences = 1 // Kokoro TTS only supports 1
	ttsConfig.Model.Debug = 0
	if cfg.Verbose {
		ttsConfig.Model.Debug = 1
	}

	tts := sherpa.NewOfflineTts(ttsConfig)
	if tts == nil {
		return nil, fmt.Errorf("failed to create TTS synthesizer")
	}

	return &Synthesizer{
		tts:        tts,
		sampleRate: KokoroSampleRate,
		speakerID:  cfg.SpeakerID,
		speed:      cfg.Speed,
		logger:     logger,
	}, nil
}

// Synthesize converts text to audio in one call.
func (s *Synthesizer) Synthesize(text string) (*AudioOutput, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyText
	}
	return s.generate(text)
}

// SynthesizeEach splits text into sentences and hands each synthesized
// sentence to fn as soon as it is ready, so playback can start before the
// whole reply is voiced. Sentences that fail to synthesize are skipped.
func (s *Synthesizer) SynthesizeEach(text string, fn func(*AudioOutput) error) error {
	sentences := SplitSentences(text)
	if len(sentences) == 0 {
		return ErrEmptyText
	}
	produced := 0
	for _, sentence := range sentences {
		out, err := s.generate(sentence)
		if err != nil {
			s.logger.Warn("⚠️ sentence synthesis failed", "sentence", sentence, "err", err)
			continue
		}
		produced++
		if err := fn(out); err != nil {
			return err
		}
	}
	if produced == 0 {
		return fmt.Errorf("TTS generation failed for all sentences")
	}
	return nil
}

func (s *Synthesizer) generate(text string) (*AudioOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tts == nil {
		return nil, fmt.Errorf("synthesizer closed")
	}

	s.logger.Debug("[TTS] synthesizing", "text", text)
	audio := s.tts.Generate(text, s.speakerID, s.speed)
	if audio == nil || len(audio.Samples) == 0 {
		return nil, fmt.Errorf("TTS generation failed")
	}
	s.logger.Debug("🎵 generated speech", "samples", len(audio.Samples))

	return &AudioOutput{
		Samples:    audio.Samples,
		SampleRate: int(audio.SampleRate),
	}, nil
}

// SplitSentences splits text into sentences for streaming synthesis.
func SplitSentences(text string) []string {
	var sentences []string
	var current strings.Builder

	flush := func() {
		if trimmed := strings.TrimSpace(current.String()); trimmed != "" {
			sentences = append(sentences, trimmed)
		}
		current.Reset()
	}
	for _, c := range text {
		current.WriteRune(c)
		if c == '.' || c == '!' || c == '?' || c == '\n' {
			flush()
		}
	}
	flush()
	return sentences
}

// SampleRate returns the output sample rate.
func (s *Synthesizer) SampleRate() int {
	return s.sampleRate
}

// Close releases all resources.
func (s *Synthesizer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tts != nil {
		sherpa.DeleteOfflineTts(s.tts)
		s.tts = nil
	}
}
