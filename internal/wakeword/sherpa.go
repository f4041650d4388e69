package wakeword

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/agalue/duplex-assistant/internal/audio"
	"github.com/agalue/duplex-assistant/internal/sherpa"
)

// SherpaConfig configures the sherpa-onnx keyword spotter (transducer KWS models).
type SherpaConfig struct {
	Encoder      string
	Decoder      string
	Joiner       string
	Tokens       string
	KeywordsFile string // One tokenized keyword per line

	KeywordsScore     float32 // Boosting score for keyword tokens
	KeywordsThreshold float32 // Trigger threshold inside the spotter
	SampleRate        int
	Provider          string // Hardware acceleration provider (cpu, cuda, coreml)
	NumThreads        int
	Verbose           bool
}

// Files returns the model files the spotter needs.
func (c SherpaConfig) Files() []string {
	return []string{c.Encoder, c.Decoder, c.Joiner, c.Tokens, c.KeywordsFile}
}

// SherpaScorer reports 1 for a block that completes a keyword and 0 otherwise.
type SherpaScorer struct {
	spotter    *sherpa.KeywordSpotter
	stream     *sherpa.OnlineStream
	sampleRate int
	keyword    string // Last keyword spotted
}

// NewSherpaScorer creates the spotter and its stream.
func NewSherpaScorer(cfg SherpaConfig) (*SherpaScorer, error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	kwsConfig := &sherpa.KeywordSpotterConfig{}
	kwsConfig.FeatConfig.SampleRate = cfg.SampleRate
	kwsConfig.FeatConfig.FeatureDim = 80
	kwsConfig.ModelConfig.Transducer.Encoder = cfg.Encoder
	kwsConfig.ModelConfig.Transducer.Decoder = cfg.Decoder
	kwsConfig.ModelConfig.Transducer.Joiner = cfg.Joiner
	kwsConfig.ModelConfig.Tokens = cfg.Tokens
	kwsConfig.ModelConfig.NumThreads = max(cfg.NumThreads, 1)
	kwsConfig.ModelConfig.Provider = cfg.Provider
	kwsConfig.ModelConfig.Debug = 0
	if cfg.Verbose {
		kwsConfig.ModelConfig.Debug = 1
	}
	kwsConfig.MaxActivePaths = 4
	kwsConfig.KeywordsFile = cfg.KeywordsFile
	kwsConfig.KeywordsScore = cfg.KeywordsScore
	kwsConfig.KeywordsThreshold = cfg.KeywordsThreshold

	spotter := sherpa.NewKeywordSpotter(kwsConfig)
	if spotter == nil {
		return nil, fmt.Errorf("failed to create keyword spotter")
	}
	stream := sherpa.NewKeywordStream(spotter)
	if stream == nil {
		sherpa.DeleteKeywordSpotter(spotter)
		return nil, fmt.Errorf("failed to create keyword stream")
	}
	return &SherpaScorer{spotter: spotter, stream: stream, sampleRate: cfg.SampleRate}, nil
}

// SherpaLoader returns a Loader that checks the model files before loading.
func SherpaLoader(cfg SherpaConfig) Loader {
	return func() (Scorer, error) {
		var missing []error
		for _, path := range cfg.Files() {
			if path == "" {
				missing = append(missing, errors.New("keyword spotter path not configured"))
				continue
			}
			if _, err := os.Stat(path); err != nil {
				missing = append(missing, fmt.Errorf("keyword spotter file: %w", err))
			}
		}
		if err := errors.Join(missing...); err != nil {
			return nil, err
		}
		return NewSherpaScorer(cfg)
	}
}

// Score feeds the block to the spotter and decodes whatever is ready.
func (s *SherpaScorer) Score(block []int16) (float32, error) {
	if s.spotter == nil {
		return 0, ErrNoScorer
	}
	s.stream.AcceptWaveform(s.sampleRate, audio.Int16ToFloat32(block))

	var score float32
	for s.spotter.IsReady(s.stream) {
		s.spotter.Decode(s.stream)
		result := s.spotter.GetResult(s.stream)
		if result == nil || strings.TrimSpace(result.Keyword) == "" {
			continue
		}
		s.keyword = result.Keyword
		score = 1
		// Start over so the same keyword is not reported again.
		s.restart()
	}
	return score, nil
}

// Keyword returns the last spotted keyword.
func (s *SherpaScorer) Keyword() string {
	return s.keyword
}

// Reset drops the decoder state.
func (s *SherpaScorer) Reset() {
	if s.spotter != nil {
		s.restart()
	}
}

func (s *SherpaScorer) restart() {
	sherpa.DeleteOnlineStream(s.stream)
	s.stream = sherpa.NewKeywordStream(s.spotter)
}

// Close releases the spotter.
func (s *SherpaScorer) Close() error {
	if s.stream != nil {
		sherpa.DeleteOnlineStream(s.stream)
		s.stream = nil
	}
	if s.spotter != nil {
		sherpa.DeleteKeywordSpotter(s.spotter)
		s.spotter = nil
	}
	return nil
}
