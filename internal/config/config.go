// Package config provides configuration and CLI argument parsing for the voice assistant.
//
// Values are layered, lowest precedence first: defaults, the YAML file named
// by -config, .env and ASSISTANT_* environment variables, command-line flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/agalue/duplex-assistant/internal/sherpa"
)

// Dialogue modes.
const (
	ModeLocal     = "local"     // VAD + Whisper + Ollama + Kokoro on this machine
	ModeWebSocket = "websocket" // Remote speech dialogue service
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ASSISTANT_"

// Config holds all configuration for the voice assistant.
type Config struct {
	ModelDir    string `yaml:"model_dir"`    // Base directory containing all model files
	LogLevel    string `yaml:"log_level"`    // debug, info, warn, error
	Verbose     bool   `yaml:"verbose"`      // Also enables sherpa-onnx debug output
	MetricsAddr string `yaml:"metrics_addr"` // Prometheus listener, empty disables

	Audio    AudioConfig    `yaml:"audio"`
	AEC      AECConfig      `yaml:"aec"`
	Wake     WakeConfig     `yaml:"wake"`
	Gate     GateConfig     `yaml:"gate"`
	Dialogue DialogueConfig `yaml:"dialogue"`
	Local    LocalConfig    `yaml:"local"`
	Hardware HardwareConfig `yaml:"hardware"`

	// Derived from ModelDir and the selected voice.
	Paths ModelPaths `yaml:"-"`

	// One-shot commands requested on the command line.
	ListDevices bool   `yaml:"-"`
	ListVoices  bool   `yaml:"-"`
	VoiceInfo   string `yaml:"-"`

	postParse func()
}

// AudioConfig covers devices, rates and buffering.
type AudioConfig struct {
	InputDevice    string        `yaml:"input_device"`  // Name substring, empty for default
	InputIndex     int           `yaml:"input_index"`   // Fallback index, -1 for default
	OutputDevice   string        `yaml:"output_device"` // Name substring, empty for default
	OutputIndex    int           `yaml:"output_index"`  // Fallback index, -1 for default
	CaptureRate    int           `yaml:"capture_rate"`
	OutputRate     int           `yaml:"output_rate"`
	ProcessingRate int           `yaml:"processing_rate"` // AEC, wake word and uplink rate
	FrameSize      int           `yaml:"frame_size"`      // Samples per processing frame
	CaptureChunk   int           `yaml:"capture_chunk"`   // Samples per device read
	CaptureQueue   time.Duration `yaml:"capture_queue"`   // Audio held between capture and the event loop
	PlaybackQueue  int           `yaml:"playback_queue"`  // Jitter buffer capacity in chunks
	BufferMs       uint32        `yaml:"buffer_ms"`       // Device period; 0 = backend default
	DuckGain       float64       `yaml:"duck_gain"`       // Media volume while a conversation is active
	MediaFile      string        `yaml:"media_file"`      // WAV played in the background, ducked while active

	// SpeechDetection runs WebRTC VAD on the cleaned microphone stream so user
	// speech keeps the conversation open.
	SpeechDetection bool `yaml:"speech_detection"`
	SpeechMode      int  `yaml:"speech_mode"`
}

// AECConfig configures the echo canceller.
type AECConfig struct {
	Enabled           bool    `yaml:"enabled"`
	DelayMs           int     `yaml:"delay_ms"`
	FilterTaps        int     `yaml:"filter_taps"`
	StepSize          float64 `yaml:"step_size"`
	NoiseSuppression  bool    `yaml:"noise_suppression"`
	ResetCoefficients bool    `yaml:"reset_coefficients"`
}

// WakeConfig configures wake-word and wake/sleep phrase detection.
type WakeConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Threshold        float64       `yaml:"threshold"`
	PlayingThreshold float64       `yaml:"playing_threshold"` // Used while the assistant is talking
	Cooldown         time.Duration `yaml:"cooldown"`
	BlockSize        int           `yaml:"block_size"`
	KeywordsFile     string        `yaml:"keywords_file"` // Empty selects <model_dir>/kws/keywords.txt
	Phrases          []string      `yaml:"phrases"`       // Wake phrases matched in transcripts
	SleepPhrases     []string      `yaml:"sleep_phrases"`
	Acknowledgement  string        `yaml:"acknowledgement"` // Spoken on wake, empty disables
}

// GateConfig configures the conversation gate.
type GateConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	Discard        time.Duration `yaml:"discard"`
	SelfSpeechHold time.Duration `yaml:"self_speech_hold"`
}

// DialogueConfig selects and configures the dialogue service.
type DialogueConfig struct {
	Mode             string        `yaml:"mode"`
	URL              string        `yaml:"url"`
	Token            string        `yaml:"token"`
	DownlinkRate     int           `yaml:"downlink_rate"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	SendTimeout      time.Duration `yaml:"send_timeout"` // A slower uplink write drops the session
	RedialBackoff    time.Duration `yaml:"redial_backoff"`
	RedialMaxBackoff time.Duration `yaml:"redial_max_backoff"`
}

// LocalConfig configures the offline dialogue stack.
type LocalConfig struct {
	VADThreshold       float32 `yaml:"vad_threshold"`
	VADSilenceDuration float32 `yaml:"vad_silence_duration"` // Seconds before speech is considered ended
	STTLanguage        string  `yaml:"stt_language"`         // e.g. "en", "es", "auto"

	OllamaURL    string  `yaml:"ollama_url"`
	OllamaModel  string  `yaml:"ollama_model"`
	SystemPrompt string  `yaml:"system_prompt"`
	MaxHistory   int     `yaml:"max_history"`
	Temperature  float32 `yaml:"temperature"` // 0.0-2.0, lower=deterministic

	TTSVoice     string  `yaml:"tts_voice"`      // e.g. "af_bella"
	TTSSpeakerID int     `yaml:"tts_speaker_id"` // af_bella=2 in v1.0
	TTSSpeed     float32 `yaml:"tts_speed"`
}

// HardwareConfig selects acceleration providers and thread counts.
// Empty providers and zero thread counts are auto-detected.
type HardwareConfig struct {
	Provider    string `yaml:"provider"`     // cpu, cuda, coreml
	STTProvider string `yaml:"stt_provider"` // Overrides Provider for speech recognition
	TTSProvider string `yaml:"tts_provider"` // Overrides Provider for speech synthesis
	KWSProvider string `yaml:"kws_provider"` // Overrides Provider for keyword spotting
	NumThreads  int    `yaml:"num_threads"`
	VADThreads  int    `yaml:"vad_threads"`
	STTThreads  int    `yaml:"stt_threads"`
	TTSThreads  int    `yaml:"tts_threads"`
	KWSThreads  int    `yaml:"kws_threads"`
}

// ModelPaths are the model files derived from ModelDir.
type ModelPaths struct {
	VADModel string

	WhisperEncoder string
	WhisperDecoder string
	WhisperTokens  string

	TTSModel    string // model.onnx
	TTSVoices   string // voices.bin
	TTSTokens   string // tokens.txt
	TTSData     string // espeak-ng-data
	TTSLexicon  string
	TTSLanguage string // Language code for multi-lingual models (e.g., "en-gb")

	KWSEncoder  string
	KWSDecoder  string
	KWSJoiner   string
	KWSTokens   string
	KWSKeywords string
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		ModelDir: filepath.Join(homeDir, ".duplex-assistant", "models"),
		LogLevel: "info",

		Audio: AudioConfig{
			InputIndex:      -1,
			OutputIndex:     -1,
			CaptureRate:     48000,
			OutputRate:      48000,
			ProcessingRate:  16000,
			FrameSize:       160, // 10ms
			CaptureChunk:    480, // 10ms at 48kHz
			CaptureQueue:    5 * time.Second,
			PlaybackQueue:   256,
			DuckGain:        0.125, // About -18 dB
			SpeechDetection: true,
			SpeechMode:      2,
		},
		AEC: AECConfig{
			Enabled:          true,
			DelayMs:          200,
			FilterTaps:       256,
			StepSize:         0.5,
			NoiseSuppression: true,
		},
		Wake: WakeConfig{
			Enabled:          true,
			Threshold:        0.5,
			PlayingThreshold: 0.3,
			Cooldown:         2 * time.Second,
			BlockSize:        1280,
			Phrases:          []string{"hey assistant"},
			SleepPhrases:     []string{"go to sleep", "goodbye"},
		},
		Gate: GateConfig{
			Timeout:        15 * time.Second,
			Discard:        300 * time.Millisecond,
			SelfSpeechHold: time.Second,
		},
		Dialogue: DialogueConfig{
			Mode:             ModeLocal,
			DownlinkRate:     24000,
			DialTimeout:      10 * time.Second,
			SendTimeout:      time.Second,
			RedialBackoff:    time.Second,
			RedialMaxBackoff: 30 * time.Second,
		},
		Local: LocalConfig{
			VADThreshold:       0.5,
			VADSilenceDuration: 0.8, // Allow 800ms pauses in natural speech
			STTLanguage:        "en",
			OllamaURL:          "http://localhost:11434",
			OllamaModel:        "gemma3:1b",
			SystemPrompt:       "You are a helpful voice assistant. Keep responses brief and concise, maximum 2-3 short sentences. Be conversational and natural for speech output. IMPORTANT: Your responses will be read aloud, so you must NEVER use markdown, asterisks, underscores, backticks, brackets, code blocks, bullet points, numbered lists, special characters, or any formatting. Use only plain text with normal punctuation. Speak naturally as if having a conversation.",
			MaxHistory:         10,
			Temperature:        0.7,
			TTSVoice:           "af_bella", // American female Bella (A- grade, most expressive)
			TTSSpeakerID:       2,
			TTSSpeed:           0.93,
		},
	}
}

// ParseFlags builds the configuration from all sources. args excludes the
// program name. The result is finalized but not validated, so one-shot
// commands like -list-devices work without model files.
func ParseFlags(args []string) (*Config, error) {
	cfg := DefaultConfig()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}
	if path := configPath(args); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	flags := flag.NewFlagSet("assistant", flag.ContinueOnError)
	cfg.RegisterFlags(flags)
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	cfg.Finalize()
	return cfg, nil
}

// configPath finds -config ahead of the full flag parse, since the file
// must be applied before flags override it.
func configPath(args []string) string {
	for i, arg := range args {
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if !strings.HasPrefix(arg, "-") || name != "config" {
			continue
		}
		if hasValue {
			return value
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

// LoadFile merges a YAML file into c. Unknown keys are rejected.
func (c *Config) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()
	if err := c.Decode(f); err != nil {
		return fmt.Errorf("config: parse %q: %w", path, err)
	}
	return nil
}

// Decode merges YAML from r into c.
func (c *Config) Decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode yaml: %w", err)
	}
	return nil
}

// ApplyEnv applies ASSISTANT_* overrides, mainly for endpoints and secrets.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"MODEL_DIR":       &c.ModelDir,
		"LOG_LEVEL":       &c.LogLevel,
		"METRICS_ADDR":    &c.MetricsAddr,
		"INPUT_DEVICE":    &c.Audio.InputDevice,
		"OUTPUT_DEVICE":   &c.Audio.OutputDevice,
		"DIALOGUE_MODE":   &c.Dialogue.Mode,
		"DIALOGUE_URL":    &c.Dialogue.URL,
		"DIALOGUE_TOKEN":  &c.Dialogue.Token,
		"OLLAMA_URL":      &c.Local.OllamaURL,
		"OLLAMA_MODEL":    &c.Local.OllamaModel,
		"TTS_VOICE":       &c.Local.TTSVoice,
		"PROVIDER":        &c.Hardware.Provider,
		"ACKNOWLEDGEMENT": &c.Wake.Acknowledgement,
	}
	for key, dst := range strs {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}

	var errs []error
	if v, ok := lookup(EnvPrefix + "AEC_DELAY_MS"); ok {
		ms, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sAEC_DELAY_MS: %w", EnvPrefix, err))
		} else {
			c.AEC.DelayMs = ms
		}
	}
	if v, ok := lookup(EnvPrefix + "WAKE_PHRASES"); ok {
		c.Wake.Phrases = splitList(v)
	}
	return errors.Join(errs...)
}

// RegisterFlags binds every flag to c. Current values become the defaults.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.String("config", "", "YAML configuration file")
	fs.BoolVar(&c.ListDevices, "list-devices", false, "List audio devices and exit")
	fs.BoolVar(&c.ListVoices, "list-voices", false, "List all available TTS voices and exit")
	fs.StringVar(&c.VoiceInfo, "voice-info", "", "Show detailed information about a specific voice and exit")

	fs.StringVar(&c.ModelDir, "model-dir", c.ModelDir, "Directory containing model files (KWS, Whisper, VAD, TTS)")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level: debug, info, warn, error")
	fs.BoolVar(&c.Verbose, "verbose", c.Verbose, "Enable verbose logging")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "Serve Prometheus metrics on this address (e.g. :9090)")

	// Audio
	fs.StringVar(&c.Audio.InputDevice, "input-device", c.Audio.InputDevice, "Capture device name (substring match)")
	fs.IntVar(&c.Audio.InputIndex, "input-index", c.Audio.InputIndex, "Capture device index when no name matches (-1 = default)")
	fs.StringVar(&c.Audio.OutputDevice, "output-device", c.Audio.OutputDevice, "Playback device name (substring match)")
	fs.IntVar(&c.Audio.OutputIndex, "output-index", c.Audio.OutputIndex, "Playback device index when no name matches (-1 = default)")
	fs.IntVar(&c.Audio.CaptureRate, "capture-rate", c.Audio.CaptureRate, "Microphone sample rate")
	fs.IntVar(&c.Audio.OutputRate, "output-rate", c.Audio.OutputRate, "Speaker sample rate")
	fs.IntVar(&c.Audio.CaptureChunk, "capture-chunk", c.Audio.CaptureChunk, "Samples per microphone read")
	bufferMs := fs.Uint("audio-buffer-ms", uint(c.Audio.BufferMs), "Audio buffer size in ms (0=auto, use 100 for Bluetooth)")
	fs.Float64Var(&c.Audio.DuckGain, "duck-gain", c.Audio.DuckGain, "Media volume while a conversation is active (0.0-1.0)")
	fs.StringVar(&c.Audio.MediaFile, "media-file", c.Audio.MediaFile, "WAV file played in the background and ducked during conversations")
	fs.BoolVar(&c.Audio.SpeechDetection, "speech-detection", c.Audio.SpeechDetection, "Keep conversations open while the user speaks (WebRTC VAD)")

	// Echo cancellation
	fs.BoolVar(&c.AEC.Enabled, "aec", c.AEC.Enabled, "Enable acoustic echo cancellation")
	fs.IntVar(&c.AEC.DelayMs, "aec-delay-ms", c.AEC.DelayMs, "Speaker-to-microphone delay in ms (see aec-calibrate)")
	fs.IntVar(&c.AEC.FilterTaps, "aec-taps", c.AEC.FilterTaps, "Adaptive filter length in samples")
	fs.Float64Var(&c.AEC.StepSize, "aec-step", c.AEC.StepSize, "NLMS step size (0-2)")
	fs.BoolVar(&c.AEC.NoiseSuppression, "noise-suppression", c.AEC.NoiseSuppression, "Suppress stationary noise after echo removal")
	fs.BoolVar(&c.AEC.ResetCoefficients, "aec-reset-coefficients", c.AEC.ResetCoefficients, "Forget the learned echo path on every reset")

	// Wake word
	fs.BoolVar(&c.Wake.Enabled, "wake", c.Wake.Enabled, "Enable the local wake-word model")
	fs.Float64Var(&c.Wake.Threshold, "wake-threshold", c.Wake.Threshold, "Wake-word score threshold (0.0-1.0)")
	fs.Float64Var(&c.Wake.PlayingThreshold, "wake-threshold-playing", c.Wake.PlayingThreshold, "Wake-word threshold while the assistant is talking")
	fs.DurationVar(&c.Wake.Cooldown, "wake-cooldown", c.Wake.Cooldown, "Minimum time between wake-word detections")
	fs.StringVar(&c.Wake.KeywordsFile, "keywords-file", c.Wake.KeywordsFile, "Keyword spotter keywords file")
	fs.Func("wake-phrases", "Comma-separated wake phrases matched in transcripts", func(s string) error {
		c.Wake.Phrases = splitList(s)
		return nil
	})
	fs.Func("sleep-phrases", "Comma-separated phrases that end the conversation", func(s string) error {
		c.Wake.SleepPhrases = splitList(s)
		return nil
	})
	fs.StringVar(&c.Wake.Acknowledgement, "acknowledgement", c.Wake.Acknowledgement, "Spoken reply on wake (empty disables)")

	// Conversation gate
	fs.DurationVar(&c.Gate.Timeout, "timeout", c.Gate.Timeout, "Inactivity before returning to standby")
	fs.DurationVar(&c.Gate.Discard, "discard", c.Gate.Discard, "Microphone audio discarded after waking")

	// Dialogue service
	fs.StringVar(&c.Dialogue.Mode, "dialogue", c.Dialogue.Mode, "Dialogue service: 'local' or 'websocket'")
	fs.StringVar(&c.Dialogue.URL, "dialogue-url", c.Dialogue.URL, "WebSocket dialogue service URL")
	fs.IntVar(&c.Dialogue.DownlinkRate, "dialogue-rate", c.Dialogue.DownlinkRate, "Sample rate of audio from the dialogue service")

	// Local dialogue
	vadThreshold := float64(c.Local.VADThreshold)
	fs.Float64Var(&vadThreshold, "vad-threshold", vadThreshold, "Voice activity detection threshold (0.0-1.0)")
	vadSilence := float64(c.Local.VADSilenceDuration)
	fs.Float64Var(&vadSilence, "vad-silence-duration", vadSilence, "VAD silence duration in seconds (how long to wait before speech is considered ended)")
	fs.StringVar(&c.Local.STTLanguage, "stt-language", c.Local.STTLanguage, "STT language code (e.g., 'en', 'es', 'fr', 'auto' for detection)")
	fs.StringVar(&c.Local.OllamaURL, "ollama-url", c.Local.OllamaURL, "Ollama API URL")
	fs.StringVar(&c.Local.OllamaModel, "ollama-model", c.Local.OllamaModel, "Ollama model name")
	fs.StringVar(&c.Local.SystemPrompt, "system-prompt", c.Local.SystemPrompt, "System prompt for the LLM")
	fs.IntVar(&c.Local.MaxHistory, "max-history", c.Local.MaxHistory, "Maximum conversation history length")
	temperature := float64(c.Local.Temperature)
	fs.Float64Var(&temperature, "temperature", temperature, "LLM temperature (0.0-2.0)")
	fs.StringVar(&c.Local.TTSVoice, "tts-voice", c.Local.TTSVoice, "TTS voice name for Kokoro (e.g., 'bf_emma' British female)")
	fs.IntVar(&c.Local.TTSSpeakerID, "tts-speaker-id", c.Local.TTSSpeakerID, "TTS speaker ID for Kokoro model (bf_emma=21, af_bella=2)")
	ttsSpeed := float64(c.Local.TTSSpeed)
	fs.Float64Var(&ttsSpeed, "tts-speed", ttsSpeed, "Text-to-speech speed multiplier")

	// Hardware acceleration
	fs.StringVar(&c.Hardware.Provider, "provider", c.Hardware.Provider, "Hardware acceleration provider (cpu, cuda, coreml). Auto-detected if not specified")
	fs.StringVar(&c.Hardware.STTProvider, "stt-provider", c.Hardware.STTProvider, "Provider for STT (overrides --provider for speech recognition)")
	fs.StringVar(&c.Hardware.TTSProvider, "tts-provider", c.Hardware.TTSProvider, "Provider for TTS (overrides --provider for speech synthesis)")
	fs.IntVar(&c.Hardware.NumThreads, "num-threads", c.Hardware.NumThreads, "Number of threads for all models (0 = auto-detect based on CPU cores)")

	// Float32 and uint32 fields are copied back once parsing finishes.
	c.postParse = func() {
		c.Audio.BufferMs = uint32(*bufferMs)
		c.Local.VADThreshold = float32(vadThreshold)
		c.Local.VADSilenceDuration = float32(vadSilence)
		c.Local.Temperature = float32(temperature)
		c.Local.TTSSpeed = float32(ttsSpeed)
	}
}

// Finalize fills auto-detected providers, thread counts and model paths.
func (c *Config) Finalize() {
	if c.postParse != nil {
		c.postParse()
		c.postParse = nil
	}

	if c.Hardware.Provider == "" {
		c.Hardware.Provider = sherpa.DefaultProvider()
	}
	if c.Hardware.STTProvider == "" {
		c.Hardware.STTProvider = c.Hardware.Provider
	}
	if c.Hardware.TTSProvider == "" {
		c.Hardware.TTSProvider = c.Hardware.Provider
	}
	if c.Hardware.KWSProvider == "" {
		// KWS models are tiny; CPU avoids competing with Whisper for the GPU.
		c.Hardware.KWSProvider = "cpu"
	}
	c.normalizeThreadCounts()

	p := &c.Paths
	p.VADModel = filepath.Join(c.ModelDir, "silero_vad.onnx")
	p.WhisperEncoder = filepath.Join(c.ModelDir, "whisper", "whisper-small-encoder.int8.onnx")
	p.WhisperDecoder = filepath.Join(c.ModelDir, "whisper", "whisper-small-decoder.int8.onnx")
	p.WhisperTokens = filepath.Join(c.ModelDir, "whisper", "whisper-small-tokens.txt")

	// Kokoro TTS model paths (multi-lang v1.0 - supports CoreML on macOS)
	ttsDir := filepath.Join(c.ModelDir, "tts", "kokoro-multi-lang-v1_0")
	p.TTSModel = filepath.Join(ttsDir, "model.onnx")
	p.TTSVoices = filepath.Join(ttsDir, "voices.bin")
	p.TTSTokens = filepath.Join(ttsDir, "tokens.txt")
	p.TTSData = filepath.Join(ttsDir, "espeak-ng-data")
	p.TTSLexicon = getLexiconForVoice(ttsDir, c.Local.TTSVoice)
	p.TTSLanguage = getLanguageForVoice(c.Local.TTSVoice)

	kwsDir := filepath.Join(c.ModelDir, "kws")
	p.KWSEncoder = filepath.Join(kwsDir, "encoder.onnx")
	p.KWSDecoder = filepath.Join(kwsDir, "decoder.onnx")
	p.KWSJoiner = filepath.Join(kwsDir, "joiner.onnx")
	p.KWSTokens = filepath.Join(kwsDir, "tokens.txt")
	p.KWSKeywords = c.Wake.KeywordsFile
	if p.KWSKeywords == "" {
		p.KWSKeywords = filepath.Join(kwsDir, "keywords.txt")
	}
}

// Validate checks that the configuration is coherent and that the model
// files of enabled features exist. All problems are reported together.
// Missing wake-word models are not an error: the detector runs degraded.
func (c *Config) Validate() error {
	var errs []error
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	a := c.Audio
	for name, v := range map[string]int{
		"audio.capture_rate":     a.CaptureRate,
		"audio.output_rate":      a.OutputRate,
		"audio.processing_rate":  a.ProcessingRate,
		"audio.frame_size":       a.FrameSize,
		"audio.capture_chunk":    a.CaptureChunk,
		"audio.playback_queue":   a.PlaybackQueue,
		"dialogue.downlink_rate": c.Dialogue.DownlinkRate,
	} {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	if a.CaptureQueue <= 0 {
		errs = append(errs, fmt.Errorf("audio.capture_queue must be positive"))
	}
	if a.DuckGain < 0 || a.DuckGain > 1 {
		errs = append(errs, fmt.Errorf("audio.duck_gain %.2f is out of range [0, 1]", a.DuckGain))
	}
	if a.SpeechMode < 0 || a.SpeechMode > 3 {
		errs = append(errs, fmt.Errorf("audio.speech_mode %d is out of range [0, 3]", a.SpeechMode))
	}

	if c.AEC.Enabled {
		if c.AEC.DelayMs < 0 {
			errs = append(errs, fmt.Errorf("aec.delay_ms must not be negative"))
		}
		if c.AEC.FilterTaps <= 0 {
			errs = append(errs, fmt.Errorf("aec.filter_taps must be positive"))
		}
		if c.AEC.StepSize <= 0 || c.AEC.StepSize >= 2 {
			errs = append(errs, fmt.Errorf("aec.step_size %.2f is out of range (0, 2)", c.AEC.StepSize))
		}
	}

	w := c.Wake
	if w.Threshold <= 0 || w.Threshold > 1 {
		errs = append(errs, fmt.Errorf("wake.threshold %.2f is out of range (0, 1]", w.Threshold))
	}
	if w.PlayingThreshold <= 0 || w.PlayingThreshold > 1 {
		errs = append(errs, fmt.Errorf("wake.playing_threshold %.2f is out of range (0, 1]", w.PlayingThreshold))
	}
	if !w.Enabled && len(w.Phrases) == 0 {
		errs = append(errs, fmt.Errorf("wake: the wake-word model is disabled and no wake phrases are set"))
	}

	if c.Gate.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("gate.timeout must be positive"))
	}
	if c.Gate.Discard < 0 || c.Gate.SelfSpeechHold < 0 {
		errs = append(errs, fmt.Errorf("gate.discard and gate.self_speech_hold must not be negative"))
	}

	needTTS := w.Acknowledgement != ""
	switch c.Dialogue.Mode {
	case ModeLocal:
		needTTS = true
		if c.Local.Temperature < 0 || c.Local.Temperature > 2 {
			errs = append(errs, fmt.Errorf("local.temperature %.2f is out of range [0, 2]", c.Local.Temperature))
		}
		errs = append(errs, missingFiles(c.Paths.VADModel, c.Paths.WhisperEncoder, c.Paths.WhisperDecoder, c.Paths.WhisperTokens)...)
	case ModeWebSocket:
		u, err := url.Parse(c.Dialogue.URL)
		switch {
		case c.Dialogue.URL == "":
			errs = append(errs, fmt.Errorf("dialogue.url is required in websocket mode"))
		case err != nil:
			errs = append(errs, fmt.Errorf("dialogue.url: %w", err))
		case u.Scheme != "ws" && u.Scheme != "wss":
			errs = append(errs, fmt.Errorf("dialogue.url scheme %q must be ws or wss", u.Scheme))
		}
	default:
		errs = append(errs, fmt.Errorf("dialogue.mode %q is invalid; valid values: %s, %s", c.Dialogue.Mode, ModeLocal, ModeWebSocket))
	}
	if needTTS {
		if !VoiceExists(c.Local.TTSVoice) {
			errs = append(errs, fmt.Errorf("local.tts_voice %q is unknown; see -list-voices", c.Local.TTSVoice))
		}
		errs = append(errs, missingFiles(c.Paths.TTSModel, c.Paths.TTSVoices, c.Paths.TTSTokens)...)
	}

	return errors.Join(errs...)
}

// KeywordModelReady reports whether all keyword spotter files exist.
func (c *Config) KeywordModelReady() bool {
	p := c.Paths
	return len(missingFiles(p.KWSEncoder, p.KWSDecoder, p.KWSJoiner, p.KWSTokens, p.KWSKeywords)) == 0
}

func missingFiles(paths ...string) []error {
	var errs []error
	for _, path := range paths {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("required file not found: %s (run scripts/setup.sh to download models)", path))
		}
	}
	return errs
}

// ParseLevel converts a log level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", s)
	}
	return level, nil
}

// Level returns the effective log level. Verbose forces debug.
func (c *Config) Level() slog.Level {
	if c.Verbose {
		return slog.LevelDebug
	}
	level, _ := ParseLevel(c.LogLevel)
	return level
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// normalizeThreadCounts auto-detects and sets reasonable thread counts based on CPU cores.
// For edge devices (Jetson Orin Nano: 6 cores), this ensures optimal performance:
// - VAD, KWS: 1 thread (lightweight)
// - STT (Whisper): cores/3 (CPU-intensive)
// - TTS (Kokoro): cores/3 (CPU-intensive)
func (c *Config) normalizeThreadCounts() {
	cpuCores := runtime.NumCPU()
	h := &c.Hardware

	// For edge devices: use cores/3 as base (e.g., 6 cores -> 2 threads)
	if h.NumThreads == 0 {
		h.NumThreads = max(1, cpuCores/3)
	}
	if h.VADThreads == 0 {
		h.VADThreads = 1
	}
	if h.KWSThreads == 0 {
		h.KWSThreads = 1
	}
	if h.STTThreads == 0 {
		h.STTThreads = h.NumThreads
	}
	if h.TTSThreads == 0 {
		h.TTSThreads = h.NumThreads
	}

	slog.Debug("[Config] thread counts", "cores", cpuCores,
		"vad", h.VADThreads, "kws", h.KWSThreads, "stt", h.STTThreads, "tts", h.TTSThreads)
}
