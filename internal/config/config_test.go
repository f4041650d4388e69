package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Audio.ProcessingRate != 16000 || cfg.Audio.CaptureRate != 48000 || cfg.Audio.FrameSize != 160 {
		t.Errorf("audio defaults = %+v", cfg.Audio)
	}
	if cfg.AEC.DelayMs != 200 || cfg.AEC.ResetCoefficients {
		t.Errorf("aec defaults = %+v", cfg.AEC)
	}
	if cfg.Wake.Threshold != 0.5 || cfg.Wake.PlayingThreshold != 0.3 || cfg.Wake.Cooldown != 2*time.Second {
		t.Errorf("wake defaults = %+v", cfg.Wake)
	}
	if cfg.Gate.Timeout != 15*time.Second || cfg.Gate.Discard != 300*time.Millisecond || cfg.Gate.SelfSpeechHold != time.Second {
		t.Errorf("gate defaults = %+v", cfg.Gate)
	}
	if cfg.Dialogue.Mode != ModeLocal || cfg.Dialogue.DownlinkRate != 24000 {
		t.Errorf("dialogue defaults = %+v", cfg.Dialogue)
	}
}

func TestDecode(t *testing.T) {
	cfg := DefaultConfig()
	yml := `
log_level: debug
aec:
  delay_ms: 120
  reset_coefficients: true
wake:
  phrases: ["hey jarvis", "computer"]
gate:
  timeout: 30s
dialogue:
  mode: websocket
  url: wss://dialogue.example.com/v1/session
`
	if err := cfg.Decode(strings.NewReader(yml)); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.AEC.DelayMs != 120 || !cfg.AEC.ResetCoefficients {
		t.Errorf("aec = %+v", cfg.AEC)
	}
	if cfg.AEC.FilterTaps != 256 {
		t.Errorf("unset key lost its default: filter_taps = %d", cfg.AEC.FilterTaps)
	}
	if len(cfg.Wake.Phrases) != 2 || cfg.Wake.Phrases[1] != "computer" {
		t.Errorf("phrases = %v", cfg.Wake.Phrases)
	}
	if cfg.Gate.Timeout != 30*time.Second {
		t.Errorf("timeout = %v", cfg.Gate.Timeout)
	}
	if cfg.Dialogue.Mode != ModeWebSocket {
		t.Errorf("mode = %q", cfg.Dialogue.Mode)
	}
}

func TestDecode_UnknownField(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Decode(strings.NewReader("aec:\n  delay: 100\n")); err == nil {
		t.Fatal("expected an error for an unknown key")
	}
}

func TestDecode_Empty(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Decode(strings.NewReader("")); err != nil {
		t.Fatalf("empty file: %v", err)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"ASSISTANT_DIALOGUE_TOKEN": "s3cret",
		"ASSISTANT_AEC_DELAY_MS":   "90",
		"ASSISTANT_WAKE_PHRASES":   "hey jarvis, computer ,",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(lookup); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.Dialogue.Token != "s3cret" || cfg.AEC.DelayMs != 90 {
		t.Errorf("env not applied: token=%q delay=%d", cfg.Dialogue.Token, cfg.AEC.DelayMs)
	}
	if len(cfg.Wake.Phrases) != 2 || cfg.Wake.Phrases[1] != "computer" {
		t.Errorf("phrases = %q", cfg.Wake.Phrases)
	}

	env["ASSISTANT_AEC_DELAY_MS"] = "soon"
	if err := DefaultConfig().ApplyEnv(lookup); err == nil {
		t.Error("expected an error for a non-numeric delay")
	}
}

func TestConfigPath(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"-config", "a.yaml"}, "a.yaml"},
		{[]string{"--config=b.yaml", "-verbose"}, "b.yaml"},
		{[]string{"-verbose", "-config"}, ""},
		{[]string{"-aec-delay-ms", "100"}, ""},
	}
	for _, tt := range tests {
		if got := configPath(tt.args); got != tt.want {
			t.Errorf("configPath(%q) = %q, want %q", tt.args, got, tt.want)
		}
	}
}

func TestParseFlags_Precedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "assistant.yaml")
	yml := "model_dir: " + dir + "\naec:\n  delay_ms: 150\ndialogue:\n  mode: websocket\n  url: ws://file.example/session\n"
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ASSISTANT_DIALOGUE_URL", "ws://env.example/session")

	cfg, err := ParseFlags([]string{"-config", path, "-aec-delay-ms", "250", "-tts-speed", "1.2", "-wake-phrases", "hey jarvis"})
	if err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	if cfg.AEC.DelayMs != 250 {
		t.Errorf("flag should win over file: delay = %d", cfg.AEC.DelayMs)
	}
	if cfg.Dialogue.URL != "ws://env.example/session" {
		t.Errorf("env should win over file: url = %q", cfg.Dialogue.URL)
	}
	if cfg.Dialogue.Mode != ModeWebSocket {
		t.Errorf("file value lost: mode = %q", cfg.Dialogue.Mode)
	}
	if cfg.Local.TTSSpeed != float32(1.2) {
		t.Errorf("tts speed = %v", cfg.Local.TTSSpeed)
	}
	if len(cfg.Wake.Phrases) != 1 || cfg.Wake.Phrases[0] != "hey jarvis" {
		t.Errorf("phrases = %q", cfg.Wake.Phrases)
	}
	if cfg.Hardware.Provider == "" || cfg.Hardware.STTThreads == 0 || cfg.Hardware.KWSThreads != 1 {
		t.Errorf("hardware not finalized: %+v", cfg.Hardware)
	}
	if cfg.Paths.KWSKeywords != filepath.Join(dir, "kws", "keywords.txt") {
		t.Errorf("keywords path = %q", cfg.Paths.KWSKeywords)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogLevel = "loud"
	cfg.Audio.FrameSize = 0
	cfg.AEC.StepSize = 3
	cfg.Wake.Threshold = 1.5
	cfg.Dialogue.Mode = "carrier-pigeon"
	cfg.Finalize()

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"log_level", "audio.frame_size", "aec.step_size", "wake.threshold", "dialogue.mode"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error does not mention %s:\n%v", want, err)
		}
	}
}

func TestValidate_WebSocketURL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Dialogue.Mode = ModeWebSocket
	cfg.Dialogue.URL = "https://example.com"
	cfg.Finalize()
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "ws or wss") {
		t.Errorf("Validate = %v, want a scheme error", err)
	}
	cfg.Dialogue.URL = ""
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "required") {
		t.Errorf("Validate = %v, want a missing URL error", err)
	}
}

func TestValidate_LocalModelFiles(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ModelDir = t.TempDir()
	cfg.Finalize()
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "silero_vad.onnx") || !strings.Contains(err.Error(), "model.onnx") {
		t.Errorf("Validate = %v, want missing model files", err)
	}
	if cfg.KeywordModelReady() {
		t.Error("keyword model reported ready in an empty model dir")
	}
}

func TestLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogLevel = "warn"
	if cfg.Level() != slog.LevelWarn {
		t.Errorf("Level = %v", cfg.Level())
	}
	cfg.Verbose = true
	if cfg.Level() != slog.LevelDebug {
		t.Errorf("verbose Level = %v", cfg.Level())
	}
}

func TestVoiceLexicon(t *testing.T) {
	if got := getLexiconForVoice("/m", "bf_emma"); got != filepath.Join("/m", "lexicon-gb-en.txt") {
		t.Errorf("bf_emma lexicon = %q", got)
	}
	if got := getLanguageForVoice("af_bella"); got != "" {
		t.Errorf("af_bella language = %q", got)
	}
}

func TestVoiceCatalogue(t *testing.T) {
	if len(Voices) != 53 {
		t.Fatalf("catalogue has %d voices, want 53", len(Voices))
	}
	for name, want := range map[string]int{"af_alloy": 0, "af_bella": 2, "bf_emma": 21, "ff_siwis": 30, "zm_yunyang": 52} {
		if v := GetVoice(name); v == nil || v.SpeakerID != want {
			t.Errorf("%s = %+v, want speaker %d", name, v, want)
		}
	}
	if got := getLanguageForVoice("if_sara"); got != "it" {
		t.Errorf("if_sara language = %q", got)
	}
	if got := getLexiconForVoice("/m", "if_sara"); got != "" {
		t.Errorf("if_sara lexicon = %q", got)
	}
	if GetVoice("nobody") != nil || VoiceExists("nobody") {
		t.Error("unknown voice resolved")
	}
}
