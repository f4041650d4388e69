// Kokoro voice catalogue for the local synthesizer and the wake acknowledgement.

package config

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Voice is one Kokoro v1.0 speaker.
type Voice struct {
	Name       string
	SpeakerID  int
	EspeakCode string // espeak-ng language code
	Language   string // Display name
}

// voiceGroup lists speakers in model order; IDs are consecutive across groups.
type voiceGroup struct {
	language string
	espeak   string
	names    []string
}

var voiceGroups = []voiceGroup{
	{"American English", "en-us", []string{
		"af_alloy", "af_aoede", "af_bella", "af_heart", "af_jessica", "af_kore", "af_nicole",
		"af_nova", "af_river", "af_sarah", "af_sky", "am_adam", "am_echo", "am_eric",
		"am_fenrir", "am_liam", "am_michael", "am_onyx", "am_puck", "am_santa",
	}},
	{"British English", "en-gb", []string{
		"bf_alice", "bf_emma", "bf_isabella", "bf_lily", "bm_daniel", "bm_fable", "bm_george", "bm_lewis",
	}},
	{"Spanish", "es", []string{"ef_dora", "em_alex"}},
	{"French", "fr-fr", []string{"ff_siwis"}},
	{"Hindi", "hi", []string{"hf_alpha", "hf_beta", "hm_omega", "hm_psi"}},
	{"Italian", "it", []string{"if_sara", "im_nicola"}},
	{"Japanese", "ja", []string{"jf_alpha", "jf_gongitsune", "jf_nezumi", "jf_tebukuro", "jm_kumo"}},
	{"Portuguese BR", "pt-br", []string{"pf_dora", "pm_alex", "pm_santa"}},
	{"Mandarin Chinese", "cmn", []string{
		"zf_xiaobei", "zf_xiaoni", "zf_xiaoxiao", "zf_xiaoyi", "zm_yunjian", "zm_yunxi", "zm_yunxia", "zm_yunyang",
	}},
}

// Voices indexes every speaker by name.
var Voices = indexVoices(voiceGroups)

func indexVoices(groups []voiceGroup) map[string]Voice {
	out := make(map[string]Voice)
	id := 0
	for _, g := range groups {
		for _, name := range g.names {
			out[name] = Voice{Name: name, SpeakerID: id, EspeakCode: g.espeak, Language: g.language}
			id++
		}
	}
	return out
}

// GetVoice returns the named voice, or nil.
func GetVoice(name string) *Voice {
	if v, ok := Voices[name]; ok {
		return &v
	}
	return nil
}

// VoiceExists reports whether name is a known voice.
func VoiceExists(name string) bool {
	_, ok := Voices[name]
	return ok
}

// hasLexicon reports whether the model ships a lexicon for the voice's language.
// The rest go through espeak-ng with an explicit language code.
func (v Voice) hasLexicon() bool {
	switch v.EspeakCode {
	case "en-us", "en-gb", "cmn":
		return true
	}
	return false
}

// getLexiconForVoice returns the lexicon path(s) for a voice. Unknown voices
// fall back to American English; Mandarin keeps English as a second lexicon.
func getLexiconForVoice(ttsDir, voiceName string) string {
	us := filepath.Join(ttsDir, "lexicon-us-en.txt")
	v := GetVoice(voiceName)
	if v == nil {
		return us
	}
	switch v.EspeakCode {
	case "en-us":
		return us
	case "en-gb":
		return filepath.Join(ttsDir, "lexicon-gb-en.txt")
	case "cmn":
		return us + "," + filepath.Join(ttsDir, "lexicon-zh.txt")
	}
	return ""
}

// getLanguageForVoice returns the espeak-ng code for voices without a lexicon.
func getLanguageForVoice(voiceName string) string {
	v := GetVoice(voiceName)
	if v == nil || v.hasLexicon() {
		return ""
	}
	return v.EspeakCode
}

// PrintVoices lists the catalogue grouped by language.
func PrintVoices() {
	rule := strings.Repeat("─", 50)
	fmt.Printf("Kokoro v1.0 voices (%d)\n", len(Voices))
	for _, g := range voiceGroups {
		fmt.Printf("\n── %s ──\n", g.language)
		fmt.Printf("%-15s %-4s %s\n", "VOICE", "ID", "ESPEAK")
		fmt.Println(rule)
		for _, name := range g.names {
			v := Voices[name]
			fmt.Printf("%-15s %-4d %s\n", name, v.SpeakerID, v.EspeakCode)
		}
	}
	fmt.Println()
	fmt.Println("Use one with: ./assistant -tts-voice bf_emma -tts-speaker-id 21")
	fmt.Println("It speaks local replies and the wake acknowledgement (-acknowledgement).")
}

// PrintVoiceInfo prints one voice.
func PrintVoiceInfo(name string) error {
	v := GetVoice(name)
	if v == nil {
		return fmt.Errorf("voice %q not found, run with -list-voices to see available voices", name)
	}
	fmt.Printf("Voice:       %s\n", v.Name)
	fmt.Printf("Speaker ID:  %d\n", v.SpeakerID)
	fmt.Printf("Language:    %s\n", v.Language)
	fmt.Printf("Espeak code: %s\n", v.EspeakCode)
	if v.hasLexicon() {
		fmt.Println("Phonemes:    lexicon")
	} else {
		fmt.Println("Phonemes:    espeak-ng")
	}
	fmt.Printf("\n  ./assistant -tts-voice %s -tts-speaker-id %d\n", v.Name, v.SpeakerID)
	return nil
}
