package wakeword

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

// Phrase matcher defaults.
const (
	DefaultFuzzyThreshold    = 0.92
	DefaultPhoneticThreshold = 0.80
)

// PhraseMatcher finds wake and sleep phrases in recognized text. Speech
// recognizers rarely spell a name the way it was configured ("hey jarvis"
// may come back as "hey jervis"), so each phrase is compared against every
// window of the same word count with Jaro-Winkler similarity. Windows that
// also sound alike (Double Metaphone) pass at a lower threshold.
type PhraseMatcher struct {
	wake  []phrase
	sleep []phrase

	fuzzyThreshold    float64
	phoneticThreshold float64
}

type phrase struct {
	text   string
	tokens []string
	codes  []string
}

// NewPhraseMatcher creates a matcher. Empty phrases are ignored.
func NewPhraseMatcher(wake, sleep []string) *PhraseMatcher {
	return &PhraseMatcher{
		wake:              compile(wake),
		sleep:             compile(sleep),
		fuzzyThreshold:    DefaultFuzzyThreshold,
		phoneticThreshold: DefaultPhoneticThreshold,
	}
}

// SetThresholds overrides the similarity thresholds.
func (m *PhraseMatcher) SetThresholds(fuzzy, phonetic float64) {
	if fuzzy > 0 {
		m.fuzzyThreshold = fuzzy
	}
	if phonetic > 0 {
		m.phoneticThreshold = phonetic
	}
}

// MatchWake returns the wake phrase found in text and the remaining text
// after it (the request that followed the phrase, if any).
func (m *PhraseMatcher) MatchWake(text string) (string, string, bool) {
	return m.match(m.wake, text)
}

// MatchSleep returns the sleep phrase found in text.
func (m *PhraseMatcher) MatchSleep(text string) (string, bool) {
	p, _, ok := m.match(m.sleep, text)
	return p, ok
}

func (m *PhraseMatcher) match(phrases []phrase, text string) (string, string, bool) {
	words := Normalize(text)
	if len(words) == 0 {
		return "", "", false
	}
	codes := metaphones(words)

	bestScore, bestPhrase, bestEnd := 0.0, "", 0
	for _, p := range phrases {
		k := len(p.tokens)
		for start := 0; start+k <= len(words); start++ {
			window := words[start : start+k]
			score := matchr.JaroWinkler(strings.Join(window, " "), p.text, false)
			if s := matchr.JaroWinkler(strings.Join(window, ""), strings.Join(p.tokens, ""), false); s > score {
				score = s
			}
			threshold := m.fuzzyThreshold
			if equalCodes(codes[start:start+k], p.codes) {
				threshold = m.phoneticThreshold
			}
			if score >= threshold && score > bestScore {
				bestScore, bestPhrase, bestEnd = score, p.text, start+k
			}
		}
	}
	if bestPhrase == "" {
		return "", "", false
	}
	return bestPhrase, strings.Join(words[bestEnd:], " "), true
}

// Normalize lowercases text and splits it into words without punctuation.
func Normalize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r) && r != '\''
	})
}

func compile(texts []string) []phrase {
	var out []phrase
	for _, t := range texts {
		tokens := Normalize(t)
		if len(tokens) == 0 {
			continue
		}
		out = append(out, phrase{
			text:   strings.Join(tokens, " "),
			tokens: tokens,
			codes:  metaphones(tokens),
		})
	}
	return out
}

func metaphones(words []string) []string {
	codes := make([]string, len(words))
	for i, w := range words {
		codes[i], _ = matchr.DoubleMetaphone(w)
	}
	return codes
}

// equalCodes reports whether two token sequences sound alike. Words without
// a code (too short) never match.
func equalCodes(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] == "" || a[i] != b[i] {
			return false
		}
	}
	return true
}
