package assistant

import (
	"github.com/agalue/duplex-assistant/internal/dialogue"
	"github.com/agalue/duplex-assistant/internal/gate"
	"github.com/agalue/duplex-assistant/internal/wakeword"
)

// LocalTurns keeps the local dialogue model out of utterances that are not
// addressed to the assistant. A wake phrase opens the turn and is stripped
// from the prompt, a sleep phrase never reaches the model, and anything else
// is answered only while the conversation is active.
func LocalTurns(g *gate.Gate, phrases *wakeword.PhraseMatcher) dialogue.TurnFilter {
	return func(text string) (string, bool) {
		if phrases != nil {
			if _, ok := phrases.MatchSleep(text); ok {
				return "", false
			}
			if _, rest, ok := phrases.MatchWake(text); ok {
				return rest, true
			}
		}
		return text, g.State() == gate.Active
	}
}
