// Package dialogue is the boundary to the speech dialogue service. The core
// sends 16kHz microphone frames and receives decoded audio and text events;
// it never sees the wire encoding.
package dialogue

import (
	"context"
	"errors"

	"github.com/agalue/duplex-assistant/internal/audio"
)

// ErrTransportClosed is returned after the transport was closed or the
// connection was lost.
var ErrTransportClosed = errors.New("dialogue transport closed")

// Kind identifies an Event.
type Kind int

const (
	// KindAudio carries synthesized speech for playback.
	KindAudio Kind = iota
	// KindTranscript carries recognized user speech.
	KindTranscript
	// KindReply carries the text of the assistant's answer.
	KindReply
	// KindTurnDone marks the end of the assistant's turn.
	KindTurnDone
	// KindError reports a service or connection error.
	KindError
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindTranscript:
		return "transcript"
	case KindReply:
		return "reply"
	case KindTurnDone:
		return "turn_done"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one message from the dialogue service.
type Event struct {
	Kind  Kind
	Audio audio.Frame // KindAudio
	Text  string      // KindTranscript, KindReply
	Final bool        // Transcript is final rather than partial
	Err   error       // KindError
}

// Transport is a live dialogue session.
type Transport interface {
	// Send uploads one microphone frame.
	Send(ctx context.Context, f audio.Frame) error
	// Events delivers inbound events. The channel is closed when the
	// session ends.
	Events() <-chan Event
	// Close ends the session.
	Close() error
}

// Dialer opens a new session. The assistant redials through it after a
// connection loss.
type Dialer func(ctx context.Context) (Transport, error)
