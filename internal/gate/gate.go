// Package gate implements the conversation state machine that decides what
// happens to microphone audio: dropped in standby, replaced by silence while
// the assistant is talking, or sent to the dialogue service.
//
// All deadlines are checked by Tick on the audio frame cadence; there are no
// timers.
package gate

import (
	"log/slog"
	"sync"
	"time"
)

// Gate defaults.
const (
	DefaultTimeout        = 15 * time.Second
	DefaultDiscard        = 300 * time.Millisecond
	DefaultSelfSpeechHold = time.Second
)

// State is the conversation state.
type State int

const (
	Standby State = iota
	Active
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case Standby:
		return "standby"
	case Active:
		return "active"
	default:
		return "unknown"
	}
}

// Action is what the send path does with a microphone frame.
type Action int

const (
	// Drop discards the frame.
	Drop Action = iota
	// Silence sends a zero frame of the same length.
	Silence
	// Send sends the frame.
	Send
)

// String returns the string representation of the action.
func (a Action) String() string {
	switch a {
	case Drop:
		return "drop"
	case Silence:
		return "silence"
	case Send:
		return "send"
	default:
		return "unknown"
	}
}

// Config configures a Gate.
type Config struct {
	Timeout        time.Duration // Inactivity before returning to standby
	Discard        time.Duration // Uplink silence after waking (tail of the wake phrase)
	SelfSpeechHold time.Duration // Quiet time before self-speech is considered over
}

// DefaultConfig returns the gate defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:        DefaultTimeout,
		Discard:        DefaultDiscard,
		SelfSpeechHold: DefaultSelfSpeechHold,
	}
}

// Hook is called on a state change with the reason that caused it.
type Hook func(reason string)

// Gate is the STANDBY/ACTIVE state machine. Methods are safe for concurrent
// use; hooks run on the caller's goroutine after the lock is released.
type Gate struct {
	mu  sync.Mutex
	cfg Config

	state         State
	activeUntil   time.Time
	discardUntil  time.Time
	selfSpeaking  bool
	lastSelfAudio time.Time

	onWake  []Hook
	onSleep []Hook
	now     func() time.Time
	logger  *slog.Logger
}

// New creates a gate in standby.
func New(cfg Config, logger *slog.Logger) *Gate {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Discard < 0 {
		cfg.Discard = 0
	}
	if cfg.SelfSpeechHold <= 0 {
		cfg.SelfSpeechHold = def.SelfSpeechHold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{cfg: cfg, now: time.Now, logger: logger}
}

// SetClock replaces the time source.
func (g *Gate) SetClock(now func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.now = now
}

// OnWake registers a hook for STANDBY to ACTIVE transitions.
func (g *Gate) OnWake(fn Hook) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onWake = append(g.onWake, fn)
}

// OnSleep registers a hook for ACTIVE to STANDBY transitions.
func (g *Gate) OnSleep(fn Hook) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onSleep = append(g.onSleep, fn)
}

// Wake activates the conversation. When already active it only extends the
// deadline and returns false.
func (g *Gate) Wake(reason string) bool {
	g.mu.Lock()
	now := g.now()
	g.activeUntil = now.Add(g.cfg.Timeout)
	if g.state == Active {
		g.mu.Unlock()
		return false
	}
	g.state = Active
	g.discardUntil = now.Add(g.cfg.Discard)
	hooks := g.onWake
	g.mu.Unlock()

	g.logger.Info("🟢 conversation active", "reason", reason, "timeout", g.cfg.Timeout)
	for _, fn := range hooks {
		fn(reason)
	}
	return true
}

// Sleep returns to standby. It returns false when already in standby.
func (g *Gate) Sleep(reason string) bool {
	g.mu.Lock()
	if g.state == Standby {
		g.mu.Unlock()
		return false
	}
	hooks := g.sleepLocked()
	g.mu.Unlock()

	g.fireSleep(reason, hooks)
	return true
}

func (g *Gate) sleepLocked() []Hook {
	g.state = Standby
	g.activeUntil = time.Time{}
	g.discardUntil = time.Time{}
	return g.onSleep
}

func (g *Gate) fireSleep(reason string, hooks []Hook) {
	g.logger.Info("💤 conversation ended, waiting for wake word", "reason", reason)
	for _, fn := range hooks {
		fn(reason)
	}
}

// NoteTraffic extends the deadline on inbound dialogue traffic or user speech.
func (g *Gate) NoteTraffic() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == Active {
		g.activeUntil = g.now().Add(g.cfg.Timeout)
	}
}

// NoteSelfSpeech records that assistant audio is queued or playing.
func (g *Gate) NoteSelfSpeech() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.selfSpeaking {
		g.logger.Debug("assistant speaking, muting uplink")
	}
	g.selfSpeaking = true
	g.lastSelfAudio = g.now()
}

// Tick applies the deadlines. It is called once per processed frame and
// returns the resulting state.
func (g *Gate) Tick() State {
	g.mu.Lock()
	now := g.now()
	if g.selfSpeaking && now.Sub(g.lastSelfAudio) > g.cfg.SelfSpeechHold {
		g.selfSpeaking = false
		if g.state == Active {
			g.activeUntil = now.Add(g.cfg.Timeout)
		}
		g.logger.Debug("assistant finished speaking, uplink restored")
	}
	if g.state != Active || !now.After(g.activeUntil) {
		state := g.state
		g.mu.Unlock()
		return state
	}
	hooks := g.sleepLocked()
	g.mu.Unlock()

	g.fireSleep("timeout", hooks)
	return Standby
}

// Uplink decides what to do with the current microphone frame.
func (g *Gate) Uplink() Action {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch {
	case g.state != Active:
		return Drop
	case g.selfSpeaking || g.now().Before(g.discardUntil):
		return Silence
	default:
		return Send
	}
}

// AcceptDownlink reports whether dialogue audio should be played.
func (g *Gate) AcceptDownlink() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state == Active
}

// State returns the current state.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// SelfSpeaking reports whether assistant audio is considered audible.
func (g *Gate) SelfSpeaking() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.selfSpeaking
}

// ActiveUntil returns the inactivity deadline, zero in standby.
func (g *Gate) ActiveUntil() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.activeUntil
}
