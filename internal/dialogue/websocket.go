package dialogue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/agalue/duplex-assistant/internal/audio"
)

// WebSocket transport defaults.
const (
	DefaultUplinkRate   = 16000
	DefaultDownlinkRate = 24000
	DefaultDialTimeout  = 10 * time.Second
	DefaultSendTimeout  = time.Second
	DefaultEventBuffer  = 256
)

// SessionHeader carries the client-generated session ID.
const SessionHeader = "X-Session-ID"

// WebSocketConfig configures a WebSocket session.
//
// Wire format: binary messages are mono PCM16 little-endian (uplink at
// UplinkRate, downlink at DownlinkRate); text messages are JSON events.
type WebSocketConfig struct {
	URL          string
	Token        string // Sent as a bearer token when set
	UplinkRate   int
	DownlinkRate int
	DialTimeout  time.Duration
	SendTimeout  time.Duration // Bound on one uplink write; expiry ends the session
	EventBuffer  int
}

// wireEvent is the JSON text message exchanged with the service.
type wireEvent struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Final      bool   `json:"final,omitempty"`
	Message    string `json:"message,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	InputRate  int    `json:"input_rate,omitempty"`
	OutputRate int    `json:"output_rate,omitempty"`
}

// WebSocketTransport is a Transport over a single WebSocket connection.
type WebSocketTransport struct {
	conn    *websocket.Conn
	cfg     WebSocketConfig
	session string
	events  chan Event
	logger  *slog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

// DialWebSocket connects and announces the session.
func DialWebSocket(ctx context.Context, cfg WebSocketConfig, logger *slog.Logger) (*WebSocketTransport, error) {
	if cfg.UplinkRate <= 0 {
		cfg.UplinkRate = DefaultUplinkRate
	}
	if cfg.DownlinkRate <= 0 {
		cfg.DownlinkRate = DefaultDownlinkRate
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultEventBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}

	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid dialogue URL: %w", err)
	}
	q := u.Query()
	q.Set("input_rate", strconv.Itoa(cfg.UplinkRate))
	q.Set("output_rate", strconv.Itoa(cfg.DownlinkRate))
	u.RawQuery = q.Encode()

	session := uuid.New().String()
	header := http.Header{SessionHeader: []string{session}}
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	}

	dialCtx, cancelDial := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancelDial()
	conn, _, err := websocket.Dial(dialCtx, u.String(), &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("dialogue dial: %w", err)
	}
	// Downlink audio arrives in large bursts.
	conn.SetReadLimit(4 << 20)

	sessCtx, cancel := context.WithCancel(context.Background())
	t := &WebSocketTransport{
		conn:    conn,
		cfg:     cfg,
		session: session,
		events:  make(chan Event, cfg.EventBuffer),
		logger:  logger,
		ctx:     sessCtx,
		cancel:  cancel,
	}

	hello := wireEvent{Type: "session.start", SessionID: session, InputRate: cfg.UplinkRate, OutputRate: cfg.DownlinkRate}
	if err := t.writeJSON(ctx, hello); err != nil {
		cancel()
		conn.Close(websocket.StatusInternalError, "session start failed")
		return nil, fmt.Errorf("dialogue session start: %w", err)
	}

	go t.receiveLoop()
	logger.Info("🌐 dialogue session connected", "url", u.Redacted(), "session", session)
	return t, nil
}

// WebSocketDialer returns a Dialer for cfg.
func WebSocketDialer(cfg WebSocketConfig, logger *slog.Logger) Dialer {
	return func(ctx context.Context) (Transport, error) {
		return DialWebSocket(ctx, cfg, logger)
	}
}

// SessionID returns the ID announced to the service.
func (t *WebSocketTransport) SessionID() string {
	return t.session
}

// Send uploads one frame as a binary message. A peer that stops reading
// makes the write fail after SendTimeout instead of blocking the caller.
func (t *WebSocketTransport) Send(ctx context.Context, f audio.Frame) error {
	if t.isClosed() {
		return ErrTransportClosed
	}
	if f.SampleRate != t.cfg.UplinkRate {
		return fmt.Errorf("uplink frame at %dHz, session expects %dHz", f.SampleRate, t.cfg.UplinkRate)
	}
	writeCtx, cancel := context.WithTimeout(ctx, t.cfg.SendTimeout)
	defer cancel()
	if err := t.conn.Write(writeCtx, websocket.MessageBinary, f.Bytes()); err != nil {
		// The library closes the connection when a write is cut short, so
		// any failure here ends the session.
		return fmt.Errorf("%w: uplink write: %w", ErrTransportClosed, err)
	}
	return nil
}

// Events returns the inbound event channel.
func (t *WebSocketTransport) Events() <-chan Event {
	return t.events
}

func (t *WebSocketTransport) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return t.conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop owns the events channel and closes it on exit.
func (t *WebSocketTransport) receiveLoop() {
	defer close(t.events)

	for {
		typ, data, err := t.conn.Read(t.ctx)
		if err != nil {
			if t.ctx.Err() != nil || t.isClosed() {
				return
			}
			if status := websocket.CloseStatus(err); status == websocket.StatusNormalClosure {
				err = ErrTransportClosed
			} else {
				err = fmt.Errorf("%w: %w", ErrTransportClosed, err)
			}
			t.emit(Event{Kind: KindError, Err: err})
			return
		}

		switch typ {
		case websocket.MessageBinary:
			f, err := audio.FrameFromBytes(data, t.cfg.DownlinkRate)
			if err != nil {
				t.logger.Warn("⚠️ malformed audio message", "err", err, "bytes", len(data))
				continue
			}
			if !t.emit(Event{Kind: KindAudio, Audio: f}) {
				return
			}
		case websocket.MessageText:
			ev, ok := decodeEvent(data)
			if !ok {
				t.logger.Debug("ignoring dialogue message", "data", string(data))
				continue
			}
			if !t.emit(ev) {
				return
			}
		}
	}
}

func decodeEvent(data []byte) (Event, bool) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, false
	}
	switch w.Type {
	case "transcript":
		return Event{Kind: KindTranscript, Text: w.Text, Final: w.Final}, true
	case "reply":
		return Event{Kind: KindReply, Text: w.Text, Final: w.Final}, true
	case "turn_done":
		return Event{Kind: KindTurnDone}, true
	case "error":
		msg := w.Message
		if msg == "" {
			msg = w.Text
		}
		return Event{Kind: KindError, Err: errors.New(msg)}, true
	default:
		return Event{}, false
	}
}

// emit delivers an event, giving up when the session ends.
func (t *WebSocketTransport) emit(ev Event) bool {
	select {
	case t.events <- ev:
		return true
	case <-t.ctx.Done():
		return false
	}
}

func (t *WebSocketTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Close ends the session. Idempotent.
func (t *WebSocketTransport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
		if err := t.conn.Close(websocket.StatusNormalClosure, "session closed"); err != nil {
			t.logger.Debug("dialogue close", "err", err)
		}
		t.cancel()
		t.logger.Info("🌐 dialogue session closed", "session", t.session)
	})
	return nil
}
