package dialogue

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/agalue/duplex-assistant/internal/audio"
)

type handshake struct {
	session string
	auth    string
	rates   string
	hello   wireEvent
	uplink  []byte
}

// newFakeService starts a dialogue service that records the handshake,
// reads one uplink frame, answers with audio and two events, then hangs up.
func newFakeService(t *testing.T, seen chan<- handshake) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var hs handshake
		hs.session = r.Header.Get(SessionHeader)
		hs.auth = r.Header.Get("Authorization")
		hs.rates = r.URL.Query().Get("input_rate") + "/" + r.URL.Query().Get("output_rate")

		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		ctx := r.Context()

		typ, data, err := c.Read(ctx)
		if err != nil || typ != websocket.MessageText {
			t.Errorf("hello read: typ=%v err=%v", typ, err)
			return
		}
		if err := json.Unmarshal(data, &hs.hello); err != nil {
			t.Errorf("hello decode: %v", err)
		}
		typ, hs.uplink, err = c.Read(ctx)
		if err != nil || typ != websocket.MessageBinary {
			t.Errorf("uplink read: typ=%v err=%v", typ, err)
			return
		}
		seen <- hs

		reply := audio.Frame{Samples: []int16{1, -1, 300, -300}, SampleRate: 24000}
		_ = c.Write(ctx, websocket.MessageBinary, reply.Bytes())
		_ = c.Write(ctx, websocket.MessageText, []byte(`{"type":"transcript","text":"turn on the lights","final":true}`))
		_ = c.Write(ctx, websocket.MessageText, []byte(`{"type":"unknown"}`))
		_ = c.Write(ctx, websocket.MessageText, []byte(`{"type":"turn_done"}`))
		c.Close(websocket.StatusGoingAway, "bye")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketTransport_Session(t *testing.T) {
	seen := make(chan handshake, 1)
	srv := newFakeService(t, seen)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tr, err := DialWebSocket(ctx, WebSocketConfig{URL: wsURL(srv), Token: "secret"}, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer tr.Close()

	if err := tr.Send(ctx, audio.Frame{Samples: make([]int16, 160), SampleRate: 16000}); err != nil {
		t.Fatalf("send: %v", err)
	}

	var hs handshake
	select {
	case hs = <-seen:
	case <-ctx.Done():
		t.Fatal("service never saw the uplink frame")
	}
	if hs.session == "" || hs.session != tr.SessionID() {
		t.Errorf("session header = %q, want %q", hs.session, tr.SessionID())
	}
	if hs.auth != "Bearer secret" {
		t.Errorf("Authorization = %q", hs.auth)
	}
	if hs.rates != "16000/24000" {
		t.Errorf("query rates = %q", hs.rates)
	}
	if hs.hello.Type != "session.start" || hs.hello.SessionID != tr.SessionID() || hs.hello.InputRate != 16000 {
		t.Errorf("hello = %+v", hs.hello)
	}
	if len(hs.uplink) != 320 {
		t.Errorf("uplink message = %d bytes, want 320", len(hs.uplink))
	}

	ev := nextEvent(t, tr.Events())
	if ev.Kind != KindAudio || ev.Audio.SampleRate != 24000 || len(ev.Audio.Samples) != 4 || ev.Audio.Samples[2] != 300 {
		t.Errorf("audio event = %+v", ev)
	}
	ev = nextEvent(t, tr.Events())
	if ev.Kind != KindTranscript || ev.Text != "turn on the lights" || !ev.Final {
		t.Errorf("transcript event = %+v", ev)
	}
	if ev = nextEvent(t, tr.Events()); ev.Kind != KindTurnDone {
		t.Errorf("event = %s, want turn_done", ev.Kind)
	}
	ev = nextEvent(t, tr.Events())
	if ev.Kind != KindError || !errors.Is(ev.Err, ErrTransportClosed) {
		t.Errorf("hang-up event = %+v, want ErrTransportClosed", ev)
	}
	if _, ok := <-tr.Events(); ok {
		t.Error("events channel still open after hang-up")
	}
}

func TestWebSocketTransport_SendChecksRate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer c.CloseNow()
		for {
			if _, _, err := c.Read(r.Context()); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	tr, err := DialWebSocket(ctx, WebSocketConfig{URL: wsURL(srv)}, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := tr.Send(ctx, audio.Silence(480, 48000)); err == nil {
		t.Error("Send accepted a 48kHz frame on a 16kHz session")
	}

	if err := tr.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := tr.Send(ctx, audio.Silence(160, 16000)); !errors.Is(err, ErrTransportClosed) {
		t.Errorf("Send after Close = %v, want ErrTransportClosed", err)
	}
	for ev := range tr.Events() {
		t.Errorf("unexpected event after Close: %+v", ev)
	}
}

func TestDecodeEvent(t *testing.T) {
	tests := []struct {
		in   string
		kind Kind
		ok   bool
	}{
		{`{"type":"reply","text":"hi","final":true}`, KindReply, true},
		{`{"type":"error","message":"quota"}`, KindError, true},
		{`{"type":"turn_done"}`, KindTurnDone, true},
		{`{"type":"session.ack"}`, 0, false},
		{`not json`, 0, false},
	}
	for _, tt := range tests {
		ev, ok := decodeEvent([]byte(tt.in))
		if ok != tt.ok || (ok && ev.Kind != tt.kind) {
			t.Errorf("decodeEvent(%s) = %v, %v", tt.in, ev.Kind, ok)
		}
	}
}

func TestDialWebSocket_Unreachable(t *testing.T) {
	ctx := context.Background()
	_, err := DialWebSocket(ctx, WebSocketConfig{URL: "ws://127.0.0.1:1/session", DialTimeout: time.Second}, nil)
	if err == nil {
		t.Fatal("expected dial error")
	}
}

func TestWebSocketTransport_SendTimesOutOnStalledPeer(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer c.CloseNow()
		if _, _, err := c.Read(r.Context()); err != nil { // hello
			return
		}
		<-release // Never read again
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	ctx := context.Background()
	tr, err := DialWebSocket(ctx, WebSocketConfig{URL: wsURL(srv), SendTimeout: 100 * time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer tr.Close()

	// One second of audio per message fills the socket buffers quickly.
	frame := audio.Silence(16000, 16000)
	result := make(chan error, 1)
	go func() {
		for {
			if err := tr.Send(ctx, frame); err != nil {
				result <- err
				return
			}
		}
	}()

	select {
	case err := <-result:
		if !errors.Is(err, ErrTransportClosed) {
			t.Errorf("Send = %v, want ErrTransportClosed", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Send still blocked on a peer that stopped reading")
	}
}
