package gemini_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/voclaria/voclaria/pkg/live"
	"github.com/voclaria/voclaria/pkg/live/gemini"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startLiveServer launches a test WebSocket server. The handler function
// receives the accepted *websocket.Conn. The server is automatically closed
// when the test finishes.
func startLiveServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("readJSON: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// nextEvent reads one event from the session with a timeout.
func nextEvent(t *testing.T, sess live.Session) live.Event {
	t.Helper()
	select {
	case ev, ok := <-sess.Events():
		if !ok {
			t.Fatal("event channel closed unexpectedly")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return live.Event{}
}

// connect dials the test server and returns the open session.
func connect(t *testing.T, srv *httptest.Server, cfg live.SessionConfig) live.Session {
	t.Helper()
	p := gemini.New("test-key", gemini.WithBaseURL(wsURL(srv)))
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	sess, err := p.Connect(ctx, cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestConnectSendsSetup(t *testing.T) {
	t.Parallel()

	setupCh := make(chan map[string]any, 1)
	srv := startLiveServer(t, func(conn *websocket.Conn, r *http.Request) {
		if key := r.URL.Query().Get("key"); key != "test-key" {
			t.Errorf("dial key = %q, want %q", key, "test-key")
		}
		var msg map[string]any
		readJSON(t, conn, &msg)
		setupCh <- msg
		// Keep the connection open until the client closes it.
		_, _, _ = conn.Read(context.Background())
	})

	connect(t, srv, live.SessionConfig{
		Instructions: "You are a friendly speaking tutor.",
		Voice:        "Puck",
	})

	var msg map[string]any
	select {
	case msg = <-setupCh:
	case <-time.After(3 * time.Second):
		t.Fatal("server never received setup message")
	}

	setup, ok := msg["setup"].(map[string]any)
	if !ok {
		t.Fatalf("setup message missing setup object: %v", msg)
	}
	if model, _ := setup["model"].(string); !strings.HasPrefix(model, "models/") {
		t.Errorf("setup model = %q, want models/ prefix", model)
	}
	if _, ok := setup["inputAudioTranscription"]; !ok {
		t.Error("setup missing inputAudioTranscription")
	}
	if _, ok := setup["outputAudioTranscription"]; !ok {
		t.Error("setup missing outputAudioTranscription")
	}
	si, _ := setup["systemInstruction"].(map[string]any)
	if si == nil {
		t.Fatal("setup missing systemInstruction")
	}
	gc, _ := setup["generationConfig"].(map[string]any)
	if gc == nil {
		t.Fatal("setup missing generationConfig")
	}
	modalities, _ := gc["responseModalities"].([]any)
	if len(modalities) != 1 || modalities[0] != "audio" {
		t.Errorf("responseModalities = %v, want [audio]", modalities)
	}
}

func TestSendAudioEncodesMediaChunk(t *testing.T) {
	t.Parallel()

	chunkCh := make(chan map[string]any, 1)
	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		var msg map[string]any
		readJSON(t, conn, &msg)
		chunkCh <- msg
		_, _, _ = conn.Read(context.Background())
	})

	sess := connect(t, srv, live.SessionConfig{})

	raw := []byte{0x01, 0x02, 0x03, 0x04}
	if err := sess.SendAudio(raw); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	var msg map[string]any
	select {
	case msg = <-chunkCh:
	case <-time.After(3 * time.Second):
		t.Fatal("server never received audio message")
	}

	ri, _ := msg["realtimeInput"].(map[string]any)
	if ri == nil {
		t.Fatalf("message missing realtimeInput: %v", msg)
	}
	chunks, _ := ri["mediaChunks"].([]any)
	if len(chunks) != 1 {
		t.Fatalf("mediaChunks length = %d, want 1", len(chunks))
	}
	chunk, _ := chunks[0].(map[string]any)
	if mime, _ := chunk["mimeType"].(string); mime != "audio/pcm;rate=16000" {
		t.Errorf("mimeType = %q, want audio/pcm;rate=16000", mime)
	}
	decoded, err := base64.StdEncoding.DecodeString(chunk["data"].(string))
	if err != nil {
		t.Fatalf("decode media chunk: %v", err)
	}
	if string(decoded) != string(raw) {
		t.Errorf("media chunk data = %x, want %x", decoded, raw)
	}
}

func TestSendTextEndOfTurn(t *testing.T) {
	t.Parallel()

	textCh := make(chan map[string]any, 1)
	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		var msg map[string]any
		readJSON(t, conn, &msg)
		textCh <- msg
		_, _, _ = conn.Read(context.Background())
	})

	sess := connect(t, srv, live.SessionConfig{})

	if err := sess.SendText("How did I do?", true); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	var msg map[string]any
	select {
	case msg = <-textCh:
	case <-time.After(3 * time.Second):
		t.Fatal("server never received text message")
	}

	cc, _ := msg["clientContent"].(map[string]any)
	if cc == nil {
		t.Fatalf("message missing clientContent: %v", msg)
	}
	if complete, _ := cc["turnComplete"].(bool); !complete {
		t.Error("turnComplete = false, want true")
	}
	turns, _ := cc["turns"].([]any)
	if len(turns) != 1 {
		t.Fatalf("turns length = %d, want 1", len(turns))
	}
}

func TestServerContentToEvents(t *testing.T) {
	t.Parallel()

	audioPayload := base64.StdEncoding.EncodeToString([]byte{0xAA, 0xBB, 0xCC, 0xDD})
	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)

		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"inputTranscription": map[string]any{"text": "Hel"},
			},
		})
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"outputTranscription": map[string]any{"text": "Hi there"},
				"modelTurn": map[string]any{
					"parts": []any{
						map[string]any{"inlineData": map[string]any{
							"mimeType": "audio/pcm;rate=24000",
							"data":     audioPayload,
						}},
					},
				},
			},
		})
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{"turnComplete": true},
		})
		_, _, _ = conn.Read(context.Background())
	})

	sess := connect(t, srv, live.SessionConfig{})

	ev := nextEvent(t, sess)
	if ev.Type != live.EventTranscript || ev.Role != live.RoleUser || ev.Text != "Hel" {
		t.Errorf("event 1 = %+v, want user transcript %q", ev, "Hel")
	}

	ev = nextEvent(t, sess)
	if ev.Type != live.EventTranscript || ev.Role != live.RoleAgent || ev.Text != "Hi there" {
		t.Errorf("event 2 = %+v, want agent transcript %q", ev, "Hi there")
	}

	ev = nextEvent(t, sess)
	if ev.Type != live.EventAudio || len(ev.Audio) != 4 {
		t.Errorf("event 3 = %+v, want 4-byte audio chunk", ev)
	}

	ev = nextEvent(t, sess)
	if ev.Type != live.EventTurnComplete {
		t.Errorf("event 4 = %+v, want turn complete", ev)
	}
}

func TestInterruptedEvent(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{"interrupted": true},
		})
		_, _, _ = conn.Read(context.Background())
	})

	sess := connect(t, srv, live.SessionConfig{})

	if ev := nextEvent(t, sess); ev.Type != live.EventInterrupted {
		t.Errorf("event = %+v, want interrupted", ev)
	}
}

func TestMalformedInlineDataEmitsErrorEvent(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"modelTurn": map[string]any{
					"parts": []any{
						map[string]any{"inlineData": map[string]any{
							"mimeType": "audio/pcm;rate=24000",
							"data":     "!!!not-base64!!!",
						}},
					},
				},
			},
		})
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{"turnComplete": true},
		})
		_, _, _ = conn.Read(context.Background())
	})

	sess := connect(t, srv, live.SessionConfig{})

	ev := nextEvent(t, sess)
	if ev.Type != live.EventError || ev.Err == nil {
		t.Fatalf("event = %+v, want error event", ev)
	}

	// The stream survives the bad chunk.
	if ev := nextEvent(t, sess); ev.Type != live.EventTurnComplete {
		t.Errorf("event = %+v, want turn complete after skipped chunk", ev)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		_, _, _ = conn.Read(context.Background())
	})

	sess := connect(t, srv, live.SessionConfig{})

	if err := sess.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	// Events channel drains and closes after Close.
	deadline := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-sess.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("events channel never closed after Close")
		}
	}
}

func TestConnectRefused(t *testing.T) {
	t.Parallel()

	p := gemini.New("test-key", gemini.WithBaseURL("ws://127.0.0.1:1"))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := p.Connect(ctx, live.SessionConfig{}); err == nil {
		t.Fatal("Connect succeeded against a closed port, want error")
	}
}
