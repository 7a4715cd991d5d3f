package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kindredlabs/voice-core/internal/config"
	"github.com/kindredlabs/voice-core/internal/history"
	"github.com/kindredlabs/voice-core/internal/llm"
	"github.com/kindredlabs/voice-core/internal/pipeline"
	"github.com/kindredlabs/voice-core/internal/protocol"
	"github.com/kindredlabs/voice-core/internal/session"
	"github.com/kindredlabs/voice-core/internal/stt"
	"github.com/kindredlabs/voice-core/internal/tts"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testServer struct {
	srv   *httptest.Server
	store *history.MemoryStore
}

func newTestServer(t *testing.T, cfg config.Config, generator llm.Generator) *testServer {
	t.Helper()
	logger := newLogger()
	store := history.NewMemoryStore()
	coordinator := pipeline.NewCoordinator(cfg, stt.NewMockTranscriber(), generator, tts.NewMockStreamer(), store, nil, logger)
	svc := NewService(context.Background(), cfg, coordinator, session.NewRegistry(), logger)
	srv := httptest.NewServer(svc)
	t.Cleanup(srv.Close)
	t.Cleanup(svc.Close)
	return &testServer{srv: srv, store: store}
}

func (ts *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendCommand(t *testing.T, conn *websocket.Conn, cmd protocol.Command) {
	t.Helper()
	if err := conn.WriteJSON(cmd); err != nil {
		t.Fatalf("send %s: %v", cmd.Type, err)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var env protocol.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return env
}

// collectUtterance reads until playbackComplete or error.
func collectUtterance(t *testing.T, conn *websocket.Conn) []protocol.Envelope {
	t.Helper()
	var events []protocol.Envelope
	for {
		env := readEvent(t, conn)
		events = append(events, env)
		if env.Type == protocol.EventPlaybackComplete || env.Type == protocol.EventError {
			return events
		}
	}
}

func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var env protocol.Envelope
	if err := conn.ReadJSON(&env); err == nil {
		t.Fatalf("expected no events, got %s", env.Type)
	}
}

func TestJoinStartsSession(t *testing.T) {
	ts := newTestServer(t, config.Default(), llm.NewMockGenerator())
	conn := ts.dial(t)

	sendCommand(t, conn, protocol.Command{Type: protocol.CommandJoin})
	env := readEvent(t, conn)
	if env.Type != protocol.EventSessionStarted {
		t.Fatalf("expected sessionStarted, got %s", env.Type)
	}
	var started protocol.SessionStarted
	if err := json.Unmarshal(env.Data, &started); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if started.SessionID == "" {
		t.Fatal("expected a session id")
	}
	if started.ConversationID != "" {
		t.Fatalf("expected stateless session, got conversation %q", started.ConversationID)
	}
	expectSilence(t, conn)
}

func TestUtteranceEventSequence(t *testing.T) {
	ts := newTestServer(t, config.Default(), llm.NewMockGenerator())
	conn := ts.dial(t)

	sendCommand(t, conn, protocol.Command{Type: protocol.CommandJoin, ConversationID: "conv-1"})
	if env := readEvent(t, conn); env.Type != protocol.EventSessionStarted {
		t.Fatalf("expected sessionStarted, got %s", env.Type)
	}

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte("fake-wav-bytes")); err != nil {
		t.Fatalf("send audio: %v", err)
	}

	events := collectUtterance(t, conn)
	if events[0].Type != protocol.EventFinalTranscript {
		t.Fatalf("expected finalTranscript first, got %s", events[0].Type)
	}
	if last := events[len(events)-1]; last.Type != protocol.EventPlaybackComplete {
		t.Fatalf("expected playbackComplete last, got %s", last.Type)
	}

	var deltaIndexes, audioSeqs []int
	sawComplete := false
	for _, env := range events {
		switch env.Type {
		case protocol.EventGenerationDelta:
			var d protocol.GenerationDelta
			if err := json.Unmarshal(env.Data, &d); err != nil {
				t.Fatalf("decode delta: %v", err)
			}
			deltaIndexes = append(deltaIndexes, d.Index)
		case protocol.EventAudioChunk:
			var c protocol.AudioChunk
			if err := json.Unmarshal(env.Data, &c); err != nil {
				t.Fatalf("decode chunk: %v", err)
			}
			audioSeqs = append(audioSeqs, c.Seq)
		case protocol.EventGenerationComplete:
			sawComplete = true
		case protocol.EventError:
			t.Fatalf("unexpected error event: %s", env.Data)
		}
	}
	if !sawComplete {
		t.Fatal("missing generationComplete")
	}
	for i, idx := range deltaIndexes {
		if idx != i {
			t.Fatalf("delta index gap: %v", deltaIndexes)
		}
	}
	if len(audioSeqs) == 0 {
		t.Fatal("expected audio chunks")
	}
	for i, seq := range audioSeqs {
		if seq != i {
			t.Fatalf("audio seq gap: %v", audioSeqs)
		}
	}

	msgs, err := ts.store.Messages(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("read history: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != history.RoleUser || msgs[1].Role != history.RoleAssistant {
		t.Fatalf("expected user+assistant turns, got %+v", msgs)
	}
}

func TestAudioBeforeJoinRejected(t *testing.T) {
	ts := newTestServer(t, config.Default(), llm.NewMockGenerator())
	conn := ts.dial(t)

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte("fake-wav-bytes")); err != nil {
		t.Fatalf("send audio: %v", err)
	}
	env := readEvent(t, conn)
	if env.Type != protocol.EventError {
		t.Fatalf("expected error event, got %s", env.Type)
	}
	var errEvt protocol.ErrorEvent
	if err := json.Unmarshal(env.Data, &errEvt); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if errEvt.Stage != "session" || !strings.Contains(errEvt.Message, "join") {
		t.Fatalf("unexpected error payload: %+v", errEvt)
	}
}

func TestOversizedAudioRejected(t *testing.T) {
	cfg := config.Default()
	cfg.Session.MaxAudioBytes = 8
	ts := newTestServer(t, cfg, llm.NewMockGenerator())
	conn := ts.dial(t)

	sendCommand(t, conn, protocol.Command{Type: protocol.CommandJoin})
	if env := readEvent(t, conn); env.Type != protocol.EventSessionStarted {
		t.Fatalf("expected sessionStarted, got %s", env.Type)
	}

	if err := conn.WriteMessage(websocket.BinaryMessage, make([]byte, 64)); err != nil {
		t.Fatalf("send audio: %v", err)
	}
	env := readEvent(t, conn)
	if env.Type != protocol.EventError {
		t.Fatalf("expected error event, got %s", env.Type)
	}
	var errEvt protocol.ErrorEvent
	if err := json.Unmarshal(env.Data, &errEvt); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if errEvt.Stage != "session" || !strings.Contains(errEvt.Message, "exceeds") {
		t.Fatalf("unexpected error payload: %+v", errEvt)
	}
}

func TestMalformedCommandReported(t *testing.T) {
	ts := newTestServer(t, config.Default(), llm.NewMockGenerator())
	conn := ts.dial(t)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if env := readEvent(t, conn); env.Type != protocol.EventError {
		t.Fatalf("expected error event, got %s", env.Type)
	}

	sendCommand(t, conn, protocol.Command{Type: "teleport"})
	env := readEvent(t, conn)
	if env.Type != protocol.EventError {
		t.Fatalf("expected error event, got %s", env.Type)
	}
}

// flakyGenerator fails its first run and succeeds afterwards.
type flakyGenerator struct {
	calls int
	inner llm.Generator
}

func (g *flakyGenerator) Generate(ctx context.Context, req llm.Request, consumer func(string) error) error {
	g.calls++
	if g.calls == 1 {
		return errors.New("model unavailable")
	}
	return g.inner.Generate(ctx, req, consumer)
}

func TestGenerationFailureLeavesSessionUsable(t *testing.T) {
	ts := newTestServer(t, config.Default(), &flakyGenerator{inner: llm.NewMockGenerator()})
	conn := ts.dial(t)

	sendCommand(t, conn, protocol.Command{Type: protocol.CommandJoin, ConversationID: "conv-1"})
	if env := readEvent(t, conn); env.Type != protocol.EventSessionStarted {
		t.Fatalf("expected sessionStarted, got %s", env.Type)
	}

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte("fake-wav-bytes")); err != nil {
		t.Fatalf("send audio: %v", err)
	}
	events := collectUtterance(t, conn)
	last := events[len(events)-1]
	if last.Type != protocol.EventError {
		t.Fatalf("expected error event, got %s", last.Type)
	}
	var errEvt protocol.ErrorEvent
	if err := json.Unmarshal(last.Data, &errEvt); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if errEvt.Stage != "generation" {
		t.Fatalf("expected generation stage, got %+v", errEvt)
	}

	// The same session recovers on the next upload.
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte("fake-wav-bytes")); err != nil {
		t.Fatalf("send audio: %v", err)
	}
	events = collectUtterance(t, conn)
	if last := events[len(events)-1]; last.Type != protocol.EventPlaybackComplete {
		t.Fatalf("expected playbackComplete, got %s", last.Type)
	}
}

func TestBase64AudioCommand(t *testing.T) {
	ts := newTestServer(t, config.Default(), llm.NewMockGenerator())
	conn := ts.dial(t)

	sendCommand(t, conn, protocol.Command{Type: protocol.CommandJoin})
	if env := readEvent(t, conn); env.Type != protocol.EventSessionStarted {
		t.Fatalf("expected sessionStarted, got %s", env.Type)
	}

	// "ZmFrZQ==" is base64 for "fake".
	sendCommand(t, conn, protocol.Command{Type: protocol.CommandAudio, Audio: "ZmFrZQ=="})
	events := collectUtterance(t, conn)
	if last := events[len(events)-1]; last.Type != protocol.EventPlaybackComplete {
		t.Fatalf("expected playbackComplete, got %s", last.Type)
	}

	sendCommand(t, conn, protocol.Command{Type: protocol.CommandAudio, Audio: "%%%not-base64%%%"})
	env := readEvent(t, conn)
	if env.Type != protocol.EventError {
		t.Fatalf("expected error event, got %s", env.Type)
	}
}
