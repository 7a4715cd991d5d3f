package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/kindredlabs/voice-core/internal/config"
	"github.com/kindredlabs/voice-core/internal/pipeline"
	"github.com/kindredlabs/voice-core/internal/protocol"
	"github.com/kindredlabs/voice-core/internal/session"
)

// Service terminates client WebSocket connections and drives the voice
// pipeline on their behalf. One Session exists per live connection; the
// session is destroyed, and any in-flight utterance cancelled, when the
// socket closes.
type Service struct {
	cfg      config.Config
	sessions *session.Registry
	pipeline *pipeline.Coordinator
	logger   *slog.Logger
	upgrader websocket.Upgrader

	baseCtx context.Context
	wg      sync.WaitGroup
}

func NewService(ctx context.Context, cfg config.Config, coordinator *pipeline.Coordinator, sessions *session.Registry, logger *slog.Logger) *Service {
	return &Service{
		cfg:      cfg,
		sessions: sessions,
		pipeline: coordinator,
		logger:   logger.With(slog.String("component", "gateway")),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		baseCtx: ctx,
	}
}

// Close waits for in-flight utterances to finish. The runtime cancels the
// base context first, so pending runs unwind quickly.
func (s *Service) Close() {
	s.wg.Wait()
}

func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	connKey := strings.ReplaceAll(uuid.NewString(), "-", "")
	s.serve(connKey, conn)
}

func (s *Service) serve(connKey string, conn *websocket.Conn) {
	defer conn.Close()
	defer s.sessions.Destroy(connKey)

	writer := &eventWriter{conn: conn}
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("connection dropped", slog.String("connection", connKey), slog.String("error", err.Error()))
			}
			return
		}
		switch msgType {
		case websocket.TextMessage:
			s.handleCommand(connKey, data, writer)
		case websocket.BinaryMessage:
			// Binary frames carry a raw WAV segment.
			s.dispatchAudio(connKey, data, writer)
		}
	}
}

func (s *Service) handleCommand(connKey string, data []byte, writer *eventWriter) {
	var cmd protocol.Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		s.emitError(writer, "", "malformed command")
		return
	}

	switch cmd.Type {
	case protocol.CommandJoin:
		sess := s.sessions.Create(s.baseCtx, connKey, cmd.ConversationID)
		s.logger.Info("session started",
			slog.String("session_id", sess.ID),
			slog.String("conversation_id", sess.ConversationID))
		if err := writer.Emit(protocol.EventSessionStarted, protocol.SessionStarted{
			SessionID:      sess.ID,
			ConversationID: sess.ConversationID,
		}); err != nil {
			s.logger.Warn("failed to deliver sessionStarted", slog.String("error", err.Error()))
		}
	case protocol.CommandAudio:
		wav, err := base64.StdEncoding.DecodeString(cmd.Audio)
		if err != nil {
			s.emitError(writer, "session", "audio payload is not valid base64")
			return
		}
		s.dispatchAudio(connKey, wav, writer)
	default:
		s.emitError(writer, "", fmt.Sprintf("unknown command type %q", cmd.Type))
	}
}

// dispatchAudio starts one pipeline run without blocking the read loop, so
// the client can still issue commands while an utterance is in flight.
func (s *Service) dispatchAudio(connKey string, wav []byte, writer *eventWriter) {
	sess, err := s.sessions.Lookup(connKey)
	if err != nil {
		s.emitError(writer, "session", err.Error())
		return
	}
	if max := s.cfg.Session.MaxAudioBytes; max > 0 && len(wav) > max {
		s.emitError(writer, "session", fmt.Sprintf("audio segment exceeds %d bytes", max))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.pipeline.ProcessAudio(sess.Context(), sess, wav, writer)
		s.reportRunError(sess, writer, err)
	}()
}

func (s *Service) reportRunError(sess *session.Session, writer *eventWriter, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// The session was torn down; nobody is listening anymore.
		s.logger.Debug("utterance cancelled", slog.String("session_id", sess.ID))
		return
	}
	if errors.Is(err, session.ErrRunInFlight) {
		s.emitError(writer, "session", err.Error())
		return
	}
	var stageErr *pipeline.StageError
	if errors.As(err, &stageErr) {
		s.logger.Error("pipeline stage failed",
			slog.String("session_id", sess.ID),
			slog.String("stage", stageErr.Stage),
			slog.String("error", stageErr.Err.Error()))
		s.emitError(writer, stageErr.Stage, stageErr.Err.Error())
		return
	}
	// Anything else is a delivery failure on this very socket.
	s.logger.Warn("failed to deliver pipeline events",
		slog.String("session_id", sess.ID),
		slog.String("error", err.Error()))
}

func (s *Service) emitError(writer *eventWriter, stage, message string) {
	if err := writer.Emit(protocol.EventError, protocol.ErrorEvent{Stage: stage, Message: message}); err != nil {
		s.logger.Warn("failed to deliver error event", slog.String("error", err.Error()))
	}
}

// eventWriter serializes event frames onto one socket. Emit is called from
// the read loop, the generation goroutine, and the audio relay.
type eventWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *eventWriter) Emit(eventType string, payload any) error {
	env, err := protocol.Wrap(eventType, payload)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(env)
}
