package tts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kindredlabs/voice-core/internal/config"
)

// elevenLabsStreamer drives the ElevenLabs stream-input WebSocket protocol:
// one duplex connection per utterance, voice settings as the mandatory first
// client message, one text message per delta, an empty-text sentinel for end
// of input, and JSON server messages carrying base64 audio and an isFinal
// flag.
type elevenLabsStreamer struct {
	cfg      config.TTSConfig
	endpoint string
	dialer   *websocket.Dialer
	logger   *slog.Logger
}

func NewElevenLabsStreamer(cfg config.TTSConfig, logger *slog.Logger) Streamer {
	endpoint := fmt.Sprintf("wss://api.elevenlabs.io/v1/text-to-speech/%s/stream-input?model_id=%s&output_format=%s",
		cfg.VoiceID, cfg.Model, cfg.OutputFormat)
	return newElevenLabsStreamer(cfg, endpoint, logger)
}

func newElevenLabsStreamer(cfg config.TTSConfig, endpoint string, logger *slog.Logger) Streamer {
	return &elevenLabsStreamer{
		cfg:      cfg,
		endpoint: endpoint,
		dialer:   &websocket.Dialer{HandshakeTimeout: 15 * time.Second},
		logger:   logger.With(slog.String("component", "tts-elevenlabs")),
	}
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style"`
	Speed           float64 `json:"speed"`
}

type clientMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

type serverMessage struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
}

func (s *elevenLabsStreamer) Stream(ctx context.Context, deltas <-chan string) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk)
	errs := make(chan error, 1)
	go s.run(ctx, deltas, chunks, errs)
	return chunks, errs
}

func (s *elevenLabsStreamer) run(ctx context.Context, deltas <-chan string, chunks chan<- Chunk, errs chan<- error) {
	defer close(chunks)
	defer close(errs)

	header := http.Header{}
	header.Set("xi-api-key", s.cfg.APIKey)
	conn, resp, err := s.dialer.DialContext(ctx, s.endpoint, header)
	if err != nil {
		if ctx.Err() != nil {
			errs <- ctx.Err()
			return
		}
		errs <- fmt.Errorf("dial synthesis backend: %w", err)
		return
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// Force blocked reads/writes to fail when the session is torn down.
	watcherDone := make(chan struct{})
	defer close(watcherDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-watcherDone:
		}
	}()

	// Voice settings must be the first client message; the backend rejects
	// text sent before them.
	initial := clientMessage{
		Text: " ",
		VoiceSettings: &voiceSettings{
			Stability:       s.cfg.Stability,
			SimilarityBoost: s.cfg.SimilarityBoost,
			Style:           s.cfg.Style,
			Speed:           s.cfg.Speed,
		},
	}
	if err := conn.WriteJSON(initial); err != nil {
		if ctx.Err() != nil {
			errs <- ctx.Err()
			return
		}
		errs <- fmt.Errorf("send voice settings: %w", err)
		return
	}

	sendDone := make(chan error, 1)
	go func() {
		sendDone <- s.sendText(ctx, conn, deltas)
	}()

	recvErr := s.receive(ctx, conn, chunks)

	// The sender finishes on its own: either it has already delivered the
	// sentinel, or its next write fails against the closed connection. Wait
	// for it so the connection is never abandoned with unsent input.
	sendErr := <-sendDone

	if recvErr != nil {
		errs <- recvErr
		return
	}
	if sendErr != nil && ctx.Err() == nil {
		errs <- sendErr
	}
}

func (s *elevenLabsStreamer) sendText(ctx context.Context, conn *websocket.Conn, deltas <-chan string) error {
	for {
		select {
		case delta, ok := <-deltas:
			if !ok {
				// Empty text is the end-of-input sentinel.
				if err := conn.WriteJSON(clientMessage{Text: ""}); err != nil {
					return fmt.Errorf("send end-of-input: %w", err)
				}
				return nil
			}
			if delta == "" {
				continue
			}
			if err := conn.WriteJSON(clientMessage{Text: delta}); err != nil {
				return fmt.Errorf("send text fragment: %w", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *elevenLabsStreamer) receive(ctx context.Context, conn *websocket.Conn, chunks chan<- Chunk) error {
	seq := 0
	for {
		// ReadMessage reassembles fragmented frames into one logical message.
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read synthesis message: %w", err)
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("skipping malformed synthesis message", slog.String("error", err.Error()))
			continue
		}
		if msg.Audio != "" {
			pcm, err := base64.StdEncoding.DecodeString(msg.Audio)
			if err != nil {
				s.logger.Warn("skipping undecodable audio payload", slog.String("error", err.Error()))
			} else {
				select {
				case chunks <- Chunk{Seq: seq, Audio: pcm}:
					seq++
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
		if msg.IsFinal {
			return nil
		}
	}
}
