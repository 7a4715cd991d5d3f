package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Client command types accepted on the session socket.
const (
	CommandJoin  = "join"
	CommandAudio = "audio"
)

// Server event types emitted on the session socket. Per utterance the
// normal order is finalTranscript, generationDelta*, generationComplete,
// audioChunk*, playbackComplete; an error event replaces the remainder.
const (
	EventSessionStarted     = "sessionStarted"
	EventFinalTranscript    = "finalTranscript"
	EventGenerationDelta    = "generationDelta"
	EventGenerationComplete = "generationComplete"
	EventAudioChunk         = "audioChunk"
	EventPlaybackComplete   = "playbackComplete"
	EventError              = "error"
)

// Envelope is the tagged JSON frame exchanged over the session socket.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Command is a decoded client request.
type Command struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id,omitempty"`
	// Audio carries one base64-encoded WAV segment for the audio command.
	Audio string `json:"audio,omitempty"`
}

type SessionStarted struct {
	SessionID      string `json:"session_id"`
	ConversationID string `json:"conversation_id,omitempty"`
}

type FinalTranscript struct {
	SegmentID string `json:"segment_id"`
	Text      string `json:"text"`
}

type GenerationDelta struct {
	SegmentID string `json:"segment_id"`
	Text      string `json:"text"`
	Index     int    `json:"index"`
}

type GenerationComplete struct {
	SegmentID string `json:"segment_id"`
}

type AudioChunk struct {
	SegmentID string `json:"segment_id"`
	Seq       int    `json:"seq"`
	// Audio is a base64-encoded PCM chunk as produced by the synthesizer.
	Audio string `json:"audio"`
}

type PlaybackComplete struct {
	SegmentID string `json:"segment_id"`
}

type ErrorEvent struct {
	Stage   string `json:"stage,omitempty"`
	Message string `json:"message"`
}

// Wrap encodes a payload into a typed envelope.
func Wrap(eventType string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Envelope{Type: eventType, Data: data}, nil
}

// Bus subjects for the optional event mirror.
const (
	SubjectTranscriptFinal   = "voice.transcript.final"
	SubjectUtteranceComplete = "voice.utterance.complete"
)

// Transcript mirrors a final user transcript onto the bus.
type Transcript struct {
	SessionID      string    `json:"session_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	SegmentID      string    `json:"segment_id"`
	Text           string    `json:"text"`
	Timestamp      time.Time `json:"timestamp"`
}

// UtteranceComplete mirrors the end of one fully processed utterance.
type UtteranceComplete struct {
	SessionID   string    `json:"session_id"`
	SegmentID   string    `json:"segment_id"`
	Deltas      int       `json:"deltas"`
	AudioChunks int       `json:"audio_chunks"`
	Timestamp   time.Time `json:"timestamp"`
}
