package stt

import (
	"context"
)

// Transcriber abstracts speech-to-text backends. The input is one complete
// WAV segment; the result is best-effort text, empty when the backend heard
// nothing usable. Backend failures are returned as errors and are distinct
// from an empty transcript.
type Transcriber interface {
	Transcribe(ctx context.Context, wav []byte, locale string) (string, error)
}
