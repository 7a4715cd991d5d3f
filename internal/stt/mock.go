package stt

import (
	"context"
	"fmt"
)

type mockTranscriber struct{}

func NewMockTranscriber() Transcriber {
	return &mockTranscriber{}
}

func (m *mockTranscriber) Transcribe(_ context.Context, wav []byte, _ string) (string, error) {
	if len(wav) == 0 {
		return "", nil
	}
	return fmt.Sprintf("[mock transcript length=%d]", len(wav)), nil
}
