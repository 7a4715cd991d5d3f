package history

import (
	"context"
	"time"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one immutable conversation turn.
type Message struct {
	Role      string
	Text      string
	CreatedAt time.Time
}

// Store keeps ordered conversation history keyed by conversation id.
// Appends to the same conversation are serialized by the implementation;
// nothing upstream guarantees only one utterance runs per conversation.
type Store interface {
	Append(ctx context.Context, conversationID string, msg Message) error
	Messages(ctx context.Context, conversationID string) ([]Message, error)
	Close() error
}
