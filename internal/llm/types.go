package llm

import (
	"context"
)

// Request describes one generation turn.
type Request struct {
	ConversationID string
	System         string
	UserText       string
	MaxTokens      int
	Temperature    float64
}

// Generator streams model output as text deltas. The consumer is invoked
// once per non-empty delta in production order; a consumer error stops the
// stream and is returned. Generate returns after the backend signals
// end-of-stream.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(delta string) error) error
}
