package tts

import "context"

// Chunk is one synthesized audio chunk in backend receive order.
type Chunk struct {
	Seq   int
	Audio []byte
}

// Streamer consumes text deltas while concurrently producing audio chunks
// over one persistent backend connection. The deltas channel must be closed
// by the caller to signal end of input; the returned chunk channel closes
// when the backend finishes or the context is cancelled. At most one error
// is delivered on the error channel.
type Streamer interface {
	Stream(ctx context.Context, deltas <-chan string) (<-chan Chunk, <-chan error)
}
