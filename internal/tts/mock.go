package tts

import "context"

type mockStreamer struct{}

func NewMockStreamer() Streamer { return &mockStreamer{} }

// Stream echoes each delta back as one audio chunk, which keeps the full
// pipeline exercisable without a synthesis backend.
func (m *mockStreamer) Stream(ctx context.Context, deltas <-chan string) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		seq := 0
		for {
			select {
			case delta, ok := <-deltas:
				if !ok {
					return
				}
				if delta == "" {
					continue
				}
				select {
				case chunks <- Chunk{Seq: seq, Audio: []byte(delta)}:
					seq++
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()
	return chunks, errs
}
