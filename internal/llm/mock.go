package llm

import (
	"context"
	"strings"
	"time"
)

type mockGenerator struct{}

func NewMockGenerator() Generator { return &mockGenerator{} }

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(string) error) error {
	deltas := []string{"[mock ", "completion ", "for ", strings.TrimSpace(req.UserText), "]"}
	for _, delta := range deltas {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
		if err := consumer(delta); err != nil {
			return err
		}
	}
	return nil
}
