package llm

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/kindredlabs/voice-core/internal/config"
	"github.com/kindredlabs/voice-core/internal/history"
	openai "github.com/sashabaranov/go-openai"
)

type openaiGenerator struct {
	cfg    config.LLMConfig
	client *openai.Client
	store  history.Store
}

// NewOpenAIGenerator streams chat completions from an OpenAI-compatible
// endpoint, loading prior conversation context from the store.
func NewOpenAIGenerator(cfg config.LLMConfig, store history.Store) Generator {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &openaiGenerator{
		cfg:    cfg,
		client: openai.NewClientWithConfig(clientCfg),
		store:  store,
	}
}

func (g *openaiGenerator) Generate(ctx context.Context, req Request, consumer func(string) error) error {
	messages, err := BuildMessages(ctx, g.store, req)
	if err != nil {
		return fmt.Errorf("assemble context: %w", err)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = g.cfg.MaxTokens
	}
	stream, err := g.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       g.cfg.Model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: float32(req.Temperature),
		Stream:      true,
	})
	if err != nil {
		return fmt.Errorf("open completion stream: %w", err)
	}
	defer stream.Close()

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("receive completion delta: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		if err := consumer(delta); err != nil {
			return err
		}
	}
}
