package llm

import (
	"context"
	"strings"

	"github.com/kindredlabs/voice-core/internal/history"
	openai "github.com/sashabaranov/go-openai"
)

// BuildMessages assembles the model context: system prompt first, then the
// stored conversation in order, then the new user turn. Stored roles other
// than user/assistant are dropped. The caller appends the user transcript
// to the store before generation starts, so a trailing stored user turn
// identical to the new utterance is skipped rather than replayed twice.
func BuildMessages(ctx context.Context, store history.Store, req Request) ([]openai.ChatCompletionMessage, error) {
	var messages []openai.ChatCompletionMessage
	if strings.TrimSpace(req.System) != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}

	if store != nil && strings.TrimSpace(req.ConversationID) != "" {
		prior, err := store.Messages(ctx, req.ConversationID)
		if err != nil {
			return nil, err
		}
		if n := len(prior); n > 0 && prior[n-1].Role == history.RoleUser && prior[n-1].Text == req.UserText {
			prior = prior[:n-1]
		}
		for _, msg := range prior {
			switch msg.Role {
			case history.RoleUser:
				messages = append(messages, openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleUser,
					Content: msg.Text,
				})
			case history.RoleAssistant:
				messages = append(messages, openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleAssistant,
					Content: msg.Text,
				})
			}
		}
	}

	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.UserText,
	})
	return messages, nil
}
