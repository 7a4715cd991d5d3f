package llm

import (
	"context"
	"testing"

	"github.com/kindredlabs/voice-core/internal/history"
	openai "github.com/sashabaranov/go-openai"
)

func TestBuildMessagesOrdering(t *testing.T) {
	ctx := context.Background()
	store := history.NewMemoryStore()
	seed := []history.Message{
		{Role: history.RoleUser, Text: "first question"},
		{Role: history.RoleAssistant, Text: "first answer"},
		{Role: "tool", Text: "should be dropped"},
	}
	for _, m := range seed {
		if err := store.Append(ctx, "conv-1", m); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	messages, err := BuildMessages(ctx, store, Request{
		ConversationID: "conv-1",
		System:         "be brief",
		UserText:       "second question",
	})
	if err != nil {
		t.Fatalf("build messages: %v", err)
	}

	want := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: "be brief"},
		{Role: openai.ChatMessageRoleUser, Content: "first question"},
		{Role: openai.ChatMessageRoleAssistant, Content: "first answer"},
		{Role: openai.ChatMessageRoleUser, Content: "second question"},
	}
	if len(messages) != len(want) {
		t.Fatalf("expected %d messages, got %d: %+v", len(want), len(messages), messages)
	}
	for i := range want {
		if messages[i].Role != want[i].Role || messages[i].Content != want[i].Content {
			t.Fatalf("message %d mismatch: got %+v want %+v", i, messages[i], want[i])
		}
	}
}

func TestBuildMessagesSkipsFreshlyAppendedUserTurn(t *testing.T) {
	ctx := context.Background()
	store := history.NewMemoryStore()
	// The coordinator appends the transcript before generation starts.
	if err := store.Append(ctx, "conv-1", history.Message{Role: history.RoleUser, Text: "hello"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	messages, err := BuildMessages(ctx, store, Request{ConversationID: "conv-1", UserText: "hello"})
	if err != nil {
		t.Fatalf("build messages: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("expected the user turn exactly once, got %+v", messages)
	}
	if messages[0].Role != openai.ChatMessageRoleUser || messages[0].Content != "hello" {
		t.Fatalf("unexpected message: %+v", messages[0])
	}
}

func TestBuildMessagesStatelessMode(t *testing.T) {
	messages, err := BuildMessages(context.Background(), nil, Request{UserText: "hi"})
	if err != nil {
		t.Fatalf("build messages: %v", err)
	}
	if len(messages) != 1 || messages[0].Content != "hi" {
		t.Fatalf("expected only the user turn, got %+v", messages)
	}
}

func TestMockGeneratorStreams(t *testing.T) {
	var got []string
	err := NewMockGenerator().Generate(context.Background(), Request{UserText: "ping"}, func(d string) error {
		got = append(got, d)
		return nil
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(got) == 0 {
		t.Fatal("expected deltas from mock generator")
	}
}
