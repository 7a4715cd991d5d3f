package history

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore holds conversations for the process lifetime.
type MemoryStore struct {
	mu            sync.Mutex
	conversations map[string]*conversation
	clock         func() time.Time
}

type conversation struct {
	mu       sync.Mutex
	messages []Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*conversation),
		clock:         time.Now,
	}
}

func (s *MemoryStore) Append(_ context.Context, conversationID string, msg Message) error {
	if strings.TrimSpace(conversationID) == "" {
		return nil
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.clock().UTC()
	}

	s.mu.Lock()
	conv := s.conversations[conversationID]
	if conv == nil {
		conv = &conversation{}
		s.conversations[conversationID] = conv
	}
	s.mu.Unlock()

	// Per-conversation lock keeps appends from overlapping utterances in
	// arrival order without serializing unrelated conversations.
	conv.mu.Lock()
	conv.messages = append(conv.messages, msg)
	conv.mu.Unlock()
	return nil
}

func (s *MemoryStore) Messages(_ context.Context, conversationID string) ([]Message, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, nil
	}

	s.mu.Lock()
	conv := s.conversations[conversationID]
	s.mu.Unlock()
	if conv == nil {
		return nil, nil
	}

	conv.mu.Lock()
	defer conv.mu.Unlock()
	out := make([]Message, len(conv.messages))
	copy(out, conv.messages)
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
