package history

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps transcripts in process memory. Used in tests.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string][]Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string][]Message)}
}

func (s *MemoryStore) AppendMessage(ctx context.Context, sessionID string, msg Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	s.mu.Lock()
	s.sessions[sessionID] = append(s.sessions[sessionID], msg)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetMessages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	s.mu.RLock()
	stored := s.sessions[sessionID]
	messages := make([]Message, len(stored))
	copy(messages, stored)
	s.mu.RUnlock()

	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	return messages, nil
}

func (s *MemoryStore) DeleteSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) Close(ctx context.Context) error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
