// Package history is the append-only chat transcript store. Messages in one
// session are retrievable in exact insertion order; historical messages are
// never edited in place.
package history

import (
	"context"
	"time"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is one transcript entry. Metadata is opaque to the store and
// carries things like expanded sub-questions, source file ids and the
// truncated flag.
type Message struct {
	Role      string                 `bson:"role" json:"role"`
	Content   string                 `bson:"content" json:"content"`
	Timestamp time.Time              `bson:"timestamp" json:"timestamp"`
	Metadata  map[string]interface{} `bson:"metadata,omitempty" json:"metadata,omitempty"`
}

// Store is the session transcript contract.
type Store interface {
	// AppendMessage adds one message to the end of a session.
	AppendMessage(ctx context.Context, sessionID string, msg Message) error

	// GetMessages returns messages in insertion order. limit > 0 returns
	// only the last limit messages, still oldest-first.
	GetMessages(ctx context.Context, sessionID string, limit int) ([]Message, error)

	// DeleteSession removes a session and its messages.
	DeleteSession(ctx context.Context, sessionID string) error

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}
