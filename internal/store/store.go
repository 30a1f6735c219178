// ABOUTME: Persister interface for durable conversation state
// ABOUTME: The in-memory registry stays authoritative; persistence trails it

package store

import (
	"context"
	"errors"

	"github.com/2389/support-gateway/internal/conversation"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrBacklogFull is returned when the retry queue cannot take another write.
var ErrBacklogFull = errors.New("persistence backlog full")

// Persister stores conversations, their status history and their messages.
type Persister interface {
	// LoadOpenConversations returns every non-closed conversation with its
	// history and message log, for rehydrating the registry at startup.
	LoadOpenConversations(ctx context.Context) ([]conversation.Restored, error)

	// PersistConversation upserts the conversation row.
	PersistConversation(ctx context.Context, conv *conversation.Conversation) error

	// PersistTransition upserts the conversation and records the history
	// entry in one transaction.
	PersistTransition(ctx context.Context, conv *conversation.Conversation, entry *conversation.StatusEntry) error

	// PersistMessage stores an appended message.
	PersistMessage(ctx context.Context, msg *conversation.Message) error

	// PersistRead flags the given sequences as delivered and read.
	PersistRead(ctx context.Context, conversationID string, sequences []uint64) error
}
