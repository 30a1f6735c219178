// ABOUTME: In-memory Persister for tests, with switchable failure injection
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/2389/support-gateway/internal/conversation"
)

// ErrInjected is returned by MockStore while failing is switched on.
var ErrInjected = errors.New("injected storage failure")

// MockStore is an in-memory Persister implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*conversation.Conversation
	history       map[string][]conversation.StatusEntry
	messages      map[string][]*conversation.Message
	calls         []string
	failing       bool
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*conversation.Conversation),
		history:       make(map[string][]conversation.StatusEntry),
		messages:      make(map[string][]*conversation.Message),
	}
}

// SetFailing makes every write fail with ErrInjected until switched off.
func (m *MockStore) SetFailing(failing bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing = failing
}

// Calls lists successful writes in the order they landed, as "kind:id".
func (m *MockStore) Calls() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.calls)
}

// LoadOpenConversations returns every non-closed conversation.
func (m *MockStore) LoadOpenConversations(ctx context.Context) ([]conversation.Restored, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []conversation.Restored
	for id, c := range m.conversations {
		if c.Status == conversation.StatusClosed {
			continue
		}
		conv := c.Clone()
		conv.StatusHistory = slices.Clone(m.history[id])
		var msgs []*conversation.Message
		for _, msg := range m.messages[id] {
			cp := *msg
			msgs = append(msgs, &cp)
		}
		out = append(out, conversation.Restored{Conversation: conv, Messages: msgs})
	}
	slices.SortFunc(out, func(a, b conversation.Restored) int {
		return a.Conversation.CreatedAt.Compare(b.Conversation.CreatedAt)
	})
	return out, nil
}

// PersistConversation stores a copy of the conversation.
func (m *MockStore) PersistConversation(ctx context.Context, conv *conversation.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return ErrInjected
	}
	m.conversations[conv.ID] = conv.Clone()
	m.calls = append(m.calls, "conversation:"+conv.ID)
	return nil
}

// PersistTransition stores the conversation and appends the entry.
func (m *MockStore) PersistTransition(ctx context.Context, conv *conversation.Conversation, entry *conversation.StatusEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return ErrInjected
	}
	m.conversations[conv.ID] = conv.Clone()
	if entry != nil {
		m.history[conv.ID] = append(m.history[conv.ID], *entry)
	}
	m.calls = append(m.calls, "transition:"+conv.ID)
	return nil
}

// PersistMessage stores a copy of the message.
func (m *MockStore) PersistMessage(ctx context.Context, msg *conversation.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return ErrInjected
	}
	if _, ok := m.conversations[msg.ConversationID]; !ok {
		return ErrNotFound
	}
	cp := *msg
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], &cp)
	m.calls = append(m.calls, "message:"+msg.ID)
	return nil
}

// PersistRead flags the stored messages.
func (m *MockStore) PersistRead(ctx context.Context, conversationID string, sequences []uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return ErrInjected
	}
	for _, msg := range m.messages[conversationID] {
		if slices.Contains(sequences, msg.Sequence) {
			msg.Delivered = true
			msg.Read = true
		}
	}
	m.calls = append(m.calls, "read:"+conversationID)
	return nil
}

// Conversation returns the stored copy, if any.
func (m *MockStore) Conversation(id string) (*conversation.Conversation, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conversations[id]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

// Messages returns the stored messages of a conversation.
func (m *MockStore) Messages(conversationID string) []*conversation.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*conversation.Message, 0, len(m.messages[conversationID]))
	for _, msg := range m.messages[conversationID] {
		cp := *msg
		out = append(out, &cp)
	}
	return out
}

// History returns the stored status entries of a conversation.
func (m *MockStore) History(conversationID string) []conversation.StatusEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.history[conversationID])
}
