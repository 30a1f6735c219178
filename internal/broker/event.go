// ABOUTME: Real-time event envelope and transport contract for the connection broker
// ABOUTME: Every event carries its conversation id, payload and server timestamp

package broker

import (
	"context"
	"time"

	"github.com/2389/support-gateway/internal/conversation"
)

// EventType names a real-time event.
type EventType string

const (
	EventNewMessage    EventType = "new_message"
	EventStatusChanged EventType = "status_changed"
	EventTypingStatus  EventType = "typing_status"
	EventUserJoined    EventType = "user_joined"
	EventUserLeft      EventType = "user_left"
	EventHeartbeat     EventType = "heartbeat"
	EventReadReceipt   EventType = "read_receipt"
	EventShutdown      EventType = "shutdown"
)

// Event is what connections receive.
type Event struct {
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Payload        any       `json:"payload,omitempty"`
	Timestamp      time.Time `json:"timestamp"`

	// Sequence is set on new_message events. It lets a replaying connection
	// skip live copies of messages it already got from the backlog.
	Sequence uint64 `json:"sequence,omitempty"`
}

// MessageEvent wraps a stored message as a new_message event.
func MessageEvent(m *conversation.Message) Event {
	return Event{
		Type:           EventNewMessage,
		ConversationID: m.ConversationID,
		Payload:        m,
		Timestamp:      m.CreatedAt,
		Sequence:       m.Sequence,
	}
}

// StatusPayload is the payload of status_changed. Assignment is a
// status_changed whose AgentID is set.
type StatusPayload struct {
	From    conversation.Status `json:"from"`
	To      conversation.Status `json:"to"`
	AgentID string              `json:"agent_id,omitempty"`
	Actor   string              `json:"actor,omitempty"`
	Reason  string              `json:"reason,omitempty"`
}

// TypingPayload is the payload of typing_status.
type TypingPayload struct {
	UserID   string `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}

// PresencePayload is the payload of user_joined and user_left.
type PresencePayload struct {
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
	DisplayName  string `json:"display_name,omitempty"`
	Role         string `json:"role,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// ReadReceiptPayload is the payload of read_receipt.
type ReadReceiptPayload struct {
	Reader    conversation.SenderKind `json:"reader"`
	ReaderID  string                  `json:"reader_id,omitempty"`
	Sequences []uint64                `json:"sequences"`
}

// Transport writes events to one client. Send must honor ctx's deadline.
// The broker calls Send from a single goroutine per connection.
type Transport interface {
	Send(ctx context.Context, ev Event) error
	Close() error
}

// Backlog supplies missed messages on reconnect.
type Backlog interface {
	GetSince(ctx context.Context, conversationID string, afterSeq uint64) ([]*conversation.Message, error)
}
