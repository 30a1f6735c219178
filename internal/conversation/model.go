// ABOUTME: Conversation and message data types for the support core
// ABOUTME: Defines the status graph, priorities, sender kinds and snapshot cloning

package conversation

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// ErrConversationClosed is wrapped into a conflict error when a closed
// conversation is asked to change.
var ErrConversationClosed = errors.New("conversation is closed")

// Status is the lifecycle state of a conversation.
type Status string

const (
	StatusAutomation Status = "AUTOMATION" // bot-handled
	StatusWaiting    Status = "WAITING"    // queued for a human agent
	StatusInService  Status = "IN_SERVICE" // handled by an assigned agent
	StatusClosed     Status = "CLOSED"     // terminal
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusAutomation, StatusWaiting, StatusInService, StatusClosed:
		return true
	}
	return false
}

// transitions is the complete edge set. CLOSED is reachable from every
// non-closed state and has no outgoing edges.
var transitions = map[Status][]Status{
	StatusAutomation: {StatusWaiting, StatusInService, StatusClosed},
	StatusWaiting:    {StatusInService, StatusClosed},
	StatusInService:  {StatusAutomation, StatusClosed},
	StatusClosed:     nil,
}

// CanTransition reports whether from -> to is an edge of the status graph.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// Priority orders waiting conversations. Higher values are served first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority parses "low", "normal", "high" or "urgent". Empty means normal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "urgent":
		return PriorityUrgent, nil
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

func (p Priority) MarshalText() ([]byte, error) {
	if p < PriorityLow || p > PriorityUrgent {
		return nil, fmt.Errorf("invalid priority %d", int(p))
	}
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Customer is the external identity a conversation is tied to.
type Customer struct {
	Phone string `json:"phone"`
	Name  string `json:"name"`
}

// StatusEntry is one audit record of a status transition.
type StatusEntry struct {
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	Actor  string    `json:"actor"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Preview caches the latest message for list views.
type Preview struct {
	Sequence   uint64     `json:"sequence"`
	SenderKind SenderKind `json:"sender_kind"`
	Text       string     `json:"text"`
	At         time.Time  `json:"at"`
}

// Conversation is one support thread. Values handed out by the registry are
// snapshots; mutating them has no effect on registry state.
type Conversation struct {
	ID              string            `json:"id"`
	Customer        Customer          `json:"customer"`
	Status          Status            `json:"status"`
	AssignedAgentID string            `json:"assigned_agent_id,omitempty"`
	Priority        Priority          `json:"priority"`
	BotAttempts     int               `json:"bot_attempts"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	AssignedAt      *time.Time        `json:"assigned_at,omitempty"`
	ClosedAt        *time.Time        `json:"closed_at,omitempty"`
	LastMessage     *Preview          `json:"last_message,omitempty"`
	LastSequence    uint64            `json:"last_sequence"`
	Tags            []string          `json:"tags,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	StatusHistory   []StatusEntry     `json:"status_history"`
}

// Clone returns a deep copy.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	if c.AssignedAt != nil {
		t := *c.AssignedAt
		out.AssignedAt = &t
	}
	if c.ClosedAt != nil {
		t := *c.ClosedAt
		out.ClosedAt = &t
	}
	if c.LastMessage != nil {
		p := *c.LastMessage
		out.LastMessage = &p
	}
	out.Tags = slices.Clone(c.Tags)
	out.Metadata = maps.Clone(c.Metadata)
	out.StatusHistory = slices.Clone(c.StatusHistory)
	return &out
}

// SenderKind identifies who wrote a message.
type SenderKind string

const (
	SenderCustomer SenderKind = "customer"
	SenderAgent    SenderKind = "agent"
	SenderBot      SenderKind = "bot"
	SenderSystem   SenderKind = "system"
)

// Valid reports whether k is a known sender kind.
func (k SenderKind) Valid() bool {
	switch k {
	case SenderCustomer, SenderAgent, SenderBot, SenderSystem:
		return true
	}
	return false
}

// Sender is the author of a message.
type Sender struct {
	Kind SenderKind `json:"kind"`
	ID   string     `json:"id,omitempty"`
}

// Message is one immutable entry of a conversation's log. Only the
// Delivered and Read flags change after append.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Sequence       uint64    `json:"sequence"`
	Sender         Sender    `json:"sender"`
	Content        Content   `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
	Delivered      bool      `json:"delivered"`
	Read           bool      `json:"read"`
}

// Draft is a message before it has been sequenced.
type Draft struct {
	Sender  Sender
	Content Content
}

func (d Draft) validate(op string) error {
	if !d.Sender.Kind.Valid() {
		return validationf(op, "unknown sender kind %q", d.Sender.Kind)
	}
	if d.Sender.Kind == SenderAgent && d.Sender.ID == "" {
		return validationf(op, "agent messages need a sender id")
	}
	if err := d.Content.Validate(); err != nil {
		return validationf(op, "%v", err)
	}
	return nil
}

// Restored is a conversation loaded from persistence together with its log.
type Restored struct {
	Conversation *Conversation
	Messages     []*Message
}
