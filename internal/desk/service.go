// ABOUTME: Desk service composing registry, message log, queue, broker, persistence and outbound delivery
// ABOUTME: Every operation commits to the registry first; persistence and channel delivery trail it

package desk

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/support-gateway/internal/broker"
	"github.com/2389/support-gateway/internal/conversation"
	"github.com/2389/support-gateway/internal/metrics"
	"github.com/2389/support-gateway/internal/outbound"
	"github.com/2389/support-gateway/internal/queue"
	"github.com/2389/support-gateway/internal/store"
)

// Outbox queues agent and bot messages for the customer's channel.
type Outbox interface {
	Submit(d outbound.Delivery) error
}

// Options configures a Service. Persister is required.
type Options struct {
	LockTimeout time.Duration
	Policy      conversation.EscalationPolicy
	Broker      broker.Options // Backlog is always the service's message log
	Persister   store.Persister
	Outbox      Outbox // nil skips channel delivery
	Logger      *slog.Logger
	Clock       func() time.Time
}

// Service is the support desk: the single entry point the transports use.
type Service struct {
	registry  *conversation.Registry
	log       *conversation.MessageLog
	queue     *queue.Dispatcher
	broker    *broker.Broker
	persister store.Persister
	outbox    Outbox
	logger    *slog.Logger
}

// New wires a desk with empty state. Call Restore before serving traffic to
// load persisted conversations.
func New(opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Broker.Logger == nil {
		opts.Broker.Logger = opts.Logger
	}
	if opts.Broker.Clock == nil {
		opts.Broker.Clock = opts.Clock
	}

	n := &notifier{}
	reg := conversation.NewRegistry(conversation.Options{
		LockTimeout: opts.LockTimeout,
		Policy:      opts.Policy,
		Observer:    n,
		Logger:      opts.Logger,
		Clock:       opts.Clock,
	})
	log := conversation.NewMessageLog(reg)
	opts.Broker.Backlog = log

	s := &Service{
		registry:  reg,
		log:       log,
		queue:     queue.New(reg, opts.Logger),
		broker:    broker.New(opts.Broker),
		persister: opts.Persister,
		outbox:    opts.Outbox,
		logger:    opts.Logger.With("component", "desk"),
	}
	n.broker = s.broker
	n.queue = s.queue
	return s
}

// Broker is the connection broker the WebSocket layer registers with.
func (s *Service) Broker() *broker.Broker { return s.broker }

// Restore rehydrates open conversations from the persister and queues the
// waiting ones. It returns how many conversations were loaded.
func (s *Service) Restore(ctx context.Context) (int, error) {
	restored, err := s.persister.LoadOpenConversations(ctx)
	if err != nil {
		return 0, fmt.Errorf("loading open conversations: %w", err)
	}

	var n int
	for _, rc := range restored {
		if err := s.registry.Restore(rc); err != nil {
			s.logger.Error("skipping unrestorable conversation", "error", err)
			continue
		}
		if rc.Conversation.Status == conversation.StatusWaiting {
			s.queue.Enqueue(rc.Conversation)
		}
		n++
	}
	metrics.QueueDepth.Set(float64(s.queue.Len()))
	s.logger.Info("conversations restored", "count", n, "waiting", s.queue.Len())
	return n, nil
}

// Inbound is a customer message arriving from the channel.
type Inbound struct {
	Customer conversation.Customer
	Content  conversation.Content
	Priority conversation.Priority
	Tags     []string
	Metadata map[string]string
}

// InboundResult reports where an inbound message landed.
type InboundResult struct {
	Conversation *conversation.Conversation `json:"conversation"`
	Message      *conversation.Message      `json:"message"`
	Created      bool                       `json:"created"`
}

// HandleInbound appends the customer's message to their open conversation,
// opening one in AUTOMATION first when there is none.
func (s *Service) HandleInbound(ctx context.Context, in Inbound) (*InboundResult, error) {
	content := in.Content
	conv, msg, created, err := s.create(ctx, conversation.NewConversation{
		Customer:       in.Customer,
		Priority:       in.Priority,
		Tags:           in.Tags,
		Metadata:       in.Metadata,
		InitialMessage: &content,
	})
	if err != nil {
		return nil, err
	}
	return &InboundResult{Conversation: conv, Message: msg, Created: created}, nil
}

// Create opens a conversation, or returns the customer's open one.
func (s *Service) Create(ctx context.Context, req conversation.NewConversation) (*InboundResult, error) {
	conv, msg, created, err := s.create(ctx, req)
	if err != nil {
		return nil, err
	}
	return &InboundResult{Conversation: conv, Message: msg, Created: created}, nil
}

func (s *Service) create(ctx context.Context, req conversation.NewConversation) (*conversation.Conversation, *conversation.Message, bool, error) {
	conv, msg, created, err := s.registry.Create(ctx, req)
	if err != nil {
		return nil, nil, false, err
	}
	if created {
		s.persisted("create", conv.ID, s.persister.PersistConversation(ctx, conv))
	}
	if msg != nil {
		s.persisted("append", conv.ID, s.persister.PersistMessage(ctx, msg))
	}
	return conv, msg, created, nil
}

// Append adds a message to the conversation. Agent and bot messages are
// also queued for delivery to the customer; a delivery failure never undoes
// the append.
func (s *Service) Append(ctx context.Context, conversationID string, d conversation.Draft) (*conversation.Message, error) {
	msg, err := s.log.Append(ctx, conversationID, d)
	if err != nil {
		return nil, err
	}
	s.persisted("append", conversationID, s.persister.PersistMessage(ctx, msg))

	if s.outbox != nil && (d.Sender.Kind == conversation.SenderAgent || d.Sender.Kind == conversation.SenderBot) {
		s.deliver(msg)
	}
	return msg, nil
}

func (s *Service) deliver(msg *conversation.Message) {
	conv, err := s.registry.Get(msg.ConversationID)
	if err != nil {
		s.logger.Error("cannot deliver message", "message_id", msg.ID, "error", err)
		return
	}
	err = s.outbox.Submit(outbound.Delivery{
		ConversationID: conv.ID,
		CustomerPhone:  conv.Customer.Phone,
		Message:        msg,
	})
	if err != nil {
		s.logger.Warn("outbound delivery not queued",
			"conversation_id", conv.ID,
			"message_id", msg.ID,
			"error", err)
	}
}

// Messages returns the log after afterSeq.
func (s *Service) Messages(ctx context.Context, conversationID string, afterSeq uint64) ([]*conversation.Message, error) {
	return s.log.GetSince(ctx, conversationID, afterSeq)
}

// MarkRead acknowledges messages through throughSeq for the reader's side
// and tells the room which sequences changed.
func (s *Service) MarkRead(ctx context.Context, conversationID string, throughSeq uint64, reader conversation.SenderKind, readerID string) ([]uint64, error) {
	seqs, err := s.log.MarkRead(ctx, conversationID, throughSeq, reader)
	if err != nil {
		return nil, err
	}
	if len(seqs) == 0 {
		return seqs, nil
	}
	s.persisted("mark_read", conversationID, s.persister.PersistRead(ctx, conversationID, seqs))
	s.broker.Broadcast(conversationID, broker.Event{
		Type:           broker.EventReadReceipt,
		ConversationID: conversationID,
		Payload: broker.ReadReceiptPayload{
			Reader:    reader,
			ReaderID:  readerID,
			Sequences: seqs,
		},
	}, "")
	return seqs, nil
}

// Assign hands the conversation to agentID.
func (s *Service) Assign(ctx context.Context, id, agentID string) (*conversation.Conversation, error) {
	ch, err := s.registry.Assign(ctx, id, agentID)
	return s.settle(ctx, "assign", ch, err, false)
}

// Takeover pulls a bot-handled conversation to agentID.
func (s *Service) Takeover(ctx context.Context, id, agentID string) (*conversation.Conversation, error) {
	ch, err := s.registry.Takeover(ctx, id, agentID)
	return s.settle(ctx, "takeover", ch, err, false)
}

// Release hands the conversation back to the bot.
func (s *Service) Release(ctx context.Context, id, agentID string) (*conversation.Conversation, error) {
	ch, err := s.registry.ReleaseToAutomation(ctx, id, agentID)
	return s.settle(ctx, "release", ch, err, false)
}

// Escalate queues a bot-handled conversation for a human.
func (s *Service) Escalate(ctx context.Context, id, actor, reason string) (*conversation.Conversation, error) {
	ch, err := s.registry.Escalate(ctx, id, actor, reason)
	return s.settle(ctx, "escalate", ch, err, false)
}

// RecordBotAttempt counts a failed bot answer, escalating per policy.
func (s *Service) RecordBotAttempt(ctx context.Context, id string) (*conversation.Conversation, error) {
	ch, err := s.registry.RecordBotAttempt(ctx, id)
	return s.settle(ctx, "bot_attempt", ch, err, true)
}

// Close ends the conversation. Live connections stay open and see the
// CLOSED status_changed.
func (s *Service) Close(ctx context.Context, id, reason, actor string) (*conversation.Conversation, error) {
	ch, err := s.registry.Close(ctx, id, reason, actor)
	return s.settle(ctx, "close", ch, err, false)
}

// SetPriority changes the priority, moving a waiting conversation to its new
// place in the queue.
func (s *Service) SetPriority(ctx context.Context, id string, p conversation.Priority) (*conversation.Conversation, error) {
	ch, err := s.registry.SetPriority(ctx, id, p)
	conv, err := s.settle(ctx, "set_priority", ch, err, true)
	if err != nil {
		return nil, err
	}
	if conv.Status == conversation.StatusWaiting {
		s.queue.Enqueue(conv)
	}
	return conv, nil
}

// PickNext assigns the most urgent waiting conversation to agentID.
func (s *Service) PickNext(ctx context.Context, agentID string) (*conversation.Conversation, error) {
	ch, err := s.queue.PickNext(ctx, agentID)
	return s.settle(ctx, "pick_next", ch, err, false)
}

// settle persists the outcome of a registry mutation. Fan-out and queue
// upkeep already happened inside the critical section (see notifier).
// dirty marks mutations that change the row without a transition.
func (s *Service) settle(ctx context.Context, op string, ch *conversation.Change, err error, dirty bool) (*conversation.Conversation, error) {
	if err != nil {
		return nil, err
	}
	conv := ch.Conversation
	switch {
	case ch.Changed():
		s.persisted(op, conv.ID, s.persister.PersistTransition(ctx, conv, ch.Entry))
	case dirty:
		s.persisted(op, conv.ID, s.persister.PersistConversation(ctx, conv))
	}
	return conv, nil
}

// persisted logs a write the persister refused. The registry stays
// authoritative either way.
func (s *Service) persisted(op, conversationID string, err error) {
	if err == nil {
		return
	}
	s.logger.Error("write not persisted",
		"op", op,
		"conversation_id", conversationID,
		"error", err)
}

// GetConversation returns a snapshot.
func (s *Service) GetConversation(id string) (*conversation.Conversation, error) {
	return s.registry.Get(id)
}

// List returns conversations matching the filter.
func (s *Service) List(f conversation.ListFilter) []*conversation.Conversation {
	return s.registry.List(f)
}

// ListWaiting returns waiting conversations in hand-out order.
func (s *Service) ListWaiting() []*conversation.Conversation {
	entries := s.queue.Snapshot()
	out := make([]*conversation.Conversation, 0, len(entries))
	for _, e := range entries {
		c, err := s.registry.Get(e.ConversationID)
		if err != nil || c.Status != conversation.StatusWaiting {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Stats is the desk health summary.
type Stats struct {
	Conversations map[conversation.Status]int `json:"conversations"`
	Queue         queue.Stats                 `json:"queue"`
	Broker        broker.Stats                `json:"broker"`
	Persistence   *store.Stats                `json:"persistence,omitempty"`
	Outbound      *outbound.Stats             `json:"outbound,omitempty"`
}

// Stats gathers counters from every component.
func (s *Service) Stats() Stats {
	st := Stats{
		Conversations: s.registry.Counts(),
		Queue:         s.queue.Stats(),
		Broker:        s.broker.Stats(),
	}
	if p, ok := s.persister.(interface{ Stats() store.Stats }); ok {
		ps := p.Stats()
		st.Persistence = &ps
	}
	if o, ok := s.outbox.(interface{ Stats() outbound.Stats }); ok {
		obs := o.Stats()
		st.Outbound = &obs
	}
	return st
}

// Degraded reports whether persistence is behind.
func (s *Service) Degraded() bool {
	p, ok := s.persister.(interface{ Degraded() bool })
	return ok && p.Degraded()
}
