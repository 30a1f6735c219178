// ABOUTME: ConversationRegistry owns conversations and enforces the status state machine
// ABOUTME: Every mutation runs inside the conversation's own bounded critical section

package conversation

import (
	"context"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/2389/support-gateway/internal/apperr"
	"github.com/2389/support-gateway/internal/shard"
)

// defaultLockTimeout bounds how long an operation waits for a busy conversation.
const defaultLockTimeout = 2 * time.Second

var phonePattern = regexp.MustCompile(`^\+[1-9][0-9]{6,14}$`)

// entry is the single-writer cell for one conversation. The buffered channel
// is the lock: holding the token is holding the critical section.
type entry struct {
	lock     chan struct{}
	conv     *Conversation
	messages []Message
	firstSeq uint64

	// snapshot is republished after every mutation so reads never block on
	// a busy conversation.
	snapshot atomic.Pointer[Conversation]
}

func newEntry(conv *Conversation) *entry {
	e := &entry{lock: make(chan struct{}, 1), conv: conv, firstSeq: conv.LastSequence + 1}
	e.publish()
	return e
}

func (e *entry) publish() { e.snapshot.Store(e.conv.Clone()) }

func (e *entry) acquire(ctx context.Context, op string, timeout time.Duration) error {
	select {
	case e.lock <- struct{}{}:
		return nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case e.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return apperr.Wrap(apperr.KindTimeout, op, ctx.Err())
	case <-timer.C:
		return apperr.New(apperr.KindTimeout, op, "conversation %s is busy", e.conv.ID)
	}
}

func (e *entry) release() { <-e.lock }

// NewConversation is the input of Create.
type NewConversation struct {
	Customer       Customer
	Priority       Priority
	Tags           []string
	Metadata       map[string]string
	InitialMessage *Content
}

// Change is the outcome of a registry mutation.
type Change struct {
	// Conversation is a snapshot taken inside the critical section, after the change.
	Conversation *Conversation
	// Entry is the appended history record, nil when the call was a no-op.
	Entry *StatusEntry
}

// Changed reports whether a transition happened.
func (c *Change) Changed() bool { return c != nil && c.Entry != nil }

// Observer is told about committed changes while the conversation's
// critical section is still held, so one conversation's notifications arrive
// in commit order. Implementations must not block or call into the registry.
type Observer interface {
	StatusChanged(ch *Change)
	MessageAppended(msg *Message)
}

type nopObserver struct{}

func (nopObserver) StatusChanged(*Change)    {}
func (nopObserver) MessageAppended(*Message) {}

// Options configures a Registry.
type Options struct {
	LockTimeout time.Duration
	Policy      EscalationPolicy
	Observer    Observer
	Logger      *slog.Logger
	Clock       func() time.Time
}

// Registry holds every live conversation keyed by id, plus an index from
// customer phone to that customer's open conversation.
type Registry struct {
	entries     *shard.Map[*entry]
	byCustomer  *shard.Map[string]
	policy      EscalationPolicy
	observer    Observer
	lockTimeout time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = defaultLockTimeout
	}
	if opts.Policy == nil {
		opts.Policy = NeverEscalate{}
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Registry{
		entries:     shard.New[*entry](),
		byCustomer:  shard.New[string](),
		policy:      opts.Policy,
		observer:    opts.Observer,
		lockTimeout: opts.LockTimeout,
		now:         opts.Clock,
		logger:      opts.Logger.With("component", "registry"),
	}
}

func validationf(op, format string, args ...any) error {
	return apperr.Validation(op, format, args...)
}

// Create opens a conversation in AUTOMATION for the customer. If the customer
// already has a non-closed conversation, that one is returned (created=false)
// and the initial message, if any, is appended to it instead.
func (r *Registry) Create(ctx context.Context, req NewConversation) (*Conversation, *Message, bool, error) {
	const op = "create"

	phone := strings.TrimSpace(req.Customer.Phone)
	if !phonePattern.MatchString(phone) {
		return nil, nil, false, validationf(op, "invalid customer phone %q", req.Customer.Phone)
	}
	name := strings.TrimSpace(req.Customer.Name)
	if name == "" {
		name = phone
	}
	if req.Priority < PriorityLow || req.Priority > PriorityUrgent {
		return nil, nil, false, validationf(op, "invalid priority %d", int(req.Priority))
	}

	var draft *Draft
	if req.InitialMessage != nil {
		draft = &Draft{Sender: Sender{Kind: SenderCustomer, ID: phone}, Content: *req.InitialMessage}
		if err := draft.validate(op); err != nil {
			return nil, nil, false, err
		}
	}

	var (
		result  *Conversation
		msg     *Message
		created bool
		opErr   error
	)

	// The customer shard lock is held while the open conversation is checked
	// and, if needed, created. Lock order is always customer shard -> entry.
	r.byCustomer.Update(phone, func(curID string, exists bool) (string, bool) {
		if exists {
			if e, ok := r.entries.Get(curID); ok {
				if err := e.acquire(ctx, op, r.lockTimeout); err != nil {
					opErr = err
					return curID, true
				}
				if e.conv.Status != StatusClosed {
					if draft != nil {
						m, err := r.appendLocked(e, *draft)
						if err != nil {
							opErr = err
						} else {
							msg = m
							r.observer.MessageAppended(m)
						}
					}
					e.publish()
					result = e.conv.Clone()
					e.release()
					return curID, true
				}
				e.release()
			}
		}

		now := r.now()
		conv := &Conversation{
			ID:            uuid.New().String(),
			Customer:      Customer{Phone: phone, Name: name},
			Status:        StatusAutomation,
			Priority:      req.Priority,
			CreatedAt:     now,
			UpdatedAt:     now,
			Tags:          slices.Clone(req.Tags),
			Metadata:      cloneMetadata(req.Metadata),
			StatusHistory: []StatusEntry{},
		}
		e := newEntry(conv)
		if draft != nil {
			// Nobody else can see e yet, so the lock is not needed.
			m, err := r.appendLocked(e, *draft)
			if err != nil {
				opErr = err
				return curID, exists
			}
			msg = m
			r.observer.MessageAppended(m)
		}
		e.publish()
		r.entries.Set(conv.ID, e)
		result = conv.Clone()
		created = true
		return conv.ID, true
	})

	if opErr != nil {
		return nil, nil, false, opErr
	}
	if created {
		r.logger.Info("conversation created",
			"conversation_id", result.ID,
			"customer", result.Customer.Phone)
	}
	return result, msg, created, nil
}

func cloneMetadata(m map[string]string) map[string]string {
	if len(m) == 0 {
		return map[string]string{}
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// mutate runs fn on the live conversation inside its critical section. fn
// must validate before it writes anything: an error return means no change.
func (r *Registry) mutate(ctx context.Context, op, id string, fn func(c *Conversation, now time.Time) (*StatusEntry, error)) (*Change, error) {
	e, ok := r.entries.Get(id)
	if !ok {
		return nil, apperr.NotFound(op, "conversation %s not found", id)
	}
	if err := e.acquire(ctx, op, r.lockTimeout); err != nil {
		return nil, err
	}
	defer e.release()

	now := r.now()
	ent, err := fn(e.conv, now)
	if err != nil {
		return nil, err
	}
	if ent != nil {
		e.conv.UpdatedAt = now
	}
	e.publish()
	change := &Change{Conversation: e.conv.Clone(), Entry: ent}
	if ent != nil {
		r.observer.StatusChanged(change)
	}
	return change, nil
}

// transition moves c to `to` and appends the matching history entry. Callers
// hold the critical section and have already checked the edge.
func transition(c *Conversation, to Status, actor, reason string, now time.Time) *StatusEntry {
	ent := StatusEntry{From: c.Status, To: to, Actor: actor, Reason: reason, At: now}
	c.Status = to
	c.StatusHistory = append(c.StatusHistory, ent)
	return &ent
}

func closedConflict(op string) error {
	return apperr.Wrap(apperr.KindConflict, op, ErrConversationClosed)
}

// assign is the compare-and-set shared by Assign, AssignWaiting and Takeover.
// sameAgentNoop makes a repeat call by the current assignee succeed unchanged.
func (r *Registry) assign(ctx context.Context, op, id, agentID string, sameAgentNoop bool, from ...Status) (*Change, error) {
	if agentID == "" {
		return nil, validationf(op, "agent id is required")
	}
	change, err := r.mutate(ctx, op, id, func(c *Conversation, now time.Time) (*StatusEntry, error) {
		switch {
		case c.Status == StatusClosed:
			return nil, closedConflict(op)
		case c.Status == StatusInService && c.AssignedAgentID == agentID && sameAgentNoop:
			return nil, nil
		case c.Status == StatusInService:
			return nil, apperr.Conflict(op, "conversation %s is already handled by %s", c.ID, c.AssignedAgentID)
		case !slices.Contains(from, c.Status):
			return nil, apperr.Conflict(op, "conversation %s cannot be assigned from %s", c.ID, c.Status)
		}
		ent := transition(c, StatusInService, agentID, op, now)
		c.AssignedAgentID = agentID
		c.AssignedAt = &now
		return ent, nil
	})
	if err != nil {
		return nil, err
	}
	if change.Changed() {
		r.logger.Info("conversation assigned",
			"conversation_id", id,
			"agent_id", agentID,
			"from", change.Entry.From,
			"op", op)
	}
	return change, nil
}

// Assign hands the conversation to agentID. Valid from WAITING or AUTOMATION.
// Of any number of concurrent calls exactly one wins; the others get a conflict.
func (r *Registry) Assign(ctx context.Context, id, agentID string) (*Change, error) {
	return r.assign(ctx, "assign", id, agentID, true, StatusWaiting, StatusAutomation)
}

// AssignWaiting is Assign restricted to WAITING conversations.
func (r *Registry) AssignWaiting(ctx context.Context, id, agentID string) (*Change, error) {
	return r.assign(ctx, "assign", id, agentID, false, StatusWaiting)
}

// Takeover lets any agent pull a conversation away from the bot.
func (r *Registry) Takeover(ctx context.Context, id, agentID string) (*Change, error) {
	return r.assign(ctx, "takeover", id, agentID, true, StatusAutomation)
}

// ReleaseToAutomation hands an IN_SERVICE conversation back to the bot. Only
// the current assignee may release it.
func (r *Registry) ReleaseToAutomation(ctx context.Context, id, agentID string) (*Change, error) {
	const op = "release"
	if agentID == "" {
		return nil, validationf(op, "agent id is required")
	}
	return r.mutate(ctx, op, id, func(c *Conversation, now time.Time) (*StatusEntry, error) {
		switch {
		case c.Status == StatusClosed:
			return nil, closedConflict(op)
		case c.Status != StatusInService:
			return nil, apperr.Conflict(op, "conversation %s is %s, not IN_SERVICE", c.ID, c.Status)
		case c.AssignedAgentID != agentID:
			return nil, apperr.Conflict(op, "conversation %s is assigned to %s", c.ID, c.AssignedAgentID)
		}
		ent := transition(c, StatusAutomation, agentID, "released to automation", now)
		c.AssignedAgentID = ""
		c.AssignedAt = nil
		c.BotAttempts = 0
		return ent, nil
	})
}

// Escalate moves an AUTOMATION conversation into the waiting queue. Escalating
// a conversation that is already WAITING is a no-op.
func (r *Registry) Escalate(ctx context.Context, id, actor, reason string) (*Change, error) {
	const op = "escalate"
	return r.mutate(ctx, op, id, func(c *Conversation, now time.Time) (*StatusEntry, error) {
		switch c.Status {
		case StatusWaiting:
			return nil, nil
		case StatusClosed:
			return nil, closedConflict(op)
		case StatusInService:
			return nil, apperr.Conflict(op, "conversation %s is already handled by %s", c.ID, c.AssignedAgentID)
		}
		if reason == "" {
			reason = "escalated"
		}
		return transition(c, StatusWaiting, actorOr(actor, "bot"), reason, now), nil
	})
}

// RecordBotAttempt counts one failed automated answer. When the escalation
// policy fires, the conversation moves to WAITING in the same critical section.
func (r *Registry) RecordBotAttempt(ctx context.Context, id string) (*Change, error) {
	const op = "bot_attempt"
	return r.mutate(ctx, op, id, func(c *Conversation, now time.Time) (*StatusEntry, error) {
		switch c.Status {
		case StatusClosed:
			return nil, closedConflict(op)
		case StatusAutomation:
		default:
			return nil, apperr.Conflict(op, "conversation %s is %s, not AUTOMATION", c.ID, c.Status)
		}
		c.BotAttempts++
		c.UpdatedAt = now
		if !r.policy.ShouldEscalate(c) {
			return nil, nil
		}
		return transition(c, StatusWaiting, "bot", "bot attempts exhausted", now), nil
	})
}

// Close ends the conversation. Closing a closed conversation succeeds without
// recording a second history entry.
func (r *Registry) Close(ctx context.Context, id, reason, actor string) (*Change, error) {
	const op = "close"
	change, err := r.mutate(ctx, op, id, func(c *Conversation, now time.Time) (*StatusEntry, error) {
		if c.Status == StatusClosed {
			return nil, nil
		}
		ent := transition(c, StatusClosed, actorOr(actor, "system"), reason, now)
		c.ClosedAt = &now
		return ent, nil
	})
	if err != nil {
		return nil, err
	}
	if change.Changed() {
		// Outside the entry lock: lock order is customer shard -> entry.
		r.byCustomer.Update(change.Conversation.Customer.Phone, func(cur string, exists bool) (string, bool) {
			return cur, exists && cur != id
		})
		r.logger.Info("conversation closed", "conversation_id", id, "actor", change.Entry.Actor, "reason", reason)
	}
	return change, nil
}

// SetPriority changes the queue priority of a non-closed conversation.
func (r *Registry) SetPriority(ctx context.Context, id string, p Priority) (*Change, error) {
	const op = "set_priority"
	if p < PriorityLow || p > PriorityUrgent {
		return nil, validationf(op, "invalid priority %d", int(p))
	}
	return r.mutate(ctx, op, id, func(c *Conversation, now time.Time) (*StatusEntry, error) {
		if c.Status == StatusClosed {
			return nil, closedConflict(op)
		}
		c.Priority = p
		c.UpdatedAt = now
		return nil, nil
	})
}

func actorOr(actor, fallback string) string {
	if actor == "" {
		return fallback
	}
	return actor
}

// Get returns a snapshot of the conversation.
func (r *Registry) Get(id string) (*Conversation, error) {
	e, ok := r.entries.Get(id)
	if !ok {
		return nil, apperr.NotFound("get", "conversation %s not found", id)
	}
	return e.snapshot.Load().Clone(), nil
}

// FindOpenByCustomer returns the customer's non-closed conversation, if any.
func (r *Registry) FindOpenByCustomer(phone string) (*Conversation, bool) {
	id, ok := r.byCustomer.Get(phone)
	if !ok {
		return nil, false
	}
	c, err := r.Get(id)
	if err != nil || c.Status == StatusClosed {
		return nil, false
	}
	return c, true
}

// ListFilter narrows List. Zero values match everything.
type ListFilter struct {
	Status  Status
	AgentID string
}

// List returns matching conversation snapshots ordered by creation time.
func (r *Registry) List(f ListFilter) []*Conversation {
	var out []*Conversation
	r.entries.Range(func(_ string, e *entry) bool {
		c := e.snapshot.Load()
		if f.Status != "" && c.Status != f.Status {
			return true
		}
		if f.AgentID != "" && c.AssignedAgentID != f.AgentID {
			return true
		}
		out = append(out, c.Clone())
		return true
	})
	slices.SortFunc(out, func(a, b *Conversation) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Counts returns the number of conversations per status.
func (r *Registry) Counts() map[Status]int {
	counts := map[Status]int{
		StatusAutomation: 0,
		StatusWaiting:    0,
		StatusInService:  0,
		StatusClosed:     0,
	}
	r.entries.Range(func(_ string, e *entry) bool {
		counts[e.snapshot.Load().Status]++
		return true
	})
	return counts
}

// Restore loads a persisted conversation and its log. It is meant for startup,
// before the registry is shared.
func (r *Registry) Restore(rc Restored) error {
	const op = "restore"
	if rc.Conversation == nil || rc.Conversation.ID == "" {
		return validationf(op, "conversation is required")
	}
	if !rc.Conversation.Status.Valid() {
		return validationf(op, "invalid status %q", rc.Conversation.Status)
	}

	conv := rc.Conversation.Clone()
	if conv.StatusHistory == nil {
		conv.StatusHistory = []StatusEntry{}
	}
	if conv.Metadata == nil {
		conv.Metadata = map[string]string{}
	}
	e := &entry{lock: make(chan struct{}, 1), conv: conv}
	if len(rc.Messages) > 0 {
		e.firstSeq = rc.Messages[0].Sequence
		for i, m := range rc.Messages {
			if m.Sequence != e.firstSeq+uint64(i) {
				return validationf(op, "conversation %s has a gap at sequence %d", conv.ID, m.Sequence)
			}
			e.messages = append(e.messages, *m)
		}
		conv.LastSequence = rc.Messages[len(rc.Messages)-1].Sequence
	} else {
		e.firstSeq = conv.LastSequence + 1
	}
	e.publish()

	r.entries.Set(conv.ID, e)
	if conv.Status != StatusClosed {
		r.byCustomer.Set(conv.Customer.Phone, conv.ID)
	}
	return nil
}
