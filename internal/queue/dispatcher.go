// ABOUTME: Priority queue of waiting conversations that hands work to agents
// ABOUTME: Uses lazy invalidation: stale or no-longer-waiting entries are dropped when popped

package queue

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/2389/support-gateway/internal/apperr"
	"github.com/2389/support-gateway/internal/conversation"
)

// ErrQueueEmpty is returned by PickNext when nothing assignable is queued.
var ErrQueueEmpty = errors.New("no waiting conversations")

// Assigner is what the dispatcher needs from the registry.
type Assigner interface {
	AssignWaiting(ctx context.Context, id, agentID string) (*conversation.Change, error)
}

// Entry is one queued conversation.
type Entry struct {
	ConversationID string                `json:"conversation_id"`
	Priority       conversation.Priority `json:"priority"`
	CreatedAt      time.Time             `json:"created_at"`
	EnqueuedAt     time.Time             `json:"enqueued_at"`

	seq        uint64
	generation uint64
}

type entryHeap []*Entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool { return less(h[i], h[j]) }

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(*Entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// less orders by priority (urgent first), then conversation age, then
// insertion order.
func less(a, b *Entry) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.seq < b.seq
}

// Dispatcher hands waiting conversations to agents exactly once.
type Dispatcher struct {
	assigner Assigner
	logger   *slog.Logger

	mu      sync.Mutex
	items   entryHeap
	current map[string]uint64 // conversation id -> live generation
	seq     uint64
	now     func() time.Time

	discarded uint64
	handedOut uint64
}

// New creates an empty dispatcher.
func New(assigner Assigner, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		assigner: assigner,
		logger:   logger.With("component", "queue"),
		current:  make(map[string]uint64),
		now:      time.Now,
	}
}

// Enqueue adds the conversation to the queue. Enqueuing a conversation that is
// already queued replaces its position (used after a priority change): the
// older entry is left in the heap and discarded when popped.
func (d *Dispatcher) Enqueue(c *conversation.Conversation) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.seq++
	e := &Entry{
		ConversationID: c.ID,
		Priority:       c.Priority,
		CreatedAt:      c.CreatedAt,
		EnqueuedAt:     d.now(),
		seq:            d.seq,
		generation:     d.seq,
	}
	d.current[c.ID] = e.generation
	heap.Push(&d.items, e)

	d.logger.Debug("conversation queued",
		"conversation_id", c.ID,
		"priority", c.Priority.String(),
		"queue_len", len(d.current))
}

// pop removes the best live entry. Each entry leaves the heap exactly once,
// which is what makes concurrent PickNext calls hand out distinct work.
func (d *Dispatcher) pop() (*Entry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for d.items.Len() > 0 {
		e := heap.Pop(&d.items).(*Entry)
		if gen, ok := d.current[e.ConversationID]; !ok || gen != e.generation {
			d.discarded++
			continue
		}
		delete(d.current, e.ConversationID)
		return e, true
	}
	return nil, false
}

// PickNext assigns the highest-priority waiting conversation to agentID.
// Entries whose conversation is no longer WAITING are dropped and the next
// one is tried.
func (d *Dispatcher) PickNext(ctx context.Context, agentID string) (*conversation.Change, error) {
	const op = "pick_next"
	if agentID == "" {
		return nil, apperr.Validation(op, "agent id is required")
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, apperr.Wrap(apperr.KindTimeout, op, err)
		}
		e, ok := d.pop()
		if !ok {
			return nil, apperr.Wrap(apperr.KindNotFound, op, ErrQueueEmpty)
		}

		change, err := d.assigner.AssignWaiting(ctx, e.ConversationID, agentID)
		switch {
		case err == nil:
			d.mu.Lock()
			d.handedOut++
			d.mu.Unlock()
			d.logger.Info("conversation handed out",
				"conversation_id", e.ConversationID,
				"agent_id", agentID,
				"waited", d.now().Sub(e.EnqueuedAt).String())
			return change, nil
		case apperr.IsConflict(err), apperr.IsNotFound(err):
			d.mu.Lock()
			d.discarded++
			d.mu.Unlock()
			d.logger.Debug("dropping stale queue entry",
				"conversation_id", e.ConversationID,
				"error", err)
		default:
			// The conversation may still be waiting; put it back where it was.
			d.requeue(e)
			return nil, err
		}
	}
}

func (d *Dispatcher) requeue(e *Entry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, newer := d.current[e.ConversationID]; newer {
		return
	}
	d.current[e.ConversationID] = e.generation
	heap.Push(&d.items, e)
}

// Remove drops the conversation from the queue, if queued.
func (d *Dispatcher) Remove(conversationID string) {
	d.mu.Lock()
	delete(d.current, conversationID)
	d.mu.Unlock()
}

// Snapshot returns the live entries in hand-out order.
func (d *Dispatcher) Snapshot() []Entry {
	d.mu.Lock()
	out := make([]*Entry, 0, len(d.current))
	for _, e := range d.items {
		if gen, ok := d.current[e.ConversationID]; ok && gen == e.generation {
			out = append(out, e)
		}
	}
	d.mu.Unlock()

	slices.SortFunc(out, func(a, b *Entry) int {
		switch {
		case less(a, b):
			return -1
		case less(b, a):
			return 1
		}
		return 0
	})
	entries := make([]Entry, len(out))
	for i, e := range out {
		entries[i] = *e
	}
	return entries
}

// Len is the number of live entries.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.current)
}

// Stats reports hand-out counters.
type Stats struct {
	Queued    int    `json:"queued"`
	HandedOut uint64 `json:"handed_out"`
	Discarded uint64 `json:"discarded"`
}

func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{Queued: len(d.current), HandedOut: d.handedOut, Discarded: d.discarded}
}
