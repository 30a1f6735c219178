// ABOUTME: Append-only per-conversation message log with gap-free sequencing
// ABOUTME: Shares the registry's per-conversation critical section for sequence allocation

package conversation

import (
	"context"

	"github.com/oklog/ulid/v2"

	"github.com/2389/support-gateway/internal/apperr"
)

// MessageLog appends and replays messages. It is a view over the registry's
// entries, so an append and a status change on the same conversation never
// interleave.
type MessageLog struct {
	reg *Registry
}

// NewMessageLog creates a log backed by reg.
func NewMessageLog(reg *Registry) *MessageLog {
	return &MessageLog{reg: reg}
}

// appendLocked sequences and stores a validated draft. Callers hold e's lock
// (or own e exclusively).
func (r *Registry) appendLocked(e *entry, d Draft) (*Message, error) {
	c := e.conv
	if c.Status == StatusClosed {
		return nil, closedConflict("append")
	}

	now := r.now()
	seq := c.LastSequence + 1
	msg := Message{
		ID:             ulid.Make().String(),
		ConversationID: c.ID,
		Sequence:       seq,
		Sender:         d.Sender,
		Content:        d.Content,
		CreatedAt:      now,
	}
	e.messages = append(e.messages, msg)
	c.LastSequence = seq
	c.LastMessage = &Preview{
		Sequence:   seq,
		SenderKind: d.Sender.Kind,
		Text:       d.Content.PreviewText(),
		At:         now,
	}
	c.UpdatedAt = now
	return &msg, nil
}

// Append stores a message and returns it with its sequence number. Closed
// conversations reject appends with a conflict wrapping ErrConversationClosed.
func (l *MessageLog) Append(ctx context.Context, conversationID string, d Draft) (*Message, error) {
	const op = "append"
	if err := d.validate(op); err != nil {
		return nil, err
	}
	e, ok := l.reg.entries.Get(conversationID)
	if !ok {
		return nil, apperr.NotFound(op, "conversation %s not found", conversationID)
	}
	if err := e.acquire(ctx, op, l.reg.lockTimeout); err != nil {
		return nil, err
	}
	defer e.release()

	msg, err := l.reg.appendLocked(e, d)
	if err != nil {
		return nil, err
	}
	e.publish()
	l.reg.observer.MessageAppended(msg)
	return msg, nil
}

// GetSince returns every message with a sequence greater than afterSeq, in
// order and without gaps. Messages older than the retained window are not
// returned; the first returned sequence is then larger than afterSeq+1.
func (l *MessageLog) GetSince(ctx context.Context, conversationID string, afterSeq uint64) ([]*Message, error) {
	const op = "get_since"
	e, ok := l.reg.entries.Get(conversationID)
	if !ok {
		return nil, apperr.NotFound(op, "conversation %s not found", conversationID)
	}
	if err := e.acquire(ctx, op, l.reg.lockTimeout); err != nil {
		return nil, err
	}
	defer e.release()

	start := 0
	if afterSeq >= e.firstSeq {
		start = int(afterSeq - e.firstSeq + 1)
	}
	if start >= len(e.messages) {
		return []*Message{}, nil
	}
	out := make([]*Message, 0, len(e.messages)-start)
	for i := start; i < len(e.messages); i++ {
		m := e.messages[i]
		out = append(out, &m)
	}
	return out, nil
}

// MarkRead flags messages up to throughSeq as delivered and read, skipping
// those written by the reader's own side. It returns the sequences it changed.
func (l *MessageLog) MarkRead(ctx context.Context, conversationID string, throughSeq uint64, reader SenderKind) ([]uint64, error) {
	const op = "mark_read"
	if !reader.Valid() {
		return nil, validationf(op, "unknown reader kind %q", reader)
	}
	e, ok := l.reg.entries.Get(conversationID)
	if !ok {
		return nil, apperr.NotFound(op, "conversation %s not found", conversationID)
	}
	if err := e.acquire(ctx, op, l.reg.lockTimeout); err != nil {
		return nil, err
	}
	defer e.release()

	if throughSeq > e.conv.LastSequence {
		return nil, validationf(op, "sequence %d is beyond the last message %d", throughSeq, e.conv.LastSequence)
	}

	var changed []uint64
	for i := range e.messages {
		m := &e.messages[i]
		if m.Sequence > throughSeq {
			break
		}
		if m.Read || !readableBy(m.Sender.Kind, reader) {
			continue
		}
		m.Delivered = true
		m.Read = true
		changed = append(changed, m.Sequence)
	}
	return changed, nil
}

// readableBy reports whether a reader of kind reader acknowledges messages
// written by author. Customers read the support side; the support side reads
// the customer.
func readableBy(author, reader SenderKind) bool {
	if reader == SenderCustomer {
		return author != SenderCustomer
	}
	return author == SenderCustomer
}
