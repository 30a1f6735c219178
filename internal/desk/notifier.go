// ABOUTME: Registry observer that fans committed changes out to live connections
// ABOUTME: Runs inside the conversation's critical section so room events keep commit order

package desk

import (
	"github.com/2389/support-gateway/internal/broker"
	"github.com/2389/support-gateway/internal/conversation"
	"github.com/2389/support-gateway/internal/metrics"
	"github.com/2389/support-gateway/internal/queue"
)

// notifier must stay non-blocking: broker fan-out only enqueues and the queue
// takes its own short mutex.
type notifier struct {
	broker *broker.Broker
	queue  *queue.Dispatcher
}

func (n *notifier) StatusChanged(ch *conversation.Change) {
	ent := ch.Entry
	conv := ch.Conversation
	metrics.Transitions.WithLabelValues(string(ent.From), string(ent.To)).Inc()

	switch {
	case ent.To == conversation.StatusWaiting:
		n.queue.Enqueue(conv)
	case ent.From == conversation.StatusWaiting:
		n.queue.Remove(conv.ID)
	}
	metrics.QueueDepth.Set(float64(n.queue.Len()))

	ev := statusEvent(ch)
	n.broker.Broadcast(conv.ID, ev, "")

	// The assignee learns about new work even before joining the room.
	if ent.To == conversation.StatusInService && !n.broker.InRoom(conv.ID, conv.AssignedAgentID) {
		n.broker.SendToUser(conv.AssignedAgentID, ev)
	}
}

func (n *notifier) MessageAppended(m *conversation.Message) {
	metrics.MessagesAppended.WithLabelValues(string(m.Sender.Kind)).Inc()
	cp := *m
	n.broker.Broadcast(m.ConversationID, broker.MessageEvent(&cp), "")
}

func statusEvent(ch *conversation.Change) broker.Event {
	ent := ch.Entry
	p := broker.StatusPayload{
		From:   ent.From,
		To:     ent.To,
		Actor:  ent.Actor,
		Reason: ent.Reason,
	}
	if ent.To == conversation.StatusInService {
		p.AgentID = ch.Conversation.AssignedAgentID
	}
	return broker.Event{
		Type:           broker.EventStatusChanged,
		ConversationID: ch.Conversation.ID,
		Payload:        p,
		Timestamp:      ent.At,
	}
}
