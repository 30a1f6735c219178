// ABOUTME: One client connection: identity, activity clock and bounded outbound queue
// ABOUTME: Live events are held while backlog replay is in progress

package broker

import (
	"sync"
	"sync/atomic"
	"time"
)

// JoinRequest describes a client joining a conversation room.
type JoinRequest struct {
	ConversationID string
	UserID         string
	DisplayName    string
	Role           string
	// LastSeenSeq asks for replay of every message after it. Nil means no replay.
	LastSeenSeq *uint64
}

// Connection is a registered client.
type Connection struct {
	ID             string
	ConversationID string
	UserID         string
	DisplayName    string
	Role           string
	ConnectedAt    time.Time

	transport    Transport
	lastActivity atomic.Int64
	out          chan Event
	ready        chan struct{}
	done         chan struct{}
	drain        atomic.Bool

	mu        sync.Mutex
	closed    bool
	replaying bool
	held      []Event
}

func newConnection(id string, t Transport, req JoinRequest, queueSize int, now time.Time) *Connection {
	c := &Connection{
		ID:             id,
		ConversationID: req.ConversationID,
		UserID:         req.UserID,
		DisplayName:    req.DisplayName,
		Role:           req.Role,
		ConnectedAt:    now,
		transport:      t,
		out:            make(chan Event, queueSize),
		ready:          make(chan struct{}),
		done:           make(chan struct{}),
		replaying:      req.LastSeenSeq != nil,
	}
	c.lastActivity.Store(now.UnixNano())
	return c
}

// LastActivity is the last time the client was heard from.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// enqueue queues ev for the writer. It returns false when the queue is full;
// the caller evicts the connection. Events for closed connections are dropped.
func (c *Connection) enqueue(ev Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	if c.replaying {
		if len(c.held) >= cap(c.out) {
			return false
		}
		c.held = append(c.held, ev)
		return true
	}
	select {
	case c.out <- ev:
		return true
	default:
		return false
	}
}

// finishReplay moves held live events to the queue, skipping messages at or
// below lastSeq, and switches the connection to live delivery.
func (c *Connection) finishReplay(lastSeq uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	held := c.held
	c.held = nil
	c.replaying = false
	for _, ev := range held {
		if ev.Type == EventNewMessage && ev.Sequence != 0 && ev.Sequence <= lastSeq {
			continue
		}
		select {
		case c.out <- ev:
		default:
			return false
		}
	}
	return true
}

// markClosed flips the connection to closed once. Only the first caller
// gets true.
func (c *Connection) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	c.held = nil
	return true
}

// Closed reports whether the connection has been disconnected.
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Done is closed when the connection is disconnected.
func (c *Connection) Done() <-chan struct{} { return c.done }
