// ABOUTME: Connection broker: conversation rooms, user index, typing state and fan-out
// ABOUTME: Each connection gets a bounded queue drained by its own writer goroutine

package broker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/2389/support-gateway/internal/apperr"
	"github.com/2389/support-gateway/internal/metrics"
	"github.com/2389/support-gateway/internal/shard"
)

const (
	defaultQueueSize    = 256
	defaultWriteTimeout = 10 * time.Second
)

// Options configures a Broker.
type Options struct {
	// QueueSize bounds each connection's outbound queue. A connection whose
	// queue overflows is evicted.
	QueueSize    int
	WriteTimeout time.Duration
	Backlog      Backlog
	Logger       *slog.Logger
	Clock        func() time.Time
}

type typingEntry struct {
	conversationID string
	userID         string
	at             time.Time
}

// Broker tracks live connections and fans events out to them.
type Broker struct {
	rooms   *shard.Map[map[string]*Connection] // conversation id -> conn id -> conn
	users   *shard.Map[map[string]*Connection] // user id -> conn id -> conn
	conns   *shard.Map[*Connection]
	typing  *shard.Map[typingEntry]
	backlog Backlog

	queueSize    int
	writeTimeout time.Duration
	now          func() time.Time
	logger       *slog.Logger

	shuttingDown atomic.Bool
	writers      sync.WaitGroup

	evicted   atomic.Uint64
	delivered atomic.Uint64
}

// New creates a broker.
func New(opts Options) *Broker {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Broker{
		rooms:        shard.New[map[string]*Connection](),
		users:        shard.New[map[string]*Connection](),
		conns:        shard.New[*Connection](),
		typing:       shard.New[typingEntry](),
		backlog:      opts.Backlog,
		queueSize:    opts.QueueSize,
		writeTimeout: opts.WriteTimeout,
		now:          opts.Clock,
		logger:       opts.Logger.With("component", "broker"),
	}
}

// addMember and removeMember copy the set so readers can iterate a value
// obtained from Get without holding the shard lock.
func addMember(m *shard.Map[map[string]*Connection], key string, c *Connection) {
	m.Update(key, func(cur map[string]*Connection, _ bool) (map[string]*Connection, bool) {
		next := make(map[string]*Connection, len(cur)+1)
		for id, conn := range cur {
			next[id] = conn
		}
		next[c.ID] = c
		return next, true
	})
}

func removeMember(m *shard.Map[map[string]*Connection], key, connID string) {
	m.Update(key, func(cur map[string]*Connection, exists bool) (map[string]*Connection, bool) {
		if !exists {
			return nil, false
		}
		if _, ok := cur[connID]; !ok {
			return cur, true
		}
		if len(cur) == 1 {
			return nil, false
		}
		next := make(map[string]*Connection, len(cur)-1)
		for id, conn := range cur {
			if id != connID {
				next[id] = conn
			}
		}
		return next, true
	})
}

// Connect registers a connection in its conversation room. When LastSeenSeq
// is set the missed messages are written straight to the transport before
// any live event, and live copies of those messages are skipped. Other room
// members then receive user_joined.
func (b *Broker) Connect(ctx context.Context, t Transport, req JoinRequest) (*Connection, error) {
	const op = "connect"
	if b.shuttingDown.Load() {
		return nil, apperr.New(apperr.KindUnavailable, op, "server is shutting down")
	}
	if req.ConversationID == "" || req.UserID == "" {
		return nil, apperr.Validation(op, "conversation id and user id are required")
	}
	if req.LastSeenSeq != nil && b.backlog == nil {
		return nil, apperr.New(apperr.KindInternal, op, "backlog replay is not configured")
	}

	c := newConnection(uuid.New().String(), t, req, b.queueSize, b.now())
	b.conns.Set(c.ID, c)
	addMember(b.rooms, c.ConversationID, c)
	addMember(b.users, c.UserID, c)
	metrics.Connections.Inc()

	b.writers.Add(1)
	go b.writeLoop(c)

	// Shutdown may have scanned the connections before c was added.
	if b.shuttingDown.Load() {
		b.abort(c)
		return nil, apperr.New(apperr.KindUnavailable, op, "server is shutting down")
	}

	if req.LastSeenSeq != nil {
		last, err := b.replay(ctx, c, *req.LastSeenSeq)
		if err != nil {
			b.abort(c)
			if b.shuttingDown.Load() {
				return nil, apperr.New(apperr.KindUnavailable, op, "server is shutting down")
			}
			return nil, err
		}
		if !c.finishReplay(last) {
			b.abort(c)
			b.evicted.Add(1)
			metrics.Evictions.WithLabelValues("slow consumer").Inc()
			return nil, apperr.New(apperr.KindTransientDelivery, op, "connection overflowed during replay")
		}
	}

	// Shutdown or the reaper may have closed c while it replayed.
	if c.Closed() {
		return nil, apperr.New(apperr.KindUnavailable, op, "connection closed while joining")
	}
	close(c.ready)

	b.logger.Info("connection joined",
		"conn_id", c.ID,
		"conversation_id", c.ConversationID,
		"user_id", c.UserID,
		"role", c.Role)

	b.Broadcast(c.ConversationID, Event{
		Type:           EventUserJoined,
		ConversationID: c.ConversationID,
		Payload: PresencePayload{
			ConnectionID: c.ID,
			UserID:       c.UserID,
			DisplayName:  c.DisplayName,
			Role:         c.Role,
		},
	}, c.ID)
	return c, nil
}

// replay writes the backlog after afterSeq directly to the transport and
// returns the last sequence sent.
func (b *Broker) replay(ctx context.Context, c *Connection, afterSeq uint64) (uint64, error) {
	const op = "replay"
	msgs, err := b.backlog.GetSince(ctx, c.ConversationID, afterSeq)
	if err != nil {
		return 0, err
	}
	last := afterSeq
	for _, m := range msgs {
		if err := b.write(ctx, c, MessageEvent(m)); err != nil {
			return 0, apperr.Wrap(apperr.KindTransientDelivery, op, err)
		}
		last = m.Sequence
	}
	if len(msgs) > 0 {
		b.logger.Debug("backlog replayed",
			"conn_id", c.ID,
			"conversation_id", c.ConversationID,
			"after_seq", afterSeq,
			"count", len(msgs))
	}
	return last, nil
}

func (b *Broker) write(ctx context.Context, c *Connection, ev Event) error {
	wctx, cancel := context.WithTimeout(ctx, b.writeTimeout)
	defer cancel()
	return c.transport.Send(wctx, ev)
}

// writeLoop is the only goroutine that writes to c's transport after replay.
// It closes the transport when it exits.
func (b *Broker) writeLoop(c *Connection) {
	defer b.writers.Done()
	defer func() {
		if err := c.transport.Close(); err != nil {
			b.logger.Debug("transport close failed", "conn_id", c.ID, "error", err)
		}
	}()

	select {
	case <-c.ready:
	case <-c.done:
		return
	}

	for {
		select {
		case ev := <-c.out:
			if err := b.write(context.Background(), c, ev); err != nil {
				b.logger.Warn("write failed, evicting connection",
					"conn_id", c.ID,
					"event", ev.Type,
					"error", apperr.Wrap(apperr.KindTransientDelivery, "write", err))
				b.evict(c, "write failed")
				return
			}
			b.delivered.Add(1)
		case <-c.done:
			if c.drain.Load() {
				b.flush(c)
			}
			return
		}
	}
}

// flush writes whatever is still queued, stopping at the first failure.
func (b *Broker) flush(c *Connection) {
	for {
		select {
		case ev := <-c.out:
			if err := b.write(context.Background(), c, ev); err != nil {
				return
			}
			b.delivered.Add(1)
		default:
			return
		}
	}
}

// unregister removes c from every index. Only the caller that closed c may
// call it.
func (b *Broker) unregister(c *Connection) {
	removeMember(b.rooms, c.ConversationID, c.ID)
	removeMember(b.users, c.UserID, c.ID)
	b.conns.Delete(c.ID)
	close(c.done)
	metrics.Connections.Dec()
}

// abort drops a connection that never finished joining. Nobody was told it
// joined, so nobody is told it left.
func (b *Broker) abort(c *Connection) {
	if c.markClosed() {
		b.unregister(c)
	}
}

func (b *Broker) evict(c *Connection, reason string) {
	if b.Disconnect(c, reason) {
		b.evicted.Add(1)
		metrics.Evictions.WithLabelValues(reason).Inc()
	}
}

// Disconnect removes the connection and tells the room. It is safe to call
// more than once; only the first call has an effect and reports true.
func (b *Broker) Disconnect(c *Connection, reason string) bool {
	if c == nil || !c.markClosed() {
		return false
	}
	b.unregister(c)

	if !b.InRoom(c.ConversationID, c.UserID) {
		b.clearTyping(c.ConversationID, c.UserID)
	}

	b.logger.Info("connection left",
		"conn_id", c.ID,
		"conversation_id", c.ConversationID,
		"user_id", c.UserID,
		"reason", reason)

	b.Broadcast(c.ConversationID, Event{
		Type:           EventUserLeft,
		ConversationID: c.ConversationID,
		Payload: PresencePayload{
			ConnectionID: c.ID,
			UserID:       c.UserID,
			DisplayName:  c.DisplayName,
			Role:         c.Role,
			Reason:       reason,
		},
	}, c.ID)
	return true
}

// InRoom reports whether the user has a connection on the conversation.
func (b *Broker) InRoom(conversationID, userID string) bool {
	room, _ := b.rooms.Get(conversationID)
	for _, c := range room {
		if c.UserID == userID {
			return true
		}
	}
	return false
}

// Broadcast queues ev for every connection in the conversation's room except
// excludeConnID. Delivery is best effort: a connection whose queue is full is
// evicted and the others are unaffected. It returns the number of
// connections the event was queued for.
func (b *Broker) Broadcast(conversationID string, ev Event, excludeConnID string) int {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.now()
	}
	if ev.ConversationID == "" {
		ev.ConversationID = conversationID
	}
	room, ok := b.rooms.Get(conversationID)
	if !ok {
		return 0
	}
	return b.fanOut(room, ev, excludeConnID)
}

// SendToUser queues ev for every connection of the user.
func (b *Broker) SendToUser(userID string, ev Event) int {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.now()
	}
	conns, ok := b.users.Get(userID)
	if !ok {
		return 0
	}
	return b.fanOut(conns, ev, "")
}

// Send queues ev for one connection through its outbound queue. A
// connection whose queue is full is evicted and Send reports false.
func (b *Broker) Send(c *Connection, ev Event) bool {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.now()
	}
	return b.fanOut(map[string]*Connection{c.ID: c}, ev, "") == 1
}

func (b *Broker) fanOut(targets map[string]*Connection, ev Event, excludeConnID string) int {
	var queued int
	var overflowed []*Connection
	for id, c := range targets {
		if id == excludeConnID {
			continue
		}
		if !c.enqueue(ev) {
			overflowed = append(overflowed, c)
			continue
		}
		queued++
	}
	metrics.EventsBroadcast.WithLabelValues(string(ev.Type)).Add(float64(queued))

	for _, c := range overflowed {
		b.logger.Warn("outbound queue full, evicting connection",
			"conn_id", c.ID,
			"conversation_id", c.ConversationID,
			"event", ev.Type)
		b.evict(c, "slow consumer")
	}
	return queued
}

func typingKey(conversationID, userID string) string {
	return conversationID + "\x00" + userID
}

// SetTyping records whether the user is typing in the conversation and
// broadcasts typing_status when the state changes. Repeated "typing" calls
// only refresh the TTL.
func (b *Broker) SetTyping(conversationID, userID string, isTyping bool) bool {
	key := typingKey(conversationID, userID)
	changed := false
	b.typing.Update(key, func(cur typingEntry, exists bool) (typingEntry, bool) {
		if !isTyping {
			changed = exists
			return cur, false
		}
		changed = !exists
		return typingEntry{conversationID: conversationID, userID: userID, at: b.now()}, true
	})
	if changed {
		b.Broadcast(conversationID, Event{
			Type:           EventTypingStatus,
			ConversationID: conversationID,
			Payload:        TypingPayload{UserID: userID, IsTyping: isTyping},
		}, "")
	}
	return changed
}

func (b *Broker) clearTyping(conversationID, userID string) {
	b.SetTyping(conversationID, userID, false)
}

// Touch marks the connection as active.
func (b *Broker) Touch(c *Connection) {
	c.lastActivity.Store(b.now().UnixNano())
}

// EvictIdle disconnects every connection silent for longer than timeout and
// returns how many were removed.
func (b *Broker) EvictIdle(now time.Time, timeout time.Duration) int {
	var idle []*Connection
	b.conns.Range(func(_ string, c *Connection) bool {
		if now.Sub(c.LastActivity()) > timeout {
			idle = append(idle, c)
		}
		return true
	})
	n := 0
	for _, c := range idle {
		if b.Disconnect(c, "idle timeout") {
			b.evicted.Add(1)
			metrics.Evictions.WithLabelValues("idle timeout").Inc()
			n++
		}
	}
	return n
}

// ExpireTyping clears typing indicators older than ttl and broadcasts the
// stop. It returns how many expired.
func (b *Broker) ExpireTyping(now time.Time, ttl time.Duration) int {
	var stale []typingEntry
	b.typing.Range(func(_ string, e typingEntry) bool {
		if now.Sub(e.at) > ttl {
			stale = append(stale, e)
		}
		return true
	})

	n := 0
	for _, e := range stale {
		expired := false
		b.typing.Update(typingKey(e.conversationID, e.userID), func(cur typingEntry, exists bool) (typingEntry, bool) {
			// A refresh since the scan keeps the entry.
			if !exists || now.Sub(cur.at) <= ttl {
				return cur, exists
			}
			expired = true
			return cur, false
		})
		if !expired {
			continue
		}
		n++
		b.Broadcast(e.conversationID, Event{
			Type:           EventTypingStatus,
			ConversationID: e.conversationID,
			Payload:        TypingPayload{UserID: e.userID, IsTyping: false},
		}, "")
	}
	return n
}

// Heartbeat queues a heartbeat for every connection and returns the count.
func (b *Broker) Heartbeat() int {
	now := b.now()
	var all []*Connection
	b.conns.Range(func(_ string, c *Connection) bool {
		all = append(all, c)
		return true
	})
	targets := make(map[string]*Connection, len(all))
	for _, c := range all {
		targets[c.ID] = c
	}
	return b.fanOut(targets, Event{Type: EventHeartbeat, Timestamp: now}, "")
}

// RoomSize is the number of connections on the conversation.
func (b *Broker) RoomSize(conversationID string) int {
	room, _ := b.rooms.Get(conversationID)
	return len(room)
}

// Stats is a point-in-time view of the broker.
type Stats struct {
	Connections int    `json:"connections"`
	Rooms       int    `json:"rooms"`
	Users       int    `json:"users"`
	Typing      int    `json:"typing"`
	Evicted     uint64 `json:"evicted"`
	Delivered   uint64 `json:"delivered"`
}

func (b *Broker) Stats() Stats {
	return Stats{
		Connections: b.conns.Len(),
		Rooms:       b.rooms.Len(),
		Users:       b.users.Len(),
		Typing:      b.typing.Len(),
		Evicted:     b.evicted.Load(),
		Delivered:   b.delivered.Load(),
	}
}

// ShuttingDown reports whether Shutdown has started.
func (b *Broker) ShuttingDown() bool { return b.shuttingDown.Load() }

// Shutdown stops accepting connections, sends every client a shutdown notice,
// lets writers drain their queues and closes the transports. It returns
// ctx's error if writers are still busy when ctx ends.
func (b *Broker) Shutdown(ctx context.Context) error {
	if !b.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}

	var all []*Connection
	b.conns.Range(func(_ string, c *Connection) bool {
		all = append(all, c)
		return true
	})
	b.logger.Info("broker shutting down", "connections", len(all))

	notice := Event{Type: EventShutdown, Timestamp: b.now(), Payload: map[string]string{"reason": "server shutdown"}}
	for _, c := range all {
		c.enqueue(notice)
		if c.markClosed() {
			c.drain.Store(true)
			b.unregister(c)
		}
	}

	done := make(chan struct{})
	go func() {
		b.writers.Wait()
		close(done)
	}()
	select {
	case <-done:
		b.logger.Info("broker stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
