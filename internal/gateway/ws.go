// ABOUTME: WebSocket endpoint joining desk users to a conversation room through the broker
// ABOUTME: The reader loop turns client frames into typing, read and message operations

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/2389/support-gateway/internal/apperr"
	"github.com/2389/support-gateway/internal/auth"
	"github.com/2389/support-gateway/internal/broker"
	"github.com/2389/support-gateway/internal/conversation"
)

const (
	wsReadLimit = 64 * 1024
	wsWriteWait = 10 * time.Second

	// eventError reports a rejected client frame to its sender only.
	eventError broker.EventType = "error"
)

// Client frame types.
const (
	frameTyping  = "typing"
	frameRead    = "read"
	frameMessage = "message"
	framePing    = "ping"
)

// clientFrame is what clients send over the socket.
type clientFrame struct {
	Type       string                `json:"type"`
	IsTyping   bool                  `json:"is_typing,omitempty"`
	ThroughSeq uint64                `json:"through_seq,omitempty"`
	Content    *conversation.Content `json:"content,omitempty"`
}

func newUpgrader(allowed []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return len(allowed) == 0 || origin == "" || slices.Contains(allowed, origin)
		},
	}
}

// wsTransport adapts a gorilla connection to broker.Transport. The broker
// writes from one goroutine. A rejected join replies from the handler while
// that writer may still be closing the socket, so writes are serialized here.
type wsTransport struct {
	conn *websocket.Conn

	mu        sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func (t *wsTransport) Send(ctx context.Context, ev broker.Event) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(wsWriteWait)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.conn.WriteJSON(ev)
}

func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

func errorEvent(conversationID string, err error) broker.Event {
	return broker.Event{
		Type:           eventError,
		ConversationID: conversationID,
		Payload: map[string]string{
			"error": err.Error(),
			"kind":  apperr.KindOf(err).String(),
		},
		Timestamp: time.Now(),
	}
}

// handleWebSocket upgrades the request and joins the caller to the room.
// last_seen_seq asks for the messages missed since a previous connection.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	conversationID := chi.URLParam(r, "id")
	if _, err := g.desk.GetConversation(conversationID); err != nil {
		g.sendError(w, r, err)
		return
	}

	var lastSeen *uint64
	if v := r.URL.Query().Get("last_seen_seq"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			sendJSONError(w, http.StatusBadRequest, "last_seen_seq must be a sequence number")
			return
		}
		lastSeen = &n
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(wsReadLimit)
	t := &wsTransport{conn: conn}

	ctx := r.Context()
	c, err := g.desk.Broker().Connect(ctx, t, broker.JoinRequest{
		ConversationID: conversationID,
		UserID:         id.UserID,
		DisplayName:    id.Name,
		Role:           id.Role,
		LastSeenSeq:    lastSeen,
	})
	if err != nil {
		g.logger.Warn("websocket join rejected",
			"conversation_id", conversationID,
			"user_id", id.UserID,
			"error", err)
		_ = t.Send(ctx, errorEvent(conversationID, err))
		_ = t.Close()
		return
	}

	g.readLoop(ctx, c, t, id)
}

// readLoop runs until the client goes away or the broker drops the
// connection, which closes the socket under it.
func (g *Gateway) readLoop(ctx context.Context, c *broker.Connection, t *wsTransport, id auth.Identity) {
	b := g.desk.Broker()
	reason := "client closed"
	defer func() { b.Disconnect(c, reason) }()

	idle := g.config.Liveness.IdleTimeout
	_ = t.conn.SetReadDeadline(time.Now().Add(idle))
	t.conn.SetPongHandler(func(string) error {
		b.Touch(c)
		return t.conn.SetReadDeadline(time.Now().Add(idle))
	})

	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if !c.Closed() && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				reason = "read error"
				g.logger.Debug("websocket read failed", "conn_id", c.ID, "error", err)
			}
			return
		}
		b.Touch(c)
		_ = t.conn.SetReadDeadline(time.Now().Add(idle))

		if err := g.handleFrame(ctx, c, id, data); err != nil {
			b.Send(c, errorEvent(c.ConversationID, err))
		}
	}
}

func (g *Gateway) handleFrame(ctx context.Context, c *broker.Connection, id auth.Identity, data []byte) error {
	const op = "ws_frame"
	var f clientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return apperr.Validation(op, "invalid frame: %v", err)
	}

	switch f.Type {
	case framePing:
		return nil
	case frameTyping:
		g.desk.Broker().SetTyping(c.ConversationID, id.UserID, f.IsTyping)
		return nil
	case frameRead:
		_, err := g.desk.MarkRead(ctx, c.ConversationID, f.ThroughSeq, senderFor(id).Kind, id.UserID)
		return err
	case frameMessage:
		if f.Content == nil {
			return apperr.Validation(op, "message frame needs content")
		}
		_, err := g.desk.Append(ctx, c.ConversationID, conversation.Draft{
			Sender:  senderFor(id),
			Content: *f.Content,
		})
		return err
	default:
		return apperr.Validation(op, "unknown frame type %q", f.Type)
	}
}
