// ABOUTME: End-to-end tests for the gateway's HTTP, webhook and WebSocket surfaces
// ABOUTME: Runs the real desk against a temporary SQLite database behind httptest

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/support-gateway/internal/apperr"
	"github.com/2389/support-gateway/internal/auth"
	"github.com/2389/support-gateway/internal/config"
	"github.com/2389/support-gateway/internal/conversation"
	"github.com/2389/support-gateway/internal/queue"
)

const testSecret = "test-secret-that-is-at-least-32-bytes"

type testGateway struct {
	gw  *Gateway
	srv *httptest.Server
}

func newTestGateway(t *testing.T, mutate func(*config.Config)) *testGateway {
	t.Helper()
	cfg := config.Default()
	cfg.Database.Path = filepath.Join(t.TempDir(), "gateway.db")
	cfg.Metrics.Enabled = true
	if mutate != nil {
		mutate(cfg)
	}

	gw, err := New(t.Context(), cfg, nil)
	require.NoError(t, err)
	require.NoError(t, gw.Start(t.Context()))

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
	})
	return &testGateway{gw: gw, srv: srv}
}

// as builds a dev-mode URL acting as userID with role.
func (tg *testGateway) as(path, userID, role string) string {
	q := url.Values{"user_id": {userID}, "role": {role}}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return tg.srv.URL + path + sep + q.Encode()
}

func do(t *testing.T, method, target string, body any, header http.Header) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(t.Context(), method, target, r)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func inboundBody(messageID, text string) InboundRequest {
	return InboundRequest{
		Channel:   "whatsapp",
		MessageID: messageID,
		From:      conversation.Customer{Phone: "+15550001111", Name: "Dana"},
		Content:   conversation.Text(text),
	}
}

// openConversation delivers one customer message and returns the conversation id.
func (tg *testGateway) openConversation(t *testing.T) string {
	t.Helper()
	status, body := do(t, http.MethodPost, tg.srv.URL+"/webhooks/inbound", inboundBody("wamid-open", "hello"), nil)
	require.Equal(t, http.StatusCreated, status, string(body))
	var resp InboundResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	return resp.Conversation.ID
}

func decodeConversation(t *testing.T, body []byte) *conversation.Conversation {
	t.Helper()
	var c conversation.Conversation
	require.NoError(t, json.Unmarshal(body, &c), string(body))
	return &c
}

func TestHealthEndpoints(t *testing.T) {
	tg := newTestGateway(t, nil)

	status, body := do(t, http.MethodGet, tg.srv.URL+"/health", nil, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "OK", string(body))

	status, body = do(t, http.MethodGet, tg.srv.URL+"/health/ready", nil, nil)
	require.Equal(t, http.StatusOK, status)
	var ready readiness
	require.NoError(t, json.Unmarshal(body, &ready))
	assert.Equal(t, "ready", ready.Status)
	assert.False(t, ready.Degraded)
	assert.Equal(t, "pass", ready.Checks["store"].Status)
	_, hasOutbound := ready.Checks["outbound"]
	assert.False(t, hasOutbound, "log deliverer has nothing to ping")

	status, body = do(t, http.MethodGet, tg.srv.URL+"/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "support_http_requests_total")
}

func TestReady_ReportsShutdown(t *testing.T) {
	tg := newTestGateway(t, nil)
	require.NoError(t, tg.gw.Shutdown(t.Context()))

	status, body := do(t, http.MethodGet, tg.srv.URL+"/health/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Contains(t, string(body), "shutting_down")
}

func TestInboundWebhook_CreatesThenAppends(t *testing.T) {
	tg := newTestGateway(t, nil)
	hook := tg.srv.URL + "/webhooks/inbound"

	status, body := do(t, http.MethodPost, hook, inboundBody("m1", "hello"), nil)
	require.Equal(t, http.StatusCreated, status, string(body))
	var first InboundResponse
	require.NoError(t, json.Unmarshal(body, &first))
	assert.True(t, first.Created)
	assert.Equal(t, conversation.StatusAutomation, first.Conversation.Status)
	assert.Equal(t, uint64(1), first.Message.Sequence)

	status, body = do(t, http.MethodPost, hook, inboundBody("m2", "anyone there?"), nil)
	require.Equal(t, http.StatusOK, status, string(body))
	var second InboundResponse
	require.NoError(t, json.Unmarshal(body, &second))
	assert.False(t, second.Created)
	assert.Equal(t, first.Conversation.ID, second.Conversation.ID)
	assert.Equal(t, uint64(2), second.Message.Sequence)
}

func TestInboundWebhook_DropsRedeliveries(t *testing.T) {
	tg := newTestGateway(t, nil)
	hook := tg.srv.URL + "/webhooks/inbound"

	status, _ := do(t, http.MethodPost, hook, inboundBody("m1", "hello"), nil)
	require.Equal(t, http.StatusCreated, status)

	status, body := do(t, http.MethodPost, hook, inboundBody("m1", "hello"), nil)
	require.Equal(t, http.StatusOK, status)
	var resp InboundResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.True(t, resp.Duplicate)

	convs := tg.gw.Desk().List(conversation.ListFilter{})
	require.Len(t, convs, 1)
	assert.Equal(t, uint64(1), convs[0].LastSequence)
}

func TestInboundWebhook_FailedDeliveryCanBeRetried(t *testing.T) {
	tg := newTestGateway(t, nil)
	hook := tg.srv.URL + "/webhooks/inbound"

	bad := inboundBody("m1", "hello")
	bad.From.Phone = "not-a-phone"
	status, _ := do(t, http.MethodPost, hook, bad, nil)
	require.Equal(t, http.StatusBadRequest, status)

	status, body := do(t, http.MethodPost, hook, inboundBody("m1", "hello"), nil)
	assert.Equal(t, http.StatusCreated, status, string(body))
}

func TestInboundWebhook_Validation(t *testing.T) {
	tg := newTestGateway(t, func(cfg *config.Config) {
		cfg.Inbound.WebhookSecret = "hook-secret"
	})
	hook := tg.srv.URL + "/webhooks/inbound"

	status, _ := do(t, http.MethodPost, hook, inboundBody("m1", "hello"), nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	header := http.Header{webhookSecretHeader: {"hook-secret"}}

	missing := inboundBody("", "hello")
	status, _ = do(t, http.MethodPost, hook, missing, header)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body := do(t, http.MethodPost, hook, inboundBody("m1", "hello"), header)
	assert.Equal(t, http.StatusCreated, status, string(body))
}

func TestAPI_EscalationQueueAndAssignment(t *testing.T) {
	tg := newTestGateway(t, nil)
	id := tg.openConversation(t)
	conv := "/api/conversations/" + id

	status, body := do(t, http.MethodPost, tg.as(conv+"/escalate", "bot-1", auth.RoleBot),
		ReasonRequest{Reason: "customer asked for a human"}, nil)
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Equal(t, conversation.StatusWaiting, decodeConversation(t, body).Status)

	status, body = do(t, http.MethodGet, tg.as("/api/queue", "agent-1", auth.RoleAgent), nil, nil)
	require.Equal(t, http.StatusOK, status)
	var waiting ConversationsResponse
	require.NoError(t, json.Unmarshal(body, &waiting))
	require.Len(t, waiting.Conversations, 1)
	assert.Equal(t, id, waiting.Conversations[0].ID)

	status, _ = do(t, http.MethodPost, tg.as("/api/queue/next", "bot-1", auth.RoleBot), nil, nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, body = do(t, http.MethodPost, tg.as("/api/queue/next", "agent-1", auth.RoleAgent), nil, nil)
	require.Equal(t, http.StatusOK, status, string(body))
	got := decodeConversation(t, body)
	assert.Equal(t, conversation.StatusInService, got.Status)
	assert.Equal(t, "agent-1", got.AssignedAgentID)

	status, _ = do(t, http.MethodPost, tg.as("/api/queue/next", "agent-2", auth.RoleAgent), nil, nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, body = do(t, http.MethodPost, tg.as(conv+"/assign", "agent-2", auth.RoleAgent), nil, nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Contains(t, string(body), `"kind":"conflict"`)
}

func TestAPI_AssignOtherAgentNeedsSupervisor(t *testing.T) {
	tg := newTestGateway(t, nil)
	conv := "/api/conversations/" + tg.openConversation(t)

	status, _ := do(t, http.MethodPost, tg.as(conv+"/assign", "agent-1", auth.RoleAgent),
		AssignRequest{AgentID: "agent-2"}, nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, body := do(t, http.MethodPost, tg.as(conv+"/assign", "lead-1", auth.RoleSupervisor),
		AssignRequest{AgentID: "agent-2"}, nil)
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Equal(t, "agent-2", decodeConversation(t, body).AssignedAgentID)
}

func TestAPI_MessagesAndClose(t *testing.T) {
	tg := newTestGateway(t, nil)
	conv := "/api/conversations/" + tg.openConversation(t)

	status, body := do(t, http.MethodPost, tg.as(conv+"/takeover", "agent-1", auth.RoleAgent), nil, nil)
	require.Equal(t, http.StatusOK, status, string(body))

	status, body = do(t, http.MethodPost, tg.as(conv+"/messages", "agent-1", auth.RoleAgent),
		AppendMessageRequest{Content: conversation.Text("how can I help?")}, nil)
	require.Equal(t, http.StatusCreated, status, string(body))
	var msg conversation.Message
	require.NoError(t, json.Unmarshal(body, &msg))
	assert.Equal(t, uint64(2), msg.Sequence)
	assert.Equal(t, conversation.Sender{Kind: conversation.SenderAgent, ID: "agent-1"}, msg.Sender)

	status, body = do(t, http.MethodGet, tg.as(conv+"/messages?after=1", "agent-1", auth.RoleAgent), nil, nil)
	require.Equal(t, http.StatusOK, status)
	var msgs MessagesResponse
	require.NoError(t, json.Unmarshal(body, &msgs))
	require.Len(t, msgs.Messages, 1)
	assert.Equal(t, "how can I help?", msgs.Messages[0].Content.Text)

	status, body = do(t, http.MethodPost, tg.as(conv+"/read", "agent-1", auth.RoleAgent),
		MarkReadRequest{ThroughSeq: 2}, nil)
	require.Equal(t, http.StatusOK, status, string(body))
	var read MarkReadResponse
	require.NoError(t, json.Unmarshal(body, &read))
	assert.Equal(t, []uint64{1}, read.Sequences, "agents only read the customer's side")

	status, body = do(t, http.MethodPost, tg.as(conv+"/close", "agent-1", auth.RoleAgent),
		ReasonRequest{Reason: "resolved"}, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, conversation.StatusClosed, decodeConversation(t, body).Status)

	status, _ = do(t, http.MethodPost, tg.as(conv+"/messages", "agent-1", auth.RoleAgent),
		AppendMessageRequest{Content: conversation.Text("still there?")}, nil)
	assert.Equal(t, http.StatusConflict, status)
}

func TestAPI_PriorityAndBotAttempts(t *testing.T) {
	tg := newTestGateway(t, func(cfg *config.Config) {
		cfg.Escalation.MaxBotAttempts = 2
	})
	conv := "/api/conversations/" + tg.openConversation(t)

	status, _ := do(t, http.MethodPut, tg.as(conv+"/priority", "lead-1", auth.RoleSupervisor), PriorityRequest{}, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	urgent := conversation.PriorityUrgent
	status, body := do(t, http.MethodPut, tg.as(conv+"/priority", "lead-1", auth.RoleSupervisor),
		PriorityRequest{Priority: &urgent}, nil)
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Equal(t, conversation.PriorityUrgent, decodeConversation(t, body).Priority)

	status, body = do(t, http.MethodPost, tg.as(conv+"/bot-attempts", "bot-1", auth.RoleBot), nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, conversation.StatusAutomation, decodeConversation(t, body).Status)

	status, body = do(t, http.MethodPost, tg.as(conv+"/bot-attempts", "bot-1", auth.RoleBot), nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, conversation.StatusWaiting, decodeConversation(t, body).Status)
}

func TestAPI_ErrorMapping(t *testing.T) {
	tg := newTestGateway(t, nil)

	status, _ := do(t, http.MethodGet, tg.as("/api/conversations/nope", "agent-1", auth.RoleAgent), nil, nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = do(t, http.MethodGet, tg.as("/api/conversations?status=bogus", "agent-1", auth.RoleAgent), nil, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost,
		tg.as("/api/conversations", "agent-1", auth.RoleAgent), strings.NewReader("{not json"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	status, _ = do(t, http.MethodGet, tg.srv.URL+"/api/stats", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, status, "dev mode still needs a user id")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{apperr.Validation("op", "bad"), http.StatusBadRequest},
		{apperr.Conflict("op", "taken"), http.StatusConflict},
		{apperr.NotFound("op", "gone"), http.StatusNotFound},
		{apperr.Wrap(apperr.KindNotFound, "pick_next", queue.ErrQueueEmpty), http.StatusNotFound},
		{apperr.New(apperr.KindStorage, "op", "down"), http.StatusServiceUnavailable},
		{apperr.New(apperr.KindUnavailable, "op", "stopping"), http.StatusServiceUnavailable},
		{apperr.New(apperr.KindTimeout, "op", "lock"), http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
		{&http.MaxBytesError{Limit: 1}, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestAPI_BearerTokens(t *testing.T) {
	tg := newTestGateway(t, func(cfg *config.Config) {
		cfg.Auth.JWTSecret = testSecret
	})

	status, _ := do(t, http.MethodGet, tg.as("/api/stats", "agent-1", auth.RoleAgent), nil, nil)
	assert.Equal(t, http.StatusUnauthorized, status, "query identity is ignored outside dev mode")

	status, _ = do(t, http.MethodGet, tg.srv.URL+"/api/stats", nil, http.Header{"Authorization": {"Bearer garbage"}})
	assert.Equal(t, http.StatusUnauthorized, status)

	token, err := auth.NewJWTVerifier([]byte(testSecret)).Generate(auth.Identity{UserID: "agent-1", Role: auth.RoleAgent}, time.Hour)
	require.NoError(t, err)
	status, body := do(t, http.MethodGet, tg.srv.URL+"/api/stats", nil, http.Header{"Authorization": {"Bearer " + token}})
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Contains(t, string(body), `"queue"`)
}

// wireEvent is a broker event as a client decodes it.
type wireEvent struct {
	Type           string          `json:"type"`
	ConversationID string          `json:"conversation_id"`
	Payload        json.RawMessage `json:"payload"`
	Sequence       uint64          `json:"sequence"`
}

func (tg *testGateway) dial(t *testing.T, conversationID, userID, role string, extra url.Values) *websocket.Conn {
	t.Helper()
	q := url.Values{"user_id": {userID}, "role": {role}}
	for k, v := range extra {
		q[k] = v
	}
	u := "ws" + strings.TrimPrefix(tg.srv.URL, "http") + "/ws/conversations/" + conversationID + "?" + q.Encode()
	conn, resp, err := websocket.DefaultDialer.DialContext(t.Context(), u, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

// next reads until an event of type want arrives.
func next(t *testing.T, conn *websocket.Conn, want string) wireEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var ev wireEvent
		require.NoError(t, conn.ReadJSON(&ev), "waiting for %s", want)
		if ev.Type == want {
			return ev
		}
	}
}

func TestWebSocket_LiveMessagesAndTyping(t *testing.T) {
	tg := newTestGateway(t, nil)
	id := tg.openConversation(t)

	agent := tg.dial(t, id, "agent-1", auth.RoleAgent, nil)
	bot := tg.dial(t, id, "bot-1", auth.RoleBot, nil)
	next(t, agent, "user_joined")

	status, _ := do(t, http.MethodPost, tg.srv.URL+"/webhooks/inbound", inboundBody("m2", "second"), nil)
	require.Equal(t, http.StatusOK, status)

	ev := next(t, agent, "new_message")
	assert.Equal(t, id, ev.ConversationID)
	assert.Equal(t, uint64(2), ev.Sequence)

	require.NoError(t, bot.WriteJSON(clientFrame{Type: frameTyping, IsTyping: true}))
	ev = next(t, agent, "typing_status")
	assert.JSONEq(t, `{"user_id":"bot-1","is_typing":true}`, string(ev.Payload))

	require.NoError(t, bot.WriteJSON(clientFrame{Type: frameMessage, Content: &conversation.Content{Type: conversation.ContentText, Text: "hi from the bot"}}))
	ev = next(t, agent, "new_message")
	assert.Equal(t, uint64(3), ev.Sequence)
	var msg conversation.Message
	require.NoError(t, json.Unmarshal(ev.Payload, &msg))
	assert.Equal(t, conversation.SenderBot, msg.Sender.Kind)
}

func TestWebSocket_ReplaysMissedMessages(t *testing.T) {
	tg := newTestGateway(t, nil)
	id := tg.openConversation(t)
	for _, mid := range []string{"m2", "m3"} {
		status, _ := do(t, http.MethodPost, tg.srv.URL+"/webhooks/inbound", inboundBody(mid, mid), nil)
		require.Equal(t, http.StatusOK, status)
	}

	conn := tg.dial(t, id, "agent-1", auth.RoleAgent, url.Values{"last_seen_seq": {"1"}})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var got []uint64
	for range 2 {
		var ev wireEvent
		require.NoError(t, conn.ReadJSON(&ev))
		require.Equal(t, "new_message", ev.Type, "replay comes before anything else")
		got = append(got, ev.Sequence)
	}
	assert.Equal(t, []uint64{2, 3}, got)
}

func TestWebSocket_RejectedFramesAnswerTheSender(t *testing.T) {
	tg := newTestGateway(t, nil)
	id := tg.openConversation(t)
	conn := tg.dial(t, id, "agent-1", auth.RoleAgent, nil)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	ev := next(t, conn, "error")
	assert.Contains(t, string(ev.Payload), `"kind":"validation"`)

	require.NoError(t, conn.WriteJSON(clientFrame{Type: "dance"}))
	ev = next(t, conn, "error")
	assert.Contains(t, string(ev.Payload), "unknown frame type")

	require.NoError(t, conn.WriteJSON(clientFrame{Type: framePing}))
	require.NoError(t, conn.WriteJSON(clientFrame{Type: frameRead, ThroughSeq: 1}))
	ev = next(t, conn, "read_receipt")
	assert.JSONEq(t, `{"reader":"agent","reader_id":"agent-1","sequences":[1]}`, string(ev.Payload))
}

func TestWebSocket_UnknownConversation(t *testing.T) {
	tg := newTestGateway(t, nil)
	u := "ws" + strings.TrimPrefix(tg.srv.URL, "http") + "/ws/conversations/missing?user_id=agent-1"
	_, resp, err := websocket.DefaultDialer.DialContext(t.Context(), u, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestShutdown_NotifiesConnectedClients(t *testing.T) {
	tg := newTestGateway(t, nil)
	id := tg.openConversation(t)
	conn := tg.dial(t, id, "agent-1", auth.RoleAgent, nil)

	// Make sure the join completed before shutting down.
	status, _ := do(t, http.MethodPost, tg.srv.URL+"/webhooks/inbound", inboundBody("m2", "ping"), nil)
	require.Equal(t, http.StatusOK, status)
	next(t, conn, "new_message")

	require.NoError(t, tg.gw.Shutdown(t.Context()))
	next(t, conn, "shutdown")

	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "server closes the socket after the notice")

	require.NoError(t, tg.gw.Shutdown(t.Context()), "second shutdown is a no-op")
}
