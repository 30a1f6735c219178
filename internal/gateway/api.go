// ABOUTME: REST handlers for desk users: conversation queries, messages and lifecycle actions
// ABOUTME: The only place where apperr kinds become HTTP status codes

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/2389/support-gateway/internal/apperr"
	"github.com/2389/support-gateway/internal/auth"
	"github.com/2389/support-gateway/internal/conversation"
)

var (
	errMissingToken    = errors.New("missing bearer token")
	errMissingIdentity = errors.New("user_id is required")
)

// CreateConversationRequest is the JSON body for POST /api/conversations.
type CreateConversationRequest struct {
	Customer conversation.Customer  `json:"customer"`
	Priority *conversation.Priority `json:"priority,omitempty"` // default normal
	Tags     []string               `json:"tags,omitempty"`
	Metadata map[string]string      `json:"metadata,omitempty"`
	Message  *conversation.Content  `json:"message,omitempty"`
}

// AppendMessageRequest is the JSON body for POST .../messages.
type AppendMessageRequest struct {
	Content conversation.Content `json:"content"`
}

// AssignRequest is the JSON body for POST .../assign. An empty AgentID
// assigns the caller.
type AssignRequest struct {
	AgentID string `json:"agent_id,omitempty"`
}

// ReasonRequest is the JSON body for escalate and close.
type ReasonRequest struct {
	Reason string `json:"reason,omitempty"`
}

// PriorityRequest is the JSON body for PUT .../priority.
type PriorityRequest struct {
	Priority *conversation.Priority `json:"priority"`
}

// MarkReadRequest is the JSON body for POST .../read.
type MarkReadRequest struct {
	ThroughSeq uint64 `json:"through_seq"`
}

// MarkReadResponse lists the sequences that changed.
type MarkReadResponse struct {
	Sequences []uint64 `json:"sequences"`
}

// MessagesResponse is the body of GET .../messages.
type MessagesResponse struct {
	Messages []*conversation.Message `json:"messages"`
}

// ConversationsResponse is the body of conversation list endpoints.
type ConversationsResponse struct {
	Conversations []*conversation.Conversation `json:"conversations"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sendJSONError writes a JSON error response.
func sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// statusFor maps an error kind to its HTTP status.
func statusFor(err error) int {
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		return http.StatusRequestEntityTooLarge
	}
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindStorage, apperr.KindUnavailable, apperr.KindTransientDelivery:
		return http.StatusServiceUnavailable
	case apperr.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// sendError reports err with the status its kind maps to. Internal errors
// are logged and hidden from the client.
func (g *Gateway) sendError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		g.logger.Error("request failed", "path", r.URL.Path, "error", err)
		sendJSONError(w, status, "internal error")
		return
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"kind":  apperr.KindOf(err).String(),
	})
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	if r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			return err
		}
		return apperr.Validation("decode", "invalid JSON body: %v", err)
	}
	return nil
}

func identity(r *http.Request) auth.Identity {
	id, _ := auth.FromContext(r.Context())
	return id
}

// senderFor maps the caller's role to the author of messages they write.
func senderFor(id auth.Identity) conversation.Sender {
	switch id.Role {
	case auth.RoleBot:
		return conversation.Sender{Kind: conversation.SenderBot, ID: id.UserID}
	case auth.RoleService:
		return conversation.Sender{Kind: conversation.SenderSystem, ID: id.UserID}
	default:
		return conversation.Sender{Kind: conversation.SenderAgent, ID: id.UserID}
	}
}

// requireStaff rejects callers that are not human desk users.
func requireStaff(w http.ResponseWriter, id auth.Identity) bool {
	if !id.IsStaff() {
		sendJSONError(w, http.StatusForbidden, "only agents and supervisors may do this")
		return false
	}
	return true
}

func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := conversation.ListFilter{
		Status:  conversation.Status(q.Get("status")),
		AgentID: q.Get("agent_id"),
	}
	if f.Status != "" && !f.Status.Valid() {
		sendJSONError(w, http.StatusBadRequest, "unknown status")
		return
	}
	convs := g.desk.List(f)
	if convs == nil {
		convs = []*conversation.Conversation{}
	}
	writeJSON(w, http.StatusOK, ConversationsResponse{Conversations: convs})
}

func (g *Gateway) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if err := decode(r, &req); err != nil {
		g.sendError(w, r, err)
		return
	}
	priority := conversation.PriorityNormal
	if req.Priority != nil {
		priority = *req.Priority
	}
	res, err := g.desk.Create(r.Context(), conversation.NewConversation{
		Customer:       req.Customer,
		Priority:       priority,
		Tags:           req.Tags,
		Metadata:       req.Metadata,
		InitialMessage: req.Message,
	})
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

func (g *Gateway) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := g.desk.GetConversation(chi.URLParam(r, "id"))
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (g *Gateway) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	var after uint64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			sendJSONError(w, http.StatusBadRequest, "after must be a sequence number")
			return
		}
		after = n
	}
	msgs, err := g.desk.Messages(r.Context(), chi.URLParam(r, "id"), after)
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []*conversation.Message{}
	}
	writeJSON(w, http.StatusOK, MessagesResponse{Messages: msgs})
}

func (g *Gateway) handleAppendMessage(w http.ResponseWriter, r *http.Request) {
	var req AppendMessageRequest
	if err := decode(r, &req); err != nil {
		g.sendError(w, r, err)
		return
	}
	msg, err := g.desk.Append(r.Context(), chi.URLParam(r, "id"), conversation.Draft{
		Sender:  senderFor(identity(r)),
		Content: req.Content,
	})
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (g *Gateway) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	var req MarkReadRequest
	if err := decode(r, &req); err != nil {
		g.sendError(w, r, err)
		return
	}
	id := identity(r)
	seqs, err := g.desk.MarkRead(r.Context(), chi.URLParam(r, "id"), req.ThroughSeq, senderFor(id).Kind, id.UserID)
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	if seqs == nil {
		seqs = []uint64{}
	}
	writeJSON(w, http.StatusOK, MarkReadResponse{Sequences: seqs})
}

func (g *Gateway) handleAssign(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	if !requireStaff(w, id) {
		return
	}
	var req AssignRequest
	if err := decode(r, &req); err != nil {
		g.sendError(w, r, err)
		return
	}
	agentID := req.AgentID
	if agentID == "" {
		agentID = id.UserID
	}
	if agentID != id.UserID && id.Role != auth.RoleSupervisor {
		sendJSONError(w, http.StatusForbidden, "only supervisors may assign other agents")
		return
	}
	conv, err := g.desk.Assign(r.Context(), chi.URLParam(r, "id"), agentID)
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (g *Gateway) handleTakeover(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	if !requireStaff(w, id) {
		return
	}
	conv, err := g.desk.Takeover(r.Context(), chi.URLParam(r, "id"), id.UserID)
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (g *Gateway) handleRelease(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	if !requireStaff(w, id) {
		return
	}
	conv, err := g.desk.Release(r.Context(), chi.URLParam(r, "id"), id.UserID)
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (g *Gateway) handleEscalate(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if err := decode(r, &req); err != nil {
		g.sendError(w, r, err)
		return
	}
	conv, err := g.desk.Escalate(r.Context(), chi.URLParam(r, "id"), identity(r).UserID, req.Reason)
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (g *Gateway) handleBotAttempt(w http.ResponseWriter, r *http.Request) {
	conv, err := g.desk.RecordBotAttempt(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (g *Gateway) handleClose(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if err := decode(r, &req); err != nil {
		g.sendError(w, r, err)
		return
	}
	conv, err := g.desk.Close(r.Context(), chi.URLParam(r, "id"), req.Reason, identity(r).UserID)
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (g *Gateway) handleSetPriority(w http.ResponseWriter, r *http.Request) {
	var req PriorityRequest
	if err := decode(r, &req); err != nil {
		g.sendError(w, r, err)
		return
	}
	if req.Priority == nil {
		sendJSONError(w, http.StatusBadRequest, "priority is required")
		return
	}
	conv, err := g.desk.SetPriority(r.Context(), chi.URLParam(r, "id"), *req.Priority)
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (g *Gateway) handleListWaiting(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ConversationsResponse{Conversations: g.desk.ListWaiting()})
}

func (g *Gateway) handlePickNext(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	if !requireStaff(w, id) {
		return
	}
	conv, err := g.desk.PickNext(r.Context(), id.UserID)
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.desk.Stats())
}
