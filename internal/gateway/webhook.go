// ABOUTME: Inbound channel webhook that turns provider messages into customer appends
// ABOUTME: Provider retries are absorbed by deduplicating on channel and message id

package gateway

import (
	"crypto/subtle"
	"net/http"

	"github.com/2389/support-gateway/internal/conversation"
	"github.com/2389/support-gateway/internal/dedupe"
	"github.com/2389/support-gateway/internal/desk"
	"github.com/2389/support-gateway/internal/metrics"
)

// webhookSecretHeader carries the shared secret configured for the channel worker.
const webhookSecretHeader = "X-Webhook-Secret"

// InboundRequest is one customer message delivered by the channel worker.
type InboundRequest struct {
	Channel   string                 `json:"channel"`
	MessageID string                 `json:"message_id"`
	From      conversation.Customer  `json:"from"`
	Content   conversation.Content   `json:"content"`
	Priority  *conversation.Priority `json:"priority,omitempty"`
	Tags      []string               `json:"tags,omitempty"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
}

// InboundResponse acknowledges a webhook delivery.
type InboundResponse struct {
	Duplicate bool `json:"duplicate"`
	*desk.InboundResult
}

func (g *Gateway) handleInbound(w http.ResponseWriter, r *http.Request) {
	if secret := g.config.Inbound.WebhookSecret; secret != "" {
		got := r.Header.Get(webhookSecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			sendJSONError(w, http.StatusUnauthorized, "invalid webhook secret")
			return
		}
	}

	var req InboundRequest
	if err := decode(r, &req); err != nil {
		g.sendError(w, r, err)
		return
	}
	if req.Channel == "" || req.MessageID == "" {
		sendJSONError(w, http.StatusBadRequest, "channel and message_id are required")
		return
	}

	key := dedupe.Key(req.Channel, req.MessageID)
	if g.dedupe.CheckAndMark(key) {
		metrics.InboundDuplicates.Inc()
		g.logger.Debug("duplicate inbound message ignored",
			"channel", req.Channel,
			"message_id", req.MessageID)
		writeJSON(w, http.StatusOK, InboundResponse{Duplicate: true})
		return
	}

	priority := conversation.PriorityNormal
	if req.Priority != nil {
		priority = *req.Priority
	}
	res, err := g.desk.HandleInbound(r.Context(), desk.Inbound{
		Customer: req.From,
		Content:  req.Content,
		Priority: priority,
		Tags:     req.Tags,
		Metadata: req.Metadata,
	})
	if err != nil {
		// Let the provider's retry through.
		g.dedupe.Forget(key)
		g.sendError(w, r, err)
		return
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, InboundResponse{InboundResult: res})
}
