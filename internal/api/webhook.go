package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"lifecycle-engine/internal/common/metrics"
	"lifecycle-engine/internal/eventbus"
)

const maxWebhookBody = 1 << 20

type envelope struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// handleWebhook validates an envelope and enqueues it on the ingress channel for its type.
func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		h.rejectWebhook(w, "unknown", http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	if msg, ok := h.validate(schemaEnvelope, body); !ok {
		h.rejectWebhook(w, "unknown", http.StatusBadRequest, msg)
		return
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		h.rejectWebhook(w, "unknown", http.StatusBadRequest, "invalid JSON")
		return
	}
	if msg, ok := h.validate(env.Type, env.Data); !ok {
		h.rejectWebhook(w, env.Type, http.StatusBadRequest, msg)
		return
	}

	ctx := r.Context()
	if env.ID != "" && h.Deduper != nil && !h.Deduper.FirstSeen(ctx, env.ID) {
		metrics.WebhookRequests.WithLabelValues(env.Type, "duplicate").Inc()
		h.log.Info("duplicate webhook ignored", map[string]interface{}{"id": env.ID, "type": env.Type})
		respondWithJSON(w, http.StatusOK, map[string]interface{}{"success": true, "duplicate": true})
		return
	}

	var ref struct {
		ApplicationID string `json:"applicationId"`
	}
	_ = json.Unmarshal(env.Data, &ref)

	if err := h.Publisher.Publish(ctx, eventbus.IngressChannel(env.Type), ref.ApplicationID, env.Data); err != nil {
		if env.ID != "" && h.Deduper != nil {
			h.Deduper.Forget(ctx, env.ID)
		}
		metrics.WebhookRequests.WithLabelValues(env.Type, "error").Inc()
		h.log.Error("failed to enqueue webhook", map[string]interface{}{
			"id":    env.ID,
			"type":  env.Type,
			"error": err.Error(),
		})
		respondWithError(w, http.StatusServiceUnavailable, "event bus unavailable")
		return
	}

	metrics.WebhookRequests.WithLabelValues(env.Type, "accepted").Inc()
	h.log.Info("webhook accepted", map[string]interface{}{
		"id":            env.ID,
		"type":          env.Type,
		"applicationId": ref.ApplicationID,
	})
	respondWithJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (h *Handler) validate(schema string, doc []byte) (string, bool) {
	result, err := h.Schemas.Validate(schema, doc)
	if err != nil {
		return err.Error(), false
	}
	if !result.Valid {
		return strings.Join(result.GetErrorMessages(), "; "), false
	}
	return "", true
}

func (h *Handler) rejectWebhook(w http.ResponseWriter, webhookType string, code int, msg string) {
	metrics.WebhookRequests.WithLabelValues(webhookType, "rejected").Inc()
	h.log.Warn("webhook rejected", map[string]interface{}{"type": webhookType, "error": msg})
	respondWithError(w, code, msg)
}
