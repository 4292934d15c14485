package handlers

import (
	"context"
	"io"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/PortNumber53/family-membership/internal/billing"
)

// WebhookParser verifies and decodes a processor webhook.
type WebhookParser interface {
	ParseWebhook(payload []byte, signature string) (*billing.Event, error)
}

// EventHandler reconciles a verified event.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev *billing.Event) error
}

// WebhookHandler receives Stripe webhooks.
type WebhookHandler struct {
	parser  WebhookParser
	handler EventHandler
}

// NewWebhookHandler creates a WebhookHandler.
func NewWebhookHandler(parser WebhookParser, handler EventHandler) *WebhookHandler {
	return &WebhookHandler{parser: parser, handler: handler}
}

// RegisterRoutes registers the unauthenticated webhook route.
func (h *WebhookHandler) RegisterRoutes(router chi.Router) {
	router.Post("/api/stripe/webhook", h.Handle())
}

// Handle answers 400 for unverifiable payloads, 500 when reconciliation
// fails so Stripe retries, and 200 otherwise.
func (h *WebhookHandler) Handle() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			writeError(w, http.StatusBadRequest, billing.CodeInvalidRequest, "unable to read body")
			return
		}

		event, err := h.parser.ParseWebhook(payload, r.Header.Get("Stripe-Signature"))
		if err != nil {
			log.Printf("[webhook] rejected payload: %v", err)
			writeError(w, http.StatusBadRequest, "invalid_signature", "webhook signature verification failed")
			return
		}

		if err := h.handler.HandleEvent(r.Context(), event); err != nil {
			log.Printf("[webhook] %s (%s) failed: %v", event.ID, event.Type, err)
			writeError(w, http.StatusInternalServerError, "webhook_failed", "webhook processing failed")
			return
		}

		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
	}
}
