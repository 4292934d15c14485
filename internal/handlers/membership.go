package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/PortNumber53/family-membership/internal/billing"
	"github.com/PortNumber53/family-membership/internal/middleware"
)

// MembershipService is the billing engine surface used by the HTTP layer.
type MembershipService interface {
	Overview(ctx context.Context, userID string) (*billing.Overview, error)
	Prices() billing.PriceList
	Preview(ctx context.Context, userID string, in billing.ChangeInput) (*billing.Preview, error)
	Commit(ctx context.Context, userID string, in billing.ChangeInput) (*billing.CommitResult, error)
	CancelPendingDowngrade(ctx context.Context, userID string) error
	CancelPendingBillingChange(ctx context.Context, userID string) error
	CreateCheckout(ctx context.Context, userID string, in billing.CheckoutInput) (*billing.CheckoutSession, error)
	VerifyCheckout(ctx context.Context, userID, sessionID string) (*billing.VerifyResult, error)
	CreatePortal(ctx context.Context, userID string) (string, error)
}

// MembershipHandler serves the authenticated membership endpoints.
type MembershipHandler struct {
	svc MembershipService
}

// NewMembershipHandler creates a MembershipHandler.
func NewMembershipHandler(svc MembershipService) *MembershipHandler {
	return &MembershipHandler{svc: svc}
}

// RegisterRoutes registers membership routes. Callers wrap router with auth.
func (h *MembershipHandler) RegisterRoutes(router chi.Router) {
	router.Get("/api/membership", h.Overview())
	router.Get("/api/membership/plans", h.Plans())
	router.Post("/api/stripe/preview-update", h.PreviewUpdate())
	router.Post("/api/stripe/update-subscription", h.UpdateSubscription())
	router.Post("/api/stripe/cancel-downgrade", h.CancelDowngrade())
	router.Post("/api/stripe/cancel-billing-change", h.CancelBillingChange())
	router.Post("/api/stripe/create-checkout", h.CreateCheckout())
	router.Post("/api/stripe/verify-session", h.VerifySession())
	router.Post("/api/stripe/create-portal", h.CreatePortal())
}

func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return "", false
	}
	return userID, true
}

// Overview returns the caller's membership, plan and pending changes.
func (h *MembershipHandler) Overview() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}
		overview, err := h.svc.Overview(r.Context(), userID)
		if err != nil {
			writeServiceError(w, "overview", err)
			return
		}
		writeJSON(w, http.StatusOK, overview)
	}
}

// Plans returns the public price table.
func (h *MembershipHandler) Plans() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, h.svc.Prices())
	}
}

// PreviewUpdate quotes a seat or cycle change without mutating anything.
func (h *MembershipHandler) PreviewUpdate() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}
		var in billing.ChangeInput
		if !decodeJSON(w, r, &in) {
			return
		}
		preview, err := h.svc.Preview(r.Context(), userID, in)
		if err != nil {
			writeServiceError(w, "preview", err)
			return
		}
		writeJSON(w, http.StatusOK, preview)
	}
}

// UpdateSubscription commits a seat or cycle change.
func (h *MembershipHandler) UpdateSubscription() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}
		var in billing.ChangeInput
		if !decodeJSON(w, r, &in) {
			return
		}
		result, err := h.svc.Commit(r.Context(), userID, in)
		if err != nil {
			writeServiceError(w, "commit", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "result": result})
	}
}

// CancelDowngrade reverts a scheduled seat reduction.
func (h *MembershipHandler) CancelDowngrade() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}
		if err := h.svc.CancelPendingDowngrade(r.Context(), userID); err != nil {
			writeServiceError(w, "cancel downgrade", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

// CancelBillingChange reverts a scheduled cycle change.
func (h *MembershipHandler) CancelBillingChange() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}
		if err := h.svc.CancelPendingBillingChange(r.Context(), userID); err != nil {
			writeServiceError(w, "cancel billing change", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

// CreateCheckout opens a hosted checkout for a new membership.
func (h *MembershipHandler) CreateCheckout() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}
		var in billing.CheckoutInput
		if !decodeJSON(w, r, &in) {
			return
		}
		session, err := h.svc.CreateCheckout(r.Context(), userID, in)
		if err != nil {
			writeServiceError(w, "create checkout", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"sessionId": session.ID, "url": session.URL})
	}
}

type verifySessionRequest struct {
	SessionID string `json:"sessionId"`
}

// VerifySession provisions the family after a paid checkout redirect.
func (h *MembershipHandler) VerifySession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}
		var req verifySessionRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		result, err := h.svc.VerifyCheckout(r.Context(), userID, req.SessionID)
		if err != nil {
			writeServiceError(w, "verify session", err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// CreatePortal returns a billing portal URL for the caller's customer.
func (h *MembershipHandler) CreatePortal() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}
		url, err := h.svc.CreatePortal(r.Context(), userID)
		if err != nil {
			writeServiceError(w, "create portal", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"url": url})
	}
}
