package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/PortNumber53/family-membership/internal/billing"
	"github.com/PortNumber53/family-membership/internal/models"
)

// FamilyService is the family roster surface used by the HTTP layer.
type FamilyService interface {
	Children(ctx context.Context, userID string) ([]models.Child, error)
	RegisterChildren(ctx context.Context, userID string, in []billing.ChildInput) ([]models.Child, error)
	FamilyCodes(ctx context.Context, userID string) ([]models.FamilyCode, error)
}

// FamilyHandler serves the children and family code endpoints.
type FamilyHandler struct {
	svc FamilyService
}

// NewFamilyHandler creates a FamilyHandler.
func NewFamilyHandler(svc FamilyService) *FamilyHandler {
	return &FamilyHandler{svc: svc}
}

// RegisterRoutes registers family routes. Callers wrap router with auth.
func (h *FamilyHandler) RegisterRoutes(router chi.Router) {
	router.Get("/api/children", h.ListChildren())
	router.Post("/api/children", h.RegisterChildren())
	router.Get("/api/family/codes", h.ListCodes())
}

type registerChildrenRequest struct {
	Children []billing.ChildInput `json:"children"`
}

// ListChildren returns the caller's family children with their codes.
func (h *FamilyHandler) ListChildren() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}
		children, err := h.svc.Children(r.Context(), userID)
		if err != nil {
			writeServiceError(w, "list children", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"children": children})
	}
}

// RegisterChildren adds children and issues their access codes.
func (h *FamilyHandler) RegisterChildren() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}
		var req registerChildrenRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		created, err := h.svc.RegisterChildren(r.Context(), userID, req.Children)
		if err != nil {
			writeServiceError(w, "register children", err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"success": true, "children": created})
	}
}

// ListCodes returns every access code of the caller's family.
func (h *FamilyHandler) ListCodes() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}
		list, err := h.svc.FamilyCodes(r.Context(), userID)
		if err != nil {
			writeServiceError(w, "list family codes", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"codes": list})
	}
}
