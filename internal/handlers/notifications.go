package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/PortNumber53/family-membership/internal/models"
)

const defaultNotificationLimit = 50

// NotificationStore is the persistence used by the notifications endpoints.
type NotificationStore interface {
	ListNotifications(ctx context.Context, profileID string, limit int) ([]models.Notification, error)
	CountUnreadNotifications(ctx context.Context, profileID string) (int, error)
	MarkNotificationRead(ctx context.Context, profileID, notificationID string) (bool, error)
	MarkAllNotificationsRead(ctx context.Context, profileID string) (int64, error)
}

// NotificationHandler serves the caller's notification feed.
type NotificationHandler struct {
	store NotificationStore
}

// NewNotificationHandler creates a NotificationHandler.
func NewNotificationHandler(store NotificationStore) *NotificationHandler {
	return &NotificationHandler{store: store}
}

// RegisterRoutes registers notification routes. Callers wrap router with auth.
func (h *NotificationHandler) RegisterRoutes(router chi.Router) {
	router.Get("/api/notifications", h.List())
	router.Get("/api/notifications/unread-count", h.UnreadCount())
	router.Post("/api/notifications/read-all", h.MarkAllRead())
	router.Post("/api/notifications/{id}/read", h.MarkRead())
}

// List returns the newest notifications.
func (h *NotificationHandler) List() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}

		limit := defaultNotificationLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
				return
			}
			limit = n
		}

		list, err := h.store.ListNotifications(r.Context(), userID, limit)
		if err != nil {
			writeServiceError(w, "list notifications", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"notifications": list})
	}
}

// UnreadCount returns how many notifications are unread.
func (h *NotificationHandler) UnreadCount() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}
		count, err := h.store.CountUnreadNotifications(r.Context(), userID)
		if err != nil {
			writeServiceError(w, "count notifications", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"count": count})
	}
}

// MarkAllRead marks every notification read.
func (h *NotificationHandler) MarkAllRead() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}
		n, err := h.store.MarkAllNotificationsRead(r.Context(), userID)
		if err != nil {
			writeServiceError(w, "mark all notifications read", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int64{"updated": n})
	}
}

// MarkRead marks one notification read. Unknown or foreign ids answer 404.
func (h *NotificationHandler) MarkRead() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}
		id := chi.URLParam(r, "id")
		changed, err := h.store.MarkNotificationRead(r.Context(), userID, id)
		if err != nil {
			writeServiceError(w, "mark notification read", err)
			return
		}
		if !changed {
			writeError(w, http.StatusNotFound, "not_found", "notification not found or already read")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
