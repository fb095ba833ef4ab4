package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/notify"
	"github.com/lalithlochan/herald/internal/templates"
)

// Notifications is the dispatch core behind /v1/notifications.
type Notifications interface {
	Dispatch(ctx context.Context, userID uuid.UUID, eventType string, values map[string]any) (*db.Notification, error)
	Get(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	List(ctx context.Context, f db.Filter, limit int) ([]*db.Notification, error)
}

// WithNotifications mounts the notification routes.
func WithNotifications(n Notifications) Option {
	return func(h *Handler) { h.notifications = n }
}

// NotificationRequest is the POST /v1/notifications body.
type NotificationRequest struct {
	UserID    string         `json:"user_id"`
	EventType string         `json:"event_type"`
	Context   map[string]any `json:"context"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

func (h *Handler) notificationRoutes(r chi.Router) {
	r.Post("/", h.CreateNotification)
	r.Get("/", h.ListNotifications)
	r.Get("/{id}", h.GetNotification)
}

// CreateNotification handles POST /v1/notifications. The call blocks until
// the outcome is recorded. A delivery failure still answers 201 with a
// FAILED record, since the retry sweep takes it from there.
func (h *Handler) CreateNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req NotificationRequest
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.UserID == "" || req.EventType == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "user_id and event_type are required")
		return
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid user_id", "user_id must be a valid UUID")
		return
	}

	rec, err := h.notifications.Dispatch(ctx, userID, req.EventType, req.Context)
	if err != nil {
		h.writeDispatchError(w, rec, err)
		return
	}

	h.logger.Info("notification dispatched",
		zap.String("notification_id", rec.ID.String()),
		zap.String("event_type", rec.EventType),
		zap.String("status", string(rec.Status)),
	)
	h.writeJSON(w, http.StatusCreated, rec)
}

func (h *Handler) writeDispatchError(w http.ResponseWriter, rec *db.Notification, err error) {
	var detail string
	if rec != nil {
		detail = fmt.Sprintf("notification %s recorded as %s", rec.ID, rec.Status)
	}

	switch {
	case errors.Is(err, notify.ErrNotPersisted):
		h.logger.Error("dispatch not recorded", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to record notification", "")
	case errors.Is(err, notify.ErrInvalidContext):
		h.writeError(w, http.StatusBadRequest, "invalid_context", "Invalid context", err.Error())
	case errors.Is(err, notify.ErrUserNotFound):
		h.writeError(w, http.StatusNotFound, "user_not_found", "User not found", detail)
	case errors.Is(err, templates.ErrRender):
		h.writeError(w, http.StatusUnprocessableEntity, "render_failed", "Template could not be rendered", detail)
	default:
		h.logger.Error("dispatch failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Dispatch failed", "")
	}
}

// GetNotification handles GET /v1/notifications/{id}
func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "id")

	id, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "ID must be a valid UUID")
		return
	}

	rec, err := h.notifications.Get(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
		return
	}
	if err != nil {
		h.logger.Error("failed to get notification", zap.Error(err), zap.String("notification_id", idStr))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get notification", "")
		return
	}

	h.writeJSON(w, http.StatusOK, rec)
}

// ListNotifications handles
// GET /v1/notifications?user_id=&event_type=&status=&limit=20
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var f db.Filter
	if s := q.Get("user_id"); s != "" {
		id, err := uuid.Parse(s)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid user_id", "user_id must be a valid UUID")
			return
		}
		f.UserID = &id
	}
	f.EventType = q.Get("event_type")
	if s := q.Get("status"); s != "" {
		switch st := db.Status(strings.ToUpper(s)); st {
		case db.StatusPending, db.StatusSent, db.StatusFailed:
			f.Status = st
		default:
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status", "status must be one of: PENDING, SENT, FAILED")
			return
		}
	}

	limit := defaultListLimit
	if s := q.Get("limit"); s != "" {
		if l, err := strconv.Atoi(s); err == nil && l > 0 && l <= maxListLimit {
			limit = l
		}
	}

	recs, err := h.notifications.List(r.Context(), f, limit)
	if err != nil {
		h.logger.Error("failed to list notifications", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list notifications", "")
		return
	}
	if recs == nil {
		recs = []*db.Notification{}
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"data":  recs,
		"limit": limit,
		"count": len(recs),
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to encode response", "")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
