package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/dexterr404/watch-room/internal/domain"
	"github.com/dexterr404/watch-room/internal/metrics"
	"github.com/dexterr404/watch-room/internal/postgres"
	httpmw "github.com/dexterr404/watch-room/internal/transport/http/middleware"
)

type ChatSvc interface {
	Save(ctx context.Context, m domain.NewMessage) (*domain.Message, error)
	History(ctx context.Context, roomID, after string, limit int) ([]domain.Message, string, error)
}

type ProfileSvc interface {
	Get(ctx context.Context, userID string) (*domain.Profile, error)
}

type Handler struct {
	chatSvc    ChatSvc
	profileSvc ProfileSvc
}

func NewHandler(chat ChatSvc, profiles ProfileSvc) *Handler {
	return &Handler{chatSvc: chat, profileSvc: profiles}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func errToStatus(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrEmptyMessage):
		return http.StatusBadRequest, "empty message"
	case errors.Is(err, domain.ErrMessageTooLong):
		return http.StatusRequestEntityTooLarge, "message too long"
	case errors.Is(err, postgres.ErrInvalidCursor):
		return http.StatusBadRequest, "invalid_cursor"
	case errors.Is(err, domain.ErrProfileNotFound):
		return http.StatusNotFound, "profile not found"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func writeErr(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, msg := errToStatus(err)
	if status >= 500 {
		httpmw.L(r.Context()).Error(op, slog.Any("err", err))
	}
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// GET /me
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, httpmw.UserFromCtx(r.Context()))
}

// GET /rooms/{id}/messages?after=&limit=
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "id")
	after := r.URL.Query().Get("after")
	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			limit = n
		}
	}

	items, next, err := h.chatSvc.History(r.Context(), roomID, after, limit)
	if err != nil {
		writeErr(w, r, "handler.GetMessages", err)
		return
	}
	if items == nil {
		items = []domain.Message{}
	}
	writeJSON(w, http.StatusOK, MessagesResponse{Items: items, NextCursor: next})
}

// POST /rooms/{id}/messages
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid json"})
		return
	}
	user := httpmw.UserFromCtx(r.Context())
	if user == nil {
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "unauthenticated"})
		return
	}

	msg, err := h.chatSvc.Save(r.Context(), domain.NewMessage{
		RoomID:  chi.URLParam(r, "id"),
		UserID:  user.ID,
		Content: req.Content,
	})
	if err != nil {
		writeErr(w, r, "handler.PostMessage", err)
		return
	}
	metrics.MessagesPosted.Inc()
	writeJSON(w, http.StatusCreated, msg)
}

// GET /profiles/{id}
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	p, err := h.profileSvc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, r, "handler.GetProfile", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
