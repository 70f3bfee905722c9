package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/chatplatform/core/internal/dispatcher"
	"github.com/chatplatform/core/internal/middleware"
	"github.com/chatplatform/core/internal/model"
	"github.com/chatplatform/core/internal/repository"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 100
)

type MessageHandler struct {
	msgRepo  *repository.MessageRepository
	chatRepo *repository.ChatRepository
	disp     *dispatcher.Dispatcher
}

func NewMessageHandler(msgRepo *repository.MessageRepository, chatRepo *repository.ChatRepository, disp *dispatcher.Dispatcher) *MessageHandler {
	return &MessageHandler{msgRepo: msgRepo, chatRepo: chatRepo, disp: disp}
}

// pageLimit разбирает limit: по умолчанию 50, потолок 100.
// Явный limit=0 — валидный запрос пустой страницы.
func pageLimit(r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultPageLimit, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	if n > maxPageLimit {
		n = maxPageLimit
	}
	return n, true
}

// GetMessages отдаёт страницу сообщений чата в хронологическом порядке по
// возрастанию. before — ISO-8601; возвращаются сообщения строго старше него.
func (h *MessageHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	userID := middleware.GetUserID(r.Context())

	isMember, err := h.chatRepo.IsMember(r.Context(), chatID, userID)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "chat store unavailable")
		return
	}
	if !isMember {
		writeError(w, http.StatusForbidden, "not a member")
		return
	}

	limit, ok := pageLimit(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	var before time.Time
	if v := r.URL.Query().Get("before"); v != "" {
		before, err = time.Parse(time.RFC3339Nano, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "before must be an ISO-8601 timestamp")
			return
		}
	}

	messages, err := h.msgRepo.ListBefore(r.Context(), chatID, before, limit)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "message store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

type sendRequest struct {
	Type     model.MessageType `json:"type"`
	Content  string            `json:"content"`
	MediaURL string            `json:"mediaUrl"`
}

// SendToChat отправляет сообщение в чат от имени текущего пользователя.
func (h *MessageHandler) SendToChat(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	userID := middleware.GetUserID(r.Context())

	var req sendRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	m, err := h.disp.SendToChat(r.Context(), chatID, userID, req.Type, req.Content, req.MediaURL)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// SendToUser отправляет сообщение пользователю; личный чат создаётся при
// отсутствии.
func (h *MessageHandler) SendToUser(w http.ResponseWriter, r *http.Request) {
	recipientID := chi.URLParam(r, "userID")
	userID := middleware.GetUserID(r.Context())

	var req sendRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	m, err := h.disp.SendToUser(r.Context(), userID, recipientID, req.Type, req.Content, req.MediaURL)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}
