package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/chatplatform/core/internal/dispatcher"
	"github.com/chatplatform/core/internal/middleware"
	"github.com/chatplatform/core/internal/model"
	"github.com/chatplatform/core/internal/repository"
)

type ChatHandler struct {
	chatRepo *repository.ChatRepository
	msgRepo  *repository.MessageRepository
	disp     *dispatcher.Dispatcher
}

func NewChatHandler(chatRepo *repository.ChatRepository, msgRepo *repository.MessageRepository, disp *dispatcher.Dispatcher) *ChatHandler {
	return &ChatHandler{chatRepo: chatRepo, msgRepo: msgRepo, disp: disp}
}

// GetUserChats возвращает чаты пользователя с участниками и последним сообщением.
func (h *ChatHandler) GetUserChats(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	chats, err := h.chatRepo.GetUserChats(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "chat store unavailable")
		return
	}

	result := make([]model.ChatWithDetails, 0, len(chats))
	for _, c := range chats {
		members, err := h.chatRepo.GetMembers(r.Context(), c.ID)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "chat store unavailable")
			return
		}
		last, err := h.msgRepo.GetLastMessage(r.Context(), c.ID)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "chat store unavailable")
			return
		}
		result = append(result, model.ChatWithDetails{Chat: c, Members: members, LastMessage: last})
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *ChatHandler) GetChat(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	userID := middleware.GetUserID(r.Context())

	chat, err := h.chatRepo.GetByID(r.Context(), chatID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "chat not found")
			return
		}
		writeError(w, http.StatusServiceUnavailable, "chat store unavailable")
		return
	}
	isMember, err := h.chatRepo.IsMember(r.Context(), chatID, userID)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "chat store unavailable")
		return
	}
	if !isMember {
		writeError(w, http.StatusForbidden, "not a member")
		return
	}
	members, err := h.chatRepo.GetMembers(r.Context(), chatID)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "chat store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, model.ChatWithDetails{Chat: *chat, Members: members})
}

// CreatePersonal идемпотентно создаёт (или возвращает) личный чат с userId.
func (h *ChatHandler) CreatePersonal(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	var req struct {
		UserID string `json:"userId"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId required")
		return
	}
	chatID, err := h.disp.CreatePersonalChat(r.Context(), userID, req.UserID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": chatID})
}

func (h *ChatHandler) CreateChannel(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	var req struct {
		Name string `json:"name"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	chat, err := h.disp.CreateChannel(r.Context(), userID, req.Name)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

// Block блокирует собеседника: выставляет blocked на членстве самого
// вызывающего в этом чате.
func (h *ChatHandler) Block(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	userID := middleware.GetUserID(r.Context())
	if err := h.disp.Block(r.Context(), chatID, userID); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *ChatHandler) Unblock(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	userID := middleware.GetUserID(r.Context())
	if err := h.disp.Unblock(r.Context(), chatID, userID); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// MarkRead испускает квитанцию о прочтении (эфемерно, без записи в хранилище).
func (h *ChatHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	messageID := chi.URLParam(r, "msgID")
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

	h.disp.MarkRead(r.Context(), chatID, messageID, userID)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
