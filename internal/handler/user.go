package handler

import (
	"errors"
	"net/http"

	"github.com/chatplatform/core/internal/middleware"
	"github.com/chatplatform/core/internal/model"
	"github.com/chatplatform/core/internal/repository"
)

type UserHandler struct {
	userRepo *repository.UserRepository
}

func NewUserHandler(userRepo *repository.UserRepository) *UserHandler {
	return &UserHandler{userRepo: userRepo}
}

func (h *UserHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	u, err := h.userRepo.GetByID(r.Context(), userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		writeError(w, http.StatusServiceUnavailable, "user store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// UpdateMe частично обновляет профиль: пустые поля не трогаются.
func (h *UserHandler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	var req struct {
		Name           string `json:"name"`
		Email          string `json:"email"`
		ProfilePicture string `json:"profilePicture"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" && req.Email == "" && req.ProfilePicture == "" {
		writeError(w, http.StatusBadRequest, "nothing to update")
		return
	}
	if err := h.userRepo.UpdateProfile(r.Context(), userID, req.Name, req.Email, req.ProfilePicture); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			writeError(w, http.StatusConflict, "email already in use")
			return
		}
		writeError(w, http.StatusServiceUnavailable, "user store unavailable")
		return
	}
	u, err := h.userRepo.GetByID(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "user store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (h *UserHandler) Search(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeJSON(w, http.StatusOK, []model.UserPublic{})
		return
	}
	limit := queryInt(r, "limit", 20)
	if limit > 50 {
		limit = 50
	}
	users, err := h.userRepo.Search(r.Context(), query, limit)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "user store unavailable")
		return
	}
	result := make([]model.UserPublic, 0, len(users))
	for i := range users {
		result = append(result, users[i].ToPublic())
	}
	writeJSON(w, http.StatusOK, result)
}

// UpdateStatus выставляет присутствие текущего пользователя.
func (h *UserHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	var req struct {
		Status model.UserStatus `json:"status"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Status != model.UserStatusOnline && req.Status != model.UserStatusOffline {
		writeError(w, http.StatusBadRequest, "status must be online or offline")
		return
	}
	if err := h.userRepo.SetStatus(r.Context(), userID, req.Status); err != nil {
		writeError(w, http.StatusServiceUnavailable, "user store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
