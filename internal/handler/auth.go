package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/chatplatform/core/internal/auth"
	"github.com/chatplatform/core/internal/model"
	"github.com/chatplatform/core/internal/repository"
)

type AuthHandler struct {
	userRepo *repository.UserRepository
	authSvc  *auth.Service
}

func NewAuthHandler(userRepo *repository.UserRepository, authSvc *auth.Service) *AuthHandler {
	return &AuthHandler{userRepo: userRepo, authSvc: authSvc}
}

type authResponse struct {
	Token string      `json:"token"`
	User  *model.User `json:"user"`
}

// Signup регистрирует пользователя по телефону. Телефон уникален:
// повторная регистрация возвращает 409.
func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name"`
		Phone    string `json:"phone"`
		Password string `json:"password"`
		Email    string `json:"email"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" || req.Phone == "" || len(req.Password) < 6 {
		writeError(w, http.StatusBadRequest, "name, phone and password (6+ chars) required")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to hash password")
		return
	}
	u := &model.User{
		ID:           uuid.New().String(),
		Name:         req.Name,
		Phone:        req.Phone,
		Email:        req.Email,
		PasswordHash: hash,
		Status:       model.UserStatusOffline,
		LastSeen:     time.Now().UTC(),
		CreatedAt:    time.Now().UTC(),
	}
	if err := h.userRepo.Create(r.Context(), u); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			writeError(w, http.StatusConflict, "phone or email already registered")
			return
		}
		writeError(w, http.StatusServiceUnavailable, "user store unavailable")
		return
	}

	token, err := h.authSvc.Mint(u.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	writeJSON(w, http.StatusOK, authResponse{Token: token, User: u})
}

// Login аутентифицирует по телефону и паролю.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Phone    string `json:"phone"`
		Password string `json:"password"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Phone == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "phone and password required")
		return
	}

	u, err := h.userRepo.GetByPhone(r.Context(), req.Phone)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		writeError(w, http.StatusServiceUnavailable, "user store unavailable")
		return
	}
	if !auth.CheckPassword(u.PasswordHash, req.Password) {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := h.authSvc.Mint(u.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	writeJSON(w, http.StatusOK, authResponse{Token: token, User: u})
}
