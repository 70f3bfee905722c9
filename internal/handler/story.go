package handler

import (
	"net/http"

	"github.com/chatplatform/core/internal/dispatcher"
	"github.com/chatplatform/core/internal/middleware"
)

type StoryHandler struct {
	disp *dispatcher.Dispatcher
}

func NewStoryHandler(disp *dispatcher.Dispatcher) *StoryHandler {
	return &StoryHandler{disp: disp}
}

func (h *StoryHandler) List(w http.ResponseWriter, r *http.Request) {
	stories, err := h.disp.ListStories(r.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stories)
}

func (h *StoryHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	var req struct {
		MediaURL string `json:"mediaUrl"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	s, err := h.disp.CreateStory(r.Context(), userID, req.MediaURL)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}
