package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/chatplatform/core/internal/apperr"
	"github.com/chatplatform/core/internal/logger"
)

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("writeJSON encode: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeAppError переводит категоризованную ошибку в HTTP-ответ.
// Для 403 в теле присутствует дискриминатор kind (not_a_member, blocked, ...).
func writeAppError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	resp := errorResponse{Error: apperr.Message(err)}
	if status == http.StatusForbidden {
		resp.Kind = string(apperr.KindOf(err))
	}
	if status >= http.StatusInternalServerError {
		logger.Errorf("request failed: %v", err)
	}
	writeJSON(w, status, resp)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}
