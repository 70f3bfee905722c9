package middleware

import (
	"context"
	"net/http"
	"strings"
)

// TokenValidator проверяет bearer-токен и возвращает userID.
type TokenValidator interface {
	Validate(token string) (string, error)
}

// BearerAuth извлекает токен из заголовка Authorization (Bearer <token>)
// или, для WebSocket-рукопожатия, из query-параметра token, проверяет его и
// кладёт userID в контекст запроса.
func BearerAuth(validator TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := ""
			if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
				token = strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
			}
			if token == "" {
				token = r.URL.Query().Get("token")
			}
			if token == "" {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			userID, err := validator.Validate(token)
			if err != nil || userID == "" {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), UserIDKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
