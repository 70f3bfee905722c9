package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type fakeValidator struct {
	userID string
	err    error
}

func (f *fakeValidator) Validate(token string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if token != "good-token" {
		return "", errors.New("invalid token")
	}
	return f.userID, nil
}

func authedHandler(t *testing.T, wantUser string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := GetUserID(r.Context()); got != wantUser {
			t.Errorf("user in context = %q, want %q", got, wantUser)
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestBearerAuthHeader(t *testing.T) {
	mw := BearerAuth(&fakeValidator{userID: "u1"})
	h := mw(authedHandler(t, "u1"))

	r := httptest.NewRequest(http.MethodGet, "/api/users/me", nil)
	r.Header.Set("Authorization", "Bearer good-token")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestBearerAuthQueryToken(t *testing.T) {
	// WebSocket-рукопожатие передаёт токен query-параметром.
	mw := BearerAuth(&fakeValidator{userID: "u1"})
	h := mw(authedHandler(t, "u1"))

	r := httptest.NewRequest(http.MethodGet, "/ws?token=good-token", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestBearerAuthRejects(t *testing.T) {
	mw := BearerAuth(&fakeValidator{userID: "u1"})
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler reached without valid token")
	}))

	cases := []func(*http.Request){
		func(r *http.Request) {},
		func(r *http.Request) { r.Header.Set("Authorization", "Bearer bad-token") },
		func(r *http.Request) { r.Header.Set("Authorization", "Basic good-token") },
	}
	for i, setup := range cases {
		r := httptest.NewRequest(http.MethodGet, "/api/users/me", nil)
		setup(r)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("case %d: status = %d, want 401", i, w.Code)
		}
	}
}
