package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/chatplatform/core/internal/apperr"
)

func TestPageLimit(t *testing.T) {
	cases := []struct {
		query  string
		want   int
		wantOK bool
	}{
		{"", defaultPageLimit, true},
		{"limit=10", 10, true},
		{"limit=0", 0, true},
		{"limit=100", 100, true},
		{"limit=101", 100, true},
		{"limit=9999", 100, true},
		{"limit=-1", 0, false},
		{"limit=abc", 0, false},
	}
	for _, c := range cases {
		r := httptest.NewRequest(http.MethodGet, "/api/chats/c1/messages?"+c.query, nil)
		got, ok := pageLimit(r)
		if got != c.want || ok != c.wantOK {
			t.Errorf("pageLimit(%q) = %d, %v; want %d, %v", c.query, got, ok, c.want, c.wantOK)
		}
	}
}

func TestWriteAppErrorForbiddenKind(t *testing.T) {
	w := httptest.NewRecorder()
	writeAppError(w, apperr.New(apperr.KindBlockedByRecipient, "recipient has blocked this chat"))

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	var resp errorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Kind != string(apperr.KindBlockedByRecipient) {
		t.Errorf("kind discriminator = %q, want %q", resp.Kind, apperr.KindBlockedByRecipient)
	}
}

func TestWriteAppErrorNoKindOutsideForbidden(t *testing.T) {
	w := httptest.NewRecorder()
	writeAppError(w, apperr.New(apperr.KindNotFound, "chat not found"))

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	var resp errorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Kind != "" {
		t.Errorf("kind discriminator leaked on 404: %q", resp.Kind)
	}
}

func TestQueryInt(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/?n=7&bad=x", nil)
	if got := queryInt(r, "n", 3); got != 7 {
		t.Errorf("queryInt(n) = %d", got)
	}
	if got := queryInt(r, "bad", 3); got != 3 {
		t.Errorf("queryInt(bad) = %d", got)
	}
	if got := queryInt(r, "missing", 3); got != 3 {
		t.Errorf("queryInt(missing) = %d", got)
	}
}
