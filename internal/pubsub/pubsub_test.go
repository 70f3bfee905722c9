package pubsub

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/chatplatform/core/internal/event"
)

func newTestRouter(instanceID string, handler Handler) *Router {
	return &Router{
		instanceID: instanceID,
		handler:    handler,
		refs:       make(map[string]int),
	}
}

func TestUserChannel(t *testing.T) {
	if got := UserChannel("u1"); got != "ws:user:u1" {
		t.Fatalf("UserChannel = %q, want ws:user:u1", got)
	}
}

func TestDispatchDropsOwnInstance(t *testing.T) {
	delivered := 0
	r := newTestRouter("node-1", func(userID string, env event.Envelope) { delivered++ })

	body, err := json.Marshal(wireMessage{
		Envelope:   event.New(event.TypeMessageSent, event.MessageSentPayload{ChatID: "c1"}),
		InstanceID: "node-1",
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	r.dispatch("ws:user:u1", body)
	if delivered != 0 {
		t.Fatalf("own instance message was delivered %d times", delivered)
	}
}

func TestDispatchDeliversForeignInstance(t *testing.T) {
	var gotUser string
	var gotEnv event.Envelope
	r := newTestRouter("node-1", func(userID string, env event.Envelope) {
		gotUser = userID
		gotEnv = env
	})

	sent := event.Envelope{
		Type:      event.TypeMessageSent,
		Payload:   map[string]any{"chatId": "c1"},
		Timestamp: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	body, err := json.Marshal(wireMessage{Envelope: sent, InstanceID: "node-2"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	r.dispatch("ws:user:u42", body)
	if gotUser != "u42" {
		t.Fatalf("handler user = %q, want u42", gotUser)
	}
	if gotEnv.Type != event.TypeMessageSent {
		t.Errorf("handler type = %v", gotEnv.Type)
	}
	if !gotEnv.Timestamp.Equal(sent.Timestamp) {
		t.Errorf("timestamp = %v, want %v", gotEnv.Timestamp, sent.Timestamp)
	}
}

func TestDispatchIgnoresUnknownChannel(t *testing.T) {
	delivered := 0
	r := newTestRouter("node-1", func(string, event.Envelope) { delivered++ })
	r.dispatch("other:channel", []byte(`{}`))
	r.dispatch("ws:user:", []byte(`{}`))
	if delivered != 0 {
		t.Fatalf("unknown channel delivered %d times", delivered)
	}
}

func TestDispatchIgnoresMalformedPayload(t *testing.T) {
	delivered := 0
	r := newTestRouter("node-1", func(string, event.Envelope) { delivered++ })
	r.dispatch("ws:user:u1", []byte("{broken"))
	if delivered != 0 {
		t.Fatalf("malformed payload delivered %d times", delivered)
	}
}

func TestRetainRelease(t *testing.T) {
	r := newTestRouter("node-1", nil)

	if !r.retain("u1") {
		t.Error("first retain should report a new subscription")
	}
	if r.retain("u1") {
		t.Error("second retain should not report a new subscription")
	}
	if r.release("u1") {
		t.Error("first release should not drop the subscription (one ref left)")
	}
	if !r.release("u1") {
		t.Error("last release should drop the subscription")
	}
	// Лишний release без подписки — no-op.
	if r.release("u1") {
		t.Error("release without refs should be a no-op")
	}
}

func TestWireMessageShape(t *testing.T) {
	env := event.Envelope{
		Type:      event.TypeMessageRead,
		Payload:   event.MessageReadPayload{ChatID: "c1", MessageID: "m1", UserID: "u1"},
		Timestamp: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	body, err := json.Marshal(wireMessage{Envelope: env, InstanceID: "node-9"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"type", "payload", "timestamp", "instanceId"} {
		if _, ok := m[key]; !ok {
			t.Errorf("wire message missing %q: %s", key, body)
		}
	}
	if m["instanceId"] != "node-9" {
		t.Errorf("instanceId = %v", m["instanceId"])
	}
}
