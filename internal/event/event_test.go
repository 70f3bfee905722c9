package event

import (
	"encoding/json"
	"testing"
	"time"
)

func TestRoutingKeyRoundTrip(t *testing.T) {
	types := []Type{
		TypeMessageSent, TypeMessageRead, TypeTypingIndicator,
		TypeUserConnected, TypeUserDisconnected, TypeStoryCreated,
	}
	for _, typ := range types {
		key := typ.RoutingKey()
		if key == "" {
			t.Errorf("%s has no routing key", typ)
			continue
		}
		back, ok := TypeForKey(key)
		if !ok || back != typ {
			t.Errorf("TypeForKey(%q) = %v, %v; want %v", key, back, ok, typ)
		}
	}
}

func TestRoutingKeyUnknown(t *testing.T) {
	if key := Type("BOGUS").RoutingKey(); key != "" {
		t.Errorf("unknown type routing key = %q, want empty", key)
	}
	if _, ok := TypeForKey("message.edited"); ok {
		t.Error("unknown routing key resolved to a type")
	}
}

func TestNewSetsTimestamp(t *testing.T) {
	before := time.Now().UTC()
	env := New(TypeMessageSent, MessageSentPayload{ChatID: "c1"})
	after := time.Now().UTC()
	if env.Timestamp.Before(before) || env.Timestamp.After(after) {
		t.Errorf("timestamp %v outside [%v, %v]", env.Timestamp, before, after)
	}
}

func TestEnvelopeWireShape(t *testing.T) {
	env := Envelope{
		Type:      TypeTypingIndicator,
		Payload:   TypingPayload{ChatID: "c1", UserID: "u1", IsTyping: true},
		Timestamp: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	body, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(body, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"type", "payload", "timestamp"} {
		if _, ok := m[key]; !ok {
			t.Errorf("envelope missing %q: %s", key, body)
		}
	}
	var p struct {
		ChatID   string `json:"chatId"`
		UserID   string `json:"userId"`
		IsTyping bool   `json:"isTyping"`
	}
	if err := json.Unmarshal(m["payload"], &p); err != nil {
		t.Fatalf("payload unmarshal: %v", err)
	}
	if p.ChatID != "c1" || p.UserID != "u1" || !p.IsTyping {
		t.Errorf("payload = %+v", p)
	}
}
