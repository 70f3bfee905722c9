// Package event описывает общий конверт событий: он используется и в кадрах
// WebSocket, и в сообщениях шины, и в каналах Redis (там с добавленным полем instanceId).
package event

import (
	"time"

	"github.com/chatplatform/core/internal/model"
)

type Type string

const (
	TypeMessageSent      Type = "MESSAGE_SENT"
	TypeMessageRead      Type = "MESSAGE_READ"
	TypeTypingIndicator  Type = "TYPING_INDICATOR"
	TypeUserConnected    Type = "USER_CONNECTED"
	TypeUserDisconnected Type = "USER_DISCONNECTED"
	TypeStoryCreated     Type = "STORY_CREATED"
)

// Routing keys топик-обменника chat_events.
const (
	KeyMessageSent      = "message.sent"
	KeyMessageRead      = "message.read"
	KeyTypingIndicator  = "typing.indicator"
	KeyUserConnected    = "user.connected"
	KeyUserDisconnected = "user.disconnected"
	KeyStoryCreated     = "story.created"
)

// RoutingKey возвращает routing key шины для типа события.
func (t Type) RoutingKey() string {
	switch t {
	case TypeMessageSent:
		return KeyMessageSent
	case TypeMessageRead:
		return KeyMessageRead
	case TypeTypingIndicator:
		return KeyTypingIndicator
	case TypeUserConnected:
		return KeyUserConnected
	case TypeUserDisconnected:
		return KeyUserDisconnected
	case TypeStoryCreated:
		return KeyStoryCreated
	}
	return ""
}

// TypeForKey — обратное соответствие: routing key шины → тип кадра.
func TypeForKey(key string) (Type, bool) {
	switch key {
	case KeyMessageSent:
		return TypeMessageSent, true
	case KeyMessageRead:
		return TypeMessageRead, true
	case KeyTypingIndicator:
		return TypeTypingIndicator, true
	case KeyUserConnected:
		return TypeUserConnected, true
	case KeyUserDisconnected:
		return TypeUserDisconnected, true
	case KeyStoryCreated:
		return TypeStoryCreated, true
	}
	return "", false
}

// Envelope — кадр протокола: {type, payload, timestamp}.
// Payload — типизированная структура, сериализуется как есть.
type Envelope struct {
	Type      Type      `json:"type"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// New создаёт конверт с текущим временем UTC.
func New(t Type, payload any) Envelope {
	return Envelope{Type: t, Payload: payload, Timestamp: time.Now().UTC()}
}

// --- Типизированные payload'ы (без map[string]any на горячем пути) ---

// MessageSentPayload несёт сохранённое сообщение.
type MessageSentPayload struct {
	Message model.Message `json:"message"`
	ChatID  string        `json:"chatId"`
}

type MessageReadPayload struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
}

type TypingPayload struct {
	ChatID   string `json:"chatId"`
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

type PresencePayload struct {
	UserID string `json:"userId"`
}

type StoryCreatedPayload struct {
	Story model.Story `json:"story"`
}
