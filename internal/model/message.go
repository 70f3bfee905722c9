package model

import "time"

type MessageType string

const (
	MessageTypeText     MessageType = "text"
	MessageTypeImage    MessageType = "image"
	MessageTypeVideo    MessageType = "video"
	MessageTypeAudio    MessageType = "audio"
	MessageTypeDocument MessageType = "document"
	MessageTypeLocation MessageType = "location"
)

// ValidMessageType проверяет, что тип сообщения входит в поддерживаемый набор.
func ValidMessageType(t MessageType) bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeVideo,
		MessageTypeAudio, MessageTypeDocument, MessageTypeLocation:
		return true
	}
	return false
}

// Message — неизменяемое сообщение чата. Внутри одного чата сообщения полностью
// упорядочены по (created_at, id); id уникален глобально и служит ключом
// дедупликации на клиенте.
type Message struct {
	ID        string      `json:"id"`
	ChatID    string      `json:"chat_id"`
	SenderID  string      `json:"sender_id"`
	Type      MessageType `json:"type"`
	Content   string      `json:"content"`
	MediaURL  string      `json:"media_url,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}
