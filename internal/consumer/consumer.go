// Package consumer — резервный путь рассылки через шину. Каждый узел читает
// свою долговечную очередь и превращает события шины в локальную доставку.
// Прямой путь через pub/sub быстрее; пересечение путей даёт дубликаты,
// которые клиент отсеивает по идентификатору сообщения.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chatplatform/core/internal/event"
)

// Bindings — шаблоны routing key, которыми очередь узла привязана к обменнику.
var Bindings = []string{"message.*", event.KeyTypingIndicator}

// MemberSource отдаёт идентификаторы участников чата.
type MemberSource interface {
	GetMemberIDs(ctx context.Context, chatID string) ([]string, error)
}

// Deliverer — примитив рассылки Hub'а.
type Deliverer interface {
	DeliverToUser(userID string, env event.Envelope)
}

type Consumer struct {
	members MemberSource
	hub     Deliverer
}

func New(members MemberSource, hub Deliverer) *Consumer {
	return &Consumer{members: members, hub: hub}
}

// rawEnvelope — конверт с неразобранным payload (тип зависит от routing key).
type rawEnvelope struct {
	Type      event.Type      `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Handle обрабатывает одно сообщение шины. Ошибка возвращается для nack;
// успешный возврат означает, что доставка (best-effort) состоялась.
func (c *Consumer) Handle(ctx context.Context, routingKey string, body []byte) error {
	var raw rawEnvelope
	if err := json.Unmarshal(body, &raw); err != nil {
		return fmt.Errorf("consumer unmarshal %s: %w", routingKey, err)
	}

	switch routingKey {
	case event.KeyMessageSent:
		var p event.MessageSentPayload
		if err := json.Unmarshal(raw.Payload, &p); err != nil {
			return fmt.Errorf("consumer payload %s: %w", routingKey, err)
		}
		return c.fanOut(ctx, p.ChatID, p.Message.SenderID, event.Envelope{
			Type: raw.Type, Payload: p, Timestamp: raw.Timestamp,
		})
	case event.KeyMessageRead:
		var p event.MessageReadPayload
		if err := json.Unmarshal(raw.Payload, &p); err != nil {
			return fmt.Errorf("consumer payload %s: %w", routingKey, err)
		}
		// Квитанция уходит всем участникам, включая автора.
		return c.fanOut(ctx, p.ChatID, "", event.Envelope{
			Type: raw.Type, Payload: p, Timestamp: raw.Timestamp,
		})
	case event.KeyTypingIndicator:
		var p event.TypingPayload
		if err := json.Unmarshal(raw.Payload, &p); err != nil {
			return fmt.Errorf("consumer payload %s: %w", routingKey, err)
		}
		return c.fanOut(ctx, p.ChatID, p.UserID, event.Envelope{
			Type: raw.Type, Payload: p, Timestamp: raw.Timestamp,
		})
	}
	// Очередь может быть привязана шире, чем узел умеет обрабатывать;
	// незнакомые ключи подтверждаются без действия.
	return nil
}

// fanOut доставляет конверт каждому участнику чата, кроме skipID.
func (c *Consumer) fanOut(ctx context.Context, chatID, skipID string, env event.Envelope) error {
	memberIDs, err := c.members.GetMemberIDs(ctx, chatID)
	if err != nil {
		return fmt.Errorf("consumer members chat=%s: %w", chatID, err)
	}
	for _, uid := range memberIDs {
		if uid != skipID {
			c.hub.DeliverToUser(uid, env)
		}
	}
	return nil
}
