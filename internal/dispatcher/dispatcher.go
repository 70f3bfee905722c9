// Package dispatcher — единственная точка, которая мутирует хранилище и
// испускает события реального времени. Порядок строго фиксирован: сначала
// коммит, затем эмиссия — в той же задаче, что выполнила коммит.
package dispatcher

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/chatplatform/core/internal/apperr"
	"github.com/chatplatform/core/internal/event"
	"github.com/chatplatform/core/internal/logger"
	"github.com/chatplatform/core/internal/model"
	"github.com/chatplatform/core/internal/repository"
)

// MessageStore — операции хранилища над сообщениями.
type MessageStore interface {
	InsertSerialized(ctx context.Context, m *model.Message) error
}

// ChatStore — операции хранилища над чатами и членством.
type ChatStore interface {
	CreateChannel(ctx context.Context, creatorID, name string) (*model.Chat, error)
	GetOrCreatePersonalChat(ctx context.Context, a, b string) (*model.Chat, bool, error)
	GetMember(ctx context.Context, chatID, userID string) (*model.ChatMember, error)
	GetMemberIDs(ctx context.Context, chatID string) ([]string, error)
	SetBlocked(ctx context.Context, chatID, userID string, blocked bool) error
}

// UserStore — чтение пользователей (существование получателя).
type UserStore interface {
	GetByID(ctx context.Context, id string) (*model.User, error)
}

// StoryStore — операции над историями.
type StoryStore interface {
	Create(ctx context.Context, s *model.Story) error
	ListActive(ctx context.Context) ([]model.Story, error)
}

// BusPublisher публикует событие в долговечную шину.
type BusPublisher interface {
	Publish(ctx context.Context, env event.Envelope) error
}

// Deliverer — примитив рассылки Hub'а: локальные сессии плюс pub/sub.
type Deliverer interface {
	DeliverToUser(userID string, env event.Envelope)
}

type Dispatcher struct {
	messages MessageStore
	chats    ChatStore
	users    UserStore
	stories  StoryStore
	bus      BusPublisher
	hub      Deliverer
}

func New(messages MessageStore, chats ChatStore, users UserStore, stories StoryStore, bus BusPublisher, hub Deliverer) *Dispatcher {
	return &Dispatcher{messages: messages, chats: chats, users: users, stories: stories, bus: bus, hub: hub}
}

// SendToChat проверяет членство и блокировку отправителя, атомарно сбрасывает
// его флаг blocked и вставляет сообщение, после коммита испускает события.
// Отказ шины или pub/sub после коммита не является ошибкой вызова.
func (d *Dispatcher) SendToChat(ctx context.Context, chatID, senderID string, kind model.MessageType, content, mediaURL string) (*model.Message, error) {
	defer logger.DeferLogDuration("dispatcher.SendToChat", time.Now())()
	if !model.ValidMessageType(kind) {
		return nil, apperr.New(apperr.KindValidation, "unknown message type")
	}
	if content == "" && mediaURL == "" {
		return nil, apperr.New(apperr.KindValidation, "content or mediaUrl required")
	}

	m := &model.Message{
		ID:       uuid.New().String(),
		ChatID:   chatID,
		SenderID: senderID,
		Type:     kind,
		Content:  content,
		MediaURL: mediaURL,
	}
	if err := d.messages.InsertSerialized(ctx, m); err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return nil, apperr.Wrap(apperr.KindNotFound, "chat not found", err)
		case errors.Is(err, repository.ErrNotMember):
			return nil, apperr.Wrap(apperr.KindNotAMember, "sender is not a member of this chat", err)
		case errors.Is(err, repository.ErrBlocked):
			return nil, apperr.Wrap(apperr.KindBlocked, "sender has blocked this chat", err)
		default:
			return nil, apperr.Wrap(apperr.KindStoreUnavailable, "message store unavailable", err)
		}
	}

	d.emitMessageSent(ctx, m)
	return m, nil
}

// emitMessageSent публикует message.sent в шину и раздаёт событие всем
// участникам, кроме отправителя, через Hub. Вызывается строго после коммита.
func (d *Dispatcher) emitMessageSent(ctx context.Context, m *model.Message) {
	env := event.New(event.TypeMessageSent, event.MessageSentPayload{Message: *m, ChatID: m.ChatID})

	if err := d.bus.Publish(ctx, env); err != nil {
		logger.Errorf("dispatcher bus publish message.sent chat=%s: %v", m.ChatID, err)
	}

	memberIDs, err := d.chats.GetMemberIDs(ctx, m.ChatID)
	if err != nil {
		// Прямой путь недоступен; консьюмер шины доставит со своей стороны.
		logger.Errorf("dispatcher members chat=%s: %v", m.ChatID, err)
		return
	}
	for _, uid := range memberIDs {
		if uid != m.SenderID {
			d.hub.DeliverToUser(uid, env)
		}
	}
}

// SendToUser отправляет сообщение пользователю, создавая личный чат при
// отсутствии. Отказывает, если получатель заблокировал отправителя в этом чате.
func (d *Dispatcher) SendToUser(ctx context.Context, senderID, recipientID string, kind model.MessageType, content, mediaURL string) (*model.Message, error) {
	defer logger.DeferLogDuration("dispatcher.SendToUser", time.Now())()
	if senderID == recipientID {
		return nil, apperr.New(apperr.KindSelfSend, "cannot send a message to yourself")
	}
	if _, err := d.users.GetByID(ctx, recipientID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.Wrap(apperr.KindNotFound, "recipient not found", err)
		}
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, "user store unavailable", err)
	}

	chat, _, err := d.chats.GetOrCreatePersonalChat(ctx, senderID, recipientID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, "chat store unavailable", err)
	}

	// Блокировка проверяется по текущему значению на момент записи.
	recipient, err := d.chats.GetMember(ctx, chat.ID, recipientID)
	if err != nil {
		if errors.Is(err, repository.ErrNotMember) {
			return nil, apperr.Wrap(apperr.KindNotFound, "recipient membership not found", err)
		}
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, "chat store unavailable", err)
	}
	if recipient.Blocked {
		return nil, apperr.New(apperr.KindBlockedByRecipient, "recipient has blocked this chat")
	}

	return d.SendToChat(ctx, chat.ID, senderID, kind, content, mediaURL)
}

// CreatePersonalChat идемпотентно возвращает личный чат пары пользователей.
func (d *Dispatcher) CreatePersonalChat(ctx context.Context, currentID, otherID string) (string, error) {
	defer logger.DeferLogDuration("dispatcher.CreatePersonalChat", time.Now())()
	if currentID == otherID {
		return "", apperr.New(apperr.KindValidation, "cannot create a personal chat with yourself")
	}
	if _, err := d.users.GetByID(ctx, otherID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", apperr.Wrap(apperr.KindNotFound, "user not found", err)
		}
		return "", apperr.Wrap(apperr.KindStoreUnavailable, "user store unavailable", err)
	}
	chat, _, err := d.chats.GetOrCreatePersonalChat(ctx, currentID, otherID)
	if err != nil {
		return "", apperr.Wrap(apperr.KindStoreUnavailable, "chat store unavailable", err)
	}
	return chat.ID, nil
}

// CreateChannel создаёт канал; создатель получает роль admin.
func (d *Dispatcher) CreateChannel(ctx context.Context, creatorID, name string) (*model.Chat, error) {
	defer logger.DeferLogDuration("dispatcher.CreateChannel", time.Now())()
	if name == "" {
		return nil, apperr.New(apperr.KindValidation, "channel name required")
	}
	chat, err := d.chats.CreateChannel(ctx, creatorID, name)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, "chat store unavailable", err)
	}
	return chat, nil
}

// Block выставляет blocked=true членства userID в chatID. Идемпотентно.
func (d *Dispatcher) Block(ctx context.Context, chatID, userID string) error {
	defer logger.DeferLogDuration("dispatcher.Block", time.Now())()
	return d.setBlocked(ctx, chatID, userID, true)
}

// Unblock выставляет blocked=false. Идемпотентно.
func (d *Dispatcher) Unblock(ctx context.Context, chatID, userID string) error {
	defer logger.DeferLogDuration("dispatcher.Unblock", time.Now())()
	return d.setBlocked(ctx, chatID, userID, false)
}

func (d *Dispatcher) setBlocked(ctx context.Context, chatID, userID string, blocked bool) error {
	err := d.chats.SetBlocked(ctx, chatID, userID, blocked)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrNotMember):
		return apperr.Wrap(apperr.KindNotAMember, "not a member of this chat", err)
	default:
		return apperr.Wrap(apperr.KindStoreUnavailable, "chat store unavailable", err)
	}
}

// MarkRead испускает message.read в шину. Квитанции о прочтении эфемерны:
// хранилище не трогается, отказ шины логируется и не виден клиенту.
func (d *Dispatcher) MarkRead(ctx context.Context, chatID, messageID, userID string) {
	defer logger.DeferLogDuration("dispatcher.MarkRead", time.Now())()
	env := event.New(event.TypeMessageRead, event.MessageReadPayload{
		ChatID:    chatID,
		MessageID: messageID,
		UserID:    userID,
	})
	if err := d.bus.Publish(ctx, env); err != nil {
		logger.Errorf("dispatcher bus publish message.read chat=%s: %v", chatID, err)
	}
}

// CreateStory сохраняет историю со сроком жизни 24 часа и испускает story.created.
func (d *Dispatcher) CreateStory(ctx context.Context, userID, mediaURL string) (*model.Story, error) {
	defer logger.DeferLogDuration("dispatcher.CreateStory", time.Now())()
	if mediaURL == "" {
		return nil, apperr.New(apperr.KindValidation, "mediaUrl required")
	}
	now := time.Now().UTC()
	s := &model.Story{
		ID:        uuid.New().String(),
		UserID:    userID,
		MediaURL:  mediaURL,
		ExpiresAt: now.Add(model.StoryTTL),
		CreatedAt: now,
	}
	if err := d.stories.Create(ctx, s); err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, "story store unavailable", err)
	}
	env := event.New(event.TypeStoryCreated, event.StoryCreatedPayload{Story: *s})
	if err := d.bus.Publish(ctx, env); err != nil {
		logger.Errorf("dispatcher bus publish story.created story=%s: %v", s.ID, err)
	}
	return s, nil
}

// ListStories возвращает активные истории.
func (d *Dispatcher) ListStories(ctx context.Context) ([]model.Story, error) {
	defer logger.DeferLogDuration("dispatcher.ListStories", time.Now())()
	stories, err := d.stories.ListActive(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, "story store unavailable", err)
	}
	return stories, nil
}
