package ws

import (
	"context"
	"sync"
	"time"

	"github.com/chatplatform/core/internal/event"
	"github.com/chatplatform/core/internal/logger"
	"github.com/chatplatform/core/internal/model"
)

// Subscriber — узкий интерфейс pub/sub-маршрутизатора: подписка на канал
// пользователя и публикация в него. Hub не знает о Redis ничего сверх этого.
type Subscriber interface {
	Subscribe(ctx context.Context, userID string) error
	Unsubscribe(ctx context.Context, userID string) error
	Publish(ctx context.Context, userID string, env event.Envelope) error
}

// BusPublisher публикует событие в долговечную шину.
type BusPublisher interface {
	Publish(ctx context.Context, env event.Envelope) error
}

// PresenceStore обновляет присутствие пользователя в хранилище.
type PresenceStore interface {
	SetStatus(ctx context.Context, userID string, status model.UserStatus) error
}

// MembershipSource отдаёт чаты пользователя и участников чата
// (для рассылки статуса присутствия собеседникам).
type MembershipSource interface {
	GetUserChats(ctx context.Context, userID string) ([]model.Chat, error)
	GetMemberIDs(ctx context.Context, chatID string) ([]string, error)
}

// Config — настройки сессий узла.
type Config struct {
	MaxConnections int
	SendBufferSize int
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	PongTimeout    time.Duration
	MaxMessageSize int64
}

func (c Config) withDefaults() Config {
	if c.MaxConnections <= 0 {
		c.MaxConnections = 10000
	}
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = 256
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 90 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 4096
	}
	return c
}

// Hub — реестр живых сессий узла: userID → множество сессий.
// Первая сессия пользователя открывает подписку pub/sub на его канал,
// последняя закрывает. Запись в сокеты сериализуется очередью сессии.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
	total   int

	cfg      Config
	pubsub   Subscriber
	bus      BusPublisher
	presence PresenceStore
	members  MembershipSource

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(cfg Config, ps Subscriber, bus BusPublisher, presence PresenceStore, members MembershipSource) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		cfg:        cfg.withDefaults(),
		pubsub:     ps,
		bus:        bus,
		presence:   presence,
		members:    members,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
}

// Run обслуживает жизненный цикл сессий до отмены ctx.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	allClients := make([]*Client, 0, h.total)
	userIDs := make([]string, 0, len(h.clients))
	for userID, clients := range h.clients {
		userIDs = append(userIDs, userID)
		for c := range clients {
			allClients = append(allClients, c)
		}
	}
	h.clients = make(map[string]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()

	// Close connections outside the lock (network I/O).
	for _, c := range allClients {
		c.Close()
	}
	for _, c := range allClients {
		c.Wait()
	}

	// Flush pub/sub unsubscribes so peers stop routing to this node.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, userID := range userIDs {
		if err := h.pubsub.Unsubscribe(ctx, userID); err != nil {
			logger.Errorf("ws shutdown unsubscribe user=%s: %v", userID, err)
		}
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if h.total >= h.cfg.MaxConnections {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.cfg.MaxConnections, c.userID)
		c.Close()
		return
	}
	if _, ok := h.clients[c.userID]; !ok {
		h.clients[c.userID] = make(map[*Client]struct{})
	}
	h.clients[c.userID][c] = struct{}{}
	h.total++
	first := len(h.clients[c.userID]) == 1
	h.mu.Unlock()

	if !first {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.pubsub.Subscribe(ctx, c.userID); err != nil {
		logger.Errorf("ws subscribe user=%s: %v", c.userID, err)
	}
	if err := h.presence.SetStatus(ctx, c.userID, model.UserStatusOnline); err != nil {
		logger.Errorf("ws set online user=%s: %v", c.userID, err)
	}
	env := event.New(event.TypeUserConnected, event.PresencePayload{UserID: c.userID})
	if err := h.bus.Publish(ctx, env); err != nil {
		logger.Errorf("ws publish user.connected user=%s: %v", c.userID, err)
	}
	h.broadcastPresence(c.userID, env)
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	clients, ok := h.clients[c.userID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, exists := clients[c]; !exists {
		h.mu.Unlock()
		return
	}
	delete(clients, c)
	h.total--
	last := len(clients) == 0
	if last {
		delete(h.clients, c.userID)
	}
	h.mu.Unlock()

	// Network I/O outside the lock.
	c.Close()

	if !last {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.pubsub.Unsubscribe(ctx, c.userID); err != nil {
		logger.Errorf("ws unsubscribe user=%s: %v", c.userID, err)
	}
	if err := h.presence.SetStatus(ctx, c.userID, model.UserStatusOffline); err != nil {
		logger.Errorf("ws set offline user=%s: %v", c.userID, err)
	}
	env := event.New(event.TypeUserDisconnected, event.PresencePayload{UserID: c.userID})
	if err := h.bus.Publish(ctx, env); err != nil {
		logger.Errorf("ws publish user.disconnected user=%s: %v", c.userID, err)
	}
	h.broadcastPresence(c.userID, env)
}

// broadcastPresence доставляет кадр присутствия участникам чатов пользователя.
func (h *Hub) broadcastPresence(userID string, env event.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	chats, err := h.members.GetUserChats(ctx, userID)
	if err != nil {
		logger.Errorf("ws presence chats user=%s: %v", userID, err)
		return
	}
	notified := make(map[string]struct{}, 16)
	for _, chat := range chats {
		memberIDs, err := h.members.GetMemberIDs(ctx, chat.ID)
		if err != nil {
			logger.Errorf("ws presence members chat=%s: %v", chat.ID, err)
			continue
		}
		for _, uid := range memberIDs {
			if uid == userID {
				continue
			}
			if _, ok := notified[uid]; ok {
				continue
			}
			notified[uid] = struct{}{}
			h.DeliverToUser(uid, env)
		}
	}
}

// handleTyping — единственный принимаемый от клиента кадр. Отправитель берётся
// из сессии, кадр уходит в шину; консьюмеры узлов разнесут его участникам чата.
func (h *Hub) handleTyping(ctx context.Context, c *Client, chatID string, isTyping bool) {
	if chatID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	env := event.New(event.TypeTypingIndicator, event.TypingPayload{
		ChatID:   chatID,
		UserID:   c.userID,
		IsTyping: isTyping,
	})
	if err := h.bus.Publish(ctx, env); err != nil {
		logger.Errorf("ws publish typing chat=%s user=%s: %v", chatID, c.userID, err)
	}
}

// DeliverToUser — примитив рассылки: пишет событие во все локальные сессии
// пользователя, затем публикует его в канал пользователя на pub/sub (для
// сессий на других узлах). Отказ pub/sub не фатален: локальная доставка
// уже состоялась.
func (h *Hub) DeliverToUser(userID string, env event.Envelope) {
	h.DeliverLocal(userID, env)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := h.pubsub.Publish(ctx, userID, env); err != nil {
		logger.Errorf("ws pubsub publish user=%s: %v", userID, err)
	}
}

// DeliverLocal пишет событие в локальные сессии пользователя и никогда не
// публикует в pub/sub — это callback для сообщений с других узлов.
func (h *Hub) DeliverLocal(userID string, env event.Envelope) {
	h.mu.RLock()
	clients, ok := h.clients[userID]
	if !ok {
		h.mu.RUnlock()
		return
	}
	targets := make([]*Client, 0, len(clients))
	for c := range clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendToClient(c, env)
	}
}

func (h *Hub) sendToClient(c *Client, env event.Envelope) {
	select {
	case c.send <- env:
	case <-c.done:
	default:
		// Backpressure: send buffer full, close slow client.
		logger.Errorf("ws send buffer full, closing slow client user=%s", c.userID)
		c.Close()
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
