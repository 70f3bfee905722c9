// Package pubsub — эфемерный межузловой маршрутизатор поверх Redis Pub/Sub.
// Каждый узел держит одну подписку на канал ws:user:<userID> для каждого
// пользователя с живыми сессиями (с подсчётом ссылок по числу сессий).
// Публикации несут instance_id узла-источника: узел игнорирует собственные
// сообщения, это разрывает петлю Hub → Redis → Hub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chatplatform/core/internal/event"
	"github.com/chatplatform/core/internal/logger"
)

const userChannelPrefix = "ws:user:"

// UserChannel возвращает имя канала рассылки пользователя.
func UserChannel(userID string) string {
	return userChannelPrefix + userID
}

// wireMessage — формат сообщения в канале: конверт плюс поле instanceId источника.
type wireMessage struct {
	event.Envelope
	InstanceID string `json:"instanceId"`
}

// Handler вызывается для каждого чужого сообщения в канале подписанного
// пользователя. Реализация должна доставлять только локально и никогда не
// публиковать обратно в pub/sub.
type Handler func(userID string, env event.Envelope)

// Router мультиплексирует подписки всех локальных пользователей через один
// приёмный цикл (shared multiplexer).
type Router struct {
	cli        *redis.Client
	instanceID string
	handler    Handler

	mu   sync.Mutex
	ps   *redis.PubSub
	refs map[string]int
}

// NewRouter подключается к Redis и запускает приёмный цикл.
// handler вызывается из этого цикла; блокирующая работа внутри него
// задержит доставку остальным подписчикам узла.
func NewRouter(ctx context.Context, url, instanceID string, handler Handler) (*Router, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("pubsub parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("pubsub ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("pubsub ping: %w", err)
	}
	r := &Router{
		cli:        cli,
		instanceID: instanceID,
		handler:    handler,
		ps:         cli.Subscribe(context.Background()),
		refs:       make(map[string]int),
	}
	go r.receiveLoop()
	return r, nil
}

func (r *Router) receiveLoop() {
	for msg := range r.ps.Channel() {
		r.dispatch(msg.Channel, []byte(msg.Payload))
	}
}

// dispatch разбирает сообщение канала и передаёт его handler'у.
// Сообщения собственного узла отбрасываются.
func (r *Router) dispatch(channel string, payload []byte) {
	if len(channel) <= len(userChannelPrefix) || channel[:len(userChannelPrefix)] != userChannelPrefix {
		return
	}
	userID := channel[len(userChannelPrefix):]

	var wm wireMessage
	if err := json.Unmarshal(payload, &wm); err != nil {
		logger.Errorf("pubsub unmarshal channel=%s: %v", channel, err)
		return
	}
	if wm.InstanceID == r.instanceID {
		return
	}
	r.handler(userID, wm.Envelope)
}

// Subscribe увеличивает счётчик подписки пользователя; первая ссылка
// открывает подписку Redis.
func (r *Router) Subscribe(ctx context.Context, userID string) error {
	if !r.retain(userID) {
		return nil
	}
	if err := r.ps.Subscribe(ctx, UserChannel(userID)); err != nil {
		r.release(userID)
		return fmt.Errorf("pubsub subscribe %s: %w", userID, err)
	}
	return nil
}

// Unsubscribe уменьшает счётчик; последняя ссылка закрывает подписку Redis.
func (r *Router) Unsubscribe(ctx context.Context, userID string) error {
	if !r.release(userID) {
		return nil
	}
	if err := r.ps.Unsubscribe(ctx, UserChannel(userID)); err != nil {
		return fmt.Errorf("pubsub unsubscribe %s: %w", userID, err)
	}
	return nil
}

// retain возвращает true, если это первая ссылка на канал пользователя.
func (r *Router) retain(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refs[userID]++
	return r.refs[userID] == 1
}

// release возвращает true, если снята последняя ссылка.
func (r *Router) release(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.refs[userID]
	if !ok {
		return false
	}
	if n <= 1 {
		delete(r.refs, userID)
		return true
	}
	r.refs[userID] = n - 1
	return false
}

// Publish отправляет конверт в канал пользователя с instance_id этого узла.
// Сообщение эфемерно: без подписчиков оно теряется.
func (r *Router) Publish(ctx context.Context, userID string, env event.Envelope) error {
	defer logger.DeferLogDuration("pubsub.Publish", time.Now())()
	body, err := json.Marshal(wireMessage{Envelope: env, InstanceID: r.instanceID})
	if err != nil {
		return fmt.Errorf("pubsub publish marshal: %w", err)
	}
	if err := r.cli.Publish(ctx, UserChannel(userID), body).Err(); err != nil {
		return fmt.Errorf("pubsub publish %s: %w", userID, err)
	}
	return nil
}

// Close закрывает подписки и соединение.
func (r *Router) Close() error {
	if err := r.ps.Close(); err != nil {
		r.cli.Close()
		return fmt.Errorf("pubsub close: %w", err)
	}
	return r.cli.Close()
}
