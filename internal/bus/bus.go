// Package bus — мост к долговечному топик-обменнику (RabbitMQ).
// Публикации помечаются persistent; потребители подтверждают вручную.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/chatplatform/core/internal/event"
	"github.com/chatplatform/core/internal/logger"
)

// Publisher — общий для узла publisher-канал, переиспользуемый между публикациями.
// Канал AMQP не потокобезопасен, поэтому публикации сериализуются мьютексом.
type Publisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

// NewPublisher подключается к брокеру и объявляет долговечный топик-обменник.
func NewPublisher(url, exchange string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("bus dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("bus channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("bus exchange declare: %w", err)
	}
	return &Publisher{conn: conn, ch: ch, exchange: exchange}, nil
}

// Publish сериализует конверт и публикует его с routing key, соответствующим
// типу события. Сообщение помечается persistent.
func (p *Publisher) Publish(ctx context.Context, env event.Envelope) error {
	defer logger.DeferLogDuration("bus.Publish", time.Now())()
	key := env.Type.RoutingKey()
	if key == "" {
		return fmt.Errorf("bus publish: no routing key for event type %q", env.Type)
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("bus publish marshal: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    env.Timestamp,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("bus publish %s: %w", key, err)
	}
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ch.Close(); err != nil {
		p.conn.Close()
		return fmt.Errorf("bus close channel: %w", err)
	}
	return p.conn.Close()
}

// Handler обрабатывает одно сообщение шины. Ошибка приводит к nack:
// первая доставка — с повтором, повторная (redelivered) — без, в dead-letter.
type Handler func(ctx context.Context, routingKey string, body []byte) error

// Consumer читает долговечную очередь узла, привязанную к обменнику
// по заданным шаблонам routing key.
type Consumer struct {
	url      string
	exchange string
	queue    string
	bindings []string
	handler  Handler
}

func NewConsumer(url, exchange, queue string, bindings []string, handler Handler) *Consumer {
	return &Consumer{url: url, exchange: exchange, queue: queue, bindings: bindings, handler: handler}
}

// Run потребляет очередь до отмены ctx. Обрыв соединения переживается
// повторным подключением с экспоненциальной задержкой.
func (c *Consumer) Run(ctx context.Context) {
	backoff := 2 * time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		err := c.consumeOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.Errorf("bus consumer %s: %v (reconnect in %v)", c.queue, err, backoff)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (c *Consumer) consumeOnce(ctx context.Context) error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(c.exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("exchange declare: %w", err)
	}
	if _, err := ch.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	for _, pattern := range c.bindings {
		if err := ch.QueueBind(c.queue, pattern, c.exchange, false, nil); err != nil {
			return fmt.Errorf("queue bind %s: %w", pattern, err)
		}
	}
	if err := ch.Qos(64, 0, false); err != nil {
		return fmt.Errorf("qos: %w", err)
	}

	deliveries, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	logger.Infof("bus consumer started queue=%s bindings=%v", c.queue, c.bindings)

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			if err := c.handler(ctx, d.RoutingKey, d.Body); err != nil {
				logger.Errorf("bus handle %s: %v", d.RoutingKey, err)
				// Повторная доставка тоже упала — считаем сообщение ядовитым.
				if nackErr := d.Nack(false, !d.Redelivered); nackErr != nil {
					return fmt.Errorf("nack: %w", nackErr)
				}
				continue
			}
			if ackErr := d.Ack(false); ackErr != nil {
				return fmt.Errorf("ack: %w", ackErr)
			}
		}
	}
}
