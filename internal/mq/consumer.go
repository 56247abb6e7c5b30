package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrPermanent помечает ошибку обработки, которую бессмысленно повторять.
// Такое сообщение сразу уходит в DLQ.
var ErrPermanent = errors.New("permanent message failure")

// Handler: функция обработки сообщения.
//
// nil: ack. Ошибка, обёрнутая в ErrPermanent, уходит в DLQ без повтора.
// Любая другая ошибка: одна повторная доставка, затем DLQ.
type Handler func(ctx context.Context, msg *Delivery) error

// Envelope: полученное сообщение. Payload остаётся сырым JSON
// до вызова ParsePayload.
type Envelope struct {
	ID      string          `json:"id"`
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Delivery: доставленное сообщение.
type Delivery struct {
	Message Envelope
	Raw     amqp.Delivery
}

// Consumer потребляет сообщения из очереди RabbitMQ.
type Consumer struct {
	conn     *Connection
	logger   *slog.Logger
	queue    string
	handler  Handler
	prefetch int

	cancelFunc context.CancelFunc
}

// ConsumerConfig: конфигурация consumer.
type ConsumerConfig struct {
	Queue   string
	Handler Handler

	// Prefetch: количество сообщений для предварительной загрузки (default: 1).
	Prefetch int
}

// NewConsumer создаёт новый Consumer.
func NewConsumer(conn *Connection, logger *slog.Logger, cfg ConsumerConfig) *Consumer {
	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Consumer{
		conn:     conn,
		logger:   logger.With("queue", cfg.Queue),
		queue:    cfg.Queue,
		handler:  cfg.Handler,
		prefetch: prefetch,
	}
}

// Start запускает потребление и блокируется до отмены ctx.
func (c *Consumer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel
	return c.consume(ctx)
}

func (c *Consumer) consume(ctx context.Context) error {
	reconnected := c.conn.ReconnectNotify()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		deliveries, err := c.setupConsume()
		if err == nil {
			c.logger.Info("consumer started")
			err = c.processDeliveries(ctx, deliveries)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("deliveries channel closed, waiting for reconnect", "error", err)
		} else {
			c.logger.Error("failed to setup consume", "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-reconnected:
			c.logger.Info("reconnected, restarting consumer")
		}
	}
}

func (c *Consumer) setupConsume() (<-chan amqp.Delivery, error) {
	ch := c.conn.Channel()
	if ch == nil {
		return nil, ErrNoChannel
	}

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := ch.Consume(
		c.queue, // queue
		"",      // consumer tag (auto-generated)
		false,   // auto-ack
		false,   // exclusive
		false,   // no-local
		false,   // no-wait
		nil,     // args
	)
	if err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}
	return deliveries, nil
}

func (c *Consumer) processDeliveries(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-deliveries:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			c.handleDelivery(ctx, raw)
		}
	}
}

func (c *Consumer) handleDelivery(ctx context.Context, raw amqp.Delivery) {
	var env Envelope
	if err := json.Unmarshal(raw.Body, &env); err != nil {
		c.logger.Error("failed to unmarshal message", "error", err, "body", string(raw.Body))
		raw.Nack(false, false)
		return
	}

	delivery := &Delivery{Message: env, Raw: raw}
	log := c.logger.With("message_id", env.ID, "type", env.Type)
	log.Debug("received message")

	err := c.handler(ctx, delivery)
	switch {
	case err == nil:
		raw.Ack(false)
	case errors.Is(err, ErrPermanent) || raw.Redelivered:
		log.Error("handler failed, dead-lettering", "error", err, "redelivered", raw.Redelivered)
		raw.Nack(false, false)
	default:
		log.Warn("handler failed, requeueing", "error", err)
		raw.Nack(false, true)
	}
}

// Stop останавливает consumer.
func (c *Consumer) Stop() {
	if c.cancelFunc != nil {
		c.cancelFunc()
	}
}

// ParsePayload декодирует payload сообщения в указанный тип.
// Ошибка декодирования обёрнута в ErrPermanent.
func ParsePayload[T any](msg *Envelope) (T, error) {
	var result T
	if len(msg.Payload) == 0 {
		return result, fmt.Errorf("%w: empty payload", ErrPermanent)
	}
	if err := json.Unmarshal(msg.Payload, &result); err != nil {
		return result, fmt.Errorf("%w: unmarshal payload: %v", ErrPermanent, err)
	}
	return result, nil
}
