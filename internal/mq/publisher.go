package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/shaiso/Flowstream/internal/domain"
)

// MessageType: тип сообщения в очереди.
type MessageType string

// Типы сообщений.
const (
	MessageTypeFlowsLaunch     MessageType = "flows.launch"
	MessageTypeSessionActivate MessageType = "session.activate"
	MessageTypeTaskUpdated     MessageType = "task.updated"
)

// Publisher публикует сообщения в RabbitMQ.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		conn:   conn,
		logger: logger,
	}
}

// Message: сообщение для публикации.
type Message struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	Payload   any         `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// FlowsLaunchPayload: команда запуска одобренных flows.
type FlowsLaunchPayload struct {
	ParentSessionID uuid.UUID     `json:"parent_session_id"`
	Flows           []domain.Flow `json:"flows"`
}

// SessionActivatePayload: команда переключения активной ParentSession.
type SessionActivatePayload struct {
	ParentSessionID uuid.UUID `json:"parent_session_id"`
}

// TaskUpdatedPayload: изменение записи TaskSession.
type TaskUpdatedPayload struct {
	TaskID          string            `json:"task_id"`
	ParentSessionID uuid.UUID         `json:"parent_session_id"`
	FlowName        string            `json:"flow_name"`
	Status          domain.TaskStatus `json:"status"`
	LiveViewURL     string            `json:"live_view_url,omitempty"`
	CurrentURL      string            `json:"current_url,omitempty"`
	CurrentAction   string            `json:"current_action,omitempty"`
	Progress        int               `json:"progress"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Publish публикует сообщение в указанный exchange с routing key.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message, persistent bool) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	mode := amqp.Transient
	if persistent {
		mode = amqp.Persistent
	}

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(
			ctx,
			string(exchange),
			string(routingKey),
			false,
			false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: mode,
				MessageId:    msg.ID,
				Timestamp:    msg.Timestamp,
				Type:         string(msg.Type),
				Body:         body,
			},
		)
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
		}

		p.logger.Debug("published message",
			"exchange", exchange,
			"routing_key", routingKey,
			"message_id", msg.ID,
			"type", msg.Type,
		)
		return nil
	})
}

// PublishFlowsLaunch ставит в очередь команду запуска flows.
// Потребитель: Orchestrator.
func (p *Publisher) PublishFlowsLaunch(ctx context.Context, parentID uuid.UUID, flows []domain.Flow) error {
	msg := newMessage(MessageTypeFlowsLaunch, FlowsLaunchPayload{
		ParentSessionID: parentID,
		Flows:           flows,
	})
	return p.Publish(ctx, ExchangeCommands, RoutingKeyLaunch, msg, true)
}

// PublishSessionActivate ставит в очередь команду переключения сессии.
// Потребитель: Orchestrator.
func (p *Publisher) PublishSessionActivate(ctx context.Context, parentID uuid.UUID) error {
	msg := newMessage(MessageTypeSessionActivate, SessionActivatePayload{ParentSessionID: parentID})
	return p.Publish(ctx, ExchangeCommands, RoutingKeyActivate, msg, true)
}

// PublishTaskUpdated публикует изменение TaskSession.
// Сообщения не персистентные: потеря дешевле, чем задержка потока событий.
func (p *Publisher) PublishTaskUpdated(ctx context.Context, ts domain.TaskSession) error {
	msg := newMessage(MessageTypeTaskUpdated, TaskUpdatedFromSession(ts))
	key := RoutingKey("task." + string(ts.Status))
	return p.Publish(ctx, ExchangeEvents, key, msg, false)
}

// TaskUpdatedFromSession собирает payload из записи.
func TaskUpdatedFromSession(ts domain.TaskSession) TaskUpdatedPayload {
	return TaskUpdatedPayload{
		TaskID:          ts.TaskID,
		ParentSessionID: ts.ParentSessionID,
		FlowName:        ts.FlowName,
		Status:          ts.Status,
		LiveViewURL:     ts.LiveViewURL,
		CurrentURL:      ts.CurrentURL,
		CurrentAction:   ts.CurrentAction,
		Progress:        ts.Progress,
		ErrorMessage:    ts.ErrorMessage,
		UpdatedAt:       ts.UpdatedAt,
	}
}

func newMessage(t MessageType, payload any) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Type:      t,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}
