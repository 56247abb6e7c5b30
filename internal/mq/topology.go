package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange: тип для имени обменника.
type Exchange string

// Queue: тип для имени очереди.
type Queue string

// RoutingKey: тип для ключа маршрутизации.
type RoutingKey string

// Exchanges: имена обменников.
const (
	// ExchangeCommands: команды оркестратору (запуск flows, переключение сессии).
	ExchangeCommands Exchange = "flowstream.commands"

	// ExchangeEvents: изменения TaskSession для внешних подписчиков.
	ExchangeEvents Exchange = "flowstream.events"

	ExchangeDLQ Exchange = "flowstream.dlq"
)

// Queues: имена очередей.
const (
	QueueFlowsLaunch      Queue = "flows.launch"
	QueueSessionsActivate Queue = "sessions.activate"
	QueueTasksUpdated     Queue = "tasks.updated"
	QueueDLQCommands      Queue = "dlq.commands"
)

// Routing keys.
const (
	RoutingKeyLaunch      RoutingKey = "launch"
	RoutingKeyActivate    RoutingKey = "activate"
	RoutingKeyTaskUpdated RoutingKey = "task.updated"
	RoutingKeyDLQCommands RoutingKey = "commands"
)

// SetupTopology объявляет exchanges, queues и bindings. Идемпотентна.
func SetupTopology(ctx context.Context, conn *Connection) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		if err := declareExchanges(ch); err != nil {
			return err
		}
		if err := declareQueues(ch); err != nil {
			return err
		}
		return bindQueues(ch)
	})
}

func declareExchanges(ch *amqp.Channel) error {
	exchanges := []struct {
		name Exchange
		kind string
	}{
		{ExchangeCommands, "direct"},
		{ExchangeEvents, "topic"},
		{ExchangeDLQ, "direct"},
	}

	for _, ex := range exchanges {
		err := ch.ExchangeDeclare(
			string(ex.name), // name
			ex.kind,         // type
			true,            // durable
			false,           // auto-deleted
			false,           // internal
			false,           // no-wait
			nil,             // arguments
		)
		if err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex.name, err)
		}
	}

	return nil
}

func declareQueues(ch *amqp.Channel) error {
	dlqArgs := amqp.Table{
		"x-dead-letter-exchange":    string(ExchangeDLQ),
		"x-dead-letter-routing-key": string(RoutingKeyDLQCommands),
	}

	// tasks.updated хранит только свежие изменения: снимок всегда можно
	// получить из хранилища, поэтому старые сообщения не нужны.
	eventArgs := amqp.Table{
		"x-message-ttl": int32(60_000),
		"x-max-length":  int32(10_000),
	}

	queues := []struct {
		name Queue
		args amqp.Table
	}{
		{QueueFlowsLaunch, dlqArgs},
		{QueueSessionsActivate, dlqArgs},
		{QueueTasksUpdated, eventArgs},
		{QueueDLQCommands, nil},
	}

	for _, q := range queues {
		_, err := ch.QueueDeclare(
			string(q.name), // name
			true,           // durable
			false,          // delete when unused
			false,          // exclusive
			false,          // no-wait
			q.args,         // arguments
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", q.name, err)
		}
	}

	return nil
}

func bindQueues(ch *amqp.Channel) error {
	bindings := []struct {
		queue      Queue
		routingKey RoutingKey
		exchange   Exchange
	}{
		{QueueFlowsLaunch, RoutingKeyLaunch, ExchangeCommands},
		{QueueSessionsActivate, RoutingKeyActivate, ExchangeCommands},
		{QueueTasksUpdated, "task.#", ExchangeEvents},
		{QueueDLQCommands, RoutingKeyDLQCommands, ExchangeDLQ},
	}

	for _, b := range bindings {
		err := ch.QueueBind(
			string(b.queue),      // queue name
			string(b.routingKey), // routing key
			string(b.exchange),   // exchange
			false,                // no-wait
			nil,                  // arguments
		)
		if err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", b.queue, b.exchange, err)
		}
	}

	return nil
}

// TopologyInfo возвращает описание топологии для логирования.
func TopologyInfo() string {
	return `
  Flowstream RabbitMQ Topology:

    flowstream.commands (direct)
    ├── flows.launch [routing: launch]
    │       Consumer: Orchestrator, DLQ: dlq.commands
    └── sessions.activate [routing: activate]
            Consumer: Orchestrator, DLQ: dlq.commands

    flowstream.events (topic)
    └── tasks.updated [routing: task.#]
            Consumers: external clients

    flowstream.dlq (direct)
    └── dlq.commands [routing: commands]
  `
}
