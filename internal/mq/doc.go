// Package mq предоставляет инфраструктуру для работы с RabbitMQ.
//
// Структура:
//   - connection.go: соединение с RabbitMQ (reconnect, graceful shutdown)
//   - topology.go  : объявление exchanges, queues, bindings
//   - publisher.go : публикация команд и событий
//   - consumer.go  : потребление сообщений из очередей
//
// Типы сообщений:
//   - flows.launch     : запустить одобренные flows ParentSession
//   - session.activate : сделать ParentSession активной
//   - task.updated     : изменилась запись TaskSession
//
// Exchanges:
//   - flowstream.commands: команды оркестратору
//   - flowstream.events  : изменения TaskSession (topic, task.<status>)
//   - flowstream.dlq     : dead letter queue для команд
package mq
