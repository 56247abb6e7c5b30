// Package browseruse: клиент удалённого сервиса браузерной автоматизации.
//
// Client создаёт, читает и останавливает tasks через REST API.
// Для потока событий одного task есть два транспорта:
//   - SSEDialer читает text/event-stream
//   - PollingDialer опрашивает GetTask и собирает события из снимков
//
// Оба реализуют orchestrator.Dialer.
package browseruse
