// Package api содержит HTTP API сервер.
//
// Структура:
//   - handler.go        : Handler с DI (хранилище сессий, orchestrator, publisher, logger)
//   - routes.go         : регистрация маршрутов
//   - middleware.go     : middleware (logging, recovery, метрики)
//   - response.go       : унифицированные JSON-ответы и обработка ошибок
//   - dto.go            : Data Transfer Objects (request/response)
//   - session_handler.go: обработчики для /sessions
//   - task_handler.go   : обработчики для /tasks
//   - view_handler.go   : проекция активной сессии в JSON, SSE и WebSocket
//
// API предоставляет REST endpoints для управления сессиями, запуска flows
// и наблюдения за живыми tasks.
package api
