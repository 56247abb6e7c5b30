// Package telemetry обеспечивает наблюдаемость системы.
//
// Включает:
//   - logging.go: structured logging через slog
//   - metrics.go: Prometheus метрики потоков, событий и хранилища
//
// Все компоненты используют единый формат логирования,
// метрики экспортируются на /metrics endpoint.
package telemetry
