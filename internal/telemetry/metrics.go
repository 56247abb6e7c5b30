package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StreamsOpen: число открытых потоков событий.
	StreamsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "flowstream",
		Name:      "streams_open",
		Help:      "Number of currently open task event streams.",
	})

	// StreamFailures: потоки, завершившиеся ошибкой транспорта.
	StreamFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "flowstream",
		Name:      "stream_failures_total",
		Help:      "Task event streams closed by a transport failure.",
	})

	// EventsTotal: события потока по типу и результату обработки.
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowstream",
		Name:      "events_total",
		Help:      "Stream events by type and reconcile outcome.",
	}, []string{"type", "outcome"})

	// StoreWrites: записи в хранилище по операции и результату.
	StoreWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowstream",
		Name:      "store_writes_total",
		Help:      "Session record store writes by operation and result.",
	}, []string{"op", "result"})

	// LaunchesTotal: результаты запуска flows.
	LaunchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowstream",
		Name:      "flow_launches_total",
		Help:      "Flow launch outcomes.",
	}, []string{"result"})

	// SessionSwitches: переключения активной ParentSession.
	SessionSwitches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowstream",
		Name:      "session_switches_total",
		Help:      "Active parent session switches by result.",
	}, []string{"result"})

	// HTTPRequests: HTTP-запросы к API.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowstream",
		Name:      "http_requests_total",
		Help:      "HTTP requests handled by the API.",
	}, []string{"method", "status"})
)
