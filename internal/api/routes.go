package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterRoutes регистрирует все маршруты API.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Middleware chain
	chain := Chain(
		Recovery(h.logger),
		Logging(h.logger),
	)

	// Health и metrics
	mux.HandleFunc("GET /healthz", h.Health)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Sessions
	mux.Handle("GET /api/v1/sessions", chain(http.HandlerFunc(h.ListSessions)))
	mux.Handle("POST /api/v1/sessions", chain(http.HandlerFunc(h.CreateSession)))
	mux.Handle("GET /api/v1/sessions/{id}", chain(http.HandlerFunc(h.GetSession)))
	mux.Handle("GET /api/v1/sessions/{id}/tasks", chain(http.HandlerFunc(h.ListSessionTasks)))
	mux.Handle("POST /api/v1/sessions/{id}/launch", chain(http.HandlerFunc(h.LaunchFlows)))
	mux.Handle("POST /api/v1/sessions/{id}/activate", chain(http.HandlerFunc(h.ActivateSession)))

	// Tasks
	mux.Handle("DELETE /api/v1/tasks/{taskId}", chain(http.HandlerFunc(h.CancelTask)))

	// View
	mux.Handle("GET /api/v1/view", chain(http.HandlerFunc(h.GetView)))
	mux.Handle("GET /api/v1/view/stream", chain(http.HandlerFunc(h.StreamView)))
	mux.Handle("GET /api/v1/view/ws", chain(http.HandlerFunc(h.ViewWebSocket)))
	mux.Handle("GET /api/v1/stats", chain(http.HandlerFunc(h.GetStats)))
}
