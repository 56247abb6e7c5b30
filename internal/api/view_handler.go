package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// subscriberBuffer: размер буфера подписки одного клиента потока.
const subscriberBuffer = 64

// Health: проверка живости.
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.orch.IsStopped() {
		Error(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "orchestrator stopped")
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"stats":  h.orch.Stats(),
	})
}

// GetView возвращает проекцию активной сессии.
// GET /api/v1/view
func (h *Handler) GetView(w http.ResponseWriter, r *http.Request) {
	Success(w, ViewFromSnapshot(h.orch.ViewModelSnapshot()))
}

// GetStats возвращает состояние оркестратора.
// GET /api/v1/stats
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	Success(w, h.orch.Stats())
}

// StreamView отдаёт изменения проекции через SSE.
// GET /api/v1/view/stream
//
// Первое событие: snapshot, затем reset и upsert по мере изменений.
func (h *Handler) StreamView(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, ErrCodeInternalError, "streaming not supported")
		return
	}

	changes, unsubscribe := h.orch.Subscribe(subscriberBuffer)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()

	if err := writeSSE(w, snapshotEvent(h.orch.ViewModelSnapshot())); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writeSSE(w, ViewEvent{Type: "heartbeat", Timestamp: time.Now()}); err != nil {
				return
			}
			flusher.Flush()
		case c, ok := <-changes:
			if !ok {
				return
			}
			if err := writeSSE(w, ViewEventFromChange(c)); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev ViewEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}

// ClientMessage: сообщение клиента WebSocket.
type ClientMessage struct {
	// Type: ping или snapshot.
	Type string `json:"type"`
}

// ViewWebSocket отдаёт изменения проекции через WebSocket.
// GET /api/v1/view/ws
//
// Клиент может прислать {"type":"ping"} или {"type":"snapshot"}.
func (h *Handler) ViewWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "connection closed")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	changes, unsubscribe := h.orch.Subscribe(subscriberBuffer)
	defer unsubscribe()

	if err := wsjson.Write(ctx, conn, snapshotEvent(h.orch.ViewModelSnapshot())); err != nil {
		return
	}

	// Ответы на сообщения клиента пишет только основной цикл.
	replies := make(chan ViewEvent, 8)
	go h.readClient(ctx, cancel, conn, replies)

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		var ev ViewEvent
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ev = ViewEvent{Type: "heartbeat", Timestamp: time.Now()}
		case ev = <-replies:
		case c, ok := <-changes:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "subscription closed")
				return
			}
			ev = ViewEventFromChange(c)
		}
		if err := wsjson.Write(ctx, conn, ev); err != nil {
			return
		}
	}
}

func (h *Handler) readClient(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, replies chan<- ViewEvent) {
	defer cancel()
	for {
		var msg ClientMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return
		}

		var ev ViewEvent
		switch msg.Type {
		case "ping":
			ev = ViewEvent{Type: "pong", Timestamp: time.Now()}
		case "snapshot":
			ev = snapshotEvent(h.orch.ViewModelSnapshot())
		default:
			continue
		}

		select {
		case replies <- ev:
		case <-ctx.Done():
			return
		}
	}
}
