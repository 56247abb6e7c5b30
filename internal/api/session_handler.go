package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/shaiso/Flowstream/internal/domain"
	"github.com/shaiso/Flowstream/internal/mq"
)

// ListSessions возвращает список сессий.
// GET /api/v1/sessions?limit=...
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			BadRequest(w, "invalid limit")
			return
		}
		limit = n
	}

	sessions, err := h.sessions.ListParentSessions(r.Context(), limit)
	if HandleError(w, h.logger, err, "") {
		return
	}

	result := make([]SessionResponse, len(sessions))
	for i, p := range sessions {
		result[i] = SessionFromDomain(p)
	}

	List(w, result, len(result))
}

// CreateSession создаёт новую сессию.
// POST /api/v1/sessions
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		BadRequest(w, "name is required")
		return
	}

	p := domain.NewParentSession(req.Name, req.Prompt, req.WebsiteURL)
	if err := h.sessions.CreateParentSession(r.Context(), p); HandleError(w, h.logger, err, "") {
		return
	}

	h.logger.Info("parent session created", "parent_session_id", p.ID, "name", p.Name)

	Created(w, SessionFromDomain(*p))
}

// GetSession возвращает сессию по ID.
// GET /api/v1/sessions/{id}
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id, ok := parseSessionID(w, r)
	if !ok {
		return
	}

	p, err := h.sessions.GetParentSession(r.Context(), id)
	if HandleError(w, h.logger, err, "session not found") {
		return
	}

	Success(w, SessionFromDomain(*p))
}

// ListSessionTasks возвращает записи tasks сессии из хранилища.
// GET /api/v1/sessions/{id}/tasks
func (h *Handler) ListSessionTasks(w http.ResponseWriter, r *http.Request) {
	id, ok := parseSessionID(w, r)
	if !ok {
		return
	}

	if _, err := h.sessions.GetParentSession(r.Context(), id); HandleError(w, h.logger, err, "session not found") {
		return
	}

	tasks, err := h.sessions.ListTaskSessions(r.Context(), id)
	if HandleError(w, h.logger, err, "") {
		return
	}

	List(w, tasksFromDomain(tasks), len(tasks))
}

// LaunchFlows запускает одобренные flows сессии.
// POST /api/v1/sessions/{id}/launch[?async=true]
//
// С async=true и настроенным RabbitMQ команда ставится в очередь flows.launch
// и ответ 202 приходит сразу.
func (h *Handler) LaunchFlows(w http.ResponseWriter, r *http.Request) {
	id, ok := parseSessionID(w, r)
	if !ok {
		return
	}

	var req LaunchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	if len(req.Flows) == 0 {
		BadRequest(w, "flows are required")
		return
	}

	if _, err := h.sessions.GetParentSession(r.Context(), id); HandleError(w, h.logger, err, "session not found") {
		return
	}

	if h.async(r) {
		if err := h.publisher.PublishFlowsLaunch(r.Context(), id, req.Flows); err != nil {
			InternalError(w, h.logger, err)
			return
		}
		Accepted(w, AcceptedResponse{Queue: string(mq.QueueFlowsLaunch)})
		return
	}

	outcomes, err := h.orch.LaunchApprovedFlows(r.Context(), id, req.Flows)
	if HandleError(w, h.logger, err, "") {
		return
	}

	Success(w, LaunchFromOutcomes(id, outcomes))
}

// ActivateSession делает сессию активной.
// POST /api/v1/sessions/{id}/activate[?async=true]
func (h *Handler) ActivateSession(w http.ResponseWriter, r *http.Request) {
	id, ok := parseSessionID(w, r)
	if !ok {
		return
	}

	if _, err := h.sessions.GetParentSession(r.Context(), id); HandleError(w, h.logger, err, "session not found") {
		return
	}

	if h.async(r) {
		if err := h.publisher.PublishSessionActivate(r.Context(), id); err != nil {
			InternalError(w, h.logger, err)
			return
		}
		Accepted(w, AcceptedResponse{Queue: string(mq.QueueSessionsActivate)})
		return
	}

	res, err := h.orch.SwitchActiveParentSession(r.Context(), id)
	if HandleError(w, h.logger, err, "") {
		return
	}

	Success(w, res)
}

func (h *Handler) async(r *http.Request) bool {
	return h.publisher != nil && r.URL.Query().Get("async") == "true"
}

func parseSessionID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid session id")
		return uuid.Nil, false
	}
	return id, true
}
