package api

import (
	"net/http"
	"strings"
)

// CancelTask останавливает поток task и помечает его terminated.
// DELETE /api/v1/tasks/{taskId}
func (h *Handler) CancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(r.PathValue("taskId"))
	if taskID == "" {
		BadRequest(w, "task id is required")
		return
	}

	ts, err := h.orch.CancelTask(r.Context(), taskID)
	if HandleError(w, h.logger, err, "task not found") {
		return
	}

	h.logger.Info("task cancelled", "task_id", taskID, "parent_session_id", ts.ParentSessionID)

	Success(w, TaskFromDomain(ts))
}
