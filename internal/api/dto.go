package api

import (
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Flowstream/internal/domain"
	"github.com/shaiso/Flowstream/internal/orchestrator"
)

// Session DTOs

// CreateSessionRequest: запрос на создание сессии.
type CreateSessionRequest struct {
	Name       string `json:"name"`
	Prompt     string `json:"prompt,omitempty"`
	WebsiteURL string `json:"website_url,omitempty"`
}

// SessionResponse: ответ с сессией.
type SessionResponse struct {
	ID             uuid.UUID `json:"id"`
	Name           string    `json:"name"`
	Prompt         string    `json:"prompt,omitempty"`
	WebsiteURL     string    `json:"website_url,omitempty"`
	Status         string    `json:"status"`
	TotalFlows     int       `json:"total_flows"`
	CompletedFlows int       `json:"completed_flows"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// SessionFromDomain конвертирует domain.ParentSession в SessionResponse.
func SessionFromDomain(p domain.ParentSession) SessionResponse {
	return SessionResponse{
		ID:             p.ID,
		Name:           p.Name,
		Prompt:         p.Prompt,
		WebsiteURL:     p.WebsiteURL,
		Status:         string(p.Status),
		TotalFlows:     p.TotalFlows,
		CompletedFlows: p.CompletedFlows,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
}

// Task DTOs

// TaskResponse: ответ с TaskSession.
type TaskResponse struct {
	ID              uuid.UUID  `json:"id"`
	TaskID          string     `json:"task_id"`
	SessionID       string     `json:"automation_session_id"`
	ParentSessionID uuid.UUID  `json:"parent_session_id"`
	FlowName        string     `json:"flow_name"`
	Status          string     `json:"status"`
	LiveViewURL     string     `json:"live_view_url,omitempty"`
	CurrentURL      string     `json:"current_url,omitempty"`
	CurrentAction   string     `json:"current_action,omitempty"`
	Progress        int        `json:"progress"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	Output          string     `json:"output,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// TaskFromDomain конвертирует domain.TaskSession в TaskResponse.
func TaskFromDomain(ts domain.TaskSession) TaskResponse {
	return TaskResponse{
		ID:              ts.ID,
		TaskID:          ts.TaskID,
		SessionID:       ts.AutomationSessionID,
		ParentSessionID: ts.ParentSessionID,
		FlowName:        ts.FlowName,
		Status:          string(ts.Status),
		LiveViewURL:     ts.LiveViewURL,
		CurrentURL:      ts.CurrentURL,
		CurrentAction:   ts.CurrentAction,
		Progress:        ts.Progress,
		ErrorMessage:    ts.ErrorMessage,
		Output:          ts.Output,
		StartedAt:       ts.StartedAt,
		CompletedAt:     ts.CompletedAt,
		UpdatedAt:       ts.UpdatedAt,
	}
}

func tasksFromDomain(tasks []domain.TaskSession) []TaskResponse {
	result := make([]TaskResponse, len(tasks))
	for i, ts := range tasks {
		result[i] = TaskFromDomain(ts)
	}
	return result
}

// Launch DTOs

// LaunchRequest: запрос на запуск flows. Запускаются только approved.
type LaunchRequest struct {
	Flows []domain.Flow `json:"flows"`
}

// LaunchOutcomeResponse: итог по одному flow.
type LaunchOutcomeResponse struct {
	Flow   domain.Flow   `json:"flow"`
	Status string        `json:"status"`
	Task   *TaskResponse `json:"task,omitempty"`
	Error  string        `json:"error,omitempty"`
}

// LaunchResponse: ответ на запуск.
type LaunchResponse struct {
	ParentSessionID uuid.UUID               `json:"parent_session_id"`
	Started         int                     `json:"started"`
	Outcomes        []LaunchOutcomeResponse `json:"outcomes"`
}

// LaunchFromOutcomes собирает LaunchResponse.
func LaunchFromOutcomes(parentID uuid.UUID, outcomes []orchestrator.LaunchOutcome) LaunchResponse {
	resp := LaunchResponse{
		ParentSessionID: parentID,
		Outcomes:        make([]LaunchOutcomeResponse, len(outcomes)),
	}
	for i, o := range outcomes {
		out := LaunchOutcomeResponse{Flow: o.Flow, Status: string(o.Status)}
		if o.Session != nil {
			task := TaskFromDomain(*o.Session)
			out.Task = &task
		}
		if o.Err != nil {
			out.Error = o.Err.Error()
		}
		if o.Status == orchestrator.LaunchStarted {
			resp.Started++
		}
		resp.Outcomes[i] = out
	}
	return resp
}

// AcceptedResponse: команда поставлена в очередь.
type AcceptedResponse struct {
	Queue string `json:"queue"`
}

// View DTOs

// ViewResponse: проекция активной сессии.
type ViewResponse struct {
	ParentSessionID uuid.UUID      `json:"parent_session_id"`
	Tasks           []TaskResponse `json:"tasks"`
}

// ViewFromSnapshot конвертирует Snapshot в ViewResponse.
func ViewFromSnapshot(s orchestrator.Snapshot) ViewResponse {
	return ViewResponse{
		ParentSessionID: s.ParentSessionID,
		Tasks:           tasksFromDomain(s.Tasks),
	}
}

// ViewEvent: одно сообщение потоков /view/stream и /view/ws.
type ViewEvent struct {
	// Type: snapshot, reset, upsert, heartbeat, pong.
	Type            string         `json:"type"`
	ParentSessionID uuid.UUID      `json:"parent_session_id,omitempty"`
	Task            *TaskResponse  `json:"task,omitempty"`
	Tasks           []TaskResponse `json:"tasks,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
}

// ViewEventFromChange конвертирует изменение проекции.
func ViewEventFromChange(c orchestrator.Change) ViewEvent {
	ev := ViewEvent{
		Type:            string(c.Kind),
		ParentSessionID: c.ParentSessionID,
		Timestamp:       time.Now(),
	}
	if c.Task != nil {
		task := TaskFromDomain(*c.Task)
		ev.Task = &task
	}
	if c.Kind == orchestrator.ChangeReset {
		ev.Tasks = tasksFromDomain(c.Tasks)
	}
	return ev
}

func snapshotEvent(s orchestrator.Snapshot) ViewEvent {
	return ViewEvent{
		Type:            "snapshot",
		ParentSessionID: s.ParentSessionID,
		Tasks:           tasksFromDomain(s.Tasks),
		Timestamp:       time.Now(),
	}
}
