package domain

import (
	"time"

	"github.com/google/uuid"
)

// TaskSession: запись об одном удалённом выполнении одобренного flow.
//
// TaskSession создаётся один раз, когда удалённый сервис вернул task,
// изменяется только Reconciler'ом и ровно один раз становится финальным.
// Повторный запуск того же flow создаёт новый TaskSession с новым TaskID.
type TaskSession struct {
	// ID: идентификатор записи в хранилище.
	ID uuid.UUID `json:"id"`

	// TaskID: идентификатор task в удалённом сервисе. Ключ всех обновлений.
	TaskID string `json:"task_id"`

	// AutomationSessionID: идентификатор браузерной сессии.
	AutomationSessionID string `json:"automation_session_id"`

	// ParentSessionID: логическая сессия, к которой относится task.
	// Не меняется после создания.
	ParentSessionID uuid.UUID `json:"parent_session_id"`

	FlowName        string `json:"flow_name"`
	FlowDescription string `json:"flow_description,omitempty"`
	Instructions    string `json:"instructions,omitempty"`

	// Status: текущий статус, меняется только вперёд.
	Status TaskStatus `json:"status"`

	// LiveViewURL: ссылка на live-просмотр браузера.
	// Непустое значение никогда не стирается.
	LiveViewURL string `json:"live_view_url,omitempty"`

	// CurrentURL: страница, на которой находится агент.
	CurrentURL string `json:"current_url,omitempty"`

	// CurrentAction: текущее действие агента.
	CurrentAction string `json:"current_action,omitempty"`

	// Progress: количество выполненных шагов.
	Progress int `json:"progress,omitempty"`

	// ErrorMessage: причина неудачи (для FAILED).
	ErrorMessage string `json:"error_message,omitempty"`

	// Output: итог работы агента (из completion).
	Output string `json:"output,omitempty"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// NewTaskSession создаёт запись для только что созданного удалённого task.
func NewTaskSession(parentID uuid.UUID, flow *Flow, desc TaskDescriptor) *TaskSession {
	now := time.Now()

	sessionID := desc.SessionID
	if sessionID == "" {
		sessionID = desc.TaskID
	}

	return &TaskSession{
		ID:                  uuid.New(),
		TaskID:              desc.TaskID,
		AutomationSessionID: sessionID,
		ParentSessionID:     parentID,
		FlowName:            flow.Name,
		FlowDescription:     flow.Description,
		Instructions:        flow.Instructions,
		Status:              TaskStatusExecuting,
		LiveViewURL:         desc.LiveURL,
		StartedAt:           now,
		UpdatedAt:           now,
	}
}

// IsFinished возвращает true, если task в финальном статусе.
func (t *TaskSession) IsFinished() bool {
	return t.Status.IsTerminal()
}

// Duration возвращает продолжительность выполнения.
// Для незавершённого task возвращает 0.
func (t *TaskSession) Duration() time.Duration {
	if t.CompletedAt == nil {
		return 0
	}
	return t.CompletedAt.Sub(t.StartedAt)
}

// Clone возвращает независимую копию записи.
func (t *TaskSession) Clone() TaskSession {
	c := *t
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	return c
}

// SetLiveViewURL обновляет ссылку live-просмотра.
// Пустое значение игнорируется: ссылку можно заменить, но не стереть.
func (t *TaskSession) SetLiveViewURL(url string) bool {
	if url == "" || url == t.LiveViewURL {
		return false
	}
	t.LiveViewURL = url
	return true
}

// Advance переводит task в статус next, если переход допустим.
func (t *TaskSession) Advance(next TaskStatus) bool {
	if !t.Status.CanAdvanceTo(next) {
		return false
	}
	t.Status = next
	return true
}

// MarkTerminal переводит task в финальный статус.
// Повторный вызов для уже финального task ничего не меняет.
func (t *TaskSession) MarkTerminal(status TaskStatus, errMsg string, at time.Time) bool {
	if !status.IsTerminal() || !t.Advance(status) {
		return false
	}
	t.CompletedAt = &at
	if errMsg != "" {
		t.ErrorMessage = errMsg
	}
	return true
}

// Apply применяет событие потока к записи и возвращает true, если
// запись изменилась. События для финального task игнорируются.
func (t *TaskSession) Apply(ev *StreamEvent) bool {
	if t.IsFinished() {
		return false
	}

	at := ev.ReceivedAt
	if at.IsZero() {
		at = time.Now()
	}

	changed := false

	switch ev.Type {
	case EventTypeStatus:
		changed = t.SetLiveViewURL(ev.LiveURL)
		if ev.LiveURL != "" || ev.RemoteStatus == RemoteStatusRunning {
			changed = t.Advance(TaskStatusRunning) || changed
		}
		if ev.StepsCount > t.Progress {
			t.Progress = ev.StepsCount
			changed = true
		}

	case EventTypeStep:
		changed = t.SetLiveViewURL(ev.LiveURL)
		if ev.Step != nil {
			changed = t.applyStep(ev.Step) || changed
		}

	case EventTypeCompletion:
		t.SetLiveViewURL(ev.LiveURL)
		final := ev.FinalStatus()
		errMsg := ""
		if final == TaskStatusFailed {
			errMsg = ev.Error
			if errMsg == "" {
				errMsg = "task finished with status " + ev.RemoteStatus
			}
		}
		changed = t.MarkTerminal(final, errMsg, at)
		if changed {
			t.Output = ev.OutputText()
		}

	case EventTypeError:
		errMsg := ev.Error
		if errMsg == "" {
			errMsg = "unknown error"
		}
		changed = t.MarkTerminal(TaskStatusFailed, errMsg, at)
	}

	if changed {
		t.UpdatedAt = at
	}
	return changed
}

// applyStep обновляет текущую страницу, действие и прогресс.
// Статус не меняется.
func (t *TaskSession) applyStep(step *StepInfo) bool {
	changed := false

	if step.URL != "" && step.URL != t.CurrentURL {
		t.CurrentURL = step.URL
		changed = true
	}
	if step.NextGoal != "" && step.NextGoal != t.CurrentAction {
		t.CurrentAction = step.NextGoal
		changed = true
	}
	if step.Number > t.Progress {
		t.Progress = step.Number
		changed = true
	}

	return changed
}

// MergeFrom сливает запись из хранилища с локальной.
//
// Правила:
//   - локальная финальная запись не меняется;
//   - более поздний статус из хранилища побеждает (вместе с финальными полями);
//   - live URL берётся из хранилища, только если локальный пуст;
//   - данные шага берутся из хранилища, если там больше прогресс.
//
// ParentSessionID и идентификаторы не трогаются.
func (t *TaskSession) MergeFrom(rec *TaskSession) bool {
	if t.IsFinished() {
		return false
	}

	changed := false

	if t.Status.CanAdvanceTo(rec.Status) {
		t.Status = rec.Status
		if rec.CompletedAt != nil {
			at := *rec.CompletedAt
			t.CompletedAt = &at
		}
		if rec.ErrorMessage != "" {
			t.ErrorMessage = rec.ErrorMessage
		}
		if rec.Output != "" {
			t.Output = rec.Output
		}
		changed = true
	}

	if t.LiveViewURL == "" && t.SetLiveViewURL(rec.LiveViewURL) {
		changed = true
	}

	if rec.Progress > t.Progress {
		t.Progress = rec.Progress
		if rec.CurrentURL != "" {
			t.CurrentURL = rec.CurrentURL
		}
		if rec.CurrentAction != "" {
			t.CurrentAction = rec.CurrentAction
		}
		changed = true
	}

	if changed && rec.UpdatedAt.After(t.UpdatedAt) {
		t.UpdatedAt = rec.UpdatedAt
	}
	return changed
}

// TaskUpdate: частичное обновление незавершённой записи в хранилище.
// Пустые поля не перезаписывают сохранённые значения.
type TaskUpdate struct {
	TaskID        string
	Status        TaskStatus
	LiveViewURL   string
	CurrentURL    string
	CurrentAction string
	Progress      int
}

// UpdateFromSession собирает TaskUpdate из текущего состояния записи.
func UpdateFromSession(t *TaskSession) TaskUpdate {
	return TaskUpdate{
		TaskID:        t.TaskID,
		Status:        t.Status,
		LiveViewURL:   t.LiveViewURL,
		CurrentURL:    t.CurrentURL,
		CurrentAction: t.CurrentAction,
		Progress:      t.Progress,
	}
}

// TaskClose: финальное закрытие записи в хранилище.
type TaskClose struct {
	TaskID       string
	Status       TaskStatus
	ErrorMessage string
	Output       string
	CompletedAt  time.Time
}

// CloseFromSession собирает TaskClose из финальной записи.
func CloseFromSession(t *TaskSession) TaskClose {
	c := TaskClose{
		TaskID:       t.TaskID,
		Status:       t.Status,
		ErrorMessage: t.ErrorMessage,
		Output:       t.Output,
		CompletedAt:  time.Now(),
	}
	if t.CompletedAt != nil {
		c.CompletedAt = *t.CompletedAt
	}
	return c
}
