package domain

import (
	"strings"
)

// Flow: описание сценария браузерного взаимодействия на естественном языке.
//
// Flow создаётся пользователем (или шагом генерации flows) и одобряется
// перед запуском. Запускаются только одобренные flows, каждый запуск
// порождает новый TaskSession.
type Flow struct {
	// Name: короткое имя сценария ("Login with valid credentials").
	// Внутри одной ParentSession имя идентифицирует flow.
	Name string `json:"name" yaml:"name"`

	// Description: что проверяет сценарий.
	Description string `json:"description" yaml:"description"`

	// Instructions: пошаговые инструкции для браузерного агента.
	Instructions string `json:"instructions" yaml:"instructions"`

	// Approved: flow одобрен пользователем к запуску.
	Approved bool `json:"approved" yaml:"approved"`

	// Status: текущий статус flow.
	Status FlowStatus `json:"status,omitempty" yaml:"status,omitempty"`

	// EstimatedDurationSeconds: оценка длительности выполнения.
	EstimatedDurationSeconds int `json:"estimated_duration_seconds,omitempty" yaml:"estimated_duration_seconds,omitempty"`
}

// TaskDescription собирает текст задачи для удалённого сервиса
// из имени, описания и инструкций.
func (f *Flow) TaskDescription() string {
	var b strings.Builder

	b.WriteString(strings.TrimSpace(f.Name))

	if d := strings.TrimSpace(f.Description); d != "" {
		b.WriteString("\n\n")
		b.WriteString(d)
	}

	if in := strings.TrimSpace(f.Instructions); in != "" {
		b.WriteString("\n\nInstructions:\n")
		b.WriteString(in)
	}

	return b.String()
}

// Approve помечает flow как одобренный.
func (f *Flow) Approve() {
	f.Approved = true
	if f.Status == "" || f.Status == FlowStatusPending {
		f.Status = FlowStatusApproved
	}
}

// Revoke снимает одобрение. Уже запущенный flow не меняет статус.
func (f *Flow) Revoke() {
	f.Approved = false
	if f.Status == FlowStatusApproved {
		f.Status = FlowStatusPending
	}
}

// TaskDescriptor: ответ удалённого сервиса на создание одного task.
type TaskDescriptor struct {
	// TaskID: идентификатор task в удалённом сервисе.
	TaskID string `json:"task_id"`

	// SessionID: идентификатор браузерной сессии автоматизации.
	SessionID string `json:"session_id"`

	// LiveURL: ссылка на live-просмотр (может появиться позже).
	LiveURL string `json:"live_url,omitempty"`
}
