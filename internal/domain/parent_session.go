package domain

import (
	"time"

	"github.com/google/uuid"
)

// ParentSession: логическая группа flows и запущенных по ним tasks.
//
// ParentSession хранится во внешнем хранилище и видна всем клиентам.
// Пользователь переключается между ParentSession, при этом незавершённые
// tasks продолжают выполняться в фоне.
type ParentSession struct {
	ID uuid.UUID `json:"id"`

	// Name: имя сессии для пользователя.
	Name string `json:"name"`

	// Prompt: исходный запрос, из которого генерировались flows.
	Prompt string `json:"prompt,omitempty"`

	// WebsiteURL: тестируемый сайт.
	WebsiteURL string `json:"website_url,omitempty"`

	Status ParentSessionStatus `json:"status"`

	// TotalFlows: сколько tasks запущено в сессии.
	TotalFlows int `json:"total_flows"`

	// CompletedFlows: сколько из них в финальном статусе.
	CompletedFlows int `json:"completed_flows"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewParentSession создаёт новую сессию в статусе ACTIVE.
func NewParentSession(name, prompt, websiteURL string) *ParentSession {
	now := time.Now()
	return &ParentSession{
		ID:         uuid.New(),
		Name:       name,
		Prompt:     prompt,
		WebsiteURL: websiteURL,
		Status:     ParentSessionStatusActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// ApplyProgress пересчитывает счётчики и статус по записям tasks.
func (p *ParentSession) ApplyProgress(tasks []TaskSession) {
	p.TotalFlows = len(tasks)
	p.CompletedFlows = 0
	for i := range tasks {
		if tasks[i].IsFinished() {
			p.CompletedFlows++
		}
	}
	p.Status = ProgressStatus(p.TotalFlows, p.CompletedFlows)
	p.UpdatedAt = time.Now()
}

// ProgressStatus вычисляет статус сессии по счётчикам.
func ProgressStatus(total, completed int) ParentSessionStatus {
	switch {
	case total == 0:
		return ParentSessionStatusActive
	case completed >= total:
		return ParentSessionStatusCompleted
	default:
		return ParentSessionStatusRunning
	}
}
