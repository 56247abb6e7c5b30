package domain

// TaskStatus: статус выполнения удалённого task (TaskSession).
//
// Жизненный цикл:
//
//	EXECUTING → RUNNING → COMPLETED
//	                    ↘ FAILED
//	                    ↘ TERMINATED
//
// Переходы только вперёд. Из финального статуса переходов нет.
type TaskStatus string

const (
	// TaskStatusExecuting: task создан в удалённом сервисе, событий ещё не было.
	TaskStatusExecuting TaskStatus = "executing"

	// TaskStatusRunning: браузер запущен, поток событий идёт.
	TaskStatusRunning TaskStatus = "running"

	// TaskStatusCompleted: task успешно завершён.
	TaskStatusCompleted TaskStatus = "completed"

	// TaskStatusFailed: task завершился с ошибкой (или поток оборвался).
	TaskStatusFailed TaskStatus = "failed"

	// TaskStatusTerminated: task остановлен пользователем.
	TaskStatusTerminated TaskStatus = "terminated"
)

// Rank возвращает позицию статуса в порядке executing < running < terminal.
// Все финальные статусы имеют одинаковый ранг.
// Неизвестный статус имеет ранг -1.
func (s TaskStatus) Rank() int {
	switch s {
	case TaskStatusExecuting:
		return 0
	case TaskStatusRunning:
		return 1
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusTerminated:
		return 2
	default:
		return -1
	}
}

// IsTerminal возвращает true, если статус финальный.
func (s TaskStatus) IsTerminal() bool {
	return s.Rank() == 2
}

// IsValid проверяет, что статус известен.
func (s TaskStatus) IsValid() bool {
	return s.Rank() >= 0
}

// CanAdvanceTo проверяет, допустим ли переход s → next.
// Переход в тот же статус не считается продвижением.
func (s TaskStatus) CanAdvanceTo(next TaskStatus) bool {
	if s.IsTerminal() || !next.IsValid() {
		return false
	}
	return next.Rank() > s.Rank()
}

// ParseTaskStatus парсит строку в TaskStatus.
// Неизвестные значения возвращаются как есть (IsValid() == false).
func ParseTaskStatus(s string) TaskStatus {
	return TaskStatus(s)
}

// FlowStatus: статус flow с точки зрения пользователя.
type FlowStatus string

const (
	FlowStatusPending   FlowStatus = "pending"
	FlowStatusApproved  FlowStatus = "approved"
	FlowStatusExecuting FlowStatus = "executing"
	FlowStatusRunning   FlowStatus = "running"
	FlowStatusCompleted FlowStatus = "completed"
	FlowStatusFailed    FlowStatus = "failed"
)

// FlowStatusFromTask отображает статус task на статус flow.
// TERMINATED для flow выглядит как FAILED.
func FlowStatusFromTask(s TaskStatus) FlowStatus {
	switch s {
	case TaskStatusExecuting:
		return FlowStatusExecuting
	case TaskStatusRunning:
		return FlowStatusRunning
	case TaskStatusCompleted:
		return FlowStatusCompleted
	case TaskStatusFailed, TaskStatusTerminated:
		return FlowStatusFailed
	default:
		return FlowStatusPending
	}
}

// ParentSessionStatus: статус логической сессии.
//
//	ACTIVE → RUNNING → COMPLETED
type ParentSessionStatus string

const (
	// ParentSessionStatusActive: сессия создана, tasks не запускались.
	ParentSessionStatusActive ParentSessionStatus = "active"

	// ParentSessionStatusRunning: есть незавершённые tasks.
	ParentSessionStatusRunning ParentSessionStatus = "running"

	// ParentSessionStatusCompleted: все запущенные tasks завершены.
	ParentSessionStatusCompleted ParentSessionStatus = "completed"
)
