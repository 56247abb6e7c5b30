package orchestrator

import "errors"

// Ошибки оркестратора.
var (
	// ErrNoApprovedFlows: среди переданных flows нет ни одного одобренного.
	ErrNoApprovedFlows = errors.New("no approved flows")

	// ErrFlowNotApproved: flow не одобрен и не запускается.
	ErrFlowNotApproved = errors.New("flow not approved")

	// ErrFlowAlreadyRunning: у flow уже есть незавершённый task в этой сессии.
	ErrFlowAlreadyRunning = errors.New("flow already running")

	// ErrLaunchFailed: удалённый сервис не создал пакет tasks. Ничего не сохранено.
	ErrLaunchFailed = errors.New("launch failed")

	// ErrPersistFailed: task создан удалённо, но запись не сохранена.
	// Такой task не подключается к потоку.
	ErrPersistFailed = errors.New("task record not persisted")

	// ErrTaskNotTracked: task не отслеживается оркестратором.
	ErrTaskNotTracked = errors.New("task not tracked")

	// ErrTaskFinished: task уже в финальном статусе.
	ErrTaskFinished = errors.New("task already finished")

	// ErrNoActiveSession: активная ParentSession не выбрана.
	ErrNoActiveSession = errors.New("no active parent session")

	// ErrOrchestratorStopped: оркестратор остановлен.
	ErrOrchestratorStopped = errors.New("orchestrator stopped")
)
