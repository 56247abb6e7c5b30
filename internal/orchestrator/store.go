package orchestrator

import (
	"context"

	"github.com/google/uuid"
	"github.com/shaiso/Flowstream/internal/domain"
)

// Store: хранилище записей TaskSession.
//
// Все изменения адресуются по TaskID. Отсутствие записи сигнализируется
// repo.ErrNotFound. Реализации: repo.TaskSessionRepo, repo.MemoryStore.
type Store interface {
	// CreateTaskSession создаёт запись. Повтор для того же TaskID не создаёт дубликат.
	CreateTaskSession(ctx context.Context, ts *domain.TaskSession) (uuid.UUID, error)

	// UpdateTaskSessionStatus применяет частичное обновление незавершённой записи.
	UpdateTaskSessionStatus(ctx context.Context, u domain.TaskUpdate) (uuid.UUID, error)

	// CloseTaskSession переводит запись в финальный статус.
	CloseTaskSession(ctx context.Context, c domain.TaskClose) (uuid.UUID, error)

	ListActiveTaskSessions(ctx context.Context, parentID uuid.UUID) ([]domain.TaskSession, error)
	ListTaskSessions(ctx context.Context, parentID uuid.UUID) ([]domain.TaskSession, error)

	// SyncParentSessionProgress пересчитывает счётчики ParentSession.
	SyncParentSessionProgress(ctx context.Context, parentID uuid.UUID) error
}

// TaskCreator создаёт удалённые tasks одним пакетом.
//
// Пакет атомарен: либо возвращается по дескриптору на каждое описание
// в том же порядке, либо ошибка.
type TaskCreator interface {
	CreateTasks(ctx context.Context, descriptions []string) ([]domain.TaskDescriptor, error)
}

// TaskStopper останавливает удалённый task. Необязателен.
type TaskStopper interface {
	StopTask(ctx context.Context, taskID string) error
}

// Notifier получает каждое применённое изменение TaskSession.
// Реализация: mq.Publisher.
type Notifier interface {
	PublishTaskUpdated(ctx context.Context, ts domain.TaskSession) error
}
