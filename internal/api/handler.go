package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Flowstream/internal/domain"
	"github.com/shaiso/Flowstream/internal/mq"
	"github.com/shaiso/Flowstream/internal/orchestrator"
)

const defaultHeartbeat = 30 * time.Second

// SessionStore: чтение и создание сессий для API.
// Реализуют repo.Postgres и repo.MemoryStore.
type SessionStore interface {
	CreateParentSession(ctx context.Context, p *domain.ParentSession) error
	GetParentSession(ctx context.Context, id uuid.UUID) (*domain.ParentSession, error)
	ListParentSessions(ctx context.Context, limit int) ([]domain.ParentSession, error)
	ListTaskSessions(ctx context.Context, parentID uuid.UUID) ([]domain.TaskSession, error)
}

// Handler: главный обработчик API с зависимостями.
type Handler struct {
	sessions  SessionStore
	orch      *orchestrator.Orchestrator
	publisher *mq.Publisher
	heartbeat time.Duration
	logger    *slog.Logger
}

// Config: конфигурация для создания Handler.
type Config struct {
	Sessions     SessionStore
	Orchestrator *orchestrator.Orchestrator

	// Publisher: если задан, запросы с ?async=true отправляются командой в RabbitMQ.
	Publisher *mq.Publisher

	// Heartbeat: период heartbeat в потоках /view (default: 30s).
	Heartbeat time.Duration

	Logger *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	heartbeat := cfg.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}

	return &Handler{
		sessions:  cfg.Sessions,
		orch:      cfg.Orchestrator,
		publisher: cfg.Publisher,
		heartbeat: heartbeat,
		logger:    logger,
	}
}
