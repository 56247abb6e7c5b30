package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/shaiso/Flowstream/internal/domain"
	"github.com/shaiso/Flowstream/internal/telemetry"
)

// SwitchResult: итог переключения или обновления активной сессии.
type SwitchResult struct {
	ParentSessionID uuid.UUID `json:"parent_session_id"`

	// Tasks: сколько записей в проекции.
	Tasks int `json:"tasks"`

	// Attached: сколько потоков открыто этим вызовом.
	Attached int `json:"attached"`

	// Stopped: сколько локальных потоков закрыто, потому что task
	// завершился в хранилище.
	Stopped int `json:"stopped"`

	// Partial: хранилище недоступно, проекция собрана из локальных записей.
	// Следующий Refresh повторит запрос.
	Partial bool `json:"partial"`
}

// SwitcherConfig: конфигурация Switcher.
type SwitcherConfig struct {
	Store      Store
	Reconciler *Reconciler
	Manager    *Manager
	View       *ViewModel
	Logger     *slog.Logger
}

// Switcher переключает активную ParentSession.
//
// Потоки уходящей сессии не закрываются: её tasks продолжают сливаться
// в хранилище в фоне. Переключения сериализованы.
type Switcher struct {
	store      Store
	reconciler *Reconciler
	manager    *Manager
	view       *ViewModel
	logger     *slog.Logger

	mu         sync.Mutex
	needsRetry atomic.Bool
}

// NewSwitcher создаёт новый Switcher.
func NewSwitcher(cfg SwitcherConfig) *Switcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Switcher{
		store:      cfg.Store,
		reconciler: cfg.Reconciler,
		manager:    cfg.Manager,
		view:       cfg.View,
		logger:     logger.With("component", "switcher"),
	}
}

// Switch делает parentID активной сессией.
//
//  1. Проекция очищается и перенацеливается на parentID.
//  2. Из хранилища читаются все записи parentID.
//  3. Записи сливаются с отслеживаемыми, к незавершённым подключаются потоки.
//  4. Проекция заполняется слитыми записями.
//
// Ошибка хранилища не прерывает переключение: проекция собирается из
// локальных записей, а запрос повторяется при следующем Refresh.
func (s *Switcher) Switch(ctx context.Context, parentID uuid.UUID) SwitchResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := telemetry.WithParentSessionID(s.logger, parentID.String())

	prev := s.view.ActiveParent()
	s.view.Clear(parentID)

	res := s.sync(ctx, parentID, true)

	result := "ok"
	if res.Partial {
		result = "partial"
	}
	telemetry.SessionSwitches.WithLabelValues(result).Inc()

	log.Info("active session switched",
		"previous", prev,
		"tasks", res.Tasks,
		"attached", res.Attached,
		"partial", res.Partial,
	)
	return res
}

// Refresh повторно сверяет активную сессию с хранилищем.
//
// Подхватывает tasks, запущенные другими клиентами, и закрывает локальные
// потоки tasks, которые завершились в хранилище.
func (s *Switcher) Refresh(ctx context.Context) SwitchResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	parentID := s.view.ActiveParent()
	if parentID == uuid.Nil {
		return SwitchResult{}
	}

	// После частичного переключения проекцию нужно собрать заново.
	return s.sync(ctx, parentID, s.needsRetry.Load())
}

// NeedsRetry возвращает true, если последнее чтение хранилища не удалось.
func (s *Switcher) NeedsRetry() bool {
	return s.needsRetry.Load()
}

// sync читает записи parentID, сливает их и подключает потоки.
// reset=true заменяет проекцию целиком, иначе обновляются только изменения.
func (s *Switcher) sync(ctx context.Context, parentID uuid.UUID, reset bool) SwitchResult {
	res := SwitchResult{ParentSessionID: parentID}

	records, err := s.store.ListTaskSessions(ctx, parentID)
	if err != nil {
		s.logger.Warn("failed to list task sessions, using local records",
			"parent_session_id", parentID,
			"error", err,
		)
		s.needsRetry.Store(true)
		res.Partial = true
		records = s.reconciler.TrackedFor(parentID)
	} else {
		s.needsRetry.Store(false)
	}

	adopted := s.reconciler.Adopt(ctx, records)

	merged := make([]domain.TaskSession, 0, len(adopted))
	for _, a := range adopted {
		merged = append(merged, a.Session)

		if a.BecameTerminal && s.manager.Stop(a.Session.TaskID) {
			res.Stopped++
			continue
		}
		// Изменённые записи Reconciler уже положил в проекцию под блокировкой task.
		if s.manager.Connect(a.Session) {
			res.Attached++
		}
	}
	res.Tasks = len(merged)

	if reset {
		s.view.Reset(parentID, merged)
	}
	return res
}
