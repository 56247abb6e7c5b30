package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Flowstream/internal/domain"
	"github.com/shaiso/Flowstream/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

const defaultPersistConcurrency = 8

// LaunchStatus: итог запуска одного flow.
type LaunchStatus string

const (
	// LaunchStarted: task создан, запись сохранена, поток подключён.
	LaunchStarted LaunchStatus = "started"

	// LaunchSkipped: flow не запускался (не одобрен или уже выполняется).
	LaunchSkipped LaunchStatus = "skipped"

	// LaunchDegraded: task создан удалённо, но запись не сохранена.
	LaunchDegraded LaunchStatus = "degraded"
)

// LaunchOutcome: результат по одному входному flow.
type LaunchOutcome struct {
	Flow    domain.Flow         `json:"flow"`
	Status  LaunchStatus        `json:"status"`
	Session *domain.TaskSession `json:"session,omitempty"`
	Err     error               `json:"-"`
}

// LauncherConfig: конфигурация Launcher.
type LauncherConfig struct {
	Store      Store
	Creator    TaskCreator
	Reconciler *Reconciler
	Manager    *Manager

	// Stopper останавливает удалённые tasks без сохранённой записи. Необязателен.
	Stopper TaskStopper

	// PersistConcurrency: сколько записей создаётся параллельно (default: 8).
	PersistConcurrency int

	// WriteTimeout: таймаут создания одной записи (default: 5s).
	WriteTimeout time.Duration

	Logger *slog.Logger
}

// Launcher запускает одобренные flows.
type Launcher struct {
	store       Store
	creator     TaskCreator
	reconciler  *Reconciler
	manager     *Manager
	stopper     TaskStopper
	concurrency int
	timeout     time.Duration
	logger      *slog.Logger
}

// NewLauncher создаёт новый Launcher.
func NewLauncher(cfg LauncherConfig) *Launcher {
	concurrency := cfg.PersistConcurrency
	if concurrency <= 0 {
		concurrency = defaultPersistConcurrency
	}

	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Launcher{
		store:       cfg.Store,
		creator:     cfg.Creator,
		reconciler:  cfg.Reconciler,
		manager:     cfg.Manager,
		stopper:     cfg.Stopper,
		concurrency: concurrency,
		timeout:     timeout,
		logger:      logger.With("component", "launcher"),
	}
}

// Launch запускает одобренные flows сессии parentID.
//
// Порядок:
//  1. Отбор: неодобренные и уже выполняющиеся flows пропускаются.
//  2. Один пакетный вызов TaskCreator. Ошибка пакета: ErrLaunchFailed,
//     ничего не сохраняется.
//  3. Для каждого task создаётся запись; только после подтверждения
//     хранилища task передаётся Reconciler и Manager.
//  4. Пересчёт прогресса ParentSession.
//
// Результат содержит по одному LaunchOutcome на каждый входной flow
// в исходном порядке.
func (l *Launcher) Launch(ctx context.Context, parentID uuid.UUID, flows []domain.Flow) ([]LaunchOutcome, error) {
	log := telemetry.WithParentSessionID(l.logger, parentID.String())

	outcomes := make([]LaunchOutcome, len(flows))
	running := l.runningFlows(ctx, parentID)

	var eligible []int
	var descriptions []string
	approved := 0

	for i := range flows {
		outcomes[i].Flow = flows[i]

		if !flows[i].Approved {
			outcomes[i].Status = LaunchSkipped
			outcomes[i].Err = ErrFlowNotApproved
			continue
		}
		approved++

		if running[flows[i].Name] {
			outcomes[i].Status = LaunchSkipped
			outcomes[i].Err = fmt.Errorf("%w: %s", ErrFlowAlreadyRunning, flows[i].Name)
			continue
		}
		// Один и тот же flow дважды в пакете запускается один раз.
		running[flows[i].Name] = true

		eligible = append(eligible, i)
		descriptions = append(descriptions, flows[i].TaskDescription())
	}

	if approved == 0 {
		telemetry.LaunchesTotal.WithLabelValues("no_approved").Inc()
		return outcomes, ErrNoApprovedFlows
	}
	if len(eligible) == 0 {
		telemetry.LaunchesTotal.WithLabelValues("conflict").Inc()
		return outcomes, ErrFlowAlreadyRunning
	}

	log.Info("launching flows", "count", len(eligible), "skipped", len(flows)-len(eligible))

	descs, err := l.creator.CreateTasks(ctx, descriptions)
	if err != nil {
		telemetry.LaunchesTotal.WithLabelValues("failed").Inc()
		log.Error("batch task creation failed", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}
	if len(descs) != len(eligible) {
		telemetry.LaunchesTotal.WithLabelValues("failed").Inc()
		log.Error("batch task creation returned wrong count", "want", len(eligible), "got", len(descs))
		return nil, fmt.Errorf("%w: expected %d tasks, got %d", ErrLaunchFailed, len(eligible), len(descs))
	}

	// Tasks уже созданы удалённо: записи нужно сохранить даже при отмене ctx.
	persistCtx := context.WithoutCancel(ctx)

	g := new(errgroup.Group)
	g.SetLimit(l.concurrency)

	for k, idx := range eligible {
		g.Go(func() error {
			outcomes[idx] = l.persistAndConnect(persistCtx, parentID, flows[idx], descs[k])
			return nil
		})
	}
	g.Wait()

	if err := l.store.SyncParentSessionProgress(persistCtx, parentID); err != nil {
		log.Warn("failed to sync parent session progress", "error", err)
	}

	started, degraded := 0, 0
	for _, o := range outcomes {
		switch o.Status {
		case LaunchStarted:
			started++
		case LaunchDegraded:
			degraded++
		}
	}
	telemetry.LaunchesTotal.WithLabelValues("started").Add(float64(started))
	telemetry.LaunchesTotal.WithLabelValues("degraded").Add(float64(degraded))

	log.Info("flows launched", "started", started, "degraded", degraded)
	return outcomes, nil
}

// persistAndConnect сохраняет запись одного task и подключает поток.
func (l *Launcher) persistAndConnect(ctx context.Context, parentID uuid.UUID, flow domain.Flow, desc domain.TaskDescriptor) LaunchOutcome {
	log := telemetry.WithTaskID(l.logger, desc.TaskID)

	ts := domain.NewTaskSession(parentID, &flow, desc)

	writeCtx, cancel := context.WithTimeout(ctx, l.timeout)
	id, err := l.store.CreateTaskSession(writeCtx, ts)
	cancel()
	if err != nil {
		telemetry.StoreWrites.WithLabelValues("create", "error").Inc()
		log.Error("failed to persist task record", "flow", flow.Name, "error", err)
		l.stopOrphan(ctx, desc.TaskID)

		flow.Status = domain.FlowStatusFailed
		return LaunchOutcome{
			Flow:   flow,
			Status: LaunchDegraded,
			Err:    fmt.Errorf("%w: %s: %v", ErrPersistFailed, desc.TaskID, err),
		}
	}
	telemetry.StoreWrites.WithLabelValues("create", "ok").Inc()
	ts.ID = id

	tracked := l.reconciler.Track(*ts)
	l.manager.Connect(tracked)

	flow.Status = domain.FlowStatusFromTask(tracked.Status)
	return LaunchOutcome{
		Flow:    flow,
		Status:  LaunchStarted,
		Session: &tracked,
	}
}

// runningFlows собирает имена flows с незавершёнными tasks.
// При ошибке хранилища используются только локально отслеживаемые tasks.
func (l *Launcher) runningFlows(ctx context.Context, parentID uuid.UUID) map[string]bool {
	running := l.reconciler.ActiveFlowNames(parentID)

	active, err := l.store.ListActiveTaskSessions(ctx, parentID)
	if err != nil {
		l.logger.Warn("failed to list active tasks, using local view", "parent_session_id", parentID, "error", err)
		return running
	}
	for _, ts := range active {
		running[ts.FlowName] = true
	}
	return running
}

// stopOrphan останавливает удалённый task, который не будет отслеживаться.
func (l *Launcher) stopOrphan(ctx context.Context, taskID string) {
	if l.stopper == nil {
		return
	}
	stopCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	if err := l.stopper.StopTask(stopCtx, taskID); err != nil {
		l.logger.Warn("failed to stop orphaned task", "task_id", taskID, "error", err)
	}
}
