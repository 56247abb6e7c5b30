package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/shaiso/Flowstream/internal/domain"
	"github.com/shaiso/Flowstream/internal/mq"
)

// Default configuration values.
const (
	defaultRetention = time.Hour
)

// Orchestrator: точка входа для клиентов: HTTP API, CLI, команды RabbitMQ.
//
// Orchestrator собирает компоненты и управляет их жизненным циклом:
//   - Launcher запускает одобренные flows
//   - Manager держит потоки событий
//   - Reconciler сливает события с записями
//   - Switcher переключает активную сессию
//   - cron периодически сверяет активную сессию с хранилищем
type Orchestrator struct {
	stopper    TaskStopper
	view       *ViewModel
	reconciler *Reconciler
	manager    *Manager
	launcher   *Launcher
	switcher   *Switcher

	// MQ
	conn             *mq.Connection
	launchConsumer   *mq.Consumer
	activateConsumer *mq.Consumer

	// Refresh
	refreshSchedule string
	retention       time.Duration
	scheduler       *cron.Cron

	// Lifecycle
	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// Config: конфигурация Orchestrator.
type Config struct {
	Store   Store
	Creator TaskCreator
	Dialer  Dialer

	// Stopper останавливает удалённые tasks при отмене. Необязателен.
	Stopper TaskStopper

	// Notifier получает изменения TaskSession. Необязателен.
	Notifier Notifier

	// Conn: если задан, запускаются consumers команд flows.launch и sessions.activate.
	Conn *mq.Connection

	// RefreshSchedule: расписание сверки активной сессии (default: "@every 10s").
	RefreshSchedule string

	// Retention: сколько помнить финальные tasks неактивных сессий (default: 1h).
	Retention time.Duration

	WriteTimeout       time.Duration
	PersistConcurrency int

	Logger *slog.Logger
}

// New создаёт новый Orchestrator.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	schedule := cfg.RefreshSchedule
	if schedule == "" {
		schedule = DefaultRefreshSchedule
	}

	retention := cfg.Retention
	if retention <= 0 {
		retention = defaultRetention
	}

	view := NewViewModel()
	reconciler := NewReconciler(ReconcilerConfig{
		Store:        cfg.Store,
		View:         view,
		Notifier:     cfg.Notifier,
		WriteTimeout: cfg.WriteTimeout,
		Logger:       logger,
	})
	manager := NewManager(ManagerConfig{
		Dialer: cfg.Dialer,
		Sink:   reconciler,
		Logger: logger,
	})
	launcher := NewLauncher(LauncherConfig{
		Store:              cfg.Store,
		Creator:            cfg.Creator,
		Reconciler:         reconciler,
		Manager:            manager,
		Stopper:            cfg.Stopper,
		PersistConcurrency: cfg.PersistConcurrency,
		WriteTimeout:       cfg.WriteTimeout,
		Logger:             logger,
	})
	switcher := NewSwitcher(SwitcherConfig{
		Store:      cfg.Store,
		Reconciler: reconciler,
		Manager:    manager,
		View:       view,
		Logger:     logger,
	})

	return &Orchestrator{
		stopper:         cfg.Stopper,
		view:            view,
		reconciler:      reconciler,
		manager:         manager,
		launcher:        launcher,
		switcher:        switcher,
		conn:            cfg.Conn,
		refreshSchedule: schedule,
		retention:       retention,
		logger:          logger,
	}
}

// Start запускает фоновые процессы.
//
// Запускает:
//   - cron сверки активной сессии
//   - Consumers flows.launch и sessions.activate (если задан Conn)
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := ValidateSchedule(o.refreshSchedule); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	o.cancelFunc = cancel

	o.logger.Info("starting orchestrator", "refresh_schedule", o.refreshSchedule)

	o.scheduler = newScheduler(o.logger)
	if _, err := o.scheduler.AddFunc(o.refreshSchedule, func() { o.refresh(ctx) }); err != nil {
		cancel()
		return fmt.Errorf("schedule refresh: %w", err)
	}
	o.scheduler.Start()

	if o.conn != nil {
		o.launchConsumer = mq.NewConsumer(o.conn, o.logger, mq.ConsumerConfig{
			Queue:    string(mq.QueueFlowsLaunch),
			Handler:  o.handleFlowsLaunch,
			Prefetch: 4,
		})
		o.activateConsumer = mq.NewConsumer(o.conn, o.logger, mq.ConsumerConfig{
			Queue:   string(mq.QueueSessionsActivate),
			Handler: o.handleSessionActivate,
		})

		for _, c := range []*mq.Consumer{o.launchConsumer, o.activateConsumer} {
			o.wg.Add(1)
			go func() {
				defer o.wg.Done()
				if err := c.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
					o.logger.Error("consumer error", "error", err)
				}
			}()
		}
	}

	o.logger.Info("orchestrator started")
	return nil
}

// Stop останавливает Orchestrator и закрывает все потоки.
func (o *Orchestrator) Stop() {
	o.stoppedMu.Lock()
	if o.stopped {
		o.stoppedMu.Unlock()
		return
	}
	o.stopped = true
	o.stoppedMu.Unlock()

	o.logger.Info("stopping orchestrator...")

	if o.cancelFunc != nil {
		o.cancelFunc()
	}
	if o.launchConsumer != nil {
		o.launchConsumer.Stop()
	}
	if o.activateConsumer != nil {
		o.activateConsumer.Stop()
	}
	if o.scheduler != nil {
		<-o.scheduler.Stop().Done()
	}

	o.manager.CloseAll()
	o.wg.Wait()

	tracked, live := o.reconciler.Counts()
	o.logger.Info("orchestrator stopped", "tracked_tasks", tracked, "unfinished_tasks", live)
}

// IsStopped проверяет, остановлен ли Orchestrator.
func (o *Orchestrator) IsStopped() bool {
	o.stoppedMu.RLock()
	defer o.stoppedMu.RUnlock()
	return o.stopped
}

// LaunchApprovedFlows запускает одобренные flows сессии parentID.
func (o *Orchestrator) LaunchApprovedFlows(ctx context.Context, parentID uuid.UUID, flows []domain.Flow) ([]LaunchOutcome, error) {
	if o.IsStopped() {
		return nil, ErrOrchestratorStopped
	}
	return o.launcher.Launch(ctx, parentID, flows)
}

// SwitchActiveParentSession делает parentID активной сессией.
func (o *Orchestrator) SwitchActiveParentSession(ctx context.Context, parentID uuid.UUID) (SwitchResult, error) {
	if o.IsStopped() {
		return SwitchResult{}, ErrOrchestratorStopped
	}
	return o.switcher.Switch(ctx, parentID), nil
}

// ActiveParentSession возвращает активную сессию.
func (o *Orchestrator) ActiveParentSession() (uuid.UUID, error) {
	id := o.view.ActiveParent()
	if id == uuid.Nil {
		return uuid.Nil, ErrNoActiveSession
	}
	return id, nil
}

// ViewModelSnapshot возвращает проекцию активной сессии.
func (o *Orchestrator) ViewModelSnapshot() Snapshot {
	return o.view.Snapshot()
}

// Subscribe подписывает на изменения проекции.
func (o *Orchestrator) Subscribe(buf int) (<-chan Change, func()) {
	return o.view.Subscribe(buf)
}

// CancelTask останавливает поток task, помечает его terminated и,
// если задан Stopper, останавливает удалённый task.
func (o *Orchestrator) CancelTask(ctx context.Context, taskID string) (domain.TaskSession, error) {
	if o.IsStopped() {
		return domain.TaskSession{}, ErrOrchestratorStopped
	}

	o.manager.Stop(taskID)

	ts, err := o.reconciler.Terminate(ctx, taskID)
	if err != nil {
		return ts, err
	}

	if o.stopper != nil {
		if err := o.stopper.StopTask(ctx, taskID); err != nil {
			o.logger.Warn("failed to stop remote task", "task_id", taskID, "error", err)
		}
	}
	return ts, nil
}

// Stats: текущее состояние оркестратора.
type Stats struct {
	ActiveParentSession uuid.UUID `json:"active_parent_session,omitempty"`
	OpenStreams         int       `json:"open_streams"`
	TrackedTasks        int       `json:"tracked_tasks"`
	UnfinishedTasks     int       `json:"unfinished_tasks"`
	ViewTasks           int       `json:"view_tasks"`
	Subscribers         int       `json:"subscribers"`
	NeedsRefresh        bool      `json:"needs_refresh"`
}

// Stats возвращает текущее состояние.
func (o *Orchestrator) Stats() Stats {
	tracked, live := o.reconciler.Counts()
	snap := o.view.Snapshot()
	return Stats{
		ActiveParentSession: snap.ParentSessionID,
		OpenStreams:         o.manager.ActiveCount(),
		TrackedTasks:        tracked,
		UnfinishedTasks:     live,
		ViewTasks:           len(snap.Tasks),
		Subscribers:         o.view.SubscriberCount(),
		NeedsRefresh:        o.switcher.NeedsRetry(),
	}
}

// StreamState возвращает состояние соединения потока task.
func (o *Orchestrator) StreamState(taskID string) ConnState {
	return o.manager.State(taskID)
}

// refresh: периодическая сверка с хранилищем и очистка старых записей.
func (o *Orchestrator) refresh(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	res := o.switcher.Refresh(ctx)
	if res.Attached > 0 || res.Stopped > 0 {
		o.logger.Info("active session refreshed",
			"parent_session_id", res.ParentSessionID,
			"attached", res.Attached,
			"stopped", res.Stopped,
		)
	}

	pruned := o.reconciler.Prune(time.Now().Add(-o.retention), o.view.ActiveParent())
	if len(pruned) > 0 {
		o.manager.Forget(pruned...)
		o.logger.Debug("pruned finished tasks", "count", len(pruned))
	}
}
