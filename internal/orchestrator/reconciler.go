package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Flowstream/internal/domain"
	"github.com/shaiso/Flowstream/internal/repo"
	"github.com/shaiso/Flowstream/internal/telemetry"
)

const (
	defaultWriteTimeout    = 5 * time.Second
	defaultNotFoundRetries = 3
	defaultRetryDelay      = 200 * time.Millisecond
)

// Outcome: результат применения события.
type Outcome string

const (
	OutcomeApplied         Outcome = "applied"
	OutcomeUnchanged       Outcome = "unchanged"
	OutcomeDroppedUnknown  Outcome = "dropped_unknown"
	OutcomeDroppedTerminal Outcome = "dropped_terminal"
)

// ReconcilerConfig: конфигурация Reconciler.
type ReconcilerConfig struct {
	Store Store

	// View: проекция активной сессии. Необязательна.
	View *ViewModel

	// Notifier получает каждое применённое изменение. Необязателен.
	Notifier Notifier

	// WriteTimeout: таймаут одной записи в хранилище (default: 5s).
	WriteTimeout time.Duration

	// NotFoundRetries: сколько раз повторить запись, если хранилище
	// ещё не видит запись (default: 3).
	NotFoundRetries int

	// RetryDelay: пауза перед первым повтором, дальше удваивается (default: 200ms).
	RetryDelay time.Duration

	Logger *slog.Logger
}

// Reconciler: единственный писатель записей TaskSession.
//
// Изменения одного task сериализованы keyed-мьютексом, разные tasks
// обрабатываются параллельно. Отслеживаемые записи неизменяемы: каждое
// изменение создаёт новую копию, читатели не видят промежуточных состояний.
type Reconciler struct {
	store    Store
	view     *ViewModel
	notifier Notifier

	writeTimeout    time.Duration
	notFoundRetries int
	retryDelay      time.Duration

	locks *keyedMutex

	mu      sync.RWMutex
	tracked map[string]*domain.TaskSession

	logger *slog.Logger
}

// NewReconciler создаёт новый Reconciler.
func NewReconciler(cfg ReconcilerConfig) *Reconciler {
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}

	retries := cfg.NotFoundRetries
	if retries <= 0 {
		retries = defaultNotFoundRetries
	}

	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Reconciler{
		store:           cfg.Store,
		view:            cfg.View,
		notifier:        cfg.Notifier,
		writeTimeout:    writeTimeout,
		notFoundRetries: retries,
		retryDelay:      retryDelay,
		locks:           newKeyedMutex(),
		tracked:         make(map[string]*domain.TaskSession),
		logger:          logger.With("component", "reconciler"),
	}
}

// Apply применяет событие потока к записи task.
//
// События неизвестных и завершённых tasks отбрасываются: запись никогда
// не создаётся из события и не выходит из финального статуса.
func (r *Reconciler) Apply(ctx context.Context, ev *domain.StreamEvent) Outcome {
	unlock := r.locks.Lock(ev.TaskID)
	defer unlock()

	log := telemetry.WithTaskID(r.logger, ev.TaskID)

	cur := r.get(ev.TaskID)
	if cur == nil {
		log.Warn("event for unknown task dropped", "type", ev.Type)
		return r.count(ev, OutcomeDroppedUnknown)
	}
	if cur.IsFinished() {
		log.Debug("event for finished task dropped", "type", ev.Type, "status", cur.Status)
		return r.count(ev, OutcomeDroppedTerminal)
	}

	next := cur.Clone()
	if !next.Apply(ev) {
		return r.count(ev, OutcomeUnchanged)
	}

	r.set(&next)
	r.persist(ctx, &next)
	r.publish(ctx, next)

	if next.IsFinished() {
		log.Info("task finished",
			"status", next.Status,
			"synthetic", ev.Synthetic,
			"duration", next.Duration(),
			"error", next.ErrorMessage,
		)
	}
	return r.count(ev, OutcomeApplied)
}

// Track регистрирует запись, уже подтверждённую хранилищем.
// Если task уже отслеживается, записи сливаются.
func (r *Reconciler) Track(ts domain.TaskSession) domain.TaskSession {
	unlock := r.locks.Lock(ts.TaskID)
	defer unlock()

	cur := r.get(ts.TaskID)
	if cur == nil {
		next := ts.Clone()
		r.set(&next)
		r.putView(next)
		return next
	}

	next := cur.Clone()
	if next.MergeFrom(&ts) {
		r.set(&next)
		r.putView(next)
	}
	return next
}

// AdoptResult: результат слияния одной записи хранилища.
type AdoptResult struct {
	Session domain.TaskSession

	// Changed: локальная запись изменилась или появилась впервые.
	Changed bool

	// BecameTerminal: task был жив локально и завершился в хранилище
	// (например, закрыт другим клиентом).
	BecameTerminal bool
}

// Adopt сливает записи хранилища с отслеживаемыми.
//
// Побеждает больший статус, при равенстве остаётся локальное состояние.
// Если локально task уже финальный, а в хранилище нет (запись закрытия
// не дошла), закрытие повторяется.
func (r *Reconciler) Adopt(ctx context.Context, records []domain.TaskSession) []AdoptResult {
	results := make([]AdoptResult, 0, len(records))

	for i := range records {
		rec := &records[i]
		results = append(results, r.adoptOne(ctx, rec))
	}
	return results
}

func (r *Reconciler) adoptOne(ctx context.Context, rec *domain.TaskSession) AdoptResult {
	unlock := r.locks.Lock(rec.TaskID)
	defer unlock()

	cur := r.get(rec.TaskID)
	if cur == nil {
		next := rec.Clone()
		r.set(&next)
		r.putView(next)
		return AdoptResult{Session: next, Changed: true}
	}

	if cur.IsFinished() && !rec.IsFinished() {
		r.logger.Info("repairing unclosed task record", "task_id", rec.TaskID, "status", cur.Status)
		r.persist(ctx, cur)
		return AdoptResult{Session: cur.Clone()}
	}

	wasLive := !cur.IsFinished()
	next := cur.Clone()
	if !next.MergeFrom(rec) {
		return AdoptResult{Session: next}
	}

	r.set(&next)
	r.publish(ctx, next)
	return AdoptResult{
		Session:        next,
		Changed:        true,
		BecameTerminal: wasLive && next.IsFinished(),
	}
}

// Terminate завершает task по явной отмене (статус terminated).
func (r *Reconciler) Terminate(ctx context.Context, taskID string) (domain.TaskSession, error) {
	unlock := r.locks.Lock(taskID)
	defer unlock()

	cur := r.get(taskID)
	if cur == nil {
		return domain.TaskSession{}, fmt.Errorf("%w: %s", ErrTaskNotTracked, taskID)
	}
	if cur.IsFinished() {
		return cur.Clone(), fmt.Errorf("%w: %s", ErrTaskFinished, taskID)
	}

	next := cur.Clone()
	now := time.Now()
	next.MarkTerminal(domain.TaskStatusTerminated, "", now)
	next.UpdatedAt = now

	r.set(&next)
	r.persist(ctx, &next)
	r.publish(ctx, next)

	telemetry.WithTaskID(r.logger, taskID).Info("task terminated")
	return next, nil
}

// Tracked возвращает копию отслеживаемой записи.
func (r *Reconciler) Tracked(taskID string) (domain.TaskSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ts, ok := r.tracked[taskID]
	if !ok {
		return domain.TaskSession{}, false
	}
	return ts.Clone(), true
}

// TrackedFor возвращает копии записей ParentSession.
func (r *Reconciler) TrackedFor(parentID uuid.UUID) []domain.TaskSession {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.TaskSession
	for _, ts := range r.tracked {
		if ts.ParentSessionID == parentID {
			out = append(out, ts.Clone())
		}
	}
	return out
}

// ActiveFlowNames возвращает имена flows с незавершёнными tasks в ParentSession.
func (r *Reconciler) ActiveFlowNames(parentID uuid.UUID) map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make(map[string]bool)
	for _, ts := range r.tracked {
		if ts.ParentSessionID == parentID && !ts.IsFinished() {
			names[ts.FlowName] = true
		}
	}
	return names
}

// Counts возвращает число отслеживаемых и незавершённых tasks.
func (r *Reconciler) Counts() (tracked, live int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ts := range r.tracked {
		if !ts.IsFinished() {
			live++
		}
	}
	return len(r.tracked), live
}

// Prune забывает финальные записи, завершившиеся раньше before,
// кроме записей сессии keep. Возвращает TaskID забытых записей.
func (r *Reconciler) Prune(before time.Time, keep uuid.UUID) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var pruned []string
	for id, ts := range r.tracked {
		if ts.ParentSessionID == keep || !ts.IsFinished() || ts.CompletedAt == nil {
			continue
		}
		if ts.CompletedAt.Before(before) {
			delete(r.tracked, id)
			pruned = append(pruned, id)
		}
	}
	return pruned
}

// --- Internals ---

func (r *Reconciler) get(taskID string) *domain.TaskSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tracked[taskID]
}

func (r *Reconciler) set(ts *domain.TaskSession) {
	r.mu.Lock()
	r.tracked[ts.TaskID] = ts
	r.mu.Unlock()
}

func (r *Reconciler) count(ev *domain.StreamEvent, o Outcome) Outcome {
	telemetry.EventsTotal.WithLabelValues(string(ev.Type), string(o)).Inc()
	return o
}

// persist записывает изменение в хранилище.
//
// Запись не зависит от отмены ctx: закрытие потока не должно прерывать
// последнюю запись. Время ограничено WriteTimeout.
func (r *Reconciler) persist(ctx context.Context, ts *domain.TaskSession) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.writeTimeout)
	defer cancel()

	op := "update"
	write := func() error {
		_, err := r.store.UpdateTaskSessionStatus(writeCtx, domain.UpdateFromSession(ts))
		return err
	}
	if ts.IsFinished() {
		op = "close"
		write = func() error {
			_, err := r.store.CloseTaskSession(writeCtx, domain.CloseFromSession(ts))
			return err
		}
	}

	log := telemetry.WithTaskID(r.logger, ts.TaskID)

	err := r.withNotFoundRetry(writeCtx, write)
	switch {
	case err == nil:
		telemetry.StoreWrites.WithLabelValues(op, "ok").Inc()
	case errors.Is(err, repo.ErrNotFound):
		telemetry.StoreWrites.WithLabelValues(op, "not_found").Inc()
		log.Warn("task record not found after retries", "op", op, "status", ts.Status)
		return
	default:
		telemetry.StoreWrites.WithLabelValues(op, "error").Inc()
		log.Error("failed to write task record", "op", op, "status", ts.Status, "error", err)
		return
	}

	if ts.IsFinished() {
		if err := r.store.SyncParentSessionProgress(writeCtx, ts.ParentSessionID); err != nil && !errors.Is(err, repo.ErrNotFound) {
			log.Warn("failed to sync parent session progress", "error", err)
		}
	}
}

// withNotFoundRetry повторяет write, пока хранилище отвечает ErrNotFound.
// Запись могла быть создана, но ещё не видна (реплика, гонка с Launcher).
func (r *Reconciler) withNotFoundRetry(ctx context.Context, write func() error) error {
	delay := r.retryDelay
	var err error

	for attempt := 0; attempt <= r.notFoundRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return err
			case <-time.After(delay):
			}
			delay *= 2
		}

		err = write()
		if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
	}
	return err
}

func (r *Reconciler) publish(ctx context.Context, ts domain.TaskSession) {
	r.putView(ts)

	if r.notifier == nil {
		return
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.writeTimeout)
	defer cancel()
	if err := r.notifier.PublishTaskUpdated(pubCtx, ts); err != nil {
		telemetry.WithTaskID(r.logger, ts.TaskID).Warn("failed to publish task update", "error", err)
	}
}

func (r *Reconciler) putView(ts domain.TaskSession) {
	if r.view != nil {
		r.view.Put(ts)
	}
}
