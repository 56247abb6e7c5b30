package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Flowstream/internal/domain"
)

func newTestReconciler(store Store, view *ViewModel) *Reconciler {
	return NewReconciler(ReconcilerConfig{
		Store:           store,
		View:            view,
		WriteTimeout:    time.Second,
		NotFoundRetries: 5,
		RetryDelay:      10 * time.Millisecond,
	})
}

func newTrackedSession(t *testing.T, store *flakyStore, r *Reconciler, parentID uuid.UUID, taskID string) domain.TaskSession {
	t.Helper()
	flow := &domain.Flow{Name: "flow-" + taskID, Approved: true}
	ts := domain.NewTaskSession(parentID, flow, domain.TaskDescriptor{TaskID: taskID})
	if _, err := store.CreateTaskSession(context.Background(), ts); err != nil {
		t.Fatalf("create task session: %v", err)
	}
	return r.Track(*ts)
}

func mustParse(t *testing.T, frame []byte) *domain.StreamEvent {
	t.Helper()
	ev, err := domain.ParseStreamEvent(frame)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return &ev
}

func TestReconciler_UnknownTaskDropped(t *testing.T) {
	store := newFlakyStore()
	r := newTestReconciler(store, nil)

	out := r.Apply(context.Background(), mustParse(t, statusFrame("ghost", "https://live/ghost")))
	if out != OutcomeDroppedUnknown {
		t.Errorf("expected %s, got %s", OutcomeDroppedUnknown, out)
	}
	if _, err := store.GetByTaskID(context.Background(), "ghost"); err == nil {
		t.Error("phantom record created")
	}
	if _, ok := r.Tracked("ghost"); ok {
		t.Error("phantom task tracked")
	}
}

func TestReconciler_StatusEventPersisted(t *testing.T) {
	ctx := context.Background()
	store := newFlakyStore()
	r := newTestReconciler(store, nil)
	newTrackedSession(t, store, r, uuid.New(), "t1")

	if out := r.Apply(ctx, mustParse(t, statusFrame("t1", "https://live/t1"))); out != OutcomeApplied {
		t.Fatalf("expected applied, got %s", out)
	}

	got, _ := store.GetByTaskID(ctx, "t1")
	if got.Status != domain.TaskStatusRunning {
		t.Errorf("expected running, got %s", got.Status)
	}
	if got.LiveViewURL != "https://live/t1" {
		t.Errorf("unexpected live url %q", got.LiveViewURL)
	}

	// Повтор того же события ничего не меняет.
	if out := r.Apply(ctx, mustParse(t, statusFrame("t1", "https://live/t1"))); out != OutcomeUnchanged {
		t.Errorf("expected unchanged, got %s", out)
	}
}

func TestReconciler_CompletionReplayIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newFlakyStore()
	r := newTestReconciler(store, nil)
	newTrackedSession(t, store, r, uuid.New(), "t1")

	r.Apply(ctx, mustParse(t, completionFrame("t1", "finished", "all good")))
	first, _ := store.GetByTaskID(ctx, "t1")

	out := r.Apply(ctx, mustParse(t, completionFrame("t1", "finished", "all good")))
	if out != OutcomeDroppedTerminal {
		t.Errorf("expected dropped_terminal on replay, got %s", out)
	}
	second, _ := store.GetByTaskID(ctx, "t1")

	if first.Status != domain.TaskStatusCompleted || second.Status != first.Status {
		t.Errorf("unexpected statuses: %s, %s", first.Status, second.Status)
	}
	if first.CompletedAt == nil || second.CompletedAt == nil || !first.CompletedAt.Equal(*second.CompletedAt) {
		t.Error("completed_at changed on replay")
	}
	if second.Output != "all good" {
		t.Errorf("unexpected output %q", second.Output)
	}
}

func TestReconciler_NothingAfterTerminal(t *testing.T) {
	ctx := context.Background()
	store := newFlakyStore()
	r := newTestReconciler(store, nil)
	newTrackedSession(t, store, r, uuid.New(), "t1")

	r.Apply(ctx, mustParse(t, errorFrame("t1", "timeout")))

	for _, frame := range [][]byte{
		statusFrame("t1", "https://live/late"),
		stepFrame("t1", 9, "https://late", "late goal"),
		completionFrame("t1", "finished", "late"),
	} {
		if out := r.Apply(ctx, mustParse(t, frame)); out != OutcomeDroppedTerminal {
			t.Errorf("expected dropped_terminal, got %s", out)
		}
	}

	got, _ := r.Tracked("t1")
	if got.Status != domain.TaskStatusFailed || got.ErrorMessage != "timeout" {
		t.Errorf("unexpected record: %s %q", got.Status, got.ErrorMessage)
	}
	if got.LiveViewURL != "" || got.Progress != 0 {
		t.Errorf("terminal record modified: %+v", got)
	}
}

func TestReconciler_StatusSequenceNonDecreasing(t *testing.T) {
	ctx := context.Background()
	store := newFlakyStore()
	r := newTestReconciler(store, nil)
	newTrackedSession(t, store, r, uuid.New(), "t1")

	frames := [][]byte{
		stepFrame("t1", 1, "https://a", "open page"),
		statusFrame("t1", "https://live/t1"),
		stepFrame("t1", 2, "https://b", "click"),
		statusFrame("t1", ""),
		completionFrame("t1", "finished", "ok"),
		statusFrame("t1", "https://live/other"),
	}

	prev := -1
	for _, f := range frames {
		r.Apply(ctx, mustParse(t, f))
		got, _ := store.GetByTaskID(ctx, "t1")
		if got.Status.Rank() < prev {
			t.Fatalf("status went backwards to %s", got.Status)
		}
		prev = got.Status.Rank()
	}

	got, _ := store.GetByTaskID(ctx, "t1")
	if got.Status != domain.TaskStatusCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
	if got.LiveViewURL != "https://live/t1" {
		t.Errorf("live url changed after terminal: %q", got.LiveViewURL)
	}
}

func TestReconciler_UpdateBeforeCreateRetried(t *testing.T) {
	ctx := context.Background()
	store := newFlakyStore()
	r := newTestReconciler(store, nil)

	parentID := uuid.New()
	flow := &domain.Flow{Name: "late", Approved: true}
	ts := domain.NewTaskSession(parentID, flow, domain.TaskDescriptor{TaskID: "t1"})
	r.Track(*ts)

	// Запись появляется в хранилище позже первой попытки обновления.
	go func() {
		time.Sleep(25 * time.Millisecond)
		store.CreateTaskSession(ctx, ts)
	}()

	r.Apply(ctx, mustParse(t, statusFrame("t1", "https://live/t1")))

	got, err := store.GetByTaskID(ctx, "t1")
	if err != nil {
		t.Fatalf("record missing: %v", err)
	}
	if got.Status != domain.TaskStatusRunning {
		t.Errorf("expected running after retry, got %s", got.Status)
	}

	all, _ := store.ListTaskSessions(ctx, parentID)
	if len(all) != 1 {
		t.Errorf("expected exactly one record, got %d", len(all))
	}
}

func TestReconciler_UpdateNeverCreatesRecord(t *testing.T) {
	ctx := context.Background()
	store := newFlakyStore()
	r := newTestReconciler(store, nil)

	parentID := uuid.New()
	ts := domain.NewTaskSession(parentID, &domain.Flow{Name: "x"}, domain.TaskDescriptor{TaskID: "t1"})
	r.Track(*ts)

	if out := r.Apply(ctx, mustParse(t, statusFrame("t1", "https://live/t1"))); out != OutcomeApplied {
		t.Errorf("expected applied locally, got %s", out)
	}

	all, _ := store.ListTaskSessions(ctx, parentID)
	if len(all) != 0 {
		t.Errorf("update created %d records", len(all))
	}
}

func TestReconciler_AdoptMergesStoreRecords(t *testing.T) {
	ctx := context.Background()
	store := newFlakyStore()
	r := newTestReconciler(store, nil)
	parentID := uuid.New()

	local := newTrackedSession(t, store, r, parentID, "t1")
	r.Apply(ctx, mustParse(t, statusFrame("t1", "https://live/t1")))

	// Другой клиент закрыл task в хранилище.
	store.CloseTaskSession(ctx, domain.TaskClose{
		TaskID:      "t1",
		Status:      domain.TaskStatusTerminated,
		CompletedAt: time.Now(),
	})
	records, _ := store.ListTaskSessions(ctx, parentID)

	results := r.Adopt(ctx, records)
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	res := results[0]
	if !res.Changed || !res.BecameTerminal {
		t.Errorf("expected changed terminal result, got %+v", res)
	}
	if res.Session.Status != domain.TaskStatusTerminated {
		t.Errorf("expected terminated, got %s", res.Session.Status)
	}
	if res.Session.LiveViewURL != "https://live/t1" {
		t.Errorf("live url lost on merge: %q", res.Session.LiveViewURL)
	}
	if res.Session.ParentSessionID != local.ParentSessionID {
		t.Error("parent session changed on merge")
	}
}

func TestReconciler_AdoptKeepsLocalLead(t *testing.T) {
	ctx := context.Background()
	store := newFlakyStore()
	r := newTestReconciler(store, nil)
	parentID := uuid.New()

	newTrackedSession(t, store, r, parentID, "t1")
	r.Apply(ctx, mustParse(t, stepFrame("t1", 3, "https://c", "submit")))

	stale := domain.TaskSession{
		TaskID:          "t1",
		ParentSessionID: parentID,
		Status:          domain.TaskStatusExecuting,
		Progress:        1,
	}
	res := r.Adopt(ctx, []domain.TaskSession{stale})[0]
	if res.Changed {
		t.Error("stale record should not change local state")
	}
	if res.Session.Progress != 3 || res.Session.CurrentAction != "submit" {
		t.Errorf("local lead lost: %+v", res.Session)
	}
}

func TestReconciler_Terminate(t *testing.T) {
	ctx := context.Background()
	store := newFlakyStore()
	r := newTestReconciler(store, nil)
	newTrackedSession(t, store, r, uuid.New(), "t1")

	ts, err := r.Terminate(ctx, "t1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ts.Status != domain.TaskStatusTerminated || ts.CompletedAt == nil {
		t.Errorf("unexpected record: %+v", ts)
	}
	if storedStatus(t, store, "t1") != domain.TaskStatusTerminated {
		t.Error("termination not persisted")
	}

	if _, err := r.Terminate(ctx, "t1"); err == nil {
		t.Error("expected error for finished task")
	}
	if _, err := r.Terminate(ctx, "missing"); err == nil {
		t.Error("expected error for unknown task")
	}
}

func TestReconciler_ViewOnlyForActiveParent(t *testing.T) {
	ctx := context.Background()
	store := newFlakyStore()
	view := NewViewModel()
	r := newTestReconciler(store, view)

	active := uuid.New()
	other := uuid.New()
	view.Clear(active)

	newTrackedSession(t, store, r, active, "a1")
	newTrackedSession(t, store, r, other, "b1")
	r.Apply(ctx, mustParse(t, statusFrame("a1", "https://live/a1")))
	r.Apply(ctx, mustParse(t, statusFrame("b1", "https://live/b1")))

	if _, ok := view.Get("b1"); ok {
		t.Error("task of inactive session leaked into view")
	}
	got, ok := view.Get("a1")
	if !ok || got.Status != domain.TaskStatusRunning {
		t.Errorf("active task not in view: %+v", got)
	}

	// Фоновый task всё равно пишется в хранилище.
	if storedStatus(t, store, "b1") != domain.TaskStatusRunning {
		t.Error("background task not persisted")
	}
}

func TestReconciler_Prune(t *testing.T) {
	ctx := context.Background()
	store := newFlakyStore()
	r := newTestReconciler(store, nil)

	keep := uuid.New()
	other := uuid.New()
	newTrackedSession(t, store, r, keep, "k1")
	newTrackedSession(t, store, r, other, "o1")
	newTrackedSession(t, store, r, other, "o2")
	r.Apply(ctx, mustParse(t, errorFrame("k1", "x")))
	r.Apply(ctx, mustParse(t, errorFrame("o1", "x")))

	pruned := r.Prune(time.Now().Add(time.Second), keep)
	if len(pruned) != 1 || pruned[0] != "o1" {
		t.Errorf("unexpected pruned list: %v", pruned)
	}
	if _, ok := r.Tracked("k1"); !ok {
		t.Error("task of kept session pruned")
	}
	if _, ok := r.Tracked("o2"); !ok {
		t.Error("unfinished task pruned")
	}
}
