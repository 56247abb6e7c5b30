package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Flowstream/internal/domain"
	"github.com/shaiso/Flowstream/internal/mq"
)

func viewStatus(o *Orchestrator, taskID string) domain.TaskStatus {
	ts, ok := o.view.Get(taskID)
	if !ok {
		return ""
	}
	return ts.Status
}

func launchAndActivate(t *testing.T, env *testEnv, parent uuid.UUID, names ...string) {
	t.Helper()
	ctx := context.Background()
	if _, err := env.orch.SwitchActiveParentSession(ctx, parent); err != nil {
		t.Fatalf("switch: %v", err)
	}
	if _, err := env.orch.LaunchApprovedFlows(ctx, parent, approvedFlows(names...)); err != nil {
		t.Fatalf("launch: %v", err)
	}
}

func TestOrchestrator_LaunchStreamsAndCompletes(t *testing.T) {
	env := newTestEnv(t)
	parent := env.newParent(t, "checkout")
	launchAndActivate(t, env, parent, "login", "search", "cart")

	snap := env.orch.ViewModelSnapshot()
	if len(snap.Tasks) != 3 {
		t.Fatalf("expected 3 tasks in view, got %d", len(snap.Tasks))
	}
	for _, ts := range snap.Tasks {
		if ts.Status != domain.TaskStatusExecuting {
			t.Errorf("%s: expected executing, got %s", ts.TaskID, ts.Status)
		}
	}

	for _, id := range []string{"t1", "t2", "t3"} {
		env.dialer.stream(id).push(statusFrame(id, "https://live/"+id))
	}
	for _, id := range []string{"t1", "t2", "t3"} {
		waitFor(t, id+" running", func() bool { return viewStatus(env.orch, id) == domain.TaskStatusRunning })
		ts, _ := env.orch.view.Get(id)
		if ts.LiveViewURL != "https://live/"+id {
			t.Errorf("%s: live url = %q", id, ts.LiveViewURL)
		}
	}

	env.dialer.stream("t2").push(stepFrame("t2", 1, "https://shop/cart", "open cart"))
	env.dialer.stream("t2").push(completionFrame("t2", "finished", "cart ok"))
	waitFor(t, "t2 completed", func() bool { return viewStatus(env.orch, "t2") == domain.TaskStatusCompleted })
	waitFor(t, "t2 stream closed", func() bool { return env.orch.StreamState("t2") == ConnClosed })

	stored, err := env.store.GetByTaskID(context.Background(), "t2")
	if err != nil {
		t.Fatalf("get t2: %v", err)
	}
	if stored.Output != "cart ok" || stored.CompletedAt == nil {
		t.Errorf("completion not persisted: %+v", stored)
	}

	for _, id := range []string{"t1", "t3"} {
		if env.orch.StreamState(id) != ConnOpen {
			t.Errorf("%s: expected open stream, got %s", id, env.orch.StreamState(id))
		}
		if viewStatus(env.orch, id) != domain.TaskStatusRunning {
			t.Errorf("%s: expected running, got %s", id, viewStatus(env.orch, id))
		}
	}

	waitFor(t, "parent progress", func() bool {
		p, err := env.store.GetParentSession(context.Background(), parent)
		return err == nil && p.TotalFlows == 3 && p.CompletedFlows == 1
	})
	if env.notifier.count() == 0 {
		t.Error("no task updates published")
	}
}

func TestOrchestrator_ErrorEventFailsTask(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	parent := env.newParent(t, "checkout")
	launchAndActivate(t, env, parent, "login")

	env.dialer.stream("t1").push(errorFrame("t1", "timeout"))
	waitFor(t, "t1 failed", func() bool { return storedStatus(t, env.store, "t1") == domain.TaskStatusFailed })
	waitFor(t, "t1 closed", func() bool { return env.orch.StreamState("t1") == ConnClosed })

	stored, _ := env.store.GetByTaskID(ctx, "t1")
	if stored.ErrorMessage != "timeout" || stored.CompletedAt == nil {
		t.Errorf("failure not recorded: %+v", stored)
	}

	out := env.orch.reconciler.Apply(ctx, mustParse(t, statusFrame("t1", "https://live/late")))
	if out != OutcomeDroppedTerminal {
		t.Errorf("late event: expected %s, got %s", OutcomeDroppedTerminal, out)
	}
	if viewStatus(env.orch, "t1") != domain.TaskStatusFailed {
		t.Errorf("view regressed: %s", viewStatus(env.orch, "t1"))
	}
}

func TestOrchestrator_SwitchKeepsBackgroundStreams(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	a := env.newParent(t, "A")
	b := env.newParent(t, "B")
	launchAndActivate(t, env, a, "login")

	if _, err := env.orch.SwitchActiveParentSession(ctx, b); err != nil {
		t.Fatalf("switch to B: %v", err)
	}
	if n := len(env.orch.ViewModelSnapshot().Tasks); n != 0 {
		t.Errorf("expected empty view for B, got %d", n)
	}
	if env.orch.StreamState("t1") == ConnClosed {
		t.Error("switch closed a background stream")
	}

	// Поток сессии A продолжает сливаться в хранилище.
	env.dialer.stream("t1").push(statusFrame("t1", "https://live/t1"))
	waitFor(t, "t1 running in store", func() bool { return storedStatus(t, env.store, "t1") == domain.TaskStatusRunning })
	if _, ok := env.orch.view.Get("t1"); ok {
		t.Error("B view shows a task of A")
	}

	if _, err := env.orch.SwitchActiveParentSession(ctx, a); err != nil {
		t.Fatalf("switch back to A: %v", err)
	}
	got := viewStatus(env.orch, "t1")
	if got.Rank() < domain.TaskStatusRunning.Rank() {
		t.Errorf("expected running or further, got %s", got)
	}
	if env.dialer.dialCount("t1") != 1 {
		t.Errorf("expected stream reused, got %d dials", env.dialer.dialCount("t1"))
	}
}

func TestOrchestrator_SwitchRoundTripReproducesView(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	a := env.newParent(t, "A")
	b := env.newParent(t, "B")
	launchAndActivate(t, env, a, "login", "search")

	env.dialer.stream("t1").push(completionFrame("t1", "finished", "ok"))
	waitFor(t, "t1 completed", func() bool { return viewStatus(env.orch, "t1") == domain.TaskStatusCompleted })

	before := env.orch.ViewModelSnapshot()

	if _, err := env.orch.SwitchActiveParentSession(ctx, b); err != nil {
		t.Fatalf("switch to B: %v", err)
	}
	if _, err := env.orch.SwitchActiveParentSession(ctx, a); err != nil {
		t.Fatalf("switch to A: %v", err)
	}
	after := env.orch.ViewModelSnapshot()

	if len(before.Tasks) != len(after.Tasks) {
		t.Fatalf("task count changed: %d -> %d", len(before.Tasks), len(after.Tasks))
	}
	for i := range before.Tasks {
		if before.Tasks[i].TaskID != after.Tasks[i].TaskID || before.Tasks[i].Status != after.Tasks[i].Status {
			t.Errorf("position %d: %s/%s -> %s/%s", i,
				before.Tasks[i].TaskID, before.Tasks[i].Status,
				after.Tasks[i].TaskID, after.Tasks[i].Status)
		}
	}
}

func TestOrchestrator_SubscribeReceivesUpdates(t *testing.T) {
	env := newTestEnv(t)
	parent := env.newParent(t, "checkout")
	launchAndActivate(t, env, parent, "login")

	ch, cancel := env.orch.Subscribe(16)
	defer cancel()

	env.dialer.stream("t1").push(statusFrame("t1", "https://live/t1"))

	deadline := time.After(3 * time.Second)
	for {
		select {
		case c := <-ch:
			if c.Kind == ChangeUpsert && c.Task != nil && c.Task.Status == domain.TaskStatusRunning {
				return
			}
		case <-deadline:
			t.Fatal("no running update received")
		}
	}
}

func TestOrchestrator_CancelTask(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	parent := env.newParent(t, "checkout")
	launchAndActivate(t, env, parent, "login")

	ts, err := env.orch.CancelTask(ctx, "t1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if ts.Status != domain.TaskStatusTerminated {
		t.Errorf("expected terminated, got %s", ts.Status)
	}
	if storedStatus(t, env.store, "t1") != domain.TaskStatusTerminated {
		t.Error("termination not persisted")
	}
	if env.orch.StreamState("t1") != ConnClosed {
		t.Errorf("expected closed stream, got %s", env.orch.StreamState("t1"))
	}
	if len(env.stopper.stopped) != 1 || env.stopper.stopped[0] != "t1" {
		t.Errorf("remote task not stopped: %v", env.stopper.stopped)
	}

	if _, err := env.orch.CancelTask(ctx, "t1"); !errors.Is(err, ErrTaskFinished) {
		t.Errorf("expected ErrTaskFinished, got %v", err)
	}
	if _, err := env.orch.CancelTask(ctx, "ghost"); !errors.Is(err, ErrTaskNotTracked) {
		t.Errorf("expected ErrTaskNotTracked, got %v", err)
	}
}

func TestOrchestrator_ActiveParentSession(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.orch.ActiveParentSession(); !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("expected ErrNoActiveSession, got %v", err)
	}

	parent := env.newParent(t, "checkout")
	if _, err := env.orch.SwitchActiveParentSession(context.Background(), parent); err != nil {
		t.Fatalf("switch: %v", err)
	}
	id, err := env.orch.ActiveParentSession()
	if err != nil || id != parent {
		t.Errorf("expected %s, got %s (%v)", parent, id, err)
	}
	if env.orch.Stats().ActiveParentSession != parent {
		t.Error("stats do not report active session")
	}
}

func TestOrchestrator_StartStop(t *testing.T) {
	env := newTestEnv(t)
	if err := env.orch.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	env.orch.Stop()
	env.orch.Stop()

	if !env.orch.IsStopped() {
		t.Error("expected stopped")
	}
	if _, err := env.orch.LaunchApprovedFlows(context.Background(), uuid.New(), approvedFlows("a")); !errors.Is(err, ErrOrchestratorStopped) {
		t.Errorf("expected ErrOrchestratorStopped, got %v", err)
	}
}

func TestOrchestrator_StartRejectsBadSchedule(t *testing.T) {
	o := New(Config{
		Store:           newFlakyStore(),
		Creator:         &fakeCreator{},
		Dialer:          newFakeDialer(),
		RefreshSchedule: "every now and then",
	})
	t.Cleanup(o.Stop)

	if err := o.Start(context.Background()); err == nil {
		t.Error("expected schedule error")
	}
}

func delivery(t *testing.T, typ mq.MessageType, payload any) *mq.Delivery {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &mq.Delivery{Message: mq.Envelope{ID: uuid.NewString(), Type: typ, Payload: data}}
}

func TestHandleFlowsLaunch(t *testing.T) {
	ctx := context.Background()

	t.Run("launches flows", func(t *testing.T) {
		env := newTestEnv(t)
		parent := env.newParent(t, "checkout")
		d := delivery(t, mq.MessageTypeFlowsLaunch, mq.FlowsLaunchPayload{
			ParentSessionID: parent,
			Flows:           approvedFlows("login"),
		})
		if err := env.orch.handleFlowsLaunch(ctx, d); err != nil {
			t.Fatalf("handle: %v", err)
		}
		if storedStatus(t, env.store, "t1") != domain.TaskStatusExecuting {
			t.Error("task record not created")
		}
	})

	t.Run("missing parent is permanent", func(t *testing.T) {
		env := newTestEnv(t)
		d := delivery(t, mq.MessageTypeFlowsLaunch, mq.FlowsLaunchPayload{Flows: approvedFlows("login")})
		if err := env.orch.handleFlowsLaunch(ctx, d); !errors.Is(err, mq.ErrPermanent) {
			t.Errorf("expected ErrPermanent, got %v", err)
		}
	})

	t.Run("invalid payload is permanent", func(t *testing.T) {
		env := newTestEnv(t)
		d := &mq.Delivery{Message: mq.Envelope{Type: mq.MessageTypeFlowsLaunch, Payload: []byte(`{"flows":`)}}
		if err := env.orch.handleFlowsLaunch(ctx, d); !errors.Is(err, mq.ErrPermanent) {
			t.Errorf("expected ErrPermanent, got %v", err)
		}
	})

	t.Run("nothing approved is acked", func(t *testing.T) {
		env := newTestEnv(t)
		parent := env.newParent(t, "checkout")
		flows := approvedFlows("login")
		flows[0].Approved = false
		d := delivery(t, mq.MessageTypeFlowsLaunch, mq.FlowsLaunchPayload{ParentSessionID: parent, Flows: flows})
		if err := env.orch.handleFlowsLaunch(ctx, d); err != nil {
			t.Errorf("expected nil, got %v", err)
		}
	})

	t.Run("remote failure is retried", func(t *testing.T) {
		env := newTestEnv(t)
		parent := env.newParent(t, "checkout")
		env.creator.err = errors.New("502 bad gateway")
		d := delivery(t, mq.MessageTypeFlowsLaunch, mq.FlowsLaunchPayload{ParentSessionID: parent, Flows: approvedFlows("login")})
		err := env.orch.handleFlowsLaunch(ctx, d)
		if !errors.Is(err, ErrLaunchFailed) || errors.Is(err, mq.ErrPermanent) {
			t.Errorf("expected retryable ErrLaunchFailed, got %v", err)
		}
	})
}

func TestHandleSessionActivate(t *testing.T) {
	env := newTestEnv(t)
	parent := env.newParent(t, "checkout")

	d := delivery(t, mq.MessageTypeSessionActivate, mq.SessionActivatePayload{ParentSessionID: parent})
	if err := env.orch.handleSessionActivate(context.Background(), d); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if id, _ := env.orch.ActiveParentSession(); id != parent {
		t.Errorf("expected active %s, got %s", parent, id)
	}

	bad := delivery(t, mq.MessageTypeSessionActivate, mq.SessionActivatePayload{})
	if err := env.orch.handleSessionActivate(context.Background(), bad); !errors.Is(err, mq.ErrPermanent) {
		t.Errorf("expected ErrPermanent, got %v", err)
	}
}
