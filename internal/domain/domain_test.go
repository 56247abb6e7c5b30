package domain

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestSession() *TaskSession {
	flow := &Flow{Name: "Login", Description: "valid credentials", Instructions: "open /login", Approved: true}
	return NewTaskSession(uuid.New(), flow, TaskDescriptor{TaskID: "t1", SessionID: "s1"})
}

// --- TaskStatus ---

func TestTaskStatus_Order(t *testing.T) {
	if !TaskStatusExecuting.CanAdvanceTo(TaskStatusRunning) {
		t.Error("executing → running should be allowed")
	}
	if !TaskStatusExecuting.CanAdvanceTo(TaskStatusCompleted) {
		t.Error("executing → completed should be allowed")
	}
	if TaskStatusRunning.CanAdvanceTo(TaskStatusExecuting) {
		t.Error("running → executing must not be allowed")
	}
	if TaskStatusRunning.CanAdvanceTo(TaskStatusRunning) {
		t.Error("same status is not an advance")
	}

	for _, terminal := range []TaskStatus{TaskStatusCompleted, TaskStatusFailed, TaskStatusTerminated} {
		if !terminal.IsTerminal() {
			t.Errorf("%s should be terminal", terminal)
		}
		for _, next := range []TaskStatus{TaskStatusExecuting, TaskStatusRunning, TaskStatusCompleted, TaskStatusFailed, TaskStatusTerminated} {
			if terminal.CanAdvanceTo(next) {
				t.Errorf("%s → %s must not be allowed", terminal, next)
			}
		}
	}

	if TaskStatus("bogus").IsValid() {
		t.Error("unknown status should be invalid")
	}
	if TaskStatusExecuting.CanAdvanceTo("bogus") {
		t.Error("advance to unknown status must not be allowed")
	}
}

func TestFlowStatusFromTask(t *testing.T) {
	cases := map[TaskStatus]FlowStatus{
		TaskStatusExecuting:  FlowStatusExecuting,
		TaskStatusRunning:    FlowStatusRunning,
		TaskStatusCompleted:  FlowStatusCompleted,
		TaskStatusFailed:     FlowStatusFailed,
		TaskStatusTerminated: FlowStatusFailed,
	}
	for in, want := range cases {
		if got := FlowStatusFromTask(in); got != want {
			t.Errorf("FlowStatusFromTask(%s) = %s, want %s", in, got, want)
		}
	}
}

// --- Flow ---

func TestFlow_TaskDescription(t *testing.T) {
	f := &Flow{Name: " Checkout ", Description: "buy one item", Instructions: "1. add to cart\n2. pay"}
	desc := f.TaskDescription()

	if !strings.HasPrefix(desc, "Checkout") {
		t.Errorf("description should start with name, got %q", desc)
	}
	if !strings.Contains(desc, "buy one item") || !strings.Contains(desc, "2. pay") {
		t.Errorf("description should include description and instructions, got %q", desc)
	}

	onlyName := (&Flow{Name: "Search"}).TaskDescription()
	if onlyName != "Search" {
		t.Errorf("expected bare name, got %q", onlyName)
	}
}

func TestFlow_ApproveRevoke(t *testing.T) {
	f := &Flow{Name: "x", Status: FlowStatusPending}
	f.Approve()
	if !f.Approved || f.Status != FlowStatusApproved {
		t.Errorf("expected approved, got %v %s", f.Approved, f.Status)
	}
	f.Revoke()
	if f.Approved || f.Status != FlowStatusPending {
		t.Errorf("expected pending, got %v %s", f.Approved, f.Status)
	}

	running := &Flow{Name: "y", Approved: true, Status: FlowStatusRunning}
	running.Revoke()
	if running.Status != FlowStatusRunning {
		t.Error("revoke must not change status of a running flow")
	}
}

// --- ParseStreamEvent ---

func TestParseStreamEvent_Types(t *testing.T) {
	ev, err := ParseStreamEvent([]byte(`{"type":"status","task_id":"t1","status":"running","live_url":" https://live/1 ","steps_count":2}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Type != EventTypeStatus || ev.TaskID != "t1" || ev.LiveURL != "https://live/1" || ev.StepsCount != 2 {
		t.Errorf("unexpected status event: %+v", ev)
	}
	if ev.ReceivedAt.IsZero() {
		t.Error("ReceivedAt should be set")
	}

	ev, err = ParseStreamEvent([]byte(`{"type":"step","task_id":"t1","step":{"step":3,"url":"https://shop/cart","next_goal":"click pay"}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Step == nil || ev.Step.Number != 3 || ev.Step.NextGoal != "click pay" {
		t.Errorf("unexpected step event: %+v", ev.Step)
	}

	ev, err = ParseStreamEvent([]byte(`{"type":"completion","status":"finished","output":"all good"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.OutputText() != "all good" {
		t.Errorf("expected unquoted output, got %q", ev.OutputText())
	}

	ev, err = ParseStreamEvent([]byte(`{"type":"completion","output":{"ok":true}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.OutputText() != `{"ok":true}` {
		t.Errorf("expected raw json output, got %q", ev.OutputText())
	}
}

func TestParseStreamEvent_Errors(t *testing.T) {
	if _, err := ParseStreamEvent([]byte(`not json`)); !errors.Is(err, ErrMalformedEvent) {
		t.Errorf("expected ErrMalformedEvent, got %v", err)
	}
	if _, err := ParseStreamEvent([]byte(`{"type":`)); !errors.Is(err, ErrMalformedEvent) {
		t.Errorf("expected ErrMalformedEvent for truncated json, got %v", err)
	}
	if _, err := ParseStreamEvent([]byte(`{"type":"heartbeat"}`)); !errors.Is(err, ErrUnknownEventType) {
		t.Errorf("expected ErrUnknownEventType, got %v", err)
	}
	if _, err := ParseStreamEvent([]byte(`{"task_id":"t1"}`)); !errors.Is(err, ErrUnknownEventType) {
		t.Errorf("expected ErrUnknownEventType for missing type, got %v", err)
	}
}

func TestStreamEvent_FinalStatus(t *testing.T) {
	cases := []struct {
		ev   StreamEvent
		want TaskStatus
	}{
		{StreamEvent{Type: EventTypeCompletion}, TaskStatusCompleted},
		{StreamEvent{Type: EventTypeCompletion, RemoteStatus: RemoteStatusFinished}, TaskStatusCompleted},
		{StreamEvent{Type: EventTypeCompletion, RemoteStatus: RemoteStatusFailed}, TaskStatusFailed},
		{StreamEvent{Type: EventTypeCompletion, RemoteStatus: RemoteStatusStopped}, TaskStatusTerminated},
		{StreamEvent{Type: EventTypeError}, TaskStatusFailed},
	}
	for _, c := range cases {
		if got := c.ev.FinalStatus(); got != c.want {
			t.Errorf("FinalStatus(%s/%s) = %s, want %s", c.ev.Type, c.ev.RemoteStatus, got, c.want)
		}
	}
}

// --- TaskSession.Apply ---

func TestTaskSession_StatusEventSetsRunning(t *testing.T) {
	ts := newTestSession()

	if !ts.Apply(&StreamEvent{Type: EventTypeStatus, LiveURL: "https://live/1"}) {
		t.Fatal("status event with live url should change the record")
	}
	if ts.Status != TaskStatusRunning {
		t.Errorf("expected running, got %s", ts.Status)
	}
	if ts.LiveViewURL != "https://live/1" {
		t.Errorf("expected live url, got %q", ts.LiveViewURL)
	}

	// live url без изменения: не изменение
	if ts.Apply(&StreamEvent{Type: EventTypeStatus, LiveURL: "https://live/1"}) {
		t.Error("duplicate status event should not change the record")
	}
}

func TestTaskSession_LiveURLNeverCleared(t *testing.T) {
	ts := newTestSession()
	ts.Apply(&StreamEvent{Type: EventTypeStatus, LiveURL: "https://live/1"})
	ts.Apply(&StreamEvent{Type: EventTypeStatus, LiveURL: ""})
	ts.Apply(&StreamEvent{Type: EventTypeStep, Step: &StepInfo{Number: 1}})

	if ts.LiveViewURL != "https://live/1" {
		t.Errorf("live url must not be cleared, got %q", ts.LiveViewURL)
	}

	ts.Apply(&StreamEvent{Type: EventTypeStatus, LiveURL: "https://live/2"})
	if ts.LiveViewURL != "https://live/2" {
		t.Errorf("live url should be replaced by a non-empty value, got %q", ts.LiveViewURL)
	}
}

func TestTaskSession_StepKeepsStatus(t *testing.T) {
	ts := newTestSession()
	ts.Apply(&StreamEvent{Type: EventTypeStep, Step: &StepInfo{Number: 2, URL: "https://a", NextGoal: "type email"}})

	if ts.Status != TaskStatusExecuting {
		t.Errorf("step must not change status, got %s", ts.Status)
	}
	if ts.CurrentURL != "https://a" || ts.CurrentAction != "type email" || ts.Progress != 2 {
		t.Errorf("unexpected step fields: %+v", ts)
	}

	// прогресс не откатывается
	ts.Apply(&StreamEvent{Type: EventTypeStep, Step: &StepInfo{Number: 1}})
	if ts.Progress != 2 {
		t.Errorf("progress must not regress, got %d", ts.Progress)
	}
}

func TestTaskSession_CompletionIdempotent(t *testing.T) {
	ts := newTestSession()
	ts.Apply(&StreamEvent{Type: EventTypeStatus, LiveURL: "https://live/1"})

	at := time.Now()
	completion := &StreamEvent{Type: EventTypeCompletion, RemoteStatus: RemoteStatusFinished, ReceivedAt: at}

	if !ts.Apply(completion) {
		t.Fatal("first completion should change the record")
	}
	first := ts.Clone()

	if ts.Apply(completion) {
		t.Error("second completion must be a no-op")
	}
	if ts.Status != first.Status || !ts.CompletedAt.Equal(*first.CompletedAt) {
		t.Errorf("replayed completion changed the record: %+v vs %+v", ts, first)
	}
	if ts.Status != TaskStatusCompleted {
		t.Errorf("expected completed, got %s", ts.Status)
	}
}

func TestTaskSession_NoTransitionAfterTerminal(t *testing.T) {
	ts := newTestSession()
	ts.Apply(&StreamEvent{Type: EventTypeError, Error: "timeout"})

	if ts.Status != TaskStatusFailed || ts.ErrorMessage != "timeout" || ts.CompletedAt == nil {
		t.Fatalf("unexpected failed record: %+v", ts)
	}

	for _, ev := range []StreamEvent{
		{Type: EventTypeStatus, LiveURL: "https://live/late"},
		{Type: EventTypeStep, Step: &StepInfo{Number: 9}},
		{Type: EventTypeCompletion},
	} {
		if ts.Apply(&ev) {
			t.Errorf("event %s after terminal must be ignored", ev.Type)
		}
	}
	if ts.Status != TaskStatusFailed || ts.LiveViewURL != "" {
		t.Errorf("terminal record changed: %+v", ts)
	}
}

func TestTaskSession_StatusSequenceMonotonic(t *testing.T) {
	ts := newTestSession()
	events := []StreamEvent{
		{Type: EventTypeStep, Step: &StepInfo{Number: 1}},
		{Type: EventTypeStatus, LiveURL: "https://live"},
		{Type: EventTypeStatus, RemoteStatus: RemoteStatusCreated},
		{Type: EventTypeStep, Step: &StepInfo{Number: 2}},
		{Type: EventTypeCompletion},
		{Type: EventTypeStatus, RemoteStatus: RemoteStatusRunning},
		{Type: EventTypeError, Error: "late"},
	}

	prev := ts.Status.Rank()
	for _, ev := range events {
		ts.Apply(&ev)
		if ts.Status.Rank() < prev {
			t.Fatalf("status regressed to %s after %s", ts.Status, ev.Type)
		}
		prev = ts.Status.Rank()
	}
	if ts.Status != TaskStatusCompleted {
		t.Errorf("expected completed, got %s", ts.Status)
	}
}

// --- TaskSession.MergeFrom ---

func TestTaskSession_MergeFrom(t *testing.T) {
	local := newTestSession()
	local.Apply(&StreamEvent{Type: EventTypeStatus, LiveURL: "https://live/local"})

	stored := local.Clone()
	stored.Status = TaskStatusExecuting
	stored.LiveViewURL = ""

	if local.MergeFrom(&stored) {
		t.Error("older store record must not change local state")
	}
	if local.Status != TaskStatusRunning || local.LiveViewURL != "https://live/local" {
		t.Errorf("local state regressed: %+v", local)
	}

	done := time.Now()
	stored.Status = TaskStatusCompleted
	stored.CompletedAt = &done
	stored.Progress = 7

	if !local.MergeFrom(&stored) {
		t.Fatal("newer store record should change local state")
	}
	if local.Status != TaskStatusCompleted || local.CompletedAt == nil || local.Progress != 7 {
		t.Errorf("unexpected merged state: %+v", local)
	}
}

func TestTaskSession_MergeKeepsParent(t *testing.T) {
	local := newTestSession()
	parent := local.ParentSessionID

	stored := local.Clone()
	stored.ParentSessionID = uuid.New()
	stored.Status = TaskStatusRunning

	local.MergeFrom(&stored)
	if local.ParentSessionID != parent {
		t.Error("parent session id must be immutable")
	}
}

// --- ParentSession ---

func TestParentSession_ApplyProgress(t *testing.T) {
	p := NewParentSession("checkout", "test checkout", "https://shop")
	if p.Status != ParentSessionStatusActive {
		t.Errorf("expected active, got %s", p.Status)
	}

	tasks := []TaskSession{
		{Status: TaskStatusRunning},
		{Status: TaskStatusCompleted},
		{Status: TaskStatusFailed},
	}
	p.ApplyProgress(tasks)
	if p.TotalFlows != 3 || p.CompletedFlows != 2 || p.Status != ParentSessionStatusRunning {
		t.Errorf("unexpected progress: %+v", p)
	}

	tasks[0].Status = TaskStatusTerminated
	p.ApplyProgress(tasks)
	if p.CompletedFlows != 3 || p.Status != ParentSessionStatusCompleted {
		t.Errorf("expected completed session, got %+v", p)
	}
}
