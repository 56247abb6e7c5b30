package browseruse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shaiso/Flowstream/internal/domain"
)

func TestSSEDialer_ReadsFrames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/task/t1/stream" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keepalive\n\n")
		fmt.Fprint(w, "event: status\ndata: {\"type\":\"status\",\"task_id\":\"t1\",\"status\":\"running\"}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"step\",\n")
		fmt.Fprint(w, "data: \"task_id\":\"t1\"}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)

	d := NewSSEDialer(SSEConfig{BaseURL: srv.URL, APIKey: "k", HTTPClient: srv.Client()})
	s, err := d.Dial(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer s.Close()

	ctx := context.Background()

	frame, err := s.Next(ctx)
	if err != nil {
		t.Fatalf("first frame: %v", err)
	}
	ev, err := domain.ParseStreamEvent(frame)
	if err != nil || ev.Type != domain.EventTypeStatus {
		t.Errorf("unexpected first event: %+v (%v)", ev, err)
	}

	frame, err = s.Next(ctx)
	if err != nil {
		t.Fatalf("second frame: %v", err)
	}
	ev, err = domain.ParseStreamEvent(frame)
	if err != nil || ev.Type != domain.EventTypeStep {
		t.Errorf("multi-line data not joined: %q (%v)", frame, err)
	}

	if _, err := s.Next(ctx); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

func TestSSEDialer_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	d := NewSSEDialer(SSEConfig{BaseURL: srv.URL, HTTPClient: srv.Client()})
	if _, err := d.Dial(context.Background(), "ghost"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestSSEDialer_CloseUnblocksNext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	d := NewSSEDialer(SSEConfig{BaseURL: srv.URL, HTTPClient: srv.Client()})
	s, err := d.Dial(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Next(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	s.Close()

	select {
	case err := <-errCh:
		if err == nil {
			t.Error("expected error after Close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Next not unblocked by Close")
	}
}

// fakeGetter отдаёт снимки по очереди, последний повторяется.
type fakeGetter struct {
	mu        sync.Mutex
	snapshots []*TaskDetails
	calls     int
	err       error
}

func (g *fakeGetter) GetTask(_ context.Context, taskID string) (*TaskDetails, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.err != nil {
		return nil, g.err
	}
	i := min(g.calls-1, len(g.snapshots)-1)
	d := *g.snapshots[i]
	d.ID = taskID
	return &d, nil
}

func collectEvents(t *testing.T, s interface {
	Next(context.Context) ([]byte, error)
}) []domain.StreamEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var events []domain.StreamEvent
	for {
		frame, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			return events
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		ev, err := domain.ParseStreamEvent(frame)
		if err != nil {
			t.Fatalf("parse %q: %v", frame, err)
		}
		events = append(events, ev)
	}
}

func TestPollingDialer_SynthesizesEvents(t *testing.T) {
	getter := &fakeGetter{snapshots: []*TaskDetails{
		{Status: "created"},
		{Status: "running", LiveURL: "https://live/t1"},
		{Status: "running", LiveURL: "https://live/t1", Steps: []domain.StepInfo{{Number: 1, NextGoal: "open"}}},
		{Status: "running", LiveURL: "https://live/t1", Steps: []domain.StepInfo{{Number: 1, NextGoal: "open"}}},
		{
			Status:  "finished",
			LiveURL: "https://live/t1",
			Steps:   []domain.StepInfo{{Number: 1, NextGoal: "open"}, {Number: 2, NextGoal: "done"}},
			Output:  []byte(`"all good"`),
		},
	}}
	d := NewPollingDialer(PollingConfig{Getter: getter, Interval: time.Millisecond})

	s, err := d.Dial(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer s.Close()

	events := collectEvents(t, s)

	var types []domain.EventType
	steps := 0
	for _, ev := range events {
		types = append(types, ev.Type)
		if ev.TaskID != "t1" {
			t.Errorf("event without task id: %+v", ev)
		}
		if ev.Type == domain.EventTypeStep {
			steps++
		}
	}
	if steps != 2 {
		t.Errorf("expected 2 step events, got %d (%v)", steps, types)
	}

	last := events[len(events)-1]
	if last.Type != domain.EventTypeCompletion || last.OutputText() != "all good" {
		t.Errorf("unexpected last event: %+v", last)
	}

	// Неизменившийся снимок не даёт нового status.
	statuses := 0
	for _, ev := range events {
		if ev.Type == domain.EventTypeStatus {
			statuses++
		}
	}
	if statuses != 4 {
		t.Errorf("expected 4 status events, got %d (%v)", statuses, types)
	}
}

func TestPollingDialer_ErrorStreak(t *testing.T) {
	getter := &fakeGetter{snapshots: []*TaskDetails{{Status: "running"}}}
	d := NewPollingDialer(PollingConfig{Getter: getter, Interval: time.Millisecond, MaxErrors: 2})

	s, err := d.Dial(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer s.Close()

	if _, err := s.Next(context.Background()); err != nil {
		t.Fatalf("first status: %v", err)
	}

	getter.mu.Lock()
	getter.err = errors.New("connection reset")
	getter.mu.Unlock()

	if _, err := s.Next(context.Background()); err == nil {
		t.Error("expected error after error streak")
	}
}

func TestPollingDialer_UnknownTask(t *testing.T) {
	getter := &fakeGetter{err: ErrTaskNotFound}
	d := NewPollingDialer(PollingConfig{Getter: getter})

	if _, err := d.Dial(context.Background(), "ghost"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}
