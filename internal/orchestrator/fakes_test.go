package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Flowstream/internal/domain"
	"github.com/shaiso/Flowstream/internal/repo"
)

// --- Stream fakes ---

type fakeStream struct {
	frames chan []byte
	errs   chan error
	done   chan struct{}
	once   sync.Once

	// dialed: поток уже выдан Dial. Следующий Dial создаст новый.
	dialed bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		frames: make(chan []byte, 64),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}
}

func (s *fakeStream) Next(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, errors.New("stream closed")
	case f := <-s.frames:
		return f, nil
	case err := <-s.errs:
		return nil, err
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *fakeStream) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *fakeStream) push(frame []byte) {
	s.frames <- frame
}

type fakeDialer struct {
	mu      sync.Mutex
	streams map[string]*fakeStream
	dials   map[string]int
	err     error
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		streams: make(map[string]*fakeStream),
		dials:   make(map[string]int),
	}
}

func (d *fakeDialer) Dial(_ context.Context, taskID string) (Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials[taskID]++
	if d.err != nil {
		return nil, d.err
	}
	s, ok := d.streams[taskID]
	if !ok || s.dialed {
		s = newFakeStream()
		d.streams[taskID] = s
	}
	s.dialed = true
	return s, nil
}

// stream возвращает последний поток task, создавая его заранее, если dial ещё не было.
func (d *fakeDialer) stream(taskID string) *fakeStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.streams[taskID]
	if !ok {
		s = newFakeStream()
		d.streams[taskID] = s
	}
	return s
}

func (d *fakeDialer) dialCount(taskID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[taskID]
}

// --- Task creator fake ---

type fakeCreator struct {
	mu    sync.Mutex
	calls int
	next  int
	batch [][]string
	err   error
	short bool
}

func (c *fakeCreator) CreateTasks(_ context.Context, descriptions []string) ([]domain.TaskDescriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls++
	c.batch = append(c.batch, descriptions)
	if c.err != nil {
		return nil, c.err
	}

	descs := make([]domain.TaskDescriptor, 0, len(descriptions))
	for range descriptions {
		c.next++
		descs = append(descs, domain.TaskDescriptor{
			TaskID:    fmt.Sprintf("t%d", c.next),
			SessionID: fmt.Sprintf("s%d", c.next),
		})
	}
	if c.short && len(descs) > 0 {
		descs = descs[:len(descs)-1]
	}
	return descs, nil
}

func (c *fakeCreator) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type fakeStopper struct {
	mu      sync.Mutex
	stopped []string
}

func (s *fakeStopper) StopTask(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = append(s.stopped, taskID)
	return nil
}

type fakeNotifier struct {
	mu      sync.Mutex
	updates []domain.TaskSession
}

func (n *fakeNotifier) PublishTaskUpdated(_ context.Context, ts domain.TaskSession) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.updates = append(n.updates, ts)
	return nil
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.updates)
}

// gateNotifier задерживает одну публикацию, пока не закрыт release.
// Остальные публикации проходят сразу.
type gateNotifier struct {
	fakeNotifier

	at      int
	base    int
	entered chan struct{}
	release chan struct{}
}

func newGateNotifier() *gateNotifier {
	return &gateNotifier{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

// arm задерживает k-ю публикацию, считая от текущей.
func (n *gateNotifier) arm(k int) {
	n.mu.Lock()
	n.base = len(n.updates)
	n.at = n.base + k
	n.mu.Unlock()
}

func (n *gateNotifier) PublishTaskUpdated(_ context.Context, ts domain.TaskSession) error {
	n.mu.Lock()
	n.updates = append(n.updates, ts)
	hold := n.at > 0 && len(n.updates) == n.at
	n.mu.Unlock()

	if hold {
		close(n.entered)
		<-n.release
	}
	return nil
}

// armedTask: task первой публикации после arm.
func (n *gateNotifier) armedTask() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.updates[n.base].TaskID
}

// --- Store wrapper ---

// flakyStore: MemoryStore с управляемыми сбоями.
type flakyStore struct {
	*repo.MemoryStore

	mu        sync.Mutex
	listErr   error
	createErr map[string]error
}

func newFlakyStore() *flakyStore {
	return &flakyStore{
		MemoryStore: repo.NewMemoryStore(),
		createErr:   make(map[string]error),
	}
}

func (s *flakyStore) setListErr(err error) {
	s.mu.Lock()
	s.listErr = err
	s.mu.Unlock()
}

func (s *flakyStore) failCreate(taskID string, err error) {
	s.mu.Lock()
	s.createErr[taskID] = err
	s.mu.Unlock()
}

func (s *flakyStore) ListTaskSessions(ctx context.Context, parentID uuid.UUID) ([]domain.TaskSession, error) {
	s.mu.Lock()
	err := s.listErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.MemoryStore.ListTaskSessions(ctx, parentID)
}

func (s *flakyStore) CreateTaskSession(ctx context.Context, ts *domain.TaskSession) (uuid.UUID, error) {
	s.mu.Lock()
	err := s.createErr[ts.TaskID]
	s.mu.Unlock()
	if err != nil {
		return uuid.Nil, err
	}
	return s.MemoryStore.CreateTaskSession(ctx, ts)
}

// --- Frames ---

func statusFrame(taskID, liveURL string) []byte {
	return []byte(fmt.Sprintf(`{"type":"status","task_id":%q,"status":"running","live_url":%q}`, taskID, liveURL))
}

func stepFrame(taskID string, n int, url, goal string) []byte {
	return []byte(fmt.Sprintf(`{"type":"step","task_id":%q,"step":{"step":%d,"url":%q,"next_goal":%q}}`, taskID, n, url, goal))
}

func completionFrame(taskID, status, output string) []byte {
	return []byte(fmt.Sprintf(`{"type":"completion","task_id":%q,"status":%q,"output":%q}`, taskID, status, output))
}

func errorFrame(taskID, msg string) []byte {
	return []byte(fmt.Sprintf(`{"type":"error","task_id":%q,"error":%q}`, taskID, msg))
}

// --- Helpers ---

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func storedStatus(t *testing.T, s *flakyStore, taskID string) domain.TaskStatus {
	t.Helper()
	ts, err := s.GetByTaskID(context.Background(), taskID)
	if err != nil {
		return ""
	}
	return ts.Status
}

func approvedFlows(names ...string) []domain.Flow {
	flows := make([]domain.Flow, 0, len(names))
	for _, n := range names {
		flows = append(flows, domain.Flow{Name: n, Description: n + " description", Approved: true})
	}
	return flows
}

type testEnv struct {
	orch     *Orchestrator
	store    *flakyStore
	dialer   *fakeDialer
	creator  *fakeCreator
	stopper  *fakeStopper
	notifier *fakeNotifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		store:    newFlakyStore(),
		dialer:   newFakeDialer(),
		creator:  &fakeCreator{},
		stopper:  &fakeStopper{},
		notifier: &fakeNotifier{},
	}
	env.orch = New(Config{
		Store:        env.store,
		Creator:      env.creator,
		Dialer:       env.dialer,
		Stopper:      env.stopper,
		Notifier:     env.notifier,
		WriteTimeout: time.Second,
	})
	t.Cleanup(env.orch.Stop)
	return env
}

func (e *testEnv) newParent(t *testing.T, name string) uuid.UUID {
	t.Helper()
	p := domain.NewParentSession(name, "", "https://example.com")
	if err := e.store.CreateParentSession(context.Background(), p); err != nil {
		t.Fatalf("create parent session: %v", err)
	}
	return p.ID
}
