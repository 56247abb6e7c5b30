package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/shaiso/Flowstream/internal/domain"
	"github.com/shaiso/Flowstream/internal/telemetry"
)

// EventSink принимает события потоков. Реализация: Reconciler.
type EventSink interface {
	Apply(ctx context.Context, ev *domain.StreamEvent) Outcome
}

// ManagerConfig: конфигурация Manager.
type ManagerConfig struct {
	Dialer Dialer
	Sink   EventSink
	Logger *slog.Logger
}

// Manager держит не больше одного живого соединения потока на task.
//
// Каждое соединение обслуживает своя горутина: события одного task
// доставляются по порядку, между tasks порядок не определён.
type Manager struct {
	dialer Dialer
	sink   EventSink
	logger *slog.Logger

	// ctx отменяется в CloseAll.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	conns  map[string]*connection
	closed bool

	wg sync.WaitGroup
}

// connection: одно соединение потока. state защищён Manager.mu.
type connection struct {
	taskID string
	state  ConnState
	cancel context.CancelFunc

	streamMu sync.Mutex
	stream   Stream
	closed   bool

	closeOnce sync.Once
}

// NewManager создаёт новый Manager.
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		dialer: cfg.Dialer,
		sink:   cfg.Sink,
		logger: logger.With("component", "stream_manager"),
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[string]*connection),
	}
}

// Connect открывает поток для записи, полученной из хранилища.
//
// Ничего не делает, если у task уже есть живое соединение, если task
// финальный или Manager закрыт. Возвращает true, если соединение начато.
func (m *Manager) Connect(ts domain.TaskSession) bool {
	if ts.TaskID == "" || ts.IsFinished() {
		return false
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	if c, ok := m.conns[ts.TaskID]; ok && c.state.IsLive() {
		m.mu.Unlock()
		return false
	}

	ctx, cancel := context.WithCancel(m.ctx)
	c := &connection{
		taskID: ts.TaskID,
		state:  ConnConnecting,
		cancel: cancel,
	}
	m.conns[ts.TaskID] = c
	m.wg.Add(1)
	m.mu.Unlock()

	telemetry.StreamsOpen.Inc()
	go m.run(ctx, c)
	return true
}

// Stop закрывает соединение task. Ошибка транспорта после Stop не
// считается сбоем. Возвращает false, если живого соединения не было.
func (m *Manager) Stop(taskID string) bool {
	m.mu.Lock()
	c, ok := m.conns[taskID]
	if !ok || !c.state.IsLive() {
		m.mu.Unlock()
		return false
	}
	c.state = ConnClosed
	m.mu.Unlock()

	c.close()
	m.logger.Debug("stream stopped", "task_id", taskID)
	return true
}

// State возвращает состояние соединения task. Для неизвестного task: ConnIdle.
func (m *Manager) State(taskID string) ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[taskID]
	if !ok {
		return ConnIdle
	}
	return c.state
}

// ActiveCount возвращает число живых соединений.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.conns {
		if c.state.IsLive() {
			n++
		}
	}
	return n
}

// ActiveTaskIDs возвращает TaskID живых соединений по алфавиту.
func (m *Manager) ActiveTaskIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.conns))
	for id, c := range m.conns {
		if c.state.IsLive() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Forget удаляет закрытые соединения из реестра.
func (m *Manager) Forget(taskIDs ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range taskIDs {
		if c, ok := m.conns[id]; ok && !c.state.IsLive() {
			delete(m.conns, id)
		}
	}
}

// CloseAll закрывает все соединения и ждёт завершения их горутин.
// После CloseAll новые соединения не открываются.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.wg.Wait()
		return
	}
	m.closed = true
	live := make([]*connection, 0, len(m.conns))
	for _, c := range m.conns {
		if c.state.IsLive() {
			c.state = ConnClosed
			live = append(live, c)
		}
	}
	m.mu.Unlock()

	m.cancel()
	for _, c := range live {
		c.close()
	}
	m.wg.Wait()

	m.logger.Info("all streams closed", "count", len(live))
}

// run обслуживает одно соединение до финального события, ошибки или закрытия.
func (m *Manager) run(ctx context.Context, c *connection) {
	defer m.wg.Done()
	defer telemetry.StreamsOpen.Dec()

	log := telemetry.WithTaskID(m.logger, c.taskID)

	stream, err := m.dialer.Dial(ctx, c.taskID)
	if err != nil {
		m.finish(c, err, false)
		return
	}
	if !c.attach(stream) {
		// Закрыто во время dial.
		stream.Close()
		m.finish(c, nil, false)
		return
	}
	log.Debug("stream connected")

	for {
		data, err := stream.Next(ctx)
		if err != nil {
			m.finish(c, err, false)
			return
		}
		m.markOpen(c)

		ev, err := domain.ParseStreamEvent(data)
		if err != nil {
			log.Warn("invalid stream frame dropped", "error", err, "size", len(data))
			telemetry.EventsTotal.WithLabelValues("invalid", "dropped").Inc()
			continue
		}
		if ev.TaskID == "" {
			ev.TaskID = c.taskID
		}
		if ev.TaskID != c.taskID {
			log.Warn("frame for another task dropped", "frame_task_id", ev.TaskID)
			telemetry.EventsTotal.WithLabelValues(string(ev.Type), "dropped_foreign").Inc()
			continue
		}

		outcome := m.sink.Apply(ctx, &ev)
		if ev.Type.IsTerminal() || outcome == OutcomeDroppedTerminal || outcome == OutcomeDroppedUnknown {
			m.finish(c, nil, true)
			return
		}
	}
}

func (m *Manager) markOpen(c *connection) {
	m.mu.Lock()
	if c.state == ConnConnecting {
		c.state = ConnOpen
	}
	m.mu.Unlock()
}

// finish закрывает соединение и определяет итоговое состояние.
//
// Соединение, которое ещё считалось живым и оборвалось не по финальному
// событию, переходит в Failed: Reconciler получает синтетическую ошибку.
// Соединения, закрытые через Stop или CloseAll, уже помечены Closed.
func (m *Manager) finish(c *connection, cause error, terminal bool) {
	c.close()

	m.mu.Lock()
	failed := false
	if c.state.IsLive() {
		if terminal {
			c.state = ConnClosed
		} else {
			c.state = ConnFailed
			failed = true
		}
	}
	m.mu.Unlock()

	log := telemetry.WithTaskID(m.logger, c.taskID)
	if !failed {
		log.Debug("stream closed")
		return
	}

	if cause == nil || errors.Is(cause, io.EOF) {
		cause = errors.New("stream ended without a terminal event")
	}
	telemetry.StreamFailures.Inc()
	log.Warn("stream transport failure", "error", cause)

	fail := domain.NewTransportFailure(c.taskID, cause)
	m.sink.Apply(m.ctx, &fail)
}

// attach запоминает открытый поток. false: соединение уже закрыто.
func (c *connection) attach(s Stream) bool {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()
	if c.closed {
		return false
	}
	c.stream = s
	return true
}

// close отменяет контекст соединения и закрывает поток. Идемпотентен.
func (c *connection) close() {
	c.closeOnce.Do(func() {
		c.cancel()

		c.streamMu.Lock()
		c.closed = true
		s := c.stream
		c.streamMu.Unlock()

		if s != nil {
			s.Close()
		}
	})
}
