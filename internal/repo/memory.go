package repo

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Flowstream/internal/domain"
)

// MemoryStore: хранилище в памяти процесса.
//
// Поведение совпадает с TaskSessionRepo и ParentSessionRepo: запись по
// task_id создаётся один раз, статус не откатывается, финальная запись
// не меняется. Используется в тестах и при STORE_DRIVER=memory.
type MemoryStore struct {
	mu      sync.RWMutex
	tasks   map[string]*domain.TaskSession
	parents map[uuid.UUID]*domain.ParentSession
}

// NewMemoryStore создаёт пустое хранилище.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:   make(map[string]*domain.TaskSession),
		parents: make(map[uuid.UUID]*domain.ParentSession),
	}
}

// --- Parent sessions ---

func (s *MemoryStore) CreateParentSession(_ context.Context, p *domain.ParentSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.parents[p.ID]; ok {
		return ErrAlreadyExists
	}
	cp := *p
	s.parents[p.ID] = &cp
	return nil
}

func (s *MemoryStore) GetParentSession(_ context.Context, id uuid.UUID) (*domain.ParentSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.parents[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListParentSessions(_ context.Context, limit int) ([]domain.ParentSession, error) {
	if limit <= 0 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.ParentSession, 0, len(s.parents))
	for _, p := range s.parents {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- Task sessions ---

func (s *MemoryStore) CreateTaskSession(_ context.Context, ts *domain.TaskSession) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.tasks[ts.TaskID]; ok {
		ts.ID = existing.ID
		return existing.ID, nil
	}
	if ts.ID == uuid.Nil {
		ts.ID = uuid.New()
	}
	cp := ts.Clone()
	s.tasks[ts.TaskID] = &cp
	return ts.ID, nil
}

func (s *MemoryStore) UpdateTaskSessionStatus(_ context.Context, u domain.TaskUpdate) (uuid.UUID, error) {
	if u.Status.IsTerminal() {
		return uuid.Nil, fmt.Errorf("%w: update with terminal status %q", ErrInvalidState, u.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ts, ok := s.tasks[u.TaskID]
	if !ok {
		return uuid.Nil, ErrNotFound
	}
	if ts.IsFinished() {
		return ts.ID, nil
	}

	if ts.Status.Rank() < u.Status.Rank() {
		ts.Status = u.Status
	}
	if u.LiveViewURL != "" {
		ts.LiveViewURL = u.LiveViewURL
	}
	if u.CurrentURL != "" {
		ts.CurrentURL = u.CurrentURL
	}
	if u.CurrentAction != "" {
		ts.CurrentAction = u.CurrentAction
	}
	if u.Progress > ts.Progress {
		ts.Progress = u.Progress
	}
	ts.UpdatedAt = time.Now()
	return ts.ID, nil
}

func (s *MemoryStore) CloseTaskSession(_ context.Context, c domain.TaskClose) (uuid.UUID, error) {
	if !c.Status.IsTerminal() {
		return uuid.Nil, fmt.Errorf("%w: close with non-terminal status %q", ErrInvalidState, c.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ts, ok := s.tasks[c.TaskID]
	if !ok {
		return uuid.Nil, ErrNotFound
	}
	if ts.IsFinished() {
		return ts.ID, nil
	}

	ts.Status = c.Status
	if c.ErrorMessage != "" {
		ts.ErrorMessage = c.ErrorMessage
	}
	if c.Output != "" {
		ts.Output = c.Output
	}
	if ts.CompletedAt == nil {
		at := c.CompletedAt
		ts.CompletedAt = &at
	}
	ts.UpdatedAt = time.Now()
	return ts.ID, nil
}

// GetByTaskID возвращает копию записи по task_id.
func (s *MemoryStore) GetByTaskID(_ context.Context, taskID string) (*domain.TaskSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ts, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := ts.Clone()
	return &cp, nil
}

func (s *MemoryStore) ListTaskSessions(_ context.Context, parentID uuid.UUID) ([]domain.TaskSession, error) {
	return s.filter(parentID, false), nil
}

func (s *MemoryStore) ListActiveTaskSessions(_ context.Context, parentID uuid.UUID) ([]domain.TaskSession, error) {
	return s.filter(parentID, true), nil
}

func (s *MemoryStore) SyncParentSessionProgress(_ context.Context, parentID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.parents[parentID]
	if !ok {
		return ErrNotFound
	}

	var tasks []domain.TaskSession
	for _, ts := range s.tasks {
		if ts.ParentSessionID == parentID {
			tasks = append(tasks, *ts)
		}
	}
	p.ApplyProgress(tasks)
	return nil
}

func (s *MemoryStore) filter(parentID uuid.UUID, activeOnly bool) []domain.TaskSession {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.TaskSession
	for _, ts := range s.tasks {
		if ts.ParentSessionID != parentID {
			continue
		}
		if activeOnly && ts.IsFinished() {
			continue
		}
		out = append(out, ts.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}
