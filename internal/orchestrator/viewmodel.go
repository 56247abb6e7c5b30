package orchestrator

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/shaiso/Flowstream/internal/domain"
)

// ChangeKind: тип изменения проекции.
type ChangeKind string

const (
	// ChangeReset: проекция заменена целиком (переключение сессии).
	ChangeReset ChangeKind = "reset"

	// ChangeUpsert: изменилась одна запись.
	ChangeUpsert ChangeKind = "upsert"
)

// Change: уведомление подписчику ViewModel.
type Change struct {
	Kind            ChangeKind           `json:"kind"`
	ParentSessionID uuid.UUID            `json:"parent_session_id"`
	Task            *domain.TaskSession  `json:"task,omitempty"`
	Tasks           []domain.TaskSession `json:"tasks,omitempty"`
}

// Snapshot: копия проекции активной сессии.
type Snapshot struct {
	ParentSessionID uuid.UUID            `json:"parent_session_id"`
	Tasks           []domain.TaskSession `json:"tasks"`
}

// ViewModel: проекция TaskSession активной ParentSession.
//
// Пишут Reconciler и Switcher, читают клиенты через Snapshot и Subscribe.
// Записи чужих сессий отбрасываются в Put.
type ViewModel struct {
	mu     sync.RWMutex
	active uuid.UUID
	tasks  map[string]domain.TaskSession

	subMu  sync.Mutex
	subs   map[int]chan Change
	nextID int
}

// NewViewModel создаёт пустую проекцию без активной сессии.
func NewViewModel() *ViewModel {
	return &ViewModel{
		tasks: make(map[string]domain.TaskSession),
		subs:  make(map[int]chan Change),
	}
}

// Clear переводит проекцию на сессию parentID и очищает её.
// С этого момента Put принимает только записи parentID.
func (v *ViewModel) Clear(parentID uuid.UUID) {
	v.mu.Lock()
	v.active = parentID
	v.tasks = make(map[string]domain.TaskSession)
	v.mu.Unlock()
}

// Reset заменяет проекцию записями parentID и оповещает подписчиков.
// Если активная сессия уже сменилась, вызов игнорируется.
func (v *ViewModel) Reset(parentID uuid.UUID, records []domain.TaskSession) bool {
	v.mu.Lock()
	if v.active != parentID {
		v.mu.Unlock()
		return false
	}
	for _, rec := range records {
		if rec.ParentSessionID != parentID {
			continue
		}
		// Put мог успеть записать более свежее состояние после Clear:
		// запись хранилища только догоняет его, при равенстве остаётся текущая.
		if cur, ok := v.tasks[rec.TaskID]; ok {
			next := cur.Clone()
			next.MergeFrom(&rec)
			v.tasks[rec.TaskID] = next
			continue
		}
		v.tasks[rec.TaskID] = rec.Clone()
	}
	snap := v.snapshotLocked()
	v.mu.Unlock()

	v.broadcast(Change{Kind: ChangeReset, ParentSessionID: parentID, Tasks: snap.Tasks})
	return true
}

// Put обновляет одну запись, если она принадлежит активной сессии.
//
// Запись не откатывает статус: финальную запись и запись с большим
// статусом Put не меняет. Пустой live URL не стирает уже известный.
func (v *ViewModel) Put(ts domain.TaskSession) bool {
	v.mu.Lock()
	if v.active == uuid.Nil || ts.ParentSessionID != v.active {
		v.mu.Unlock()
		return false
	}
	rec := ts.Clone()
	if cur, ok := v.tasks[ts.TaskID]; ok {
		if cur.IsFinished() || cur.Status.Rank() > rec.Status.Rank() {
			v.mu.Unlock()
			return false
		}
		if rec.LiveViewURL == "" {
			rec.LiveViewURL = cur.LiveViewURL
		}
	}
	v.tasks[ts.TaskID] = rec
	v.mu.Unlock()

	v.broadcast(Change{Kind: ChangeUpsert, ParentSessionID: ts.ParentSessionID, Task: &rec})
	return true
}

// ActiveParent возвращает активную сессию или uuid.Nil.
func (v *ViewModel) ActiveParent() uuid.UUID {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.active
}

// Get возвращает запись проекции по TaskID.
func (v *ViewModel) Get(taskID string) (domain.TaskSession, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	ts, ok := v.tasks[taskID]
	return ts, ok
}

// Snapshot возвращает копию проекции, записи по времени запуска.
func (v *ViewModel) Snapshot() Snapshot {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.snapshotLocked()
}

func (v *ViewModel) snapshotLocked() Snapshot {
	tasks := make([]domain.TaskSession, 0, len(v.tasks))
	for _, ts := range v.tasks {
		tasks = append(tasks, ts.Clone())
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].StartedAt.Equal(tasks[j].StartedAt) {
			return tasks[i].TaskID < tasks[j].TaskID
		}
		return tasks[i].StartedAt.Before(tasks[j].StartedAt)
	})
	return Snapshot{ParentSessionID: v.active, Tasks: tasks}
}

// Subscribe регистрирует подписчика с буфером buf.
//
// Медленный подписчик теряет изменения, когда буфер полон: доставка не
// блокирует Reconciler. Клиент всегда может перечитать Snapshot.
// cancel закрывает канал, повторный вызов безопасен.
func (v *ViewModel) Subscribe(buf int) (<-chan Change, func()) {
	if buf <= 0 {
		buf = 16
	}
	ch := make(chan Change, buf)

	v.subMu.Lock()
	id := v.nextID
	v.nextID++
	v.subs[id] = ch
	v.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			v.subMu.Lock()
			delete(v.subs, id)
			v.subMu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// SubscriberCount возвращает число подписчиков.
func (v *ViewModel) SubscriberCount() int {
	v.subMu.Lock()
	defer v.subMu.Unlock()
	return len(v.subs)
}

func (v *ViewModel) broadcast(c Change) {
	v.subMu.Lock()
	defer v.subMu.Unlock()
	for _, ch := range v.subs {
		select {
		case ch <- c:
		default:
		}
	}
}
