package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Flowstream/internal/domain"
)

// TaskSessionRepo: хранилище записей TaskSession в PostgreSQL.
//
// Все изменения адресуются по task_id, а не по id записи, поэтому
// повторные и дублирующиеся вызовы безопасны. Статус в БД не откатывается:
// UPDATE защищён функцией task_status_rank.
type TaskSessionRepo struct {
	pool *pgxpool.Pool
}

// NewTaskSessionRepo создаёт новый TaskSessionRepo.
func NewTaskSessionRepo(pool *pgxpool.Pool) *TaskSessionRepo {
	return &TaskSessionRepo{pool: pool}
}

const taskSessionColumns = `
	id, task_id, automation_session_id, parent_session_id, flow_name,
	flow_description, instructions, status, live_view_url, current_url,
	current_action, progress, error_message, output, started_at,
	completed_at, updated_at
`

// CreateTaskSession создаёт запись. Повторный вызов для того же task_id
// не создаёт дубликат и возвращает id существующей записи.
func (r *TaskSessionRepo) CreateTaskSession(ctx context.Context, ts *domain.TaskSession) (uuid.UUID, error) {
	if ts.ID == uuid.Nil {
		ts.ID = uuid.New()
	}

	query := `
		INSERT INTO task_sessions (
			id, task_id, automation_session_id, parent_session_id, flow_name,
			flow_description, instructions, status, live_view_url, progress,
			started_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (task_id) DO UPDATE SET task_id = EXCLUDED.task_id
		RETURNING id
	`

	var id uuid.UUID
	err := r.pool.QueryRow(ctx, query,
		ts.ID,
		ts.TaskID,
		ts.AutomationSessionID,
		ts.ParentSessionID,
		ts.FlowName,
		nullString(ts.FlowDescription),
		nullString(ts.Instructions),
		ts.Status,
		nullString(ts.LiveViewURL),
		ts.Progress,
		ts.StartedAt,
		ts.UpdatedAt,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert task session: %w", err)
	}

	ts.ID = id
	return id, nil
}

// UpdateTaskSessionStatus применяет частичное обновление к незавершённой записи.
//
// Статус меняется только вперёд, пустые поля не стирают значения, прогресс
// не уменьшается. Для уже финальной записи вызов ничего не меняет и
// возвращает её id. Если записи нет: ErrNotFound.
// Финальный статус ставит только CloseTaskSession: здесь это ErrInvalidState.
func (r *TaskSessionRepo) UpdateTaskSessionStatus(ctx context.Context, u domain.TaskUpdate) (uuid.UUID, error) {
	if u.Status.IsTerminal() {
		return uuid.Nil, fmt.Errorf("%w: update with terminal status %q", ErrInvalidState, u.Status)
	}

	query := `
		UPDATE task_sessions
		SET status = CASE
		        WHEN task_status_rank($2) > task_status_rank(status)
		         AND task_status_rank($2) < 2 THEN $2
		        ELSE status
		    END,
		    live_view_url  = COALESCE($3, live_view_url),
		    current_url    = COALESCE($4, current_url),
		    current_action = COALESCE($5, current_action),
		    progress       = GREATEST(progress, $6),
		    updated_at     = now()
		WHERE task_id = $1 AND task_status_rank(status) < 2
		RETURNING id
	`

	var id uuid.UUID
	err := r.pool.QueryRow(ctx, query,
		u.TaskID,
		u.Status,
		nullString(u.LiveViewURL),
		nullString(u.CurrentURL),
		nullString(u.CurrentAction),
		u.Progress,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return r.existingID(ctx, u.TaskID)
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("update task session: %w", err)
	}
	return id, nil
}

// CloseTaskSession переводит запись в финальный статус.
// Уже закрытая запись не меняется (первый финальный статус побеждает).
func (r *TaskSessionRepo) CloseTaskSession(ctx context.Context, c domain.TaskClose) (uuid.UUID, error) {
	if !c.Status.IsTerminal() {
		return uuid.Nil, fmt.Errorf("%w: close with non-terminal status %q", ErrInvalidState, c.Status)
	}

	query := `
		UPDATE task_sessions
		SET status        = $2,
		    error_message = COALESCE($3, error_message),
		    output        = COALESCE($4, output),
		    completed_at  = COALESCE(completed_at, $5),
		    updated_at    = now()
		WHERE task_id = $1 AND task_status_rank(status) < 2
		RETURNING id
	`

	var id uuid.UUID
	err := r.pool.QueryRow(ctx, query,
		c.TaskID,
		c.Status,
		nullString(c.ErrorMessage),
		nullString(c.Output),
		c.CompletedAt,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return r.existingID(ctx, c.TaskID)
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("close task session: %w", err)
	}
	return id, nil
}

// GetByTaskID возвращает запись по task_id.
func (r *TaskSessionRepo) GetByTaskID(ctx context.Context, taskID string) (*domain.TaskSession, error) {
	query := `SELECT ` + taskSessionColumns + ` FROM task_sessions WHERE task_id = $1`
	return scanTaskSession(r.pool.QueryRow(ctx, query, taskID))
}

// ListTaskSessions возвращает все записи ParentSession, включая финальные.
func (r *TaskSessionRepo) ListTaskSessions(ctx context.Context, parentID uuid.UUID) ([]domain.TaskSession, error) {
	query := `
		SELECT ` + taskSessionColumns + `
		FROM task_sessions
		WHERE parent_session_id = $1
		ORDER BY started_at ASC
	`
	return r.list(ctx, query, parentID)
}

// ListActiveTaskSessions возвращает незавершённые записи ParentSession.
func (r *TaskSessionRepo) ListActiveTaskSessions(ctx context.Context, parentID uuid.UUID) ([]domain.TaskSession, error) {
	query := `
		SELECT ` + taskSessionColumns + `
		FROM task_sessions
		WHERE parent_session_id = $1 AND task_status_rank(status) < 2
		ORDER BY started_at ASC
	`
	return r.list(ctx, query, parentID)
}

// SyncParentSessionProgress пересчитывает счётчики ParentSession по её tasks.
func (r *TaskSessionRepo) SyncParentSessionProgress(ctx context.Context, parentID uuid.UUID) error {
	query := `
		UPDATE parent_sessions p
		SET total_flows     = c.total,
		    completed_flows = c.done,
		    status = CASE
		        WHEN c.total = 0 THEN 'active'
		        WHEN c.done >= c.total THEN 'completed'
		        ELSE 'running'
		    END,
		    updated_at = now()
		FROM (
			SELECT count(*) AS total,
			       count(*) FILTER (WHERE task_status_rank(status) = 2) AS done
			FROM task_sessions
			WHERE parent_session_id = $1
		) c
		WHERE p.id = $1
	`
	result, err := r.pool.Exec(ctx, query, parentID)
	if err != nil {
		return fmt.Errorf("sync parent session progress: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Helpers ---

// existingID различает "записи нет" и "запись уже финальная".
func (r *TaskSessionRepo) existingID(ctx context.Context, taskID string) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.pool.QueryRow(ctx, `SELECT id FROM task_sessions WHERE task_id = $1`, taskID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, ErrNotFound
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("lookup task session: %w", err)
	}
	return id, nil
}

func (r *TaskSessionRepo) list(ctx context.Context, query string, args ...any) ([]domain.TaskSession, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list task sessions: %w", err)
	}
	defer rows.Close()

	var sessions []domain.TaskSession
	for rows.Next() {
		ts, err := scanTaskSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *ts)
	}
	return sessions, rows.Err()
}

// scanTaskSession читает одну запись. pgx.Rows тоже реализует pgx.Row.
func scanTaskSession(row pgx.Row) (*domain.TaskSession, error) {
	var ts domain.TaskSession
	var description, instructions, liveURL, currentURL, currentAction, errMsg, output *string

	err := row.Scan(
		&ts.ID,
		&ts.TaskID,
		&ts.AutomationSessionID,
		&ts.ParentSessionID,
		&ts.FlowName,
		&description,
		&instructions,
		&ts.Status,
		&liveURL,
		&currentURL,
		&currentAction,
		&ts.Progress,
		&errMsg,
		&output,
		&ts.StartedAt,
		&ts.CompletedAt,
		&ts.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task session: %w", err)
	}

	ts.FlowDescription = derefString(description)
	ts.Instructions = derefString(instructions)
	ts.LiveViewURL = derefString(liveURL)
	ts.CurrentURL = derefString(currentURL)
	ts.CurrentAction = derefString(currentAction)
	ts.ErrorMessage = derefString(errMsg)
	ts.Output = derefString(output)

	return &ts, nil
}
