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

// ParentSessionRepo: репозиторий логических сессий.
type ParentSessionRepo struct {
	pool *pgxpool.Pool
}

// NewParentSessionRepo создаёт новый ParentSessionRepo.
func NewParentSessionRepo(pool *pgxpool.Pool) *ParentSessionRepo {
	return &ParentSessionRepo{pool: pool}
}

// CreateParentSession создаёт новую сессию.
func (r *ParentSessionRepo) CreateParentSession(ctx context.Context, p *domain.ParentSession) error {
	query := `
		INSERT INTO parent_sessions (id, name, prompt, website_url, status, total_flows, completed_flows, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.pool.Exec(ctx, query,
		p.ID,
		p.Name,
		nullString(p.Prompt),
		nullString(p.WebsiteURL),
		p.Status,
		p.TotalFlows,
		p.CompletedFlows,
		p.CreatedAt,
		p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert parent session: %w", err)
	}
	return nil
}

// GetParentSession возвращает сессию по ID.
func (r *ParentSessionRepo) GetParentSession(ctx context.Context, id uuid.UUID) (*domain.ParentSession, error) {
	query := `
		SELECT id, name, prompt, website_url, status, total_flows, completed_flows, created_at, updated_at
		FROM parent_sessions
		WHERE id = $1
	`
	return scanParentSession(r.pool.QueryRow(ctx, query, id))
}

// ListParentSessions возвращает сессии, новые первыми.
func (r *ParentSessionRepo) ListParentSessions(ctx context.Context, limit int) ([]domain.ParentSession, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, name, prompt, website_url, status, total_flows, completed_flows, created_at, updated_at
		FROM parent_sessions
		ORDER BY created_at DESC
		LIMIT $1
	`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list parent sessions: %w", err)
	}
	defer rows.Close()

	var sessions []domain.ParentSession
	for rows.Next() {
		p, err := scanParentSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *p)
	}
	return sessions, rows.Err()
}

func scanParentSession(row pgx.Row) (*domain.ParentSession, error) {
	var p domain.ParentSession
	var prompt, websiteURL *string

	err := row.Scan(
		&p.ID,
		&p.Name,
		&prompt,
		&websiteURL,
		&p.Status,
		&p.TotalFlows,
		&p.CompletedFlows,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan parent session: %w", err)
	}

	p.Prompt = derefString(prompt)
	p.WebsiteURL = derefString(websiteURL)
	return &p, nil
}
