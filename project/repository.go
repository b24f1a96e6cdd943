package project

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound signals that no project row exists for the identifier.
var ErrNotFound = errors.New("project: not found")

// Reader abstracts repository operations for the service.
type Reader interface {
	GetByID(ctx context.Context, id string) (Project, error)
	List(ctx context.Context, limit int) ([]Project, error)
}

// PGRepository implements Reader backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const selectColumns = `id, owner_user_id, title, funding_goal, public_summary, registered_brief, full_plan, created_at`

func (r *PGRepository) GetByID(ctx context.Context, id string) (Project, error) {
	query := fmt.Sprintf(`SELECT %s FROM projects WHERE id = $1`, selectColumns)

	var p Project
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&p.ID, &p.OwnerUserID, &p.Title, &p.FundingGoal,
		&p.PublicSummary, &p.RegisteredBrief, &p.FullPlan, &p.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Project{}, ErrNotFound
		}
		return Project{}, fmt.Errorf("project: get by id: %w", err)
	}
	return p, nil
}

func (r *PGRepository) List(ctx context.Context, limit int) ([]Project, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT %s FROM projects ORDER BY created_at DESC LIMIT $1`, selectColumns)

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("project: list: %w", err)
	}
	defer rows.Close()

	out := make([]Project, 0, limit)
	for rows.Next() {
		var p Project
		if err := rows.Scan(
			&p.ID, &p.OwnerUserID, &p.Title, &p.FundingGoal,
			&p.PublicSummary, &p.RegisteredBrief, &p.FullPlan, &p.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("project: scan: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("project: iterate: %w", err)
	}
	return out, nil
}
