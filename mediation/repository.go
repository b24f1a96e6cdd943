package mediation

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TurnRepository stores chat turns. Turns are append-only evidence; nothing
// updates or deletes them.
type TurnRepository interface {
	InsertTurn(ctx context.Context, sessionID string, role SenderRole, content string, leakRiskScore float64) (Turn, error)
	ListTurns(ctx context.Context, sessionID string, limit int) ([]Turn, error)
}

// PGTurnRepository implements TurnRepository backed by PostgreSQL.
type PGTurnRepository struct {
	pool *pgxpool.Pool
}

func NewTurnRepository(pool *pgxpool.Pool) *PGTurnRepository {
	return &PGTurnRepository{pool: pool}
}

func (r *PGTurnRepository) InsertTurn(ctx context.Context, sessionID string, role SenderRole, content string, leakRiskScore float64) (Turn, error) {
	var t Turn
	err := r.pool.QueryRow(ctx, `
		INSERT INTO chat_turns (session_id, sender_role, content, leak_risk_score)
		VALUES ($1, $2, $3, $4)
		RETURNING id, session_id, sender_role::text, content, leak_risk_score, created_at
	`, sessionID, role, content, leakRiskScore).Scan(
		&t.ID, &t.SessionID, &t.SenderRole, &t.Content, &t.LeakRiskScore, &t.CreatedAt)
	if err != nil {
		return Turn{}, fmt.Errorf("mediation: insert turn: %w", err)
	}
	return t, nil
}

// ListTurns returns the most recent turns in chronological order.
func (r *PGTurnRepository) ListTurns(ctx context.Context, sessionID string, limit int) ([]Turn, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, session_id, sender_role::text, content, leak_risk_score, created_at
		FROM (
			SELECT id, session_id, sender_role, content, leak_risk_score, created_at
			FROM chat_turns
			WHERE session_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("mediation: list turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.ID, &t.SessionID, &t.SenderRole, &t.Content, &t.LeakRiskScore, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("mediation: scan turn: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mediation: iterate turns: %w", err)
	}
	return turns, nil
}
