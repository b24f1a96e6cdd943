package negotiation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals that no session row exists for the identifier.
	ErrNotFound = errors.New("negotiation: session not found")
	// ErrDuplicateSession signals a non-terminal session already exists for
	// the (project, investor) pair.
	ErrDuplicateSession = errors.New("negotiation: non-terminal session already exists for pair")
)

// InsertSessionParams enumerates the fields written when opening a session.
type InsertSessionParams struct {
	ProjectID     string
	InvestorID    string
	DepositAmount int64
	ExpiresAt     time.Time
}

// UpdateSessionParams carries a transition's writes. Nil pointers leave the
// column untouched.
type UpdateSessionParams struct {
	Status         Status
	DepositStatus  DepositStatus
	ExpiresAt      *time.Time
	AgreementTerms *string
	LeakTurnID     *string
}

// Repository defines session data access. Mutating methods are scoped to the
// caller's transaction so transitions serialize on the locked session row.
type Repository interface {
	InsertSession(ctx context.Context, tx pgx.Tx, params InsertSessionParams) (Session, error)
	GetSessionForUpdate(ctx context.Context, tx pgx.Tx, sessionID string) (Session, error)
	GetNonTerminalForPairForUpdate(ctx context.Context, tx pgx.Tx, projectID, investorID string) (Session, error)
	UpdateSession(ctx context.Context, tx pgx.Tx, sessionID string, params UpdateSessionParams) (Session, error)
	// GetNonTerminalForPair is a lock-free read over committed state.
	GetNonTerminalForPair(ctx context.Context, projectID, investorID string) (Session, error)
	GetSession(ctx context.Context, sessionID string) (Session, error)
}

// PGRepository implements Repository backed by PostgreSQL. The one
// non-terminal session per pair invariant lives in a partial unique index.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const sessionColumns = `id, project_id, investor_id, status::text, deposit_amount, deposit_status::text, agreement_terms, leak_turn_id, created_at, expires_at, updated_at`

func (r *PGRepository) InsertSession(ctx context.Context, tx pgx.Tx, params InsertSessionParams) (Session, error) {
	if params.ProjectID == "" || params.InvestorID == "" {
		return Session{}, fmt.Errorf("negotiation: insert requires project and investor ids")
	}

	insertSQL := fmt.Sprintf(`
		INSERT INTO negotiation_sessions (project_id, investor_id, status, deposit_amount, deposit_status, expires_at)
		VALUES ($1, $2, 'awaiting_deposit', $3, 'none', $4)
		RETURNING %s
	`, sessionColumns)

	s, err := scanSession(tx.QueryRow(ctx, insertSQL, params.ProjectID, params.InvestorID, params.DepositAmount, params.ExpiresAt))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Session{}, ErrDuplicateSession
		}
		return Session{}, fmt.Errorf("negotiation: insert session: %w", err)
	}
	return s, nil
}

func (r *PGRepository) GetSessionForUpdate(ctx context.Context, tx pgx.Tx, sessionID string) (Session, error) {
	query := fmt.Sprintf(`SELECT %s FROM negotiation_sessions WHERE id = $1 FOR UPDATE`, sessionColumns)

	s, err := scanSession(tx.QueryRow(ctx, query, sessionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("negotiation: lock session: %w", err)
	}
	return s, nil
}

func (r *PGRepository) GetNonTerminalForPairForUpdate(ctx context.Context, tx pgx.Tx, projectID, investorID string) (Session, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM negotiation_sessions
		WHERE project_id = $1 AND investor_id = $2
		  AND status IN ('awaiting_deposit','active')
		FOR UPDATE
	`, sessionColumns)

	s, err := scanSession(tx.QueryRow(ctx, query, projectID, investorID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("negotiation: lock pair session: %w", err)
	}
	return s, nil
}

func (r *PGRepository) UpdateSession(ctx context.Context, tx pgx.Tx, sessionID string, params UpdateSessionParams) (Session, error) {
	updateSQL := fmt.Sprintf(`
		UPDATE negotiation_sessions
		SET status = $2::negotiation_status,
		    deposit_status = $3::deposit_status,
		    expires_at = COALESCE($4, expires_at),
		    agreement_terms = COALESCE($5, agreement_terms),
		    leak_turn_id = COALESCE($6, leak_turn_id),
		    updated_at = now()
		WHERE id = $1
		RETURNING %s
	`, sessionColumns)

	s, err := scanSession(tx.QueryRow(ctx, updateSQL, sessionID,
		params.Status, params.DepositStatus, params.ExpiresAt, params.AgreementTerms, params.LeakTurnID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("negotiation: update session: %w", err)
	}
	return s, nil
}

func (r *PGRepository) GetNonTerminalForPair(ctx context.Context, projectID, investorID string) (Session, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM negotiation_sessions
		WHERE project_id = $1 AND investor_id = $2
		  AND status IN ('awaiting_deposit','active')
	`, sessionColumns)

	s, err := scanSession(r.pool.QueryRow(ctx, query, projectID, investorID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("negotiation: get pair session: %w", err)
	}
	return s, nil
}

func (r *PGRepository) GetSession(ctx context.Context, sessionID string) (Session, error) {
	query := fmt.Sprintf(`SELECT %s FROM negotiation_sessions WHERE id = $1`, sessionColumns)

	s, err := scanSession(r.pool.QueryRow(ctx, query, sessionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("negotiation: get session: %w", err)
	}
	return s, nil
}

func scanSession(row pgx.Row) (Session, error) {
	var s Session
	err := row.Scan(
		&s.ID,
		&s.ProjectID,
		&s.InvestorID,
		&s.Status,
		&s.DepositAmount,
		&s.DepositStatus,
		&s.AgreementTerms,
		&s.LeakTurnID,
		&s.CreatedAt,
		&s.ExpiresAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return Session{}, err
	}
	return s, nil
}
