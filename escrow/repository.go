package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNoActiveHold signals a refund/forfeit without a prior hold. This is
	// an internal invariant violation and must never reach end users.
	ErrNoActiveHold = errors.New("escrow: no active hold for session")
	// ErrAlreadyResolved signals a second, conflicting resolution attempt.
	ErrAlreadyResolved = errors.New("escrow: session deposit already resolved")
	// ErrDuplicateIdempotencyKey signals the idempotency insert hit an
	// existing key; the caller treats the operation as already applied.
	ErrDuplicateIdempotencyKey = errors.New("escrow: duplicate idempotency key")
	// ErrDuplicateHold signals a second hold for the same session.
	ErrDuplicateHold = errors.New("escrow: hold already exists for session")
	// ErrNoResolution signals no refund/forfeit exists yet for the session.
	ErrNoResolution = errors.New("escrow: no resolution for session")
)

// Repository defines the ledger data access, scoped to the caller's
// transaction so escrow writes commit atomically with session transitions.
type Repository interface {
	ReserveIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) error
	InsertTransaction(ctx context.Context, tx pgx.Tx, sessionID string, direction Direction, amount int64, providerRef string) (Transaction, error)
	GetHold(ctx context.Context, tx pgx.Tx, sessionID string) (Transaction, error)
	GetResolution(ctx context.Context, tx pgx.Tx, sessionID string) (Transaction, error)
}

// PGRepository implements Repository against PostgreSQL. The single-hold and
// single-resolution invariants live in unique indexes, so concurrent writers
// fall out here as constraint violations rather than double-moved funds.
type PGRepository struct{}

func NewRepository() *PGRepository {
	return &PGRepository{}
}

// ReserveIdempotencyKey attempts to reserve the key inside the active
// transaction. A duplicate means the economic side effect already happened.
func (r *PGRepository) ReserveIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) error {
	if key == "" {
		return fmt.Errorf("escrow: empty idempotency key")
	}

	_, err := tx.Exec(ctx, `INSERT INTO escrow_idempotency (key) VALUES ($1)`, key)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("escrow: reserve idempotency key: %w", err)
	}

	return nil
}

func (r *PGRepository) InsertTransaction(ctx context.Context, tx pgx.Tx, sessionID string, direction Direction, amount int64, providerRef string) (Transaction, error) {
	const insertSQL = `
		INSERT INTO escrow_transactions (session_id, direction, amount, provider_ref)
		VALUES ($1, $2::escrow_direction, $3, $4)
		RETURNING id, session_id, direction::text, amount, provider_ref, created_at
	`

	var t Transaction
	err := tx.QueryRow(ctx, insertSQL, sessionID, direction, amount, providerRef).
		Scan(&t.ID, &t.SessionID, &t.Direction, &t.Amount, &t.ProviderRef, &t.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			switch pgErr.ConstraintName {
			case "escrow_one_resolution_per_session":
				return Transaction{}, ErrAlreadyResolved
			default:
				if direction == DirectionHold {
					return Transaction{}, ErrDuplicateHold
				}
				return Transaction{}, ErrAlreadyResolved
			}
		}
		return Transaction{}, fmt.Errorf("escrow: insert %s: %w", direction, err)
	}
	return t, nil
}

func (r *PGRepository) GetHold(ctx context.Context, tx pgx.Tx, sessionID string) (Transaction, error) {
	return r.getByDirection(ctx, tx, sessionID, `direction = 'hold'`, ErrNoActiveHold)
}

func (r *PGRepository) GetResolution(ctx context.Context, tx pgx.Tx, sessionID string) (Transaction, error) {
	return r.getByDirection(ctx, tx, sessionID, `direction IN ('refund','forfeit')`, ErrNoResolution)
}

func (r *PGRepository) getByDirection(ctx context.Context, tx pgx.Tx, sessionID, predicate string, missing error) (Transaction, error) {
	query := fmt.Sprintf(`
		SELECT id, session_id, direction::text, amount, provider_ref, created_at
		FROM escrow_transactions
		WHERE session_id = $1 AND %s
		LIMIT 1
	`, predicate)

	var t Transaction
	err := tx.QueryRow(ctx, query, sessionID).
		Scan(&t.ID, &t.SessionID, &t.Direction, &t.Amount, &t.ProviderRef, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, missing
		}
		return Transaction{}, fmt.Errorf("escrow: get transaction: %w", err)
	}
	return t, nil
}
