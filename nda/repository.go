package nda

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals no agreement row exists for the identifier.
	ErrNotFound = errors.New("nda: agreement not found")
	// ErrNoCode signals no one-time code has been issued for the agreement.
	ErrNoCode = errors.New("nda: no code issued for agreement")
	// ErrRevoked signals a write was refused because the agreement is
	// revoked. Revocation is terminal; no later write may undo it.
	ErrRevoked = errors.New("nda: agreement is revoked")
)

// Repository defines agreement data access. Agreement rows are small and
// mutated by single statements, so methods run on the pool directly.
type Repository interface {
	InsertAgreement(ctx context.Context, userID string, identity Identity) (Agreement, error)
	GetAgreement(ctx context.Context, agreementID string) (Agreement, error)
	SetStatus(ctx context.Context, agreementID string, status Status, otpVerified bool, reason *string) (Agreement, error)
	InsertCode(ctx context.Context, agreementID, codeHash string, channel Channel, expiresAt time.Time) error
	LatestCode(ctx context.Context, agreementID string) (OTPCode, error)
	HasActiveAgreement(ctx context.Context, userID string) (bool, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const agreementColumns = `id, user_id, full_name, email, phone, signature_data, otp_verified, status::text, revoked_reason, created_at, updated_at`

func (r *PGRepository) InsertAgreement(ctx context.Context, userID string, identity Identity) (Agreement, error) {
	query := fmt.Sprintf(`
		INSERT INTO nda_agreements (user_id, full_name, email, phone, signature_data, status)
		VALUES ($1, $2, $3, $4, $5, 'drafted')
		RETURNING %s
	`, agreementColumns)

	a, err := scanAgreement(r.pool.QueryRow(ctx, query,
		userID, identity.FullName, identity.Email, identity.Phone, identity.SignatureData))
	if err != nil {
		return Agreement{}, fmt.Errorf("nda: insert agreement: %w", err)
	}
	return a, nil
}

func (r *PGRepository) GetAgreement(ctx context.Context, agreementID string) (Agreement, error) {
	query := fmt.Sprintf(`SELECT %s FROM nda_agreements WHERE id = $1`, agreementColumns)

	a, err := scanAgreement(r.pool.QueryRow(ctx, query, agreementID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agreement{}, ErrNotFound
		}
		return Agreement{}, fmt.Errorf("nda: get agreement: %w", err)
	}
	return a, nil
}

// SetStatus writes the new status conditionally: a row that reached the
// revoked state is never updated again, so a verify racing an administrative
// revocation cannot resurrect the agreement.
func (r *PGRepository) SetStatus(ctx context.Context, agreementID string, status Status, otpVerified bool, reason *string) (Agreement, error) {
	query := fmt.Sprintf(`
		UPDATE nda_agreements
		SET status = $2::nda_status,
		    otp_verified = $3,
		    revoked_reason = COALESCE($4, revoked_reason),
		    updated_at = now()
		WHERE id = $1 AND status <> 'revoked'
		RETURNING %s
	`, agreementColumns)

	a, err := scanAgreement(r.pool.QueryRow(ctx, query, agreementID, status, otpVerified, reason))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Zero rows means the id is unknown or the guard blocked the
			// write; re-read to tell the two apart.
			if _, gerr := r.GetAgreement(ctx, agreementID); gerr != nil {
				return Agreement{}, gerr
			}
			return Agreement{}, ErrRevoked
		}
		return Agreement{}, fmt.Errorf("nda: set status: %w", err)
	}
	return a, nil
}

func (r *PGRepository) InsertCode(ctx context.Context, agreementID, codeHash string, channel Channel, expiresAt time.Time) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO nda_otp_codes (agreement_id, code_hash, channel, expires_at)
		VALUES ($1, $2, $3, $4)
	`, agreementID, codeHash, channel, expiresAt)
	if err != nil {
		return fmt.Errorf("nda: insert code: %w", err)
	}
	return nil
}

func (r *PGRepository) LatestCode(ctx context.Context, agreementID string) (OTPCode, error) {
	var c OTPCode
	err := r.pool.QueryRow(ctx, `
		SELECT id, agreement_id, code_hash, channel::text, expires_at, created_at
		FROM nda_otp_codes
		WHERE agreement_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, agreementID).Scan(&c.ID, &c.AgreementID, &c.CodeHash, &c.Channel, &c.ExpiresAt, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return OTPCode{}, ErrNoCode
		}
		return OTPCode{}, fmt.Errorf("nda: latest code: %w", err)
	}
	return c, nil
}

// HasActiveAgreement is the read the disclosure policy depends on. It goes
// to the row every time; an administrative revocation must take effect on
// the very next check.
func (r *PGRepository) HasActiveAgreement(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM nda_agreements WHERE user_id = $1 AND status = 'active'
		)
	`, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("nda: check active agreement: %w", err)
	}
	return exists, nil
}

func scanAgreement(row pgx.Row) (Agreement, error) {
	var a Agreement
	err := row.Scan(
		&a.ID,
		&a.UserID,
		&a.FullName,
		&a.Email,
		&a.Phone,
		&a.SignatureData,
		&a.OTPVerified,
		&a.Status,
		&a.RevokedReason,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return Agreement{}, err
	}
	return a, nil
}
