// Package escrow holds, refunds, and forfeits earnest deposits. All writes
// run inside the caller's transaction so a session transition and its
// economic side effect commit or roll back together.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5"
)

// Ledger applies deposit movements. Every method is idempotent under retry:
// the idempotency key (session id + direction) is reserved before the
// gateway is called, so a replay returns the recorded transaction without
// moving funds again.
type Ledger struct {
	repo    Repository
	gateway PaymentGateway
}

func NewLedger(repo Repository, gateway PaymentGateway) *Ledger {
	if repo == nil {
		repo = NewRepository()
	}
	return &Ledger{repo: repo, gateway: gateway}
}

// Hold captures the earnest deposit for a session.
func (l *Ledger) Hold(ctx context.Context, tx pgx.Tx, sessionID string, amount int64) (Transaction, error) {
	if sessionID == "" {
		return Transaction{}, fmt.Errorf("escrow: hold missing session id")
	}
	if amount <= 0 {
		return Transaction{}, fmt.Errorf("escrow: hold amount must be positive, got %d", amount)
	}

	if err := l.repo.ReserveIdempotencyKey(ctx, tx, idemKey(sessionID, DirectionHold)); err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			return l.repo.GetHold(ctx, tx, sessionID)
		}
		return Transaction{}, err
	}

	ref, err := l.gateway.Hold(ctx, sessionID, amount)
	if err != nil {
		return Transaction{}, fmt.Errorf("escrow: gateway hold for session %s: %w", sessionID, err)
	}

	return l.repo.InsertTransaction(ctx, tx, sessionID, DirectionHold, amount, ref)
}

// Refund releases the held deposit back to the investor.
func (l *Ledger) Refund(ctx context.Context, tx pgx.Tx, sessionID string) (Transaction, error) {
	return l.resolve(ctx, tx, sessionID, DirectionRefund)
}

// Forfeit converts the held deposit punitively. Only a confirmed policy
// violation reaches this path.
func (l *Ledger) Forfeit(ctx context.Context, tx pgx.Tx, sessionID string) (Transaction, error) {
	return l.resolve(ctx, tx, sessionID, DirectionForfeit)
}

func (l *Ledger) resolve(ctx context.Context, tx pgx.Tx, sessionID string, direction Direction) (Transaction, error) {
	if sessionID == "" {
		return Transaction{}, fmt.Errorf("escrow: %s missing session id", direction)
	}

	hold, err := l.repo.GetHold(ctx, tx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNoActiveHold) {
			log.Printf("SEVERE escrow: %s requested for session %s with no hold", direction, sessionID)
		}
		return Transaction{}, err
	}

	// A prior resolution decides the outcome: replaying the same direction
	// is a no-op, crossing directions is an invariant violation.
	switch existing, err := l.repo.GetResolution(ctx, tx, sessionID); {
	case err == nil:
		if existing.Direction == direction {
			return existing, nil
		}
		log.Printf("SEVERE escrow: session %s already resolved as %s, refused %s", sessionID, existing.Direction, direction)
		return Transaction{}, ErrAlreadyResolved
	case errors.Is(err, ErrNoResolution):
		// continue
	default:
		return Transaction{}, err
	}

	if err := l.repo.ReserveIdempotencyKey(ctx, tx, idemKey(sessionID, direction)); err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			return l.repo.GetResolution(ctx, tx, sessionID)
		}
		return Transaction{}, err
	}

	var ref string
	switch direction {
	case DirectionRefund:
		ref, err = l.gateway.Refund(ctx, sessionID, hold.Amount)
	case DirectionForfeit:
		ref, err = l.gateway.Forfeit(ctx, sessionID, hold.Amount)
	default:
		return Transaction{}, fmt.Errorf("escrow: invalid resolution direction %q", direction)
	}
	if err != nil {
		return Transaction{}, fmt.Errorf("escrow: gateway %s for session %s: %w", direction, sessionID, err)
	}

	return l.repo.InsertTransaction(ctx, tx, sessionID, direction, hold.Amount, ref)
}

func idemKey(sessionID string, direction Direction) string {
	return sessionID + ":" + string(direction)
}
