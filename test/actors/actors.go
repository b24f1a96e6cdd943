package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"fundgate/escrow"
	"fundgate/negotiation"
)

// severe reports errors the harness must fail loudly on. Contention
// outcomes (duplicate session, invalid transition, payment mismatch) and
// chaos-induced connection loss are expected; an escrow invariant violation
// never is. The structural invariants themselves are checked by the oracles.
func severe(err error) bool {
	return errors.Is(err, escrow.ErrNoActiveHold) || errors.Is(err, escrow.ErrAlreadyResolved)
}

// Opener races to open sessions for the pair; the partial unique index
// ensures at most one non-terminal session survives each round.
func Opener(ctx context.Context, sessions *negotiation.Service, projectID, investorID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		default:
		}
		_, err := sessions.Open(ctx, projectID, investorID)
		if severe(err) {
			return fmt.Errorf("opener: %w", err)
		}
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

// DepositConfirmer races to confirm the live session's deposit. Replays and
// losers of the race must both come back clean.
func DepositConfirmer(ctx context.Context, sessions *negotiation.Service, pool *pgxpool.Pool, projectID, investorID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		default:
		}
		id, amount, err := liveSession(ctx, pool, projectID, investorID)
		if err == nil && id != "" {
			if _, err := sessions.ConfirmDeposit(ctx, id, investorID, amount); severe(err) {
				return fmt.Errorf("deposit confirmer: %w", err)
			}
		}
		time.Sleep(time.Duration(15+rand.Intn(30)) * time.Millisecond)
	}
}

// Reader exercises the lazy-expiration read path. With a short session TTL
// this is what turns stale active sessions into exactly-one refund.
func Reader(ctx context.Context, sessions *negotiation.Service, pool *pgxpool.Pool, projectID, investorID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		default:
		}
		id, _, err := anySession(ctx, pool, projectID, investorID)
		if err == nil && id != "" {
			if _, err := sessions.Get(ctx, id); severe(err) {
				return fmt.Errorf("reader: %w", err)
			}
		}
		if _, err := sessions.HasActiveSession(ctx, investorID, projectID); severe(err) {
			return fmt.Errorf("reader active check: %w", err)
		}
		time.Sleep(time.Duration(10+rand.Intn(25)) * time.Millisecond)
	}
}

// Closer randomly rejects or cancels the live session, racing the other
// terminal transitions over the same escrow hold.
func Closer(ctx context.Context, sessions *negotiation.Service, pool *pgxpool.Pool, projectID, investorID, ownerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		default:
		}
		id, _, err := liveSession(ctx, pool, projectID, investorID)
		if err == nil && id != "" {
			if rand.Intn(2) == 0 {
				_, err = sessions.Reject(ctx, id, ownerID)
			} else {
				_, err = sessions.Cancel(ctx, id, investorID)
			}
			if severe(err) {
				return fmt.Errorf("closer: %w", err)
			}
		}
		time.Sleep(time.Duration(40+rand.Intn(80)) * time.Millisecond)
	}
}

// LeakFlagger races the punitive transition against refunds and expiry.
// At most one resolution may ever land.
func LeakFlagger(ctx context.Context, sessions *negotiation.Service, pool *pgxpool.Pool, projectID, investorID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		default:
		}
		id, _, err := liveSession(ctx, pool, projectID, investorID)
		if err == nil && id != "" {
			if _, err := sessions.FlagLeak(ctx, id, uuid.NewString()); severe(err) {
				return fmt.Errorf("leak flagger: %w", err)
			}
		}
		time.Sleep(time.Duration(60+rand.Intn(120)) * time.Millisecond)
	}
}

func liveSession(ctx context.Context, pool *pgxpool.Pool, projectID, investorID string) (string, int64, error) {
	var id string
	var amount int64
	err := pool.QueryRow(ctx, `
		SELECT id, deposit_amount FROM negotiation_sessions
		WHERE project_id = $1 AND investor_id = $2 AND status IN ('awaiting_deposit','active')
	`, projectID, investorID).Scan(&id, &amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", 0, nil
	}
	return id, amount, err
}

func anySession(ctx context.Context, pool *pgxpool.Pool, projectID, investorID string) (string, int64, error) {
	var id string
	var amount int64
	err := pool.QueryRow(ctx, `
		SELECT id, deposit_amount FROM negotiation_sessions
		WHERE project_id = $1 AND investor_id = $2
		ORDER BY random() LIMIT 1
	`, projectID, investorID).Scan(&id, &amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", 0, nil
	}
	return id, amount, err
}
