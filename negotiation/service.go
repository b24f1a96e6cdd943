// Package negotiation owns the session lifecycle: deposit gating, expiry,
// and the leak penalty. All transitions on a session serialize on its locked
// row, and economic side effects commit in the same transaction as the
// status change.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/jackc/pgx/v5"

	"fundgate/escrow"
	"fundgate/metrics"
)

var (
	// ErrPaymentMismatch signals the confirmed amount differs from the
	// required deposit.
	ErrPaymentMismatch = errors.New("negotiation: payment amount does not match required deposit")
	// ErrInvalidTransition signals an operation on a session whose current
	// state does not permit it.
	ErrInvalidTransition = errors.New("negotiation: invalid state transition")
	// ErrForbidden signals the actor is not a party to the session.
	ErrForbidden = errors.New("negotiation: actor is not a party to this session")
)

// depositRate is the fraction of the funding goal required as earnest
// deposit, floored at the configured minimum.
const depositRate = 0.01

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Ledger is the escrow capability the state machine drives. Implementations
// must be idempotent per (session, direction).
type Ledger interface {
	Hold(ctx context.Context, tx pgx.Tx, sessionID string, amount int64) (escrow.Transaction, error)
	Refund(ctx context.Context, tx pgx.Tx, sessionID string) (escrow.Transaction, error)
	Forfeit(ctx context.Context, tx pgx.Tx, sessionID string) (escrow.Transaction, error)
}

// ProjectReader supplies the project facts the state machine needs.
type ProjectReader interface {
	Facts(ctx context.Context, projectID string) (ProjectFacts, error)
}

// Service is the negotiation session state machine.
type Service struct {
	pool     TxBeginner
	repo     Repository
	ledger   Ledger
	projects ProjectReader
	mtr      *metrics.Metrics

	minimumDeposit int64
	sessionTTL     time.Duration
	now            func() time.Time
}

// Options tune the state machine; zero values fall back to defaults.
type Options struct {
	MinimumDeposit int64
	SessionTTL     time.Duration
	Metrics        *metrics.Metrics
	Now            func() time.Time
}

func NewService(pool TxBeginner, repo Repository, ledger Ledger, projects ProjectReader, opts Options) *Service {
	if opts.MinimumDeposit <= 0 {
		opts.MinimumDeposit = 1000
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 72 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		pool:           pool,
		repo:           repo,
		ledger:         ledger,
		projects:       projects,
		mtr:            opts.Metrics,
		minimumDeposit: opts.MinimumDeposit,
		sessionTTL:     opts.SessionTTL,
		now:            opts.Now,
	}
}

// DepositFor computes the earnest deposit for a funding goal: one percent,
// rounded, floored at the minimum so small-goal projects still require a
// meaningful commitment.
func (s *Service) DepositFor(fundingGoal int64) int64 {
	amount := int64(math.Round(float64(fundingGoal) * depositRate))
	if amount < s.minimumDeposit {
		amount = s.minimumDeposit
	}
	return amount
}

// Open creates a session awaiting its deposit. A live non-terminal session
// for the pair blocks the open; a stale one is reconciled first.
func (s *Service) Open(ctx context.Context, projectID, investorID string) (Session, error) {
	if projectID == "" || investorID == "" {
		return Session{}, fmt.Errorf("negotiation: open requires project and investor ids")
	}

	facts, err := s.projects.Facts(ctx, projectID)
	if err != nil {
		return Session{}, fmt.Errorf("negotiation: load project %s: %w", projectID, err)
	}
	if facts.OwnerUserID == investorID {
		return Session{}, fmt.Errorf("negotiation: project owner cannot negotiate own project")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Session{}, fmt.Errorf("negotiation: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// A stale non-terminal session would trip the uniqueness index even
	// though its window has passed; reconcile it before deciding.
	switch existing, err := s.repo.GetNonTerminalForPairForUpdate(ctx, tx, projectID, investorID); {
	case err == nil:
		reconciled, rerr := s.reconcileExpiryLocked(ctx, tx, existing)
		if rerr != nil {
			return Session{}, rerr
		}
		if !reconciled.Status.Terminal() {
			return Session{}, ErrDuplicateSession
		}
	case errors.Is(err, ErrNotFound):
		// continue
	default:
		return Session{}, err
	}

	now := s.now()
	session, err := s.repo.InsertSession(ctx, tx, InsertSessionParams{
		ProjectID:     projectID,
		InvestorID:    investorID,
		DepositAmount: s.DepositFor(facts.FundingGoal),
		ExpiresAt:     now.Add(s.sessionTTL),
	})
	if err != nil {
		return Session{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Session{}, fmt.Errorf("negotiation: commit open: %w", err)
	}

	s.mtr.IncSessionsOpened()
	return session, nil
}

// ConfirmDeposit verifies the paid amount, places the escrow hold, and
// activates the session. Replaying a confirm that already succeeded is a
// no-op returning the active session.
func (s *Service) ConfirmDeposit(ctx context.Context, sessionID, investorID string, amount int64) (Session, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Session{}, fmt.Errorf("negotiation: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	session, err := s.lockAndReconcile(ctx, tx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if session.InvestorID != investorID {
		return Session{}, ErrForbidden
	}

	if session.Status == StatusActive && session.DepositStatus == DepositHeld && amount == session.DepositAmount {
		return session, tx.Commit(ctx)
	}
	if session.Status != StatusAwaitingDeposit {
		return Session{}, ErrInvalidTransition
	}
	if amount != session.DepositAmount {
		return Session{}, ErrPaymentMismatch
	}

	if _, err := s.ledger.Hold(ctx, tx, session.ID, session.DepositAmount); err != nil {
		return Session{}, err
	}

	expiresAt := s.now().Add(s.sessionTTL)
	updated, err := s.repo.UpdateSession(ctx, tx, session.ID, UpdateSessionParams{
		Status:        StatusActive,
		DepositStatus: DepositHeld,
		ExpiresAt:     &expiresAt,
	})
	if err != nil {
		return Session{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		// The gateway already captured the deposit but no ledger row
		// committed; only manual reconciliation can settle this.
		log.Printf("SEVERE negotiation: deposit captured for session %s but commit failed: %v", session.ID, err)
		return Session{}, fmt.Errorf("negotiation: commit deposit confirmation: %w", err)
	}

	s.mtr.IncDepositsHeld()
	return updated, nil
}

// ReachAgreement closes an active session successfully. The deposit stays
// held: it is credited toward the deal by an external settlement process.
func (s *Service) ReachAgreement(ctx context.Context, sessionID, actorID, terms string) (Session, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Session{}, fmt.Errorf("negotiation: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	session, err := s.lockAndReconcile(ctx, tx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if err := s.requireParty(ctx, session, actorID); err != nil {
		return Session{}, err
	}
	if session.Status != StatusActive {
		return Session{}, ErrInvalidTransition
	}

	var termsPtr *string
	if terms != "" {
		termsPtr = &terms
	}
	updated, err := s.repo.UpdateSession(ctx, tx, session.ID, UpdateSessionParams{
		Status:         StatusAgreementReached,
		DepositStatus:  session.DepositStatus,
		AgreementTerms: termsPtr,
	})
	if err != nil {
		return Session{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Session{}, fmt.Errorf("negotiation: commit agreement: %w", err)
	}
	return updated, nil
}

// Reject closes an active session without agreement and refunds the deposit.
func (s *Service) Reject(ctx context.Context, sessionID, actorID string) (Session, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Session{}, fmt.Errorf("negotiation: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	session, err := s.lockAndReconcile(ctx, tx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if err := s.requireParty(ctx, session, actorID); err != nil {
		return Session{}, err
	}
	if session.Status != StatusActive {
		return Session{}, ErrInvalidTransition
	}

	if _, err := s.ledger.Refund(ctx, tx, session.ID); err != nil {
		return Session{}, err
	}
	updated, err := s.repo.UpdateSession(ctx, tx, session.ID, UpdateSessionParams{
		Status:        StatusRejected,
		DepositStatus: DepositRefunded,
	})
	if err != nil {
		return Session{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		log.Printf("SEVERE negotiation: refund issued for session %s but commit failed: %v", session.ID, err)
		return Session{}, fmt.Errorf("negotiation: commit rejection: %w", err)
	}

	s.mtr.IncDepositsRefunded()
	return updated, nil
}

// Cancel ends a session from awaiting_deposit or active. The refund fires
// only when a hold exists.
func (s *Service) Cancel(ctx context.Context, sessionID, actorID string) (Session, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Session{}, fmt.Errorf("negotiation: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	session, err := s.lockAndReconcile(ctx, tx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if err := s.requireParty(ctx, session, actorID); err != nil {
		return Session{}, err
	}
	if session.Status != StatusAwaitingDeposit && session.Status != StatusActive {
		return Session{}, ErrInvalidTransition
	}

	depositStatus := session.DepositStatus
	if session.DepositStatus == DepositHeld {
		if _, err := s.ledger.Refund(ctx, tx, session.ID); err != nil {
			return Session{}, err
		}
		depositStatus = DepositRefunded
	}

	updated, err := s.repo.UpdateSession(ctx, tx, session.ID, UpdateSessionParams{
		Status:        StatusCancelled,
		DepositStatus: depositStatus,
	})
	if err != nil {
		return Session{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		if depositStatus == DepositRefunded && session.DepositStatus == DepositHeld {
			log.Printf("SEVERE negotiation: refund issued for session %s but commit failed: %v", session.ID, err)
		}
		return Session{}, fmt.Errorf("negotiation: commit cancellation: %w", err)
	}

	if depositStatus == DepositRefunded && session.DepositStatus == DepositHeld {
		s.mtr.IncDepositsRefunded()
	}
	return updated, nil
}

// FlagLeak closes an active session for a confirmed off-platform contact
// attempt and forfeits the deposit. The triggering chat turn is retained as
// evidence. This is the only punitive transition; a terminal session rejects
// it with no ledger mutation.
func (s *Service) FlagLeak(ctx context.Context, sessionID, chatTurnID string) (Session, error) {
	if chatTurnID == "" {
		return Session{}, fmt.Errorf("negotiation: flag leak requires evidence turn id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Session{}, fmt.Errorf("negotiation: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	session, err := s.lockAndReconcile(ctx, tx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if session.Status != StatusActive {
		return Session{}, ErrInvalidTransition
	}

	if _, err := s.ledger.Forfeit(ctx, tx, session.ID); err != nil {
		return Session{}, err
	}
	updated, err := s.repo.UpdateSession(ctx, tx, session.ID, UpdateSessionParams{
		Status:        StatusRejected,
		DepositStatus: DepositForfeited,
		LeakTurnID:    &chatTurnID,
	})
	if err != nil {
		return Session{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		log.Printf("SEVERE negotiation: forfeit issued for session %s but commit failed: %v", session.ID, err)
		return Session{}, fmt.Errorf("negotiation: commit leak penalty: %w", err)
	}

	s.mtr.IncLeaksFlagged()
	s.mtr.IncDepositsForfeited()
	return updated, nil
}

// Get returns the session after reconciling its expiry, so a stale active
// session can never be observed past its window.
func (s *Service) Get(ctx context.Context, sessionID string) (Session, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Session{}, fmt.Errorf("negotiation: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	session, err := s.lockAndReconcile(ctx, tx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Session{}, fmt.Errorf("negotiation: commit expiry reconcile: %w", err)
	}
	return session, nil
}

// ReconcileExpiry forces the lazy-expiration check for one session. Safe to
// call repeatedly; the ledger's single-resolution invariant makes the refund
// side effect exactly-once.
func (s *Service) ReconcileExpiry(ctx context.Context, sessionID string) (Session, error) {
	return s.Get(ctx, sessionID)
}

// HasActiveSession reports whether the investor holds an active session for
// the project. The read itself is lock-free; a stale active session is
// reported inactive immediately and reconciled in its own transaction.
func (s *Service) HasActiveSession(ctx context.Context, investorID, projectID string) (bool, error) {
	session, err := s.repo.GetNonTerminalForPair(ctx, projectID, investorID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	if IsExpired(session, s.now()) {
		if _, err := s.ReconcileExpiry(ctx, session.ID); err != nil {
			log.Printf("negotiation: reconcile expiry for session %s: %v", session.ID, err)
		}
		return false, nil
	}
	return session.Status == StatusActive, nil
}

// lockAndReconcile locks the session row and applies lazy expiration before
// the caller inspects status.
func (s *Service) lockAndReconcile(ctx context.Context, tx pgx.Tx, sessionID string) (Session, error) {
	session, err := s.repo.GetSessionForUpdate(ctx, tx, sessionID)
	if err != nil {
		return Session{}, err
	}
	return s.reconcileExpiryLocked(ctx, tx, session)
}

func (s *Service) reconcileExpiryLocked(ctx context.Context, tx pgx.Tx, session Session) (Session, error) {
	if !IsExpired(session, s.now()) {
		return session, nil
	}

	depositStatus := session.DepositStatus
	if session.Status == StatusActive && session.DepositStatus == DepositHeld {
		if _, err := s.ledger.Refund(ctx, tx, session.ID); err != nil {
			return Session{}, err
		}
		depositStatus = DepositRefunded
	}

	updated, err := s.repo.UpdateSession(ctx, tx, session.ID, UpdateSessionParams{
		Status:        StatusExpired,
		DepositStatus: depositStatus,
	})
	if err != nil {
		return Session{}, err
	}
	if depositStatus == DepositRefunded && session.DepositStatus == DepositHeld {
		s.mtr.IncDepositsRefunded()
	}
	return updated, nil
}

// requireParty checks the actor is the investor or the project owner.
func (s *Service) requireParty(ctx context.Context, session Session, actorID string) error {
	if actorID == "" {
		return ErrForbidden
	}
	if actorID == session.InvestorID {
		return nil
	}
	facts, err := s.projects.Facts(ctx, session.ProjectID)
	if err != nil {
		return fmt.Errorf("negotiation: load project %s: %w", session.ProjectID, err)
	}
	if actorID == facts.OwnerUserID {
		return nil
	}
	return ErrForbidden
}
