// Package mediation relays negotiation chat through an external AI mediator
// that impersonates the project owner, and surfaces the mediator's leak-risk
// signal to the session state machine. The external call is an opaque
// capability with a bounded deadline; its failure is never punitive.
package mediation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"fundgate/negotiation"
)

var (
	// ErrSessionNotActive signals chat on a session that is not active.
	ErrSessionNotActive = errors.New("mediation: session is not active")
	// ErrNotParticipant signals the sender is not the session's investor.
	ErrNotParticipant = errors.New("mediation: sender is not the session investor")
)

const neutralReply = "Thanks, noted. Could you elaborate on that here in the negotiation room?"

// historyLimit bounds how many prior turns are forwarded to the mediator.
const historyLimit = 20

// SessionControl is the slice of the session state machine the gateway
// drives. Get applies lazy expiration before the gateway inspects status.
type SessionControl interface {
	Get(ctx context.Context, sessionID string) (negotiation.Session, error)
	FlagLeak(ctx context.Context, sessionID, chatTurnID string) (negotiation.Session, error)
}

// ProjectReader supplies the project context forwarded to the mediator.
type ProjectReader interface {
	Brief(ctx context.Context, projectID string) (ProjectBrief, error)
}

// Gateway relays investor messages through the mediator.
type Gateway struct {
	sessions SessionControl
	turns    TurnRepository
	projects ProjectReader
	strategy Strategy

	threshold float64
	timeout   time.Duration
}

// Options tune the gateway; zero values fall back to defaults.
type Options struct {
	LeakThreshold float64
	Timeout       time.Duration
}

func NewGateway(sessions SessionControl, turns TurnRepository, projects ProjectReader, strategy Strategy, opts Options) *Gateway {
	if opts.LeakThreshold <= 0 {
		opts.LeakThreshold = 0.7
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Gateway{
		sessions:  sessions,
		turns:     turns,
		projects:  projects,
		strategy:  strategy,
		threshold: opts.LeakThreshold,
		timeout:   opts.Timeout,
	}
}

// Result is the outcome of relaying one investor message.
type Result struct {
	InvestorTurn Turn
	MediatorTurn Turn
	// SessionFlagged reports that this message closed the session for a
	// disclosure leak and the deposit was forfeited.
	SessionFlagged bool
}

// Relay stores the investor's message, obtains a mediator reply, and flags
// the session when the leak-risk score crosses the threshold. The mediator
// call happens outside any session lock; on timeout or failure the gateway
// logs for manual review and answers neutrally instead of flagging.
func (g *Gateway) Relay(ctx context.Context, sessionID, senderID, message string) (Result, error) {
	if message == "" {
		return Result{}, fmt.Errorf("mediation: message must not be empty")
	}

	session, err := g.sessions.Get(ctx, sessionID)
	if err != nil {
		return Result{}, err
	}
	if session.InvestorID != senderID {
		return Result{}, ErrNotParticipant
	}
	if session.Status != negotiation.StatusActive {
		return Result{}, ErrSessionNotActive
	}

	brief, err := g.projects.Brief(ctx, session.ProjectID)
	if err != nil {
		return Result{}, fmt.Errorf("mediation: load project context: %w", err)
	}
	history, err := g.turns.ListTurns(ctx, sessionID, historyLimit)
	if err != nil {
		return Result{}, err
	}

	reply := g.generate(ctx, Exchange{Project: brief, History: history, Message: message})

	investorTurn, err := g.turns.InsertTurn(ctx, sessionID, RoleInvestor, message, reply.LeakRiskScore)
	if err != nil {
		return Result{}, err
	}

	flagged := false
	if reply.LeakRiskScore >= g.threshold {
		if _, err := g.sessions.FlagLeak(ctx, sessionID, investorTurn.ID); err != nil {
			// A concurrent transition already closed the session; the
			// evidence turn is stored either way.
			if !errors.Is(err, negotiation.ErrInvalidTransition) {
				return Result{}, err
			}
			log.Printf("mediation: leak on already-terminal session %s (turn %s): %v", sessionID, investorTurn.ID, err)
		}
		flagged = true
	}

	mediatorTurn, err := g.turns.InsertTurn(ctx, sessionID, RoleAIMediator, reply.Text, 0)
	if err != nil {
		return Result{}, err
	}

	return Result{InvestorTurn: investorTurn, MediatorTurn: mediatorTurn, SessionFlagged: flagged}, nil
}

// History returns the stored turns for a session.
func (g *Gateway) History(ctx context.Context, sessionID string, limit int) ([]Turn, error) {
	if limit <= 0 || limit > 200 {
		limit = historyLimit
	}
	return g.turns.ListTurns(ctx, sessionID, limit)
}

// generate calls the strategy under the gateway deadline. Failure is a
// degraded-dependency condition: log for manual review, answer neutrally,
// never flag.
func (g *Gateway) generate(ctx context.Context, exchange Exchange) Reply {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	reply, err := g.strategy.GenerateReply(callCtx, exchange)
	if err != nil {
		log.Printf("mediation: mediator unavailable, manual review needed: %v", err)
		return Reply{Text: neutralReply, LeakRiskScore: 0}
	}
	return reply
}
