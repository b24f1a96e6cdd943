package mediation

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"fundgate/negotiation"
)

func TestRelay_StoresBothTurns(t *testing.T) {
	h := newTestGateway(t)
	h.strategy.reply = Reply{Text: "What terms do you have in mind?", LeakRiskScore: 0.1}

	result, err := h.gw.Relay(context.Background(), "s1", "inv-1", "I can commit 50k for 10%")
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	if result.SessionFlagged {
		t.Fatal("low score must not flag the session")
	}
	if result.InvestorTurn.SenderRole != RoleInvestor || result.MediatorTurn.SenderRole != RoleAIMediator {
		t.Fatalf("wrong roles: %s / %s", result.InvestorTurn.SenderRole, result.MediatorTurn.SenderRole)
	}
	if result.InvestorTurn.LeakRiskScore != 0.1 {
		t.Fatalf("investor turn must carry the score, got %f", result.InvestorTurn.LeakRiskScore)
	}
	if len(h.turns.turns["s1"]) != 2 {
		t.Fatalf("expected 2 stored turns, got %d", len(h.turns.turns["s1"]))
	}
	if h.sessions.flagged != 0 {
		t.Fatal("flagLeak must not be called below threshold")
	}
}

func TestRelay_FlagsAboveThreshold(t *testing.T) {
	h := newTestGateway(t)
	h.strategy.reply = Reply{Text: "Let's keep this here.", LeakRiskScore: 0.9}

	result, err := h.gw.Relay(context.Background(), "s1", "inv-1", "text me at +1 555 010 0100")
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	if !result.SessionFlagged {
		t.Fatal("expected the session to be flagged")
	}
	if h.sessions.flagged != 1 {
		t.Fatalf("expected one flagLeak call, got %d", h.sessions.flagged)
	}
	if h.sessions.lastEvidence != result.InvestorTurn.ID {
		t.Fatalf("evidence must be the investor turn, got %q", h.sessions.lastEvidence)
	}
	// The mediator's reply is still stored so the evidence trail is complete.
	if len(h.turns.turns["s1"]) != 2 {
		t.Fatalf("expected 2 stored turns, got %d", len(h.turns.turns["s1"]))
	}
}

func TestRelay_ExactThresholdFlags(t *testing.T) {
	h := newTestGateway(t)
	h.strategy.reply = Reply{Text: "ok", LeakRiskScore: 0.7}

	result, err := h.gw.Relay(context.Background(), "s1", "inv-1", "here is my email")
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	if !result.SessionFlagged {
		t.Fatal("score equal to threshold must flag")
	}
}

func TestRelay_MediatorFailureIsNeutral(t *testing.T) {
	h := newTestGateway(t)
	h.strategy.err = ErrMediationTimeout

	result, err := h.gw.Relay(context.Background(), "s1", "inv-1", "hello?")
	if err != nil {
		t.Fatalf("relay must not fail when the mediator is down: %v", err)
	}
	if result.SessionFlagged || h.sessions.flagged != 0 {
		t.Fatal("mediator failure must never flag the session")
	}
	if result.MediatorTurn.Content != neutralReply {
		t.Fatalf("expected neutral reply, got %q", result.MediatorTurn.Content)
	}
	if result.InvestorTurn.LeakRiskScore != 0 {
		t.Fatalf("fallback must not assign risk, got %f", result.InvestorTurn.LeakRiskScore)
	}
}

func TestRelay_SessionGuards(t *testing.T) {
	h := newTestGateway(t)

	if _, err := h.gw.Relay(context.Background(), "s1", "someone-else", "hi"); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}

	h.sessions.sessions["s1"] = negotiation.Session{
		ID: "s1", ProjectID: "p1", InvestorID: "inv-1", Status: negotiation.StatusExpired,
	}
	if _, err := h.gw.Relay(context.Background(), "s1", "inv-1", "hi"); !errors.Is(err, ErrSessionNotActive) {
		t.Fatalf("expected ErrSessionNotActive, got %v", err)
	}

	if _, err := h.gw.Relay(context.Background(), "missing", "inv-1", "hi"); !errors.Is(err, negotiation.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRelay_TerminalRaceIsNotAnError(t *testing.T) {
	h := newTestGateway(t)
	h.strategy.reply = Reply{Text: "ok", LeakRiskScore: 0.95}
	h.sessions.flagErr = negotiation.ErrInvalidTransition

	// Another actor closed the session between Get and FlagLeak. The turn
	// is still stored as evidence and the relay succeeds.
	result, err := h.gw.Relay(context.Background(), "s1", "inv-1", "call me")
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	if len(h.turns.turns["s1"]) != 2 {
		t.Fatalf("expected turns stored despite race, got %d", len(h.turns.turns["s1"]))
	}
	_ = result
}

func TestHeuristicStrategy_Scoring(t *testing.T) {
	var s HeuristicStrategy
	ctx := context.Background()

	cases := []struct {
		message string
		min     float64
		max     float64
	}{
		{"I am interested in the terms of this deal", 0, 0},
		{"reach me at jane@example.com", 0.6, 1},
		{"text me on whatsapp at +1 555 010 0100", 0.7, 1},
		{"my number is 5550100100, call me", 0.7, 1},
	}
	for _, tc := range cases {
		reply, err := s.GenerateReply(ctx, Exchange{Message: tc.message})
		if err != nil {
			t.Fatalf("generate for %q: %v", tc.message, err)
		}
		if reply.LeakRiskScore < tc.min || reply.LeakRiskScore > tc.max {
			t.Errorf("message %q: score %f outside [%f, %f]", tc.message, reply.LeakRiskScore, tc.min, tc.max)
		}
		if reply.Text == "" {
			t.Errorf("message %q: empty reply", tc.message)
		}
	}
}

// --- test harness ---

type gatewayHarness struct {
	gw       *Gateway
	sessions *fakeSessions
	turns    *fakeTurns
	strategy *scriptedStrategy
}

func newTestGateway(t *testing.T) *gatewayHarness {
	t.Helper()
	sessions := &fakeSessions{sessions: map[string]negotiation.Session{
		"s1": {ID: "s1", ProjectID: "p1", InvestorID: "inv-1", Status: negotiation.StatusActive},
	}}
	turns := &fakeTurns{turns: make(map[string][]Turn)}
	strategy := &scriptedStrategy{}
	projects := stubBriefs{"p1": {Title: "Solar Microgrid", Summary: "Community solar."}}
	gw := NewGateway(sessions, turns, projects, strategy, Options{
		LeakThreshold: 0.7,
		Timeout:       time.Second,
	})
	return &gatewayHarness{gw: gw, sessions: sessions, turns: turns, strategy: strategy}
}

type fakeSessions struct {
	sessions     map[string]negotiation.Session
	flagged      int
	lastEvidence string
	flagErr      error
}

func (f *fakeSessions) Get(_ context.Context, sessionID string) (negotiation.Session, error) {
	s, ok := f.sessions[sessionID]
	if !ok {
		return negotiation.Session{}, negotiation.ErrNotFound
	}
	return s, nil
}

func (f *fakeSessions) FlagLeak(_ context.Context, sessionID, chatTurnID string) (negotiation.Session, error) {
	f.lastEvidence = chatTurnID
	if f.flagErr != nil {
		return negotiation.Session{}, f.flagErr
	}
	f.flagged++
	s := f.sessions[sessionID]
	s.Status = negotiation.StatusRejected
	s.DepositStatus = negotiation.DepositForfeited
	f.sessions[sessionID] = s
	return s, nil
}

type fakeTurns struct {
	turns  map[string][]Turn
	nextID int
}

func (f *fakeTurns) InsertTurn(_ context.Context, sessionID string, role SenderRole, content string, score float64) (Turn, error) {
	f.nextID++
	t := Turn{
		ID:            fmt.Sprintf("turn-%d", f.nextID),
		SessionID:     sessionID,
		SenderRole:    role,
		Content:       content,
		LeakRiskScore: score,
		CreatedAt:     time.Now().UTC(),
	}
	f.turns[sessionID] = append(f.turns[sessionID], t)
	return t, nil
}

func (f *fakeTurns) ListTurns(_ context.Context, sessionID string, limit int) ([]Turn, error) {
	turns := f.turns[sessionID]
	if len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return turns, nil
}

type stubBriefs map[string]ProjectBrief

func (s stubBriefs) Brief(_ context.Context, projectID string) (ProjectBrief, error) {
	brief, ok := s[projectID]
	if !ok {
		return ProjectBrief{}, fmt.Errorf("project %s not found", projectID)
	}
	return brief, nil
}

type scriptedStrategy struct {
	reply Reply
	err   error
}

func (s *scriptedStrategy) GenerateReply(context.Context, Exchange) (Reply, error) {
	if s.err != nil {
		return Reply{}, s.err
	}
	return s.reply, nil
}
