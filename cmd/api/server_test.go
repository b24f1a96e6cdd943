package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"fundgate/disclosure"
	"fundgate/identity"
	"fundgate/mediation"
	"fundgate/nda"
	"fundgate/negotiation"
	"fundgate/project"
)

type stubIdentity struct {
	user      identity.User
	loginErr  error
	regErr    error
	tokenUser string
	tokenRole identity.Role
	tokenErr  error
}

func (s *stubIdentity) Register(_ context.Context, _ identity.RegisterRequest) (*identity.User, error) {
	if s.regErr != nil {
		return nil, s.regErr
	}
	u := s.user
	return &u, nil
}

func (s *stubIdentity) Login(_ context.Context, _ identity.LoginRequest) (identity.LoginResult, error) {
	if s.loginErr != nil {
		return identity.LoginResult{}, s.loginErr
	}
	return identity.LoginResult{Token: "tok-1", User: s.user}, nil
}

func (s *stubIdentity) VerifyToken(token string) (string, identity.Role, error) {
	if s.tokenErr != nil {
		return "", "", s.tokenErr
	}
	return s.tokenUser, s.tokenRole, nil
}

type stubProjects struct {
	project   project.Project
	projects  []project.Project
	err       error
	lastLimit int
}

func (s *stubProjects) GetByID(_ context.Context, _ string) (project.Project, error) {
	return s.project, s.err
}

func (s *stubProjects) List(_ context.Context, limit int) ([]project.Project, error) {
	s.lastLimit = limit
	if s.err != nil {
		return nil, s.err
	}
	if limit > len(s.projects) {
		limit = len(s.projects)
	}
	return s.projects[:limit], nil
}

type stubResolver struct {
	tier disclosure.Tier
}

func (s *stubResolver) TierFor(context.Context, string, string) disclosure.Tier {
	return s.tier
}

type stubNDA struct {
	agreement nda.Agreement
	err       error
}

func (s *stubNDA) Create(context.Context, string, nda.Identity) (nda.Agreement, error) {
	return s.agreement, s.err
}

func (s *stubNDA) SendOTP(context.Context, string, nda.Channel) error {
	return s.err
}

func (s *stubNDA) VerifyOTP(context.Context, string, string) (nda.Agreement, error) {
	return s.agreement, s.err
}

func (s *stubNDA) Revoke(context.Context, string, string, string) (nda.Agreement, error) {
	return s.agreement, s.err
}

type stubSessions struct {
	session negotiation.Session
	err     error
}

func (s *stubSessions) Open(context.Context, string, string) (negotiation.Session, error) {
	return s.session, s.err
}

func (s *stubSessions) ConfirmDeposit(context.Context, string, string, int64) (negotiation.Session, error) {
	return s.session, s.err
}

func (s *stubSessions) ReachAgreement(context.Context, string, string, string) (negotiation.Session, error) {
	return s.session, s.err
}

func (s *stubSessions) Reject(context.Context, string, string) (negotiation.Session, error) {
	return s.session, s.err
}

func (s *stubSessions) Cancel(context.Context, string, string) (negotiation.Session, error) {
	return s.session, s.err
}

func (s *stubSessions) Get(context.Context, string) (negotiation.Session, error) {
	return s.session, s.err
}

type stubChat struct {
	result mediation.Result
	turns  []mediation.Turn
	err    error
}

func (s *stubChat) Relay(context.Context, string, string, string) (mediation.Result, error) {
	return s.result, s.err
}

func (s *stubChat) History(context.Context, string, int) ([]mediation.Turn, error) {
	return s.turns, s.err
}

func newTestServer() *Server {
	return &Server{
		identityService: &stubIdentity{tokenUser: "u1", tokenRole: identity.RoleInvestor},
		projectService:  &stubProjects{},
		resolver:        &stubResolver{tier: disclosure.TierPublic},
		ndaService:      &stubNDA{},
		sessionService:  &stubSessions{},
		chat:            &stubChat{},
	}
}

func do(t *testing.T, server *Server, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	server.routes().ServeHTTP(rec, req)
	return rec
}

func TestHandleRegister_Success(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	server := newTestServer()
	server.identityService = &stubIdentity{user: identity.User{
		ID: "u1", Email: "ada@example.com", FullName: "Ada Lovelace", Role: identity.RoleInvestor, CreatedAt: now,
	}}

	rec := do(t, server, http.MethodPost, "/api/auth/register",
		`{"email":"ada@example.com","password":"longenough","full_name":"Ada Lovelace"}`, "")

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp userResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "u1" || resp.CreatedAt != now.Format(time.RFC3339) {
		t.Fatalf("unexpected payload: %+v", resp)
	}
}

func TestHandleRegister_DuplicateEmail(t *testing.T) {
	server := newTestServer()
	server.identityService = &stubIdentity{regErr: identity.ErrDuplicateEmail}

	rec := do(t, server, http.MethodPost, "/api/auth/register",
		`{"email":"ada@example.com","password":"longenough","full_name":"Ada"}`, "")

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	server := newTestServer()
	server.identityService = &stubIdentity{loginErr: identity.ErrInvalidCredentials}

	rec := do(t, server, http.MethodPost, "/api/auth/login",
		`{"email":"ada@example.com","password":"wrong"}`, "")

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleProject_TierSlicing(t *testing.T) {
	p := project.Project{
		ID: "p1", OwnerUserID: "owner-1", Title: "Solar Microgrid", FundingGoal: 500_000,
		PublicSummary: "Community solar.", RegisteredBrief: "Registered brief.", FullPlan: "The full plan.",
	}

	server := newTestServer()
	server.projectService = &stubProjects{project: p}
	server.resolver = &stubResolver{tier: disclosure.TierPublic}

	rec := do(t, server, http.MethodGet, "/api/projects/p1", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var anon projectResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &anon); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if anon.Tier != "public" || anon.FullPlan != "" || anon.FundingGoal != 0 || anon.RegisteredBrief != "" {
		t.Fatalf("public view leaked gated fields: %+v", anon)
	}

	server.resolver = &stubResolver{tier: disclosure.TierNegotiating}
	rec = do(t, server, http.MethodGet, "/api/projects/p1", "", "tok")
	var full projectResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &full); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if full.Tier != "negotiating" || full.FullPlan != "The full plan." || full.FundingGoal != 500_000 {
		t.Fatalf("negotiating view missing fields: %+v", full)
	}
}

func TestHandleProject_NotFound(t *testing.T) {
	server := newTestServer()
	server.projectService = &stubProjects{err: project.ErrNotFound}

	rec := do(t, server, http.MethodGet, "/api/projects/missing", "", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleProjects_LimitClamped(t *testing.T) {
	server := newTestServer()
	stub := &stubProjects{}
	server.projectService = stub

	rec := do(t, server, http.MethodGet, "/api/projects?limit=150", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	// An oversized limit is clamped to the repository's maximum, not
	// silently replaced with a smaller default.
	if stub.lastLimit != 100 {
		t.Fatalf("expected limit clamped to 100, got %d", stub.lastLimit)
	}

	rec = do(t, server, http.MethodGet, "/api/projects", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if stub.lastLimit != 50 {
		t.Fatalf("expected default limit 50, got %d", stub.lastLimit)
	}
}

func TestAuthRequired(t *testing.T) {
	server := newTestServer()

	rec := do(t, server, http.MethodPost, "/api/sessions", `{"projectId":"p1"}`, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
}

func TestHandleOpenSession(t *testing.T) {
	server := newTestServer()
	server.sessionService = &stubSessions{session: negotiation.Session{
		ID: "s1", ProjectID: "p1", InvestorID: "u1",
		Status: negotiation.StatusAwaitingDeposit, DepositAmount: 5000,
		DepositStatus: negotiation.DepositNone,
	}}

	rec := do(t, server, http.MethodPost, "/api/sessions", `{"projectId":"p1"}`, "tok")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp sessionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.DepositAmount != 5000 || resp.Status != "awaiting_deposit" {
		t.Fatalf("unexpected payload: %+v", resp)
	}
}

func TestHandleOpenSession_Duplicate(t *testing.T) {
	server := newTestServer()
	server.sessionService = &stubSessions{err: negotiation.ErrDuplicateSession}

	rec := do(t, server, http.MethodPost, "/api/sessions", `{"projectId":"p1"}`, "tok")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestHandleConfirmDeposit_Mismatch(t *testing.T) {
	server := newTestServer()
	server.sessionService = &stubSessions{err: negotiation.ErrPaymentMismatch}

	rec := do(t, server, http.MethodPost, "/api/sessions/s1/deposit", `{"amount":42}`, "tok")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleSendOTP_RateLimited(t *testing.T) {
	server := newTestServer()
	server.ndaService = &stubNDA{err: nda.ErrRateLimited}

	rec := do(t, server, http.MethodPost, "/api/nda/a1/otp", `{"channel":"email"}`, "tok")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
}

func TestHandleChat_Flagged(t *testing.T) {
	server := newTestServer()
	server.chat = &stubChat{result: mediation.Result{
		MediatorTurn:   mediation.Turn{ID: "t2", SenderRole: mediation.RoleAIMediator, Content: "Let's keep it here."},
		SessionFlagged: true,
	}}

	rec := do(t, server, http.MethodPost, "/api/sessions/s1/chat", `{"message":"call me"}`, "tok")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Reply          turnResponse `json:"reply"`
		SessionFlagged bool         `json:"sessionFlagged"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.SessionFlagged || resp.Reply.ID != "t2" {
		t.Fatalf("unexpected payload: %+v", resp)
	}
}

func TestHandleChat_NotActive(t *testing.T) {
	server := newTestServer()
	server.chat = &stubChat{err: mediation.ErrSessionNotActive}

	rec := do(t, server, http.MethodPost, "/api/sessions/s1/chat", `{"message":"hi"}`, "tok")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}
