package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fundgate/disclosure"
	"fundgate/identity"
	"fundgate/mediation"
	"fundgate/nda"
	"fundgate/negotiation"
	"fundgate/project"
)

type ctxKey int

const (
	ctxKeyUserID ctxKey = iota
	ctxKeyRole
)

type identityService interface {
	Register(ctx context.Context, req identity.RegisterRequest) (*identity.User, error)
	Login(ctx context.Context, req identity.LoginRequest) (identity.LoginResult, error)
	VerifyToken(token string) (string, identity.Role, error)
}

type projectService interface {
	GetByID(ctx context.Context, id string) (project.Project, error)
	List(ctx context.Context, limit int) ([]project.Project, error)
}

type tierResolver interface {
	TierFor(ctx context.Context, userID, projectID string) disclosure.Tier
}

type ndaService interface {
	Create(ctx context.Context, userID string, id nda.Identity) (nda.Agreement, error)
	SendOTP(ctx context.Context, agreementID string, channel nda.Channel) error
	VerifyOTP(ctx context.Context, agreementID, code string) (nda.Agreement, error)
	Revoke(ctx context.Context, agreementID, actorID, reason string) (nda.Agreement, error)
}

type sessionService interface {
	Open(ctx context.Context, projectID, investorID string) (negotiation.Session, error)
	ConfirmDeposit(ctx context.Context, sessionID, investorID string, amount int64) (negotiation.Session, error)
	ReachAgreement(ctx context.Context, sessionID, actorID, terms string) (negotiation.Session, error)
	Reject(ctx context.Context, sessionID, actorID string) (negotiation.Session, error)
	Cancel(ctx context.Context, sessionID, actorID string) (negotiation.Session, error)
	Get(ctx context.Context, sessionID string) (negotiation.Session, error)
}

type chatGateway interface {
	Relay(ctx context.Context, sessionID, senderID, message string) (mediation.Result, error)
	History(ctx context.Context, sessionID string, limit int) ([]mediation.Turn, error)
}

// Server holds the HTTP surface over the negotiation subsystem.
type Server struct {
	identityService identityService
	projectService  projectService
	resolver        tierResolver
	ndaService      ndaService
	sessionService  sessionService
	chat            chatGateway
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/register", s.handleRegister)
		r.Post("/auth/login", s.handleLogin)

		// Project views are public; an attached token raises the tier.
		r.Group(func(r chi.Router) {
			r.Use(s.authenticate(false))
			r.Get("/projects", s.handleProjects)
			r.Get("/projects/{projectID}", s.handleProject)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate(true))

			r.Post("/nda", s.handleCreateNDA)
			r.Post("/nda/{agreementID}/otp", s.handleSendOTP)
			r.Post("/nda/{agreementID}/verify", s.handleVerifyOTP)
			r.Post("/nda/{agreementID}/revoke", s.handleRevokeNDA)

			r.Post("/sessions", s.handleOpenSession)
			r.Get("/sessions/{sessionID}", s.handleSession)
			r.Post("/sessions/{sessionID}/deposit", s.handleConfirmDeposit)
			r.Post("/sessions/{sessionID}/agree", s.handleReachAgreement)
			r.Post("/sessions/{sessionID}/reject", s.handleReject)
			r.Post("/sessions/{sessionID}/cancel", s.handleCancel)

			r.Post("/sessions/{sessionID}/chat", s.handleChat)
			r.Get("/sessions/{sessionID}/chat", s.handleChatHistory)
		})
	})

	return r
}

// authenticate parses the bearer token into the request context. When
// required is false an absent token passes through as an anonymous viewer;
// an invalid token is rejected either way.
func (s *Server) authenticate(required bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				if required {
					writeError(w, http.StatusUnauthorized, "authentication required")
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			token := strings.TrimPrefix(header, "Bearer ")
			userID, role, err := s.identityService.VerifyToken(token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			ctx := context.WithValue(r.Context(), ctxKeyUserID, userID)
			ctx = context.WithValue(ctx, ctxKeyRole, role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func userIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyUserID).(string); ok {
		return v
	}
	return ""
}

// --- auth handlers ---

type userResponse struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FullName  string `json:"fullName"`
	Role      string `json:"role"`
	CreatedAt string `json:"createdAt"`
}

func toUserResponse(u identity.User) userResponse {
	return userResponse{
		ID:        u.ID,
		Email:     u.Email,
		FullName:  u.FullName,
		Role:      string(u.Role),
		CreatedAt: u.CreatedAt.Format(time.RFC3339),
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req identity.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := s.identityService.Register(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserResponse(*user))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req identity.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.identityService.Login(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Token string       `json:"token"`
		User  userResponse `json:"user"`
	}{Token: result.Token, User: toUserResponse(result.User)})
}

// --- project handlers ---

type projectResponse struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	Tier          string `json:"tier"`
	PublicSummary string `json:"publicSummary"`
	// Higher-tier fields are omitted, not blanked, below their tier.
	RegisteredBrief string `json:"registeredBrief,omitempty"`
	FullPlan        string `json:"fullPlan,omitempty"`
	FundingGoal     int64  `json:"fundingGoal,omitempty"`
}

func toProjectResponse(v project.View) projectResponse {
	return projectResponse{
		ID:              v.ID,
		Title:           v.Title,
		Tier:            v.Tier.String(),
		PublicSummary:   v.PublicSummary,
		RegisteredBrief: v.RegisteredBrief,
		FullPlan:        v.FullPlan,
		FundingGoal:     v.FundingGoal,
	}
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			if n > 100 {
				n = 100
			}
			limit = n
		}
	}

	projects, err := s.projectService.List(r.Context(), limit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	userID := userIDFrom(r.Context())
	items := make([]projectResponse, 0, len(projects))
	for _, p := range projects {
		tier := s.resolver.TierFor(r.Context(), userID, p.ID)
		items = append(items, toProjectResponse(p.ViewFor(tier)))
	}
	writeJSON(w, http.StatusOK, struct {
		Items []projectResponse `json:"items"`
		Total int               `json:"total"`
	}{Items: items, Total: len(items)})
}

func (s *Server) handleProject(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	p, err := s.projectService.GetByID(r.Context(), projectID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	tier := s.resolver.TierFor(r.Context(), userIDFrom(r.Context()), projectID)
	writeJSON(w, http.StatusOK, toProjectResponse(p.ViewFor(tier)))
}

// --- NDA handlers ---

type agreementResponse struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	OTPVerified bool   `json:"otpVerified"`
	CreatedAt   string `json:"createdAt"`
}

func toAgreementResponse(a nda.Agreement) agreementResponse {
	return agreementResponse{
		ID:          a.ID,
		Status:      string(a.Status),
		OTPVerified: a.OTPVerified,
		CreatedAt:   a.CreatedAt.Format(time.RFC3339),
	}
}

func (s *Server) handleCreateNDA(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FullName      string `json:"fullName"`
		Email         string `json:"email"`
		Phone         string `json:"phone"`
		SignatureData string `json:"signatureData"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	agreement, err := s.ndaService.Create(r.Context(), userIDFrom(r.Context()), nda.Identity{
		FullName:      req.FullName,
		Email:         req.Email,
		Phone:         req.Phone,
		SignatureData: req.SignatureData,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAgreementResponse(agreement))
}

func (s *Server) handleSendOTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Channel string `json:"channel"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.ndaService.SendOTP(r.Context(), chi.URLParam(r, "agreementID"), nda.Channel(req.Channel)); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, struct {
		Status string `json:"status"`
	}{Status: "sent"})
}

func (s *Server) handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	agreement, err := s.ndaService.VerifyOTP(r.Context(), chi.URLParam(r, "agreementID"), req.Code)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAgreementResponse(agreement))
}

func (s *Server) handleRevokeNDA(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	agreement, err := s.ndaService.Revoke(r.Context(), chi.URLParam(r, "agreementID"), userIDFrom(r.Context()), req.Reason)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAgreementResponse(agreement))
}

// --- session handlers ---

type sessionResponse struct {
	ID             string  `json:"id"`
	ProjectID      string  `json:"projectId"`
	InvestorID     string  `json:"investorId"`
	Status         string  `json:"status"`
	DepositAmount  int64   `json:"depositAmount"`
	DepositStatus  string  `json:"depositStatus"`
	AgreementTerms *string `json:"agreementTerms,omitempty"`
	CreatedAt      string  `json:"createdAt"`
	ExpiresAt      string  `json:"expiresAt"`
}

func toSessionResponse(s negotiation.Session) sessionResponse {
	return sessionResponse{
		ID:             s.ID,
		ProjectID:      s.ProjectID,
		InvestorID:     s.InvestorID,
		Status:         string(s.Status),
		DepositAmount:  s.DepositAmount,
		DepositStatus:  string(s.DepositStatus),
		AgreementTerms: s.AgreementTerms,
		CreatedAt:      s.CreatedAt.Format(time.RFC3339),
		ExpiresAt:      s.ExpiresAt.Format(time.RFC3339),
	}
}

func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProjectID string `json:"projectId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	session, err := s.sessionService.Open(r.Context(), req.ProjectID, userIDFrom(r.Context()))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionResponse(session))
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.sessionService.Get(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(session))
}

func (s *Server) handleConfirmDeposit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount int64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	session, err := s.sessionService.ConfirmDeposit(r.Context(), chi.URLParam(r, "sessionID"), userIDFrom(r.Context()), req.Amount)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(session))
}

func (s *Server) handleReachAgreement(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Terms string `json:"terms"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	session, err := s.sessionService.ReachAgreement(r.Context(), chi.URLParam(r, "sessionID"), userIDFrom(r.Context()), req.Terms)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(session))
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	session, err := s.sessionService.Reject(r.Context(), chi.URLParam(r, "sessionID"), userIDFrom(r.Context()))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(session))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	session, err := s.sessionService.Cancel(r.Context(), chi.URLParam(r, "sessionID"), userIDFrom(r.Context()))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(session))
}

// --- chat handlers ---

type turnResponse struct {
	ID         string `json:"id"`
	SenderRole string `json:"senderRole"`
	Content    string `json:"content"`
	CreatedAt  string `json:"createdAt"`
}

func toTurnResponse(t mediation.Turn) turnResponse {
	return turnResponse{
		ID:         t.ID,
		SenderRole: string(t.SenderRole),
		Content:    t.Content,
		CreatedAt:  t.CreatedAt.Format(time.RFC3339),
	}
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	result, err := s.chat.Relay(r.Context(), chi.URLParam(r, "sessionID"), userIDFrom(r.Context()), req.Message)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Reply          turnResponse `json:"reply"`
		SessionFlagged bool         `json:"sessionFlagged"`
	}{Reply: toTurnResponse(result.MediatorTurn), SessionFlagged: result.SessionFlagged})
}

func (s *Server) handleChatHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}

	turns, err := s.chat.History(r.Context(), chi.URLParam(r, "sessionID"), limit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	items := make([]turnResponse, 0, len(turns))
	for _, t := range turns {
		items = append(items, toTurnResponse(t))
	}
	writeJSON(w, http.StatusOK, struct {
		Items []turnResponse `json:"items"`
	}{Items: items})
}

// --- error mapping ---

// writeServiceError maps domain sentinels to HTTP statuses. Internal
// invariant violations must never leak details to the client; they are
// logged and surfaced as 500s.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, identity.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, identity.ErrWeakPassword),
		errors.Is(err, nda.ErrValidation),
		errors.Is(err, nda.ErrInvalidCode),
		errors.Is(err, nda.ErrExpiredCode),
		errors.Is(err, negotiation.ErrPaymentMismatch):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, nda.ErrForbidden),
		errors.Is(err, negotiation.ErrForbidden),
		errors.Is(err, mediation.ErrNotParticipant):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, identity.ErrUserNotFound),
		errors.Is(err, project.ErrNotFound),
		errors.Is(err, nda.ErrNotFound),
		errors.Is(err, negotiation.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, identity.ErrDuplicateEmail),
		errors.Is(err, negotiation.ErrDuplicateSession),
		errors.Is(err, negotiation.ErrInvalidTransition),
		errors.Is(err, nda.ErrInvalidState),
		errors.Is(err, mediation.ErrSessionNotActive):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, nda.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "too many code requests")
	default:
		log.Printf("api: internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, struct {
		Error string `json:"error"`
	}{Error: message})
}
