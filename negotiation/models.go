package negotiation

import "time"

// Status is the lifecycle state of a negotiation session.
type Status string

const (
	StatusAwaitingDeposit  Status = "awaiting_deposit"
	StatusActive           Status = "active"
	StatusAgreementReached Status = "agreement_reached"
	StatusRejected         Status = "rejected"
	StatusExpired          Status = "expired"
	StatusCancelled        Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusAgreementReached, StatusRejected, StatusExpired, StatusCancelled:
		return true
	default:
		return false
	}
}

// DepositStatus tracks the earnest deposit attached to a session.
type DepositStatus string

const (
	DepositNone      DepositStatus = "none"
	DepositHeld      DepositStatus = "held"
	DepositRefunded  DepositStatus = "refunded"
	DepositForfeited DepositStatus = "forfeited"
)

// Session mirrors the negotiation_sessions table.
type Session struct {
	ID             string
	ProjectID      string
	InvestorID     string
	Status         Status
	DepositAmount  int64
	DepositStatus  DepositStatus
	AgreementTerms *string
	// LeakTurnID references the chat turn retained as evidence when a
	// session was closed for a disclosure leak.
	LeakTurnID *string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	UpdatedAt  time.Time
}

// ProjectFacts are the project fields the state machine needs.
type ProjectFacts struct {
	OwnerUserID string
	FundingGoal int64
}
