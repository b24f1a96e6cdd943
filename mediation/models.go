package mediation

import "time"

// SenderRole identifies who produced a chat turn.
type SenderRole string

const (
	RoleInvestor   SenderRole = "investor"
	RoleAIMediator SenderRole = "ai_mediator"
)

// Turn mirrors the chat_turns table. LeakRiskScore is in [0,1]; investor
// turns carry the score assigned by the mediator's analysis of them.
type Turn struct {
	ID            string
	SessionID     string
	SenderRole    SenderRole
	Content       string
	LeakRiskScore float64
	CreatedAt     time.Time
}

// ProjectBrief is the project context forwarded to the mediator.
type ProjectBrief struct {
	Title   string
	Summary string
}

// Exchange is the input contract for a mediator reply: the new investor
// message plus the prior turns and project context.
type Exchange struct {
	Project ProjectBrief
	History []Turn
	Message string
}

// Reply is the output contract: a response impersonating the project owner
// plus the leak-risk score for the investor's message.
type Reply struct {
	Text          string
	LeakRiskScore float64
}
