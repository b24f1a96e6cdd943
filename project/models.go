package project

import (
	"time"

	"fundgate/disclosure"
)

// Project mirrors the projects table columns this subsystem reads. Projects
// are created and mutated elsewhere; this package only consumes them.
type Project struct {
	ID              string
	OwnerUserID     string
	Title           string
	FundingGoal     int64
	PublicSummary   string
	RegisteredBrief string
	FullPlan        string
	CreatedAt       time.Time
}

// View is the tier-sliced representation of a project handed to callers.
// Higher tiers strictly add fields; nothing visible at a lower tier is ever
// withheld at a higher one.
type View struct {
	ID            string
	Title         string
	Tier          disclosure.Tier
	PublicSummary string
	// RegisteredBrief is populated at registered tier and above.
	RegisteredBrief string
	// FullPlan and FundingGoal are populated only while negotiating.
	FullPlan    string
	FundingGoal int64
}

// ViewFor slices the project's description fields down to what tier allows.
func (p Project) ViewFor(tier disclosure.Tier) View {
	v := View{
		ID:            p.ID,
		Title:         p.Title,
		Tier:          tier,
		PublicSummary: p.PublicSummary,
	}
	if tier >= disclosure.TierRegistered {
		v.RegisteredBrief = p.RegisteredBrief
	}
	if tier >= disclosure.TierNDASigned {
		v.FundingGoal = p.FundingGoal
	}
	if tier >= disclosure.TierNegotiating {
		v.FullPlan = p.FullPlan
	}
	return v
}
