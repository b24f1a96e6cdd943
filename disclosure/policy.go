// Package disclosure decides how much of a project's description a viewer
// may see. Resolution is a pure function over already-committed NDA and
// negotiation state; anything unknown or ambiguous resolves to the public
// tier.
package disclosure

// Tier is a derived level of project-description visibility. Tiers are
// strictly ordered: each tier includes everything visible at the tiers
// below it.
type Tier int

const (
	TierPublic Tier = iota
	TierRegistered
	TierNDASigned
	TierNegotiating
)

func (t Tier) String() string {
	switch t {
	case TierRegistered:
		return "registered"
	case TierNDASigned:
		return "nda_signed"
	case TierNegotiating:
		return "negotiating"
	default:
		return "public"
	}
}

// Viewer captures the facts about the requesting user that the policy
// consumes. The zero value is an anonymous viewer.
type Viewer struct {
	UserID        string
	Authenticated bool
	// ActiveNDA is true when the viewer holds an NDA agreement in the
	// active state.
	ActiveNDA bool
	// NegotiatingProjects holds project ids for which the viewer has a
	// negotiation session in the active state.
	NegotiatingProjects map[string]bool
}

// Resolve maps a viewer and a project to a disclosure tier. Rules apply in
// ascending order and each requires the previous: an unauthenticated viewer
// never rises above public, and full disclosure requires an active session
// for that exact project.
func Resolve(v Viewer, projectID string) Tier {
	if !v.Authenticated || v.UserID == "" {
		return TierPublic
	}
	tier := TierRegistered
	if !v.ActiveNDA {
		return tier
	}
	tier = TierNDASigned
	if projectID != "" && v.NegotiatingProjects[projectID] {
		tier = TierNegotiating
	}
	return tier
}
