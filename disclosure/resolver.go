package disclosure

import (
	"context"
	"log"
)

// NDAReader reports whether a user holds an active NDA agreement.
type NDAReader interface {
	HasActiveAgreement(ctx context.Context, userID string) (bool, error)
}

// SessionReader reports whether a user holds an active negotiation session
// for a project. Implementations are expected to run their own expiry
// reconciliation before answering.
type SessionReader interface {
	HasActiveSession(ctx context.Context, investorID, projectID string) (bool, error)
}

// Resolver assembles viewer facts from the NDA and negotiation read paths
// and applies the pure policy. Read failures degrade to the public tier
// rather than propagating: disclosure fails closed.
type Resolver struct {
	ndas     NDAReader
	sessions SessionReader
}

func NewResolver(ndas NDAReader, sessions SessionReader) *Resolver {
	return &Resolver{ndas: ndas, sessions: sessions}
}

// TierFor computes the disclosure tier for userID viewing projectID.
// An empty userID is an anonymous viewer.
func (r *Resolver) TierFor(ctx context.Context, userID, projectID string) Tier {
	if userID == "" {
		return TierPublic
	}

	viewer := Viewer{UserID: userID, Authenticated: true}

	active, err := r.ndas.HasActiveAgreement(ctx, userID)
	if err != nil {
		log.Printf("disclosure: nda lookup for user %s failed, degrading to registered: %v", userID, err)
		return Resolve(viewer, projectID)
	}
	viewer.ActiveNDA = active
	if !active {
		return Resolve(viewer, projectID)
	}

	negotiating, err := r.sessions.HasActiveSession(ctx, userID, projectID)
	if err != nil {
		log.Printf("disclosure: session lookup for user %s project %s failed, degrading to nda_signed: %v", userID, projectID, err)
		return Resolve(viewer, projectID)
	}
	if negotiating {
		viewer.NegotiatingProjects = map[string]bool{projectID: true}
	}
	return Resolve(viewer, projectID)
}
