package negotiation

import "time"

// IsExpired is the pure expiry predicate: a non-terminal session whose
// window has passed. Every state-reading operation funnels through this so
// date comparisons do not scatter across call sites.
func IsExpired(s Session, now time.Time) bool {
	return !s.Status.Terminal() && now.After(s.ExpiresAt)
}
