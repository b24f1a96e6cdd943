package escrow

import "time"

// Direction classifies a ledger transaction. A session has at most one hold
// and, once terminal without agreement, exactly one of refund or forfeit.
type Direction string

const (
	DirectionHold    Direction = "hold"
	DirectionRefund  Direction = "refund"
	DirectionForfeit Direction = "forfeit"
)

// Transaction mirrors the escrow_transactions table.
type Transaction struct {
	ID          string
	SessionID   string
	Direction   Direction
	Amount      int64
	ProviderRef string
	CreatedAt   time.Time
}

// IsResolution reports whether the direction releases a held deposit.
func (d Direction) IsResolution() bool {
	return d == DirectionRefund || d == DirectionForfeit
}
