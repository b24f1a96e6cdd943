package escrow

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// PaymentGateway is the external payment capability. Each call reports
// success or failure plus a provider transaction reference. The wire
// protocol behind it is not this subsystem's concern.
type PaymentGateway interface {
	Hold(ctx context.Context, sessionID string, amount int64) (string, error)
	Refund(ctx context.Context, sessionID string, amount int64) (string, error)
	Forfeit(ctx context.Context, sessionID string, amount int64) (string, error)
}

// SimulatedGateway fabricates provider references without moving funds.
// It stands in for the real gateway in development and tests.
type SimulatedGateway struct{}

func (SimulatedGateway) Hold(_ context.Context, sessionID string, amount int64) (string, error) {
	if amount <= 0 {
		return "", fmt.Errorf("escrow: simulated gateway rejects non-positive amount %d", amount)
	}
	return "sim-hold-" + uuid.NewString(), nil
}

func (SimulatedGateway) Refund(_ context.Context, sessionID string, amount int64) (string, error) {
	return "sim-refund-" + uuid.NewString(), nil
}

func (SimulatedGateway) Forfeit(_ context.Context, sessionID string, amount int64) (string, error) {
	return "sim-forfeit-" + uuid.NewString(), nil
}
