package nda

import (
	"context"
	"log"
)

// Sender delivers a one-time code over an external email/SMS capability.
// Delivery is best-effort; verification never trusts unconfirmed delivery.
type Sender interface {
	Send(ctx context.Context, channel Channel, recipient, code string) error
}

// LogSender writes codes to the process log instead of delivering them.
// Used in development and as the fallback when no provider is configured.
type LogSender struct{}

func (LogSender) Send(_ context.Context, channel Channel, recipient, code string) error {
	log.Printf("nda: [dev delivery] %s to %s: code %s", channel, recipient, code)
	return nil
}
