package nda

import "time"

// Status is the lifecycle state of an agreement.
type Status string

const (
	StatusDrafted    Status = "drafted"
	StatusPendingOTP Status = "pending_otp"
	StatusActive     Status = "active"
	StatusRevoked    Status = "revoked"
)

// Channel selects the delivery medium for a one-time code.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// Identity holds the signer's self-declared details. All fields are required
// at creation.
type Identity struct {
	FullName      string
	Email         string
	Phone         string
	SignatureData string
}

// Agreement mirrors the nda_agreements table. An agreement becomes active
// only through OTP verification, and revocation is terminal.
type Agreement struct {
	ID            string
	UserID        string
	FullName      string
	Email         string
	Phone         string
	SignatureData string
	OTPVerified   bool
	Status        Status
	RevokedReason *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// OTPCode is a stored one-time code challenge. Only the bcrypt hash of the
// code is persisted.
type OTPCode struct {
	ID          string
	AgreementID string
	CodeHash    string
	Channel     Channel
	ExpiresAt   time.Time
	CreatedAt   time.Time
}
