// Package nda owns the agreement workflow: a signer drafts an agreement,
// proves their identity with a one-time code, and holds an active consent
// record until an administrator revokes it. The disclosure policy reads the
// resulting state; it is never written from anywhere else.
package nda

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"
	"time"

	"golang.org/x/crypto/bcrypt"

	"fundgate/metrics"
)

var (
	// ErrValidation signals a missing or malformed identity field.
	ErrValidation = errors.New("nda: invalid identity details")
	// ErrRateLimited signals the resend frequency limit was hit.
	ErrRateLimited = errors.New("nda: too many code requests")
	// ErrInvalidCode signals the submitted code does not match the issued one.
	ErrInvalidCode = errors.New("nda: code does not match")
	// ErrExpiredCode signals the issued code's validity window has passed.
	ErrExpiredCode = errors.New("nda: code has expired")
	// ErrInvalidState signals an operation on an agreement whose current
	// status does not permit it.
	ErrInvalidState = errors.New("nda: invalid agreement state for operation")
	// ErrForbidden signals the actor lacks the administrative capability.
	ErrForbidden = errors.New("nda: administrative capability required")
)

// AdminChecker reports whether an actor may revoke agreements.
type AdminChecker interface {
	IsAdmin(ctx context.Context, userID string) (bool, error)
}

// Service drives the agreement workflow.
type Service struct {
	repo     Repository
	sender   Sender
	throttle Throttle
	admins   AdminChecker
	mtr      *metrics.Metrics

	codeTTL      time.Duration
	sendAttempts int
	now          func() time.Time
}

// Options tune the workflow; zero values fall back to defaults.
type Options struct {
	CodeTTL      time.Duration
	SendAttempts int
	Metrics      *metrics.Metrics
	Now          func() time.Time
}

func NewService(repo Repository, sender Sender, throttle Throttle, admins AdminChecker, opts Options) *Service {
	if opts.CodeTTL <= 0 {
		opts.CodeTTL = 10 * time.Minute
	}
	if opts.SendAttempts <= 0 {
		opts.SendAttempts = 3
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		repo:         repo,
		sender:       sender,
		throttle:     throttle,
		admins:       admins,
		mtr:          opts.Metrics,
		codeTTL:      opts.CodeTTL,
		sendAttempts: opts.SendAttempts,
		now:          opts.Now,
	}
}

// Create drafts an agreement for the user. All identity fields are required.
func (s *Service) Create(ctx context.Context, userID string, identity Identity) (Agreement, error) {
	switch {
	case userID == "":
		return Agreement{}, fmt.Errorf("%w: user id required", ErrValidation)
	case identity.FullName == "":
		return Agreement{}, fmt.Errorf("%w: full name required", ErrValidation)
	case identity.Email == "":
		return Agreement{}, fmt.Errorf("%w: email required", ErrValidation)
	case identity.Phone == "":
		return Agreement{}, fmt.Errorf("%w: phone required", ErrValidation)
	case identity.SignatureData == "":
		return Agreement{}, fmt.Errorf("%w: signature required", ErrValidation)
	}
	return s.repo.InsertAgreement(ctx, userID, identity)
}

// SendOTP issues a fresh one-time code for the agreement and delivers it over
// the chosen channel. Only the bcrypt hash of the code is stored.
func (s *Service) SendOTP(ctx context.Context, agreementID string, channel Channel) error {
	if channel != ChannelEmail && channel != ChannelSMS {
		return fmt.Errorf("%w: unknown channel %q", ErrValidation, channel)
	}

	agreement, err := s.repo.GetAgreement(ctx, agreementID)
	if err != nil {
		return err
	}
	switch agreement.Status {
	case StatusDrafted, StatusPendingOTP:
		// proceed
	default:
		return ErrInvalidState
	}

	allowed, err := s.throttle.Allow(ctx, agreementID)
	if err != nil {
		return fmt.Errorf("nda: throttle check: %w", err)
	}
	if !allowed {
		return ErrRateLimited
	}

	code, err := generateCode()
	if err != nil {
		return fmt.Errorf("nda: generate code: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("nda: hash code: %w", err)
	}

	if err := s.repo.InsertCode(ctx, agreementID, string(hash), channel, s.now().Add(s.codeTTL)); err != nil {
		return err
	}
	if agreement.Status == StatusDrafted {
		if _, err := s.repo.SetStatus(ctx, agreementID, StatusPendingOTP, false, nil); err != nil {
			if errors.Is(err, ErrRevoked) {
				return ErrInvalidState
			}
			return err
		}
	}

	recipient := agreement.Email
	if channel == ChannelSMS {
		recipient = agreement.Phone
	}
	if err := s.deliver(ctx, channel, recipient, code); err != nil {
		// The code is stored; a resend attempt can still succeed later.
		return fmt.Errorf("nda: deliver code: %w", err)
	}

	s.mtr.IncOTPCodesSent()
	return nil
}

// VerifyOTP activates the agreement when the submitted code matches the
// latest unexpired one. Verifying an already-active agreement is a no-op
// success, so client retries after a slow response cannot demote state.
func (s *Service) VerifyOTP(ctx context.Context, agreementID, code string) (Agreement, error) {
	agreement, err := s.repo.GetAgreement(ctx, agreementID)
	if err != nil {
		return Agreement{}, err
	}
	switch agreement.Status {
	case StatusActive:
		return agreement, nil
	case StatusRevoked:
		return Agreement{}, ErrInvalidState
	}

	issued, err := s.repo.LatestCode(ctx, agreementID)
	if err != nil {
		if errors.Is(err, ErrNoCode) {
			return Agreement{}, ErrInvalidCode
		}
		return Agreement{}, err
	}
	if s.now().After(issued.ExpiresAt) {
		return Agreement{}, ErrExpiredCode
	}
	if bcrypt.CompareHashAndPassword([]byte(issued.CodeHash), []byte(code)) != nil {
		return Agreement{}, ErrInvalidCode
	}

	// The status guard in SetStatus closes the window between the read
	// above and this write: a revocation that lands in between wins.
	updated, err := s.repo.SetStatus(ctx, agreementID, StatusActive, true, nil)
	if err != nil {
		if errors.Is(err, ErrRevoked) {
			return Agreement{}, ErrInvalidState
		}
		return Agreement{}, err
	}
	return updated, nil
}

// Revoke terminates an active agreement. Requires administrative capability;
// irreversible. Revoking an already-revoked agreement is a no-op.
func (s *Service) Revoke(ctx context.Context, agreementID, actorID, reason string) (Agreement, error) {
	isAdmin, err := s.admins.IsAdmin(ctx, actorID)
	if err != nil {
		return Agreement{}, fmt.Errorf("nda: check admin capability: %w", err)
	}
	if !isAdmin {
		return Agreement{}, ErrForbidden
	}

	agreement, err := s.repo.GetAgreement(ctx, agreementID)
	if err != nil {
		return Agreement{}, err
	}
	switch agreement.Status {
	case StatusRevoked:
		return agreement, nil
	case StatusActive:
		// proceed
	default:
		return Agreement{}, ErrInvalidState
	}

	var reasonPtr *string
	if reason != "" {
		reasonPtr = &reason
	}
	updated, err := s.repo.SetStatus(ctx, agreementID, StatusRevoked, agreement.OTPVerified, reasonPtr)
	if err != nil {
		if errors.Is(err, ErrRevoked) {
			// Lost the race to another revocation; same terminal outcome.
			return s.repo.GetAgreement(ctx, agreementID)
		}
		return Agreement{}, err
	}
	return updated, nil
}

// Get returns the agreement row.
func (s *Service) Get(ctx context.Context, agreementID string) (Agreement, error) {
	return s.repo.GetAgreement(ctx, agreementID)
}

// HasActiveAgreement reports whether the user holds an active agreement.
// Satisfies the disclosure policy's reader contract.
func (s *Service) HasActiveAgreement(ctx context.Context, userID string) (bool, error) {
	return s.repo.HasActiveAgreement(ctx, userID)
}

func (s *Service) deliver(ctx context.Context, channel Channel, recipient, code string) error {
	var lastErr error
	for attempt := 1; attempt <= s.sendAttempts; attempt++ {
		if lastErr = s.sender.Send(ctx, channel, recipient, code); lastErr == nil {
			return nil
		}
		log.Printf("nda: code delivery attempt %d/%d failed: %v", attempt, s.sendAttempts, lastErr)
	}
	return lastErr
}

func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
