// Package challenge issues and verifies one-time numeric codes delivered over
// email or SMS, with bounded attempts and single-use consumption.
package challenge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"account-stepup-backend/internal/challenge/domain"
	"account-stepup-backend/internal/challenge/repository"
)

const (
	// TTL is the challenge lifetime. Codes verified after this window fail.
	TTL = 10 * time.Minute
	// MaxAttempts is the verification attempt budget per issued code. A numeric
	// code over a high-latency channel needs headroom for typos; 7 balances that
	// against brute force on a 10^7 space.
	MaxAttempts = 7
)

var (
	// ErrExpired is returned when no active challenge exists or the code is past
	// its expiry. The caller should offer a resend.
	ErrExpired = errors.New("code expired; request a new one")
	// ErrTooManyAttempts is returned when the attempt budget is exhausted.
	ErrTooManyAttempts = errors.New("too many attempts; request a new code")
)

// InvalidCodeError is returned on a code mismatch with attempts remaining.
type InvalidCodeError struct {
	AttemptsLeft int
}

func (e *InvalidCodeError) Error() string {
	return fmt.Sprintf("invalid code; %d attempts left", e.AttemptsLeft)
}

// EmailSender delivers a challenge code to an email address.
type EmailSender interface {
	SendCode(ctx context.Context, email, code, context_ string) error
}

// SMSSender delivers a challenge code to an E.164 phone number.
type SMSSender interface {
	SendCode(ctx context.Context, phone, code string) error
}

// DevCodeStore optionally records issued codes in plain text for local
// development retrieval. Nil in production.
type DevCodeStore interface {
	Put(email string, channel domain.Channel, code string, expiresAt time.Time)
}

// Service issues and verifies challenges against the repository and senders.
type Service struct {
	repo     repository.Repository
	email    EmailSender
	sms      SMSSender
	devCodes DevCodeStore
	nowF     func() time.Time
}

// NewService returns a challenge Service. devCodes may be nil.
func NewService(repo repository.Repository, email EmailSender, sms SMSSender, devCodes DevCodeStore) *Service {
	return &Service{
		repo:     repo,
		email:    email,
		sms:      sms,
		devCodes: devCodes,
		nowF:     func() time.Time { return time.Now().UTC() },
	}
}

// Issue consumes any prior active challenge for (email, channel), stores a fresh
// salted code hash, and sends the code out-of-band. destination is the email
// address for the email channel and the E.164 phone for SMS. purpose is included
// in the email copy so the user knows which action the code belongs to.
func (s *Service) Issue(ctx context.Context, email string, channel domain.Channel, destination, purpose string) error {
	if err := s.repo.ConsumeAllFor(ctx, email, channel); err != nil {
		return err
	}

	code, err := GenerateCode()
	if err != nil {
		return err
	}
	salt, err := GenerateSalt()
	if err != nil {
		return err
	}
	now := s.nowF()
	ch := &domain.Challenge{
		ID:           uuid.New().String(),
		Email:        email,
		Channel:      channel,
		CodeHash:     HashCode(salt, code),
		Salt:         salt,
		ExpiresAt:    now.Add(TTL),
		AttemptsLeft: MaxAttempts,
		CreatedAt:    now,
	}
	if err := s.repo.Create(ctx, ch); err != nil {
		return err
	}

	switch channel {
	case domain.ChannelEmail:
		err = s.email.SendCode(ctx, destination, code, purpose)
	case domain.ChannelSMS:
		err = s.sms.SendCode(ctx, destination, code)
	default:
		err = fmt.Errorf("unknown channel %q", channel)
	}
	if err != nil {
		return fmt.Errorf("send code: %w", err)
	}

	if s.devCodes != nil {
		s.devCodes.Put(email, channel, code, ch.ExpiresAt)
	}
	return nil
}

// Verify checks the supplied code against the latest challenge for
// (email, channel). On mismatch the attempt budget is decremented, force-consuming
// the challenge at zero. When consumeOnSuccess is false the challenge stays active
// so a later commit step can call Consume after its side effects complete.
func (s *Service) Verify(ctx context.Context, email string, channel domain.Channel, code string, consumeOnSuccess bool) error {
	ch, err := s.repo.GetLatest(ctx, email, channel)
	if err != nil {
		return err
	}
	if ch == nil {
		return ErrExpired
	}
	if ch.Consumed {
		// A consumed row with no attempts left was exhausted, not used up or
		// superseded; the caller distinguishes the two for rate limiting.
		if ch.AttemptsLeft <= 0 {
			return ErrTooManyAttempts
		}
		return ErrExpired
	}
	if !s.nowF().Before(ch.ExpiresAt) {
		// Expiry discovered on read: retire the challenge so it cannot linger.
		if _, err := s.repo.Consume(ctx, ch.ID); err != nil {
			return err
		}
		return ErrExpired
	}

	if !CodeEqual(code, ch.Salt, ch.CodeHash) {
		left, err := s.repo.DecrementAttempts(ctx, ch.ID)
		if err != nil {
			return err
		}
		if left <= 0 {
			return ErrTooManyAttempts
		}
		return &InvalidCodeError{AttemptsLeft: left}
	}

	if consumeOnSuccess {
		ok, err := s.repo.Consume(ctx, ch.ID)
		if err != nil {
			return err
		}
		if !ok {
			// A racing verification consumed it first.
			return ErrExpired
		}
	}
	return nil
}

// Consume retires the latest active challenge for (email, channel). Used by
// two-phase callers that verified with consumeOnSuccess=false and have now
// committed their side effects.
func (s *Service) Consume(ctx context.Context, email string, channel domain.Channel) error {
	ch, err := s.repo.GetLatestActive(ctx, email, channel)
	if err != nil || ch == nil {
		return err
	}
	_, err = s.repo.Consume(ctx, ch.ID)
	return err
}
