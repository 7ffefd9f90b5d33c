package repository

import (
	"context"

	"account-stepup-backend/internal/challenge/domain"
)

// Repository defines persistence for one-time-code challenges.
type Repository interface {
	// Create persists the challenge. The challenge must have ID set.
	Create(ctx context.Context, c *domain.Challenge) error
	// GetLatest returns the newest challenge for (email, channel) regardless of
	// consumption, or nil if none exists. Verification needs the consumed row to
	// tell an exhausted code apart from an expired one.
	GetLatest(ctx context.Context, email string, channel domain.Channel) (*domain.Challenge, error)
	// GetLatestActive returns the newest non-consumed challenge for (email, channel),
	// or nil if none exists.
	GetLatestActive(ctx context.Context, email string, channel domain.Channel) (*domain.Challenge, error)
	// ConsumeAllFor marks every non-consumed challenge for (email, channel) consumed.
	ConsumeAllFor(ctx context.Context, email string, channel domain.Channel) error
	// Consume marks the challenge consumed. Returns false if it was already consumed,
	// so racing verifications cannot both succeed.
	Consume(ctx context.Context, id string) (bool, error)
	// DecrementAttempts atomically decrements attempts_left and consumes the challenge
	// when it reaches zero, guarded by consumed = false. Returns the remaining attempts.
	DecrementAttempts(ctx context.Context, id string) (int, error)
}
