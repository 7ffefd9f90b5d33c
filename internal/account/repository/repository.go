package repository

import (
	"context"
	"errors"

	"account-stepup-backend/internal/account/domain"
)

// ErrEmailTaken is returned by UpdateEmail when the requested email is already
// held by another account.
var ErrEmailTaken = errors.New("email already in use")

// Repository defines persistence for accounts.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.Account, error)
	GetByEmail(ctx context.Context, email string) (*domain.Account, error)
	// GetDeactivatedByOriginalEmail returns the latest deactivated account whose
	// pre-archival address matches, or nil if none.
	GetDeactivatedByOriginalEmail(ctx context.Context, email string) (*domain.Account, error)
	Create(ctx context.Context, a *domain.Account) error
	// UpdateLifecycle writes the lifecycle columns (state, timestamps, both email
	// columns) of the account.
	UpdateLifecycle(ctx context.Context, a *domain.Account) error
	// UpdateEmail sets the account's email. Returns ErrEmailTaken on a uniqueness conflict.
	UpdateEmail(ctx context.Context, id, email string) error
	UpdatePhone(ctx context.Context, id, phone string) error
}
