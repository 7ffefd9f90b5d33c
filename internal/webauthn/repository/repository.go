package repository

import (
	"context"
	"errors"
	"time"

	"account-stepup-backend/internal/webauthn/domain"
)

// ErrForeignCredential is returned by Upsert when the credential_id is already
// registered to a different account.
var ErrForeignCredential = errors.New("credential belongs to another account")

// Repository defines persistence for passkey credentials.
type Repository interface {
	// Upsert inserts the credential or, when the credential_id already exists for
	// the same account, refreshes its sign count and transports. Concurrent
	// registration finishes for the same authenticator converge on one row; a
	// conflict with another account's row returns ErrForeignCredential.
	Upsert(ctx context.Context, c *domain.Credential) error
	// ListByAccount returns the account's credentials, newest first.
	ListByAccount(ctx context.Context, accountID string) ([]*domain.Credential, error)
	// GetByCredentialID returns the credential with the given authenticator id,
	// or nil if not found.
	GetByCredentialID(ctx context.Context, credentialID []byte) (*domain.Credential, error)
	// UpdateSignCount sets the stored counter and last-used time.
	UpdateSignCount(ctx context.Context, id string, signCount uint32, lastUsedAt time.Time) error
}
