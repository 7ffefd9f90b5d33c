// Package twofactor verifies time-based one-time codes and single-use recovery
// codes for accounts with two-step verification enabled.
package twofactor

import (
	"context"

	"github.com/pquerna/otp/totp"

	"account-stepup-backend/internal/storage"
)

// State is an account's two-step verification enrollment, read from the store.
// This package never mutates it; enrollment is owned elsewhere.
type State struct {
	Enabled bool
	Secret  string
}

// Repository defines the reads and the single recovery-code mutation this package needs.
type Repository interface {
	// GetState returns the account's two-factor state, or nil if none is stored.
	GetState(ctx context.Context, accountID string) (*State, error)
	// ConsumeRecoveryCode marks a matching unused recovery code as used and reports
	// whether one matched. Each code can succeed at most once.
	ConsumeRecoveryCode(ctx context.Context, accountID, code string) (bool, error)
}

// Verifier validates TOTP and recovery codes.
type Verifier struct {
	repo Repository
}

// NewVerifier returns a Verifier backed by the given repository.
func NewVerifier(repo Repository) *Verifier {
	return &Verifier{repo: repo}
}

// StateFor returns the account's two-factor state. A missing settings table or
// column degrades to "not enabled" rather than failing the caller.
func (v *Verifier) StateFor(ctx context.Context, accountID string) (*State, error) {
	st, err := v.repo.GetState(ctx, accountID)
	if err != nil {
		if storage.SchemaAbsent(err) {
			return &State{}, nil
		}
		return nil, err
	}
	if st == nil {
		return &State{}, nil
	}
	return st, nil
}

// VerifyCode validates a 6-digit TOTP code against the stored secret.
func (v *Verifier) VerifyCode(secret, code string) bool {
	if secret == "" || code == "" {
		return false
	}
	return totp.Validate(code, secret)
}

// VerifyWithRecovery validates code as a TOTP code first and falls back to the
// single-use recovery codes. A successful recovery match consumes the code.
func (v *Verifier) VerifyWithRecovery(ctx context.Context, accountID string, st *State, code string) (bool, error) {
	if st == nil || !st.Enabled {
		return false, nil
	}
	if v.VerifyCode(st.Secret, code) {
		return true, nil
	}
	ok, err := v.repo.ConsumeRecoveryCode(ctx, accountID, code)
	if err != nil {
		if storage.SchemaAbsent(err) {
			return false, nil
		}
		return false, err
	}
	return ok, nil
}
