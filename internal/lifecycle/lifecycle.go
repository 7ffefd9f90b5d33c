// Package lifecycle owns the account state machine: active → pending_deletion →
// deactivated, with a time-boxed restore window and an email-reuse cool-down.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"account-stepup-backend/internal/account/domain"
)

// Sentinel errors; HTTP handlers map them to status codes.
var (
	ErrNotActive            = errors.New("account is not active")
	ErrNotPendingDeletion   = errors.New("account is not pending deletion")
	ErrRestoreWindowExpired = errors.New("restore window has expired")
)

// Repository is the minimal account repository needed by the lifecycle manager.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.Account, error)
	UpdateLifecycle(ctx context.Context, a *domain.Account) error
}

// Manager drives lifecycle transitions. The pending_deletion → deactivated
// transition is lazy: it happens when a record is loaded past its deadline, not
// on a timer.
type Manager struct {
	repo Repository
	nowF func() time.Time
}

// NewManager returns a Manager using the given account repository.
func NewManager(repo Repository) *Manager {
	return &Manager{repo: repo, nowF: func() time.Time { return time.Now().UTC() }}
}

// Reconcile returns the account in its correctly-derived state for the given
// instant. It is a pure function: the input is not mutated, and a record already
// in its derived state is returned unchanged (same pointer) so callers can detect
// that no write is needed.
func Reconcile(a *domain.Account, now time.Time) *domain.Account {
	if a == nil || a.State != domain.StatePendingDeletion {
		return a
	}
	if a.RestoreDeadlineAt == nil || now.Before(*a.RestoreDeadlineAt) {
		return a
	}

	out := *a
	deactivatedAt := now
	emailReuseAt := now.Add(domain.EmailReuseWindow)
	out.State = domain.StateDeactivated
	out.DeactivatedAt = &deactivatedAt
	out.EmailReuseAt = &emailReuseAt
	// The live address at deactivation time, not the creation-time one, is the
	// address the reuse cool-down protects and a restore would bring back.
	out.OriginalEmail = a.Email
	out.Email = ArchivalEmail(a.Email, a.ID, now)
	return &out
}

// SyncOnRead loads the account, applies Reconcile, and persists the result only
// when the state changed. Safe to call on every read.
func (m *Manager) SyncOnRead(ctx context.Context, id string) (*domain.Account, error) {
	a, err := m.repo.GetByID(ctx, id)
	if err != nil || a == nil {
		return a, err
	}
	reconciled := Reconcile(a, m.nowF())
	if reconciled == a {
		return a, nil
	}
	if err := m.repo.UpdateLifecycle(ctx, reconciled); err != nil {
		return nil, err
	}
	return reconciled, nil
}

// RequestDeletion transitions an active account to pending_deletion and stamps
// the restore deadline. Returns ErrNotActive for any other state.
func (m *Manager) RequestDeletion(ctx context.Context, a *domain.Account) (*domain.Account, error) {
	if a.State != domain.StateActive {
		return nil, ErrNotActive
	}
	now := m.nowF()
	deadline := now.Add(domain.RestoreWindow)

	out := *a
	out.State = domain.StatePendingDeletion
	out.DeleteRequestedAt = &now
	out.RestoreDeadlineAt = &deadline
	if err := m.repo.UpdateLifecycle(ctx, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Reactivate restores a pending-deletion account to active, only while the
// restore window is open. The original email is restored if it had been archived,
// and all deletion timestamps are cleared.
func (m *Manager) Reactivate(ctx context.Context, a *domain.Account) (*domain.Account, error) {
	if a.State != domain.StatePendingDeletion {
		return nil, ErrNotPendingDeletion
	}
	now := m.nowF()
	if !a.CanReactivate(now) {
		return nil, ErrRestoreWindowExpired
	}

	out := *a
	out.State = domain.StateActive
	// OriginalEmail may lag behind later email changes, so it only wins when the
	// live address was actually rewritten to an archival one.
	if out.OriginalEmail != "" && IsArchivalEmail(out.Email) {
		out.Email = out.OriginalEmail
	}
	out.DeleteRequestedAt = nil
	out.RestoreDeadlineAt = nil
	out.DeactivatedAt = nil
	out.EmailReuseAt = nil
	out.ReactivatedAt = &now
	if err := m.repo.UpdateLifecycle(ctx, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// maxArchivalLocalPart keeps the generated address well inside common email
// column limits (254 total, 64 for the local part).
const maxArchivalLocalPart = 64

// archivalDomain is reserved for rewritten addresses; .invalid never resolves.
const archivalDomain = "archived.invalid"

// IsArchivalEmail reports whether the address was produced by ArchivalEmail.
func IsArchivalEmail(email string) bool {
	return strings.HasSuffix(email, "@"+archivalDomain)
}

// ArchivalEmail derives the unreachable address a deactivated account's email is
// rewritten to. It combines the original local-part, a sanitized account-id
// suffix, and a time stamp, and is syntactically unique per account and instant.
func ArchivalEmail(email, accountID string, now time.Time) string {
	local := email
	if at := strings.IndexByte(email, '@'); at > 0 {
		local = email[:at]
	}
	id := sanitizeID(accountID)
	if len(id) > 8 {
		id = id[:8]
	}
	stamp := fmt.Sprintf("%d", now.Unix())

	suffix := ".deleted." + id + "." + stamp
	if len(local)+len(suffix) > maxArchivalLocalPart {
		local = local[:maxArchivalLocalPart-len(suffix)]
	}
	return local + suffix + "@" + archivalDomain
}

func sanitizeID(id string) string {
	var b strings.Builder
	for _, r := range id {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "x"
	}
	return strings.ToLower(b.String())
}
