// Package domain defines the account entity and its lifecycle states.
package domain

import (
	"errors"
	"time"
)

// State is the account lifecycle state.
type State string

const (
	StateActive          State = "active"
	StatePendingDeletion State = "pending_deletion"
	StateDeactivated     State = "deactivated"
)

// RestoreWindow is the period after a deletion request during which reactivation is allowed.
const RestoreWindow = 14 * 24 * time.Hour

// EmailReuseWindow is the period after deactivation after which the archived email
// may be reused for a new registration.
const EmailReuseWindow = 30 * 24 * time.Hour

// Account is the account row: profile fields plus the lifecycle record.
type Account struct {
	ID            string
	Email         string
	OriginalEmail string
	Phone         string // E.164, empty when none on file
	Name          string
	State         State

	DeleteRequestedAt *time.Time
	RestoreDeadlineAt *time.Time
	DeactivatedAt     *time.Time
	EmailReuseAt      *time.Time
	ReactivatedAt     *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate validates the account for persistence. Returns an error describing the first validation failure.
func (a *Account) Validate() error {
	if a.Email == "" {
		return errors.New("email is required")
	}
	if a.State == "" {
		a.State = StateActive
	}
	switch a.State {
	case StateActive, StatePendingDeletion, StateDeactivated:
	default:
		return errors.New("unknown account state")
	}
	if a.State == StatePendingDeletion && a.RestoreDeadlineAt == nil {
		return errors.New("pending_deletion requires restore_deadline_at")
	}
	if a.State == StateDeactivated && (a.DeactivatedAt == nil || a.EmailReuseAt == nil) {
		return errors.New("deactivated requires deactivated_at and email_reuse_at")
	}
	return nil
}

// CanReactivate reports whether the account may be restored: it must be pending
// deletion and now must be strictly before the restore deadline.
func (a *Account) CanReactivate(now time.Time) bool {
	return a.State == StatePendingDeletion &&
		a.RestoreDeadlineAt != nil &&
		now.Before(*a.RestoreDeadlineAt)
}

// EmailReusable reports whether the archived email may be claimed by a new
// registration. Always false unless the account is deactivated.
func (a *Account) EmailReusable(now time.Time) bool {
	return a.State == StateDeactivated &&
		a.EmailReuseAt != nil &&
		!now.Before(*a.EmailReuseAt)
}
