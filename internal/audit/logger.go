// Package audit records terminal step-up actions (deletion requested, email
// changed, passkey enrolled, ...) as best-effort audit rows.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"account-stepup-backend/internal/audit/domain"
	auditrepo "account-stepup-backend/internal/audit/repository"
)

// Actions recorded by the step-up flows.
const (
	ActionDeletionRequested    = "account.deletion_requested"
	ActionReactivated          = "account.reactivated"
	ActionEmailChanged         = "account.email_changed"
	ActionPhoneChanged         = "account.phone_changed"
	ActionPasskeyEnrolled      = "passkey.enrolled"
	ActionPasskeyAuthenticated = "passkey.authenticated"
)

// IPExtractor returns the client IP from the request context.
type IPExtractor func(context.Context) string

// Logger writes a single audit event with explicit action/resource. Used by the
// step-up flows. LogEvent is best-effort: failures are logged and do not affect
// the caller.
type Logger struct {
	repo        auditrepo.Repository
	log         zerolog.Logger
	ipExtractor IPExtractor
}

// NewLogger returns a Logger that persists to repo and uses ipExtractor for
// client IP. ipExtractor may be nil; then IP is recorded as "unknown".
func NewLogger(repo auditrepo.Repository, log zerolog.Logger, ipExtractor IPExtractor) *Logger {
	return &Logger{repo: repo, log: log, ipExtractor: ipExtractor}
}

// LogEvent writes one audit log entry. Best-effort: errors are logged and not returned.
func (l *Logger) LogEvent(ctx context.Context, accountID, action, resource, metadata string) {
	if l.repo == nil {
		return
	}
	ip := "unknown"
	if l.ipExtractor != nil {
		ip = l.ipExtractor(ctx)
	}
	entry := &domain.AuditLog{
		ID:        uuid.New().String(),
		AccountID: accountID,
		Action:    action,
		Resource:  resource,
		IP:        ip,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}
	if err := l.repo.Create(ctx, entry); err != nil {
		l.log.Error().Err(err).Str("action", action).Msg("audit: failed to log event")
	}
}
