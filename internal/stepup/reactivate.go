package stepup

import (
	"context"

	accountdomain "account-stepup-backend/internal/account/domain"
	"account-stepup-backend/internal/audit"
	challengedomain "account-stepup-backend/internal/challenge/domain"
	"account-stepup-backend/internal/ticket"
)

const reactivatePurpose = "confirm restoring your account"

// requireRestorable rejects reactivation unless the account is pending deletion
// with its restore window still open. A deactivated account (window elapsed) is
// reported with its email-reuse date so the UI can explain what comes next.
func (s *Service) requireRestorable(a *accountdomain.Account) error {
	if a.CanReactivate(s.nowF()) {
		return nil
	}
	return &LifecycleBlockedError{
		State:             a.State,
		RestoreDeadlineAt: a.RestoreDeadlineAt,
		EmailReuseAt:      a.EmailReuseAt,
	}
}

// StartReactivate begins the restore flow for a pending-deletion account.
func (s *Service) StartReactivate(ctx context.Context, sess Session) (*StepResult, error) {
	a, err := s.loadAccount(ctx, sess)
	if err != nil {
		return nil, err
	}
	if err := s.requireRestorable(a); err != nil {
		return nil, err
	}
	if err := s.issueEmailCode(ctx, a.Email, reactivatePurpose); err != nil {
		return nil, err
	}
	tok, err := s.mint(ticket.FlowReactivate, a, sess, ticket.PhaseVerifyEmail, nil)
	if err != nil {
		return nil, err
	}
	return &StepResult{Ticket: tok, Phase: ticket.PhaseVerifyEmail}, nil
}

// ResendReactivate reissues the email challenge.
func (s *Service) ResendReactivate(ctx context.Context, sess Session, tok string) (*StepResult, error) {
	if _, err := s.tickets.Read(tok, ticket.FlowReactivate, sess.UserID, sess.Email, ticket.PhaseVerifyEmail); err != nil {
		return nil, err
	}
	a, err := s.loadAccount(ctx, sess)
	if err != nil {
		return nil, err
	}
	if err := s.requireRestorable(a); err != nil {
		return nil, err
	}
	if err := s.issueEmailCode(ctx, a.Email, reactivatePurpose); err != nil {
		return nil, err
	}
	fresh, err := s.mint(ticket.FlowReactivate, a, sess, ticket.PhaseVerifyEmail, nil)
	if err != nil {
		return nil, err
	}
	return &StepResult{Ticket: fresh, Phase: ticket.PhaseVerifyEmail}, nil
}

// AdvanceReactivate consumes one phase of the restore flow: verify-email, then
// verify-auth when a second factor exists, then the terminal transition back to
// active. The restore window is re-checked at every step; a flow that outlives
// the deadline fails here rather than restoring a deactivated account.
func (s *Service) AdvanceReactivate(ctx context.Context, sess Session, tok string, proof Proof) (*StepResult, error) {
	claims, err := s.tickets.Read(tok, ticket.FlowReactivate, sess.UserID, sess.Email,
		ticket.PhaseVerifyEmail, ticket.PhaseVerifyAuth)
	if err != nil {
		return nil, err
	}
	a, err := s.loadAccount(ctx, sess)
	if err != nil {
		return nil, err
	}
	if err := s.requireRestorable(a); err != nil {
		return nil, err
	}

	switch claims.Phase {
	case ticket.PhaseVerifyEmail:
		if err := s.challenges.Verify(ctx, a.Email, challengedomain.ChannelEmail, proof.Code, true); err != nil {
			return nil, err
		}
		methods, err := s.authMethods(ctx, a.ID)
		if err != nil {
			return nil, err
		}
		if methods.Any() {
			fresh, err := s.mint(ticket.FlowReactivate, a, sess, ticket.PhaseVerifyAuth, nil)
			if err != nil {
				return nil, err
			}
			return &StepResult{
				Ticket:               fresh,
				Phase:                ticket.PhaseVerifyAuth,
				SecondFactorRequired: true,
				AuthMethods:          &methods,
			}, nil
		}
		return s.finishReactivate(ctx, a, sess)

	default: // verify-auth
		if err := s.verifySecondFactor(ctx, a, sess, proof); err != nil {
			return nil, err
		}
		return s.finishReactivate(ctx, a, sess)
	}
}

func (s *Service) finishReactivate(ctx context.Context, a *accountdomain.Account, sess Session) (*StepResult, error) {
	updated, err := s.lifecycle.Reactivate(ctx, a)
	if err != nil {
		return nil, err
	}
	s.audit.LogEvent(ctx, a.ID, audit.ActionReactivated, "account", "")
	s.log.Info().Str("account_id", a.ID).Msg("account reactivated")
	return &StepResult{Done: true, Account: updated}, nil
}
