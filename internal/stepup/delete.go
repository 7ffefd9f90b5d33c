package stepup

import (
	"context"

	accountdomain "account-stepup-backend/internal/account/domain"
	"account-stepup-backend/internal/audit"
	challengedomain "account-stepup-backend/internal/challenge/domain"
	"account-stepup-backend/internal/ticket"
)

const deletePurpose = "confirm deleting your account"

// StartDelete begins the account-deletion flow: an email challenge goes out and
// the returned ticket points at verify-email.
func (s *Service) StartDelete(ctx context.Context, sess Session) (*StepResult, error) {
	a, err := s.loadAccount(ctx, sess)
	if err != nil {
		return nil, err
	}
	if err := requireActive(a); err != nil {
		return nil, err
	}
	if err := s.issueEmailCode(ctx, a.Email, deletePurpose); err != nil {
		return nil, err
	}
	tok, err := s.mint(ticket.FlowDelete, a, sess, ticket.PhaseVerifyEmail, nil)
	if err != nil {
		return nil, err
	}
	return &StepResult{Ticket: tok, Phase: ticket.PhaseVerifyEmail}, nil
}

// ResendDelete reissues the challenge for the ticket's current phase and mints a
// fresh ticket at the same phase.
func (s *Service) ResendDelete(ctx context.Context, sess Session, tok string) (*StepResult, error) {
	claims, err := s.tickets.Read(tok, ticket.FlowDelete, sess.UserID, sess.Email,
		ticket.PhaseVerifyEmail, ticket.PhaseVerifySMS)
	if err != nil {
		return nil, err
	}
	a, err := s.loadAccount(ctx, sess)
	if err != nil {
		return nil, err
	}
	if err := requireActive(a); err != nil {
		return nil, err
	}

	switch claims.Phase {
	case ticket.PhaseVerifyEmail:
		err = s.issueEmailCode(ctx, a.Email, deletePurpose)
	case ticket.PhaseVerifySMS:
		if a.Phone == "" {
			return nil, ticket.ErrInvalid
		}
		err = s.issueSMSCode(ctx, a.Email, a.Phone)
	}
	if err != nil {
		return nil, err
	}
	fresh, err := s.mint(ticket.FlowDelete, a, sess, claims.Phase, nil)
	if err != nil {
		return nil, err
	}
	return &StepResult{Ticket: fresh, Phase: claims.Phase}, nil
}

// AdvanceDelete consumes one phase of the deletion flow. The graph is
// verify-email, then verify-sms when a phone is on file, then verify-auth when a
// second factor exists, then the terminal state change.
func (s *Service) AdvanceDelete(ctx context.Context, sess Session, tok string, proof Proof) (*StepResult, error) {
	claims, err := s.tickets.Read(tok, ticket.FlowDelete, sess.UserID, sess.Email,
		ticket.PhaseVerifyEmail, ticket.PhaseVerifySMS, ticket.PhaseVerifyAuth)
	if err != nil {
		return nil, err
	}
	a, err := s.loadAccount(ctx, sess)
	if err != nil {
		return nil, err
	}
	if err := requireActive(a); err != nil {
		return nil, err
	}

	switch claims.Phase {
	case ticket.PhaseVerifyEmail:
		if err := s.challenges.Verify(ctx, a.Email, challengedomain.ChannelEmail, proof.Code, true); err != nil {
			return nil, err
		}
		if a.Phone != "" {
			if err := s.issueSMSCode(ctx, a.Email, a.Phone); err != nil {
				return nil, err
			}
			fresh, err := s.mint(ticket.FlowDelete, a, sess, ticket.PhaseVerifySMS, nil)
			if err != nil {
				return nil, err
			}
			return &StepResult{Ticket: fresh, Phase: ticket.PhaseVerifySMS}, nil
		}
		return s.deleteAfterChannels(ctx, a, sess)

	case ticket.PhaseVerifySMS:
		if err := s.challenges.Verify(ctx, a.Email, challengedomain.ChannelSMS, proof.Code, true); err != nil {
			return nil, err
		}
		return s.deleteAfterChannels(ctx, a, sess)

	default: // verify-auth
		if err := s.verifySecondFactor(ctx, a, sess, proof); err != nil {
			return nil, err
		}
		return s.finishDelete(ctx, a, sess)
	}
}

// deleteAfterChannels decides, after the channel checks passed, whether a second
// factor gate is still owed before the terminal transition.
func (s *Service) deleteAfterChannels(ctx context.Context, a *accountdomain.Account, sess Session) (*StepResult, error) {
	methods, err := s.authMethods(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	if methods.Any() {
		fresh, err := s.mint(ticket.FlowDelete, a, sess, ticket.PhaseVerifyAuth, nil)
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
	return s.finishDelete(ctx, a, sess)
}

func (s *Service) finishDelete(ctx context.Context, a *accountdomain.Account, sess Session) (*StepResult, error) {
	updated, err := s.lifecycle.RequestDeletion(ctx, a)
	if err != nil {
		return nil, err
	}
	s.audit.LogEvent(ctx, a.ID, audit.ActionDeletionRequested, "account", "")
	s.log.Info().Str("account_id", a.ID).Msg("account deletion requested")
	return &StepResult{Done: true, Account: updated}, nil
}
