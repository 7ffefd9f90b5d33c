package stepup

import (
	"context"
	"errors"
	"fmt"
	"strings"

	accountdomain "account-stepup-backend/internal/account/domain"
	accountrepo "account-stepup-backend/internal/account/repository"
	"account-stepup-backend/internal/audit"
	challengedomain "account-stepup-backend/internal/challenge/domain"
	"account-stepup-backend/internal/ticket"
)

const (
	changeEmailCurrentPurpose = "confirm changing your email address"
	changeEmailNewPurpose     = "verify your new email address"
)

// StartChangeEmail begins the email-change flow by challenging the current
// address, proving the caller still controls it.
func (s *Service) StartChangeEmail(ctx context.Context, sess Session) (*StepResult, error) {
	a, err := s.loadAccount(ctx, sess)
	if err != nil {
		return nil, err
	}
	if err := requireActive(a); err != nil {
		return nil, err
	}
	if err := s.issueEmailCode(ctx, a.Email, changeEmailCurrentPurpose); err != nil {
		return nil, err
	}
	tok, err := s.mint(ticket.FlowChangeEmail, a, sess, ticket.PhaseVerifyCurrent, nil)
	if err != nil {
		return nil, err
	}
	return &StepResult{Ticket: tok, Phase: ticket.PhaseVerifyCurrent}, nil
}

// ResendChangeEmail reissues the challenge for the ticket's phase. Only the two
// challenge-bearing phases can resend; set-new has no code in flight.
func (s *Service) ResendChangeEmail(ctx context.Context, sess Session, tok string) (*StepResult, error) {
	claims, err := s.tickets.Read(tok, ticket.FlowChangeEmail, sess.UserID, sess.Email,
		ticket.PhaseVerifyCurrent, ticket.PhaseVerifyNew)
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
	case ticket.PhaseVerifyCurrent:
		err = s.issueEmailCode(ctx, a.Email, changeEmailCurrentPurpose)
	case ticket.PhaseVerifyNew:
		if claims.PendingEmail == "" {
			return nil, ticket.ErrInvalid
		}
		err = s.issueEmailCode(ctx, claims.PendingEmail, changeEmailNewPurpose)
	}
	if err != nil {
		return nil, err
	}
	fresh, err := s.mint(ticket.FlowChangeEmail, a, sess, claims.Phase, func(c *ticket.Claims) {
		c.PendingEmail = claims.PendingEmail
	})
	if err != nil {
		return nil, err
	}
	return &StepResult{Ticket: fresh, Phase: claims.Phase}, nil
}

// AdvanceChangeEmail consumes one phase: verify-current proves control of the
// existing address, set-new picks and challenges the candidate address, and
// verify-new commits the change to both the auth directory and the profile row.
func (s *Service) AdvanceChangeEmail(ctx context.Context, sess Session, tok string, proof Proof) (*StepResult, error) {
	claims, err := s.tickets.Read(tok, ticket.FlowChangeEmail, sess.UserID, sess.Email,
		ticket.PhaseVerifyCurrent, ticket.PhaseSetNew, ticket.PhaseVerifyNew)
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
	case ticket.PhaseVerifyCurrent:
		if err := s.challenges.Verify(ctx, a.Email, challengedomain.ChannelEmail, proof.Code, true); err != nil {
			return nil, err
		}
		fresh, err := s.mint(ticket.FlowChangeEmail, a, sess, ticket.PhaseSetNew, nil)
		if err != nil {
			return nil, err
		}
		return &StepResult{Ticket: fresh, Phase: ticket.PhaseSetNew}, nil

	case ticket.PhaseSetNew:
		newEmail := strings.ToLower(strings.TrimSpace(proof.NewEmail))
		if newEmail == "" || newEmail == strings.ToLower(a.Email) {
			return nil, ErrEmailUnavailable
		}
		if err := s.checkEmailAvailable(ctx, a, newEmail); err != nil {
			return nil, err
		}
		if err := s.issueEmailCode(ctx, newEmail, changeEmailNewPurpose); err != nil {
			return nil, err
		}
		fresh, err := s.mint(ticket.FlowChangeEmail, a, sess, ticket.PhaseVerifyNew, func(c *ticket.Claims) {
			c.PendingEmail = newEmail
		})
		if err != nil {
			return nil, err
		}
		return &StepResult{Ticket: fresh, Phase: ticket.PhaseVerifyNew}, nil

	default: // verify-new
		if claims.PendingEmail == "" {
			return nil, ticket.ErrInvalid
		}
		// Verified but not consumed yet; the code is retired only after the
		// commit below succeeds, so a failed commit leaves the flow retryable.
		if err := s.challenges.Verify(ctx, claims.PendingEmail, challengedomain.ChannelEmail, proof.Code, false); err != nil {
			return nil, err
		}
		if err := s.commitEmailChange(ctx, a, claims.PendingEmail); err != nil {
			return nil, err
		}
		if err := s.challenges.Consume(ctx, claims.PendingEmail, challengedomain.ChannelEmail); err != nil {
			s.log.Error().Err(err).Msg("consume email-change challenge after commit")
		}
		s.audit.LogEvent(ctx, a.ID, audit.ActionEmailChanged, "account",
			fmt.Sprintf(`{"new_email":%q}`, claims.PendingEmail))
		s.log.Info().Str("account_id", a.ID).Msg("account email changed")
		return &StepResult{Done: true}, nil
	}
}

// checkEmailAvailable rejects addresses held by another account, unless that
// account is deactivated and past its email-reuse date. Deactivation rewrites
// the live address to an archival one, so the freed address is also looked up
// through the pre-archival column.
func (s *Service) checkEmailAvailable(ctx context.Context, a *accountdomain.Account, email string) error {
	now := s.nowF()
	existing, err := s.accounts.GetByEmail(ctx, email)
	if err != nil {
		return err
	}
	if existing != nil && existing.ID != a.ID && !existing.EmailReusable(now) {
		return ErrEmailUnavailable
	}
	holder, err := s.accounts.GetDeactivatedByOriginalEmail(ctx, email)
	if err != nil {
		return err
	}
	if holder != nil && holder.ID != a.ID && !holder.EmailReusable(now) {
		return ErrEmailUnavailable
	}
	return nil
}

// commitEmailChange updates the auth directory first, then the profile row. When
// the profile write fails the directory is rolled back to the previous address
// so the two systems never disagree.
func (s *Service) commitEmailChange(ctx context.Context, a *accountdomain.Account, newEmail string) error {
	if err := s.authDir.UpdateEmail(ctx, a.ID, newEmail); err != nil {
		return fmt.Errorf("auth directory update: %w", err)
	}
	if err := s.accounts.UpdateEmail(ctx, a.ID, newEmail); err != nil {
		if rbErr := s.authDir.UpdateEmail(ctx, a.ID, a.Email); rbErr != nil {
			s.log.Error().Err(rbErr).Str("account_id", a.ID).
				Msg("auth directory rollback failed; systems may disagree on email")
		}
		if errors.Is(err, accountrepo.ErrEmailTaken) {
			return ErrEmailUnavailable
		}
		return err
	}
	return nil
}
