package stepup

import (
	"context"
	"fmt"
	"strings"

	accountdomain "account-stepup-backend/internal/account/domain"
	"account-stepup-backend/internal/audit"
	challengedomain "account-stepup-backend/internal/challenge/domain"
	"account-stepup-backend/internal/ticket"
)

const changePhonePurpose = "confirm changing your phone number"

// currentPhoneChannel picks the channel proving control of the existing
// identity: SMS to the phone on file when there is one, email otherwise. First
// phone enrollment therefore anchors on the email identity.
func currentPhoneChannel(a *accountdomain.Account) challengedomain.Channel {
	if a.Phone != "" {
		return challengedomain.ChannelSMS
	}
	return challengedomain.ChannelEmail
}

func (s *Service) issueCurrentPhoneCode(ctx context.Context, a *accountdomain.Account) error {
	if currentPhoneChannel(a) == challengedomain.ChannelSMS {
		return s.issueSMSCode(ctx, a.Email, a.Phone)
	}
	return s.issueEmailCode(ctx, a.Email, changePhonePurpose)
}

// StartChangePhone begins the phone-change flow by challenging the current
// contact point.
func (s *Service) StartChangePhone(ctx context.Context, sess Session) (*StepResult, error) {
	a, err := s.loadAccount(ctx, sess)
	if err != nil {
		return nil, err
	}
	if err := requireActive(a); err != nil {
		return nil, err
	}
	if err := s.issueCurrentPhoneCode(ctx, a); err != nil {
		return nil, err
	}
	tok, err := s.mint(ticket.FlowChangePhone, a, sess, ticket.PhaseVerifyCurrent, nil)
	if err != nil {
		return nil, err
	}
	return &StepResult{Ticket: tok, Phase: ticket.PhaseVerifyCurrent}, nil
}

// ResendChangePhone reissues the challenge for the ticket's phase.
func (s *Service) ResendChangePhone(ctx context.Context, sess Session, tok string) (*StepResult, error) {
	claims, err := s.tickets.Read(tok, ticket.FlowChangePhone, sess.UserID, sess.Email,
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
		err = s.issueCurrentPhoneCode(ctx, a)
	case ticket.PhaseVerifyNew:
		if claims.PendingPhone == "" {
			return nil, ticket.ErrInvalid
		}
		err = s.issueSMSCode(ctx, a.Email, claims.PendingPhone)
	}
	if err != nil {
		return nil, err
	}
	fresh, err := s.mint(ticket.FlowChangePhone, a, sess, claims.Phase, func(c *ticket.Claims) {
		c.PendingPhone = claims.PendingPhone
	})
	if err != nil {
		return nil, err
	}
	return &StepResult{Ticket: fresh, Phase: claims.Phase}, nil
}

// AdvanceChangePhone consumes one phase: verify-current proves control of the
// existing contact point, set-new challenges the candidate number over SMS, and
// verify-new commits it to the profile row.
func (s *Service) AdvanceChangePhone(ctx context.Context, sess Session, tok string, proof Proof) (*StepResult, error) {
	claims, err := s.tickets.Read(tok, ticket.FlowChangePhone, sess.UserID, sess.Email,
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
		if err := s.challenges.Verify(ctx, a.Email, currentPhoneChannel(a), proof.Code, true); err != nil {
			return nil, err
		}
		fresh, err := s.mint(ticket.FlowChangePhone, a, sess, ticket.PhaseSetNew, nil)
		if err != nil {
			return nil, err
		}
		return &StepResult{Ticket: fresh, Phase: ticket.PhaseSetNew}, nil

	case ticket.PhaseSetNew:
		newPhone := strings.TrimSpace(proof.NewPhone)
		if newPhone == "" || newPhone == a.Phone {
			return nil, ErrPhoneRequired
		}
		if err := s.issueSMSCode(ctx, a.Email, newPhone); err != nil {
			return nil, err
		}
		fresh, err := s.mint(ticket.FlowChangePhone, a, sess, ticket.PhaseVerifyNew, func(c *ticket.Claims) {
			c.PendingPhone = newPhone
		})
		if err != nil {
			return nil, err
		}
		return &StepResult{Ticket: fresh, Phase: ticket.PhaseVerifyNew}, nil

	default: // verify-new
		if claims.PendingPhone == "" {
			return nil, ticket.ErrInvalid
		}
		if err := s.challenges.Verify(ctx, a.Email, challengedomain.ChannelSMS, proof.Code, true); err != nil {
			return nil, err
		}
		if err := s.accounts.UpdatePhone(ctx, a.ID, claims.PendingPhone); err != nil {
			return nil, err
		}
		s.audit.LogEvent(ctx, a.ID, audit.ActionPhoneChanged, "account",
			fmt.Sprintf(`{"new_phone":%q}`, claims.PendingPhone))
		s.log.Info().Str("account_id", a.ID).Msg("account phone changed")
		return &StepResult{Done: true}, nil
	}
}
