package stepup

import (
	"context"

	accountdomain "account-stepup-backend/internal/account/domain"
	"account-stepup-backend/internal/audit"
	challengedomain "account-stepup-backend/internal/challenge/domain"
	"account-stepup-backend/internal/ticket"
)

const enablePasskeyPurpose = "confirm adding a passkey to your account"

// StartEnablePasskey begins passkey enrollment. Accounts with two-step
// verification enabled must present a TOTP or recovery code instead of an email
// challenge; a possessed second factor outranks inbox access.
func (s *Service) StartEnablePasskey(ctx context.Context, sess Session) (*StepResult, error) {
	a, err := s.loadAccount(ctx, sess)
	if err != nil {
		return nil, err
	}
	if err := requireActive(a); err != nil {
		return nil, err
	}

	st, err := s.secondF.StateFor(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	if st.Enabled {
		tok, err := s.mint(ticket.FlowEnablePasskey, a, sess, ticket.PhaseVerifyTwoFactor, nil)
		if err != nil {
			return nil, err
		}
		return &StepResult{
			Ticket:               tok,
			Phase:                ticket.PhaseVerifyTwoFactor,
			SecondFactorRequired: true,
			AuthMethods:          &AuthMethods{TOTP: true},
		}, nil
	}

	if err := s.issueEmailCode(ctx, a.Email, enablePasskeyPurpose); err != nil {
		return nil, err
	}
	tok, err := s.mint(ticket.FlowEnablePasskey, a, sess, ticket.PhaseVerifyEmail, nil)
	if err != nil {
		return nil, err
	}
	return &StepResult{Ticket: tok, Phase: ticket.PhaseVerifyEmail}, nil
}

// ResendEnablePasskey reissues the email challenge. The two-factor phase has
// nothing to resend; TOTP codes regenerate on the authenticator.
func (s *Service) ResendEnablePasskey(ctx context.Context, sess Session, tok string) (*StepResult, error) {
	if _, err := s.tickets.Read(tok, ticket.FlowEnablePasskey, sess.UserID, sess.Email, ticket.PhaseVerifyEmail); err != nil {
		return nil, err
	}
	a, err := s.loadAccount(ctx, sess)
	if err != nil {
		return nil, err
	}
	if err := requireActive(a); err != nil {
		return nil, err
	}
	if err := s.issueEmailCode(ctx, a.Email, enablePasskeyPurpose); err != nil {
		return nil, err
	}
	fresh, err := s.mint(ticket.FlowEnablePasskey, a, sess, ticket.PhaseVerifyEmail, nil)
	if err != nil {
		return nil, err
	}
	return &StepResult{Ticket: fresh, Phase: ticket.PhaseVerifyEmail}, nil
}

// AdvanceEnablePasskey consumes one phase: a channel or two-factor check first,
// then the registration ceremony itself. The creation challenge and rpId travel
// in the ticket between the two registration requests.
func (s *Service) AdvanceEnablePasskey(ctx context.Context, sess Session, tok string, proof Proof) (*StepResult, error) {
	claims, err := s.tickets.Read(tok, ticket.FlowEnablePasskey, sess.UserID, sess.Email,
		ticket.PhaseVerifyEmail, ticket.PhaseVerifyTwoFactor, ticket.PhaseRegister)
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
		return s.beginRegistration(ctx, a, sess)

	case ticket.PhaseVerifyTwoFactor:
		st, err := s.secondF.StateFor(ctx, a.ID)
		if err != nil {
			return nil, err
		}
		ok, err := s.secondF.VerifyWithRecovery(ctx, a.ID, st, proof.SecondFactorCode)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrInvalidSecondFactor
		}
		return s.beginRegistration(ctx, a, sess)

	default: // register
		cred, err := s.ceremony.FinishRegistration(ctx, a.ID, claims.Challenge, claims.RPID, proof.Registration)
		if err != nil {
			return nil, err
		}
		s.audit.LogEvent(ctx, a.ID, audit.ActionPasskeyEnrolled, "passkey", "")
		s.log.Info().Str("account_id", a.ID).Str("credential_id", cred.ID).Msg("passkey enrolled")
		return &StepResult{Done: true}, nil
	}
}

func (s *Service) beginRegistration(ctx context.Context, a *accountdomain.Account, sess Session) (*StepResult, error) {
	opts, challenge, rpID, err := s.ceremony.RegistrationOptions(ctx, a.ID, a.Email, a.Name)
	if err != nil {
		return nil, err
	}
	fresh, err := s.mint(ticket.FlowEnablePasskey, a, sess, ticket.PhaseRegister, func(c *ticket.Claims) {
		c.Challenge = challenge
		c.RPID = rpID
		c.Origin = s.ceremony.Origin()
	})
	if err != nil {
		return nil, err
	}
	return &StepResult{Ticket: fresh, Phase: ticket.PhaseRegister, RegistrationOptions: opts}, nil
}
