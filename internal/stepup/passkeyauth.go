package stepup

import (
	"context"

	"account-stepup-backend/internal/audit"
	"account-stepup-backend/internal/ticket"
)

// StartPasskeyAuth begins an assertion ceremony for the caller's enrolled
// passkeys. The resulting proof token satisfies any verify-auth phase within its
// own short lifetime. Lifecycle state is not gated here; proving possession is
// legitimate in every state that still permits a flow needing it.
func (s *Service) StartPasskeyAuth(ctx context.Context, sess Session) (*StepResult, error) {
	a, err := s.loadAccount(ctx, sess)
	if err != nil {
		return nil, err
	}
	opts, challenge, rpID, err := s.ceremony.AuthenticationOptions(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	tok, err := s.mint(ticket.FlowPasskeyAuth, a, sess, ticket.PhaseAuthenticate, func(c *ticket.Claims) {
		c.Challenge = challenge
		c.RPID = rpID
		c.Origin = s.ceremony.Origin()
	})
	if err != nil {
		return nil, err
	}
	return &StepResult{Ticket: tok, Phase: ticket.PhaseAuthenticate, AuthenticationOptions: opts}, nil
}

// FinishPasskeyAuth validates the assertion against the ticket-embedded
// challenge and returns a possession proof token.
func (s *Service) FinishPasskeyAuth(ctx context.Context, sess Session, tok string, proof Proof) (*StepResult, error) {
	claims, err := s.tickets.Read(tok, ticket.FlowPasskeyAuth, sess.UserID, sess.Email, ticket.PhaseAuthenticate)
	if err != nil {
		return nil, err
	}
	a, err := s.loadAccount(ctx, sess)
	if err != nil {
		return nil, err
	}
	proofToken, err := s.ceremony.FinishAuthentication(ctx, a.ID, sess.UserID, claims.Challenge, claims.RPID, proof.Assertion)
	if err != nil {
		return nil, err
	}
	s.audit.LogEvent(ctx, a.ID, audit.ActionPasskeyAuthenticated, "passkey", "")
	s.log.Info().Str("account_id", a.ID).Msg("passkey authentication succeeded")
	return &StepResult{Done: true, ProofToken: proofToken}, nil
}
