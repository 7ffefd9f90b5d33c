// Package stepup sequences the step-up verification flows that guard sensitive
// account mutations: delete, reactivate, change-email, change-phone, and
// enable-passkey. Each flow is a small phase graph walked strictly forward,
// driven by the phase carried in a signed ticket.
package stepup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	accountdomain "account-stepup-backend/internal/account/domain"
	"account-stepup-backend/internal/audit"
	"account-stepup-backend/internal/challenge"
	challengedomain "account-stepup-backend/internal/challenge/domain"
	"account-stepup-backend/internal/lifecycle"
	"account-stepup-backend/internal/ticket"
	"account-stepup-backend/internal/twofactor"
	"account-stepup-backend/internal/webauthn"
)

// Sentinel errors; HTTP handlers map them to status codes.
var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrEmailUnavailable    = errors.New("email address is not available")
	ErrInvalidSecondFactor = errors.New("invalid 2-step code")
	ErrPhoneRequired       = errors.New("a verified phone number is required")
)

// LifecycleBlockedError is returned when a flow targets an account whose current
// state conflicts with the requested action. Carries the state and relevant
// deadline so the UI can explain.
type LifecycleBlockedError struct {
	State             accountdomain.State
	RestoreDeadlineAt *time.Time
	EmailReuseAt      *time.Time
}

func (e *LifecycleBlockedError) Error() string {
	return fmt.Sprintf("account state %s conflicts with this action", e.State)
}

// AuthMethods describes which second factors an account can present.
type AuthMethods struct {
	TOTP    bool `json:"totp"`
	Passkey bool `json:"passkey"`
}

// Any reports whether at least one second factor is available.
func (m AuthMethods) Any() bool { return m.TOTP || m.Passkey }

// Session is the authenticated caller identity supplied by the external
// browser-session collaborator.
type Session struct {
	UserID string
	Email  string
}

// Proof carries the caller's submission for the current phase. Exactly one field
// is relevant per phase.
type Proof struct {
	// Code is a one-time challenge code (email or SMS phase).
	Code string
	// SecondFactorCode is a TOTP or recovery code (verify-auth phase).
	SecondFactorCode string
	// PasskeyProof is a possession proof token (verify-auth phase).
	PasskeyProof string
	// NewEmail is the candidate address (change-email set-new phase).
	NewEmail string
	// NewPhone is the candidate E.164 number (change-phone set-new phase).
	NewPhone string
	// Registration is the authenticator response (enable-passkey register phase).
	Registration *webauthn.RegistrationResponse
	// Assertion is the authenticator response (passkey authentication finish).
	Assertion *webauthn.AssertionResponse
}

// StepResult is the outcome of a flow step.
type StepResult struct {
	// Done is true on a flow's terminal phase.
	Done bool
	// Ticket advances the flow to Phase; empty when Done.
	Ticket string
	Phase  ticket.Phase
	// SecondFactorRequired signals a 428 with AuthMethods to the handler.
	SecondFactorRequired bool
	AuthMethods          *AuthMethods
	// RegistrationOptions is set when the enable-passkey flow reaches register.
	RegistrationOptions *webauthn.RegistrationOptions
	// AuthenticationOptions is set when a passkey authentication starts.
	AuthenticationOptions *webauthn.AuthenticationOptions
	// ProofToken is set when a passkey authentication finishes.
	ProofToken string
	// Account reflects the post-transition record on lifecycle terminals.
	Account *accountdomain.Account
}

// AccountReader is the minimal account repository needed by the flows.
type AccountReader interface {
	GetByEmail(ctx context.Context, email string) (*accountdomain.Account, error)
	// GetDeactivatedByOriginalEmail returns the latest deactivated account that
	// held the address before its archival, or nil if none.
	GetDeactivatedByOriginalEmail(ctx context.Context, email string) (*accountdomain.Account, error)
	UpdateEmail(ctx context.Context, id, email string) error
	UpdatePhone(ctx context.Context, id, phone string) error
}

// AuthDirectory is the external auth-identity system whose email of record must
// stay in lockstep with the profile row.
type AuthDirectory interface {
	UpdateEmail(ctx context.Context, accountID, email string) error
}

// Service orchestrates the five step-up flows.
type Service struct {
	tickets    *ticket.Codec
	ticketTTL  time.Duration
	challenges *challenge.Service
	secondF    *twofactor.Verifier
	ceremony   *webauthn.Ceremony
	lifecycle  *lifecycle.Manager
	accounts   AccountReader
	authDir    AuthDirectory
	audit      *audit.Logger
	log        zerolog.Logger
	nowF       func() time.Time
}

// NewService returns a step-up Service with the given collaborators.
func NewService(
	tickets *ticket.Codec,
	ticketTTL time.Duration,
	challenges *challenge.Service,
	secondF *twofactor.Verifier,
	ceremony *webauthn.Ceremony,
	lifecycleMgr *lifecycle.Manager,
	accounts AccountReader,
	authDir AuthDirectory,
	auditLog *audit.Logger,
	log zerolog.Logger,
) *Service {
	return &Service{
		tickets:    tickets,
		ticketTTL:  ticketTTL,
		challenges: challenges,
		secondF:    secondF,
		ceremony:   ceremony,
		lifecycle:  lifecycleMgr,
		accounts:   accounts,
		authDir:    authDir,
		audit:      auditLog,
		log:        log,
		nowF:       func() time.Time { return time.Now().UTC() },
	}
}

// loadAccount loads the caller's account and lazily reconciles its lifecycle
// state ("sync on read"). Returns ErrAccountNotFound when no row exists.
func (s *Service) loadAccount(ctx context.Context, sess Session) (*accountdomain.Account, error) {
	a, err := s.lifecycle.SyncOnRead(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, ErrAccountNotFound
	}
	return a, nil
}

// requireActive rejects flows against accounts that are not active. This check
// is read-then-act: a competing flow finishing between the read and this flow's
// terminal write is a known, accepted race.
func requireActive(a *accountdomain.Account) error {
	if a.State == accountdomain.StateActive {
		return nil
	}
	return &LifecycleBlockedError{
		State:             a.State,
		RestoreDeadlineAt: a.RestoreDeadlineAt,
		EmailReuseAt:      a.EmailReuseAt,
	}
}

// authMethods reports which second factors the account can present.
func (s *Service) authMethods(ctx context.Context, accountID string) (AuthMethods, error) {
	st, err := s.secondF.StateFor(ctx, accountID)
	if err != nil {
		return AuthMethods{}, err
	}
	hasPasskey, err := s.ceremony.HasCredentials(ctx, accountID)
	if err != nil {
		return AuthMethods{}, err
	}
	return AuthMethods{TOTP: st.Enabled, Passkey: hasPasskey}, nil
}

// verifySecondFactor checks a TOTP/recovery code or a passkey possession proof.
// Failures collapse to ErrInvalidSecondFactor.
func (s *Service) verifySecondFactor(ctx context.Context, a *accountdomain.Account, sess Session, proof Proof) error {
	if proof.PasskeyProof != "" {
		if err := s.ceremony.VerifyProof(proof.PasskeyProof, a.ID, sess.UserID); err != nil {
			return ErrInvalidSecondFactor
		}
		return nil
	}
	if proof.SecondFactorCode == "" {
		return ErrInvalidSecondFactor
	}
	st, err := s.secondF.StateFor(ctx, a.ID)
	if err != nil {
		return err
	}
	ok, err := s.secondF.VerifyWithRecovery(ctx, a.ID, st, proof.SecondFactorCode)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidSecondFactor
	}
	return nil
}

// mint wraps the codec with the flow's standard claims.
func (s *Service) mint(flow ticket.Flow, a *accountdomain.Account, sess Session, phase ticket.Phase, mutate func(*ticket.Claims)) (string, error) {
	claims := ticket.Claims{
		Flow:          flow,
		SubjectID:     a.ID,
		SessionUserID: sess.UserID,
		Email:         sess.Email,
		Phase:         phase,
	}
	if mutate != nil {
		mutate(&claims)
	}
	return s.tickets.Mint(claims, s.ticketTTL)
}

func (s *Service) issueEmailCode(ctx context.Context, email, purpose string) error {
	return s.challenges.Issue(ctx, email, challengedomain.ChannelEmail, email, purpose)
}

func (s *Service) issueSMSCode(ctx context.Context, email, phone string) error {
	return s.challenges.Issue(ctx, email, challengedomain.ChannelSMS, phone, "")
}
