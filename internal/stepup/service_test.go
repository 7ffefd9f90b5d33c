package stepup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/rs/zerolog"

	accountdomain "account-stepup-backend/internal/account/domain"
	accountrepo "account-stepup-backend/internal/account/repository"
	"account-stepup-backend/internal/audit"
	"account-stepup-backend/internal/challenge"
	challengedomain "account-stepup-backend/internal/challenge/domain"
	"account-stepup-backend/internal/lifecycle"
	"account-stepup-backend/internal/ticket"
	"account-stepup-backend/internal/twofactor"
	"account-stepup-backend/internal/webauthn"
	webauthndomain "account-stepup-backend/internal/webauthn/domain"
	webauthnrepo "account-stepup-backend/internal/webauthn/repository"
)

// ---- in-memory fakes ----

type memAccounts struct {
	mu       sync.Mutex
	accounts map[string]*accountdomain.Account
}

func newMemAccounts() *memAccounts {
	return &memAccounts{accounts: map[string]*accountdomain.Account{}}
}

func (m *memAccounts) put(a *accountdomain.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.accounts[a.ID] = &cp
}

func (m *memAccounts) get(id string) *accountdomain.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.accounts[id]; ok {
		cp := *a
		return &cp
	}
	return nil
}

func (m *memAccounts) GetByID(_ context.Context, id string) (*accountdomain.Account, error) {
	return m.get(id), nil
}

func (m *memAccounts) GetByEmail(_ context.Context, email string) (*accountdomain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.Email == email {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memAccounts) GetDeactivatedByOriginalEmail(_ context.Context, email string) (*accountdomain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.State == accountdomain.StateDeactivated && a.OriginalEmail == email {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memAccounts) UpdateLifecycle(_ context.Context, a *accountdomain.Account) error {
	m.put(a)
	return nil
}

func (m *memAccounts) UpdateEmail(_ context.Context, id, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.ID != id && a.Email == email {
			return accountrepo.ErrEmailTaken
		}
	}
	a, ok := m.accounts[id]
	if !ok {
		return errors.New("account not found")
	}
	a.Email = email
	return nil
}

func (m *memAccounts) UpdatePhone(_ context.Context, id, phone string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return errors.New("account not found")
	}
	a.Phone = phone
	return nil
}

type memChallengeRepo struct {
	mu         sync.Mutex
	challenges []*challengedomain.Challenge
}

func (m *memChallengeRepo) Create(_ context.Context, c *challengedomain.Challenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.challenges = append(m.challenges, &cp)
	return nil
}

func (m *memChallengeRepo) GetLatest(_ context.Context, email string, channel challengedomain.Channel) (*challengedomain.Challenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.challenges) - 1; i >= 0; i-- {
		c := m.challenges[i]
		if c.Email == email && c.Channel == channel {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memChallengeRepo) GetLatestActive(_ context.Context, email string, channel challengedomain.Channel) (*challengedomain.Challenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.challenges) - 1; i >= 0; i-- {
		c := m.challenges[i]
		if c.Email == email && c.Channel == channel && !c.Consumed {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memChallengeRepo) ConsumeAllFor(_ context.Context, email string, channel challengedomain.Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.challenges {
		if c.Email == email && c.Channel == channel {
			c.Consumed = true
		}
	}
	return nil
}

func (m *memChallengeRepo) Consume(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.challenges {
		if c.ID == id {
			if c.Consumed {
				return false, nil
			}
			c.Consumed = true
			return true, nil
		}
	}
	return false, nil
}

func (m *memChallengeRepo) DecrementAttempts(_ context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.challenges {
		if c.ID == id && !c.Consumed {
			c.AttemptsLeft--
			if c.AttemptsLeft <= 0 {
				c.Consumed = true
			}
			return c.AttemptsLeft, nil
		}
	}
	return 0, nil
}

type memTwoFactorRepo struct {
	mu       sync.Mutex
	states   map[string]*twofactor.State
	recovery map[string][]string // accountID -> unused plain codes
}

func newMemTwoFactorRepo() *memTwoFactorRepo {
	return &memTwoFactorRepo{states: map[string]*twofactor.State{}, recovery: map[string][]string{}}
}

func (m *memTwoFactorRepo) GetState(_ context.Context, accountID string) (*twofactor.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[accountID]; ok {
		cp := *st
		return &cp, nil
	}
	return nil, nil
}

func (m *memTwoFactorRepo) ConsumeRecoveryCode(_ context.Context, accountID, code string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	codes := m.recovery[accountID]
	for i, c := range codes {
		if c == code {
			m.recovery[accountID] = append(codes[:i], codes[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

type memCredRepo struct {
	mu    sync.Mutex
	creds []*webauthndomain.Credential
}

func (m *memCredRepo) Upsert(_ context.Context, c *webauthndomain.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.creds {
		if string(existing.CredentialID) == string(c.CredentialID) {
			if existing.AccountID != c.AccountID {
				return webauthnrepo.ErrForeignCredential
			}
			if c.SignCount > existing.SignCount {
				existing.SignCount = c.SignCount
			}
			existing.Transports = c.Transports
			return nil
		}
	}
	cp := *c
	m.creds = append(m.creds, &cp)
	return nil
}

func (m *memCredRepo) ListByAccount(_ context.Context, accountID string) ([]*webauthndomain.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*webauthndomain.Credential
	for _, c := range m.creds {
		if c.AccountID == accountID {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memCredRepo) GetByCredentialID(_ context.Context, credentialID []byte) (*webauthndomain.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.creds {
		if string(c.CredentialID) == string(credentialID) {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memCredRepo) UpdateSignCount(_ context.Context, id string, signCount uint32, lastUsedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.creds {
		if c.ID == id {
			c.SignCount = signCount
			c.LastUsedAt = &lastUsedAt
		}
	}
	return nil
}

type captureEmail struct {
	mu       sync.Mutex
	lastTo   string
	lastCode string
	sent     int
}

func (c *captureEmail) SendCode(_ context.Context, email, code, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastTo, c.lastCode = email, code
	c.sent++
	return nil
}

func (c *captureEmail) code() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastCode
}

type captureSMS struct {
	mu       sync.Mutex
	lastTo   string
	lastCode string
}

func (c *captureSMS) SendCode(_ context.Context, phone, code string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastTo, c.lastCode = phone, code
	return nil
}

func (c *captureSMS) code() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastCode
}

type memAuthDir struct {
	mu     sync.Mutex
	emails []string // emails in call order
	fail   error
}

func (m *memAuthDir) UpdateEmail(_ context.Context, _, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.emails = append(m.emails, email)
	return nil
}

func (m *memAuthDir) calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.emails...)
}

// ---- test environment ----

type env struct {
	svc      *Service
	codec    *ticket.Codec
	accounts *memAccounts
	email    *captureEmail
	sms      *captureSMS
	twofa    *memTwoFactorRepo
	creds    *memCredRepo
	authDir  *memAuthDir
	proofs   *webauthn.ProofIssuer
}

func newEnv(t *testing.T) *env {
	t.Helper()
	accounts := newMemAccounts()
	email := &captureEmail{}
	sms := &captureSMS{}
	twofa := newMemTwoFactorRepo()
	creds := &memCredRepo{}
	authDir := &memAuthDir{}
	codec := ticket.NewCodec([]byte("test-ticket-secret"))
	proofs := webauthn.NewProofIssuer([]byte("test-proof-secret"))
	ceremony := webauthn.NewCeremony(creds, proofs, "Test App", "https://app.example.com")

	svc := NewService(
		codec,
		10*time.Minute,
		challenge.NewService(&memChallengeRepo{}, email, sms, nil),
		twofactor.NewVerifier(twofa),
		ceremony,
		lifecycle.NewManager(accounts),
		accounts,
		authDir,
		audit.NewLogger(nil, zerolog.Nop(), nil),
		zerolog.Nop(),
	)
	return &env{
		svc:      svc,
		codec:    codec,
		accounts: accounts,
		email:    email,
		sms:      sms,
		twofa:    twofa,
		creds:    creds,
		authDir:  authDir,
		proofs:   proofs,
	}
}

func (e *env) addAccount(a *accountdomain.Account) Session {
	if a.State == "" {
		a.State = accountdomain.StateActive
	}
	e.accounts.put(a)
	return Session{UserID: a.ID, Email: a.Email}
}

func totpSecret(t *testing.T) string {
	t.Helper()
	key, err := totp.Generate(totp.GenerateOpts{Issuer: "test", AccountName: "user@example.com"})
	if err != nil {
		t.Fatalf("generate totp secret: %v", err)
	}
	return key.Secret()
}

func totpCode(t *testing.T, secret string) string {
	t.Helper()
	code, err := totp.GenerateCode(secret, time.Now())
	if err != nil {
		t.Fatalf("generate totp code: %v", err)
	}
	return code
}

// ---- delete flow ----

func TestDeleteFlow_NoPhoneNoSecondFactor(t *testing.T) {
	e := newEnv(t)
	sess := e.addAccount(&accountdomain.Account{ID: "acc-1", Email: "user@example.com"})
	ctx := context.Background()

	res, err := e.svc.StartDelete(ctx, sess)
	if err != nil {
		t.Fatalf("StartDelete: %v", err)
	}
	if res.Phase != ticket.PhaseVerifyEmail || res.Ticket == "" {
		t.Fatalf("unexpected start result: %+v", res)
	}
	if e.email.lastTo != "user@example.com" {
		t.Fatalf("code sent to %q", e.email.lastTo)
	}

	res, err = e.svc.AdvanceDelete(ctx, sess, res.Ticket, Proof{Code: e.email.code()})
	if err != nil {
		t.Fatalf("AdvanceDelete: %v", err)
	}
	if !res.Done {
		t.Fatalf("expected terminal result, got %+v", res)
	}
	if res.Account.State != accountdomain.StatePendingDeletion {
		t.Fatalf("state = %s, want pending_deletion", res.Account.State)
	}
	if res.Account.DeleteRequestedAt == nil || res.Account.RestoreDeadlineAt == nil {
		t.Fatal("deletion timestamps not stamped")
	}
	wantDeadline := res.Account.DeleteRequestedAt.Add(accountdomain.RestoreWindow)
	if !res.Account.RestoreDeadlineAt.Equal(wantDeadline) {
		t.Fatalf("restore deadline = %v, want %v", res.Account.RestoreDeadlineAt, wantDeadline)
	}
}

func TestDeleteFlow_PhoneAndTOTP(t *testing.T) {
	e := newEnv(t)
	secret := totpSecret(t)
	sess := e.addAccount(&accountdomain.Account{ID: "acc-1", Email: "user@example.com", Phone: "+5511999990000"})
	e.twofa.states["acc-1"] = &twofactor.State{Enabled: true, Secret: secret}
	ctx := context.Background()

	res, err := e.svc.StartDelete(ctx, sess)
	if err != nil {
		t.Fatalf("StartDelete: %v", err)
	}

	res, err = e.svc.AdvanceDelete(ctx, sess, res.Ticket, Proof{Code: e.email.code()})
	if err != nil {
		t.Fatalf("advance past verify-email: %v", err)
	}
	if res.Phase != ticket.PhaseVerifySMS {
		t.Fatalf("phase = %s, want verify-sms", res.Phase)
	}
	if e.sms.lastTo != "+5511999990000" {
		t.Fatalf("sms sent to %q", e.sms.lastTo)
	}

	res, err = e.svc.AdvanceDelete(ctx, sess, res.Ticket, Proof{Code: e.sms.code()})
	if err != nil {
		t.Fatalf("advance past verify-sms: %v", err)
	}
	if !res.SecondFactorRequired || res.Phase != ticket.PhaseVerifyAuth {
		t.Fatalf("expected second-factor gate, got %+v", res)
	}
	if res.AuthMethods == nil || !res.AuthMethods.TOTP || res.AuthMethods.Passkey {
		t.Fatalf("auth methods = %+v, want totp only", res.AuthMethods)
	}

	res, err = e.svc.AdvanceDelete(ctx, sess, res.Ticket, Proof{SecondFactorCode: totpCode(t, secret)})
	if err != nil {
		t.Fatalf("advance past verify-auth: %v", err)
	}
	if !res.Done || res.Account.State != accountdomain.StatePendingDeletion {
		t.Fatalf("unexpected terminal result: %+v", res)
	}
}

func TestDeleteFlow_SecondFactorViaRecoveryCode(t *testing.T) {
	e := newEnv(t)
	secret := totpSecret(t)
	sess := e.addAccount(&accountdomain.Account{ID: "acc-1", Email: "user@example.com"})
	e.twofa.states["acc-1"] = &twofactor.State{Enabled: true, Secret: secret}
	e.twofa.recovery["acc-1"] = []string{"rescue-code-1"}
	ctx := context.Background()

	res, err := e.svc.StartDelete(ctx, sess)
	if err != nil {
		t.Fatalf("StartDelete: %v", err)
	}
	res, err = e.svc.AdvanceDelete(ctx, sess, res.Ticket, Proof{Code: e.email.code()})
	if err != nil {
		t.Fatalf("advance past verify-email: %v", err)
	}
	if !res.SecondFactorRequired {
		t.Fatalf("expected second-factor gate, got %+v", res)
	}

	// Wrong recovery code fails, the right one succeeds, a replay fails.
	if _, err := e.svc.AdvanceDelete(ctx, sess, res.Ticket, Proof{SecondFactorCode: "nope"}); !errors.Is(err, ErrInvalidSecondFactor) {
		t.Fatalf("wrong code: err = %v, want ErrInvalidSecondFactor", err)
	}
	done, err := e.svc.AdvanceDelete(ctx, sess, res.Ticket, Proof{SecondFactorCode: "rescue-code-1"})
	if err != nil || !done.Done {
		t.Fatalf("recovery code advance: res=%+v err=%v", done, err)
	}
	if got := e.twofa.recovery["acc-1"]; len(got) != 0 {
		t.Fatalf("recovery code not consumed: %v", got)
	}
}

func TestDeleteFlow_AttemptExhaustion(t *testing.T) {
	e := newEnv(t)
	sess := e.addAccount(&accountdomain.Account{ID: "acc-1", Email: "user@example.com"})
	ctx := context.Background()

	res, err := e.svc.StartDelete(ctx, sess)
	if err != nil {
		t.Fatalf("StartDelete: %v", err)
	}

	for i := 1; i < challenge.MaxAttempts; i++ {
		_, err := e.svc.AdvanceDelete(ctx, sess, res.Ticket, Proof{Code: "0000000"})
		var invalid *challenge.InvalidCodeError
		if !errors.As(err, &invalid) {
			t.Fatalf("attempt %d: err = %v, want InvalidCodeError", i, err)
		}
		if invalid.AttemptsLeft != challenge.MaxAttempts-i {
			t.Fatalf("attempt %d: attempts left = %d, want %d", i, invalid.AttemptsLeft, challenge.MaxAttempts-i)
		}
	}
	if _, err := e.svc.AdvanceDelete(ctx, sess, res.Ticket, Proof{Code: "0000000"}); !errors.Is(err, challenge.ErrTooManyAttempts) {
		t.Fatalf("final wrong attempt: err = %v, want ErrTooManyAttempts", err)
	}
	// Even the correct code is dead once the budget is gone.
	if _, err := e.svc.AdvanceDelete(ctx, sess, res.Ticket, Proof{Code: e.email.code()}); !errors.Is(err, challenge.ErrTooManyAttempts) {
		t.Fatalf("correct code after exhaustion: err = %v, want ErrTooManyAttempts", err)
	}
}

func TestDeleteFlow_TicketRejectedAcrossFlows(t *testing.T) {
	e := newEnv(t)
	sess := e.addAccount(&accountdomain.Account{ID: "acc-1", Email: "user@example.com"})
	ctx := context.Background()

	res, err := e.svc.StartDelete(ctx, sess)
	if err != nil {
		t.Fatalf("StartDelete: %v", err)
	}
	if _, err := e.svc.AdvanceChangeEmail(ctx, sess, res.Ticket, Proof{Code: e.email.code()}); !errors.Is(err, ticket.ErrInvalid) {
		t.Fatalf("cross-flow ticket: err = %v, want ticket.ErrInvalid", err)
	}
}

func TestDeleteFlow_BlockedWhenPendingDeletion(t *testing.T) {
	e := newEnv(t)
	now := time.Now().UTC()
	deadline := now.Add(10 * 24 * time.Hour)
	sess := e.addAccount(&accountdomain.Account{
		ID: "acc-1", Email: "user@example.com",
		State:             accountdomain.StatePendingDeletion,
		DeleteRequestedAt: &now,
		RestoreDeadlineAt: &deadline,
	})

	_, err := e.svc.StartDelete(context.Background(), sess)
	var blocked *LifecycleBlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("err = %v, want LifecycleBlockedError", err)
	}
	if blocked.State != accountdomain.StatePendingDeletion || blocked.RestoreDeadlineAt == nil {
		t.Fatalf("blocked = %+v", blocked)
	}
}

// ---- reactivate flow ----

func TestReactivateFlow(t *testing.T) {
	e := newEnv(t)
	now := time.Now().UTC()
	requested := now.Add(-24 * time.Hour)
	deadline := requested.Add(accountdomain.RestoreWindow)
	sess := e.addAccount(&accountdomain.Account{
		ID: "acc-1", Email: "user@example.com", OriginalEmail: "user@example.com",
		State:             accountdomain.StatePendingDeletion,
		DeleteRequestedAt: &requested,
		RestoreDeadlineAt: &deadline,
	})
	ctx := context.Background()

	res, err := e.svc.StartReactivate(ctx, sess)
	if err != nil {
		t.Fatalf("StartReactivate: %v", err)
	}
	res, err = e.svc.AdvanceReactivate(ctx, sess, res.Ticket, Proof{Code: e.email.code()})
	if err != nil {
		t.Fatalf("AdvanceReactivate: %v", err)
	}
	if !res.Done || res.Account.State != accountdomain.StateActive {
		t.Fatalf("unexpected terminal result: %+v", res)
	}
	if res.Account.DeleteRequestedAt != nil || res.Account.RestoreDeadlineAt != nil {
		t.Fatal("deletion timestamps not cleared")
	}
	if res.Account.ReactivatedAt == nil {
		t.Fatal("reactivated_at not stamped")
	}
}

func TestReactivateFlow_WindowExpired(t *testing.T) {
	e := newEnv(t)
	requested := time.Now().UTC().Add(-20 * 24 * time.Hour)
	deadline := requested.Add(accountdomain.RestoreWindow)
	sess := e.addAccount(&accountdomain.Account{
		ID: "acc-1", Email: "user@example.com", OriginalEmail: "user@example.com",
		State:             accountdomain.StatePendingDeletion,
		DeleteRequestedAt: &requested,
		RestoreDeadlineAt: &deadline,
	})

	_, err := e.svc.StartReactivate(context.Background(), sess)
	var blocked *LifecycleBlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("err = %v, want LifecycleBlockedError", err)
	}
	// The lazy transition fired on read: the account is now deactivated with an
	// archived email and an email-reuse date.
	if blocked.State != accountdomain.StateDeactivated {
		t.Fatalf("state = %s, want deactivated", blocked.State)
	}
	if blocked.EmailReuseAt == nil {
		t.Fatal("email reuse date missing")
	}
	stored := e.accounts.get("acc-1")
	if stored.Email == "user@example.com" {
		t.Fatal("email not archived on deactivation")
	}
}

func TestReactivateFlow_KeepsEmailChangedAfterSignup(t *testing.T) {
	e := newEnv(t)
	now := time.Now().UTC()
	requested := now.Add(-24 * time.Hour)
	deadline := requested.Add(accountdomain.RestoreWindow)
	// The account changed its address after signup; OriginalEmail still holds
	// the creation-time value and the live address was never archived.
	sess := e.addAccount(&accountdomain.Account{
		ID: "acc-1", Email: "new@example.com", OriginalEmail: "old@example.com",
		State:             accountdomain.StatePendingDeletion,
		DeleteRequestedAt: &requested,
		RestoreDeadlineAt: &deadline,
	})
	ctx := context.Background()

	res, err := e.svc.StartReactivate(ctx, sess)
	if err != nil {
		t.Fatalf("StartReactivate: %v", err)
	}
	res, err = e.svc.AdvanceReactivate(ctx, sess, res.Ticket, Proof{Code: e.email.code()})
	if err != nil {
		t.Fatalf("AdvanceReactivate: %v", err)
	}
	if !res.Done || res.Account.Email != "new@example.com" {
		t.Fatalf("restored email = %q, want the address in use at deletion time", res.Account.Email)
	}
	if got := e.accounts.get("acc-1").Email; got != "new@example.com" {
		t.Fatalf("stored email = %q", got)
	}
}

// ---- change-email flow ----

func runChangeEmailToVerifyNew(t *testing.T, e *env, sess Session, newEmail string) *StepResult {
	t.Helper()
	ctx := context.Background()
	res, err := e.svc.StartChangeEmail(ctx, sess)
	if err != nil {
		t.Fatalf("StartChangeEmail: %v", err)
	}
	res, err = e.svc.AdvanceChangeEmail(ctx, sess, res.Ticket, Proof{Code: e.email.code()})
	if err != nil {
		t.Fatalf("advance past verify-current: %v", err)
	}
	if res.Phase != ticket.PhaseSetNew {
		t.Fatalf("phase = %s, want set-new", res.Phase)
	}
	res, err = e.svc.AdvanceChangeEmail(ctx, sess, res.Ticket, Proof{NewEmail: newEmail})
	if err != nil {
		t.Fatalf("advance past set-new: %v", err)
	}
	if res.Phase != ticket.PhaseVerifyNew {
		t.Fatalf("phase = %s, want verify-new", res.Phase)
	}
	if e.email.lastTo != newEmail {
		t.Fatalf("new-address code sent to %q, want %q", e.email.lastTo, newEmail)
	}
	return res
}

func TestChangeEmailFlow(t *testing.T) {
	e := newEnv(t)
	sess := e.addAccount(&accountdomain.Account{ID: "acc-1", Email: "old@example.com"})
	ctx := context.Background()

	res := runChangeEmailToVerifyNew(t, e, sess, "new@example.com")
	res, err := e.svc.AdvanceChangeEmail(ctx, sess, res.Ticket, Proof{Code: e.email.code()})
	if err != nil {
		t.Fatalf("advance past verify-new: %v", err)
	}
	if !res.Done {
		t.Fatalf("expected terminal result, got %+v", res)
	}
	if got := e.accounts.get("acc-1").Email; got != "new@example.com" {
		t.Fatalf("stored email = %q", got)
	}
	if calls := e.authDir.calls(); len(calls) != 1 || calls[0] != "new@example.com" {
		t.Fatalf("auth directory calls = %v", calls)
	}
}

func TestChangeEmailFlow_TakenAtCommitRollsBack(t *testing.T) {
	e := newEnv(t)
	sess := e.addAccount(&accountdomain.Account{ID: "acc-1", Email: "old@example.com"})
	ctx := context.Background()

	res := runChangeEmailToVerifyNew(t, e, sess, "new@example.com")
	code := e.email.code()

	// Another account claims the address between challenge and commit.
	e.addAccount(&accountdomain.Account{ID: "acc-2", Email: "new@example.com"})

	_, err := e.svc.AdvanceChangeEmail(ctx, sess, res.Ticket, Proof{Code: code})
	if !errors.Is(err, ErrEmailUnavailable) {
		t.Fatalf("err = %v, want ErrEmailUnavailable", err)
	}
	if got := e.accounts.get("acc-1").Email; got != "old@example.com" {
		t.Fatalf("stored email = %q, want unchanged", got)
	}
	// Directory moved forward then rolled back.
	if calls := e.authDir.calls(); len(calls) != 2 || calls[0] != "new@example.com" || calls[1] != "old@example.com" {
		t.Fatalf("auth directory calls = %v", calls)
	}
}

func TestChangeEmailFlow_TakenAtSetNew(t *testing.T) {
	e := newEnv(t)
	sess := e.addAccount(&accountdomain.Account{ID: "acc-1", Email: "old@example.com"})
	e.addAccount(&accountdomain.Account{ID: "acc-2", Email: "taken@example.com"})
	ctx := context.Background()

	res, err := e.svc.StartChangeEmail(ctx, sess)
	if err != nil {
		t.Fatalf("StartChangeEmail: %v", err)
	}
	res, err = e.svc.AdvanceChangeEmail(ctx, sess, res.Ticket, Proof{Code: e.email.code()})
	if err != nil {
		t.Fatalf("advance past verify-current: %v", err)
	}
	if _, err := e.svc.AdvanceChangeEmail(ctx, sess, res.Ticket, Proof{NewEmail: "taken@example.com"}); !errors.Is(err, ErrEmailUnavailable) {
		t.Fatalf("err = %v, want ErrEmailUnavailable", err)
	}
}

// deactivatedHolder seeds an account deactivated at the given instant, with its
// live address archived and the freed address recorded, as Reconcile leaves it.
func deactivatedHolder(e *env, id, freedEmail string, deactivatedAt time.Time) {
	reuseAt := deactivatedAt.Add(accountdomain.EmailReuseWindow)
	e.accounts.put(&accountdomain.Account{
		ID:            id,
		Email:         lifecycle.ArchivalEmail(freedEmail, id, deactivatedAt),
		OriginalEmail: freedEmail,
		State:         accountdomain.StateDeactivated,
		DeactivatedAt: &deactivatedAt,
		EmailReuseAt:  &reuseAt,
	})
}

func TestChangeEmailFlow_ReusableArchivedEmail(t *testing.T) {
	e := newEnv(t)
	sess := e.addAccount(&accountdomain.Account{ID: "acc-1", Email: "old@example.com"})
	// The deactivated holder is past its reuse date, so the freed address is fair game.
	deactivatedHolder(e, "acc-2", "freed@example.com", time.Now().UTC().Add(-40*24*time.Hour))

	res := runChangeEmailToVerifyNew(t, e, sess, "freed@example.com")
	if res.Phase != ticket.PhaseVerifyNew {
		t.Fatalf("phase = %s", res.Phase)
	}
}

func TestChangeEmailFlow_ArchivedEmailStillCoolingDown(t *testing.T) {
	e := newEnv(t)
	sess := e.addAccount(&accountdomain.Account{ID: "acc-1", Email: "old@example.com"})
	// Deactivated a day ago: the freed address stays reserved for the full
	// reuse window even though no live row holds it anymore.
	deactivatedHolder(e, "acc-2", "freed@example.com", time.Now().UTC().Add(-24*time.Hour))
	ctx := context.Background()

	res, err := e.svc.StartChangeEmail(ctx, sess)
	if err != nil {
		t.Fatalf("StartChangeEmail: %v", err)
	}
	res, err = e.svc.AdvanceChangeEmail(ctx, sess, res.Ticket, Proof{Code: e.email.code()})
	if err != nil {
		t.Fatalf("advance past verify-current: %v", err)
	}
	if _, err := e.svc.AdvanceChangeEmail(ctx, sess, res.Ticket, Proof{NewEmail: "freed@example.com"}); !errors.Is(err, ErrEmailUnavailable) {
		t.Fatalf("err = %v, want ErrEmailUnavailable", err)
	}
}

// ---- change-phone flow ----

func TestChangePhoneFlow_FirstEnrollment(t *testing.T) {
	e := newEnv(t)
	sess := e.addAccount(&accountdomain.Account{ID: "acc-1", Email: "user@example.com"})
	ctx := context.Background()

	// No phone on file: current-identity proof anchors on email.
	res, err := e.svc.StartChangePhone(ctx, sess)
	if err != nil {
		t.Fatalf("StartChangePhone: %v", err)
	}
	if e.email.sent != 1 {
		t.Fatalf("expected email challenge, sent = %d", e.email.sent)
	}

	res, err = e.svc.AdvanceChangePhone(ctx, sess, res.Ticket, Proof{Code: e.email.code()})
	if err != nil {
		t.Fatalf("advance past verify-current: %v", err)
	}
	res, err = e.svc.AdvanceChangePhone(ctx, sess, res.Ticket, Proof{NewPhone: "+5511988887777"})
	if err != nil {
		t.Fatalf("advance past set-new: %v", err)
	}
	if e.sms.lastTo != "+5511988887777" {
		t.Fatalf("sms sent to %q", e.sms.lastTo)
	}
	res, err = e.svc.AdvanceChangePhone(ctx, sess, res.Ticket, Proof{Code: e.sms.code()})
	if err != nil {
		t.Fatalf("advance past verify-new: %v", err)
	}
	if !res.Done {
		t.Fatalf("expected terminal result, got %+v", res)
	}
	if got := e.accounts.get("acc-1").Phone; got != "+5511988887777" {
		t.Fatalf("stored phone = %q", got)
	}
}

func TestChangePhoneFlow_ExistingPhoneUsesSMS(t *testing.T) {
	e := newEnv(t)
	sess := e.addAccount(&accountdomain.Account{ID: "acc-1", Email: "user@example.com", Phone: "+5511999990000"})
	ctx := context.Background()

	if _, err := e.svc.StartChangePhone(ctx, sess); err != nil {
		t.Fatalf("StartChangePhone: %v", err)
	}
	if e.sms.lastTo != "+5511999990000" {
		t.Fatalf("sms sent to %q, want current phone", e.sms.lastTo)
	}
	if e.email.sent != 0 {
		t.Fatalf("unexpected email challenge")
	}
}

// ---- enable-passkey flow ----

func TestEnablePasskeyFlow_TOTPGate(t *testing.T) {
	e := newEnv(t)
	secret := totpSecret(t)
	sess := e.addAccount(&accountdomain.Account{ID: "acc-1", Email: "user@example.com"})
	e.twofa.states["acc-1"] = &twofactor.State{Enabled: true, Secret: secret}
	ctx := context.Background()

	res, err := e.svc.StartEnablePasskey(ctx, sess)
	if err != nil {
		t.Fatalf("StartEnablePasskey: %v", err)
	}
	if !res.SecondFactorRequired || res.Phase != ticket.PhaseVerifyTwoFactor {
		t.Fatalf("expected two-factor gate, got %+v", res)
	}
	if e.email.sent != 0 {
		t.Fatal("email challenge sent despite two-factor gate")
	}

	res, err = e.svc.AdvanceEnablePasskey(ctx, sess, res.Ticket, Proof{SecondFactorCode: totpCode(t, secret)})
	if err != nil {
		t.Fatalf("advance past verify-two-factor: %v", err)
	}
	if res.Phase != ticket.PhaseRegister || res.RegistrationOptions == nil {
		t.Fatalf("expected registration options, got %+v", res)
	}
	// rpId is the registrable apex derived from the origin, so one enrollment
	// spans every subdomain.
	if res.RegistrationOptions.RP.ID != "example.com" {
		t.Fatalf("rp id = %q", res.RegistrationOptions.RP.ID)
	}

	// The creation challenge travels in the ticket, not from the client.
	claims, err := e.codec.Read(res.Ticket, ticket.FlowEnablePasskey, sess.UserID, sess.Email, ticket.PhaseRegister)
	if err != nil {
		t.Fatalf("read register ticket: %v", err)
	}
	if claims.Challenge != res.RegistrationOptions.Challenge || claims.RPID != "example.com" {
		t.Fatalf("ticket claims = %+v", claims)
	}
}

func TestEnablePasskeyFlow_EmailGate(t *testing.T) {
	e := newEnv(t)
	sess := e.addAccount(&accountdomain.Account{ID: "acc-1", Email: "user@example.com"})
	ctx := context.Background()

	res, err := e.svc.StartEnablePasskey(ctx, sess)
	if err != nil {
		t.Fatalf("StartEnablePasskey: %v", err)
	}
	if res.Phase != ticket.PhaseVerifyEmail {
		t.Fatalf("phase = %s, want verify-email", res.Phase)
	}
	res, err = e.svc.AdvanceEnablePasskey(ctx, sess, res.Ticket, Proof{Code: e.email.code()})
	if err != nil {
		t.Fatalf("advance past verify-email: %v", err)
	}
	if res.RegistrationOptions == nil {
		t.Fatalf("expected registration options, got %+v", res)
	}
}

// ---- passkey authentication ----

func TestPasskeyAuth_NoCredentials(t *testing.T) {
	e := newEnv(t)
	sess := e.addAccount(&accountdomain.Account{ID: "acc-1", Email: "user@example.com"})

	_, err := e.svc.StartPasskeyAuth(context.Background(), sess)
	if !errors.Is(err, webauthn.ErrNoCredentials) {
		t.Fatalf("err = %v, want ErrNoCredentials", err)
	}
}

func TestPasskeyProofSatisfiesVerifyAuth(t *testing.T) {
	e := newEnv(t)
	sess := e.addAccount(&accountdomain.Account{ID: "acc-1", Email: "user@example.com"})
	e.creds.creds = append(e.creds.creds, &webauthndomain.Credential{
		ID: "cred-1", AccountID: "acc-1", CredentialID: []byte{1, 2, 3},
	})
	ctx := context.Background()

	res, err := e.svc.StartDelete(ctx, sess)
	if err != nil {
		t.Fatalf("StartDelete: %v", err)
	}
	res, err = e.svc.AdvanceDelete(ctx, sess, res.Ticket, Proof{Code: e.email.code()})
	if err != nil {
		t.Fatalf("advance past verify-email: %v", err)
	}
	if !res.SecondFactorRequired || res.AuthMethods == nil || !res.AuthMethods.Passkey {
		t.Fatalf("expected passkey gate, got %+v", res)
	}

	proofToken, err := e.proofs.Issue("acc-1", sess.UserID)
	if err != nil {
		t.Fatalf("issue proof: %v", err)
	}
	done, err := e.svc.AdvanceDelete(ctx, sess, res.Ticket, Proof{PasskeyProof: proofToken})
	if err != nil || !done.Done {
		t.Fatalf("proof advance: res=%+v err=%v", done, err)
	}

	// A proof minted for a different session does not transfer.
	foreign, err := e.proofs.Issue("acc-1", "someone-else")
	if err != nil {
		t.Fatalf("issue proof: %v", err)
	}
	if err := e.proofs.Verify(foreign, "acc-1", sess.UserID); !errors.Is(err, webauthn.ErrInvalidProof) {
		t.Fatalf("foreign proof: err = %v, want ErrInvalidProof", err)
	}
}
