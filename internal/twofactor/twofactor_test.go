package twofactor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pquerna/otp/totp"
)

type memRepo struct {
	mu       sync.Mutex
	states   map[string]*State
	recovery map[string][]string // accountID -> unused plain codes
	err      error
}

func newMemRepo() *memRepo {
	return &memRepo{states: make(map[string]*State), recovery: make(map[string][]string)}
}

func (m *memRepo) GetState(_ context.Context, accountID string) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	st, ok := m.states[accountID]
	if !ok {
		return nil, nil
	}
	cp := *st
	return &cp, nil
}

func (m *memRepo) ConsumeRecoveryCode(_ context.Context, accountID, code string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	codes := m.recovery[accountID]
	for i, c := range codes {
		if c == code {
			m.recovery[accountID] = append(codes[:i], codes[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func totpSecret(t *testing.T) string {
	t.Helper()
	key, err := totp.Generate(totp.GenerateOpts{Issuer: "test", AccountName: "user@example.com"})
	if err != nil {
		t.Fatalf("generate secret: %v", err)
	}
	return key.Secret()
}

func currentCode(t *testing.T, secret string) string {
	t.Helper()
	code, err := totp.GenerateCode(secret, time.Now().UTC())
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}
	return code
}

func TestStateFor(t *testing.T) {
	ctx := context.Background()

	t.Run("missing row degrades to disabled", func(t *testing.T) {
		v := NewVerifier(newMemRepo())
		st, err := v.StateFor(ctx, "acc-1")
		if err != nil || st == nil || st.Enabled {
			t.Fatalf("st = %+v, err = %v", st, err)
		}
	})

	t.Run("missing table degrades to disabled", func(t *testing.T) {
		repo := newMemRepo()
		repo.err = &pgconn.PgError{Code: "42P01"}
		v := NewVerifier(repo)
		st, err := v.StateFor(ctx, "acc-1")
		if err != nil || st == nil || st.Enabled {
			t.Fatalf("st = %+v, err = %v", st, err)
		}
	})

	t.Run("unrelated errors propagate", func(t *testing.T) {
		repo := newMemRepo()
		repo.err = errors.New("connection refused")
		v := NewVerifier(repo)
		if _, err := v.StateFor(ctx, "acc-1"); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("enabled state returned", func(t *testing.T) {
		repo := newMemRepo()
		repo.states["acc-1"] = &State{Enabled: true, Secret: "s"}
		v := NewVerifier(repo)
		st, err := v.StateFor(ctx, "acc-1")
		if err != nil || !st.Enabled || st.Secret != "s" {
			t.Fatalf("st = %+v, err = %v", st, err)
		}
	})
}

func TestVerifyCode(t *testing.T) {
	v := NewVerifier(newMemRepo())
	secret := totpSecret(t)

	if !v.VerifyCode(secret, currentCode(t, secret)) {
		t.Fatal("current code rejected")
	}
	if v.VerifyCode(secret, "000000") {
		t.Fatal("bogus code accepted")
	}
	if v.VerifyCode("", "123456") || v.VerifyCode(secret, "") {
		t.Fatal("empty secret or code accepted")
	}
}

func TestVerifyWithRecovery(t *testing.T) {
	ctx := context.Background()
	secret := totpSecret(t)

	t.Run("disabled state never verifies", func(t *testing.T) {
		v := NewVerifier(newMemRepo())
		ok, err := v.VerifyWithRecovery(ctx, "acc-1", &State{}, currentCode(t, secret))
		if err != nil || ok {
			t.Fatalf("ok = %v, err = %v", ok, err)
		}
		ok, err = v.VerifyWithRecovery(ctx, "acc-1", nil, "anything")
		if err != nil || ok {
			t.Fatalf("nil state: ok = %v, err = %v", ok, err)
		}
	})

	t.Run("totp code verifies", func(t *testing.T) {
		v := NewVerifier(newMemRepo())
		st := &State{Enabled: true, Secret: secret}
		ok, err := v.VerifyWithRecovery(ctx, "acc-1", st, currentCode(t, secret))
		if err != nil || !ok {
			t.Fatalf("ok = %v, err = %v", ok, err)
		}
	})

	t.Run("recovery code fallback is single use", func(t *testing.T) {
		repo := newMemRepo()
		repo.recovery["acc-1"] = []string{"rescue-0001"}
		v := NewVerifier(repo)
		st := &State{Enabled: true, Secret: secret}

		ok, err := v.VerifyWithRecovery(ctx, "acc-1", st, "rescue-0001")
		if err != nil || !ok {
			t.Fatalf("first use: ok = %v, err = %v", ok, err)
		}
		ok, err = v.VerifyWithRecovery(ctx, "acc-1", st, "rescue-0001")
		if err != nil || ok {
			t.Fatalf("second use: ok = %v, err = %v", ok, err)
		}
	})

	t.Run("missing recovery table degrades to failed verification", func(t *testing.T) {
		repo := newMemRepo()
		repo.err = &pgconn.PgError{Code: "42P01"}
		v := NewVerifier(repo)
		st := &State{Enabled: true, Secret: secret}
		ok, err := v.VerifyWithRecovery(ctx, "acc-1", st, "not-a-totp-code")
		if err != nil || ok {
			t.Fatalf("ok = %v, err = %v", ok, err)
		}
	})
}

func TestHashRecoveryCode(t *testing.T) {
	hash, err := HashRecoveryCode("rescue-0001")
	if err != nil {
		t.Fatalf("HashRecoveryCode: %v", err)
	}
	if hash == "rescue-0001" || hash == "" {
		t.Fatalf("hash = %q", hash)
	}
	// bcrypt salts: hashing twice must differ.
	again, err := HashRecoveryCode("rescue-0001")
	if err != nil {
		t.Fatalf("HashRecoveryCode: %v", err)
	}
	if hash == again {
		t.Fatal("bcrypt hashes identical across calls")
	}
}
