package webauthn

import (
	"errors"
	"testing"
	"time"
)

func TestProofIssueVerify(t *testing.T) {
	p := NewProofIssuer([]byte("proof-test-secret"))

	token, err := p.Issue("acc-1", "acc-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if err := p.Verify(token, "acc-1", "acc-1"); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	tests := []struct {
		name             string
		account, session string
	}{
		{"wrong account", "acc-other", "acc-1"},
		{"wrong session", "acc-1", "sess-other"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := p.Verify(token, tt.account, tt.session); !errors.Is(err, ErrInvalidProof) {
				t.Fatalf("err = %v, want ErrInvalidProof", err)
			}
		})
	}

	if err := p.Verify("not-a-token", "acc-1", "acc-1"); !errors.Is(err, ErrInvalidProof) {
		t.Fatalf("garbage token: err = %v, want ErrInvalidProof", err)
	}

	other := NewProofIssuer([]byte("different-secret"))
	if err := other.Verify(token, "acc-1", "acc-1"); !errors.Is(err, ErrInvalidProof) {
		t.Fatalf("foreign secret: err = %v, want ErrInvalidProof", err)
	}
}

func TestProofExpiry(t *testing.T) {
	p := NewProofIssuer([]byte("proof-test-secret"))
	now := time.Now().UTC()
	p.nowF = func() time.Time { return now }

	token, err := p.Issue("acc-1", "acc-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	p.nowF = func() time.Time { return now.Add(ProofTTL - time.Second) }
	if err := p.Verify(token, "acc-1", "acc-1"); err != nil {
		t.Fatalf("before expiry: %v", err)
	}
	p.nowF = func() time.Time { return now.Add(ProofTTL + time.Second) }
	if err := p.Verify(token, "acc-1", "acc-1"); !errors.Is(err, ErrInvalidProof) {
		t.Fatalf("after expiry: err = %v, want ErrInvalidProof", err)
	}
}
