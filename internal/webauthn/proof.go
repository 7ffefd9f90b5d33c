package webauthn

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ProofTTL bounds how long a passkey possession proof stays usable. The token is
// stateless like a ticket, so a short window is the only revocation mechanism.
const ProofTTL = 5 * time.Minute

// ErrInvalidProof is returned for any proof token check failure.
var ErrInvalidProof = errors.New("invalid or expired passkey proof")

const proofTokenType = "webauthn-proof"

type proofClaims struct {
	jwt.RegisteredClaims
	Typ       string `json:"typ"`
	SessionID string `json:"sid"`
}

// ProofIssuer mints and verifies the narrowly-scoped tokens asserting "this
// session just proved WebAuthn possession". Distinct from step-up tickets.
type ProofIssuer struct {
	secret []byte
	nowF   func() time.Time
}

// NewProofIssuer returns a ProofIssuer signing with the given secret.
func NewProofIssuer(secret []byte) *ProofIssuer {
	return &ProofIssuer{secret: secret, nowF: func() time.Time { return time.Now().UTC() }}
}

// Issue mints a proof token for the given account, bound to the session user.
func (p *ProofIssuer) Issue(accountID, sessionUserID string) (string, error) {
	now := p.nowF()
	claims := proofClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   accountID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ProofTTL)),
		},
		Typ:       proofTokenType,
		SessionID: sessionUserID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
}

// Verify checks the token's signature, expiry, type tag, and binding to the
// given account and session. Every failure collapses to ErrInvalidProof.
func (p *ProofIssuer) Verify(token, accountID, sessionUserID string) error {
	parsed, err := jwt.ParseWithClaims(token, &proofClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidProof
		}
		return p.secret, nil
	}, jwt.WithTimeFunc(p.nowF))
	if err != nil {
		return ErrInvalidProof
	}
	claims, ok := parsed.Claims.(*proofClaims)
	if !ok || !parsed.Valid {
		return ErrInvalidProof
	}
	if claims.Typ != proofTokenType || claims.Subject != accountID || claims.SessionID != sessionUserID {
		return ErrInvalidProof
	}
	return nil
}
