// Package domain defines the stored passkey credential entity.
package domain

import "time"

// Credential is a WebAuthn platform credential bound to an account.
// CredentialID is the authenticator-assigned id and the global upsert key;
// SignCount is monotonically non-decreasing across authentication ceremonies.
type Credential struct {
	ID           string
	AccountID    string
	CredentialID []byte
	PublicKey    []byte // raw COSE key, CBOR-encoded
	Alg          int64  // COSE algorithm identifier (-7 ES256, -257 RS256)
	SignCount    uint32
	Transports   string // comma-separated transport hints
	CreatedAt    time.Time
	LastUsedAt   *time.Time
}
