package webauthn

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/fxamacker/cbor/v2"
)

// Authenticator data flag bits.
const (
	flagUserPresent    = 0x01
	flagUserVerified   = 0x04
	flagAttestedCredID = 0x40
)

// authDataPrefixLen is the fixed-size prefix: rpIdHash(32) + flags(1) + signCount(4).
const authDataPrefixLen = 37

// AuthenticatorData is the parsed authenticator-data structure.
type AuthenticatorData struct {
	RPIDHash     []byte
	Flags        byte
	SignCount    uint32
	CredentialID []byte // only set when the attested-credential-data flag is present
	PublicKey    []byte // raw COSE key bytes; only set alongside CredentialID
}

// UserVerified reports whether the authenticator performed user verification.
func (a *AuthenticatorData) UserVerified() bool {
	return a.Flags&flagUserVerified != 0
}

// UserPresent reports whether the user-presence flag is set.
func (a *AuthenticatorData) UserPresent() bool {
	return a.Flags&flagUserPresent != 0
}

var errAuthDataTooShort = errors.New("authenticator data too short")

// ParseAuthenticatorData parses the fixed prefix and, when present, the attested
// credential data (AAGUID, credential id, COSE public key).
func ParseAuthenticatorData(raw []byte) (*AuthenticatorData, error) {
	if len(raw) < authDataPrefixLen {
		return nil, errAuthDataTooShort
	}
	out := &AuthenticatorData{
		RPIDHash:  raw[:32],
		Flags:     raw[32],
		SignCount: binary.BigEndian.Uint32(raw[33:37]),
	}
	if out.Flags&flagAttestedCredID == 0 {
		return out, nil
	}

	rest := raw[authDataPrefixLen:]
	// AAGUID(16) + credential id length(2).
	if len(rest) < 18 {
		return nil, errAuthDataTooShort
	}
	idLen := int(binary.BigEndian.Uint16(rest[16:18]))
	rest = rest[18:]
	if len(rest) < idLen {
		return nil, errAuthDataTooShort
	}
	out.CredentialID = rest[:idLen]
	rest = rest[idLen:]

	// The COSE key is the next CBOR item; extensions may follow it.
	dec := cbor.NewDecoder(bytes.NewReader(rest))
	var key cbor.RawMessage
	if err := dec.Decode(&key); err != nil {
		return nil, err
	}
	out.PublicKey = rest[:dec.NumBytesRead()]
	return out, nil
}
