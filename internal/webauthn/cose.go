package webauthn

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"math/big"

	"github.com/fxamacker/cbor/v2"
)

// COSE algorithm identifiers offered in registration options.
const (
	AlgES256 = -7
	AlgRS256 = -257
)

const (
	coseKtyEC2  = 2
	coseKtyRSA  = 3
	coseCrvP256 = 1
)

var errUnsupportedKey = errors.New("unsupported credential public key")

type coseKeyHeader struct {
	Kty int64 `cbor:"1,keyasint"`
	Alg int64 `cbor:"3,keyasint"`
}

type coseEC2Key struct {
	Crv int64  `cbor:"-1,keyasint"`
	X   []byte `cbor:"-2,keyasint"`
	Y   []byte `cbor:"-3,keyasint"`
}

type coseRSAKey struct {
	N []byte `cbor:"-1,keyasint"`
	E []byte `cbor:"-2,keyasint"`
}

// KeyAlg returns the COSE algorithm identifier of a raw COSE key.
func KeyAlg(coseKey []byte) (int64, error) {
	var hdr coseKeyHeader
	if err := cbor.Unmarshal(coseKey, &hdr); err != nil {
		return 0, err
	}
	return hdr.Alg, nil
}

// VerifySignature checks an assertion signature against a raw COSE public key.
// The signed message is authenticatorData || SHA-256(clientDataJSON), per the
// WebAuthn assertion format. ES256 and RS256 keys are supported.
func VerifySignature(coseKey, message, sig []byte) error {
	var hdr coseKeyHeader
	if err := cbor.Unmarshal(coseKey, &hdr); err != nil {
		return err
	}
	digest := sha256.Sum256(message)

	switch hdr.Kty {
	case coseKtyEC2:
		var k coseEC2Key
		if err := cbor.Unmarshal(coseKey, &k); err != nil {
			return err
		}
		if k.Crv != coseCrvP256 || len(k.X) == 0 || len(k.Y) == 0 {
			return errUnsupportedKey
		}
		pub := &ecdsa.PublicKey{
			Curve: elliptic.P256(),
			X:     new(big.Int).SetBytes(k.X),
			Y:     new(big.Int).SetBytes(k.Y),
		}
		if !ecdsa.VerifyASN1(pub, digest[:], sig) {
			return errBadSignature
		}
		return nil

	case coseKtyRSA:
		var k coseRSAKey
		if err := cbor.Unmarshal(coseKey, &k); err != nil {
			return err
		}
		if len(k.N) == 0 || len(k.E) == 0 {
			return errUnsupportedKey
		}
		pub := &rsa.PublicKey{
			N: new(big.Int).SetBytes(k.N),
			E: int(new(big.Int).SetBytes(k.E).Int64()),
		}
		if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
			return errBadSignature
		}
		return nil
	}
	return errUnsupportedKey
}

var errBadSignature = errors.New("assertion signature verification failed")
