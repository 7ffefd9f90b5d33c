// Package webauthn drives the registration and authentication ceremonies used
// for step-up verification: challenge issuance, client-data and origin/rpId
// validation, signature-counter bookkeeping, and possession proof tokens.
package webauthn

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"account-stepup-backend/internal/storage"
	"account-stepup-backend/internal/webauthn/domain"
	"account-stepup-backend/internal/webauthn/repository"
)

// Sentinel errors; HTTP handlers map them to status codes.
var (
	// ErrMalformed covers missing or undecodable ceremony fields.
	ErrMalformed = errors.New("malformed webauthn payload")
	// ErrCeremonyMismatch covers challenge, origin, or rpId mismatches. Treated
	// as a potential replay or relay attack, not a transient failure.
	ErrCeremonyMismatch = errors.New("webauthn ceremony validation failed")
	// ErrUnknownCredential means the authenticator returned a credential id this
	// account does not own.
	ErrUnknownCredential = errors.New("unrecognized credential for this account")
	// ErrNoCredentials means authentication was requested with nothing enrolled.
	ErrNoCredentials = errors.New("no passkeys enrolled")
	// ErrMigrationRequired means the passkey schema is not provisioned.
	ErrMigrationRequired = errors.New("passkey storage not provisioned; run database migrations")

	errMalformedOrigin = errors.New("malformed origin")
)

const (
	challengeBytes   = 32
	ceremonyTimeout  = 60000 // milliseconds, surfaced in options
	typeCreate       = "webauthn.create"
	typeGet          = "webauthn.get"
	credentialEntity = "public-key"
)

// RPEntity identifies the relying party in registration options.
type RPEntity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// UserEntity identifies the enrolling user in registration options.
type UserEntity struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
}

// CredParam advertises an acceptable credential algorithm.
type CredParam struct {
	Type string `json:"type"`
	Alg  int64  `json:"alg"`
}

// CredDescriptor references an existing credential by id.
type CredDescriptor struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// AuthenticatorSelection constrains the authenticator used for registration.
type AuthenticatorSelection struct {
	AuthenticatorAttachment string `json:"authenticatorAttachment"`
	ResidentKey             string `json:"residentKey"`
	UserVerification        string `json:"userVerification"`
}

// RegistrationOptions is the options object sent to the authenticator for
// credential creation.
type RegistrationOptions struct {
	Challenge              string                 `json:"challenge"`
	RP                     RPEntity               `json:"rp"`
	User                   UserEntity             `json:"user"`
	Timeout                int                    `json:"timeout"`
	Attestation            string                 `json:"attestation"`
	AuthenticatorSelection AuthenticatorSelection `json:"authenticatorSelection"`
	PubKeyCredParams       []CredParam            `json:"pubKeyCredParams"`
	ExcludeCredentials     []CredDescriptor       `json:"excludeCredentials"`
}

// AuthenticationOptions is the options object for an assertion ceremony.
type AuthenticationOptions struct {
	Challenge        string           `json:"challenge"`
	RPID             string           `json:"rpId"`
	Timeout          int              `json:"timeout"`
	UserVerification string           `json:"userVerification"`
	AllowCredentials []CredDescriptor `json:"allowCredentials"`
}

// RegistrationResponse is the authenticator's answer to a registration ceremony.
type RegistrationResponse struct {
	ID       string `json:"id"`
	RawID    string `json:"rawId"`
	Type     string `json:"type"`
	Response struct {
		ClientDataJSON    string   `json:"clientDataJSON"`
		AttestationObject string   `json:"attestationObject"`
		Transports        []string `json:"transports"`
	} `json:"response"`
}

// AssertionResponse is the authenticator's answer to an authentication ceremony.
type AssertionResponse struct {
	ID       string `json:"id"`
	RawID    string `json:"rawId"`
	Type     string `json:"type"`
	Response struct {
		ClientDataJSON    string `json:"clientDataJSON"`
		AuthenticatorData string `json:"authenticatorData"`
		Signature         string `json:"signature"`
		UserHandle        string `json:"userHandle"`
	} `json:"response"`
}

type clientData struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	Origin    string `json:"origin"`
}

// Ceremony builds options and verifies ceremony responses against the
// credential store.
type Ceremony struct {
	creds  repository.Repository
	proofs *ProofIssuer
	rpName string
	origin string // effective app origin; rpId derives from it and finishes pin it
	nowF   func() time.Time
}

// NewCeremony returns a Ceremony for the given relying-party name and origin.
func NewCeremony(creds repository.Repository, proofs *ProofIssuer, rpName, origin string) *Ceremony {
	return &Ceremony{
		creds:  creds,
		proofs: proofs,
		rpName: rpName,
		origin: origin,
		nowF:   func() time.Time { return time.Now().UTC() },
	}
}

// Origin returns the configured expected origin for ceremonies.
func (c *Ceremony) Origin() string { return c.origin }

// RegistrationOptions builds creation options for the account. The returned
// challenge and rpId must be embedded in a ticket and echoed at finish; they are
// never trusted from the client.
func (c *Ceremony) RegistrationOptions(ctx context.Context, accountID, email, name string) (*RegistrationOptions, string, string, error) {
	rpID, err := DeriveRPID(c.origin)
	if err != nil {
		return nil, "", "", ErrMalformed
	}
	existing, err := c.creds.ListByAccount(ctx, accountID)
	if err != nil {
		if storage.SchemaAbsent(err) {
			return nil, "", "", ErrMigrationRequired
		}
		return nil, "", "", err
	}

	challenge, err := newChallenge()
	if err != nil {
		return nil, "", "", err
	}
	exclude := make([]CredDescriptor, 0, len(existing))
	for _, cred := range existing {
		exclude = append(exclude, CredDescriptor{
			Type: credentialEntity,
			ID:   base64.RawURLEncoding.EncodeToString(cred.CredentialID),
		})
	}
	displayName := name
	if displayName == "" {
		displayName = email
	}
	opts := &RegistrationOptions{
		Challenge:   challenge,
		RP:          RPEntity{ID: rpID, Name: c.rpName},
		User:        UserEntity{ID: base64.RawURLEncoding.EncodeToString([]byte(accountID)), Name: email, DisplayName: displayName},
		Timeout:     ceremonyTimeout,
		Attestation: "none",
		AuthenticatorSelection: AuthenticatorSelection{
			AuthenticatorAttachment: "platform",
			ResidentKey:             "required",
			UserVerification:        "required",
		},
		PubKeyCredParams: []CredParam{
			{Type: credentialEntity, Alg: AlgES256},
			{Type: credentialEntity, Alg: AlgRS256},
		},
		ExcludeCredentials: exclude,
	}
	return opts, challenge, rpID, nil
}

// FinishRegistration validates the creation response against the ticket-embedded
// challenge and rpId, then upserts the credential keyed by its authenticator id.
func (c *Ceremony) FinishRegistration(ctx context.Context, accountID, wantChallenge, rpID string, resp *RegistrationResponse) (*domain.Credential, error) {
	if resp == nil || resp.RawID == "" || resp.Response.ClientDataJSON == "" || resp.Response.AttestationObject == "" {
		return nil, ErrMalformed
	}
	clientDataRaw, err := decodeB64(resp.Response.ClientDataJSON)
	if err != nil {
		return nil, ErrMalformed
	}
	if err := c.checkClientData(clientDataRaw, typeCreate, wantChallenge, rpID); err != nil {
		return nil, err
	}

	attRaw, err := decodeB64(resp.Response.AttestationObject)
	if err != nil {
		return nil, ErrMalformed
	}
	var att struct {
		AuthData []byte `cbor:"authData"`
	}
	if err := cbor.Unmarshal(attRaw, &att); err != nil {
		return nil, ErrMalformed
	}
	authData, err := ParseAuthenticatorData(att.AuthData)
	if err != nil {
		return nil, ErrMalformed
	}
	if len(authData.CredentialID) == 0 || len(authData.PublicKey) == 0 {
		return nil, ErrMalformed
	}
	if !authData.UserVerified() || !authData.UserPresent() {
		return nil, ErrCeremonyMismatch
	}
	rpHash := sha256.Sum256([]byte(rpID))
	if !bytes.Equal(authData.RPIDHash, rpHash[:]) {
		return nil, ErrCeremonyMismatch
	}
	rawID, err := decodeB64(resp.RawID)
	if err != nil {
		return nil, ErrMalformed
	}
	if !bytes.Equal(rawID, authData.CredentialID) {
		return nil, ErrCeremonyMismatch
	}
	alg, err := KeyAlg(authData.PublicKey)
	if err != nil {
		return nil, ErrMalformed
	}

	cred := &domain.Credential{
		ID:           uuid.New().String(),
		AccountID:    accountID,
		CredentialID: authData.CredentialID,
		PublicKey:    authData.PublicKey,
		Alg:          alg,
		SignCount:    authData.SignCount,
		Transports:   strings.Join(resp.Response.Transports, ","),
		CreatedAt:    c.nowF(),
	}
	if err := c.creds.Upsert(ctx, cred); err != nil {
		if errors.Is(err, repository.ErrForeignCredential) {
			return nil, ErrCeremonyMismatch
		}
		if storage.SchemaAbsent(err) {
			return nil, ErrMigrationRequired
		}
		return nil, err
	}
	return cred, nil
}

// AuthenticationOptions builds assertion options listing the account's known
// credentials. Returns ErrNoCredentials when nothing is enrolled; a missing
// passkey table degrades the same way.
func (c *Ceremony) AuthenticationOptions(ctx context.Context, accountID string) (*AuthenticationOptions, string, string, error) {
	rpID, err := DeriveRPID(c.origin)
	if err != nil {
		return nil, "", "", ErrMalformed
	}
	existing, err := c.creds.ListByAccount(ctx, accountID)
	if err != nil {
		if storage.SchemaAbsent(err) {
			return nil, "", "", ErrNoCredentials
		}
		return nil, "", "", err
	}
	if len(existing) == 0 {
		return nil, "", "", ErrNoCredentials
	}

	challenge, err := newChallenge()
	if err != nil {
		return nil, "", "", err
	}
	allow := make([]CredDescriptor, 0, len(existing))
	for _, cred := range existing {
		allow = append(allow, CredDescriptor{
			Type: credentialEntity,
			ID:   base64.RawURLEncoding.EncodeToString(cred.CredentialID),
		})
	}
	opts := &AuthenticationOptions{
		Challenge:        challenge,
		RPID:             rpID,
		Timeout:          ceremonyTimeout,
		UserVerification: "required",
		AllowCredentials: allow,
	}
	return opts, challenge, rpID, nil
}

// FinishAuthentication validates the assertion, verifies its signature with the
// stored public key, clamps the stored signature counter to
// max(stored, reported), and issues a possession proof token for the session.
func (c *Ceremony) FinishAuthentication(ctx context.Context, accountID, sessionUserID, wantChallenge, rpID string, resp *AssertionResponse) (string, error) {
	if resp == nil || resp.RawID == "" || resp.Response.ClientDataJSON == "" ||
		resp.Response.AuthenticatorData == "" || resp.Response.Signature == "" {
		return "", ErrMalformed
	}
	clientDataRaw, err := decodeB64(resp.Response.ClientDataJSON)
	if err != nil {
		return "", ErrMalformed
	}
	if err := c.checkClientData(clientDataRaw, typeGet, wantChallenge, rpID); err != nil {
		return "", err
	}

	rawID, err := decodeB64(resp.RawID)
	if err != nil {
		return "", ErrMalformed
	}
	cred, err := c.creds.GetByCredentialID(ctx, rawID)
	if err != nil {
		if storage.SchemaAbsent(err) {
			return "", ErrMigrationRequired
		}
		return "", err
	}
	if cred == nil || cred.AccountID != accountID {
		return "", ErrUnknownCredential
	}

	authDataRaw, err := decodeB64(resp.Response.AuthenticatorData)
	if err != nil {
		return "", ErrMalformed
	}
	authData, err := ParseAuthenticatorData(authDataRaw)
	if err != nil {
		return "", ErrMalformed
	}
	if !authData.UserVerified() || !authData.UserPresent() {
		return "", ErrCeremonyMismatch
	}
	rpHash := sha256.Sum256([]byte(rpID))
	if !bytes.Equal(authData.RPIDHash, rpHash[:]) {
		return "", ErrCeremonyMismatch
	}

	sig, err := decodeB64(resp.Response.Signature)
	if err != nil {
		return "", ErrMalformed
	}
	clientHash := sha256.Sum256(clientDataRaw)
	message := append(append([]byte{}, authDataRaw...), clientHash[:]...)
	if err := VerifySignature(cred.PublicKey, message, sig); err != nil {
		return "", ErrCeremonyMismatch
	}

	// An authenticator reporting a counter lower than stored could indicate a
	// cloned credential; this design clamps instead of failing closed.
	newCount := cred.SignCount
	if authData.SignCount > newCount {
		newCount = authData.SignCount
	}
	if err := c.creds.UpdateSignCount(ctx, cred.ID, newCount, c.nowF()); err != nil {
		return "", err
	}

	return c.proofs.Issue(accountID, sessionUserID)
}

// HasCredentials reports whether the account has at least one passkey enrolled.
// A missing passkey table degrades to false.
func (c *Ceremony) HasCredentials(ctx context.Context, accountID string) (bool, error) {
	existing, err := c.creds.ListByAccount(ctx, accountID)
	if err != nil {
		if storage.SchemaAbsent(err) {
			return false, nil
		}
		return false, err
	}
	return len(existing) > 0, nil
}

// VerifyProof checks a possession proof token minted by FinishAuthentication.
func (c *Ceremony) VerifyProof(token, accountID, sessionUserID string) error {
	return c.proofs.Verify(token, accountID, sessionUserID)
}

func (c *Ceremony) checkClientData(raw []byte, wantType, wantChallenge, rpID string) error {
	var cd clientData
	if err := json.Unmarshal(raw, &cd); err != nil {
		return ErrMalformed
	}
	if cd.Type != wantType {
		return ErrCeremonyMismatch
	}
	// The challenge must equal the one embedded in the presented ticket, never a
	// client-supplied value.
	if wantChallenge == "" || cd.Challenge != wantChallenge {
		return ErrCeremonyMismatch
	}
	if _, err := originHost(cd.Origin); err != nil {
		return ErrCeremonyMismatch
	}
	if c.origin != "" && cd.Origin != c.origin {
		return ErrCeremonyMismatch
	}
	if !OriginMatchesRPID(cd.Origin, rpID) {
		return ErrCeremonyMismatch
	}
	return nil
}

func newChallenge() (string, error) {
	b := make([]byte, challengeBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// decodeB64 accepts both unpadded base64url (the WebAuthn JSON convention) and
// padded standard encoding, which some clients still emit.
func decodeB64(s string) ([]byte, error) {
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.URLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.StdEncoding.DecodeString(s)
}
