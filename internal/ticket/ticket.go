// Package ticket implements the stateless signed tokens that carry a step-up flow's
// phase and claims between requests. Tickets are never persisted; each phase handler
// consumes the ticket minted by the previous phase and mints a new one.
package ticket

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Flow tags a ticket with the flow family it belongs to. A ticket minted for one
// flow is categorically rejected by every other flow's handlers.
type Flow string

const (
	FlowDelete        Flow = "delete"
	FlowReactivate    Flow = "reactivate"
	FlowChangeEmail   Flow = "change-email"
	FlowChangePhone   Flow = "change-phone"
	FlowEnablePasskey Flow = "enable-passkey"
	FlowPasskeyAuth   Flow = "passkey-auth"
)

// Phase identifies a step within a flow's phase graph.
type Phase string

const (
	PhaseVerifyEmail     Phase = "verify-email"
	PhaseVerifySMS       Phase = "verify-sms"
	PhaseVerifyAuth      Phase = "verify-auth"
	PhaseVerifyCurrent   Phase = "verify-current"
	PhaseSetNew          Phase = "set-new"
	PhaseVerifyNew       Phase = "verify-new"
	PhaseVerifyTwoFactor Phase = "verify-two-factor"
	PhaseRegister        Phase = "register"
	PhaseAuthenticate    Phase = "authenticate"
)

// ErrInvalid is the single error returned for every ticket check failure. Which
// check failed is deliberately not surfaced to the caller.
var ErrInvalid = errors.New("invalid or expired step-up session; restart the flow")

// Claims is the payload carried inside a ticket. SubjectID is the account the flow
// acts on; SessionUserID and Email bind the ticket to the live authenticated
// identity, so a session change or email change invalidates outstanding tickets.
type Claims struct {
	Flow          Flow   `json:"typ"`
	SubjectID     string `json:"sub"`
	SessionUserID string `json:"sid"`
	Email         string `json:"eml"`
	Phase         Phase  `json:"phs"`

	// Flow-specific claims.
	PendingEmail string `json:"pml,omitempty"`
	PendingPhone string `json:"pph,omitempty"`
	Challenge    string `json:"chl,omitempty"`
	RPID         string `json:"rp,omitempty"`
	Origin       string `json:"org,omitempty"`

	IssuedAtMs  int64  `json:"iat"`
	ExpiresAtMs int64  `json:"exp"`
	Nonce       string `json:"jti"`
}

// Codec mints and reads tickets using an HMAC-SHA256 signature over a compact
// base64url(JSON) payload. The secret is read-only after construction.
type Codec struct {
	secret []byte
	nowF   func() time.Time
}

// NewCodec returns a Codec signing with the given secret.
func NewCodec(secret []byte) *Codec {
	return &Codec{secret: secret, nowF: func() time.Time { return time.Now().UTC() }}
}

// Mint serializes claims, stamps issue/expiry times and a fresh nonce, and returns
// the signed token as payload.signature.
func (c *Codec) Mint(claims Claims, ttl time.Duration) (string, error) {
	now := c.nowF()
	claims.IssuedAtMs = now.UnixMilli()
	claims.ExpiresAtMs = now.Add(ttl).UnixMilli()
	claims.Nonce = uuid.New().String()

	raw, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	payload := base64.RawURLEncoding.EncodeToString(raw)
	return payload + "." + c.sign(payload), nil
}

// Read verifies the token's signature and checks flow tag, expiry, phase, and the
// caller's live session identity. Every failure collapses to ErrInvalid.
func (c *Codec) Read(token string, flow Flow, sessionUserID, email string, allowed ...Phase) (*Claims, error) {
	payload, sig, ok := strings.Cut(token, ".")
	if !ok || payload == "" || sig == "" {
		return nil, ErrInvalid
	}
	if !hmac.Equal([]byte(c.sign(payload)), []byte(sig)) {
		return nil, ErrInvalid
	}

	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return nil, ErrInvalid
	}
	var claims Claims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return nil, ErrInvalid
	}

	if claims.Flow != flow {
		return nil, ErrInvalid
	}
	if c.nowF().UnixMilli() >= claims.ExpiresAtMs {
		return nil, ErrInvalid
	}
	if claims.SessionUserID == "" || claims.SessionUserID != sessionUserID {
		return nil, ErrInvalid
	}
	if claims.Email == "" || claims.Email != email {
		return nil, ErrInvalid
	}
	phaseOK := false
	for _, p := range allowed {
		if claims.Phase == p {
			phaseOK = true
			break
		}
	}
	if !phaseOK {
		return nil, ErrInvalid
	}
	return &claims, nil
}

func (c *Codec) sign(payload string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
