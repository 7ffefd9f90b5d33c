// Package session authenticates requests from the browser session cookie. The
// session itself is owned by the front-of-house auth system; this service only
// reads the signed cookie it sets.
package session

import (
	"errors"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthenticated is returned for a missing, malformed, or expired cookie.
var ErrUnauthenticated = errors.New("not authenticated")

// Session is the authenticated caller identity read from the cookie.
type Session struct {
	UserID string
	Email  string
}

// Reader extracts the caller's session from a request.
type Reader interface {
	FromRequest(r *http.Request) (*Session, error)
}

type cookieClaims struct {
	jwt.RegisteredClaims
	Email string `json:"eml"`
}

// CookieReader validates HS256-signed session cookies sharing a secret with the
// auth system that mints them.
type CookieReader struct {
	secret     []byte
	cookieName string
}

// NewCookieReader returns a CookieReader for the given cookie name and shared secret.
func NewCookieReader(secret []byte, cookieName string) *CookieReader {
	return &CookieReader{secret: secret, cookieName: cookieName}
}

// Mint signs a session token the CookieReader will accept. Used by the seed
// tool and tests; production cookies come from the auth system.
func Mint(secret []byte, userID, email string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := cookieClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Email: email,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// FromRequest reads and validates the session cookie. Every failure collapses
// to ErrUnauthenticated.
func (c *CookieReader) FromRequest(r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(c.cookieName)
	if err != nil || cookie.Value == "" {
		return nil, ErrUnauthenticated
	}
	token, err := jwt.ParseWithClaims(cookie.Value, &cookieClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrUnauthenticated
		}
		return c.secret, nil
	})
	if err != nil {
		return nil, ErrUnauthenticated
	}
	claims, ok := token.Claims.(*cookieClaims)
	if !ok || !token.Valid || claims.Subject == "" || claims.Email == "" {
		return nil, ErrUnauthenticated
	}
	return &Session{UserID: claims.Subject, Email: claims.Email}, nil
}
