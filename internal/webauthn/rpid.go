package webauthn

import (
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// DeriveRPID derives the relying-party id from the effective web origin.
// Multi-subdomain deployments normalize to the apex domain (eTLD+1) so a
// credential registered on app.example.com also scopes to example.com;
// localhost and IP literals short-circuit to the bare host.
func DeriveRPID(origin string) (string, error) {
	host, err := originHost(origin)
	if err != nil {
		return "", err
	}
	if host == "localhost" || net.ParseIP(host) != nil {
		return host, nil
	}
	if apex, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		return apex, nil
	}
	return host, nil
}

// OriginMatchesRPID reports whether the origin's hostname equals or is a
// subdomain of the relying-party id.
func OriginMatchesRPID(origin, rpID string) bool {
	host, err := originHost(origin)
	if err != nil || rpID == "" {
		return false
	}
	return host == rpID || strings.HasSuffix(host, "."+rpID)
}

func originHost(origin string) (string, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return "", err
	}
	host := u.Hostname()
	if host == "" {
		return "", errMalformedOrigin
	}
	return strings.ToLower(host), nil
}
