// Package auth authenticates requests forwarded by the API gateway.
//
// Authentication model:
// - Public reads (deal and transfer lookups): no auth required
// - Deal mutations: gateway service token, end user carried in X-User-ID
// - Internal routes (deposit watcher, bridge relayer): internal token
//
// End-user identity is established upstream. This service only checks that
// the request came through a trusted hop.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"strings"
)

// Errors
var (
	ErrNoToken      = errors.New("bearer token required")
	ErrInvalidToken = errors.New("invalid bearer token")
)

// Authenticator checks bearer tokens against the configured secrets. Only
// SHA256 hashes of the secrets are kept in memory.
type Authenticator struct {
	service  [][]byte
	internal []byte
}

// NewAuthenticator creates an authenticator. Empty tokens are ignored. With no
// service tokens configured every caller is trusted, which is how development
// mode runs.
func NewAuthenticator(serviceTokens []string, internalToken string) *Authenticator {
	a := &Authenticator{}
	for _, t := range serviceTokens {
		if t = strings.TrimSpace(t); t != "" {
			a.service = append(a.service, hashKey(t))
		}
	}
	if internalToken != "" {
		a.internal = hashKey(internalToken)
	}
	return a
}

// Open reports whether the authenticator trusts every caller.
func (a *Authenticator) Open() bool {
	return len(a.service) == 0
}

// ValidateService checks a raw service token.
func (a *Authenticator) ValidateService(raw string) error {
	if a.Open() {
		return nil
	}
	if raw == "" {
		return ErrNoToken
	}
	h := hashKey(raw)
	for _, want := range a.service {
		if subtle.ConstantTimeCompare(h, want) == 1 {
			return nil
		}
	}
	return ErrInvalidToken
}

// ValidateInternal checks a raw internal token. When no internal token is
// configured it falls back to the service tokens.
func (a *Authenticator) ValidateInternal(raw string) error {
	if a.internal == nil {
		return a.ValidateService(raw)
	}
	if raw == "" {
		return ErrNoToken
	}
	if subtle.ConstantTimeCompare(hashKey(raw), a.internal) != 1 {
		return ErrInvalidToken
	}
	return nil
}

func hashKey(raw string) []byte {
	h := sha256.Sum256([]byte(raw))
	return h[:]
}

// bearerToken extracts the token from an Authorization header value.
func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return header
}
