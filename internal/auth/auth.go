package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidTokenHash   = errors.New("admin token hash is not a bcrypt hash")
)

// TokenAuthenticator checks the admin bearer token guarding the control
// surface. A plain token is compared in constant time; a bcrypt hash lets
// the config file hold no secret at all.
type TokenAuthenticator struct {
	token []byte
	hash  []byte
}

// NewTokenAuthenticator accepts a plain token, a bcrypt hash, both, or
// neither (authentication disabled).
func NewTokenAuthenticator(token, hash string) (*TokenAuthenticator, error) {
	a := &TokenAuthenticator{}
	if t := strings.TrimSpace(token); t != "" {
		a.token = []byte(t)
	}
	if h := strings.TrimSpace(hash); h != "" {
		if _, err := bcrypt.Cost([]byte(h)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidTokenHash, err)
		}
		a.hash = []byte(h)
	}
	return a, nil
}

// Enabled reports whether any credential is configured.
func (a *TokenAuthenticator) Enabled() bool {
	return a != nil && (len(a.token) > 0 || len(a.hash) > 0)
}

// Verify returns nil when candidate matches the configured token or hash.
func (a *TokenAuthenticator) Verify(candidate string) error {
	if !a.Enabled() {
		return nil
	}
	if candidate == "" {
		return ErrInvalidCredentials
	}
	if len(a.token) > 0 && subtle.ConstantTimeCompare(a.token, []byte(candidate)) == 1 {
		return nil
	}
	if len(a.hash) > 0 && bcrypt.CompareHashAndPassword(a.hash, []byte(candidate)) == nil {
		return nil
	}
	return ErrInvalidCredentials
}

// HashToken returns the bcrypt hash to put in server.admin_token_hash.
func HashToken(token string, cost int) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", errors.New("token must not be empty")
	}
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	b, err := bcrypt.GenerateFromPassword([]byte(token), cost)
	if err != nil {
		return "", fmt.Errorf("hash token: %w", err)
	}
	return string(b), nil
}
