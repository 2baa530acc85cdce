package auth

import (
	"errors"
	"net/http"
	"strings"
)

// ErrUnauthenticated is returned when no valid credential accompanies a request.
var ErrUnauthenticated = errors.New("auth: unauthenticated")

// Identity is the resolved caller of a request.
type Identity struct {
	UserID    int64
	Superuser bool
}

// Authenticator resolves a request to a caller identity. Token issuance and
// user management live in a separate service; this boundary only verifies.
type Authenticator interface {
	Authenticate(r *http.Request) (*Identity, error)
}

// TokenAuthenticator authenticates bearer tokens against a static map,
// typically loaded from configuration.
type TokenAuthenticator struct {
	tokens map[string]Identity
}

func NewTokenAuthenticator(tokens map[string]Identity) *TokenAuthenticator {
	return &TokenAuthenticator{tokens: tokens}
}

func (a *TokenAuthenticator) Authenticate(r *http.Request) (*Identity, error) {
	h := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok || token == "" {
		return nil, ErrUnauthenticated
	}
	id, ok := a.tokens[token]
	if !ok {
		return nil, ErrUnauthenticated
	}
	return &id, nil
}
