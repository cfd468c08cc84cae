// Package auth authenticates client connections before they enter the
// presence registry. The interface is the seam; the static token map
// is the built-in implementation for single-node and test deployments.
package auth

import (
	"context"
	"sync"

	"github.com/google/uuid"

	apperr "github.com/opd-ai/peerchat/errors"
)

// Authenticator resolves a bearer token to a user id.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (uuid.UUID, error)
}

// StaticAuthenticator authenticates against a fixed token map.
type StaticAuthenticator struct {
	mu     sync.RWMutex
	tokens map[string]uuid.UUID
}

// NewStaticAuthenticator builds an authenticator from a token → user
// map.
func NewStaticAuthenticator(tokens map[string]uuid.UUID) *StaticAuthenticator {
	if tokens == nil {
		tokens = make(map[string]uuid.UUID)
	}
	return &StaticAuthenticator{tokens: tokens}
}

var _ Authenticator = (*StaticAuthenticator)(nil)

// Grant registers a token for a user.
func (a *StaticAuthenticator) Grant(token string, userID uuid.UUID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tokens[token] = userID
}

// Revoke removes a token.
func (a *StaticAuthenticator) Revoke(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.tokens, token)
}

func (a *StaticAuthenticator) Authenticate(_ context.Context, token string) (uuid.UUID, error) {
	if token == "" {
		return uuid.Nil, apperr.Unauthorized("missing auth token")
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	userID, ok := a.tokens[token]
	if !ok {
		return uuid.Nil, apperr.Unauthorized("invalid auth token")
	}
	return userID, nil
}
