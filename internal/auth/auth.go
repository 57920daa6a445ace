// Package auth gates access to the relay with bearer tokens checked
// against bcrypt hashes.
package auth

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/gluk-w/claworc/shellrelay/internal/apperr"
)

const (
	BcryptCost = 12
	// LocalUser is the identity of every caller when auth is disabled.
	LocalUser = "local"
)

// ErrUnauthorized is returned for missing or unknown tokens.
var ErrUnauthorized = apperr.New(apperr.CodeUnauthorized, "unauthorized")

func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), BcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func CheckToken(token, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil
}

type credential struct {
	user string
	hash string
}

// Authenticator resolves bearer tokens to user IDs.
type Authenticator struct {
	disabled bool
	creds    []credential

	mu sync.RWMutex
	// verified caches sha256(token) -> user so bcrypt runs once per token.
	verified map[[sha256.Size]byte]string
}

// New returns an Authenticator. Each entry is "user:bcrypt-hash" or a bare
// hash, which is named "token<N>" after its position.
func New(disabled bool, entries []string) (*Authenticator, error) {
	a := &Authenticator{disabled: disabled, verified: make(map[[sha256.Size]byte]string)}
	for i, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		user, hash, found := strings.Cut(e, ":")
		if !found {
			user, hash = fmt.Sprintf("token%d", i+1), e
		}
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("api token %d: not a bcrypt hash: %w", i+1, err)
		}
		a.creds = append(a.creds, credential{user: user, hash: hash})
	}
	if !disabled && len(a.creds) == 0 {
		return nil, fmt.Errorf("auth enabled but no api tokens configured")
	}
	return a, nil
}

// Disabled reports whether every request is let through as LocalUser.
func (a *Authenticator) Disabled() bool { return a.disabled }

// Authenticate checks the request's bearer token. Browsers cannot set
// headers on WebSocket upgrades, so a "token" query parameter is
// accepted as well.
func (a *Authenticator) Authenticate(r *http.Request) (string, error) {
	if a.disabled {
		return LocalUser, nil
	}
	token := ""
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, rest, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			return "", ErrUnauthorized
		}
		token = strings.TrimSpace(rest)
	} else {
		token = r.URL.Query().Get("token")
	}
	return a.AuthenticateToken(r.Context(), token)
}

// AuthenticateToken checks a raw token.
func (a *Authenticator) AuthenticateToken(_ context.Context, token string) (string, error) {
	if a.disabled {
		return LocalUser, nil
	}
	if token == "" {
		return "", ErrUnauthorized
	}
	sum := sha256.Sum256([]byte(token))
	a.mu.RLock()
	user, ok := a.verified[sum]
	a.mu.RUnlock()
	if ok {
		return user, nil
	}
	for _, c := range a.creds {
		if CheckToken(token, c.hash) {
			a.mu.Lock()
			a.verified[sum] = c.user
			a.mu.Unlock()
			return c.user, nil
		}
	}
	return "", ErrUnauthorized
}
