package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNoCredential      = errors.New("no credential available")
	ErrCredentialExpired = errors.New("credential expired")
)

// TokenSource yields the bearer token for the next outbound request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Credentials holds the signed-in user's session token and an optional
// static key used when no session is present. Session tokens that parse as
// JWTs are checked for expiry; signatures are verified by the backend.
type Credentials struct {
	mu        sync.RWMutex
	session   string
	staticKey string
	now       func() time.Time
}

func NewCredentials(staticKey string) *Credentials {
	return &Credentials{
		staticKey: strings.TrimSpace(staticKey),
		now:       time.Now,
	}
}

// SetSession replaces the session token. An empty token clears it.
func (c *Credentials) SetSession(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
}

func (c *Credentials) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	c.mu.RLock()
	session, staticKey := c.session, c.staticKey
	c.mu.RUnlock()

	var sessionErr error
	if session != "" {
		if sessionErr = checkExpiry(session, c.now()); sessionErr == nil {
			return session, nil
		}
	}

	if staticKey != "" {
		return staticKey, nil
	}

	if sessionErr != nil {
		return "", fmt.Errorf("%w: %v", ErrNoCredential, sessionErr)
	}
	return "", ErrNoCredential
}

// checkExpiry rejects JWTs whose exp claim has passed. Opaque tokens pass.
func checkExpiry(token string, now time.Time) error {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	if !now.Before(exp.Time) {
		return fmt.Errorf("%w at %s", ErrCredentialExpired, exp.Time.Format(time.RFC3339))
	}
	return nil
}

// Subject returns the sub claim of a JWT bearer token, or "" when the token
// is not a JWT or carries no subject.
func Subject(token string) string {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return ""
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return ""
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return ""
	}
	return sub
}
