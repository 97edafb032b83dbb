package auth

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt"
)

const (
	userIdClaim = "user-id"
	expClaim    = "exp"
)

var ErrNoUserId = errors.New("token has no user id claim")

// Credential holds the bearer token of the current session. The token is
// issued and signed by the backend, so it is only inspected here, never
// verified.
type Credential struct {
	mu    sync.RWMutex
	token string
}

func NewCredential(token string) *Credential {
	return &Credential{token: strings.TrimSpace(token)}
}

func (c *Credential) Token() string {
	if c == nil {
		return ""
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Credential) Set(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = strings.TrimSpace(token)
}

// Clear drops the token, e.g. after the backend rejected it.
func (c *Credential) Clear() {
	c.Set("")
}

// Valid reports whether the credential can be sent to the backend. Empty
// tokens and JWTs with an exp claim in the past are rejected. Opaque tokens
// that do not parse as JWTs are accepted as-is.
func (c *Credential) Valid(now time.Time) bool {
	token := c.Token()
	if token == "" {
		return false
	}

	claims, err := parseClaims(token)
	if err != nil {
		return true
	}

	if _, ok := claims[expClaim]; !ok {
		return true
	}

	return claims.VerifyExpiresAt(now.Unix(), true)
}

// UserId returns the user-id claim, used to pick the per-user notification
// channel.
func (c *Credential) UserId() (string, error) {
	claims, err := parseClaims(c.Token())
	if err != nil {
		return "", err
	}

	switch v := claims[userIdClaim].(type) {
	case string:
		if v == "" {
			return "", ErrNoUserId
		}
		return v, nil
	case float64:
		return fmt.Sprintf("%d", int64(v)), nil
	default:
		return "", ErrNoUserId
	}
}

func parseClaims(token string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := new(jwt.Parser).ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	return claims, nil
}
