// Package auth mints the bearer token presented during the backend
// handshake. Tokens are HS256 over a shared secret; the backend verifies
// the same claims it issues for its other operator surfaces.
package auth

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSource mints short-lived tokens, reusing one until it nears
// expiry so reconnect storms do not churn credentials.
type TokenSource struct {
	secret  []byte
	subject string
	role    string
	ttl     time.Duration
	now     func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewTokenSource configures minting. secret must not be empty.
func NewTokenSource(secret, subject, role string, ttl time.Duration) (*TokenSource, error) {
	if secret == "" {
		return nil, fmt.Errorf("auth: secret is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("auth: ttl must be positive, got %v", ttl)
	}
	return &TokenSource{
		secret:  []byte(secret),
		subject: subject,
		role:    role,
		ttl:     ttl,
		now:     time.Now,
	}, nil
}

// Token returns a signed token, minting a fresh one when the cached
// token is within a tenth of its lifetime from expiry.
func (ts *TokenSource) Token() (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	now := ts.now()
	if ts.token != "" && now.Before(ts.expires.Add(-ts.ttl/10)) {
		return ts.token, nil
	}

	expires := now.Add(ts.ttl)
	claims := jwt.MapClaims{
		"sub":  ts.subject,
		"role": ts.role,
		"iat":  now.Unix(),
		"exp":  expires.Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ts.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}

	ts.token = signed
	ts.expires = expires
	return signed, nil
}

// Header builds the handshake header carrying the bearer token.
func (ts *TokenSource) Header() (http.Header, error) {
	token, err := ts.Token()
	if err != nil {
		return nil, err
	}
	header := make(http.Header)
	header.Set("Authorization", "Bearer "+token)
	return header, nil
}
