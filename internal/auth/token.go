// Package auth issues and verifies the signed session tokens that bind a
// realtime connection to an account username.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrNotConfigured is returned when no signing secret is set.
	ErrNotConfigured = errors.New("token signer is not configured")
	// ErrMissingToken is returned when a token is required but absent.
	ErrMissingToken = errors.New("session token is required")
	// ErrInvalidToken is returned for malformed, mis-signed, or mismatched tokens.
	ErrInvalidToken = errors.New("session token is invalid")
	// ErrExpiredToken is returned for tokens past their exp claim.
	ErrExpiredToken = errors.New("session token is expired")
)

// Claims are the validated contents of a session token.
type Claims struct {
	Username  string
	TokenID   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type sessionClaims struct {
	jwt.RegisteredClaims
	Username string `json:"username"`
}

// Tokens signs and verifies HS256 session tokens.
type Tokens struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewTokens creates a token service.
//
// Precondition: ttl must be positive.
// Postcondition: An empty secret yields a service whose Issue and Verify return ErrNotConfigured.
func NewTokens(secret, issuer string, ttl time.Duration, now func() time.Time) *Tokens {
	if now == nil {
		now = time.Now
	}
	return &Tokens{secret: []byte(secret), issuer: issuer, ttl: ttl, now: now}
}

// Enabled reports whether a signing secret is configured.
func (t *Tokens) Enabled() bool {
	return t != nil && len(t.secret) > 0
}

// Issue returns a signed token for username.
//
// Precondition: username must be non-empty.
func (t *Tokens) Issue(username string) (string, Claims, error) {
	if !t.Enabled() {
		return "", Claims{}, ErrNotConfigured
	}
	username = strings.TrimSpace(username)
	if username == "" {
		return "", Claims{}, errors.New("username is required")
	}

	now := t.now().UTC().Truncate(time.Second)
	exp := now.Add(t.ttl)
	id := uuid.NewString()
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   username,
			ID:        id,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Username: username,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", Claims{}, fmt.Errorf("signing session token: %w", err)
	}
	return signed, Claims{Username: username, TokenID: id, IssuedAt: now, ExpiresAt: exp}, nil
}

// Verify parses token and validates its signature, issuer, and lifetime.
//
// Postcondition: Returns ErrMissingToken, ErrInvalidToken, or ErrExpiredToken on failure.
func (t *Tokens) Verify(token string) (Claims, error) {
	if !t.Enabled() {
		return Claims{}, ErrNotConfigured
	}
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return Claims{}, ErrMissingToken
	}

	var parsed sessionClaims
	_, err := jwt.ParseWithClaims(token, &parsed, func(*jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return Claims{}, mapJWTError(err)
	}
	if strings.TrimSpace(parsed.Username) == "" {
		return Claims{}, fmt.Errorf("%w: username claim is empty", ErrInvalidToken)
	}

	claims := Claims{
		Username:  parsed.Username,
		TokenID:   parsed.ID,
		ExpiresAt: parsed.ExpiresAt.Time.UTC(),
	}
	if parsed.IssuedAt != nil {
		claims.IssuedAt = parsed.IssuedAt.Time.UTC()
	}
	return claims, nil
}

func mapJWTError(err error) error {
	if errors.Is(err, jwt.ErrTokenExpired) {
		return fmt.Errorf("%w: %v", ErrExpiredToken, err)
	}
	return fmt.Errorf("%w: %v", ErrInvalidToken, err)
}
