// Package usertoken issues and verifies the bearer tokens handed to clients.
// Tokens are opaque to callers: HS256 JWTs carrying only the subject email
// and a seven-day expiry.
package usertoken

import (
	"errors"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	defaultTTL    = 7 * 24 * time.Hour
	defaultLeeway = 30 * time.Second
)

var (
	ErrInvalidToken = errors.New("invalid token")
)

// Config configures token issuance and verification.
type Config struct {
	Secret string
	TTL    time.Duration
	Leeway time.Duration
}

// Manager signs and validates access tokens with a shared secret.
type Manager struct {
	secret []byte
	ttl    time.Duration
	leeway time.Duration
}

// New creates a token manager.
func New(cfg Config) (*Manager, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, errors.New("token manager requires a signing secret")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = defaultLeeway
	}
	return &Manager{secret: []byte(secret), ttl: ttl, leeway: leeway}, nil
}

// Issue mints a signed token whose subject is the user's email.
func (m *Manager) Issue(subject string) (string, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", errors.New("token subject required")
	}
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// VerifySubject validates the token and returns the subject email.
// Malformed, expired, or mistyped tokens all return ErrInvalidToken.
func (m *Manager) VerifySubject(token string) (string, error) {
	claims := jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(m.leeway),
	)
	if err != nil || !parsed.Valid {
		return "", ErrInvalidToken
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return "", ErrInvalidToken
	}
	return subject, nil
}
