// Package voice mints access tokens for the real-time voice transport.
// The token is a standard LiveKit-compatible HS256 JWT carrying a video
// grant, so no provider SDK is needed to issue it.
package voice

import (
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const defaultTokenTTL = 6 * time.Hour

// Config configures room token minting.
type Config struct {
	APIKey    string
	APISecret string
	WSURL     string
	TokenTTL  time.Duration
}

// TokenMinter issues joinable room tokens.
type TokenMinter struct {
	apiKey    string
	apiSecret []byte
	wsURL     string
	ttl       time.Duration
}

// VideoGrant mirrors the provider's room permission claim.
type VideoGrant struct {
	RoomJoin     bool   `json:"roomJoin"`
	Room         string `json:"room"`
	CanPublish   bool   `json:"canPublish"`
	CanSubscribe bool   `json:"canSubscribe"`
}

type roomClaims struct {
	jwt.RegisteredClaims
	Name  string     `json:"name,omitempty"`
	Video VideoGrant `json:"video"`
}

// New creates a token minter.
func New(cfg Config) (*TokenMinter, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	apiSecret := strings.TrimSpace(cfg.APISecret)
	if apiKey == "" || apiSecret == "" {
		return nil, errors.New("voice token minter requires api key and secret")
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &TokenMinter{
		apiKey:    apiKey,
		apiSecret: []byte(apiSecret),
		wsURL:     strings.TrimSpace(cfg.WSURL),
		ttl:       ttl,
	}, nil
}

// WSURL returns the transport endpoint clients connect to.
func (m *TokenMinter) WSURL() string {
	return m.wsURL
}

// MintRoomToken returns a token that lets identity join the named room with
// publish and subscribe permissions.
func (m *TokenMinter) MintRoomToken(roomName, identity string) (string, error) {
	roomName = strings.TrimSpace(roomName)
	identity = strings.TrimSpace(identity)
	if roomName == "" || identity == "" {
		return "", errors.New("room name and identity required")
	}
	now := time.Now().UTC()
	claims := roomClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.apiKey,
			Subject:   identity,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
		Name: identity,
		Video: VideoGrant{
			RoomJoin:     true,
			Room:         roomName,
			CanPublish:   true,
			CanSubscribe: true,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.apiSecret)
	if err != nil {
		return "", fmt.Errorf("sign room token: %w", err)
	}
	return signed, nil
}

// PersonalRoomName derives a stable per-user room from the email address.
func PersonalRoomName(email string) string {
	name := strings.NewReplacer("@", "-", ".", "-").Replace(email)
	return "companion-" + name
}
