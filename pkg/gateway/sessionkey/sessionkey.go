// Package sessionkey mints and verifies the short-lived keys a client uses to
// open the realtime connection for a session it created.
package sessionkey

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	Issuer   = "voicedesk-gateway"
	Audience = "voicedesk-realtime"
)

var (
	ErrInvalidKey = errors.New("invalid session key")
	ErrExpiredKey = errors.New("session key expired")
)

type Claims struct {
	Agent string `json:"agent"`
	Model string `json:"model,omitempty"`
	jwt.RegisteredClaims
}

// SessionID is the subject the key was minted for.
func (c Claims) SessionID() string {
	return c.Subject
}

type Keys struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func New(secret []byte, ttl time.Duration) (*Keys, error) {
	if len(secret) == 0 {
		return nil, errors.New("session key secret is required")
	}
	if ttl <= 0 {
		return nil, errors.New("session key ttl must be > 0")
	}
	return &Keys{secret: append([]byte(nil), secret...), ttl: ttl, now: time.Now}, nil
}

// WithClock overrides the time source, for tests.
func (k *Keys) WithClock(now func() time.Time) *Keys {
	k.now = now
	return k
}

func (k *Keys) TTL() time.Duration { return k.ttl }

// Mint returns an HS256 key bound to sessionID and the time it stops being
// accepted for new connections.
func (k *Keys) Mint(sessionID, agent, model string) (string, time.Time, error) {
	if strings.TrimSpace(sessionID) == "" {
		return "", time.Time{}, errors.New("session id is required")
	}
	now := k.now()
	expiresAt := now.Add(k.ttl)
	claims := Claims{
		Agent: agent,
		Model: model,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   sessionID,
			Audience:  jwt.ClaimStrings{Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(k.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign session key: %w", err)
	}
	return token, expiresAt, nil
}

func (k *Keys) Verify(token string) (Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(strings.TrimSpace(token), &claims, func(*jwt.Token) (any, error) {
		return k.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithAudience(Audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(k.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpiredKey
		}
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Claims{}, fmt.Errorf("%w: missing subject", ErrInvalidKey)
	}
	return claims, nil
}
