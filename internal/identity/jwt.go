// Package identity verifies the bearer credential a connection presents on
// authenticate and, for development tooling, issues such credentials.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/whisper/chat-relay/internal/chat"
)

// DefaultTTL is the lifetime of issued tokens.
const DefaultTTL = 24 * time.Hour

// Verifier turns an opaque credential into a stable user ID.
type Verifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// JWTVerifier validates HS256 tokens whose subject is the user ID.
type JWTVerifier struct {
	secret []byte
	now    func() time.Time
}

// NewJWTVerifier returns a verifier for tokens signed with secret.
func NewJWTVerifier(secret []byte) (*JWTVerifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("identity: empty signing secret")
	}
	return &JWTVerifier{secret: secret, now: time.Now}, nil
}

// Verify checks the signature, expiry and subject. All failures wrap
// chat.ErrUnauthenticated.
func (v *JWTVerifier) Verify(_ context.Context, token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(v.now), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("%w: %v", chat.ErrUnauthenticated, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", fmt.Errorf("%w: invalid token", chat.ErrUnauthenticated)
	}
	return claims.Subject, nil
}

// Issue signs a token for userID valid for ttl.
func Issue(userID string, secret []byte, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", errors.New("identity: user ID cannot be empty")
	}
	if len(secret) == 0 {
		return "", errors.New("identity: empty signing secret")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("identity: sign token: %w", err)
	}
	return signed, nil
}
