// Package handshake issues and verifies short-lived HS256 tokens a parent
// hands to a child it spawns, so the child's first IPC message can prove it
// is the process/executor the parent actually started rather than anything
// else that happened to connect to the socket first.
//
// Grounded on backend/auth package (IssueAccessToken /
// ParseAccessToken): same library, same HMAC-and-claims shape, repurposed
// from a user login session to a one-shot process/workflow handshake.
package handshake

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTTL bounds how long a handshake token is valid for after issuance;
// a child that connects after this window is rejected.
const DefaultTTL = 30 * time.Second

// Claims identifies the subject (process id or workflow instance id) a
// token was issued for.
type Claims struct {
	jwt.RegisteredClaims
}

// Issue signs a token scoped to subject (a process id or instance id),
// valid for ttl (DefaultTTL when ttl <= 0).
func Issue(secret []byte, subject string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// Verify checks raw's signature and expiry and that it was issued for
// subject.
func Verify(secret []byte, subject, raw string) error {
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return errors.New("handshake: token expired")
		}
		return fmt.Errorf("handshake: invalid token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return errors.New("handshake: invalid claims")
	}
	if claims.Subject != subject {
		return fmt.Errorf("handshake: token subject %q does not match %q", claims.Subject, subject)
	}
	return nil
}
