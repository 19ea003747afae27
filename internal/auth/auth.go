// Package auth verifies client credentials and resolves them to a user id.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/xiaot623/gogo/internal/domain"
)

// ErrNoCredential is returned when the request carries no token at all.
var ErrNoCredential = errors.New("no credential presented")

// Verifier resolves a bearer credential to a user id.
type Verifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, token string) (string, error)

// Verify implements Verifier.
func (f VerifierFunc) Verify(ctx context.Context, token string) (string, error) {
	return f(ctx, token)
}

// JWTVerifier validates HS256 tokens whose subject is the user id.
type JWTVerifier struct {
	secret []byte
	expiry time.Duration
}

// NewJWTVerifier builds a verifier for the given shared secret.
func NewJWTVerifier(secret string, expiry time.Duration) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), expiry: expiry}
}

// Generate issues a signed token for userID. Used by the dev CLI and tests.
func (v *JWTVerifier) Generate(userID string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("user id required")
	}
	claims := jwt.RegisteredClaims{
		Subject:  userID,
		IssuedAt: jwt.NewNumericDate(time.Now()),
	}
	if v.expiry > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(v.expiry))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Verify implements Verifier.
func (v *JWTVerifier) Verify(_ context.Context, token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", fmt.Errorf("%w: invalid token", domain.ErrAuthentication)
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return "", fmt.Errorf("%w: token has no subject", domain.ErrAuthentication)
	}
	return subject, nil
}

// APIKeyVerifier maps static keys to user ids.
type APIKeyVerifier struct {
	keys map[string]string
}

// NewAPIKeyVerifier builds a verifier from a key -> user id map.
func NewAPIKeyVerifier(keys map[string]string) *APIKeyVerifier {
	return &APIKeyVerifier{keys: keys}
}

// ParseAPIKeys parses "key:user,key2:user2".
func ParseAPIKeys(raw string) (map[string]string, error) {
	keys := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, user, ok := strings.Cut(pair, ":")
		key, user = strings.TrimSpace(key), strings.TrimSpace(user)
		if !ok || key == "" || user == "" {
			return nil, fmt.Errorf("invalid api key entry %q, want key:user", pair)
		}
		keys[key] = user
	}
	return keys, nil
}

// Verify implements Verifier.
func (v *APIKeyVerifier) Verify(_ context.Context, token string) (string, error) {
	for key, user := range v.keys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(token)) == 1 {
			return user, nil
		}
	}
	return "", fmt.Errorf("%w: unknown api key", domain.ErrAuthentication)
}

// Chain tries each verifier in order and returns the first success.
type Chain []Verifier

// Verify implements Verifier.
func (c Chain) Verify(ctx context.Context, token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", fmt.Errorf("%w: %w", domain.ErrAuthentication, ErrNoCredential)
	}
	for _, v := range c {
		if v == nil {
			continue
		}
		if user, err := v.Verify(ctx, token); err == nil && user != "" {
			return user, nil
		}
	}
	return "", fmt.Errorf("%w: credential rejected", domain.ErrAuthentication)
}

// TokenFromRequest extracts a credential from Authorization: Bearer,
// X-API-Key or the token query parameter, in that order.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return strings.TrimSpace(key)
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}
