// Package auth defines the contracts this core consumes from the external
// authentication collaborator (§1 "Out of scope: authentication token
// verification"). Only the interfaces the session core calls into are
// specified here; the real verifier (Keycloak, a custom IdP, …) lives
// outside this module.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("auth: invalid or expired token")
	ErrUnknownAPIKey = errors.New("auth: unknown api key")
)

// GlassesClaims is the minimal claim set this core trusts from a glasses
// coreToken.
type GlassesClaims struct {
	UserID string `json:"sub"`
	jwt.RegisteredClaims
}

// GlassesAuthenticator verifies the bearer coreToken a glasses device
// presents on connection_init and returns the user identity it encodes.
type GlassesAuthenticator interface {
	ValidateGlassesToken(ctx context.Context, token string) (userID string, err error)
}

// TPAAuthenticator verifies the API key a TPA presents on
// tpa_connection_init and returns the package name it is bound to.
type TPAAuthenticator interface {
	ValidateAPIKey(ctx context.Context, apiKey string) (packageName string, err error)
}

// JWTGlassesAuthenticator validates coreTokens as HMAC-signed JWTs, the
// simplest concrete implementation of GlassesAuthenticator suitable for a
// single-process deployment; a production deployment swaps this for a call
// into the real auth collaborator.
type JWTGlassesAuthenticator struct {
	Secret []byte
}

func NewJWTGlassesAuthenticator(secret string) *JWTGlassesAuthenticator {
	return &JWTGlassesAuthenticator{Secret: []byte(secret)}
}

func (a *JWTGlassesAuthenticator) ValidateGlassesToken(_ context.Context, token string) (string, error) {
	claims := &GlassesClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("%w: unexpected signing method %v", ErrInvalidToken, t.Header["alg"])
		}
		return a.Secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.UserID == "" {
		return "", ErrInvalidToken
	}
	return claims.UserID, nil
}

// APIKeyRecord is a TPA API key as recorded by the developer-portal
// collaborator (out of scope; consumed here as a read-only contract).
type APIKeyRecord struct {
	Key         string
	PackageName string
	CreatedAt   time.Time
	Revoked     bool
}

// StaticAPIKeyAuthenticator validates TPA API keys against an in-memory
// table, the way a test double or single-tenant deployment would; a real
// deployment backs TPAAuthenticator with the developer-portal's store.
type StaticAPIKeyAuthenticator struct {
	keys map[string]APIKeyRecord
}

func NewStaticAPIKeyAuthenticator(records ...APIKeyRecord) *StaticAPIKeyAuthenticator {
	keys := make(map[string]APIKeyRecord, len(records))
	for _, r := range records {
		keys[r.Key] = r
	}
	return &StaticAPIKeyAuthenticator{keys: keys}
}

func (a *StaticAPIKeyAuthenticator) ValidateAPIKey(_ context.Context, apiKey string) (string, error) {
	rec, ok := a.keys[apiKey]
	if !ok || rec.Revoked {
		return "", ErrUnknownAPIKey
	}
	return rec.PackageName, nil
}
