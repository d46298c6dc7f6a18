package tokens

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/schoolworks/aegis/pkg/apperr"
)

// JWTSigner issues and verifies HMAC-signed access tokens
type JWTSigner struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewJWTSigner creates a signer with the given secret, issuer and access
// token TTL.
func NewJWTSigner(secret, issuer string, ttl time.Duration) *JWTSigner {
	return &JWTSigner{secret: []byte(secret), issuer: issuer, ttl: ttl}
}

// TTL returns the configured access token lifetime
func (s *JWTSigner) TTL() time.Duration {
	return s.ttl
}

// Sign issues a short-lived access token for the identity
func (s *JWTSigner) Sign(identity Identity, now time.Time) (string, time.Time, error) {
	expiresAt := now.Add(s.ttl)
	claims := AccessClaims{
		TenantID:        identity.TenantID,
		Role:            identity.Role,
		AdditionalRoles: identity.AdditionalRoles,
		Email:           identity.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.AccountID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify parses and validates an access token and returns the identity it
// carries. Expired, malformed or wrongly signed tokens all map to the same
// unauthorized error.
func (s *JWTSigner) Verify(raw string) (Identity, error) {
	var claims AccessClaims
	token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(s.issuer))
	if err != nil || !token.Valid {
		return Identity{}, apperr.ErrUnauthorized.WithCause(err)
	}

	return Identity{
		AccountID:       claims.Subject,
		TenantID:        claims.TenantID,
		Role:            claims.Role,
		AdditionalRoles: claims.AdditionalRoles,
		Email:           claims.Email,
	}, nil
}
