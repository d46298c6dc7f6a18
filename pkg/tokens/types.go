// Package tokens implements the token lifecycle: stateless JWT access
// tokens and opaque, server-tracked refresh tokens with single-use rotation.
package tokens

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RefreshTokenPrefix marks opaque refresh token values so they are
// recognizable in logs and support tooling without being guessable.
const RefreshTokenPrefix = "aegis_"

// Identity is the authenticated principal carried by tokens. Additional
// roles ride along so permission resolution sees the full role set without
// a database read.
type Identity struct {
	AccountID       string   `json:"account_id"`
	TenantID        string   `json:"tenant_id,omitempty"`
	Role            string   `json:"role"`
	AdditionalRoles []string `json:"additional_roles,omitempty"`
	Email           string   `json:"email"`
}

// AccessClaims are the JWT claims embedded in access tokens
type AccessClaims struct {
	TenantID        string   `json:"tenant_id,omitempty"`
	Role            string   `json:"role"`
	AdditionalRoles []string `json:"additional_roles,omitempty"`
	Email           string   `json:"email"`
	jwt.RegisteredClaims
}

// RefreshToken is the persisted record of an issued refresh token. Only the
// hash of the opaque value is stored.
type RefreshToken struct {
	ID        string
	AccountID string
	TokenHash string
	IssuedAt  time.Time
	ExpiresAt time.Time
	RevokedAt *time.Time
}

// IssuedRefreshToken is returned to the caller on issue and rotation. Value
// is the only time the opaque secret is visible.
type IssuedRefreshToken struct {
	ID        string
	Value     string
	ExpiresAt time.Time
}

// TokenPair bundles the two tokens returned by login and rotation
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}
