// Package middleware provides the HTTP middleware for the API surface:
// bearer token authentication, permission guards, login rate limiting
// and panic recovery.
package middleware

import (
	"context"
	"net/http"

	"github.com/schoolworks/aegis/pkg/apperr"
	"github.com/schoolworks/aegis/pkg/contextkeys"
	"github.com/schoolworks/aegis/pkg/httputil"
	"github.com/schoolworks/aegis/pkg/observability"
	"github.com/schoolworks/aegis/pkg/permissions"
	"github.com/schoolworks/aegis/pkg/tokens"
)

// IdentityFrom returns the authenticated identity from the context, or
// nil when the request did not pass the auth middleware.
func IdentityFrom(ctx context.Context) *tokens.Identity {
	if v, ok := ctx.Value(contextkeys.IdentityKey).(*tokens.Identity); ok {
		return v
	}
	return nil
}

// Auth verifies bearer access tokens and attaches the caller identity
type Auth struct {
	tokens *tokens.Service
	logger *observability.Logger
}

// NewAuth creates the authentication middleware
func NewAuth(tokenService *tokens.Service, logger *observability.Logger) *Auth {
	return &Auth{tokens: tokenService, logger: logger}
}

// Require rejects requests without a valid access token
func (a *Auth) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := httputil.BearerToken(r)
		if raw == "" {
			httputil.WriteError(w, apperr.ErrUnauthorized)
			return
		}

		identity, err := a.tokens.VerifyAccessToken(raw)
		if err != nil {
			httputil.WriteError(w, apperr.ErrUnauthorized)
			return
		}

		ctx := contextkeys.WithIdentity(r.Context(), &identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Guard enforces effective permissions on authenticated routes
type Guard struct {
	resolver *permissions.Resolver
}

// NewGuard creates the permission guard
func NewGuard(resolver *permissions.Resolver) *Guard {
	return &Guard{resolver: resolver}
}

// Require rejects callers whose effective permission set lacks the
// named permission. Must run after Auth.Require.
func (g *Guard) Require(permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := IdentityFrom(r.Context())
			if identity == nil {
				httputil.WriteError(w, apperr.ErrUnauthorized)
				return
			}

			subject := permissions.Subject{
				AccountID:   identity.AccountID,
				PrimaryRole: permissions.Role(identity.Role),
			}
			for _, r := range identity.AdditionalRoles {
				subject.AdditionalRoles = append(subject.AdditionalRoles, permissions.Role(r))
			}
			ok, err := g.resolver.HasEffectivePermission(r.Context(), subject, permission)
			if err != nil {
				httputil.WriteError(w, err)
				return
			}
			if !ok {
				httputil.WriteError(w, apperr.ErrForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequirePrivileged rejects callers below the admin role. Must run
// after Auth.Require.
func (g *Guard) RequirePrivileged(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := IdentityFrom(r.Context())
		if identity == nil {
			httputil.WriteError(w, apperr.ErrUnauthorized)
			return
		}
		if !permissions.IsPrivileged(permissions.Role(identity.Role)) {
			httputil.WriteError(w, apperr.ErrForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
