package api

import (
	"net/http"
	"time"

	"github.com/schoolworks/aegis/pkg/accounts"
	"github.com/schoolworks/aegis/pkg/apperr"
	"github.com/schoolworks/aegis/pkg/httputil"
	"github.com/schoolworks/aegis/pkg/middleware"
	"github.com/schoolworks/aegis/pkg/observability"
	"github.com/schoolworks/aegis/pkg/permissions"
	"github.com/schoolworks/aegis/pkg/sessions"
	"github.com/schoolworks/aegis/pkg/tokens"
)

// AccountHandlers serves account administration, permission override and
// session management endpoints.
type AccountHandlers struct {
	accounts *accounts.Service
	sessions *sessions.Registry
	resolver *permissions.Resolver
	logger   *observability.Logger
}

// NewAccountHandlers creates the account handler group
func NewAccountHandlers(accountService *accounts.Service, sessionRegistry *sessions.Registry,
	resolver *permissions.Resolver, logger *observability.Logger) *AccountHandlers {
	return &AccountHandlers{
		accounts: accountService,
		sessions: sessionRegistry,
		resolver: resolver,
		logger:   logger,
	}
}

func requesterFrom(identity *tokens.Identity) sessions.Requester {
	return sessions.Requester{
		AccountID:  identity.AccountID,
		Privileged: permissions.IsPrivileged(permissions.Role(identity.Role)),
	}
}

// ResetPassword handles POST /api/v1/admin/accounts/{id}/reset-password
func (h *AccountHandlers) ResetPassword(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFrom(r.Context())
	accountID, ok := httputil.PathStringOrError(w, r, "id")
	if !ok {
		return
	}

	temp, err := h.accounts.AdminResetPassword(r.Context(), identity.AccountID, accountID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]string{"temporary_password": temp})
}

type statusRequest struct {
	Status accounts.Status `json:"status"`
}

// SetStatus handles PUT /api/v1/admin/accounts/{id}/status
func (h *AccountHandlers) SetStatus(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFrom(r.Context())
	accountID, ok := httputil.PathStringOrError(w, r, "id")
	if !ok {
		return
	}

	var req statusRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	if err := h.accounts.SetStatus(r.Context(), identity.AccountID, accountID, req.Status); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]string{"status": string(req.Status)})
}

// GetEffectivePermissions handles GET /api/v1/accounts/{id}/permissions.
// Callers may read their own set; reading another account's requires the
// accounts read permission.
func (h *AccountHandlers) GetEffectivePermissions(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFrom(r.Context())
	accountID, ok := httputil.PathStringOrError(w, r, "id")
	if !ok {
		return
	}

	caller := permissions.Subject{
		AccountID:   identity.AccountID,
		PrimaryRole: permissions.Role(identity.Role),
	}
	for _, role := range identity.AdditionalRoles {
		caller.AdditionalRoles = append(caller.AdditionalRoles, permissions.Role(role))
	}
	allowed, err := h.resolver.SelfOrPermission(r.Context(), caller, accountID, permissions.PermAccountsRead)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if !allowed {
		httputil.WriteError(w, apperr.ErrForbidden)
		return
	}

	account, err := h.accounts.GetByID(r.Context(), accountID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	perms, err := h.resolver.EffectivePermissions(r.Context(), account.Subject())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"account_id":  accountID,
		"permissions": perms,
	})
}

type overrideRequest struct {
	Granted   bool       `json:"granted"`
	Reason    string     `json:"reason,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// SetOverride handles PUT /api/v1/accounts/{id}/permissions/{permission}
func (h *AccountHandlers) SetOverride(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFrom(r.Context())
	accountID, ok := httputil.PathStringOrError(w, r, "id")
	if !ok {
		return
	}
	permission, ok := httputil.PathStringOrError(w, r, "permission")
	if !ok {
		return
	}

	var req overrideRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(time.Now()) {
		httputil.WriteValidationError(w, "expires_at must be in the future")
		return
	}

	account, err := h.accounts.GetByID(r.Context(), accountID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	err = h.resolver.SetOverride(r.Context(), &permissions.Override{
		AccountID:  accountID,
		Permission: permission,
		Granted:    req.Granted,
		Reason:     req.Reason,
		ExpiresAt:  req.ExpiresAt,
		CreatedBy:  identity.AccountID,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	perms, err := h.resolver.EffectivePermissions(r.Context(), account.Subject())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"account_id":  accountID,
		"permissions": perms,
	})
}

// ClearOverride handles DELETE /api/v1/accounts/{id}/permissions/{permission}
func (h *AccountHandlers) ClearOverride(w http.ResponseWriter, r *http.Request) {
	accountID, ok := httputil.PathStringOrError(w, r, "id")
	if !ok {
		return
	}
	permission, ok := httputil.PathStringOrError(w, r, "permission")
	if !ok {
		return
	}

	if err := h.resolver.ClearOverride(r.Context(), accountID, permission); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// ListSessions handles GET /api/v1/accounts/{id}/sessions
func (h *AccountHandlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFrom(r.Context())
	accountID, ok := httputil.PathStringOrError(w, r, "id")
	if !ok {
		return
	}

	list, err := h.sessions.ListActiveSessions(r.Context(), accountID, requesterFrom(identity))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"sessions": list})
}

// RevokeSessions handles POST /api/v1/accounts/{id}/sessions/revoke
func (h *AccountHandlers) RevokeSessions(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFrom(r.Context())
	accountID, ok := httputil.PathStringOrError(w, r, "id")
	if !ok {
		return
	}

	// Sessions and the refresh tokens behind them go together: closing one
	// without the other would let the holder log straight back in.
	closed, err := h.accounts.ForceLogout(r.Context(), accountID, requesterFrom(identity))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"revoked": closed})
}
