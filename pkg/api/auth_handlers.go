package api

import (
	"net/http"

	"github.com/schoolworks/aegis/pkg/accounts"
	"github.com/schoolworks/aegis/pkg/httputil"
	"github.com/schoolworks/aegis/pkg/middleware"
	"github.com/schoolworks/aegis/pkg/observability"
	"github.com/schoolworks/aegis/pkg/sessions"
)

// AuthHandlers serves the authentication endpoints
type AuthHandlers struct {
	accounts *accounts.Service
	logger   *observability.Logger
}

// NewAuthHandlers creates the auth handler group
func NewAuthHandlers(accountService *accounts.Service, logger *observability.Logger) *AuthHandlers {
	return &AuthHandlers{accounts: accountService, logger: logger}
}

func requestContext(r *http.Request) sessions.RequestContext {
	return sessions.RequestContext{
		IP:                httputil.ClientIP(r),
		UserAgent:         r.UserAgent(),
		DeviceFingerprint: r.Header.Get("X-Device-Fingerprint"),
	}
}

// Signup handles POST /api/v1/auth/signup
func (h *AuthHandlers) Signup(w http.ResponseWriter, r *http.Request) {
	var req accounts.SignupRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	account, err := h.accounts.Signup(r.Context(), req)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteCreated(w, account)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login handles POST /api/v1/auth/login
func (h *AuthHandlers) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Email == "" || req.Password == "" {
		httputil.WriteValidationError(w, "email and password are required")
		return
	}

	pair, account, err := h.accounts.Login(r.Context(), req.Email, req.Password, requestContext(r))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteSuccess(w, map[string]interface{}{
		"tokens":  pair,
		"account": account,
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Refresh handles POST /api/v1/auth/refresh
func (h *AuthHandlers) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.RefreshToken == "" {
		httputil.WriteValidationError(w, "refresh_token is required")
		return
	}

	pair, err := h.accounts.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, pair)
}

// Logout handles POST /api/v1/auth/logout
func (h *AuthHandlers) Logout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.RefreshToken == "" {
		httputil.WriteValidationError(w, "refresh_token is required")
		return
	}

	if err := h.accounts.Logout(r.Context(), req.RefreshToken); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]string{"status": "logged out"})
}

type verifyEmailRequest struct {
	AccountID string `json:"account_id"`
}

// VerifyEmail handles POST /api/v1/auth/verify-email
func (h *AuthHandlers) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req verifyEmailRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.AccountID == "" {
		httputil.WriteValidationError(w, "account_id is required")
		return
	}

	if err := h.accounts.VerifyEmail(r.Context(), req.AccountID); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]string{"status": "verified"})
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// ChangePassword handles POST /api/v1/auth/change-password
func (h *AuthHandlers) ChangePassword(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFrom(r.Context())

	var req changePasswordRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	err := h.accounts.ChangePassword(r.Context(), identity.AccountID, req.CurrentPassword, req.NewPassword)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]string{"status": "password changed"})
}
