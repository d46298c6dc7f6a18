// Package sessions tracks login sessions per account. Session rows mirror
// refresh token rotation so one logical session never shows two active rows.
package sessions

import (
	"time"

	"github.com/schoolworks/aegis/pkg/apperr"
)

// Session is one device login for an account
type Session struct {
	ID             string     `json:"id"`
	AccountID      string     `json:"account_id"`
	TenantID       *string    `json:"tenant_id,omitempty"`
	RefreshTokenID string     `json:"-"`
	IP             string     `json:"ip"`
	UserAgent      string     `json:"user_agent"`
	LoginAt        time.Time  `json:"login_at"`
	LogoutAt       *time.Time `json:"logout_at,omitempty"`
	ExpiresAt      time.Time  `json:"expires_at"`
	Active         bool       `json:"active"`

	// Optional fields only present on newer schemas
	DeviceFingerprint *string    `json:"device_fingerprint,omitempty"`
	LastSeenAt        *time.Time `json:"last_seen_at,omitempty"`
}

// RequestContext carries the client attributes recorded with a session
type RequestContext struct {
	IP                string
	UserAgent         string
	DeviceFingerprint string
}

// Requester identifies who is acting on sessions. Privileged requesters may
// act on any account's sessions; others only on their own.
type Requester struct {
	AccountID  string
	Privileged bool
}

func (r Requester) mayActOn(accountID string) error {
	if r.Privileged || r.AccountID == accountID {
		return nil
	}
	return apperr.ErrForbidden
}
