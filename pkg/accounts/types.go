// Package accounts implements the account lifecycle: signup, login,
// password management and admin status transitions.
package accounts

import (
	"time"

	"github.com/schoolworks/aegis/pkg/permissions"
)

// Status is the account lifecycle state. Accounts are never hard-deleted;
// they only move between soft states.
type Status string

// Account statuses
const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusRejected  Status = "rejected"
)

// ValidStatus reports whether s is a known status
func ValidStatus(s Status) bool {
	switch s {
	case StatusPending, StatusActive, StatusSuspended, StatusRejected:
		return true
	}
	return false
}

// Account is a login principal
type Account struct {
	ID              string             `json:"id"`
	Email           string             `json:"email"`
	PrimaryRole     permissions.Role   `json:"primary_role"`
	AdditionalRoles []permissions.Role `json:"additional_roles,omitempty"`
	TenantID        *string            `json:"tenant_id,omitempty"`
	Status          Status             `json:"status"`
	EmailVerified   bool               `json:"email_verified"`
	PasswordHash    string             `json:"-"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// Subject converts the account into the resolver's view of it
func (a *Account) Subject() permissions.Subject {
	return permissions.Subject{
		AccountID:       a.ID,
		PrimaryRole:     a.PrimaryRole,
		AdditionalRoles: a.AdditionalRoles,
	}
}

// LoginAttempt records one login try, successful or not. Failed attempts
// feed the anomaly scanner.
type LoginAttempt struct {
	ID        string    `json:"id"`
	AccountID *string   `json:"account_id,omitempty"`
	Email     string    `json:"email"`
	IP        string    `json:"ip"`
	UserAgent string    `json:"user_agent"`
	Success   bool      `json:"success"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// PasswordChange records one password mutation for forensics
type PasswordChange struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account_id"`
	ChangedBy string    `json:"changed_by"`
	Kind      string    `json:"kind"` // self_change or admin_reset
	CreatedAt time.Time `json:"created_at"`
}

// Password change kinds
const (
	ChangeKindSelf       = "self_change"
	ChangeKindAdminReset = "admin_reset"
)

// SignupRequest carries the fields accepted at registration
type SignupRequest struct {
	Email    string           `json:"email"`
	Password string           `json:"password"`
	Role     permissions.Role `json:"role"`
	TenantID string           `json:"tenant_id"`
}
