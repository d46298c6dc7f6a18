package permissions

import "time"

// Override is a per-account, optionally time-bounded grant or revocation of
// one permission. At most one live override exists per (account, permission).
type Override struct {
	ID         string     `json:"id"`
	AccountID  string     `json:"account_id"`
	Permission string     `json:"permission"`
	Granted    bool       `json:"granted"`
	Reason     string     `json:"reason,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	CreatedBy  string     `json:"created_by"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Live reports whether the override is in effect at the given instant
func (o Override) Live(now time.Time) bool {
	return o.ExpiresAt == nil || o.ExpiresAt.After(now)
}

// Subject is what the resolver needs to know about an account
type Subject struct {
	AccountID       string
	PrimaryRole     Role
	AdditionalRoles []Role
}
