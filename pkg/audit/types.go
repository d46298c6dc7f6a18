// Package audit implements the immutable audit log: append, search, export
// and retention. Entries are never updated once written.
package audit

import "time"

// Severity classifies an audit entry
type Severity string

// Known severities
const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// ValidSeverity reports whether s is one of the known severities
func ValidSeverity(s Severity) bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// Common action names recorded by the core. The action field is free-form;
// these constants only keep the write paths consistent.
const (
	ActionLogin              = "auth.login"
	ActionLoginFailed        = "auth.login_failed"
	ActionLogout             = "auth.logout"
	ActionTokenRotate        = "auth.token_rotate"
	ActionSignup             = "auth.signup"
	ActionPasswordChange     = "auth.password_change"
	ActionPasswordReset      = "admin.password_reset"
	ActionAccountStatus      = "admin.account_status_change"
	ActionOverrideSet        = "authz.override_set"
	ActionOverrideCleared    = "authz.override_cleared"
	ActionSessionsRevoked    = "sessions.revoke_all"
	ActionAnomalyScan        = "anomaly.scan"
	ActionCaseCreated        = "case.created"
	ActionCaseStatusChanged  = "case.status_changed"
	ActionCaseNoteAdded      = "case.note_added"
	ActionCaseEvidenceLinked = "case.evidence_linked"
	ActionCaseExported       = "case.exported"
	ActionAuditExported      = "audit.exported"
)

// Entry is one immutable audit record
type Entry struct {
	ID           int64     `json:"id"`
	TenantID     *string   `json:"tenant_id,omitempty"`
	ActorID      *string   `json:"actor_id,omitempty"`
	Action       string    `json:"action"`
	ResourceType string    `json:"resource_type,omitempty"`
	ResourceID   string    `json:"resource_id,omitempty"`
	Details      string    `json:"details,omitempty"`
	Severity     Severity  `json:"severity"`
	Tags         []string  `json:"tags,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// SearchFilters narrows a search or export. Zero values mean "no filter".
type SearchFilters struct {
	TenantID       string
	ActorID        string
	ActionContains string
	ResourceType   string
	ResourceID     string
	Severity       Severity
	Tags           []string
	From           time.Time
	To             time.Time
	Offset         int
	Limit          int
}

// SearchResult carries one page of matches plus the unpaginated total
type SearchResult struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
}
