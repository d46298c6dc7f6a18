// Package anomaly implements batch heuristics over login attempts,
// sessions and audit entries. Scans are deterministic over their input
// snapshot and produce bounded evidence samples for human review.
package anomaly

import "time"

// Rule names a detection heuristic
type Rule string

// Detection rules
const (
	RuleFailedLogins    Rule = "failed_login_clustering"
	RuleMultipleIPs     Rule = "multiple_ip_sessions"
	RuleUnusualActivity Rule = "unusual_activity"
)

// FindingSeverity grades a finding
type FindingSeverity string

// Finding severities
const (
	SeverityLow    FindingSeverity = "low"
	SeverityMedium FindingSeverity = "medium"
	SeverityHigh   FindingSeverity = "high"
)

// EvidenceKind names the record type an evidence reference points at
type EvidenceKind string

// Evidence kinds
const (
	EvidenceLoginAttempt EvidenceKind = "login_attempt"
	EvidenceSession      EvidenceKind = "session"
	EvidenceAuditEntry   EvidenceKind = "audit_entry"
)

// EvidenceRef points at one concrete record backing a finding
type EvidenceRef struct {
	Kind EvidenceKind `json:"kind"`
	ID   string       `json:"id"`
}

// maxEvidence bounds the evidence sample per finding
const maxEvidence = 10

// Finding is one flagged anomaly
type Finding struct {
	Rule      Rule            `json:"rule"`
	Severity  FindingSeverity `json:"severity"`
	AccountID string          `json:"account_id,omitempty"`
	Email     string          `json:"email,omitempty"`
	Count     int             `json:"count"`
	Detail    string          `json:"detail"`
	Evidence  []EvidenceRef   `json:"evidence"`
}

// ScanRequest scopes a scan
type ScanRequest struct {
	Window   time.Duration `json:"window"`
	TenantID string        `json:"tenant_id,omitempty"`
}

// ScanResult is the outcome of one scan
type ScanResult struct {
	ScannedAt time.Time     `json:"scanned_at"`
	Window    time.Duration `json:"window"`
	TenantID  string        `json:"tenant_id,omitempty"`
	Findings  []Finding     `json:"findings"`
}

// Thresholds hold the rule cut-offs. The zero value is unusable; use
// DefaultThresholds and override from configuration where needed.
type Thresholds struct {
	FailedLoginLow  int
	FailedLoginMed  int
	FailedLoginHigh int
	DistinctIPMed   int
	DistinctIPHigh  int
	WarnEntriesMed  int
	WarnEntriesHigh int
}

// DefaultThresholds returns the standard rule cut-offs
func DefaultThresholds() Thresholds {
	return Thresholds{
		FailedLoginLow:  5,
		FailedLoginMed:  7,
		FailedLoginHigh: 10,
		DistinctIPMed:   3,
		DistinctIPHigh:  5,
		WarnEntriesMed:  10,
		WarnEntriesHigh: 20,
	}
}
