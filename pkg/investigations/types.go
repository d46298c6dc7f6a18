// Package investigations implements the forensic case workflow: cases,
// notes, evidence links and the audit trail export.
package investigations

import (
	"net/http"
	"time"

	"github.com/schoolworks/aegis/pkg/apperr"
)

// CaseStatus is the case lifecycle state. Transitions are strictly
// forward; there is no path back to an earlier state.
type CaseStatus string

// Case statuses
const (
	StatusOpen          CaseStatus = "open"
	StatusInvestigating CaseStatus = "investigating"
	StatusResolved      CaseStatus = "resolved"
	StatusClosed        CaseStatus = "closed"
)

var statusOrder = map[CaseStatus]int{
	StatusOpen:          0,
	StatusInvestigating: 1,
	StatusResolved:      2,
	StatusClosed:        3,
}

// CanTransition reports whether moving from one status to the next is a
// defined forward step.
func CanTransition(from, to CaseStatus) bool {
	fromOrd, okFrom := statusOrder[from]
	toOrd, okTo := statusOrder[to]
	return okFrom && okTo && toOrd == fromOrd+1
}

// InvalidTransition builds the rejection error for an undefined move
func InvalidTransition(from, to CaseStatus) error {
	return apperr.Newf(apperr.CodeInvalidTransition, http.StatusConflict,
		"cannot move case from %s to %s", from, to)
}

// Priority grades a case
type Priority string

// Case priorities
const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// ValidPriority reports whether p is a known priority
func ValidPriority(p Priority) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// NoteKind types a case note
type NoteKind string

// Note kinds
const (
	NoteKindNote     NoteKind = "note"
	NoteKindFinding  NoteKind = "finding"
	NoteKindEvidence NoteKind = "evidence"
	NoteKindAction   NoteKind = "action"
)

// ValidNoteKind reports whether k is a known note kind
func ValidNoteKind(k NoteKind) bool {
	switch k {
	case NoteKindNote, NoteKindFinding, NoteKindEvidence, NoteKindAction:
		return true
	}
	return false
}

// EvidenceKind types an evidence pointer
type EvidenceKind string

// Evidence kinds
const (
	EvidenceAuditEntry     EvidenceKind = "audit_entry"
	EvidenceSession        EvidenceKind = "session"
	EvidenceLoginAttempt   EvidenceKind = "login_attempt"
	EvidencePasswordChange EvidenceKind = "password_change"
	EvidenceFile           EvidenceKind = "file"
)

// ValidEvidenceKind reports whether k is a known evidence kind
func ValidEvidenceKind(k EvidenceKind) bool {
	switch k {
	case EvidenceAuditEntry, EvidenceSession, EvidenceLoginAttempt, EvidencePasswordChange, EvidenceFile:
		return true
	}
	return false
}

// Case is one tracked investigation
type Case struct {
	ID               string            `json:"id"`
	CaseNumber       string            `json:"case_number"`
	Title            string            `json:"title"`
	Status           CaseStatus        `json:"status"`
	Priority         Priority          `json:"priority"`
	CaseType         string            `json:"case_type,omitempty"`
	RelatedAccountID *string           `json:"related_account_id,omitempty"`
	RelatedTenantID  *string           `json:"related_tenant_id,omitempty"`
	AssigneeID       *string           `json:"assignee_id,omitempty"`
	CreatedBy        string            `json:"created_by"`
	Resolution       string            `json:"resolution,omitempty"`
	ResolutionNotes  string            `json:"resolution_notes,omitempty"`
	ResolvedBy       *string           `json:"resolved_by,omitempty"`
	Tags             []string          `json:"tags,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	OpenedAt         time.Time         `json:"openedAt"`
	InvestigatedAt   *time.Time        `json:"investigatedAt,omitempty"`
	ResolvedAt       *time.Time        `json:"resolvedAt,omitempty"`
	ClosedAt         *time.Time        `json:"closedAt,omitempty"`

	Notes    []Note     `json:"notes,omitempty"`
	Evidence []Evidence `json:"evidence,omitempty"`
}

// Note is free text attached to a case
type Note struct {
	ID        string    `json:"id"`
	CaseID    string    `json:"case_id"`
	Kind      NoteKind  `json:"kind"`
	Body      string    `json:"body"`
	AuthorID  string    `json:"author_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Evidence is a typed pointer to an external record
type Evidence struct {
	ID          string            `json:"id"`
	CaseID      string            `json:"case_id"`
	Kind        EvidenceKind      `json:"kind"`
	RecordID    string            `json:"record_id"`
	Description string            `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	AddedBy     string            `json:"added_by"`
	CreatedAt   time.Time         `json:"created_at"`
}

// ListFilters narrows a case listing
type ListFilters struct {
	Status    CaseStatus
	Priority  Priority
	CaseType  string
	Assignee  string
	TenantID  string
	AccountID string
	Offset    int
	Limit     int
}

// ListResult is one page of cases plus the total match count
type ListResult struct {
	Cases []Case `json:"cases"`
	Total int    `json:"total"`
}

// StatusUpdate carries the fields accepted by a status transition
type StatusUpdate struct {
	Status          CaseStatus `json:"status"`
	Resolution      string     `json:"resolution,omitempty"`
	ResolutionNotes string     `json:"resolution_notes,omitempty"`
}

// CreateRequest carries the fields accepted at case creation
type CreateRequest struct {
	Title            string            `json:"title"`
	Priority         Priority          `json:"priority"`
	CaseType         string            `json:"case_type,omitempty"`
	RelatedAccountID string            `json:"related_account_id,omitempty"`
	RelatedTenantID  string            `json:"related_tenant_id,omitempty"`
	AssigneeID       string            `json:"assignee_id,omitempty"`
	Tags             []string          `json:"tags,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}
