package investigations

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/schoolworks/aegis/pkg/apperr"
	"github.com/schoolworks/aegis/pkg/audit"
	"github.com/schoolworks/aegis/pkg/observability"
	"github.com/schoolworks/aegis/pkg/storage/postgres"
)

// Actor identifies who is operating on cases. Every mutation requires a
// privileged actor; reads are open to any authenticated caller with the
// cases permission, which the transport layer enforces.
type Actor struct {
	ID         string
	Privileged bool
}

func (a Actor) requirePrivileged() error {
	if !a.Privileged {
		return apperr.ErrForbidden
	}
	return nil
}

// AuditReader is the read side of the audit trail the export needs.
// Satisfied by *audit.Store.
type AuditReader interface {
	GetByIDs(ctx context.Context, ids []int64) ([]audit.Entry, error)
	Stream(ctx context.Context, f audit.SearchFilters, fn func(audit.Entry) error) error
}

// Manager implements the investigation case workflow over the store
type Manager struct {
	store    *Store
	auditLog *audit.Log
	reader   AuditReader
	caps     postgres.Capabilities
	logger   *observability.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

// NewManager creates the case manager. metrics may be nil.
func NewManager(store *Store, auditLog *audit.Log, reader AuditReader, caps postgres.Capabilities,
	logger *observability.Logger, metrics *observability.Metrics) *Manager {
	return &Manager{
		store:    store,
		auditLog: auditLog,
		reader:   reader,
		caps:     caps,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
	}
}

// caseNumberRetries bounds reallocation attempts when concurrent creates
// collide on the same case number.
const caseNumberRetries = 3

// CreateCase opens a new case in the open state
func (m *Manager) CreateCase(ctx context.Context, actor Actor, req CreateRequest) (*Case, error) {
	if err := actor.requirePrivileged(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Title) == "" {
		return nil, apperr.Validation("title", "title is required")
	}
	if req.Priority == "" {
		req.Priority = PriorityMedium
	}
	if !ValidPriority(req.Priority) {
		return nil, apperr.Validation("priority", "unknown priority")
	}

	now := m.now().UTC()

	// Two concurrent creates can allocate the same day sequence number;
	// the loser hits the case_number unique constraint and reallocates.
	var c *Case
	for attempt := 0; ; attempt++ {
		number, err := m.store.NextCaseNumber(ctx, now)
		if err != nil {
			return nil, err
		}

		c = &Case{
			CaseNumber: number,
			Title:      strings.TrimSpace(req.Title),
			Status:     StatusOpen,
			Priority:   req.Priority,
			CaseType:   req.CaseType,
			CreatedBy:  actor.ID,
			Tags:       req.Tags,
			Metadata:   req.Metadata,
			OpenedAt:   now,
		}
		if req.RelatedAccountID != "" {
			c.RelatedAccountID = &req.RelatedAccountID
		}
		if req.RelatedTenantID != "" {
			c.RelatedTenantID = &req.RelatedTenantID
		}
		if req.AssigneeID != "" {
			c.AssigneeID = &req.AssigneeID
		}

		err = m.store.Insert(ctx, c)
		if err == nil {
			break
		}
		if IsUniqueViolation(err) && attempt < caseNumberRetries {
			continue
		}
		return nil, err
	}

	if err := m.auditLog.Append(ctx, &audit.Entry{
		TenantID:     c.RelatedTenantID,
		ActorID:      &actor.ID,
		Action:       audit.ActionCaseCreated,
		ResourceType: "investigation_case",
		ResourceID:   c.ID,
		Details:      fmt.Sprintf("case %s opened: %s", c.CaseNumber, c.Title),
		Severity:     audit.SeverityWarning,
	}); err != nil {
		return nil, err
	}

	m.logger.WithFields(map[string]interface{}{
		"case_id":     c.ID,
		"case_number": c.CaseNumber,
		"priority":    string(c.Priority),
	}).Info("investigation case opened")
	return c, nil
}

// UpdateStatus moves a case one step forward in its lifecycle, stamping
// the timestamp for the state it enters. Moves that skip a state or go
// backwards are rejected.
func (m *Manager) UpdateStatus(ctx context.Context, actor Actor, caseID string, upd StatusUpdate) (*Case, error) {
	if err := actor.requirePrivileged(); err != nil {
		return nil, err
	}

	c, err := m.store.GetByID(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, apperr.ErrNotFound
	}
	if !CanTransition(c.Status, upd.Status) {
		return nil, InvalidTransition(c.Status, upd.Status)
	}

	now := m.now().UTC()
	from := c.Status
	c.Status = upd.Status

	switch upd.Status {
	case StatusInvestigating:
		c.InvestigatedAt = &now
	case StatusResolved:
		if strings.TrimSpace(upd.Resolution) == "" {
			return nil, apperr.Validation("resolution", "a resolution is required to resolve a case")
		}
		c.Resolution = upd.Resolution
		c.ResolutionNotes = upd.ResolutionNotes
		c.ResolvedBy = &actor.ID
		c.ResolvedAt = &now
	case StatusClosed:
		c.ClosedAt = &now
	}

	if err := m.store.UpdateStatus(ctx, c); err != nil {
		return nil, err
	}

	if err := m.auditLog.Append(ctx, &audit.Entry{
		TenantID:     c.RelatedTenantID,
		ActorID:      &actor.ID,
		Action:       audit.ActionCaseStatusChanged,
		ResourceType: "investigation_case",
		ResourceID:   c.ID,
		Details:      fmt.Sprintf("case %s moved from %s to %s", c.CaseNumber, from, c.Status),
		Severity:     audit.SeverityWarning,
	}); err != nil {
		return nil, err
	}

	if m.metrics != nil {
		m.metrics.CaseTransitionsTotal.WithLabelValues(string(c.Status)).Inc()
	}
	return c, nil
}

// AddNote appends a note to a case
func (m *Manager) AddNote(ctx context.Context, actor Actor, caseID string, kind NoteKind, body string) (*Note, error) {
	if err := actor.requirePrivileged(); err != nil {
		return nil, err
	}
	if kind == "" {
		kind = NoteKindNote
	}
	if !ValidNoteKind(kind) {
		return nil, apperr.Validation("kind", "unknown note kind")
	}
	if strings.TrimSpace(body) == "" {
		return nil, apperr.Validation("body", "note body is required")
	}

	c, err := m.store.GetByID(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, apperr.ErrNotFound
	}

	n := &Note{
		CaseID:    caseID,
		Kind:      kind,
		Body:      body,
		AuthorID:  actor.ID,
		CreatedAt: m.now().UTC(),
	}
	if err := m.store.InsertNote(ctx, n); err != nil {
		return nil, err
	}

	if err := m.auditLog.Append(ctx, &audit.Entry{
		TenantID:     c.RelatedTenantID,
		ActorID:      &actor.ID,
		Action:       audit.ActionCaseNoteAdded,
		ResourceType: "investigation_case",
		ResourceID:   c.ID,
		Details:      fmt.Sprintf("%s note added to case %s", kind, c.CaseNumber),
	}); err != nil {
		return nil, err
	}
	return n, nil
}

// AddEvidence links an external record to a case. Requires the
// case_evidence table, present from schema v5.
func (m *Manager) AddEvidence(ctx context.Context, actor Actor, caseID string, ev Evidence) (*Evidence, error) {
	if err := actor.requirePrivileged(); err != nil {
		return nil, err
	}
	if !m.caps.CaseEvidence {
		return nil, apperr.Newf(apperr.CodeValidationError, http.StatusUnprocessableEntity,
			"evidence links require schema version 5, database is at %d", m.caps.SchemaVersion)
	}
	if !ValidEvidenceKind(ev.Kind) {
		return nil, apperr.Validation("kind", "unknown evidence kind")
	}
	if strings.TrimSpace(ev.RecordID) == "" {
		return nil, apperr.Validation("record_id", "record_id is required")
	}

	c, err := m.store.GetByID(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, apperr.ErrNotFound
	}

	ev.CaseID = caseID
	ev.AddedBy = actor.ID
	ev.CreatedAt = m.now().UTC()
	if err := m.store.InsertEvidence(ctx, &ev); err != nil {
		return nil, err
	}

	if err := m.auditLog.Append(ctx, &audit.Entry{
		TenantID:     c.RelatedTenantID,
		ActorID:      &actor.ID,
		Action:       audit.ActionCaseEvidenceLinked,
		ResourceType: "investigation_case",
		ResourceID:   c.ID,
		Details:      fmt.Sprintf("%s evidence %s linked to case %s", ev.Kind, ev.RecordID, c.CaseNumber),
	}); err != nil {
		return nil, err
	}
	return &ev, nil
}

// GetCase returns a case with its notes and, schema permitting, evidence
func (m *Manager) GetCase(ctx context.Context, caseID string) (*Case, error) {
	c, err := m.store.GetByID(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, apperr.ErrNotFound
	}

	if c.Notes, err = m.store.ListNotes(ctx, caseID); err != nil {
		return nil, err
	}
	if m.caps.CaseEvidence {
		if c.Evidence, err = m.store.ListEvidence(ctx, caseID); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// ListCases returns one page of cases matching the filters
func (m *Manager) ListCases(ctx context.Context, f ListFilters) (*ListResult, error) {
	return m.store.List(ctx, f)
}

// auditTrailReport is the exported shape: the case with its attachments
// plus every audit entry tied to it, as one flat document.
type auditTrailReport struct {
	GeneratedAt time.Time     `json:"generated_at"`
	Case        *Case         `json:"case"`
	AuditTrail  []audit.Entry `json:"audit_trail"`
}

// ExportAuditTrail writes the case's full audit trail to w: the entries
// its evidence points at, plus every entry recorded for the related
// account and tenant, deduplicated and ordered oldest first.
func (m *Manager) ExportAuditTrail(ctx context.Context, actor Actor, caseID string, format string, w io.Writer) (string, error) {
	f, err := audit.ParseFormat(format)
	if err != nil {
		return "", err
	}

	c, err := m.GetCase(ctx, caseID)
	if err != nil {
		return "", err
	}

	entries, err := m.collectTrail(ctx, c)
	if err != nil {
		return "", err
	}

	report := auditTrailReport{GeneratedAt: m.now().UTC(), Case: c, AuditTrail: entries}
	switch f {
	case audit.FormatCSV:
		err = writeTrailCSV(w, report)
	default:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		err = enc.Encode(report)
	}
	if err != nil {
		return "", fmt.Errorf("failed to write case export: %w", err)
	}

	m.auditLog.AppendBestEffort(ctx, &audit.Entry{
		TenantID:     c.RelatedTenantID,
		ActorID:      &actor.ID,
		Action:       audit.ActionCaseExported,
		ResourceType: "investigation_case",
		ResourceID:   c.ID,
		Details:      fmt.Sprintf("case %s audit trail exported as %s", c.CaseNumber, f),
	})
	return f.ContentType(), nil
}

func (m *Manager) collectTrail(ctx context.Context, c *Case) ([]audit.Entry, error) {
	seen := make(map[int64]bool)
	var entries []audit.Entry
	add := func(e audit.Entry) {
		if !seen[e.ID] {
			seen[e.ID] = true
			entries = append(entries, e)
		}
	}

	var evidenceIDs []int64
	for _, ev := range c.Evidence {
		if ev.Kind != EvidenceAuditEntry {
			continue
		}
		var id int64
		if _, err := fmt.Sscanf(ev.RecordID, "%d", &id); err != nil {
			m.logger.WithField("record_id", ev.RecordID).Warn("skipping non-numeric audit evidence reference")
			continue
		}
		evidenceIDs = append(evidenceIDs, id)
	}
	referenced, err := m.reader.GetByIDs(ctx, evidenceIDs)
	if err != nil {
		return nil, err
	}
	for _, e := range referenced {
		add(e)
	}

	if c.RelatedAccountID != nil {
		err := m.reader.Stream(ctx, audit.SearchFilters{ActorID: *c.RelatedAccountID}, func(e audit.Entry) error {
			add(e)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	if c.RelatedTenantID != nil {
		err := m.reader.Stream(ctx, audit.SearchFilters{TenantID: *c.RelatedTenantID}, func(e audit.Entry) error {
			add(e)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries, nil
}

func writeTrailCSV(w io.Writer, report auditTrailReport) error {
	cw := csv.NewWriter(w)

	caseHeader := []string{"case_number", "title", "status", "priority", "resolution", "opened_at", "resolved_at", "closed_at"}
	if err := cw.Write(caseHeader); err != nil {
		return err
	}
	c := report.Case
	if err := cw.Write([]string{
		c.CaseNumber, c.Title, string(c.Status), string(c.Priority), c.Resolution,
		c.OpenedAt.UTC().Format(time.RFC3339), formatStamp(c.ResolvedAt), formatStamp(c.ClosedAt),
	}); err != nil {
		return err
	}
	if err := cw.Write([]string{}); err != nil {
		return err
	}

	if err := cw.Write([]string{"id", "created_at", "tenant_id", "actor_id", "action", "resource_type", "resource_id", "severity", "details"}); err != nil {
		return err
	}
	for _, e := range report.AuditTrail {
		tenant, actorID := "", ""
		if e.TenantID != nil {
			tenant = *e.TenantID
		}
		if e.ActorID != nil {
			actorID = *e.ActorID
		}
		if err := cw.Write([]string{
			fmt.Sprintf("%d", e.ID), e.CreatedAt.UTC().Format(time.RFC3339),
			tenant, actorID, e.Action, e.ResourceType, e.ResourceID, string(e.Severity), e.Details,
		}); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

func formatStamp(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
