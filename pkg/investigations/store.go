package investigations

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Store persists cases, notes and evidence
type Store struct {
	db *sql.DB
}

// NewStore creates a case store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const caseColumns = `id, case_number, title, status, priority, case_type,
	related_account_id, related_tenant_id, assignee_id, created_by,
	resolution, resolution_notes, resolved_by, tags, metadata,
	opened_at, investigated_at, resolved_at, closed_at`

func scanCase(row interface{ Scan(...interface{}) error }) (*Case, error) {
	var (
		c        Case
		tags     pq.StringArray
		metadata []byte
	)
	err := row.Scan(&c.ID, &c.CaseNumber, &c.Title, &c.Status, &c.Priority, &c.CaseType,
		&c.RelatedAccountID, &c.RelatedTenantID, &c.AssigneeID, &c.CreatedBy,
		&c.Resolution, &c.ResolutionNotes, &c.ResolvedBy, &tags, &metadata,
		&c.OpenedAt, &c.InvestigatedAt, &c.ResolvedAt, &c.ClosedAt)
	if err != nil {
		return nil, err
	}
	c.Tags = tags
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &c.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode case metadata: %w", err)
		}
	}
	return &c, nil
}

// NextCaseNumber allocates the next sequential case number for the day,
// e.g. CASE-20260901-0007.
func (s *Store) NextCaseNumber(ctx context.Context, now time.Time) (string, error) {
	day := now.UTC().Format("20060102")
	prefix := "CASE-" + day + "-"

	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM investigation_cases WHERE case_number LIKE $1`, prefix+"%",
	).Scan(&count)
	if err != nil {
		return "", fmt.Errorf("failed to allocate case number: %w", err)
	}
	return fmt.Sprintf("%s%04d", prefix, count+1), nil
}

// IsUniqueViolation reports whether err is a Postgres unique constraint
// violation.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// Insert creates a case
func (s *Store) Insert(ctx context.Context, c *Case) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	metadata, err := json.Marshal(c.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode case metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO investigation_cases (id, case_number, title, status, priority, case_type,
			related_account_id, related_tenant_id, assignee_id, created_by,
			resolution, resolution_notes, resolved_by, tags, metadata,
			opened_at, investigated_at, resolved_at, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		c.ID, c.CaseNumber, c.Title, c.Status, c.Priority, c.CaseType,
		c.RelatedAccountID, c.RelatedTenantID, c.AssigneeID, c.CreatedBy,
		c.Resolution, c.ResolutionNotes, c.ResolvedBy, pq.Array(c.Tags), metadata,
		c.OpenedAt, c.InvestigatedAt, c.ResolvedAt, c.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert case: %w", err)
	}
	return nil
}

// GetByID returns the bare case row, or nil when absent
func (s *Store) GetByID(ctx context.Context, id string) (*Case, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+caseColumns+` FROM investigation_cases WHERE id = $1`, id)
	c, err := scanCase(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query case: %w", err)
	}
	return c, nil
}

// UpdateStatus applies a validated transition with its stamps
func (s *Store) UpdateStatus(ctx context.Context, c *Case) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE investigation_cases
		SET status = $2, resolution = $3, resolution_notes = $4, resolved_by = $5,
			investigated_at = $6, resolved_at = $7, closed_at = $8
		WHERE id = $1`,
		c.ID, c.Status, c.Resolution, c.ResolutionNotes, c.ResolvedBy,
		c.InvestigatedAt, c.ResolvedAt, c.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update case status: %w", err)
	}
	return nil
}

// List returns one page of cases matching the filters, newest first
func (s *Store) List(ctx context.Context, f ListFilters) (*ListResult, error) {
	var (
		conds []string
		args  []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.Status != "" {
		conds = append(conds, "status = "+arg(string(f.Status)))
	}
	if f.Priority != "" {
		conds = append(conds, "priority = "+arg(string(f.Priority)))
	}
	if f.CaseType != "" {
		conds = append(conds, "case_type = "+arg(f.CaseType))
	}
	if f.Assignee != "" {
		conds = append(conds, "assignee_id = "+arg(f.Assignee))
	}
	if f.TenantID != "" {
		conds = append(conds, "related_tenant_id = "+arg(f.TenantID))
	}
	if f.AccountID != "" {
		conds = append(conds, "related_account_id = "+arg(f.AccountID))
	}

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM investigation_cases"+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count cases: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf("SELECT %s FROM investigation_cases%s ORDER BY opened_at DESC LIMIT %d OFFSET %d",
		caseColumns, where, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list cases: %w", err)
	}
	defer rows.Close()

	var cases []Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan case: %w", err)
		}
		cases = append(cases, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate cases: %w", err)
	}
	return &ListResult{Cases: cases, Total: total}, nil
}

// InsertNote adds a note to a case
func (s *Store) InsertNote(ctx context.Context, n *Note) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO case_notes (id, case_id, kind, body, author_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		n.ID, n.CaseID, n.Kind, n.Body, n.AuthorID, n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert case note: %w", err)
	}
	return nil
}

// ListNotes returns a case's notes oldest first
func (s *Store) ListNotes(ctx context.Context, caseID string) ([]Note, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, case_id, kind, body, author_id, created_at
		FROM case_notes WHERE case_id = $1 ORDER BY created_at ASC`,
		caseID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list case notes: %w", err)
	}
	defer rows.Close()

	var out []Note
	for rows.Next() {
		var n Note
		if err := rows.Scan(&n.ID, &n.CaseID, &n.Kind, &n.Body, &n.AuthorID, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan case note: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate case notes: %w", err)
	}
	return out, nil
}

// InsertEvidence links an external record to a case
func (s *Store) InsertEvidence(ctx context.Context, e *Evidence) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode evidence metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO case_evidence (id, case_id, kind, record_id, description, metadata, added_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.CaseID, e.Kind, e.RecordID, e.Description, metadata, e.AddedBy, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert case evidence: %w", err)
	}
	return nil
}

// ListEvidence returns a case's evidence oldest first
func (s *Store) ListEvidence(ctx context.Context, caseID string) ([]Evidence, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, case_id, kind, record_id, description, metadata, added_by, created_at
		FROM case_evidence WHERE case_id = $1 ORDER BY created_at ASC`,
		caseID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list case evidence: %w", err)
	}
	defer rows.Close()

	var out []Evidence
	for rows.Next() {
		var (
			e        Evidence
			metadata []byte
		)
		if err := rows.Scan(&e.ID, &e.CaseID, &e.Kind, &e.RecordID, &e.Description,
			&metadata, &e.AddedBy, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan case evidence: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode evidence metadata: %w", err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate case evidence: %w", err)
	}
	return out, nil
}
