package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// Store persists audit entries. The table is insert-only; there is no
// update path by construction.
type Store struct {
	db *sql.DB
}

// NewStore creates an audit store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Insert writes an entry and fills in its assigned id
func (s *Store) Insert(ctx context.Context, e *Entry) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO audit_logs (tenant_id, actor_id, action, resource_type, resource_id, details, severity, tags, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		e.TenantID, e.ActorID, e.Action, e.ResourceType, e.ResourceID,
		e.Details, e.Severity, pq.Array(e.Tags), e.CreatedAt,
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// buildWhere translates filters into a WHERE clause and its arguments
func buildWhere(f SearchFilters) (string, []interface{}) {
	var (
		conds []string
		args  []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.TenantID != "" {
		conds = append(conds, "tenant_id = "+arg(f.TenantID))
	}
	if f.ActorID != "" {
		conds = append(conds, "actor_id = "+arg(f.ActorID))
	}
	if f.ActionContains != "" {
		conds = append(conds, "action ILIKE "+arg("%"+f.ActionContains+"%"))
	}
	if f.ResourceType != "" {
		conds = append(conds, "resource_type = "+arg(f.ResourceType))
	}
	if f.ResourceID != "" {
		conds = append(conds, "resource_id = "+arg(f.ResourceID))
	}
	if f.Severity != "" {
		conds = append(conds, "severity = "+arg(string(f.Severity)))
	}
	if len(f.Tags) > 0 {
		// Tag intersection: the entry must carry every requested tag
		conds = append(conds, "tags @> "+arg(pq.Array(f.Tags)))
	}
	if !f.From.IsZero() {
		conds = append(conds, "created_at >= "+arg(f.From))
	}
	if !f.To.IsZero() {
		conds = append(conds, "created_at <= "+arg(f.To))
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Search returns one page of matching entries, newest first, plus the
// total match count.
func (s *Store) Search(ctx context.Context, f SearchFilters) (*SearchResult, error) {
	where, args := buildWhere(f)

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_logs"+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count audit entries: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(
		"SELECT id, tenant_id, actor_id, action, resource_type, resource_id, details, severity, tags, created_at FROM audit_logs%s ORDER BY created_at DESC, id DESC LIMIT %d OFFSET %d",
		where, limit, f.Offset,
	)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search audit entries: %w", err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	return &SearchResult{Entries: entries, Total: total}, nil
}

// Stream walks the full filtered set newest first, invoking fn per entry.
// Used by export so large result sets never buffer entirely in memory.
func (s *Store) Stream(ctx context.Context, f SearchFilters, fn func(Entry) error) error {
	where, args := buildWhere(f)
	query := "SELECT id, tenant_id, actor_id, action, resource_type, resource_id, details, severity, tags, created_at FROM audit_logs" +
		where + " ORDER BY created_at DESC, id DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to stream audit entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return err
		}
		if err := fn(*e); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate audit entries: %w", err)
	}
	return nil
}

// ListBefore returns entries older than the cutoff, oldest first, capped at
// limit. Used by the retention archiver.
func (s *Store) ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, actor_id, action, resource_type, resource_id, details, severity, tags, created_at
		FROM audit_logs
		WHERE created_at < $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2`,
		cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired audit entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// GetByIDs returns the entries with the given ids, oldest first. Missing
// ids are skipped, not errors.
func (s *Store) GetByIDs(ctx context.Context, ids []int64) ([]Entry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, actor_id, action, resource_type, resource_id, details, severity, tags, created_at
		FROM audit_logs WHERE id = ANY($1)
		ORDER BY created_at ASC, id ASC`,
		pq.Array(ids),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load audit entries by id: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// DeleteByIDs removes the given entries. Only the retention path may call
// this, and only after a successful archive.
func (s *Store) DeleteByIDs(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_logs WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return 0, fmt.Errorf("failed to delete archived audit entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted audit entries: %w", err)
	}
	return n, nil
}

// severitiesAtLeast expands a minimum severity into the matching set
func severitiesAtLeast(min Severity) []string {
	switch min {
	case SeverityCritical:
		return []string{string(SeverityCritical)}
	case SeverityError:
		return []string{string(SeverityError), string(SeverityCritical)}
	case SeverityWarning:
		return []string{string(SeverityWarning), string(SeverityError), string(SeverityCritical)}
	default:
		return []string{string(SeverityInfo), string(SeverityWarning), string(SeverityError), string(SeverityCritical)}
	}
}

// CountRecentBySeverity counts entries per actor at or above the given
// severity within the window. Used by the anomaly scanner.
func (s *Store) CountRecentBySeverity(ctx context.Context, min Severity, since time.Time, tenantID string) (map[string]int, error) {
	query := `
		SELECT actor_id, COUNT(*) FROM audit_logs
		WHERE severity = ANY($1) AND created_at >= $2 AND actor_id IS NOT NULL`
	args := []interface{}{pq.Array(severitiesAtLeast(min)), since}
	if tenantID != "" {
		query += ` AND tenant_id = $3`
		args = append(args, tenantID)
	}
	query += ` GROUP BY actor_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count audit entries by actor: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var actor string
		var count int
		if err := rows.Scan(&actor, &count); err != nil {
			return nil, fmt.Errorf("failed to scan audit count: %w", err)
		}
		out[actor] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit counts: %w", err)
	}
	return out, nil
}

// RecentIDsForActor returns up to limit entry ids for an actor within the
// window, newest first. Used to build anomaly evidence samples.
func (s *Store) RecentIDsForActor(ctx context.Context, actorID string, min Severity, since time.Time, limit int) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM audit_logs
		WHERE actor_id = $1 AND severity = ANY($2) AND created_at >= $3
		ORDER BY created_at DESC LIMIT $4`,
		actorID, pq.Array(severitiesAtLeast(min)), since, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entry ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit entry ids: %w", err)
	}
	return ids, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	if err := row.Scan(&e.ID, &e.TenantID, &e.ActorID, &e.Action, &e.ResourceType,
		&e.ResourceID, &e.Details, &e.Severity, pq.Array(&e.Tags), &e.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to scan audit entry: %w", err)
	}
	return &e, nil
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit entries: %w", err)
	}
	return out, nil
}
