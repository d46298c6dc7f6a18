package accounts

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/schoolworks/aegis/pkg/permissions"
)

// Store persists accounts, login attempts and password change history
type Store struct {
	db *sql.DB
}

// NewStore creates an account store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the handle for transactional composition with other stores
func (s *Store) DB() *sql.DB {
	return s.db
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

const accountColumns = `id, email, primary_role, additional_roles, tenant_id, status, email_verified, password_hash, created_at, updated_at`

func scanAccount(row interface{ Scan(...interface{}) error }) (*Account, error) {
	var a Account
	var roles pq.StringArray
	err := row.Scan(&a.ID, &a.Email, &a.PrimaryRole, &roles, &a.TenantID,
		&a.Status, &a.EmailVerified, &a.PasswordHash, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	for _, r := range roles {
		a.AdditionalRoles = append(a.AdditionalRoles, permissions.Role(r))
	}
	return &a, nil
}

// GetByEmail looks up an account by email, case-insensitively. Returns nil
// when no account matches.
func (s *Store) GetByEmail(ctx context.Context, email string) (*Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE LOWER(email) = LOWER($1)`, email)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query account by email: %w", err)
	}
	return a, nil
}

// GetByID looks up an account by id. Returns nil when no account matches.
func (s *Store) GetByID(ctx context.Context, id string) (*Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query account by id: %w", err)
	}
	return a, nil
}

// Insert creates an account. Duplicate emails surface as a unique
// constraint violation the service maps to DUPLICATE_EMAIL.
func (s *Store) Insert(ctx context.Context, a *Account) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := time.Now()
	a.CreatedAt = now
	a.UpdatedAt = now

	roles := make([]string, len(a.AdditionalRoles))
	for i, r := range a.AdditionalRoles {
		roles[i] = string(r)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, email, primary_role, additional_roles, tenant_id, status, email_verified, password_hash, created_at, updated_at)
		VALUES ($1, LOWER($2), $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.Email, a.PrimaryRole, pq.Array(roles), a.TenantID,
		a.Status, a.EmailVerified, a.PasswordHash, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert account: %w", err)
	}
	return nil
}

// IsUniqueViolation reports whether err is a PostgreSQL unique constraint
// violation.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	for err != nil {
		var ok bool
		if pqErr, ok = err.(*pq.Error); ok {
			return pqErr.Code == "23505"
		}
		type unwrapper interface{ Unwrap() error }
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// UpdateStatus moves the account to a new lifecycle state
func (s *Store) UpdateStatus(ctx context.Context, q querier, accountID string, status Status, now time.Time) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE accounts SET status = $2, updated_at = $3 WHERE id = $1`,
		accountID, status, now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update account status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to confirm status update: %w", err)
	}
	return n > 0, nil
}

// UpdatePasswordHash replaces the stored hash
func (s *Store) UpdatePasswordHash(ctx context.Context, q querier, accountID, hash string, now time.Time) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE accounts SET password_hash = $2, updated_at = $3 WHERE id = $1`,
		accountID, hash, now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update password hash: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to confirm password update: %w", err)
	}
	return n > 0, nil
}

// MarkEmailVerified flips the verified flag and activates pending accounts
func (s *Store) MarkEmailVerified(ctx context.Context, accountID string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET email_verified = TRUE,
			status = CASE WHEN status = 'pending' THEN 'active' ELSE status END,
			updated_at = $2
		WHERE id = $1`,
		accountID, now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark email verified: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to confirm email verification: %w", err)
	}
	return n > 0, nil
}

// RecordLoginAttempt writes one login attempt row
func (s *Store) RecordLoginAttempt(ctx context.Context, attempt *LoginAttempt) error {
	if attempt.ID == "" {
		attempt.ID = uuid.NewString()
	}
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO login_attempts (id, account_id, email, ip, user_agent, success, reason, created_at)
		VALUES ($1, $2, LOWER($3), $4, $5, $6, $7, $8)`,
		attempt.ID, attempt.AccountID, attempt.Email, attempt.IP,
		attempt.UserAgent, attempt.Success, attempt.Reason, attempt.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record login attempt: %w", err)
	}
	return nil
}

// ListFailedAttemptsSince returns failed login attempts in the window,
// optionally scoped to a tenant via the owning account.
func (s *Store) ListFailedAttemptsSince(ctx context.Context, since time.Time, tenantID string) ([]LoginAttempt, error) {
	var (
		query strings.Builder
		args  []interface{}
	)
	query.WriteString(`
		SELECT la.id, la.account_id, la.email, la.ip, la.user_agent, la.success, la.reason, la.created_at
		FROM login_attempts la`)
	args = append(args, since)
	if tenantID != "" {
		query.WriteString(` JOIN accounts a ON a.id = la.account_id WHERE la.success = FALSE AND la.created_at >= $1 AND a.tenant_id = $2`)
		args = append(args, tenantID)
	} else {
		query.WriteString(` WHERE la.success = FALSE AND la.created_at >= $1`)
	}
	query.WriteString(` ORDER BY la.created_at DESC`)

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed login attempts: %w", err)
	}
	defer rows.Close()

	var out []LoginAttempt
	for rows.Next() {
		var la LoginAttempt
		if err := rows.Scan(&la.ID, &la.AccountID, &la.Email, &la.IP,
			&la.UserAgent, &la.Success, &la.Reason, &la.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan login attempt: %w", err)
		}
		out = append(out, la)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate login attempts: %w", err)
	}
	return out, nil
}

// RecordPasswordChange appends a password change history row
func (s *Store) RecordPasswordChange(ctx context.Context, q querier, change *PasswordChange) error {
	if change.ID == "" {
		change.ID = uuid.NewString()
	}
	if change.CreatedAt.IsZero() {
		change.CreatedAt = time.Now()
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO password_change_history (id, account_id, changed_by, kind, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		change.ID, change.AccountID, change.ChangedBy, change.Kind, change.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record password change: %w", err)
	}
	return nil
}
