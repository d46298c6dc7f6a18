package permissions

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store persists permission overrides
type Store struct {
	db *sql.DB
}

// NewStore creates an override store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// ListLiveForAccount returns the overrides in effect for the account at the
// given instant. Expired rows are filtered at read time, never eagerly
// deleted.
func (s *Store) ListLiveForAccount(ctx context.Context, accountID string, now time.Time) ([]Override, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, permission, granted, reason, expires_at, created_by, created_at
		FROM permission_overrides
		WHERE account_id = $1 AND (expires_at IS NULL OR expires_at > $2)`,
		accountID, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list permission overrides: %w", err)
	}
	defer rows.Close()

	var out []Override
	for rows.Next() {
		var o Override
		if err := rows.Scan(&o.ID, &o.AccountID, &o.Permission, &o.Granted,
			&o.Reason, &o.ExpiresAt, &o.CreatedBy, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan permission override: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate permission overrides: %w", err)
	}
	return out, nil
}

// Upsert replaces any existing override for (account, permission) with the
// new one, keeping the one-live-row invariant.
func (s *Store) Upsert(ctx context.Context, o *Override) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO permission_overrides (id, account_id, permission, granted, reason, expires_at, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (account_id, permission) DO UPDATE SET
			granted = EXCLUDED.granted,
			reason = EXCLUDED.reason,
			expires_at = EXCLUDED.expires_at,
			created_by = EXCLUDED.created_by,
			created_at = EXCLUDED.created_at`,
		o.ID, o.AccountID, o.Permission, o.Granted, o.Reason, o.ExpiresAt, o.CreatedBy, o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert permission override: %w", err)
	}
	return nil
}

// Delete removes the override for (account, permission). Missing rows are a
// no-op.
func (s *Store) Delete(ctx context.Context, accountID, permission string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM permission_overrides WHERE account_id = $1 AND permission = $2`,
		accountID, permission,
	)
	if err != nil {
		return fmt.Errorf("failed to delete permission override: %w", err)
	}
	return nil
}

// PurgeExpired removes overrides whose expiry passed before the cutoff.
// Resolution never depends on this; it only keeps the table small.
func (s *Store) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM permission_overrides WHERE expires_at IS NOT NULL AND expires_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired overrides: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count purged overrides: %w", err)
	}
	return n, nil
}
