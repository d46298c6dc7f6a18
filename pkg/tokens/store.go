package tokens

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store persists refresh token records
type Store struct {
	db *sql.DB
}

// NewStore creates a refresh token store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// BeginTx starts a transaction on the underlying database
func (s *Store) BeginTx(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return tx, nil
}

// Insert persists a new refresh token record
func (s *Store) Insert(ctx context.Context, q querier, token RefreshToken) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO refresh_tokens (id, account_id, token_hash, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)`,
		token.ID, token.AccountID, token.TokenHash, token.IssuedAt, token.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert refresh token: %w", err)
	}
	return nil
}

// GetByHash looks up a refresh token by its hash regardless of state
func (s *Store) GetByHash(ctx context.Context, q querier, hash string) (*RefreshToken, error) {
	var t RefreshToken
	err := q.QueryRowContext(ctx, `
		SELECT id, account_id, token_hash, issued_at, expires_at, revoked_at
		FROM refresh_tokens
		WHERE token_hash = $1`,
		hash,
	).Scan(&t.ID, &t.AccountID, &t.TokenHash, &t.IssuedAt, &t.ExpiresAt, &t.RevokedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query refresh token: %w", err)
	}
	return &t, nil
}

// RevokeLive revokes the token with the given hash only if it is still live.
// It returns the revoked token, or nil when the token was already revoked,
// expired or unknown. This conditional update is what makes rotation
// single-use under concurrency.
func (s *Store) RevokeLive(ctx context.Context, q querier, hash string, now time.Time) (*RefreshToken, error) {
	var t RefreshToken
	err := q.QueryRowContext(ctx, `
		UPDATE refresh_tokens
		SET revoked_at = $2
		WHERE token_hash = $1 AND revoked_at IS NULL AND expires_at > $2
		RETURNING id, account_id, token_hash, issued_at, expires_at, revoked_at`,
		hash, now,
	).Scan(&t.ID, &t.AccountID, &t.TokenHash, &t.IssuedAt, &t.ExpiresAt, &t.RevokedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	return &t, nil
}

// Revoke marks the token with the given hash revoked regardless of expiry
func (s *Store) Revoke(ctx context.Context, q querier, hash string, now time.Time) error {
	_, err := q.ExecContext(ctx, `
		UPDATE refresh_tokens SET revoked_at = $2
		WHERE token_hash = $1 AND revoked_at IS NULL`,
		hash, now,
	)
	if err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	return nil
}

// RevokeAllForAccount revokes every live refresh token owned by the account
// and returns how many were revoked.
func (s *Store) RevokeAllForAccount(ctx context.Context, q querier, accountID string, now time.Time) (int64, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE refresh_tokens SET revoked_at = $2
		WHERE account_id = $1 AND revoked_at IS NULL`,
		accountID, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke refresh tokens for account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count revoked refresh tokens: %w", err)
	}
	return n, nil
}

// DeleteExpiredBefore removes refresh tokens whose expiry is older than the
// cutoff. Used by the janitor.
func (s *Store) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired refresh tokens: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted refresh tokens: %w", err)
	}
	return n, nil
}

// newID generates a record id
func newID() string {
	return uuid.NewString()
}
