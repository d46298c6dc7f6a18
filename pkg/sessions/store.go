package sessions

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/schoolworks/aegis/pkg/storage/postgres"
)

// Store persists session records. Column selection adapts to the schema
// capabilities detected at startup so older deployments keep working.
type Store struct {
	db   *sql.DB
	caps postgres.Capabilities
}

// NewStore creates a session store
func NewStore(conn *postgres.Conn) *Store {
	return &Store{db: conn.DB(), caps: conn.Capabilities()}
}

// NewStoreWithCapabilities creates a store over a raw handle. For tests.
func NewStoreWithCapabilities(db *sql.DB, caps postgres.Capabilities) *Store {
	return &Store{db: db, caps: caps}
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *Store) columns() string {
	cols := "id, account_id, tenant_id, refresh_token_id, ip, user_agent, login_at, logout_at, expires_at, active"
	if s.caps.SessionMetadata {
		cols += ", device_fingerprint, last_seen_at"
	}
	return cols
}

func (s *Store) scan(row interface{ Scan(...interface{}) error }) (*Session, error) {
	var sess Session
	dest := []interface{}{
		&sess.ID, &sess.AccountID, &sess.TenantID, &sess.RefreshTokenID,
		&sess.IP, &sess.UserAgent, &sess.LoginAt, &sess.LogoutAt,
		&sess.ExpiresAt, &sess.Active,
	}
	if s.caps.SessionMetadata {
		dest = append(dest, &sess.DeviceFingerprint, &sess.LastSeenAt)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	return &sess, nil
}

// Insert records a new active session
func (s *Store) Insert(ctx context.Context, q querier, sess *Session) error {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}

	if s.caps.SessionMetadata {
		_, err := q.ExecContext(ctx, `
			INSERT INTO sessions (id, account_id, tenant_id, refresh_token_id, ip, user_agent,
				login_at, expires_at, active, device_fingerprint, last_seen_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE, $9, $7)`,
			sess.ID, sess.AccountID, sess.TenantID, sess.RefreshTokenID,
			sess.IP, sess.UserAgent, sess.LoginAt, sess.ExpiresAt, sess.DeviceFingerprint,
		)
		if err != nil {
			return fmt.Errorf("failed to insert session: %w", err)
		}
		return nil
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO sessions (id, account_id, tenant_id, refresh_token_id, ip, user_agent,
			login_at, expires_at, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE)`,
		sess.ID, sess.AccountID, sess.TenantID, sess.RefreshTokenID,
		sess.IP, sess.UserAgent, sess.LoginAt, sess.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// ListActive returns the active, unexpired sessions for an account ordered
// by most recent login first.
func (s *Store) ListActive(ctx context.Context, accountID string, now time.Time) ([]Session, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM sessions
		WHERE account_id = $1 AND active = TRUE AND expires_at > $2
		ORDER BY login_at DESC`, s.columns())

	rows, err := s.db.QueryContext(ctx, query, accountID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := s.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return out, nil
}

// CloseByTokenID marks the session backed by the given refresh token
// inactive. Used by logout.
func (s *Store) CloseByTokenID(ctx context.Context, q querier, accountID, refreshTokenID string, now time.Time) (int64, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE sessions SET active = FALSE, logout_at = $3
		WHERE account_id = $1 AND refresh_token_id = $2 AND active = TRUE`,
		accountID, refreshTokenID, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to close session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count closed sessions: %w", err)
	}
	return n, nil
}

// RetargetToken moves the active session from the old refresh token to its
// replacement during rotation.
func (s *Store) RetargetToken(ctx context.Context, q querier, accountID, oldTokenID, newTokenID string, now time.Time) error {
	query := `
		UPDATE sessions SET refresh_token_id = $3
		WHERE account_id = $1 AND refresh_token_id = $2 AND active = TRUE`
	args := []interface{}{accountID, oldTokenID, newTokenID}
	if s.caps.SessionMetadata {
		query = `
		UPDATE sessions SET refresh_token_id = $3, last_seen_at = $4
		WHERE account_id = $1 AND refresh_token_id = $2 AND active = TRUE`
		args = append(args, now)
	}

	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to retarget session: %w", err)
	}
	return nil
}

// CloseAllForAccount marks every active session for the account inactive,
// optionally sparing one session id. Returns the number closed.
func (s *Store) CloseAllForAccount(ctx context.Context, q querier, accountID string, exceptSessionID string, now time.Time) (int64, error) {
	var (
		query strings.Builder
		args  []interface{}
	)
	query.WriteString(`UPDATE sessions SET active = FALSE, logout_at = $1 WHERE account_id = $2 AND active = TRUE`)
	args = append(args, now, accountID)
	if exceptSessionID != "" {
		query.WriteString(` AND id <> $3`)
		args = append(args, exceptSessionID)
	}

	res, err := q.ExecContext(ctx, query.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to close sessions for account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count closed sessions: %w", err)
	}
	return n, nil
}

// SweepExpired marks sessions past their expiry inactive
func (s *Store) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET active = FALSE
		WHERE active = TRUE AND expires_at <= $1`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count swept sessions: %w", err)
	}
	return n, nil
}

// ListRecentForAccounts returns sessions that logged in within the window.
// Used by the anomaly scanner.
func (s *Store) ListRecentForAccounts(ctx context.Context, since time.Time, tenantID string) ([]Session, error) {
	query := fmt.Sprintf(`SELECT %s FROM sessions WHERE login_at >= $1`, s.columns())
	args := []interface{}{since}
	if tenantID != "" {
		query += ` AND tenant_id = $2`
		args = append(args, tenantID)
	}
	query += ` ORDER BY account_id, login_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := s.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return out, nil
}
