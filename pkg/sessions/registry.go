package sessions

import (
	"context"
	"database/sql"
	"time"

	"github.com/schoolworks/aegis/pkg/observability"
)

// Registry is the session-facing API used by login, logout and the admin
// session endpoints.
type Registry struct {
	store      *Store
	sessionTTL time.Duration
	metrics    *observability.Metrics
	now        func() time.Time
}

// NewRegistry creates a session registry. metrics may be nil.
func NewRegistry(store *Store, sessionTTL time.Duration, metrics *observability.Metrics) *Registry {
	return &Registry{
		store:      store,
		sessionTTL: sessionTTL,
		metrics:    metrics,
		now:        time.Now,
	}
}

// RecordLogin creates an active session tied to the refresh token issued by
// the same login. Runs on the given querier so callers can include it in the
// login transaction.
func (r *Registry) RecordLogin(ctx context.Context, q querier, accountID string, tenantID *string, refreshTokenID string, reqCtx RequestContext) (*Session, error) {
	if q == nil {
		q = r.store.db
	}
	now := r.now()

	sess := &Session{
		AccountID:      accountID,
		TenantID:       tenantID,
		RefreshTokenID: refreshTokenID,
		IP:             reqCtx.IP,
		UserAgent:      reqCtx.UserAgent,
		LoginAt:        now,
		ExpiresAt:      now.Add(r.sessionTTL),
		Active:         true,
	}
	if reqCtx.DeviceFingerprint != "" {
		fp := reqCtx.DeviceFingerprint
		sess.DeviceFingerprint = &fp
	}

	if err := r.store.Insert(ctx, q, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// RecordLogout closes the session backed by the given refresh token.
// Logging out an already closed session is a no-op.
func (r *Registry) RecordLogout(ctx context.Context, accountID, refreshTokenID string) error {
	_, err := r.store.CloseByTokenID(ctx, r.store.db, accountID, refreshTokenID, r.now())
	return err
}

// TouchOnRotate moves the session record to the replacement refresh token
// inside the rotation transaction. Satisfies the token service's rotation
// hook.
func (r *Registry) TouchOnRotate(ctx context.Context, tx *sql.Tx, accountID, oldTokenID, newTokenID string, now time.Time) error {
	return r.store.RetargetToken(ctx, tx, accountID, oldTokenID, newTokenID, now)
}

// ListActiveSessions returns the account's active sessions. A non-privileged
// requester may only list their own.
func (r *Registry) ListActiveSessions(ctx context.Context, accountID string, requester Requester) ([]Session, error) {
	if err := requester.mayActOn(accountID); err != nil {
		return nil, err
	}
	return r.store.ListActive(ctx, accountID, r.now())
}

// RevokeAllSessions closes every active session for the account, optionally
// sparing the requester's current session. Returns the number closed; a
// second call with nothing left to close returns zero, not an error.
func (r *Registry) RevokeAllSessions(ctx context.Context, accountID string, requester Requester, exceptSessionID string) (int64, error) {
	if err := requester.mayActOn(accountID); err != nil {
		return 0, err
	}
	return r.store.CloseAllForAccount(ctx, r.store.db, accountID, exceptSessionID, r.now())
}

// CloseAllForAccountTx is the transactional variant used when forced logout
// must commit atomically with the triggering write.
func (r *Registry) CloseAllForAccountTx(ctx context.Context, tx *sql.Tx, accountID string) (int64, error) {
	return r.store.CloseAllForAccount(ctx, tx, accountID, "", r.now())
}

// RevokeAllSessionsTx is RevokeAllSessions running on the caller's
// transaction, with the same authorization rule.
func (r *Registry) RevokeAllSessionsTx(ctx context.Context, tx *sql.Tx, accountID string, requester Requester, exceptSessionID string) (int64, error) {
	if err := requester.mayActOn(accountID); err != nil {
		return 0, err
	}
	return r.store.CloseAllForAccount(ctx, tx, accountID, exceptSessionID, r.now())
}

// SweepExpired marks expired sessions inactive. Invoked by the janitor.
func (r *Registry) SweepExpired(ctx context.Context) (int64, error) {
	n, err := r.store.SweepExpired(ctx, r.now())
	if err != nil {
		return 0, err
	}
	if r.metrics != nil && n > 0 {
		r.metrics.SessionsSweptTotal.Add(float64(n))
	}
	return n, nil
}
