package tokens

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/schoolworks/aegis/pkg/apperr"
	"github.com/schoolworks/aegis/pkg/observability"
)

// SessionToucher is notified inside the rotation transaction so the session
// record tracks the new refresh token atomically. Optional.
type SessionToucher interface {
	TouchOnRotate(ctx context.Context, tx *sql.Tx, accountID, oldTokenID, newTokenID string, now time.Time) error
}

// Service implements the token lifecycle over the refresh token store and
// the JWT signer.
type Service struct {
	store      *Store
	signer     *JWTSigner
	refreshTTL time.Duration
	sessions   SessionToucher
	metrics    *observability.Metrics
	now        func() time.Time
}

// NewService creates a token service. sessions and metrics may be nil.
func NewService(store *Store, signer *JWTSigner, refreshTTL time.Duration, sessions SessionToucher, metrics *observability.Metrics) *Service {
	return &Service{
		store:      store,
		signer:     signer,
		refreshTTL: refreshTTL,
		sessions:   sessions,
		metrics:    metrics,
		now:        time.Now,
	}
}

// HashValue computes the storage hash of an opaque refresh token value
func HashValue(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

func newOpaqueValue() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate refresh token: %w", err)
	}
	return RefreshTokenPrefix + hex.EncodeToString(raw), nil
}

// IssueAccessToken issues a stateless signed access token for the identity
func (s *Service) IssueAccessToken(identity Identity) (string, time.Time, error) {
	return s.signer.Sign(identity, s.now())
}

// VerifyAccessToken validates an access token and returns its identity
func (s *Service) VerifyAccessToken(raw string) (Identity, error) {
	return s.signer.Verify(raw)
}

// IssueRefreshToken mints an opaque refresh token for the account and
// persists only its hash.
func (s *Service) IssueRefreshToken(ctx context.Context, accountID string) (*IssuedRefreshToken, error) {
	return s.issueRefreshToken(ctx, s.store.db, accountID)
}

// IssueRefreshTokenTx is the transactional variant used by login so the
// token and its session row commit together.
func (s *Service) IssueRefreshTokenTx(ctx context.Context, tx *sql.Tx, accountID string) (*IssuedRefreshToken, error) {
	return s.issueRefreshToken(ctx, tx, accountID)
}

// LookupID resolves an opaque value to its record id and owner without
// changing its state. Unknown or revoked values fail as invalid.
func (s *Service) LookupID(ctx context.Context, value string) (tokenID, accountID string, err error) {
	token, err := s.store.GetByHash(ctx, s.store.db, HashValue(value))
	if err != nil {
		return "", "", err
	}
	if token == nil || token.RevokedAt != nil {
		return "", "", apperr.ErrRefreshInvalid
	}
	return token.ID, token.AccountID, nil
}

func (s *Service) issueRefreshToken(ctx context.Context, q querier, accountID string) (*IssuedRefreshToken, error) {
	value, err := newOpaqueValue()
	if err != nil {
		return nil, err
	}

	now := s.now()
	token := RefreshToken{
		ID:        newID(),
		AccountID: accountID,
		TokenHash: HashValue(value),
		IssuedAt:  now,
		ExpiresAt: now.Add(s.refreshTTL),
	}
	if err := s.store.Insert(ctx, q, token); err != nil {
		return nil, err
	}

	return &IssuedRefreshToken{ID: token.ID, Value: value, ExpiresAt: token.ExpiresAt}, nil
}

// IssuePair issues an access token and a refresh token together
func (s *Service) IssuePair(ctx context.Context, identity Identity) (*TokenPair, *IssuedRefreshToken, error) {
	access, accessExp, err := s.IssueAccessToken(identity)
	if err != nil {
		return nil, nil, err
	}
	refresh, err := s.IssueRefreshToken(ctx, identity.AccountID)
	if err != nil {
		return nil, nil, err
	}
	pair := &TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh.Value,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refresh.ExpiresAt,
	}
	return pair, refresh, nil
}

// VerifyRefreshToken checks an opaque value against the store and returns
// the owning account id. Unknown and revoked tokens are indistinguishable.
func (s *Service) VerifyRefreshToken(ctx context.Context, value string) (string, error) {
	token, err := s.store.GetByHash(ctx, s.store.db, HashValue(value))
	if err != nil {
		return "", err
	}
	if token == nil || token.RevokedAt != nil {
		return "", apperr.ErrRefreshInvalid
	}
	if s.now().After(token.ExpiresAt) {
		return "", apperr.ErrRefreshExpired
	}
	return token.AccountID, nil
}

// Rotate revokes the presented refresh token and issues a replacement in a
// single transaction. A concurrent rotation presenting the same value loses
// the conditional update race and fails with REFRESH_TOKEN_INVALID.
func (s *Service) Rotate(ctx context.Context, oldValue string) (string, *IssuedRefreshToken, error) {
	now := s.now()
	hash := HashValue(oldValue)

	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return "", nil, err
	}
	defer tx.Rollback()

	old, err := s.store.RevokeLive(ctx, tx, hash, now)
	if err != nil {
		return "", nil, err
	}
	if old == nil {
		// Distinguish expiry from invalidity for the caller
		existing, lookupErr := s.store.GetByHash(ctx, tx, hash)
		if lookupErr == nil && existing != nil && existing.RevokedAt == nil && now.After(existing.ExpiresAt) {
			return "", nil, apperr.ErrRefreshExpired
		}
		// Only a token that exists and is already revoked marks a lost
		// rotation race; unknown values are plain invalid presentations.
		if s.metrics != nil && lookupErr == nil && existing != nil && existing.RevokedAt != nil {
			s.metrics.TokenRotationConflicts.Inc()
		}
		return "", nil, apperr.ErrRefreshInvalid
	}

	replacement, err := s.issueRefreshToken(ctx, tx, old.AccountID)
	if err != nil {
		return "", nil, err
	}

	if s.sessions != nil {
		if err := s.sessions.TouchOnRotate(ctx, tx, old.AccountID, old.ID, replacement.ID, now); err != nil {
			return "", nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return "", nil, fmt.Errorf("failed to commit token rotation: %w", err)
	}

	if s.metrics != nil {
		s.metrics.TokenRotationsTotal.Inc()
	}
	return old.AccountID, replacement, nil
}

// Revoke permanently invalidates the presented refresh token. Revoking an
// already revoked or unknown token is a no-op.
func (s *Service) Revoke(ctx context.Context, value string) error {
	return s.store.Revoke(ctx, s.store.db, HashValue(value), s.now())
}

// RevokeAllForAccount invalidates every live refresh token owned by the
// account. Callers triggering this (suspension, password reset) must not
// report success until it returns.
func (s *Service) RevokeAllForAccount(ctx context.Context, accountID string) (int64, error) {
	n, err := s.store.RevokeAllForAccount(ctx, s.store.db, accountID, s.now())
	if err != nil {
		return 0, err
	}
	if s.metrics != nil && n > 0 {
		s.metrics.RefreshTokensRevoked.Add(float64(n))
	}
	return n, nil
}

// RevokeAllForAccountTx is the transactional variant used when revocation
// must commit atomically with the triggering write.
func (s *Service) RevokeAllForAccountTx(ctx context.Context, tx *sql.Tx, accountID string) (int64, error) {
	return s.store.RevokeAllForAccount(ctx, tx, accountID, s.now())
}
