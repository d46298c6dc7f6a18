package tokens

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schoolworks/aegis/pkg/apperr"
	"github.com/schoolworks/aegis/pkg/observability"
)

func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := NewStore(db)
	signer := NewJWTSigner("secret", "aegis", 15*time.Minute)
	return NewService(store, signer, 30*24*time.Hour, nil, nil), mock
}

func tokenColumns() []string {
	return []string{"id", "account_id", "token_hash", "issued_at", "expires_at", "revoked_at"}
}

func TestIssueRefreshToken(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectExec("INSERT INTO refresh_tokens").
		WillReturnResult(sqlmock.NewResult(1, 1))

	issued, err := svc.IssueRefreshToken(context.Background(), "acct-1")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(issued.Value, RefreshTokenPrefix))
	assert.NotEmpty(t, issued.ID)
	assert.WithinDuration(t, time.Now().Add(30*24*time.Hour), issued.ExpiresAt, time.Minute)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVerifyRefreshToken(t *testing.T) {
	svc, mock := newTestService(t)
	now := time.Now()

	mock.ExpectQuery("SELECT id, account_id, token_hash").
		WillReturnRows(sqlmock.NewRows(tokenColumns()).
			AddRow("tok-1", "acct-1", "hash", now, now.Add(time.Hour), nil))

	accountID, err := svc.VerifyRefreshToken(context.Background(), "aegis_value")
	require.NoError(t, err)
	assert.Equal(t, "acct-1", accountID)
}

func TestVerifyRefreshTokenUnknown(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectQuery("SELECT id, account_id, token_hash").
		WillReturnRows(sqlmock.NewRows(tokenColumns()))

	_, err := svc.VerifyRefreshToken(context.Background(), "aegis_unknown")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeRefreshTokenInvalid, apperr.CodeFor(err))
}

func TestVerifyRefreshTokenRevoked(t *testing.T) {
	svc, mock := newTestService(t)
	now := time.Now()
	revoked := now.Add(-time.Minute)

	mock.ExpectQuery("SELECT id, account_id, token_hash").
		WillReturnRows(sqlmock.NewRows(tokenColumns()).
			AddRow("tok-1", "acct-1", "hash", now.Add(-time.Hour), now.Add(time.Hour), revoked))

	_, err := svc.VerifyRefreshToken(context.Background(), "aegis_revoked")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeRefreshTokenInvalid, apperr.CodeFor(err))
}

func TestVerifyRefreshTokenExpired(t *testing.T) {
	svc, mock := newTestService(t)
	now := time.Now()

	mock.ExpectQuery("SELECT id, account_id, token_hash").
		WillReturnRows(sqlmock.NewRows(tokenColumns()).
			AddRow("tok-1", "acct-1", "hash", now.Add(-2*time.Hour), now.Add(-time.Hour), nil))

	_, err := svc.VerifyRefreshToken(context.Background(), "aegis_expired")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeRefreshTokenExpired, apperr.CodeFor(err))
}

func TestRotateSucceeds(t *testing.T) {
	svc, mock := newTestService(t)
	now := time.Now()
	revokedAt := now

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE refresh_tokens").
		WillReturnRows(sqlmock.NewRows(tokenColumns()).
			AddRow("tok-old", "acct-1", "hash", now.Add(-time.Hour), now.Add(time.Hour), revokedAt))
	mock.ExpectExec("INSERT INTO refresh_tokens").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	accountID, replacement, err := svc.Rotate(context.Background(), "aegis_old")
	require.NoError(t, err)
	assert.Equal(t, "acct-1", accountID)
	assert.True(t, strings.HasPrefix(replacement.Value, RefreshTokenPrefix))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRotateLosesRaceOnRevokedToken(t *testing.T) {
	// The conditional update matches no rows when the token was already
	// revoked by a concurrent rotation. The loser must fail, not mint a
	// second replacement.
	svc, mock := newTestService(t)
	now := time.Now()
	revokedAt := now.Add(-time.Second)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE refresh_tokens").
		WillReturnRows(sqlmock.NewRows(tokenColumns()))
	mock.ExpectQuery("SELECT id, account_id, token_hash").
		WillReturnRows(sqlmock.NewRows(tokenColumns()).
			AddRow("tok-old", "acct-1", "hash", now.Add(-time.Hour), now.Add(time.Hour), revokedAt))
	mock.ExpectRollback()

	_, _, err := svc.Rotate(context.Background(), "aegis_old")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeRefreshTokenInvalid, apperr.CodeFor(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRotateConflictMetricCountsOnlyLostRaces(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	svc := NewService(NewStore(db), NewJWTSigner("secret", "aegis", 15*time.Minute), 30*24*time.Hour, nil, metrics)
	now := time.Now()

	// An unknown value is plain invalid, not a lost race
	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE refresh_tokens").WillReturnRows(sqlmock.NewRows(tokenColumns()))
	mock.ExpectQuery("SELECT id, account_id, token_hash").WillReturnRows(sqlmock.NewRows(tokenColumns()))
	mock.ExpectRollback()

	_, _, err = svc.Rotate(context.Background(), "aegis_unknown")
	require.Error(t, err)
	assert.Zero(t, testutil.ToFloat64(metrics.TokenRotationConflicts))

	// A token revoked by a concurrent rotation is a lost race
	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE refresh_tokens").WillReturnRows(sqlmock.NewRows(tokenColumns()))
	mock.ExpectQuery("SELECT id, account_id, token_hash").
		WillReturnRows(sqlmock.NewRows(tokenColumns()).
			AddRow("tok-old", "acct-1", "hash", now.Add(-time.Hour), now.Add(time.Hour), now.Add(-time.Second)))
	mock.ExpectRollback()

	_, _, err = svc.Rotate(context.Background(), "aegis_old")
	require.Error(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.TokenRotationConflicts))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRotateExpiredToken(t *testing.T) {
	svc, mock := newTestService(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE refresh_tokens").
		WillReturnRows(sqlmock.NewRows(tokenColumns()))
	mock.ExpectQuery("SELECT id, account_id, token_hash").
		WillReturnRows(sqlmock.NewRows(tokenColumns()).
			AddRow("tok-old", "acct-1", "hash", now.Add(-48*time.Hour), now.Add(-time.Hour), nil))
	mock.ExpectRollback()

	_, _, err := svc.Rotate(context.Background(), "aegis_old")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeRefreshTokenExpired, apperr.CodeFor(err))
}

func TestRevokeAllForAccount(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectExec("UPDATE refresh_tokens SET revoked_at").
		WithArgs("acct-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := svc.RevokeAllForAccount(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHashValueDeterministic(t *testing.T) {
	assert.Equal(t, HashValue("aegis_x"), HashValue("aegis_x"))
	assert.NotEqual(t, HashValue("aegis_x"), HashValue("aegis_y"))
	assert.Len(t, HashValue("aegis_x"), 64)
}
