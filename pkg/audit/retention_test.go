package audit

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schoolworks/aegis/pkg/observability"
)

func TestRetentionPurgesExpiredWithoutArchive(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	ret := NewRetention(NewStore(db), nil, 90, logger, nil)

	old := time.Now().AddDate(0, 0, -120)
	mock.ExpectQuery("SELECT id, tenant_id, actor_id").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "tenant_id", "actor_id", "action", "resource_type",
			"resource_id", "details", "severity", "tags", "created_at",
		}).
			AddRow(int64(1), nil, "acct-1", ActionLogin, "", "", "", "info", "{}", old).
			AddRow(int64(2), nil, "acct-1", ActionLogout, "", "", "", "info", "{}", old))
	mock.ExpectExec("DELETE FROM audit_logs WHERE id = ANY").
		WillReturnResult(sqlmock.NewResult(0, 2))

	purged, err := ret.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), purged)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetentionNothingExpired(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	ret := NewRetention(NewStore(db), nil, 90, logger, nil)

	mock.ExpectQuery("SELECT id, tenant_id, actor_id").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "tenant_id", "actor_id", "action", "resource_type",
			"resource_id", "details", "severity", "tags", "created_at",
		}))

	purged, err := ret.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), purged)
}
