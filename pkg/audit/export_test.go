package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schoolworks/aegis/pkg/apperr"
)

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("json")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)

	f, err = ParseFormat("CSV")
	require.NoError(t, err)
	assert.Equal(t, FormatCSV, f)

	_, err = ParseFormat("xml")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeUnsupportedFormat, apperr.CodeFor(err))
	assert.Equal(t, 400, apperr.StatusFor(err))
}

func exportRows(now time.Time) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "tenant_id", "actor_id", "action", "resource_type",
		"resource_id", "details", "severity", "tags", "created_at",
	}).
		AddRow(int64(2), "tenant-1", "acct-1", ActionPasswordReset, "account", "acct-2",
			`details with "quotes", and commas`, "warning", "{security,admin}", now).
		AddRow(int64(1), "tenant-1", nil, ActionAnomalyScan, "", "", "", "info", "{}", now.Add(-time.Hour))
}

func TestExportCSVEscapesEmbeddedQuotesAndCommas(t *testing.T) {
	l, mock := newTestLog(t)
	now := time.Now()

	mock.ExpectQuery("SELECT id, tenant_id, actor_id").
		WillReturnRows(exportRows(now))

	var buf bytes.Buffer
	require.NoError(t, l.Export(context.Background(), SearchFilters{}, FormatCSV, &buf))

	records, err := csv.NewReader(strings.NewReader(buf.String())).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, csvHeader, records[0])
	assert.Equal(t, "2", records[1][0])
	assert.Equal(t, `details with "quotes", and commas`, records[1][9])
	assert.Equal(t, "security;admin", records[1][8])
	assert.Equal(t, "", records[2][3]) // nil actor serializes empty
}

func TestExportJSONProducesValidArray(t *testing.T) {
	l, mock := newTestLog(t)
	now := time.Now()

	mock.ExpectQuery("SELECT id, tenant_id, actor_id").
		WillReturnRows(exportRows(now))

	var buf bytes.Buffer
	require.NoError(t, l.Export(context.Background(), SearchFilters{}, FormatJSON, &buf))

	var entries []Entry
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, int64(2), entries[0].ID)
	assert.Nil(t, entries[1].ActorID)
}

func TestExportUnknownFormatFails(t *testing.T) {
	l, _ := newTestLog(t)

	err := l.Export(context.Background(), SearchFilters{}, Format("xml"), io.Discard)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeUnsupportedFormat, apperr.CodeFor(err))
}
