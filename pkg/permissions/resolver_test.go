package permissions

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoleTableContainment(t *testing.T) {
	admin := RolePermissions(RoleAdmin)
	super := RolePermissions(RoleSuperadmin)

	superSet := make(map[string]bool, len(super))
	for _, p := range super {
		superSet[p] = true
	}
	for _, p := range admin {
		assert.True(t, superSet[p], "superadmin missing admin permission %s", p)
	}
}

func TestHasPermission(t *testing.T) {
	assert.True(t, HasPermission(RoleTeacher, PermAttendanceManage))
	assert.False(t, HasPermission(RoleTeacher, PermFeesManage))
	assert.False(t, HasPermission(RoleStudent, PermGradesManage))
	assert.True(t, HasPermission(RoleSuperadmin, PermTenantsManage))
	assert.False(t, HasPermission(Role("unknown"), PermProfileRead))
}

func TestResolveNoOverridesEqualsRoleSet(t *testing.T) {
	subject := Subject{AccountID: "acct-1", PrimaryRole: RoleTeacher}

	got := Resolve(subject, nil, time.Now())

	want := RolePermissions(RoleTeacher)
	assert.ElementsMatch(t, want, got)
	assert.Contains(t, got, PermAttendanceManage)
	assert.NotContains(t, got, PermFeesManage)
}

func TestResolveGrantOverrideAddsPermission(t *testing.T) {
	subject := Subject{AccountID: "acct-1", PrimaryRole: RoleStudent}
	overrides := []Override{
		{AccountID: "acct-1", Permission: PermGradesManage, Granted: true},
	}

	got := Resolve(subject, overrides, time.Now())
	assert.Contains(t, got, PermGradesManage)
}

func TestResolveRevocationWinsOverRoleGrant(t *testing.T) {
	subject := Subject{AccountID: "acct-1", PrimaryRole: RoleTeacher}
	overrides := []Override{
		{AccountID: "acct-1", Permission: PermGradesManage, Granted: false},
	}

	got := Resolve(subject, overrides, time.Now())
	assert.NotContains(t, got, PermGradesManage)
	assert.Contains(t, got, PermAttendanceManage)
}

func TestResolveExpiredOverrideHasNoEffect(t *testing.T) {
	now := time.Now()
	expired := now.Add(-time.Minute)
	subject := Subject{AccountID: "acct-1", PrimaryRole: RoleStudent}
	overrides := []Override{
		{AccountID: "acct-1", Permission: PermGradesManage, Granted: true, ExpiresAt: &expired},
	}

	got := Resolve(subject, overrides, now)
	assert.NotContains(t, got, PermGradesManage)
}

func TestResolveFutureExpiryStillLive(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Hour)
	subject := Subject{AccountID: "acct-1", PrimaryRole: RoleStudent}
	overrides := []Override{
		{AccountID: "acct-1", Permission: PermGradesManage, Granted: true, ExpiresAt: &future},
	}

	got := Resolve(subject, overrides, now)
	assert.Contains(t, got, PermGradesManage)
}

func TestResolveAdditionalRoles(t *testing.T) {
	subject := Subject{
		AccountID:       "acct-1",
		PrimaryRole:     RoleTeacher,
		AdditionalRoles: []Role{RoleDepartmentHead},
	}

	got := Resolve(subject, nil, time.Now())
	assert.Contains(t, got, PermDepartmentManage)
}

func newTestResolver(t *testing.T) (*Resolver, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewResolver(NewStore(db), nil), mock
}

func overrideColumns() []string {
	return []string{"id", "account_id", "permission", "granted", "reason", "expires_at", "created_by", "created_at"}
}

func TestEffectivePermissionsQueriesStoreAndCaches(t *testing.T) {
	r, mock := newTestResolver(t)
	now := time.Now()

	mock.ExpectQuery("SELECT id, account_id, permission").
		WillReturnRows(sqlmock.NewRows(overrideColumns()).
			AddRow("ov-1", "acct-1", PermGradesManage, false, "investigation", nil, "admin-1", now))

	subject := Subject{AccountID: "acct-1", PrimaryRole: RoleTeacher}

	got, err := r.EffectivePermissions(context.Background(), subject)
	require.NoError(t, err)
	assert.NotContains(t, got, PermGradesManage)

	// Second resolution is served from cache; no further query expected
	got, err = r.EffectivePermissions(context.Background(), subject)
	require.NoError(t, err)
	assert.NotContains(t, got, PermGradesManage)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetOverrideInvalidatesCache(t *testing.T) {
	r, mock := newTestResolver(t)

	mock.ExpectQuery("SELECT id, account_id, permission").
		WillReturnRows(sqlmock.NewRows(overrideColumns()))
	mock.ExpectExec("INSERT INTO permission_overrides").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("SELECT id, account_id, permission").
		WillReturnRows(sqlmock.NewRows(overrideColumns()).
			AddRow("ov-1", "acct-1", PermFeesManage, true, "temp duty", nil, "admin-1", time.Now()))

	subject := Subject{AccountID: "acct-1", PrimaryRole: RoleStudent}

	got, err := r.EffectivePermissions(context.Background(), subject)
	require.NoError(t, err)
	assert.NotContains(t, got, PermFeesManage)

	err = r.SetOverride(context.Background(), &Override{
		AccountID:  "acct-1",
		Permission: PermFeesManage,
		Granted:    true,
		CreatedBy:  "admin-1",
	})
	require.NoError(t, err)

	got, err = r.EffectivePermissions(context.Background(), subject)
	require.NoError(t, err)
	assert.Contains(t, got, PermFeesManage)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSelfOrPermission(t *testing.T) {
	r, mock := newTestResolver(t)

	// Self access needs no store round trip
	subject := Subject{AccountID: "acct-1", PrimaryRole: RoleStudent}
	ok, err := r.SelfOrPermission(context.Background(), subject, "acct-1", PermAccountsManage)
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectQuery("SELECT id, account_id, permission").
		WillReturnRows(sqlmock.NewRows(overrideColumns()))

	ok, err = r.SelfOrPermission(context.Background(), subject, "acct-2", PermAccountsManage)
	require.NoError(t, err)
	assert.False(t, ok)
}
