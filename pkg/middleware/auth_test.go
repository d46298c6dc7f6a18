package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schoolworks/aegis/pkg/permissions"
	"github.com/schoolworks/aegis/pkg/tokens"
)

func newAuthFixture(t *testing.T) (*Auth, *tokens.JWTSigner) {
	t.Helper()
	signer := tokens.NewJWTSigner("secret", "aegis", 15*time.Minute)
	svc := tokens.NewService(nil, signer, 30*24*time.Hour, nil, nil)
	return NewAuth(svc, testLogger()), signer
}

func TestAuthRequireMissingToken(t *testing.T) {
	auth, _ := newAuthFixture(t)
	handler := auth.Require(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthRequireBadToken(t *testing.T) {
	auth, _ := newAuthFixture(t)
	handler := auth.Require(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer not.a.jwt")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthRequireAttachesIdentity(t *testing.T) {
	auth, signer := newAuthFixture(t)

	raw, _, err := signer.Sign(tokens.Identity{
		AccountID: "acct-1", TenantID: "tenant-1", Role: "teacher", Email: "t@example.edu",
	}, time.Now())
	require.NoError(t, err)

	var seen *tokens.Identity
	handler := auth.Require(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = IdentityFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, "acct-1", seen.AccountID)
	assert.Equal(t, "teacher", seen.Role)
}

func TestGuardRequireUsesAdditionalRoles(t *testing.T) {
	auth, signer := newAuthFixture(t)

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	guard := NewGuard(permissions.NewResolver(permissions.NewStore(db), nil))
	protected := auth.Require(guard.Require(permissions.PermAuditRead)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	overrideCols := []string{"id", "account_id", "permission", "granted", "reason", "expires_at", "created_by", "created_at"}
	mock.ExpectQuery("SELECT id, account_id, permission").WillReturnRows(sqlmock.NewRows(overrideCols))
	mock.ExpectQuery("SELECT id, account_id, permission").WillReturnRows(sqlmock.NewRows(overrideCols))

	bare, _, err := signer.Sign(tokens.Identity{AccountID: "a", Role: "student"}, time.Now())
	require.NoError(t, err)
	elevated, _, err := signer.Sign(tokens.Identity{
		AccountID: "b", Role: "student", AdditionalRoles: []string{"admin"},
	}, time.Now())
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+bare)
	rec := httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// The extra admin role carries audit:read even though student does not
	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+elevated)
	rec = httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGuardRequiresAuthFirst(t *testing.T) {
	guard := NewGuard(nil)
	handler := guard.RequirePrivileged(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGuardRequirePrivileged(t *testing.T) {
	auth, signer := newAuthFixture(t)
	guard := NewGuard(nil)

	protected := auth.Require(guard.RequirePrivileged(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	studentToken, _, err := signer.Sign(tokens.Identity{AccountID: "a", Role: "student"}, time.Now())
	require.NoError(t, err)
	adminToken, _, err := signer.Sign(tokens.Identity{AccountID: "b", Role: "admin"}, time.Now())
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+studentToken)
	rec := httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	rec = httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
