//go:build integration
// +build integration

package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestInvestigationLifecycle runs a case from creation through the forced
// status progression to a resolved export, with the audit trail assembled
// from real rows.
func TestInvestigationLifecycle(t *testing.T) {
	conn, cleanup := setupPostgres(t)
	defer cleanup()

	env := newTestEnv(t, conn)
	base := env.Server.URL + "/api/v1"
	seedTenant(t, conn.DB(), "northside", "Northside High")

	suspectID := seedAccount(t, env, "suspect@northside.edu", "Tr0ub4dor&horse", "student", "northside")
	seedAccount(t, env, "ciso@northside.edu", "Sup3r&Secure!pw", "superadmin", "northside")
	cisoToken := loginFor(t, base, "ciso@northside.edu", "Sup3r&Secure!pw")

	// A few failed logins against the suspect give the case something to
	// point at
	for i := 0; i < 3; i++ {
		resp := postJSON(t, base, "/auth/login", "", map[string]string{
			"email":    "suspect@northside.edu",
			"password": "wrong-password",
		})
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		resp.Body.Close()
	}

	// An anomaly scan over real rows runs clean end to end
	resp := postJSON(t, base, "/anomaly/scan", cisoToken, map[string]interface{}{
		"window_minutes": 60,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	scan := decodeBody(t, resp)
	assert.Contains(t, scan, "findings")

	// Open a case tied to the suspect
	resp = postJSON(t, base, "/cases", cisoToken, map[string]interface{}{
		"title":              "Credential stuffing against student account",
		"priority":           "high",
		"case_type":          "credential_compromise",
		"related_account_id": suspectID,
		"related_tenant_id":  "northside",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeBody(t, resp)
	caseID := created["id"].(string)
	assert.Equal(t, "open", created["status"])
	assert.Regexp(t, `^CASE-\d{8}-\d{4}$`, created["case_number"])

	// Notes attach to the open case
	resp = postJSON(t, base, fmt.Sprintf("/cases/%s/notes", caseID), cisoToken, map[string]string{
		"kind": "finding",
		"body": "Three failed logins from the same address inside a minute.",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	// Status can only move one step at a time
	resp = postJSON(t, base, fmt.Sprintf("/cases/%s/status", caseID), cisoToken, map[string]string{
		"status": "resolved",
	})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "INVALID_TRANSITION", decodeBody(t, resp)["code"])

	resp = postJSON(t, base, fmt.Sprintf("/cases/%s/status", caseID), cisoToken, map[string]string{
		"status": "investigating",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Evidence links the case to a concrete audit entry
	entryID := latestAuditEntryID(t, env)
	resp = postJSON(t, base, fmt.Sprintf("/cases/%s/evidence", caseID), cisoToken, map[string]string{
		"kind":        "audit_entry",
		"record_id":   fmt.Sprintf("%d", entryID),
		"description": "Failed login burst",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	// Resolution requires a resolution summary
	resp = postJSON(t, base, fmt.Sprintf("/cases/%s/status", caseID), cisoToken, map[string]string{
		"status": "resolved",
	})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, base, fmt.Sprintf("/cases/%s/status", caseID), cisoToken, map[string]string{
		"status":     "resolved",
		"resolution": "credentials rotated, attacker IPs blocked",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resolved := decodeBody(t, resp)
	assert.NotNil(t, resolved["resolvedAt"])

	// The JSON export bundles the case with its full audit trail
	resp = getJSON(t, base, fmt.Sprintf("/cases/%s/export?format=json", caseID), cisoToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var report struct {
		Case struct {
			CaseNumber string `json:"case_number"`
			Status     string `json:"status"`
			Resolution string `json:"resolution"`
		} `json:"case"`
		AuditTrail []json.RawMessage `json:"audit_trail"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	resp.Body.Close()

	assert.Equal(t, "resolved", report.Case.Status)
	assert.Equal(t, "credentials rotated, attacker IPs blocked", report.Case.Resolution)
	assert.NotEmpty(t, report.AuditTrail)

	// Closed is terminal
	resp = postJSON(t, base, fmt.Sprintf("/cases/%s/status", caseID), cisoToken, map[string]string{
		"status": "closed",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, base, fmt.Sprintf("/cases/%s/status", caseID), cisoToken, map[string]string{
		"status": "open",
	})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}

// TestPermissionOverrideGrant verifies that a stored override extends a
// role's static permission set and expires out of the effective set.
func TestPermissionOverrideGrant(t *testing.T) {
	conn, cleanup := setupPostgres(t)
	defer cleanup()

	env := newTestEnv(t, conn)
	base := env.Server.URL + "/api/v1"
	seedTenant(t, conn.DB(), "northside", "Northside High")

	adminID := seedAccount(t, env, "deputy@northside.edu", "Adm1n&Sturdy!pw", "admin", "northside")
	seedAccount(t, env, "ciso@northside.edu", "Sup3r&Secure!pw", "superadmin", "northside")

	adminToken := loginFor(t, base, "deputy@northside.edu", "Adm1n&Sturdy!pw")
	cisoToken := loginFor(t, base, "ciso@northside.edu", "Sup3r&Secure!pw")

	// Admins do not hold cases:read by role
	resp := getJSON(t, base, "/cases", adminToken)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	// The superadmin grants it as a temporary override
	resp = putJSON(t, base, fmt.Sprintf("/accounts/%s/permissions/cases:read", adminID), cisoToken, map[string]interface{}{
		"granted":    true,
		"reason":     "covering incident response rotation",
		"expires_at": "2030-01-01T00:00:00Z",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	effective := decodeBody(t, resp)["permissions"].([]interface{})
	assert.Contains(t, effective, "cases:read")

	resp = getJSON(t, base, "/cases", adminToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Clearing the override revokes access again
	resp = deleteReq(t, base, fmt.Sprintf("/accounts/%s/permissions/cases:read", adminID), cisoToken)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = getJSON(t, base, "/cases", adminToken)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()
}

func latestAuditEntryID(t *testing.T, env *testEnv) int64 {
	t.Helper()
	var id int64
	err := env.Conn.DB().QueryRow(`SELECT id FROM audit_logs ORDER BY id DESC LIMIT 1`).Scan(&id)
	require.NoError(t, err)
	return id
}

func putJSON(t *testing.T, base, path, token string, body interface{}) *http.Response {
	t.Helper()

	payload, err := json.Marshal(body)
	require.NoError(t, err)

	req, err := http.NewRequest("PUT", base+path, bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func deleteReq(t *testing.T, base, path, token string) *http.Response {
	t.Helper()

	req, err := http.NewRequest("DELETE", base+path, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}
