package anomaly

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schoolworks/aegis/pkg/accounts"
	"github.com/schoolworks/aegis/pkg/audit"
	"github.com/schoolworks/aegis/pkg/sessions"
)

type fakeSources struct {
	attempts    []accounts.LoginAttempt
	sessionRows []sessions.Session
	warnCounts  map[string]int
	warnIDs     map[string][]int64
}

func (f *fakeSources) ListFailedAttemptsSince(ctx context.Context, since time.Time, tenantID string) ([]accounts.LoginAttempt, error) {
	return f.attempts, nil
}

func (f *fakeSources) ListRecentForAccounts(ctx context.Context, since time.Time, tenantID string) ([]sessions.Session, error) {
	return f.sessionRows, nil
}

func (f *fakeSources) CountRecentBySeverity(ctx context.Context, severity audit.Severity, since time.Time, tenantID string) (map[string]int, error) {
	return f.warnCounts, nil
}

func (f *fakeSources) RecentIDsForActor(ctx context.Context, actorID string, severity audit.Severity, since time.Time, limit int) ([]int64, error) {
	ids := f.warnIDs[actorID]
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func newTestDetector(f *fakeSources) *Detector {
	return NewDetector(f, f, f, DefaultThresholds(), nil)
}

func failedAttempts(accountID string, n int) []accounts.LoginAttempt {
	out := make([]accounts.LoginAttempt, n)
	for i := range out {
		id := accountID
		out[i] = accounts.LoginAttempt{
			ID:        fmt.Sprintf("attempt-%s-%d", accountID, i),
			AccountID: &id,
			Email:     accountID + "@example.edu",
			Success:   false,
		}
	}
	return out
}

func sessionsFromIPs(accountID string, ips ...string) []sessions.Session {
	out := make([]sessions.Session, len(ips))
	for i, ip := range ips {
		out[i] = sessions.Session{
			ID:        fmt.Sprintf("sess-%s-%d", accountID, i),
			AccountID: accountID,
			IP:        ip,
		}
	}
	return out
}

func findingsFor(result *ScanResult, rule Rule) []Finding {
	var out []Finding
	for _, f := range result.Findings {
		if f.Rule == rule {
			out = append(out, f)
		}
	}
	return out
}

func TestScanEmptyDataProducesNoFindings(t *testing.T) {
	d := newTestDetector(&fakeSources{})

	result, err := d.Scan(context.Background(), ScanRequest{Window: time.Hour})
	require.NoError(t, err)
	assert.Empty(t, result.Findings)
	assert.Equal(t, time.Hour, result.Window)
}

func TestFailedLoginThresholds(t *testing.T) {
	tests := []struct {
		name     string
		count    int
		severity FindingSeverity
		flagged  bool
	}{
		{"below threshold", 4, "", false},
		{"low at five", 5, SeverityLow, true},
		{"low at six", 6, SeverityLow, true},
		{"medium at seven", 7, SeverityMedium, true},
		{"medium at nine", 9, SeverityMedium, true},
		{"high at ten", 10, SeverityHigh, true},
		{"high beyond", 15, SeverityHigh, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDetector(&fakeSources{attempts: failedAttempts("acct-1", tt.count)})

			result, err := d.Scan(context.Background(), ScanRequest{Window: time.Hour})
			require.NoError(t, err)

			found := findingsFor(result, RuleFailedLogins)
			if !tt.flagged {
				assert.Empty(t, found)
				return
			}
			require.Len(t, found, 1)
			assert.Equal(t, tt.severity, found[0].Severity)
			assert.Equal(t, tt.count, found[0].Count)
		})
	}
}

func TestFailedLoginEvidenceBounded(t *testing.T) {
	d := newTestDetector(&fakeSources{attempts: failedAttempts("acct-1", 25)})

	result, err := d.Scan(context.Background(), ScanRequest{Window: time.Hour})
	require.NoError(t, err)

	found := findingsFor(result, RuleFailedLogins)
	require.Len(t, found, 1)
	assert.Len(t, found[0].Evidence, 10)
	assert.Equal(t, 25, found[0].Count)
	assert.Equal(t, EvidenceLoginAttempt, found[0].Evidence[0].Kind)
}

func TestFailedLoginGroupsByEmailWhenNoAccount(t *testing.T) {
	attempts := make([]accounts.LoginAttempt, 6)
	for i := range attempts {
		attempts[i] = accounts.LoginAttempt{
			ID:    fmt.Sprintf("attempt-%d", i),
			Email: "ghost@example.edu",
		}
	}
	d := newTestDetector(&fakeSources{attempts: attempts})

	result, err := d.Scan(context.Background(), ScanRequest{Window: time.Hour})
	require.NoError(t, err)

	found := findingsFor(result, RuleFailedLogins)
	require.Len(t, found, 1)
	assert.Equal(t, "ghost@example.edu", found[0].Email)
	assert.Empty(t, found[0].AccountID)
}

func TestMultipleIPThresholds(t *testing.T) {
	tests := []struct {
		name     string
		ips      []string
		severity FindingSeverity
		flagged  bool
	}{
		{"two ips clean", []string{"10.0.0.1", "10.0.0.2"}, "", false},
		{"three ips medium", []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}, SeverityMedium, true},
		{"five ips high", []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4", "10.0.0.5"}, SeverityHigh, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDetector(&fakeSources{sessionRows: sessionsFromIPs("acct-1", tt.ips...)})

			result, err := d.Scan(context.Background(), ScanRequest{Window: time.Hour})
			require.NoError(t, err)

			found := findingsFor(result, RuleMultipleIPs)
			if !tt.flagged {
				assert.Empty(t, found)
				return
			}
			require.Len(t, found, 1)
			assert.Equal(t, tt.severity, found[0].Severity)
			assert.Equal(t, len(tt.ips), found[0].Count)
		})
	}
}

func TestMultipleIPDuplicateAddressesCountOnce(t *testing.T) {
	d := newTestDetector(&fakeSources{
		sessionRows: sessionsFromIPs("acct-1", "10.0.0.1", "10.0.0.1", "10.0.0.2", "10.0.0.2"),
	})

	result, err := d.Scan(context.Background(), ScanRequest{Window: time.Hour})
	require.NoError(t, err)
	assert.Empty(t, findingsFor(result, RuleMultipleIPs))
}

func TestUnusualActivityThresholds(t *testing.T) {
	tests := []struct {
		name     string
		count    int
		severity FindingSeverity
		flagged  bool
	}{
		{"nine clean", 9, "", false},
		{"ten medium", 10, SeverityMedium, true},
		{"twenty high", 20, SeverityHigh, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ids := make([]int64, tt.count)
			for i := range ids {
				ids[i] = int64(i + 1)
			}
			d := newTestDetector(&fakeSources{
				warnCounts: map[string]int{"acct-1": tt.count},
				warnIDs:    map[string][]int64{"acct-1": ids},
			})

			result, err := d.Scan(context.Background(), ScanRequest{Window: time.Hour})
			require.NoError(t, err)

			found := findingsFor(result, RuleUnusualActivity)
			if !tt.flagged {
				assert.Empty(t, found)
				return
			}
			require.Len(t, found, 1)
			assert.Equal(t, tt.severity, found[0].Severity)
			assert.LessOrEqual(t, len(found[0].Evidence), 10)
		})
	}
}

func TestScanIsDeterministic(t *testing.T) {
	src := &fakeSources{
		attempts: append(failedAttempts("acct-b", 6), failedAttempts("acct-a", 8)...),
		sessionRows: append(
			sessionsFromIPs("acct-a", "10.0.0.1", "10.0.0.2", "10.0.0.3"),
			sessionsFromIPs("acct-b", "10.0.0.4", "10.0.0.5", "10.0.0.6", "10.0.0.7", "10.0.0.8")...,
		),
	}
	d := newTestDetector(src)

	first, err := d.Scan(context.Background(), ScanRequest{Window: time.Hour})
	require.NoError(t, err)
	second, err := d.Scan(context.Background(), ScanRequest{Window: time.Hour})
	require.NoError(t, err)

	require.Equal(t, len(first.Findings), len(second.Findings))
	for i := range first.Findings {
		assert.Equal(t, first.Findings[i].Rule, second.Findings[i].Rule)
		assert.Equal(t, first.Findings[i].AccountID, second.Findings[i].AccountID)
		assert.Equal(t, first.Findings[i].Severity, second.Findings[i].Severity)
	}
}
