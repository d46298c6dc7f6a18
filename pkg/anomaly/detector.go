package anomaly

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/schoolworks/aegis/pkg/accounts"
	"github.com/schoolworks/aegis/pkg/audit"
	"github.com/schoolworks/aegis/pkg/observability"
	"github.com/schoolworks/aegis/pkg/sessions"
)

// AttemptSource supplies failed login attempts for the scan window
type AttemptSource interface {
	ListFailedAttemptsSince(ctx context.Context, since time.Time, tenantID string) ([]accounts.LoginAttempt, error)
}

// SessionSource supplies recent sessions for the scan window
type SessionSource interface {
	ListRecentForAccounts(ctx context.Context, since time.Time, tenantID string) ([]sessions.Session, error)
}

// AuditSource supplies warning-or-above audit activity for the scan window
type AuditSource interface {
	CountRecentBySeverity(ctx context.Context, severity audit.Severity, since time.Time, tenantID string) (map[string]int, error)
	RecentIDsForActor(ctx context.Context, actorID string, severity audit.Severity, since time.Time, limit int) ([]int64, error)
}

// Detector runs the three rules over a historical window. The rules read
// independently and run concurrently; a scan with no qualifying data simply
// produces no findings.
type Detector struct {
	attempts   AttemptSource
	sessions   SessionSource
	auditStore AuditSource
	thresholds Thresholds
	metrics    *observability.Metrics
	now        func() time.Time
}

// NewDetector creates an anomaly detector. metrics may be nil.
func NewDetector(attempts AttemptSource, sessionSrc SessionSource, auditSrc AuditSource, thresholds Thresholds, metrics *observability.Metrics) *Detector {
	return &Detector{
		attempts:   attempts,
		sessions:   sessionSrc,
		auditStore: auditSrc,
		thresholds: thresholds,
		metrics:    metrics,
		now:        time.Now,
	}
}

// Scan runs all rules over the window and returns the combined findings
func (d *Detector) Scan(ctx context.Context, req ScanRequest) (*ScanResult, error) {
	if req.Window <= 0 {
		req.Window = 24 * time.Hour
	}
	now := d.now()
	since := now.Add(-req.Window)

	var (
		mu       sync.Mutex
		findings []Finding
	)
	collect := func(fs []Finding) {
		mu.Lock()
		findings = append(findings, fs...)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		fs, err := d.scanFailedLogins(gctx, since, req.TenantID)
		if err != nil {
			return fmt.Errorf("failed-login rule: %w", err)
		}
		collect(fs)
		return nil
	})
	g.Go(func() error {
		fs, err := d.scanMultipleIPs(gctx, since, req.TenantID)
		if err != nil {
			return fmt.Errorf("multiple-ip rule: %w", err)
		}
		collect(fs)
		return nil
	})
	g.Go(func() error {
		fs, err := d.scanUnusualActivity(gctx, since, req.TenantID)
		if err != nil {
			return fmt.Errorf("unusual-activity rule: %w", err)
		}
		collect(fs)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Deterministic output order regardless of rule completion order
	sort.Slice(findings, func(i, j int) bool {
		if findings[i].Rule != findings[j].Rule {
			return findings[i].Rule < findings[j].Rule
		}
		if findings[i].AccountID != findings[j].AccountID {
			return findings[i].AccountID < findings[j].AccountID
		}
		return findings[i].Email < findings[j].Email
	})

	if d.metrics != nil {
		d.metrics.AnomalyScansTotal.Inc()
		for _, f := range findings {
			d.metrics.AnomalyFindingsTotal.WithLabelValues(string(f.Rule), string(f.Severity)).Inc()
		}
	}

	return &ScanResult{
		ScannedAt: now,
		Window:    req.Window,
		TenantID:  req.TenantID,
		Findings:  findings,
	}, nil
}

// scanFailedLogins clusters failed attempts by account, falling back to the
// presented email when the attempt matched no account.
func (d *Detector) scanFailedLogins(ctx context.Context, since time.Time, tenantID string) ([]Finding, error) {
	attempts, err := d.attempts.ListFailedAttemptsSince(ctx, since, tenantID)
	if err != nil {
		return nil, err
	}

	type group struct {
		accountID string
		email     string
		attempts  []accounts.LoginAttempt
	}
	groups := make(map[string]*group)
	for _, a := range attempts {
		key := a.Email
		accountID := ""
		if a.AccountID != nil {
			key = "acct:" + *a.AccountID
			accountID = *a.AccountID
		}
		g, ok := groups[key]
		if !ok {
			g = &group{accountID: accountID, email: a.Email}
			groups[key] = g
		}
		g.attempts = append(g.attempts, a)
	}

	var findings []Finding
	for _, g := range groups {
		count := len(g.attempts)
		if count < d.thresholds.FailedLoginLow {
			continue
		}
		severity := SeverityLow
		switch {
		case count >= d.thresholds.FailedLoginHigh:
			severity = SeverityHigh
		case count >= d.thresholds.FailedLoginMed:
			severity = SeverityMedium
		}

		evidence := make([]EvidenceRef, 0, maxEvidence)
		for _, a := range g.attempts {
			if len(evidence) == maxEvidence {
				break
			}
			evidence = append(evidence, EvidenceRef{Kind: EvidenceLoginAttempt, ID: a.ID})
		}

		findings = append(findings, Finding{
			Rule:      RuleFailedLogins,
			Severity:  severity,
			AccountID: g.accountID,
			Email:     g.email,
			Count:     count,
			Detail:    fmt.Sprintf("%d failed login attempts in window", count),
			Evidence:  evidence,
		})
	}
	return findings, nil
}

// scanMultipleIPs flags accounts whose sessions in the window came from too
// many distinct source addresses.
func (d *Detector) scanMultipleIPs(ctx context.Context, since time.Time, tenantID string) ([]Finding, error) {
	recent, err := d.sessions.ListRecentForAccounts(ctx, since, tenantID)
	if err != nil {
		return nil, err
	}

	byAccount := make(map[string][]sessions.Session)
	for _, s := range recent {
		byAccount[s.AccountID] = append(byAccount[s.AccountID], s)
	}

	var findings []Finding
	for accountID, sess := range byAccount {
		ips := make(map[string]bool)
		for _, s := range sess {
			if s.IP != "" {
				ips[s.IP] = true
			}
		}
		distinct := len(ips)
		if distinct < d.thresholds.DistinctIPMed {
			continue
		}
		severity := SeverityMedium
		if distinct >= d.thresholds.DistinctIPHigh {
			severity = SeverityHigh
		}

		evidence := make([]EvidenceRef, 0, maxEvidence)
		for _, s := range sess {
			if len(evidence) == maxEvidence {
				break
			}
			evidence = append(evidence, EvidenceRef{Kind: EvidenceSession, ID: s.ID})
		}

		findings = append(findings, Finding{
			Rule:      RuleMultipleIPs,
			Severity:  severity,
			AccountID: accountID,
			Count:     distinct,
			Detail:    fmt.Sprintf("sessions from %d distinct IPs in window", distinct),
			Evidence:  evidence,
		})
	}
	return findings, nil
}

// scanUnusualActivity flags actors accumulating warning-or-above audit
// entries in the window.
func (d *Detector) scanUnusualActivity(ctx context.Context, since time.Time, tenantID string) ([]Finding, error) {
	counts, err := d.auditStore.CountRecentBySeverity(ctx, audit.SeverityWarning, since, tenantID)
	if err != nil {
		return nil, err
	}

	var findings []Finding
	for actorID, count := range counts {
		if count < d.thresholds.WarnEntriesMed {
			continue
		}
		severity := SeverityMedium
		if count >= d.thresholds.WarnEntriesHigh {
			severity = SeverityHigh
		}

		ids, err := d.auditStore.RecentIDsForActor(ctx, actorID, audit.SeverityWarning, since, maxEvidence)
		if err != nil {
			return nil, err
		}
		evidence := make([]EvidenceRef, 0, len(ids))
		for _, id := range ids {
			evidence = append(evidence, EvidenceRef{Kind: EvidenceAuditEntry, ID: strconv.FormatInt(id, 10)})
		}

		findings = append(findings, Finding{
			Rule:      RuleUnusualActivity,
			Severity:  severity,
			AccountID: actorID,
			Count:     count,
			Detail:    fmt.Sprintf("%d warning-or-above audit entries in window", count),
			Evidence:  evidence,
		})
	}
	return findings, nil
}
