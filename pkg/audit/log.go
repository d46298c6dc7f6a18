package audit

import (
	"context"
	"time"

	"github.com/schoolworks/aegis/pkg/apperr"
	"github.com/schoolworks/aegis/pkg/observability"
)

// Log is the append side of the audit trail. Two entry points encode the
// failure policy: AppendBestEffort for side-effect records that must never
// fail the primary operation, and Append for records that are themselves
// the security action.
type Log struct {
	store   *Store
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewLog creates the audit log. metrics may be nil.
func NewLog(store *Store, logger *observability.Logger, metrics *observability.Metrics) *Log {
	return &Log{
		store:   store,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// Append validates and writes an entry. A failure here propagates to the
// caller, so primary security actions (an admin password reset, a case
// mutation) fail when their record cannot be written.
func (l *Log) Append(ctx context.Context, e *Entry) error {
	if e.Action == "" {
		return apperr.Validation("action", "action is required")
	}
	if e.ActorID == nil && e.TenantID == nil {
		return apperr.Validation("actor_id", "an actor or tenant context is required")
	}
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}
	if !ValidSeverity(e.Severity) {
		return apperr.Validation("severity", "unknown severity")
	}
	if e.Tags == nil {
		e.Tags = []string{}
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.now()
	}

	if err := l.store.Insert(ctx, e); err != nil {
		if l.metrics != nil {
			l.metrics.AuditAppendFailures.Inc()
		}
		return err
	}
	if l.metrics != nil {
		l.metrics.AuditEventsTotal.WithLabelValues(string(e.Severity)).Inc()
	}
	return nil
}

// AppendBestEffort writes an entry for a secondary side effect. Failures
// are logged and swallowed so they never roll back the operation they
// annotate.
func (l *Log) AppendBestEffort(ctx context.Context, e *Entry) {
	if err := l.Append(ctx, e); err != nil {
		l.logger.WithError(err).WithField("action", e.Action).Warn("best-effort audit append failed")
	}
}

// Search returns one page of entries matching the filters plus the total
func (l *Log) Search(ctx context.Context, f SearchFilters) (*SearchResult, error) {
	return l.store.Search(ctx, f)
}
