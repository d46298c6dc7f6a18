// Package notify dispatches email notifications. Delivery is best-effort
// throughout: callers log failures and never propagate them.
package notify

import (
	"context"

	"github.com/schoolworks/aegis/pkg/observability"
)

// Dispatcher sends account-related notifications
type Dispatcher interface {
	SendVerification(ctx context.Context, email string) error
	SendTemporaryPassword(ctx context.Context, email, temporaryPassword string) error
	SendSecurityAlert(ctx context.Context, email, subject, body string) error
}

// LogDispatcher records notifications in the structured log instead of
// sending mail. The default when no mail transport is configured.
type LogDispatcher struct {
	logger *observability.Logger
}

// NewLogDispatcher creates a log-only dispatcher
func NewLogDispatcher(logger *observability.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger}
}

// SendVerification logs a verification notification
func (d *LogDispatcher) SendVerification(ctx context.Context, email string) error {
	d.logger.WithField("email", email).Info("verification email queued")
	return nil
}

// SendTemporaryPassword logs a temporary password notification. The
// password itself is never logged.
func (d *LogDispatcher) SendTemporaryPassword(ctx context.Context, email, temporaryPassword string) error {
	d.logger.WithField("email", email).Info("temporary password email queued")
	return nil
}

// SendSecurityAlert logs a security alert notification
func (d *LogDispatcher) SendSecurityAlert(ctx context.Context, email, subject, body string) error {
	d.logger.WithFields(map[string]interface{}{
		"email":   email,
		"subject": subject,
	}).Info("security alert email queued")
	return nil
}
