package accounts

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/schoolworks/aegis/pkg/apperr"
	"github.com/schoolworks/aegis/pkg/audit"
	"github.com/schoolworks/aegis/pkg/credentials"
	"github.com/schoolworks/aegis/pkg/notify"
	"github.com/schoolworks/aegis/pkg/observability"
	"github.com/schoolworks/aegis/pkg/permissions"
	"github.com/schoolworks/aegis/pkg/sessions"
	"github.com/schoolworks/aegis/pkg/tokens"
)

// TenantChecker verifies tenant references at signup
type TenantChecker interface {
	Exists(ctx context.Context, id string) (bool, error)
}

// Service orchestrates the account lifecycle across the credential vault,
// token service and session registry.
type Service struct {
	store    *Store
	hasher   *credentials.Hasher
	policy   credentials.Policy
	denylist *credentials.Denylist
	tokens   *tokens.Service
	sessions *sessions.Registry
	auditLog *audit.Log
	tenants  TenantChecker
	notifier notify.Dispatcher
	logger   *observability.Logger
	metrics  *observability.Metrics
	tempLen  int
	now      func() time.Time

	// dummyHash burns a verification on unknown emails so response timing
	// does not reveal whether the account exists
	dummyHash string
}

// NewService wires the account service. metrics may be nil.
func NewService(
	store *Store,
	hasher *credentials.Hasher,
	policy credentials.Policy,
	denylist *credentials.Denylist,
	tokenSvc *tokens.Service,
	sessionReg *sessions.Registry,
	auditLog *audit.Log,
	tenantChecker TenantChecker,
	notifier notify.Dispatcher,
	logger *observability.Logger,
	metrics *observability.Metrics,
	temporaryPasswordLen int,
) (*Service, error) {
	dummy, err := hasher.Hash("aegis-timing-equalizer")
	if err != nil {
		return nil, fmt.Errorf("failed to prepare dummy hash: %w", err)
	}

	return &Service{
		store:    store,
		hasher:   hasher,
		policy:   policy,
		denylist: denylist,
		tokens:   tokenSvc,
		sessions: sessionReg,
		auditLog: auditLog,
		tenants:  tenantChecker,
		notifier: notifier,
		logger:   logger,
		metrics:  metrics,
		tempLen:  temporaryPasswordLen,
		now:      time.Now,
		dummyHash: dummy,
	}, nil
}

// Signup registers a new account in the pending state
func (s *Service) Signup(ctx context.Context, req SignupRequest) (*Account, error) {
	email := strings.TrimSpace(strings.ToLower(req.Email))
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, apperr.Validation("email", "invalid email address")
	}
	role := req.Role
	if role == "" {
		role = permissions.RoleStudent
	}
	if !permissions.ValidRole(role) {
		return nil, apperr.Validation("role", "unknown role")
	}
	if role == permissions.RoleSuperadmin {
		return nil, apperr.Validation("role", "superadmin accounts cannot self-register")
	}
	if req.TenantID == "" {
		return nil, apperr.Validation("tenant_id", "tenant is required")
	}

	if result := s.policy.Validate(req.Password, s.denylist); !result.Valid {
		return nil, apperr.PolicyViolation(result.Errors)
	}

	ok, err := s.tenants.Exists(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.ErrTenantNotFound
	}

	if existing, err := s.store.GetByEmail(ctx, email); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, apperr.ErrDuplicateEmail
	}

	hash, err := s.hasher.Hash(req.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	tenantID := req.TenantID
	account := &Account{
		Email:        email,
		PrimaryRole:  role,
		TenantID:     &tenantID,
		Status:       StatusPending,
		PasswordHash: hash,
	}
	if err := s.store.Insert(ctx, account); err != nil {
		if IsUniqueViolation(err) {
			return nil, apperr.ErrDuplicateEmail
		}
		return nil, err
	}

	s.auditLog.AppendBestEffort(ctx, &audit.Entry{
		TenantID:     account.TenantID,
		ActorID:      &account.ID,
		Action:       audit.ActionSignup,
		ResourceType: "account",
		ResourceID:   account.ID,
		Tags:         []string{"auth"},
	})
	if err := s.notifier.SendVerification(ctx, email); err != nil {
		s.logger.WithError(err).WithField("email", email).Warn("verification email dispatch failed")
	}

	return account, nil
}

// Login authenticates by email and password and opens a session. The check
// order protects against account enumeration: password verification always
// runs before any status-based rejection, and unknown emails burn a dummy
// verification so timing matches the known-email path.
func (s *Service) Login(ctx context.Context, email, password string, reqCtx sessions.RequestContext) (*tokens.TokenPair, *Account, error) {
	email = strings.TrimSpace(strings.ToLower(email))

	account, err := s.store.GetByEmail(ctx, email)
	if err != nil {
		return nil, nil, err
	}
	if account == nil {
		s.hasher.Verify(password, s.dummyHash)
		s.recordAttempt(ctx, nil, email, reqCtx, false, "unknown_email")
		return nil, nil, apperr.ErrInvalidCredentials
	}

	if !s.hasher.Verify(password, account.PasswordHash) {
		s.recordAttempt(ctx, &account.ID, email, reqCtx, false, "bad_password")
		return nil, nil, apperr.ErrInvalidCredentials
	}

	// Status rejection only after the password proved knowledge of the
	// credentials
	switch account.Status {
	case StatusPending:
		s.recordAttempt(ctx, &account.ID, email, reqCtx, false, "pending")
		return nil, nil, apperr.ErrAccountPending
	case StatusSuspended:
		s.recordAttempt(ctx, &account.ID, email, reqCtx, false, "suspended")
		return nil, nil, apperr.ErrAccountSuspended
	case StatusRejected:
		s.recordAttempt(ctx, &account.ID, email, reqCtx, false, "rejected")
		return nil, nil, apperr.ErrAccountRejected
	}
	if !account.EmailVerified {
		s.recordAttempt(ctx, &account.ID, email, reqCtx, false, "unverified")
		return nil, nil, apperr.ErrEmailUnverified
	}

	// Refresh token and session commit together
	tx, err := s.store.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin login transaction: %w", err)
	}
	defer tx.Rollback()

	refresh, err := s.tokens.IssueRefreshTokenTx(ctx, tx, account.ID)
	if err != nil {
		return nil, nil, err
	}
	if _, err := s.sessions.RecordLogin(ctx, tx, account.ID, account.TenantID, refresh.ID, reqCtx); err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("failed to commit login transaction: %w", err)
	}

	access, accessExp, err := s.tokens.IssueAccessToken(s.identity(account))
	if err != nil {
		return nil, nil, err
	}

	s.recordAttempt(ctx, &account.ID, email, reqCtx, true, "")
	s.auditLog.AppendBestEffort(ctx, &audit.Entry{
		TenantID:     account.TenantID,
		ActorID:      &account.ID,
		Action:       audit.ActionLogin,
		ResourceType: "session",
		Tags:         []string{"auth"},
	})

	return &tokens.TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh.Value,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refresh.ExpiresAt,
	}, account, nil
}

func (s *Service) identity(a *Account) tokens.Identity {
	identity := tokens.Identity{
		AccountID: a.ID,
		Role:      string(a.PrimaryRole),
		Email:     a.Email,
	}
	for _, r := range a.AdditionalRoles {
		identity.AdditionalRoles = append(identity.AdditionalRoles, string(r))
	}
	if a.TenantID != nil {
		identity.TenantID = *a.TenantID
	}
	return identity
}

func (s *Service) recordAttempt(ctx context.Context, accountID *string, email string, reqCtx sessions.RequestContext, success bool, reason string) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	if s.metrics != nil {
		s.metrics.LoginAttemptsTotal.WithLabelValues(outcome).Inc()
	}

	err := s.store.RecordLoginAttempt(ctx, &LoginAttempt{
		AccountID: accountID,
		Email:     email,
		IP:        reqCtx.IP,
		UserAgent: reqCtx.UserAgent,
		Success:   success,
		Reason:    reason,
	})
	if err != nil {
		s.logger.WithError(err).Warn("failed to record login attempt")
	}
}

// Logout revokes the presented refresh token and closes its session.
// Unknown tokens make logout a no-op rather than an error.
func (s *Service) Logout(ctx context.Context, refreshValue string) error {
	tokenID, accountID, err := s.tokens.LookupID(ctx, refreshValue)
	if err != nil {
		if apperr.IsCode(err, apperr.CodeRefreshTokenInvalid) {
			return nil
		}
		return err
	}

	if err := s.tokens.Revoke(ctx, refreshValue); err != nil {
		return err
	}
	if err := s.sessions.RecordLogout(ctx, accountID, tokenID); err != nil {
		return err
	}

	s.auditLog.AppendBestEffort(ctx, &audit.Entry{
		ActorID:      &accountID,
		Action:       audit.ActionLogout,
		ResourceType: "session",
		Tags:         []string{"auth"},
	})
	return nil
}

// Refresh rotates the presented refresh token and issues a new access
// token. The session record follows the replacement token atomically.
func (s *Service) Refresh(ctx context.Context, refreshValue string) (*tokens.TokenPair, error) {
	accountID, replacement, err := s.tokens.Rotate(ctx, refreshValue)
	if err != nil {
		return nil, err
	}

	account, err := s.store.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account == nil || account.Status != StatusActive {
		return nil, apperr.ErrRefreshInvalid
	}

	access, accessExp, err := s.tokens.IssueAccessToken(s.identity(account))
	if err != nil {
		return nil, err
	}

	return &tokens.TokenPair{
		AccessToken:      access,
		RefreshToken:     replacement.Value,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: replacement.ExpiresAt,
	}, nil
}

// ChangePassword verifies the current password, enforces policy on the new
// one and rotates every credential derived from the old password. The hash
// update, history record and forced logout commit in one transaction.
func (s *Service) ChangePassword(ctx context.Context, accountID, currentPassword, newPassword string) error {
	account, err := s.store.GetByID(ctx, accountID)
	if err != nil {
		return err
	}
	if account == nil {
		return apperr.ErrNotFound
	}
	if !s.hasher.Verify(currentPassword, account.PasswordHash) {
		return apperr.ErrInvalidCredentials
	}
	if result := s.policy.Validate(newPassword, s.denylist); !result.Valid {
		return apperr.PolicyViolation(result.Errors)
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	now := s.now()
	tx, err := s.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin password change transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := s.store.UpdatePasswordHash(ctx, tx, accountID, hash, now); err != nil {
		return err
	}
	if err := s.store.RecordPasswordChange(ctx, tx, &PasswordChange{
		AccountID: accountID,
		ChangedBy: accountID,
		Kind:      ChangeKindSelf,
	}); err != nil {
		return err
	}
	if _, err := s.tokens.RevokeAllForAccountTx(ctx, tx, accountID); err != nil {
		return err
	}
	if _, err := s.sessions.CloseAllForAccountTx(ctx, tx, accountID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit password change: %w", err)
	}

	s.auditLog.AppendBestEffort(ctx, &audit.Entry{
		TenantID:     account.TenantID,
		ActorID:      &accountID,
		Action:       audit.ActionPasswordChange,
		ResourceType: "account",
		ResourceID:   accountID,
		Tags:         []string{"auth", "security"},
	})
	return nil
}

// AdminResetPassword sets a one-time temporary password on the target
// account, revoking everything issued under the old one. The audit record
// of the reset is the action itself: if it cannot be written the reset
// fails.
func (s *Service) AdminResetPassword(ctx context.Context, adminID, targetAccountID string) (string, error) {
	account, err := s.store.GetByID(ctx, targetAccountID)
	if err != nil {
		return "", err
	}
	if account == nil {
		return "", apperr.ErrNotFound
	}

	temp, err := credentials.GenerateTemporaryPassword(s.tempLen)
	if err != nil {
		return "", err
	}
	hash, err := s.hasher.Hash(temp)
	if err != nil {
		return "", fmt.Errorf("failed to hash temporary password: %w", err)
	}

	now := s.now()
	tx, err := s.store.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin password reset transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := s.store.UpdatePasswordHash(ctx, tx, targetAccountID, hash, now); err != nil {
		return "", err
	}
	if err := s.store.RecordPasswordChange(ctx, tx, &PasswordChange{
		AccountID: targetAccountID,
		ChangedBy: adminID,
		Kind:      ChangeKindAdminReset,
	}); err != nil {
		return "", err
	}
	if _, err := s.tokens.RevokeAllForAccountTx(ctx, tx, targetAccountID); err != nil {
		return "", err
	}
	if _, err := s.sessions.CloseAllForAccountTx(ctx, tx, targetAccountID); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit password reset: %w", err)
	}

	if err := s.auditLog.Append(ctx, &audit.Entry{
		TenantID:     account.TenantID,
		ActorID:      &adminID,
		Action:       audit.ActionPasswordReset,
		ResourceType: "account",
		ResourceID:   targetAccountID,
		Severity:     audit.SeverityWarning,
		Tags:         []string{"admin", "security"},
	}); err != nil {
		return "", err
	}

	if err := s.notifier.SendTemporaryPassword(ctx, account.Email, temp); err != nil {
		s.logger.WithError(err).WithField("account_id", targetAccountID).
			Warn("temporary password email dispatch failed")
	}
	return temp, nil
}

// ForceLogout closes every active session and revokes every refresh token
// for the account in one transaction, so a failure cannot leave tokens live
// behind an empty session list. Returns the number of sessions closed.
func (s *Service) ForceLogout(ctx context.Context, accountID string, requester sessions.Requester) (int64, error) {
	tx, err := s.store.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin forced logout transaction: %w", err)
	}
	defer tx.Rollback()

	closed, err := s.sessions.RevokeAllSessionsTx(ctx, tx, accountID, requester, "")
	if err != nil {
		return 0, err
	}
	if _, err := s.tokens.RevokeAllForAccountTx(ctx, tx, accountID); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit forced logout: %w", err)
	}
	return closed, nil
}

// SetStatus moves the account to a new lifecycle state. Suspension revokes
// all tokens and sessions before this returns.
func (s *Service) SetStatus(ctx context.Context, adminID, accountID string, status Status) error {
	if !ValidStatus(status) {
		return apperr.Validation("status", "unknown status")
	}

	account, err := s.store.GetByID(ctx, accountID)
	if err != nil {
		return err
	}
	if account == nil {
		return apperr.ErrNotFound
	}

	updated, err := s.store.UpdateStatus(ctx, s.store.db, accountID, status, s.now())
	if err != nil {
		return err
	}
	if !updated {
		return apperr.ErrNotFound
	}

	if status == StatusSuspended || status == StatusRejected {
		if _, err := s.tokens.RevokeAllForAccount(ctx, accountID); err != nil {
			return err
		}
		if _, err := s.sessions.RevokeAllSessions(ctx, accountID,
			sessions.Requester{AccountID: adminID, Privileged: true}, ""); err != nil {
			return err
		}
		if err := s.notifier.SendSecurityAlert(ctx, account.Email, "Your account has been suspended",
			"Your account was suspended by an administrator and all active sessions were signed out. "+
				"Contact support if you believe this is in error."); err != nil {
			s.logger.WithError(err).WithField("account_id", accountID).
				Warn("security alert dispatch failed")
		}
	}

	if err := s.auditLog.Append(ctx, &audit.Entry{
		TenantID:     account.TenantID,
		ActorID:      &adminID,
		Action:       audit.ActionAccountStatus,
		ResourceType: "account",
		ResourceID:   accountID,
		Details:      fmt.Sprintf("status changed from %s to %s", account.Status, status),
		Severity:     audit.SeverityWarning,
		Tags:         []string{"admin"},
	}); err != nil {
		return err
	}
	return nil
}

// VerifyEmail marks the email verified and activates pending accounts
func (s *Service) VerifyEmail(ctx context.Context, accountID string) error {
	updated, err := s.store.MarkEmailVerified(ctx, accountID, s.now())
	if err != nil {
		return err
	}
	if !updated {
		return apperr.ErrNotFound
	}
	return nil
}

// GetByID exposes account lookup to the API layer
func (s *Service) GetByID(ctx context.Context, id string) (*Account, error) {
	account, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, apperr.ErrNotFound
	}
	return account, nil
}
