// Package apperr defines the typed domain errors shared across the identity
// and forensics core. Every error carries a stable machine code, an optional
// offending field, and a suggested HTTP status so callers can branch without
// parsing prose.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable machine-readable error code
type Code string

const (
	CodeInvalidCredentials      Code = "INVALID_CREDENTIALS"
	CodeAccountPending          Code = "ACCOUNT_PENDING"
	CodeAccountSuspended        Code = "ACCOUNT_SUSPENDED"
	CodeAccountRejected         Code = "ACCOUNT_REJECTED"
	CodeEmailUnverified         Code = "EMAIL_UNVERIFIED"
	CodePasswordPolicyViolation Code = "PASSWORD_POLICY_VIOLATION"
	CodeDuplicateEmail          Code = "DUPLICATE_EMAIL"
	CodeTenantNotFound          Code = "TENANT_NOT_FOUND"
	CodeRefreshTokenInvalid     Code = "REFRESH_TOKEN_INVALID"
	CodeRefreshTokenExpired     Code = "REFRESH_TOKEN_EXPIRED"
	CodeValidationError         Code = "VALIDATION_ERROR"
	CodeUnauthorized            Code = "UNAUTHORIZED"
	CodeForbidden               Code = "FORBIDDEN"
	CodeNotFound                Code = "NOT_FOUND"
	CodeRateLimited             Code = "RATE_LIMITED"
	CodeUnsupportedFormat       Code = "UNSUPPORTED_FORMAT"
	CodeInvalidTransition       Code = "INVALID_TRANSITION"
	CodeInternal                Code = "INTERNAL_ERROR"
)

// Error is a domain error with enough structure for an HTTP caller to branch
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
	Status  int    `json:"-"`

	cause error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (field %q)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/As chains
func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches two apperr errors by code so sentinel comparisons work
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

// WithField returns a copy of the error annotated with the offending field
func (e *Error) WithField(field string) *Error {
	clone := *e
	clone.Field = field
	return &clone
}

// WithCause returns a copy of the error wrapping an underlying cause
func (e *Error) WithCause(cause error) *Error {
	clone := *e
	clone.cause = cause
	return &clone
}

// New creates a domain error with an explicit code, message and HTTP status
func New(code Code, status int, message string) *Error {
	return &Error{Code: code, Message: message, Status: status}
}

// Newf creates a domain error with a formatted message
func Newf(code Code, status int, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Status: status}
}

// Sentinel errors for the well-known conditions. Handlers compare with
// errors.Is; services return these directly or via WithField/WithCause.
var (
	ErrInvalidCredentials = New(CodeInvalidCredentials, http.StatusUnauthorized, "invalid email or password")
	ErrAccountPending     = New(CodeAccountPending, http.StatusForbidden, "account is pending approval")
	ErrAccountSuspended   = New(CodeAccountSuspended, http.StatusForbidden, "account is suspended")
	ErrAccountRejected    = New(CodeAccountRejected, http.StatusForbidden, "account registration was rejected")
	ErrEmailUnverified    = New(CodeEmailUnverified, http.StatusForbidden, "email address is not verified")
	ErrDuplicateEmail     = New(CodeDuplicateEmail, http.StatusConflict, "email address is already registered")
	ErrTenantNotFound     = New(CodeTenantNotFound, http.StatusNotFound, "tenant not found")
	ErrRefreshInvalid     = New(CodeRefreshTokenInvalid, http.StatusUnauthorized, "refresh token is invalid or revoked")
	ErrRefreshExpired     = New(CodeRefreshTokenExpired, http.StatusUnauthorized, "refresh token has expired")
	ErrUnauthorized       = New(CodeUnauthorized, http.StatusUnauthorized, "authentication required")
	ErrForbidden          = New(CodeForbidden, http.StatusForbidden, "insufficient permissions")
	ErrNotFound           = New(CodeNotFound, http.StatusNotFound, "resource not found")
	ErrRateLimited        = New(CodeRateLimited, http.StatusTooManyRequests, "too many requests")
	ErrInternal           = New(CodeInternal, http.StatusInternalServerError, "internal server error")
)

// Validation creates a VALIDATION_ERROR for a specific field
func Validation(field, message string) *Error {
	return &Error{
		Code:    CodeValidationError,
		Message: message,
		Field:   field,
		Status:  http.StatusUnprocessableEntity,
	}
}

// PolicyViolation creates a PASSWORD_POLICY_VIOLATION carrying the failures
func PolicyViolation(reasons []string) *Error {
	msg := "password does not meet policy requirements"
	if len(reasons) > 0 {
		msg = reasons[0]
	}
	return &Error{
		Code:    CodePasswordPolicyViolation,
		Message: msg,
		Field:   "password",
		Status:  http.StatusUnprocessableEntity,
	}
}

// StatusFor returns the HTTP status an error maps to. Unknown errors are
// treated as internal so infrastructure detail never leaks to the caller.
func StatusFor(err error) int {
	var appErr *Error
	if errors.As(err, &appErr) && appErr.Status != 0 {
		return appErr.Status
	}
	return http.StatusInternalServerError
}

// CodeFor returns the stable code for an error, falling back to INTERNAL_ERROR
func CodeFor(err error) Code {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given code
func IsCode(err error, code Code) bool {
	var appErr *Error
	return errors.As(err, &appErr) && appErr.Code == code
}
