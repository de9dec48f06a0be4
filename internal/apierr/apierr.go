// Package apierr defines the typed error taxonomy the Authentication Orchestrator
// returns, so HTTP handlers can map a failure to its status code via errors.As instead
// of matching on strings. Grounded on the teacher's internal/api/rest/errors.go
// (APIError, ErrCode* constants), generalized into sentinel error values the domain
// layer can return directly rather than a presentation-layer struct.
package apierr

import (
	"errors"
	"net/http"
	"time"
)

// Code is a stable, machine-readable error identifier included in every error response.
type Code string

const (
	CodeInvalidCredentials Code = "INVALID_CREDENTIALS"
	CodeTwoFactorRequired  Code = "TWO_FACTOR_REQUIRED"
	CodeTooManyAttempts    Code = "TOO_MANY_ATTEMPTS"
	CodeAccountLocked      Code = "ACCOUNT_LOCKED"
	CodeUnauthorized       Code = "UNAUTHORIZED"
	CodeBadRequest         Code = "BAD_REQUEST"
	CodeNotFound           Code = "NOT_FOUND"
	CodeConflict           Code = "CONFLICT"
	CodeInternal           Code = "INTERNAL"
)

// Error is a taxonomy member: a stable code, an HTTP status, and a safe user-facing
// message. Storage/cipher failures are always wrapped into ErrInternal before reaching
// a handler — the underlying driver error never reaches the response body.
type Error struct {
	Code    Code
	Status  int
	Message string
	// RetryAfterSeconds is set only for TooManyAttempts; HTTP handlers surface it as a header.
	RetryAfterSeconds int
	// LockedUntil is set only for AccountLocked; HTTP handlers surface it in the body.
	LockedUntil time.Time
}

func (e *Error) Error() string { return e.Message }

func New(code Code, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

var (
	ErrInvalidCredentials = New(CodeInvalidCredentials, http.StatusUnauthorized, "invalid email or password")
	ErrTwoFactorRequired  = New(CodeTwoFactorRequired, http.StatusBadRequest, "two-factor code required")
	ErrAccountLocked      = New(CodeAccountLocked, http.StatusLocked, "account temporarily locked")
	ErrUnauthorized       = New(CodeUnauthorized, http.StatusUnauthorized, "unauthorized")
	ErrBadRequest         = New(CodeBadRequest, http.StatusBadRequest, "bad request")
	ErrNotFound           = New(CodeNotFound, http.StatusNotFound, "not found")
	ErrConflict           = New(CodeConflict, http.StatusConflict, "conflict")
	ErrInternal           = New(CodeInternal, http.StatusInternalServerError, "internal error")
)

// TooManyAttempts builds a TooManyAttempts error carrying the wait the caller must
// honor, surfaced as the Retry-After header.
func TooManyAttempts(retryAfterSeconds int) *Error {
	return &Error{
		Code:              CodeTooManyAttempts,
		Status:            http.StatusTooManyRequests,
		Message:           "too many attempts, try again later",
		RetryAfterSeconds: retryAfterSeconds,
	}
}

// AccountLocked builds an AccountLocked error carrying the time attempts resume.
func AccountLocked(lockedUntil time.Time) *Error {
	return &Error{
		Code:        CodeAccountLocked,
		Status:      http.StatusLocked,
		Message:     "account temporarily locked",
		LockedUntil: lockedUntil,
	}
}

// As reports whether err is (or wraps) an *Error, for handlers to switch on via
// errors.As rather than string matching.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Wrap turns any unexpected error into ErrInternal, discarding its text so storage or
// cipher failure details never reach a response body. The original error should still
// be logged by the caller before calling Wrap.
func Wrap(err error) *Error {
	if e, ok := As(err); ok {
		return e
	}
	return ErrInternal
}
