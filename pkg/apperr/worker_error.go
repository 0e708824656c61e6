package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes
const (
	// Auth errors
	CodeUnauthorized   = "UNAUTHORIZED"
	CodeInvalidToken   = "INVALID_TOKEN"
	CodeForbidden      = "FORBIDDEN"
	CodeReauthRequired = "REAUTH_REQUIRED"

	// Validation errors
	CodeBadRequest   = "BAD_REQUEST"
	CodeInvalidInput = "INVALID_INPUT"

	// Resource errors
	CodeNotFound = "NOT_FOUND"
	CodeConflict = "CONFLICT"

	// Sync errors
	CodeRateLimited       = "RATE_LIMITED"
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeInvalidCursor     = "INVALID_CURSOR"
	CodeLeaseHeld         = "LEASE_HELD"

	// External errors
	CodeOAuthFailed   = "OAUTH_FAILED"
	CodeDatabaseError = "DATABASE_ERROR"
	CodeExternalError = "EXTERNAL_ERROR"

	// Internal errors
	CodeInternalError = "INTERNAL_ERROR"
	CodeConfigError   = "CONFIG_ERROR"
)

// AppError represents a structured application error
type AppError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Status  int            `json:"-"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches on code so sentinel values work with errors.Is.
func (e *AppError) Is(target error) bool {
	var t *AppError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func (e *AppError) WithDetail(key string, value any) *AppError {
	cp := *e
	cp.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

func (e *AppError) WithError(err error) *AppError {
	cp := *e
	cp.Err = err
	return &cp
}

func New(code, message string, status int) *AppError {
	return &AppError{Code: code, Message: message, Status: status}
}

func Wrap(err error, code, message string, status int) *AppError {
	return &AppError{Code: code, Message: message, Status: status, Err: err}
}

func Unauthorized(message string) *AppError {
	if message == "" {
		message = "unauthorized"
	}
	return New(CodeUnauthorized, message, http.StatusUnauthorized)
}

func InvalidToken(message string) *AppError {
	return New(CodeInvalidToken, message, http.StatusUnauthorized)
}

func Forbidden(message string) *AppError {
	if message == "" {
		message = "forbidden"
	}
	return New(CodeForbidden, message, http.StatusForbidden)
}

func BadRequest(message string) *AppError {
	return New(CodeBadRequest, message, http.StatusBadRequest)
}

func InvalidInput(field, reason string) *AppError {
	return &AppError{
		Code:    CodeInvalidInput,
		Message: fmt.Sprintf("invalid input for '%s': %s", field, reason),
		Status:  http.StatusBadRequest,
		Details: map[string]any{"field": field},
	}
}

func NotFound(resource string) *AppError {
	return New(CodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func Conflict(message string) *AppError {
	return New(CodeConflict, message, http.StatusConflict)
}

// RateLimited reports an active provider lockout with the seconds left.
func RateLimited(provider string, retryAfter int) *AppError {
	return &AppError{
		Code:    CodeRateLimited,
		Message: fmt.Sprintf("provider %s rate limited", provider),
		Status:  http.StatusTooManyRequests,
		Details: map[string]any{"provider": provider, "retry_after": retryAfter},
	}
}

func ReauthRequired(accountID string) *AppError {
	return &AppError{
		Code:    CodeReauthRequired,
		Message: "account requires reconnection",
		Status:  http.StatusConflict,
		Details: map[string]any{"account_id": accountID},
	}
}

func InvalidTransition(from, event string) *AppError {
	return &AppError{
		Code:    CodeInvalidTransition,
		Message: fmt.Sprintf("event %s not allowed in state %s", event, from),
		Status:  http.StatusConflict,
		Details: map[string]any{"state": from, "event": event},
	}
}

func InvalidCursor(reason string) *AppError {
	return New(CodeInvalidCursor, "invalid sync cursor: "+reason, http.StatusUnprocessableEntity)
}

func LeaseHeld(key string) *AppError {
	return &AppError{
		Code:    CodeLeaseHeld,
		Message: "resource is locked by another worker",
		Status:  http.StatusConflict,
		Details: map[string]any{"key": key},
	}
}

func OAuthFailed(provider string, err error) *AppError {
	return &AppError{
		Code:    CodeOAuthFailed,
		Message: fmt.Sprintf("OAuth failed for %s", provider),
		Status:  http.StatusBadGateway,
		Details: map[string]any{"provider": provider},
		Err:     err,
	}
}

func DatabaseError(operation string, err error) *AppError {
	return &AppError{
		Code:    CodeDatabaseError,
		Message: fmt.Sprintf("database error: %s", operation),
		Status:  http.StatusInternalServerError,
		Err:     err,
	}
}

func ExternalError(service string, err error) *AppError {
	return &AppError{
		Code:    CodeExternalError,
		Message: fmt.Sprintf("external service error: %s", service),
		Status:  http.StatusBadGateway,
		Details: map[string]any{"service": service},
		Err:     err,
	}
}

func Internal(message string) *AppError {
	if message == "" {
		message = "internal server error"
	}
	return New(CodeInternalError, message, http.StatusInternalServerError)
}

func InternalWithError(err error) *AppError {
	return Wrap(err, CodeInternalError, "internal server error", http.StatusInternalServerError)
}

func ConfigError(message string) *AppError {
	return New(CodeConfigError, message, http.StatusInternalServerError)
}

// Sentinels for errors.Is checks
var (
	ErrNotFound          = NotFound("resource")
	ErrRateLimited       = New(CodeRateLimited, "too many requests", http.StatusTooManyRequests)
	ErrReauthRequired    = New(CodeReauthRequired, "account requires reconnection", http.StatusConflict)
	ErrInvalidTransition = New(CodeInvalidTransition, "invalid sync transition", http.StatusConflict)
	ErrInvalidCursor     = New(CodeInvalidCursor, "invalid sync cursor", http.StatusUnprocessableEntity)
	ErrLeaseHeld         = New(CodeLeaseHeld, "resource is locked by another worker", http.StatusConflict)
	ErrConfig            = New(CodeConfigError, "configuration error", http.StatusInternalServerError)
)

func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

func AsAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return InternalWithError(err)
}

func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Status
	}
	return http.StatusInternalServerError
}
