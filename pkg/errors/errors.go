package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"callsignal/internal/domain"
)

// ErrorCode represents application-specific error codes
type ErrorCode string

const (
	// Validation errors
	ErrCodeValidation   ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"

	// Authentication errors
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeInvalidToken ErrorCode = "INVALID_TOKEN"
	ErrCodeExpiredToken ErrorCode = "EXPIRED_TOKEN"

	// Call registry errors
	ErrCodeAlreadyInCall  ErrorCode = "ALREADY_IN_CALL"
	ErrCodeInvalidTarget  ErrorCode = "INVALID_TARGET"
	ErrCodeCallNotFound   ErrorCode = "CALL_NOT_FOUND"
	ErrCodeNotParticipant ErrorCode = "NOT_PARTICIPANT"
	ErrCodeCallEnded      ErrorCode = "CALL_ENDED"

	// Internal errors
	ErrCodeInternal       ErrorCode = "INTERNAL_ERROR"
	ErrCodeDatabase       ErrorCode = "DATABASE_ERROR"
	ErrCodeServiceUnavail ErrorCode = "SERVICE_UNAVAILABLE"
)

// AppError represents a structured application error with code, message, and HTTP status
type AppError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	StatusCode int       `json:"-"`
	Details    any       `json:"details,omitempty"`
	Err        error     `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError with the given code and message.
// The status code defaults to 500 Internal Server Error
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
	}
}

// NewWithStatus creates a new AppError with a specific HTTP status code
func NewWithStatus(code ErrorCode, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// WrapWithStatus wraps an existing error with an AppError and specific status code
func WrapWithStatus(code ErrorCode, message string, statusCode int, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Err:        err,
	}
}

// WithDetails adds additional details to an AppError
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

func ValidationError(message string) *AppError {
	return NewWithStatus(ErrCodeValidation, message, http.StatusBadRequest)
}

func UnauthorizedError(message string) *AppError {
	return NewWithStatus(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func InvalidTokenError(message string) *AppError {
	return NewWithStatus(ErrCodeInvalidToken, message, http.StatusUnauthorized)
}

func ExpiredTokenError() *AppError {
	return NewWithStatus(ErrCodeExpiredToken, "Token has expired", http.StatusUnauthorized)
}

func InternalError(message string) *AppError {
	return NewWithStatus(ErrCodeInternal, message, http.StatusInternalServerError)
}

func DatabaseError(err error) *AppError {
	return WrapWithStatus(ErrCodeDatabase, "Database error", http.StatusInternalServerError, err)
}

func ServiceUnavailableError(message string) *AppError {
	return NewWithStatus(ErrCodeServiceUnavail, message, http.StatusServiceUnavailable)
}

// FromDomain maps registry errors to their HTTP representation. Errors that
// are not registry violations become internal errors with the cause kept.
func FromDomain(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}

	switch {
	case stderrors.Is(err, domain.ErrAlreadyInCall):
		return WrapWithStatus(ErrCodeAlreadyInCall, "User already has an active call", http.StatusConflict, err)
	case stderrors.Is(err, domain.ErrInvalidTarget),
		stderrors.Is(err, domain.ErrUserNotFound),
		stderrors.Is(err, domain.ErrGroupNotFound):
		return WrapWithStatus(ErrCodeInvalidTarget, "Call target is not valid", http.StatusUnprocessableEntity, err)
	case stderrors.Is(err, domain.ErrCallNotFound):
		return WrapWithStatus(ErrCodeCallNotFound, "Call not found", http.StatusNotFound, err)
	case stderrors.Is(err, domain.ErrNotParticipant):
		return WrapWithStatus(ErrCodeNotParticipant, "Not a participant in this call", http.StatusForbidden, err)
	case stderrors.Is(err, domain.ErrInvalidSignal):
		return WrapWithStatus(ErrCodeValidation, err.Error(), http.StatusBadRequest, err)
	case stderrors.Is(err, domain.ErrCallEnded):
		return WrapWithStatus(ErrCodeCallEnded, "Call has already ended", http.StatusGone, err)
	default:
		return WrapWithStatus(ErrCodeInternal, "Internal server error", http.StatusInternalServerError, err)
	}
}

// DomainError maps an error code received from the control API back to the
// registry error it represents. It returns nil for codes with no counterpart.
func DomainError(code ErrorCode) error {
	switch code {
	case ErrCodeAlreadyInCall:
		return domain.ErrAlreadyInCall
	case ErrCodeInvalidTarget:
		return domain.ErrInvalidTarget
	case ErrCodeCallNotFound:
		return domain.ErrCallNotFound
	case ErrCodeNotParticipant:
		return domain.ErrNotParticipant
	case ErrCodeCallEnded:
		return domain.ErrCallEnded
	default:
		return nil
	}
}

// IsAppError checks if an error is an AppError type
func IsAppError(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr)
}

// GetAppError extracts AppError from an error, wrapping non-AppErrors as InternalError
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return InternalError(err.Error())
}
