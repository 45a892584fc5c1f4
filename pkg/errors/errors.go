package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"rillcast/internal/core/domain"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden          ErrorCode = "FORBIDDEN"
	ErrCodeRateLimit          ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeNoEligibleTracks   ErrorCode = "NO_ELIGIBLE_TRACKS"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrCodeBadGateway         ErrorCode = "BAD_GATEWAY"
)

// AppError represents an application error with code and context
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewAppError creates a new application error
func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Context:    make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Cause:      err,
		Context:    make(map[string]interface{}),
	}
}

// Common error constructors
func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewUnauthorizedError(message string) *AppError {
	return NewAppError(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func NewForbiddenError(message string) *AppError {
	return NewAppError(ErrCodeForbidden, message, http.StatusForbidden)
}

func NewRateLimitError() *AppError {
	return NewAppError(ErrCodeRateLimit, "rate limit exceeded", http.StatusTooManyRequests)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

func NewServiceUnavailableError(message string) *AppError {
	return NewAppError(ErrCodeServiceUnavailable, message, http.StatusServiceUnavailable)
}

// FromDomainError maps controller and transport errors onto HTTP-facing
// application errors. The original error stays reachable through Unwrap.
func FromDomainError(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr := GetAppError(err); appErr != nil {
		return appErr
	}

	switch {
	case stderrors.Is(err, domain.ErrNoEligibleTracks):
		return WrapError(err, ErrCodeNoEligibleTracks, "room has no eligible tracks", http.StatusUnprocessableEntity)
	case stderrors.Is(err, domain.ErrNoPortsAvailable):
		return WrapError(err, ErrCodeServiceUnavailable, "no relay ports available", http.StatusServiceUnavailable)
	case stderrors.Is(err, domain.ErrRelayWireFailure):
		return WrapError(err, ErrCodeBadGateway, "failed to wire media relays", http.StatusBadGateway)
	case stderrors.Is(err, domain.ErrProcessSpawnFailure):
		return WrapError(err, ErrCodeInternal, "failed to start transcoder", http.StatusInternalServerError)
	case stderrors.Is(err, domain.ErrRoomNotFound):
		return WrapError(err, ErrCodeNotFound, "room not found", http.StatusNotFound)
	case stderrors.Is(err, domain.ErrSessionNotFound):
		return WrapError(err, ErrCodeNotFound, "stream not found", http.StatusNotFound)
	case stderrors.Is(err, domain.ErrInvalidTrackRef), stderrors.Is(err, domain.ErrTrackNotFound),
		stderrors.Is(err, domain.ErrInvalidLayout):
		return WrapError(err, ErrCodeInvalidInput, err.Error(), http.StatusBadRequest)
	default:
		return WrapError(err, ErrCodeInternal, "internal server error", http.StatusInternalServerError)
	}
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return nil
}
