package errors

import (
	"errors"
	"fmt"
	"net/http"

	"confab/internal/core/domain"
)

// ErrorCode is the machine-readable failure reason sent to clients.
type ErrorCode string

const (
	ErrCodeInvalidRequest           ErrorCode = "invalid-request"
	ErrCodeNotFound                 ErrorCode = "not-found"
	ErrCodeIncompatibleCapabilities ErrorCode = "incompatible-capabilities"
	ErrCodeNoCapacity               ErrorCode = "no-capacity"
	ErrCodeRoomFull                 ErrorCode = "room-full"
	ErrCodeUnauthorized             ErrorCode = "unauthorized"
	ErrCodeForbidden                ErrorCode = "forbidden"
	ErrCodeEngineFailure            ErrorCode = "engine-failure"
	ErrCodeTransportConnected       ErrorCode = "transport-already-connected"
	ErrCodeConflict                 ErrorCode = "conflict"
	ErrCodeRateLimit                ErrorCode = "rate-limited"
	ErrCodeInternal                 ErrorCode = "internal"
	ErrCodeServiceUnavailable       ErrorCode = "service-unavailable"
)

// AppError represents an application error with code and context
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

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

func NewInvalidRequestError(message string) *AppError {
	return NewAppError(ErrCodeInvalidRequest, message, http.StatusBadRequest)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func NewUnauthorizedError(message string) *AppError {
	return NewAppError(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func NewForbiddenError(message string) *AppError {
	return NewAppError(ErrCodeForbidden, message, http.StatusForbidden)
}

func NewConflictError(message string) *AppError {
	return NewAppError(ErrCodeConflict, message, http.StatusConflict)
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

// IsAppError checks if error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}

var sentinelCodes = []struct {
	err    error
	code   ErrorCode
	status int
}{
	{domain.ErrRoomNotFound, ErrCodeNotFound, http.StatusNotFound},
	{domain.ErrPeerNotFound, ErrCodeNotFound, http.StatusNotFound},
	{domain.ErrTransportNotFound, ErrCodeNotFound, http.StatusNotFound},
	{domain.ErrProducerNotFound, ErrCodeNotFound, http.StatusNotFound},
	{domain.ErrConsumerNotFound, ErrCodeNotFound, http.StatusNotFound},
	{domain.ErrDataProducerNotFound, ErrCodeNotFound, http.StatusNotFound},
	{domain.ErrIncompatibleCapabilities, ErrCodeIncompatibleCapabilities, http.StatusUnprocessableEntity},
	{domain.ErrNoCapacity, ErrCodeNoCapacity, http.StatusServiceUnavailable},
	{domain.ErrRoomFull, ErrCodeRoomFull, http.StatusConflict},
	{domain.ErrRoomClosed, ErrCodeNotFound, http.StatusNotFound},
	{domain.ErrAuthenticationFailed, ErrCodeUnauthorized, http.StatusUnauthorized},
	{domain.ErrAuthorizationFailed, ErrCodeForbidden, http.StatusForbidden},
	{domain.ErrEngineFailure, ErrCodeEngineFailure, http.StatusBadGateway},
	{domain.ErrTransportConnected, ErrCodeTransportConnected, http.StatusConflict},
	{domain.ErrTransportNotConnected, ErrCodeInvalidRequest, http.StatusBadRequest},
	{domain.ErrWrongDirection, ErrCodeInvalidRequest, http.StatusBadRequest},
	{domain.ErrPeerAlreadyExists, ErrCodeConflict, http.StatusConflict},
	{domain.ErrNotInRoom, ErrCodeInvalidRequest, http.StatusBadRequest},
	{domain.ErrAlreadyInRoom, ErrCodeInvalidRequest, http.StatusBadRequest},
	{domain.ErrInvalidParameters, ErrCodeInvalidRequest, http.StatusBadRequest},
}

// FromError maps any error onto an AppError. Domain sentinels keep their
// message; anything unrecognised becomes an internal error.
func FromError(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr := GetAppError(err); appErr != nil {
		return appErr
	}
	for _, s := range sentinelCodes {
		if errors.Is(err, s.err) {
			return WrapError(err, s.code, s.err.Error(), s.status)
		}
	}
	return WrapError(err, ErrCodeInternal, "internal error", http.StatusInternalServerError)
}
