package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"github.com/johnquangdev/discovery-sync/internal/domain/entities"
)

// ErrorCode is the machine-readable code returned in API error bodies
type ErrorCode int

const (
	ErrorCode_INTERNAL ErrorCode = iota
	ErrorCode_INVALID_ARGUMENT
	ErrorCode_INVALID_PAYLOAD
	ErrorCode_NOT_FOUND
	ErrorCode_UNAUTHENTICATED
	ErrorCode_AUTH_INVALID_TOKEN
	ErrorCode_AUTH_TOKEN_EXPIRED
	ErrorCode_FORBIDDEN

	ErrorCode_VALIDATION_FAILED
	ErrorCode_RECORD_NOT_FOUND
	ErrorCode_CRM_UNAVAILABLE
	ErrorCode_CRM_REJECTED

	ErrorCode_TASK_NOT_FOUND
	ErrorCode_TASK_NOT_ABANDONED
	ErrorCode_QUEUE_FAILED
)

var errorCodeNames = map[ErrorCode]string{
	ErrorCode_INTERNAL:           "INTERNAL",
	ErrorCode_INVALID_ARGUMENT:   "INVALID_ARGUMENT",
	ErrorCode_INVALID_PAYLOAD:    "INVALID_PAYLOAD",
	ErrorCode_NOT_FOUND:          "NOT_FOUND",
	ErrorCode_UNAUTHENTICATED:    "UNAUTHENTICATED",
	ErrorCode_AUTH_INVALID_TOKEN: "AUTH_INVALID_TOKEN",
	ErrorCode_AUTH_TOKEN_EXPIRED: "AUTH_TOKEN_EXPIRED",
	ErrorCode_FORBIDDEN:          "FORBIDDEN",
	ErrorCode_VALIDATION_FAILED:  "VALIDATION_FAILED",
	ErrorCode_RECORD_NOT_FOUND:   "RECORD_NOT_FOUND",
	ErrorCode_CRM_UNAVAILABLE:    "CRM_UNAVAILABLE",
	ErrorCode_CRM_REJECTED:       "CRM_REJECTED",
	ErrorCode_TASK_NOT_FOUND:     "TASK_NOT_FOUND",
	ErrorCode_TASK_NOT_ABANDONED: "TASK_NOT_ABANDONED",
	ErrorCode_QUEUE_FAILED:       "QUEUE_FAILED",
}

func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// AppError is the error type handlers turn into HTTP responses
type AppError struct {
	Raw       error
	HTTPCode  int
	Code      ErrorCode
	Message   string
	Details   map[string]string
	Timestamp time.Time
}

// Error implements error interface
func (e AppError) Error() string {
	if e.Raw != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code.String(), e.Message, e.Raw)
	}
	return fmt.Sprintf("[%s] %s", e.Code.String(), e.Message)
}

func (e AppError) Unwrap() error {
	return e.Raw
}

// WithDetail adds a detail to the error
func (e AppError) WithDetail(key, value string) AppError {
	details := make(map[string]string, len(e.Details)+1)
	for k, v := range e.Details {
		details[k] = v
	}
	details[key] = value
	e.Details = details
	return e
}

// General Errors
func ErrInternal(err error) AppError {
	return AppError{
		Raw:      err,
		HTTPCode: http.StatusInternalServerError,
		Code:     ErrorCode_INTERNAL,
		Message:  "Internal server error",
	}
}

func ErrInvalidArgument(message string) AppError {
	return AppError{
		HTTPCode: http.StatusBadRequest,
		Code:     ErrorCode_INVALID_ARGUMENT,
		Message:  message,
	}
}

func ErrInvalidPayload(err error) AppError {
	return AppError{
		Raw:      err,
		HTTPCode: http.StatusBadRequest,
		Code:     ErrorCode_INVALID_PAYLOAD,
		Message:  "Invalid payload",
	}
}

func ErrNotFound(resource string) AppError {
	return AppError{
		HTTPCode: http.StatusNotFound,
		Code:     ErrorCode_NOT_FOUND,
		Message:  fmt.Sprintf("%s not found", resource),
	}
}

// Authentication Errors
func ErrUnauthenticated() AppError {
	return AppError{
		HTTPCode: http.StatusUnauthorized,
		Code:     ErrorCode_UNAUTHENTICATED,
		Message:  "Authentication required",
	}
}

func ErrInvalidToken() AppError {
	return AppError{
		HTTPCode: http.StatusUnauthorized,
		Code:     ErrorCode_AUTH_INVALID_TOKEN,
		Message:  "Invalid authentication token",
	}
}

func ErrTokenExpired() AppError {
	return AppError{
		HTTPCode: http.StatusUnauthorized,
		Code:     ErrorCode_AUTH_TOKEN_EXPIRED,
		Message:  "Authentication token has expired",
	}
}

func ErrForbidden(scope string) AppError {
	return AppError{
		HTTPCode: http.StatusForbidden,
		Code:     ErrorCode_FORBIDDEN,
		Message:  "Token does not grant this operation",
	}.WithDetail("required_scope", scope)
}

// Sync Errors
func ErrValidation(err error) AppError {
	appErr := AppError{
		Raw:      err,
		HTTPCode: http.StatusUnprocessableEntity,
		Code:     ErrorCode_VALIDATION_FAILED,
		Message:  "Meeting data failed validation",
	}
	var vErr *entities.ValidationError
	if stderrors.As(err, &vErr) && vErr.Field != "" {
		appErr = appErr.WithDetail("field", vErr.Field)
	}
	return appErr
}

func ErrRecordNotFound(recordID string) AppError {
	return AppError{
		HTTPCode: http.StatusNotFound,
		Code:     ErrorCode_RECORD_NOT_FOUND,
		Message:  "CRM record not found",
	}.WithDetail("record_id", recordID)
}

func ErrCRMUnavailable(err error) AppError {
	return AppError{
		Raw:      err,
		HTTPCode: http.StatusBadGateway,
		Code:     ErrorCode_CRM_UNAVAILABLE,
		Message:  "CRM is temporarily unavailable",
	}
}

func ErrCRMRejected(err error) AppError {
	appErr := AppError{
		Raw:      err,
		HTTPCode: http.StatusBadGateway,
		Code:     ErrorCode_CRM_REJECTED,
		Message:  "CRM rejected the request",
	}
	var syncErr *entities.SyncError
	if stderrors.As(err, &syncErr) && syncErr.Code != "" {
		appErr = appErr.WithDetail("crm_code", syncErr.Code)
	}
	return appErr
}

// Queue Errors
func ErrTaskNotFound(taskID string) AppError {
	return AppError{
		HTTPCode: http.StatusNotFound,
		Code:     ErrorCode_TASK_NOT_FOUND,
		Message:  "Sync task not found",
	}.WithDetail("task_id", taskID)
}

func ErrTaskNotAbandoned(taskID string) AppError {
	return AppError{
		HTTPCode: http.StatusConflict,
		Code:     ErrorCode_TASK_NOT_ABANDONED,
		Message:  "Sync task is still being retried automatically",
	}.WithDetail("task_id", taskID)
}

func ErrQueueFailed(operation string, err error) AppError {
	return AppError{
		Raw:      err,
		HTTPCode: http.StatusInternalServerError,
		Code:     ErrorCode_QUEUE_FAILED,
		Message:  fmt.Sprintf("Sync queue operation failed: %s", operation),
	}
}

// FromDomain maps a domain error onto the matching AppError. Errors that are
// already AppErrors pass through; anything unknown becomes internal.
func FromDomain(err error) AppError {
	var appErr AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}

	var vErr *entities.ValidationError
	switch {
	case stderrors.As(err, &vErr):
		return ErrValidation(err)
	case stderrors.Is(err, entities.ErrRecordNotFound):
		return AppError{Raw: err, HTTPCode: http.StatusNotFound, Code: ErrorCode_RECORD_NOT_FOUND, Message: "CRM record not found"}
	case stderrors.Is(err, entities.ErrTaskNotFound):
		return AppError{Raw: err, HTTPCode: http.StatusNotFound, Code: ErrorCode_TASK_NOT_FOUND, Message: "Sync task not found"}
	case stderrors.Is(err, entities.ErrTaskNotAbandoned):
		return AppError{Raw: err, HTTPCode: http.StatusConflict, Code: ErrorCode_TASK_NOT_ABANDONED, Message: "Sync task is still being retried automatically"}
	case entities.IsPermanentSyncError(err):
		return ErrCRMRejected(err)
	}

	var syncErr *entities.SyncError
	if stderrors.As(err, &syncErr) {
		return ErrCRMUnavailable(err)
	}
	return ErrInternal(err)
}
