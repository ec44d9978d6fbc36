package engine

import (
	"context"
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and reporting.
type ErrorClass string

const (
	// ErrorClassAuth indicates that a bearer token could not be obtained or was rejected.
	ErrorClassAuth ErrorClass = "auth"

	// ErrorClassClient indicates a 4xx response other than 401, 404 and 409.
	// The request will not succeed by repeating it.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassConflict indicates the resource already exists.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassServer indicates a 5xx response or a network failure.
	// Retried with backoff by the transport.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassTimedOut indicates a poll or run budget was exhausted.
	ErrorClassTimedOut ErrorClass = "timed_out"

	// ErrorClassDependency indicates a parent resource did not succeed.
	ErrorClassDependency ErrorClass = "dependency_failed"

	// ErrorClassCancelled indicates the run context ended.
	ErrorClassCancelled ErrorClass = "cancelled"

	// ErrorClassPermanent indicates a non-recoverable local error such as invalid input.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the catalog ID of the resource that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// StatusCode is the HTTP status that produced the error, if any.
	StatusCode int `json:"statusCode,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.Err.Error())
	}
	switch {
	case e.Resource != "" && e.Operation != "":
		return fmt.Sprintf("[%s] %s (resource=%s, operation=%s)", e.Class, msg, e.Resource, e.Operation)
	case e.Resource != "":
		return fmt.Sprintf("[%s] %s (resource=%s)", e.Class, msg, e.Resource)
	default:
		return fmt.Sprintf("[%s] %s", e.Class, msg)
	}
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

func newError(class ErrorClass, message string, err error) *EngineError {
	return &EngineError{
		Class:   class,
		Message: message,
		Err:     err,
	}
}

// NewAuthError creates a new authentication error.
func NewAuthError(message string, err error) *EngineError {
	return newError(ErrorClassAuth, message, err)
}

// NewClientError creates a new client error.
func NewClientError(message string, err error) *EngineError {
	return newError(ErrorClassClient, message, err)
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return newError(ErrorClassConflict, message, err).WithCode(ErrCodeAlreadyExists)
}

// NewServerError creates a new server error.
func NewServerError(message string, err error) *EngineError {
	return newError(ErrorClassServer, message, err)
}

// NewTimeoutError creates a new timeout error.
func NewTimeoutError(message string, err error) *EngineError {
	return newError(ErrorClassTimedOut, message, err).WithCode(ErrCodeTimeout)
}

// NewDependencyError creates a new dependency failure error.
func NewDependencyError(message string, err error) *EngineError {
	return newError(ErrorClassDependency, message, err).WithCode(ErrCodeDependencyFailed)
}

// NewCancelledError creates a new cancellation error.
func NewCancelledError(message string, err error) *EngineError {
	return newError(ErrorClassCancelled, message, err).WithCode(ErrCodeCancelled)
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return newError(ErrorClassPermanent, message, err)
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithStatus records the HTTP status that produced the error.
func (e *EngineError) WithStatus(status int) *EngineError {
	e.StatusCode = status
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ClassOf returns the class of err. Context errors are reported as cancelled and
// unclassified errors as permanent.
func ClassOf(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassCancelled
	}
	return ErrorClassPermanent
}

func hasClass(err error, class ErrorClass) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}

// IsAuth returns true if the error is classified as an authentication failure.
func IsAuth(err error) bool {
	return hasClass(err, ErrorClassAuth)
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	return hasClass(err, ErrorClassConflict)
}

// IsServer returns true if the error is classified as a server error.
func IsServer(err error) bool {
	return hasClass(err, ErrorClassServer)
}

// IsTimedOut returns true if the error is classified as a timeout.
func IsTimedOut(err error) bool {
	return hasClass(err, ErrorClassTimedOut)
}

// IsCancelled returns true if the error is classified as a cancellation.
func IsCancelled(err error) bool {
	return hasClass(err, ErrorClassCancelled)
}

// IsNotFound returns true if the error carries the NOT_FOUND code.
func IsNotFound(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == ErrCodeNotFound
	}
	return false
}

// IsRetryable returns true if the error can be retried.
// Only server errors are retryable; everything else is terminal for the attempt.
func IsRetryable(err error) bool {
	return IsServer(err)
}

// ToRecordError converts err into the structured form persisted in records and summaries.
func ToRecordError(err error) *RecordError {
	if err == nil {
		return nil
	}
	rec := &RecordError{
		Class:   ClassOf(err),
		Message: err.Error(),
	}
	var e *EngineError
	if errors.As(err, &e) {
		rec.Code = e.Code
	}
	return rec
}

// Common error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeAlreadyExists    = "ALREADY_EXISTS"
	ErrCodePermissionDenied = "PERMISSION_DENIED"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeOperationFailed  = "OPERATION_FAILED"
	ErrCodeDependencyFailed = "DEPENDENCY_FAILED"
	ErrCodeCancelled        = "CANCELLED"
	ErrCodeStore            = "STORE_ERROR"
	ErrCodeTokenExpired     = "TOKEN_EXPIRED"
)
