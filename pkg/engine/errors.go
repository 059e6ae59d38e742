package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassStructural indicates malformed input such as an empty part catalog,
	// an unknown dependency or a dependency cycle. Never retried; the caller must fix the input.
	ErrorClassStructural ErrorClass = "structural"

	// ErrorClassTransient indicates a dispatch failure that may succeed on retry.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassSafety indicates a safety-critical fault reported by a collaborator.
	// The active run must terminate in the error phase.
	ErrorClassSafety ErrorClass = "safety"

	// ErrorClassInternal indicates an unrecoverable internal fault.
	ErrorClassInternal ErrorClass = "internal"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the part or step ID that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	if e.Resource != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (resource=%s, operation=%s)", msg, e.Resource, e.Operation)
	} else if e.Resource != "" {
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s", e.Class, msg, e.Err.Error())
	}
	return fmt.Sprintf("[%s] %s", e.Class, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
// Two engine errors match when class and code agree.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewStructuralError creates a new structural error.
func NewStructuralError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassStructural,
		Message: message,
		Err:     err,
	}
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewSafetyError creates a new safety fault.
func NewSafetyError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassSafety,
		Message: message,
		Err:     err,
		Code:    ErrCodeSafetyFault,
	}
}

// NewInternalError creates a new internal error.
func NewInternalError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassInternal,
		Message: message,
		Err:     err,
		Code:    ErrCodeInternal,
	}
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

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ClassOf returns the class of err, or the empty class if err is not an EngineError.
func ClassOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// CodeOf returns the code of err, or the empty string if err is not an EngineError.
func CodeOf(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsStructural returns true if the error is classified as structural.
func IsStructural(err error) bool {
	return ClassOf(err) == ErrorClassStructural
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	return ClassOf(err) == ErrorClassTransient
}

// IsSafety returns true if the error is a safety fault.
func IsSafety(err error) bool {
	return ClassOf(err) == ErrorClassSafety
}

// IsInternal returns true if the error is classified as internal.
func IsInternal(err error) bool {
	return ClassOf(err) == ErrorClassInternal
}

// IsRetryable returns true if the error can be retried.
// Only transient errors are retryable; plain errors are treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	c := ClassOf(err)
	return c == "" || c == ErrorClassTransient
}

// Common error codes.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeDuplicateID       = "DUPLICATE_ID"
	ErrCodeEmptyCatalog      = "EMPTY_CATALOG"
	ErrCodeUnknownDependency = "UNKNOWN_DEPENDENCY"
	ErrCodeUnknownPart       = "UNKNOWN_PART"
	ErrCodeDependencyCycle   = "DEPENDENCY_CYCLE"
	ErrCodeInvalidOrder      = "INVALID_ORDER"
	ErrCodeUnknownPrimitive  = "UNKNOWN_PRIMITIVE"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeSafetyFault       = "SAFETY_FAULT"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeInternal          = "INTERNAL_ERROR"
)

// ErrUnknownPrimitive matches any error reporting an unregistered primitive name.
// Use with errors.Is.
var ErrUnknownPrimitive = &EngineError{Class: ErrorClassStructural, Code: ErrCodeUnknownPrimitive}
