package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: backend connection refused, backend call timeout.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates the caller ran out of a shared resource.
	// Pool exhaustion is reported with this class.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a state conflict between tasks.
	// Examples: unmet dependencies, cancelling a task that already started.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: syntax errors in a payload, I/O errors while applying.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Error codes. The first seven form the engine's failure taxonomy.
const (
	ErrCodeBackendUnavailable  = "BACKEND_UNAVAILABLE"
	ErrCodeBackendTimeout      = "BACKEND_TIMEOUT"
	ErrCodePoolExhausted       = "POOL_EXHAUSTED"
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeApply               = "APPLY_ERROR"
	ErrCodeDependencyUnmet     = "DEPENDENCY_UNMET"
	ErrCodeAllApproachesFailed = "ALL_APPROACHES_FAILED"

	ErrCodeCancelled    = "CANCELLED"
	ErrCodeNoKnowledge  = "NO_KNOWLEDGE"
	ErrCodeTokenNotHeld = "TOKEN_NOT_HELD"
	ErrCodeInvalidTask  = "INVALID_TASK"
	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeInternal     = "INTERNAL_ERROR"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code identifies the failure for programmatic handling.
	Code string `json:"code,omitempty"`

	// Approach is the approach that produced the error, if applicable.
	Approach string `json:"approach,omitempty"`

	// TaskID is the task that produced the error, if applicable.
	TaskID string `json:"task_id,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	var scope []string
	if e.Approach != "" {
		scope = append(scope, "approach="+e.Approach)
	}
	if e.TaskID != "" {
		scope = append(scope, "task="+e.TaskID)
	}

	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if len(scope) > 0 {
		msg += " (" + strings.Join(scope, ", ") + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
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

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassThrottled,
		Message: message,
		Err:     err,
	}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConflict,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// NewBackendUnavailable reports a backend that refused, errored or answered garbage.
func NewBackendUnavailable(message string, err error) *EngineError {
	return NewTransientError(message, err).WithCode(ErrCodeBackendUnavailable)
}

// NewBackendTimeout reports a backend call that exceeded its deadline.
func NewBackendTimeout(message string, err error) *EngineError {
	return NewTransientError(message, err).WithCode(ErrCodeBackendTimeout)
}

// NewPoolExhausted reports that no pool token could be acquired.
func NewPoolExhausted(approach string) *EngineError {
	return NewThrottledError("no pool token available", nil).
		WithCode(ErrCodePoolExhausted).
		WithApproach(approach)
}

// NewValidationError reports a payload that failed the syntax check.
func NewValidationError(message string, err error) *EngineError {
	return NewPermanentError(message, err).WithCode(ErrCodeValidation)
}

// NewApplyError reports an I/O failure while writing a payload to its destination.
func NewApplyError(message string, err error) *EngineError {
	return NewPermanentError(message, err).WithCode(ErrCodeApply)
}

// NewNoKnowledge reports an approach with nothing to offer for the request.
func NewNoKnowledge(message string) *EngineError {
	return NewPermanentError(message, nil).WithCode(ErrCodeNoKnowledge)
}

// NewDependencyUnmet reports a task whose dependency is not COMPLETED.
func NewDependencyUnmet(taskID, dependency string, status TaskStatus) *EngineError {
	state := string(status)
	if state == "" {
		state = "unknown"
	}
	return NewConflictError(fmt.Sprintf("dependency %s is %s", dependency, state), nil).
		WithCode(ErrCodeDependencyUnmet).
		WithTask(taskID).
		WithDetail("dependency", dependency).
		WithDetail("dependency_status", state)
}

// NewAllApproachesFailed aggregates one failure per approach into a single error.
func NewAllApproachesFailed(failures []ApproachFailure) *EngineError {
	errs := make([]error, 0, len(failures))
	names := make([]string, 0, len(failures))
	for _, f := range failures {
		if f.Err != nil {
			errs = append(errs, f.Err)
		}
		names = append(names, f.Approach)
	}
	return NewPermanentError(fmt.Sprintf("all %d approaches failed", len(failures)), errors.Join(errs...)).
		WithCode(ErrCodeAllApproachesFailed).
		WithDetail("approaches", names)
}

// WithApproach adds approach context to an error.
func (e *EngineError) WithApproach(name string) *EngineError {
	e.Approach = name
	return e
}

// WithTask adds task context to an error.
func (e *EngineError) WithTask(taskID string) *EngineError {
	e.TaskID = taskID
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

// AsEngineError converts any error into an EngineError, wrapping foreign
// errors as internal permanent failures.
func AsEngineError(err error) *EngineError {
	if err == nil {
		return nil
	}
	var e *EngineError
	if errors.As(err, &e) {
		return e
	}
	return NewPermanentError("unexpected failure", err).WithCode(ErrCodeInternal)
}

// CodeOf returns the error code of err, or an empty string.
func CodeOf(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries the given error code.
func HasCode(err error, code string) bool {
	return CodeOf(err) == code
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassThrottled
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable returns true if the error can be retried.
// Transient, throttled, and conflict errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err) || IsConflict(err)
}
