// Package apperrors provides structured application errors with HTTP status mapping.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrInternal   = errors.New("internal error")

	// Creation-time errors, returned synchronously from job creation.
	ErrJobNotRegistered = errors.New("job type not registered")
	ErrParameterBinding = errors.New("parameter binding error")

	// Execution-time errors raised by a single rollout step.
	ErrStepExecution      = errors.New("step execution error")
	ErrHealthCheckTimeout = fmt.Errorf("health check timeout: %w", ErrStepExecution)
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // For validation/binding errors (e.g., "id", "intParam")
	Resource string // For not found/conflict/step errors (e.g., "job", container name)
	Op       string // Operation that failed (e.g., "docker.stop", "start")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap exposes both the sentinel and the underlying cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Sentinel}
	}
	return []error{e.Sentinel, e.Cause}
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
	}
}

// Conflict creates a conflict error for a resource.
func Conflict(resource, id, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  reason,
		Resource: resource,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// NotRegistered reports a job type missing from the registry.
func NotRegistered(jobType string) error {
	return &Error{
		Sentinel: ErrJobNotRegistered,
		Message:  fmt.Sprintf("job type %q is not registered", jobType),
		Resource: jobType,
	}
}

// Binding reports a parameter that is missing or could not be coerced.
func Binding(field, message string, cause error) error {
	msg := fmt.Sprintf("parameter %q: %s", field, message)
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, cause)
	}
	return &Error{
		Sentinel: ErrParameterBinding,
		Message:  msg,
		Field:    field,
		Cause:    cause,
	}
}

// Step reports a failed rollout step (stop, start, health) on one container.
func Step(container, step string, cause error) error {
	return &Error{
		Sentinel: ErrStepExecution,
		Message:  fmt.Sprintf("%s %s: %v", step, container, cause),
		Resource: container,
		Op:       step,
		Cause:    cause,
	}
}

// HealthTimeout reports a container that did not become healthy in time.
func HealthTimeout(container string, cause error) error {
	msg := fmt.Sprintf("health %s: not healthy before timeout", container)
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, cause)
	}
	return &Error{
		Sentinel: ErrHealthCheckTimeout,
		Message:  msg,
		Resource: container,
		Op:       "health",
		Cause:    cause,
	}
}
