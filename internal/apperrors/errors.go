// Package apperrors provides structured pipeline errors classified by sentinel.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrConfig    = errors.New("configuration error")
	ErrNotFound  = errors.New("not found")
	ErrTransient = errors.New("transient error")
	ErrTimeout   = errors.New("timeout")
	ErrChecksum  = errors.New("checksum mismatch")
	ErrTerminal  = errors.New("terminal error")
	ErrStageIO   = errors.New("stage i/o error")
	ErrInternal  = errors.New("internal error")
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // For config errors (e.g., "artifacts[2].coordinate")
	Resource string // Artifact or path the error refers to
	Op       string // Operation that failed (e.g., "cache.put")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap exposes both the sentinel and the cause, so errors.Is matches
// the classification as well as causes like context.DeadlineExceeded.
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Sentinel}
	}
	return []error{e.Sentinel, e.Cause}
}

// Config creates a configuration error for a specific field.
func Config(field, message string) error {
	return &Error{
		Sentinel: ErrConfig,
		Message:  message,
		Field:    field,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, where string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s not found in %s", resource, where),
		Resource: resource,
	}
}

// Transient creates a retryable error.
func Transient(op string, cause error) error {
	return &Error{
		Sentinel: ErrTransient,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Timeout creates a retryable error for an operation that ran out of time.
func Timeout(op string, cause error) error {
	return &Error{
		Sentinel: ErrTimeout,
		Message:  fmt.Sprintf("%s: timed out: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Checksum creates a checksum mismatch error for a resource.
func Checksum(resource, want, got string) error {
	return &Error{
		Sentinel: ErrChecksum,
		Message:  fmt.Sprintf("%s: checksum mismatch: want %s, got %s", resource, want, got),
		Resource: resource,
	}
}

// Terminal creates a non-retryable error.
func Terminal(op string, cause error) error {
	return &Error{
		Sentinel: ErrTerminal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// StageIO creates a staging error for a destination path.
func StageIO(path string, cause error) error {
	return &Error{
		Sentinel: ErrStageIO,
		Message:  fmt.Sprintf("stage %s: %v", path, cause),
		Resource: path,
		Cause:    cause,
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
