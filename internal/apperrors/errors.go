// Package apperrors provides structured application errors with HTTP status mapping.
package apperrors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrInternal   = errors.New("internal error")

	ErrStepFailed            = errors.New("step failed")
	ErrDependencyUnsatisfied = errors.New("dependency unsatisfied")
	ErrCyclicDependency      = errors.New("cyclic dependency")
	ErrLockTimeout           = errors.New("lock timeout")
	ErrArtifactNotFound      = errors.New("artifact not found")
	ErrTriggerFilter         = errors.New("trigger filter error")
	ErrCancelled             = errors.New("cancelled")
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // For validation errors (e.g., "steps[0].script")
	Resource string // For not found/conflict (e.g., "run", "lock")
	Op       string // Operation that failed (e.g., "artifact.publish")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the sentinel error for errors.Is() classification.
func (e *Error) Unwrap() error {
	return e.Sentinel
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

// StepFailed reports that a step's external action failed.
func StepFailed(stepID string, cause error) error {
	msg := fmt.Sprintf("step %s failed", stepID)
	if cause != nil {
		msg = fmt.Sprintf("step %s failed: %v", stepID, cause)
	}
	return &Error{
		Sentinel: ErrStepFailed,
		Message:  msg,
		Resource: "step",
		Op:       stepID,
		Cause:    cause,
	}
}

// DependencyUnsatisfied reports an upstream run that is missing, unfinished or unsuccessful.
func DependencyUnsatisfied(definitionID, reason string) error {
	return &Error{
		Sentinel: ErrDependencyUnsatisfied,
		Message:  fmt.Sprintf("dependency on %s unsatisfied: %s", definitionID, reason),
		Resource: "definition",
		Op:       definitionID,
	}
}

// CyclicDependency reports a cycle in the dependency graph. The path lists
// the definitions along the cycle, first element repeated at the end.
func CyclicDependency(path []string) error {
	return &Error{
		Sentinel: ErrCyclicDependency,
		Message:  "cyclic dependency: " + strings.Join(path, " -> "),
		Resource: "definition",
	}
}

// LockTimeout reports a lock that could not be acquired within the bounded wait.
func LockTimeout(name string, waited time.Duration) error {
	return &Error{
		Sentinel: ErrLockTimeout,
		Message:  fmt.Sprintf("lock %s not acquired within %s", name, waited.Round(time.Millisecond)),
		Resource: "lock",
		Op:       name,
	}
}

// ArtifactNotFound reports that no stored entry matches a fetch pattern.
func ArtifactNotFound(runID, pattern string) error {
	return &Error{
		Sentinel: ErrArtifactNotFound,
		Message:  fmt.Sprintf("no artifacts of run %s match %q", runID, pattern),
		Resource: "artifact",
		Op:       runID,
	}
}

// TriggerFilter reports a malformed branch filter rule.
func TriggerFilter(field, rule, reason string) error {
	return &Error{
		Sentinel: ErrTriggerFilter,
		Message:  fmt.Sprintf("invalid branch filter rule %q: %s", rule, reason),
		Field:    field,
	}
}

// Cancelled reports a run withdrawn or aborted on request.
func Cancelled(runID string) error {
	return &Error{
		Sentinel: ErrCancelled,
		Message:  fmt.Sprintf("run %s cancelled", runID),
		Resource: "run",
		Op:       runID,
	}
}

// Kind returns a stable name for the error's classification, suitable for
// persisting next to a failed run. Unclassified errors are "internal".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrStepFailed):
		return "StepFailed"
	case errors.Is(err, ErrDependencyUnsatisfied):
		return "DependencyUnsatisfied"
	case errors.Is(err, ErrCyclicDependency):
		return "CyclicDependency"
	case errors.Is(err, ErrLockTimeout):
		return "LockTimeout"
	case errors.Is(err, ErrArtifactNotFound):
		return "ArtifactNotFound"
	case errors.Is(err, ErrTriggerFilter):
		return "TriggerFilterError"
	case errors.Is(err, ErrCancelled):
		return "Cancelled"
	case errors.Is(err, ErrValidation):
		return "Validation"
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrConflict):
		return "Conflict"
	default:
		return "Internal"
	}
}
