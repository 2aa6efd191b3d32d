// Package shared contains common error types and utilities.
package shared

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Common domain errors that can be used across the application
var (
	// ErrNotFound indicates that a requested resource was not found
	ErrNotFound = errors.New("not found")

	// ErrValidation indicates that input validation failed
	ErrValidation = errors.New("validation failed")

	// ErrConflict indicates that the request conflicts with current state
	ErrConflict = errors.New("conflict")

	// ErrUnavailable indicates that the service is not accepting the request,
	// typically because it is shutting down
	ErrUnavailable = errors.New("unavailable")

	// ErrInternal indicates an internal server error
	ErrInternal = errors.New("internal error")

	// ErrTimeout indicates that an operation timed out
	ErrTimeout = errors.New("operation timed out")

	// ErrDependencyFailure indicates that an external dependency failed
	ErrDependencyFailure = errors.New("dependency failure")
)

// Kind represents a category of error for easier classification and handling.
type Kind int

const (
	// KindUnknown represents an unclassified error
	KindUnknown Kind = iota
	// KindNotFound represents resource not found errors
	KindNotFound
	// KindValidation represents input validation errors
	KindValidation
	// KindConflict represents resource conflict errors
	KindConflict
	// KindUnavailable represents rejected-while-unavailable errors
	KindUnavailable
	// KindInternal represents internal server errors
	KindInternal
	// KindTimeout represents timeout errors
	KindTimeout
	// KindDependencyFailure represents external dependency failures
	KindDependencyFailure
	// KindCanceled represents context cancellation
	KindCanceled
)

// String returns the string representation of the Kind.
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindValidation:
		return "Validation"
	case KindConflict:
		return "Conflict"
	case KindUnavailable:
		return "Unavailable"
	case KindInternal:
		return "Internal"
	case KindTimeout:
		return "Timeout"
	case KindDependencyFailure:
		return "DependencyFailure"
	case KindCanceled:
		return "Canceled"
	default:
		return "Unknown"
	}
}

// kindPriorities defines the deterministic order for error classification.
// Higher priority (lower index) kinds are checked first in KindOf.
var kindPriorities = []struct {
	kind Kind
	err  error
}{
	{KindCanceled, nil},       // context.Canceled (special case)
	{KindTimeout, ErrTimeout}, // timeout errors have high priority
	{KindNotFound, ErrNotFound},
	{KindValidation, ErrValidation},
	{KindConflict, ErrConflict},
	{KindUnavailable, ErrUnavailable},
	{KindDependencyFailure, ErrDependencyFailure},
	{KindInternal, ErrInternal},
}

// KindOf returns the Kind of the given error by checking against known
// sentinel errors. It traverses the error chain using a deterministic
// priority order and returns KindUnknown for unrecognized errors.
//
// Example:
//
//	switch shared.KindOf(err) {
//	case shared.KindNotFound:
//	    return http.StatusNotFound
//	case shared.KindValidation:
//	    return http.StatusBadRequest
//	case shared.KindUnavailable:
//	    return http.StatusServiceUnavailable
//	default:
//	    return http.StatusInternalServerError
//	}
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	for _, priority := range kindPriorities {
		switch priority.kind {
		case KindCanceled:
			if IsCanceled(err) {
				return KindCanceled
			}
		case KindTimeout:
			if IsTimeout(err) {
				return KindTimeout
			}
		default:
			if priority.err != nil && errors.Is(err, priority.err) {
				return priority.kind
			}
		}
	}

	return KindUnknown
}

// HasKind reports whether the given error has the specified kind.
// It is equivalent to KindOf(err) == kind but provides a more explicit API.
func HasKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// MarkKind wraps an error with the sentinel error for the given kind,
// preserving the original error through error wrapping. Both
// KindOf(MarkKind(err, kind)) == kind and errors.Is(MarkKind(err, kind), err)
// hold. Marking is idempotent; KindUnknown and KindCanceled leave the error
// unchanged.
//
// Example usage for adapting third-party errors:
//
//	if err := row.Scan(&j); err != nil {
//	    if errors.Is(err, sql.ErrNoRows) {
//	        return shared.MarkKind(err, shared.KindNotFound)
//	    }
//	    return shared.MarkKind(err, shared.KindInternal)
//	}
func MarkKind(err error, kind Kind) error {
	sentinel := sentinelOf(kind)
	if err == nil {
		return sentinel
	}
	if sentinel == nil {
		return err
	}
	if KindOf(err) == kind {
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}

func sentinelOf(kind Kind) error {
	switch kind {
	case KindNotFound:
		return ErrNotFound
	case KindValidation:
		return ErrValidation
	case KindConflict:
		return ErrConflict
	case KindUnavailable:
		return ErrUnavailable
	case KindInternal:
		return ErrInternal
	case KindTimeout:
		return ErrTimeout
	case KindDependencyFailure:
		return ErrDependencyFailure
	default:
		return nil
	}
}

// Wrap wraps an error with additional context.
// It returns a new error that formats as "context: err".
// If err is nil, Wrap returns nil.
// If context is empty, returns the original error.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	if context == "" {
		return err
	}
	return fmt.Errorf("%s: %w", context, err)
}

// Wrapf wraps an error with a formatted context message.
// It returns a new error that formats as "context: err".
// If err is nil, Wrapf returns nil.
// If formatted context is empty, returns the original error.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	context := fmt.Sprintf(format, args...)
	if context == "" {
		return err
	}
	return fmt.Errorf("%s: %w", context, err)
}

// IsCanceled reports whether the error indicates a canceled context.
func IsCanceled(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.Canceled)
}

// IsTimeout reports whether the error indicates a timeout.
// It checks for context.DeadlineExceeded, net.Error timeouts, and our ErrTimeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return false
}

// IsNotFound reports whether the error indicates a resource not found condition.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsValidation reports whether the error indicates input validation failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsConflict reports whether the error indicates a resource conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsUnavailable reports whether the error indicates the service rejected the
// request, e.g. because it is shutting down.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// IsInternal reports whether the error indicates an internal server error.
func IsInternal(err error) bool {
	return errors.Is(err, ErrInternal)
}

// IsDependencyFailure reports whether the error indicates an external dependency failure.
func IsDependencyFailure(err error) bool {
	return errors.Is(err, ErrDependencyFailure)
}
