package knowledge

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors.
var (
	// ErrFactNotFound is returned when a handle does not reference a live fact.
	ErrFactNotFound = errors.New("fact not found")

	// ErrDuplicateFacts is matched by AnomalyError: a scan found more than one
	// fact for a single process instance.
	ErrDuplicateFacts = errors.New("duplicate facts for process instance")

	// ErrInvalidFact is returned when a fact cannot be stored or decoded.
	ErrInvalidFact = errors.New("invalid fact")

	// ErrStoreClosed is returned by stores after Close.
	ErrStoreClosed = errors.New("store closed")
)

// ErrorClass classifies a store failure for retry decisions.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: lock contention, busy database, I/O timeouts.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict indicates a state conflict inside the store.
	// Examples: concurrent modification of the same handle.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a failure that will not go away on retry.
	// Examples: unknown handle, undecodable fact, closed store.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Common error codes.
const (
	ErrCodeNotFound    = "NOT_FOUND"
	ErrCodeInvalidFact = "INVALID_FACT"
	ErrCodeClosed      = "CLOSED"
	ErrCodeBusy        = "BUSY"
	ErrCodeInternal    = "INTERNAL_ERROR"
)

// StoreError is a classified failure raised by a Store operation.
type StoreError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Op is the store operation: insert, update, retract, scan, get, list.
	Op string `json:"op"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Handle is the handle involved, if any.
	Handle Handle `json:"handle,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	msg := ""
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Handle != "" {
		return fmt.Sprintf("[%s] store %s (handle=%s): %s", e.Class, e.Op, e.Handle, msg)
	}
	return fmt.Sprintf("[%s] store %s: %s", e.Class, e.Op, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *StoreError) Is(target error) bool {
	t, ok := target.(*StoreError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a transient store error.
func NewTransientError(op string, err error) *StoreError {
	return &StoreError{Class: ErrorClassTransient, Op: op, Err: err}
}

// NewConflictError creates a conflict store error.
func NewConflictError(op string, err error) *StoreError {
	return &StoreError{Class: ErrorClassConflict, Op: op, Err: err}
}

// NewPermanentError creates a permanent store error.
func NewPermanentError(op string, err error) *StoreError {
	return &StoreError{Class: ErrorClassPermanent, Op: op, Err: err}
}

// NotFound creates the permanent error returned for a handle that is not live.
func NotFound(op string, handle Handle) *StoreError {
	return NewPermanentError(op, ErrFactNotFound).WithHandle(handle).WithCode(ErrCodeNotFound)
}

// WithHandle adds handle context to an error.
func (e *StoreError) WithHandle(handle Handle) *StoreError {
	e.Handle = handle
	return e
}

// WithCode adds an error code to an error.
func (e *StoreError) WithCode(code string) *StoreError {
	e.Code = code
	return e
}

// ClassOf returns the class of err, or "" if err carries no StoreError.
func ClassOf(err error) ErrorClass {
	var e *StoreError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	return ClassOf(err) == ErrorClassTransient
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	return ClassOf(err) == ErrorClassConflict
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	return ClassOf(err) == ErrorClassPermanent
}

// IsRetryable returns true if the error can be retried.
// Transient and conflict errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsConflict(err)
}

// AnomalyError reports that a scan for one process instance returned more
// than one fact. The store is inconsistent; no handle is chosen.
type AnomalyError struct {
	ID      ProcessInstanceID
	Handles []Handle
}

// Error implements the error interface.
func (e *AnomalyError) Error() string {
	hs := make([]string, len(e.Handles))
	for i, h := range e.Handles {
		hs[i] = string(h)
	}
	return fmt.Sprintf("%s: id=%d handles=[%s]", ErrDuplicateFacts, e.ID, strings.Join(hs, ", "))
}

// Is matches ErrDuplicateFacts.
func (e *AnomalyError) Is(target error) bool {
	return target == ErrDuplicateFacts
}
