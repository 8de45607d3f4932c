// Package errs defines the error taxonomy shared by the similarity engine.
// Every failure that crosses a package boundary is an *Error carrying a Kind,
// so callers can branch with errors.Is against the sentinels below.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an engine error.
type Kind string

const (
	KindDimensionMismatch Kind = "dimension_mismatch"
	KindNotFound          Kind = "not_found"
	KindCorruptSnapshot   Kind = "corrupt_snapshot"
	KindInvalidArgument   Kind = "invalid_argument"
	KindStorageFailure    Kind = "storage_failure"
	KindUnavailable       Kind = "unavailable"
)

// Error is the engine error type.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

// Sentinels for errors.Is. They match any *Error of the same Kind.
var (
	ErrDimensionMismatch = &Error{Kind: KindDimensionMismatch}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrCorruptSnapshot   = &Error{Kind: KindCorruptSnapshot}
	ErrInvalidArgument   = &Error{Kind: KindInvalidArgument}
	ErrStorageFailure    = &Error{Kind: KindStorageFailure}
	ErrUnavailable       = &Error{Kind: KindUnavailable}
)

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// HTTPStatusCode returns the status code a handler should answer with.
func (e *Error) HTTPStatusCode() int {
	switch e.Kind {
	case KindDimensionMismatch, KindInvalidArgument:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// DimensionMismatch reports a vector whose length is not the index dimension.
func DimensionMismatch(op string, want, got int) *Error {
	return &Error{
		Kind:    KindDimensionMismatch,
		Op:      op,
		Message: fmt.Sprintf("expected %d values, got %d", want, got),
	}
}

// NotFound reports a missing record.
func NotFound(op string, format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Op: op, Message: fmt.Sprintf(format, args...)}
}

// CorruptSnapshot reports an unreadable or malformed index snapshot.
func CorruptSnapshot(op string, format string, args ...any) *Error {
	return &Error{Kind: KindCorruptSnapshot, Op: op, Message: fmt.Sprintf(format, args...)}
}

// InvalidArgument reports bad caller input.
func InvalidArgument(op string, format string, args ...any) *Error {
	return &Error{Kind: KindInvalidArgument, Op: op, Message: fmt.Sprintf(format, args...)}
}

// StorageFailure wraps a durable read or write failure.
func StorageFailure(op string, err error) *Error {
	return &Error{Kind: KindStorageFailure, Op: op, Err: err}
}

// Unavailable wraps a failure of an upstream collaborator (embedder, metadata).
func Unavailable(op string, err error) *Error {
	return &Error{Kind: KindUnavailable, Op: op, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// HTTPStatusCode maps any error to a status code; non-engine errors are 500.
func HTTPStatusCode(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.HTTPStatusCode()
	}
	return http.StatusInternalServerError
}
