// Package qerr defines the error kinds reported by the task queue core.
// Every error carries a machine-readable kind, a human-readable message,
// and optional details (current status, claim holder, thresholds) so a
// caller can decide the next action without another query.
package qerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers and the transport layer.
type Kind string

const (
	Validation     Kind = "validation"
	Conflict       Kind = "conflict"
	NotFound       Kind = "not_found"
	State          Kind = "state"
	Initialization Kind = "initialization"
	Internal       Kind = "internal"
)

// Error is a classified core error.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// New creates an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithDetails returns the error with the given details merged in.
func (e *Error) WithDetails(details map[string]any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any, len(details))
	}
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// KindOf returns the kind of err, or Internal for unclassified errors.
func KindOf(err error) Kind {
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Kind
	}
	return Internal
}

// DetailsOf returns the details attached to err, if any.
func DetailsOf(err error) map[string]any {
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Details
	}
	return nil
}

// Is reports whether err is a qerr.Error of the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func IsValidation(err error) bool { return Is(err, Validation) }
func IsConflict(err error) bool   { return Is(err, Conflict) }
func IsNotFound(err error) bool   { return Is(err, NotFound) }
func IsState(err error) bool      { return Is(err, State) }
