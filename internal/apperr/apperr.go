// Package apperr classifies application errors so the API boundary can map
// them to HTTP semantics without inspecting messages.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is the classification of an error
type Kind int

const (
	// Internal is the zero value: unexpected failures
	Internal Kind = iota
	// NotFound means the addressed flow, version, run or approval does not exist
	NotFound
	// Invalid means the request or stored data failed validation
	Invalid
	// Forbidden means the caller lacks the role the operation requires
	Forbidden
	// Conflict means a uniqueness rule would be violated
	Conflict
	// Unavailable means storage could not be used (missing schema, connection loss)
	Unavailable
	// LimitReached means a plan limit refuses the operation
	LimitReached
)

// String returns the string representation of Kind
func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case Invalid:
		return "invalid"
	case Forbidden:
		return "forbidden"
	case Conflict:
		return "conflict"
	case Unavailable:
		return "unavailable"
	case LimitReached:
		return "limit_reached"
	default:
		return "internal"
	}
}

// Error wraps an error with its classification and the operation that failed
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

// Error implements the error interface
func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Op + ": " + e.Kind.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error without an underlying cause.
func New(kind Kind, op, message string) error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrapf classifies err and adds a formatted message.
func Wrapf(kind Kind, op string, err error, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...), Err: err}
}

// Helpers for the common kinds.

func NotFoundf(op, format string, args ...any) error {
	return &Error{Kind: NotFound, Op: op, Message: fmt.Sprintf(format, args...)}
}

func Invalidf(op, format string, args ...any) error {
	return &Error{Kind: Invalid, Op: op, Message: fmt.Sprintf(format, args...)}
}

func Forbiddenf(op, format string, args ...any) error {
	return &Error{Kind: Forbidden, Op: op, Message: fmt.Sprintf(format, args...)}
}

func Conflictf(op, format string, args ...any) error {
	return &Error{Kind: Conflict, Op: op, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the classification of the outermost classified error in
// err's chain, or Internal. Errors implementing Kind() Kind are honored too.
func KindOf(err error) Kind {
	if err == nil {
		return Internal
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	var k interface{ Kind() Kind }
	if errors.As(err, &k) {
		return k.Kind()
	}
	return Internal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
