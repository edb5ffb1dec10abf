package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies why an operation was rejected
type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation: the request itself is malformed
	KindValidation
	// KindPrecondition: the request is well-formed but the current state forbids it
	KindPrecondition
	// KindSolvency: executing the request would break a balance constraint
	KindSolvency
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindPrecondition:
		return "precondition"
	case KindSolvency:
		return "solvency"
	default:
		return "unknown"
	}
}

// Error is a sentinel error carrying a Kind
type Error struct {
	Kind Kind
	Code string
	Msg  string
}

func (e *Error) Error() string {
	return e.Msg
}

// New creates a sentinel. Code is a stable snake_case identifier used as a
// metric label and in rejection events.
func New(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

// KindOf returns the kind of the first *Error in err's chain
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// CodeOf returns the code of the first *Error in err's chain, or "internal"
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal"
}

// Wrap attaches context to a sentinel while keeping it matchable with errors.Is
func Wrap(sentinel *Error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}
