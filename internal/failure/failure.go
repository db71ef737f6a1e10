// Package failure classifies errors raised by the offline sync client.
package failure

import (
	"errors"
	"fmt"
)

// Kind enumerates the failure categories understood by callers.
type Kind string

const (
	// KindStorage covers local persistence failures (disk, quota, constraint).
	KindStorage Kind = "storage"
	// KindTransport covers unreachable remotes and non-2xx responses.
	KindTransport Kind = "transport"
	// KindConflict marks a divergent concurrent edit detected by the remote.
	KindConflict Kind = "conflict"
	// KindValidation marks malformed input rejected before any write.
	KindValidation Kind = "validation"
)

var (
	// ErrStorage matches every storage failure through errors.Is.
	ErrStorage = errors.New("storage failure")
	// ErrTransport matches every transport failure through errors.Is.
	ErrTransport = errors.New("transport failure")
	// ErrConflict matches every conflict failure through errors.Is.
	ErrConflict = errors.New("conflict failure")
	// ErrValidation matches every validation failure through errors.Is.
	ErrValidation = errors.New("validation failure")
)

// Error is a classified failure carrying a stable "<operation>.<reason>" code.
type Error struct {
	kind Kind
	code string
	err  error
}

// New builds a classified error for operation and reason wrapping cause.
func New(kind Kind, operation, reason string, cause error) error {
	return &Error{
		kind: kind,
		code: fmt.Sprintf("%s.%s", operation, reason),
		err:  cause,
	}
}

// Storage is shorthand for New(KindStorage, ...).
func Storage(operation, reason string, cause error) error {
	return New(KindStorage, operation, reason, cause)
}

// Validation is shorthand for New(KindValidation, ...).
func Validation(operation, reason string, cause error) error {
	return New(KindValidation, operation, reason, cause)
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Is matches the sentinel of the error's kind.
func (e *Error) Is(target error) bool {
	switch e.kind {
	case KindStorage:
		return target == ErrStorage
	case KindTransport:
		return target == ErrTransport
	case KindConflict:
		return target == ErrConflict
	case KindValidation:
		return target == ErrValidation
	default:
		return false
	}
}

// Code returns the "<operation>.<reason>" code.
func (e *Error) Code() string {
	return e.code
}

// Kind returns the failure category.
func (e *Error) Kind() Kind {
	return e.kind
}

// KindOf reports the kind of the first classified error in err's chain.
func KindOf(err error) (Kind, bool) {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.kind, true
	}
	return "", false
}

// CodeOf returns the code of the first classified error in err's chain.
func CodeOf(err error) string {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.code
	}
	return ""
}
