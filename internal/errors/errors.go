// Package errors provides the error Kind taxonomy the job execution loop
// distinguishes (§7): InternalErr, ExecutionErr, NotFound, Unauthorized.
package errors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Wrap returns a new error wrapping the passed error, attaching a stack
// trace. If the passed error is nil, nil is returned.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return errors.WithStack(err)
}

// Kind classifies why an error occurred, per spec §7.
type Kind string

const (
	// Internal indicates an invariant violation, a missing required
	// field, or a database error unrelated to user code.
	Internal Kind = "internal"
	// Execution indicates a child process failure, an unparsable
	// result, cancellation, a too-long log line, or a timeout.
	Execution Kind = "execution"
	// NotFound indicates a referenced entity (job, script, parent job)
	// does not exist.
	NotFound Kind = "not_found"
	// Unauthorized indicates the acting principal lacks permission for
	// the attempted operation.
	Unauthorized Kind = "unauthorized"
)

// Error is a Kind-tagged error. Use As to recover the Kind from an
// arbitrary error chain.
type Error struct {
	Kind  Kind
	msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s", e.msg, e.cause)
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.cause }

// InternalErr builds an Internal-kind error.
func InternalErr(msg string) error {
	return errors.WithStack(&Error{Kind: Internal, msg: msg})
}

// InternalErrf builds an Internal-kind error with a formatted message.
func InternalErrf(format string, args ...interface{}) error {
	return errors.WithStack(&Error{Kind: Internal, msg: fmt.Sprintf(format, args...)})
}

// ExecutionErr builds an Execution-kind error.
func ExecutionErr(msg string) error {
	return errors.WithStack(&Error{Kind: Execution, msg: msg})
}

// ExecutionErrf builds an Execution-kind error with a formatted message.
func ExecutionErrf(format string, args ...interface{}) error {
	return errors.WithStack(&Error{Kind: Execution, msg: fmt.Sprintf(format, args...)})
}

// NotFoundErr builds a NotFound-kind error.
func NotFoundErr(msg string) error {
	return errors.WithStack(&Error{Kind: NotFound, msg: msg})
}

// UnauthorizedErr builds an Unauthorized-kind error.
func UnauthorizedErr(msg string) error {
	return errors.WithStack(&Error{Kind: Unauthorized, msg: msg})
}

// WrapKind wraps cause with the given Kind and message, preserving the
// original error for Unwrap/As.
func WrapKind(kind Kind, msg string, cause error) error {
	if cause == nil {
		return nil
	}
	return errors.WithStack(&Error{Kind: kind, msg: msg, cause: cause})
}

// KindOf returns the Kind of err if it is (or wraps) an *Error, and ok=false
// otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
