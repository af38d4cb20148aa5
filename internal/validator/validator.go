// Package validator provides utility types and functions for validating
// input. Failures are reported as internal/errors.Internal-kind errors
// (§7: a missing required config field is an invariant violation, not
// an execution-time failure), so a caller that checks err.Kind against
// the same taxonomy runner/dispatcher use doesn't need a second,
// validator-specific error type to match on.
package validator

import (
	workererrors "github.com/windmill-labs/workercore/internal/errors"
)

// New creates a Validator instance.
func New() *Validator {
	return &Validator{}
}

// Validator provides a set of methods to ensure arbitrary conditions are true.
// In the event the one condition is false, Validator records the failing
// condition and does not proceed with further checks.
type Validator struct {
	err error
}

// AssertFunc checks that fn returns true, if not msg is used to construct an
// Internal-kind error to be returned by Validator.Err().
func (v *Validator) AssertFunc(fn func() bool, msg string) {
	if v.err != nil {
		return
	}
	if !fn() {
		v.err = workererrors.InternalErr(msg)
	}
}

// Assert checks that condition is true, if not msg is used to construct an
// Internal-kind error to be returned by Validator.Err().
func (v *Validator) Assert(condition bool, msg string) {
	if v.err != nil {
		return
	}
	if !condition {
		v.err = workererrors.InternalErr(msg)
	}
}

// Err returns the first Internal-kind error encountered during the
// Validator's checks, or nil if every check passed.
func (v Validator) Err() error {
	return v.err
}
