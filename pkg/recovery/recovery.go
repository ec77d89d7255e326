// Package recovery guards the operation engine's apply/undo boundary
// against panics in storage or file-system-model code, converting them
// into a structured IoFailure rather than crashing an in-flight
// transaction.
package recovery

import (
	"fmt"
	"runtime/debug"

	"github.com/januskey/januskey/pkg/errors"
)

// Safe runs fn, converting any panic into an IoFailure tagged with
// component and operation. A non-panic error from fn passes through
// unchanged.
func Safe(component, operation string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.IoFailure(component, fmt.Sprintf("recovered from panic: %v", r), nil).
				WithOperation(operation).
				WithContext("stack", string(debug.Stack()))
		}
	}()
	return fn()
}

// SafeResult runs fn and returns its result, converting any panic into
// an IoFailure the same way Safe does.
func SafeResult[T any](component, operation string, fn func() (T, error)) (result T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.IoFailure(component, fmt.Sprintf("recovered from panic: %v", r), nil).
				WithOperation(operation).
				WithContext("stack", string(debug.Stack()))
		}
	}()
	return fn()
}
