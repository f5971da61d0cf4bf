package flight

import (
	"errors"
	"fmt"
)

// SharedError is a reference handle to an error that is delivered to more than one
// waiter. Copying the handle never copies the cause.
type SharedError struct {
	cause error
}

// Share wraps err once. Errors that are already shared are returned unchanged and a nil
// error stays nil.
func Share(err error) *SharedError {
	if err == nil {
		return nil
	}
	if shared, ok := err.(*SharedError); ok {
		return shared
	}
	return &SharedError{cause: err}
}

// Clone returns a handle to the same underlying cause.
func (e *SharedError) Clone() *SharedError {
	return e
}

func (e *SharedError) Error() string {
	if e == nil || e.cause == nil {
		return "<nil>"
	}
	return e.cause.Error()
}

func (e *SharedError) Unwrap() error {
	return e.cause
}

// PanicError reports a panic raised by a coalesced operation.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("flight: operation panicked: %v", e.Value)
}

// ErrAborted is returned when the operation exited without returning, e.g. via runtime.Goexit.
var ErrAborted = errors.New("flight: operation aborted")
