package errors

import (
	"errors"
	"fmt"
)

// LaunchError is a mistake in user input or configuration.
//
// Its message is shown to operators as is, so it should say what to fix.
type LaunchError struct {
	msg   string
	cause error
}

func NewLaunchError(format string, args ...any) *LaunchError {
	err := fmt.Errorf(format, args...)
	return &LaunchError{msg: err.Error(), cause: errors.Unwrap(err)}
}

func (e *LaunchError) Error() string {
	return e.msg
}

func (e *LaunchError) Unwrap() error {
	return e.cause
}

// IsLaunchError reports whether err has a *LaunchError in its chain.
func IsLaunchError(err error) bool {
	var le *LaunchError
	return errors.As(err, &le)
}

// ExecutionError reports an entry point which cannot be run as requested.
type ExecutionError struct {
	msg string
}

func NewExecutionError(format string, args ...any) *ExecutionError {
	return &ExecutionError{msg: fmt.Sprintf(format, args...)}
}

func (e *ExecutionError) Error() string {
	return e.msg
}

// CommError is a failure talking to the run-queue service.
//
// Status polling treats it as transient.
type CommError struct {
	Op    string
	cause error
}

func NewCommError(op string, cause error) *CommError {
	return &CommError{Op: op, cause: cause}
}

func (e *CommError) Error() string {
	if e.cause == nil {
		return fmt.Sprintf("communication error: %s", e.Op)
	}
	return fmt.Sprintf("communication error: %s: %s", e.Op, e.cause)
}

func (e *CommError) Unwrap() error {
	return e.cause
}

func IsCommError(err error) bool {
	var ce *CommError
	return errors.As(err, &ce)
}
