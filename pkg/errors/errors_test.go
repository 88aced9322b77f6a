package errors_test

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"testing"

	xe "github.com/opst/knitlaunch/pkg/errors"
)

type MyErr struct{}

func (MyErr) Error() string {
	return "error type for test"
}

func createError(message string) error {
	return xe.New(message)
}

func TestNewError(t *testing.T) {
	t.Run("it knows location where it is created.", func(t *testing.T) {
		testee := createError("test error")
		errMessage := testee.Error()

		_, thisFile, _, _ := runtime.Caller(0)

		if !strings.Contains(errMessage, "createError") {
			t.Errorf("it does not know function name: %s", errMessage)
		}

		if !strings.Contains(errMessage, thisFile) {
			t.Errorf("it does not know file (%s): %s", thisFile, errMessage)
		}
	})

	t.Run("it supports errors protocol", func(t *testing.T) {
		rootError := MyErr{}

		err := xe.Wrap(
			fmt.Errorf("%w", fmt.Errorf("%w", rootError)),
		)

		if !errors.Is(err, rootError) {
			t.Error("it does not support unwrapping.")
		}
	})

	t.Run("wrapping nil is nil", func(t *testing.T) {
		if err := xe.Wrap(nil); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		if err := xe.WrapWithNote("note", nil); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})
}

func TestLaunchError(t *testing.T) {
	t.Run("it keeps its message and cause", func(t *testing.T) {
		cause := MyErr{}
		err := xe.Wrap(xe.NewLaunchError("cannot launch: %w", cause))

		if !xe.IsLaunchError(err) {
			t.Errorf("not a LaunchError: %v", err)
		}
		var le *xe.LaunchError
		if !errors.As(err, &le) {
			t.Fatalf("errors.As failed: %v", err)
		}
		if le.Error() != "cannot launch: error type for test" {
			t.Errorf("unexpected message: %s", le.Error())
		}
		if !errors.Is(err, cause) {
			t.Errorf("cause is lost: %v", err)
		}
	})

	t.Run("CommError is not a LaunchError", func(t *testing.T) {
		err := xe.NewCommError("pop", MyErr{})
		if xe.IsLaunchError(err) {
			t.Errorf("CommError is detected as LaunchError")
		}
		if !xe.IsCommError(fmt.Errorf("wrapped: %w", err)) {
			t.Errorf("CommError is not detected")
		}
	})
}
