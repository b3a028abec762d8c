package xerrors_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/neurodata/synq/pkg/xerrors"
)

func TestWrap(t *testing.T) {
	t.Run("wrapped error unwraps to its cause", func(t *testing.T) {
		cause := errors.New("root cause")
		wrapped := xerrors.Wrap(cause)

		if !errors.Is(wrapped, cause) {
			t.Error("wrapped error does not unwrap to its cause")
		}
	})

	t.Run("message contains cause, function name and note", func(t *testing.T) {
		cause := errors.New("root cause")
		wrapped := xerrors.WrapWithNote("while testing", cause)

		msg := wrapped.Error()
		for _, want := range []string{"root cause", "TestWrap", "while testing"} {
			if !strings.Contains(msg, want) {
				t.Errorf("message %q does not contain %q", msg, want)
			}
		}
	})

	t.Run("New creates an error knowing its location", func(t *testing.T) {
		err := xerrors.New("something happened")

		cerr := new(xerrors.CallerError)
		if !errors.As(err, &cerr) {
			t.Fatal("New did not return a CallerError")
		}
		if cerr.Line() <= 0 {
			t.Error("line number is not recorded")
		}
		if !strings.HasSuffix(cerr.File(), "xerrors_test.go") {
			t.Errorf("unexpected file: %s", cerr.File())
		}
	})
}
