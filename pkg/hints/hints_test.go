package hints_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/paulschiretz/pgl-serverbackup/pkg/hints"
)

var (
	errLocked  = errors.New("archive directory locked")
	errNoSpace = errors.New("no space left on device")
)

func TestWrapAndNew(t *testing.T) {
	if hints.Wrap(nil) != nil {
		t.Error("Wrap(nil) should return nil")
	}

	err := hints.New("nothing to prune")
	if err.Error() != "nothing to prune" {
		t.Errorf("unexpected message %q", err.Error())
	}

	wrapped := hints.Wrap(errLocked)
	if errors.Unwrap(wrapped) != errLocked {
		t.Error("Unwrap should return the labelled error")
	}
	if !errors.Is(wrapped, errLocked) {
		t.Error("errors.Is should see through a hint")
	}
	if errors.Is(wrapped, errNoSpace) {
		t.Error("errors.Is matched an unrelated error")
	}
}

func TestIsHint(t *testing.T) {
	skipped := hints.Wrap(errLocked)

	testCases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain failure", errNoSpace, false},
		{"hint", skipped, true},
		{"hint behind wrapping", fmt.Errorf("backup: %w", skipped), true},
		{"hint behind two wraps", fmt.Errorf("daemon: %w", fmt.Errorf("backup: %w", skipped)), true},
		{"wrapped failure", fmt.Errorf("compress world: %w", errNoSpace), false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := hints.IsHint(tc.err); got != tc.want {
				t.Errorf("IsHint() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestIs(t *testing.T) {
	skipped := hints.Wrap(errLocked)

	if !hints.Is(skipped, errLocked) {
		t.Error("Is should match the labelled error")
	}
	if hints.Is(errLocked, errLocked) {
		t.Error("Is should require a hint in the chain")
	}
	if hints.Is(skipped, errNoSpace) {
		t.Error("Is matched an unrelated error")
	}
}

func TestNewf(t *testing.T) {
	errGate := errors.New("gate voted no")
	err := hints.Newf("run cancelled by %s: %w", "maintenance", errGate)

	if !hints.IsHint(err) {
		t.Fatal("Newf should return a hint")
	}
	if !hints.Is(err, errGate) {
		t.Error("Newf should keep %w targets reachable")
	}
	if err.Error() != "run cancelled by maintenance: gate voted no" {
		t.Errorf("unexpected message %q", err.Error())
	}
}
