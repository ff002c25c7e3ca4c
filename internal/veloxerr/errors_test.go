package veloxerr

import (
	"errors"
	"strings"
	"testing"
)

func TestIsMatchesByKindNotByInstance(t *testing.T) {
	err := New(KindConflict, nil).WithObject(42).WithClass("Widget")
	if !errors.Is(err, ErrConflict) {
		t.Fatal("expected errors.Is to match the sentinel by Kind regardless of attached context")
	}
	if errors.Is(err, ErrUniquenessConstraint) {
		t.Fatal("expected errors.Is to reject a different Kind")
	}
}

func TestWithBuildersDoNotMutateSentinel(t *testing.T) {
	before := ErrConflict.ObjectID
	_ = ErrConflict.WithObject(99)
	if ErrConflict.ObjectID != before {
		t.Fatal("expected With* to clone rather than mutate the shared sentinel")
	}
}

func TestErrorStringIncludesContext(t *testing.T) {
	err := New(KindUnknownClass, nil).WithClass("Ghost").WithObject(7)
	msg := err.Error()
	if !strings.Contains(msg, "Ghost") || !strings.Contains(msg, "7") {
		t.Fatalf("expected error string to include class and object id, got %q", msg)
	}
}

func TestUnwrapReturnsWrappedCause(t *testing.T) {
	cause := errors.New("boom")
	err := New(KindConflict, cause)
	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to find the wrapped cause via Unwrap")
	}
}
