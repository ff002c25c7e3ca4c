package txctx

import "testing"

func TestIsOwnerRequiresReadWriteAndMatchingID(t *testing.T) {
	v := View{ID: 5, ReadWrite: true}
	if !v.IsOwner(5) {
		t.Fatal("expected a read-write view to own its own transaction id")
	}
	if v.IsOwner(6) {
		t.Fatal("expected a mismatched transaction id to not be owned")
	}

	readOnly := View{ID: 5, ReadWrite: false}
	if readOnly.IsOwner(5) {
		t.Fatal("expected a read-only view to never own a transaction")
	}
}

func TestIsCanceled(t *testing.T) {
	v := View{}
	if v.IsCanceled() {
		t.Fatal("expected a nil Canceled flag to mean not canceled")
	}

	flag := false
	v.Canceled = &flag
	if v.IsCanceled() {
		t.Fatal("expected a false flag to mean not canceled")
	}

	flag = true
	if !v.IsCanceled() {
		t.Fatal("expected a true flag to report canceled")
	}
}
