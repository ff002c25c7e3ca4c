package external

import "testing"

func TestMemBlobHeapAllocRetrieve(t *testing.T) {
	h := NewMemBlobHeap()
	handle := h.Alloc([]byte("hello"))

	data, err := h.Retrieve(handle)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("expected hello, got %q", data)
	}
}

func TestMemBlobHeapRetrieveUnknownHandle(t *testing.T) {
	h := NewMemBlobHeap()
	if _, err := h.Retrieve(Handle(999)); err != ErrHandleNotFound {
		t.Fatalf("expected ErrHandleNotFound, got %v", err)
	}
}

func TestMemBlobHeapRefCountingFreesAtZero(t *testing.T) {
	h := NewMemBlobHeap()
	handle := h.Alloc([]byte("x"))
	h.IncRefCount(handle)

	h.DecRefCount(handle)
	if _, err := h.Retrieve(handle); err != nil {
		t.Fatalf("expected entry to survive one dec while refs remain, got %v", err)
	}

	h.DecRefCount(handle)
	if _, err := h.Retrieve(handle); err != ErrHandleNotFound {
		t.Fatal("expected entry to be freed once ref count reaches zero")
	}
}

func TestMemBlobHeapVersion(t *testing.T) {
	h := NewMemBlobHeap()
	handle := h.Alloc([]byte("v"))
	h.SetVersion(handle, 7)
	if got := h.GetVersion(handle); got != 7 {
		t.Fatalf("expected version 7, got %d", got)
	}
}

func TestMemChangesetResetReplaysBlocks(t *testing.T) {
	cs := NewMemChangeset()
	cs.AddBlock(ChangesetBlock{ClassName: "A", Op: OpInsert})
	cs.AddBlock(ChangesetBlock{ClassName: "B", Op: OpUpdate})

	var seen []string
	for {
		b, ok := cs.Next()
		if !ok {
			break
		}
		seen = append(seen, b.ClassName)
	}
	if len(seen) != 2 || seen[0] != "A" || seen[1] != "B" {
		t.Fatalf("expected [A B], got %v", seen)
	}

	if cs.Len() != 0 {
		t.Fatalf("expected Len 0 after full drain, got %d", cs.Len())
	}
	cs.Reset()
	if cs.Len() != 2 {
		t.Fatalf("expected Len 2 after reset, got %d", cs.Len())
	}
}
