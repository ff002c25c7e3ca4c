package hashindex

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/veloxdb/veloxdb-core/internal/txctx"
)

type fakeRecord struct {
	key     []byte
	deleted bool
}

func newFixture(unique bool) (*Index, map[uint64]*fakeRecord) {
	objects := make(map[uint64]*fakeRecord)
	keyOf := func(id uint64) ([]byte, bool) {
		r, ok := objects[id]
		if !ok {
			return nil, false
		}
		return r.key, true
	}
	compare := func(a, b []byte) int { return bytes.Compare(a, b) }
	visible := func(view txctx.View, id uint64) (bool, bool) {
		r, ok := objects[id]
		if !ok {
			return false, false
		}
		return !r.deleted, false
	}
	return New(1, unique, keyOf, compare, visible), objects
}

func encodeKey(n uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, n)
	return buf
}

func TestIndexInsertAndGetItems(t *testing.T) {
	ix, objects := newFixture(false)
	view := txctx.View{ReadVersion: 1}

	objects[1] = &fakeRecord{key: encodeKey(42)}
	if err := ix.Insert(view, 1, 100, encodeKey(42)); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got := ix.GetItems(view, encodeKey(42))
	if len(got) != 1 || got[0] != 1 {
		t.Fatalf("expected [1], got %v", got)
	}

	if got := ix.GetItems(view, encodeKey(7)); len(got) != 0 {
		t.Fatalf("expected no matches, got %v", got)
	}
}

func TestIndexUniquenessConflict(t *testing.T) {
	ix, objects := newFixture(true)
	view := txctx.View{ID: 1 << 63, ReadVersion: 1, ReadWrite: true}

	objects[1] = &fakeRecord{key: encodeKey(5)}
	if err := ix.Insert(view, 1, 100, encodeKey(5)); err != nil {
		t.Fatalf("first insert: %v", err)
	}

	objects[2] = &fakeRecord{key: encodeKey(5)}
	if err := ix.Insert(view, 2, 200, encodeKey(5)); err == nil {
		t.Fatal("expected uniqueness violation, got nil")
	}
}

func TestIndexUniquenessAllowsReuseAfterDelete(t *testing.T) {
	ix, objects := newFixture(true)
	view := txctx.View{ReadVersion: 1}

	objects[1] = &fakeRecord{key: encodeKey(5)}
	if err := ix.Insert(view, 1, 100, encodeKey(5)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	ix.Delete(1, 100, encodeKey(5))
	objects[1].deleted = true

	objects[2] = &fakeRecord{key: encodeKey(5)}
	if err := ix.Insert(view, 2, 200, encodeKey(5)); err != nil {
		t.Fatalf("expected reuse to succeed, got %v", err)
	}
}

func TestIndexDeleteUnlinksFromChain(t *testing.T) {
	ix, objects := newFixture(false)
	view := txctx.View{ReadVersion: 1}

	for id := uint64(1); id <= 3; id++ {
		objects[id] = &fakeRecord{key: encodeKey(id)}
		if err := ix.Insert(view, id, id*10, encodeKey(id)); err != nil {
			t.Fatalf("insert %d: %v", id, err)
		}
	}
	if ix.Count() != 3 {
		t.Fatalf("expected count 3, got %d", ix.Count())
	}

	ix.Delete(2, 20, encodeKey(2))
	if ix.Count() != 2 {
		t.Fatalf("expected count 2 after delete, got %d", ix.Count())
	}
	if got := ix.GetItems(view, encodeKey(2)); len(got) != 0 {
		t.Fatalf("expected deleted key to be gone, got %v", got)
	}
	if got := ix.GetItems(view, encodeKey(1)); len(got) != 1 {
		t.Fatalf("expected id 1 unaffected, got %v", got)
	}
}

func TestIndexReplaceObjectHandle(t *testing.T) {
	ix, objects := newFixture(false)
	view := txctx.View{ReadVersion: 1}

	objects[1] = &fakeRecord{key: encodeKey(9)}
	if err := ix.Insert(view, 1, 100, encodeKey(9)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	ix.ReplaceObjectHandle(1, 100, 999, encodeKey(9))
	ix.Delete(1, 999, encodeKey(9))
	if ix.Count() != 0 {
		t.Fatalf("expected delete by new handle to succeed, count=%d", ix.Count())
	}
}

func TestIndexKeyReadLockBlocksConcurrentInsert(t *testing.T) {
	ix, objects := newFixture(true)
	reader := txctx.View{ID: 1, ReadVersion: 1, ReadWrite: true}
	writer := txctx.View{ID: 2, ReadVersion: 1, ReadWrite: true}

	ix.GetItems(reader, encodeKey(11))

	objects[5] = &fakeRecord{key: encodeKey(11)}
	if err := ix.Insert(writer, 5, 500, encodeKey(11)); err == nil {
		t.Fatal("expected phantom-guard conflict, got nil")
	}

	ix.ReleaseKeyReadLocks(reader.ID)
	if err := ix.Insert(writer, 5, 500, encodeKey(11)); err != nil {
		t.Fatalf("expected insert to succeed after lock release, got %v", err)
	}
}
