package sortedindex

import (
	"math/rand"
	"testing"

	"github.com/veloxdb/veloxdb-core/internal/txctx"
)

func alwaysVisible(view txctx.View, id uint64) (bool, bool) { return true, false }

func key(n int) []byte { return EncodeInt64(int64(n)) }

func inOrderIDs(t *testing.T, tr *Tree) []uint64 {
	t.Helper()
	entries := tr.Scan(txctx.View{}, ScanSpec{})
	ids := make([]uint64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}

func TestTreeInsertOrdering(t *testing.T) {
	tr := New(2, false, BytesComparer, alwaysVisible)
	order := []int{5, 1, 9, 3, 7, 2, 8, 4, 6, 0}
	for _, n := range order {
		if err := tr.Insert(txctx.View{}, key(n), uint64(n), uint64(n)); err != nil {
			t.Fatalf("insert %d: %v", n, err)
		}
	}
	entries := tr.Scan(txctx.View{}, ScanSpec{})
	if len(entries) != 10 {
		t.Fatalf("expected 10 entries, got %d", len(entries))
	}
	for i := range entries {
		if int(entries[i].ID) != i {
			t.Fatalf("expected ordered ids, got %v at %d", entries[i].ID, i)
		}
	}
}

func TestTreeRangeScanBounds(t *testing.T) {
	tr := New(2, false, BytesComparer, alwaysVisible)
	for n := 0; n < 10; n++ {
		if err := tr.Insert(txctx.View{}, key(n), uint64(n), uint64(n)); err != nil {
			t.Fatalf("insert %d: %v", n, err)
		}
	}
	entries := tr.Scan(txctx.View{}, ScanSpec{
		StartKey: key(3), StartClosed: true,
		EndKey: key(6), EndClosed: false,
	})
	var got []uint64
	for _, e := range entries {
		got = append(got, e.ID)
	}
	want := []uint64{3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestTreeBackwardScan(t *testing.T) {
	tr := New(2, false, BytesComparer, alwaysVisible)
	for n := 0; n < 5; n++ {
		if err := tr.Insert(txctx.View{}, key(n), uint64(n), uint64(n)); err != nil {
			t.Fatalf("insert %d: %v", n, err)
		}
	}
	entries := tr.Scan(txctx.View{}, ScanSpec{Backward: true})
	if len(entries) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(entries))
	}
	for i, e := range entries {
		if int(e.ID) != 4-i {
			t.Fatalf("expected descending order, got %v at %d", e.ID, i)
		}
	}
}

func TestTreeUniquenessConflict(t *testing.T) {
	tr := New(2, true, BytesComparer, alwaysVisible)
	view := txctx.View{}
	if err := tr.Insert(view, key(1), 1, 100); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tr.Insert(view, key(1), 2, 200); err == nil {
		t.Fatal("expected uniqueness violation")
	}
}

func TestTreeDeleteAndRebalance(t *testing.T) {
	tr := New(2, false, BytesComparer, alwaysVisible)
	const count = N * 10
	ids := rand.New(rand.NewSource(1)).Perm(count)
	for _, n := range ids {
		if err := tr.Insert(txctx.View{}, key(n), uint64(n), uint64(n)); err != nil {
			t.Fatalf("insert %d: %v", n, err)
		}
	}
	if tr.Count() != count {
		t.Fatalf("expected count %d, got %d", count, tr.Count())
	}

	deleteOrder := append([]int(nil), ids[:count/2]...)
	for i := len(deleteOrder) - 1; i >= 0; i-- {
		n := deleteOrder[i]
		tr.Delete(txctx.View{}, key(n), uint64(n), uint64(n))
	}
	if tr.Count() != count/2 {
		t.Fatalf("expected count %d after deletes, got %d", count/2, tr.Count())
	}

	got := inOrderIDs(t, tr)
	if len(got) != count/2 {
		t.Fatalf("expected %d surviving entries, got %d", count/2, len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i-1] >= got[i] {
			t.Fatalf("expected strictly increasing ids, got %v at %d,%d", got, i-1, i)
		}
	}
}

func TestTreeRangeLockBlocksConcurrentInsert(t *testing.T) {
	tr := New(2, false, BytesComparer, alwaysVisible)
	for n := 0; n < 3; n++ {
		if err := tr.Insert(txctx.View{}, key(n*2), uint64(n), uint64(n)); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	reader := txctx.View{ID: 1, ReadWrite: true}
	tr.Scan(reader, ScanSpec{StartKey: key(0), StartClosed: true, EndKey: key(4), EndClosed: true})

	writer := txctx.View{ID: 2, ReadWrite: true}
	if err := tr.Insert(writer, key(3), 99, 99); err == nil {
		t.Fatal("expected range-lock conflict, got nil")
	}

	tr.ReleaseRangeLocks(reader.ID)
	if err := tr.Insert(writer, key(3), 99, 99); err != nil {
		t.Fatalf("expected insert to succeed after lock release, got %v", err)
	}
}

func TestEncodeInt64PreservesOrder(t *testing.T) {
	vals := []int64{-100, -1, 0, 1, 100, 1 << 40, -(1 << 40)}
	for i := 0; i < len(vals); i++ {
		for j := 0; j < len(vals); j++ {
			want := 0
			if vals[i] < vals[j] {
				want = -1
			} else if vals[i] > vals[j] {
				want = 1
			}
			got := BytesComparer(EncodeInt64(vals[i]), EncodeInt64(vals[j]))
			if (got < 0 && want >= 0) || (got > 0 && want <= 0) || (got == 0 && want != 0) {
				t.Fatalf("order mismatch for %d vs %d: got %d want sign %d", vals[i], vals[j], got, want)
			}
		}
	}
}
