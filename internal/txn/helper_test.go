package txn

import (
	"bytes"

	"github.com/veloxdb/veloxdb-core/internal/external"
	"github.com/veloxdb/veloxdb-core/internal/heap"
)

// widgetDesc is a two-property class (an int32 "x" and a string "name")
// shared by every test in this package, mirroring the minimal fixture
// classes the hash/sorted index package tests build by hand.
func widgetDesc() *heap.ClassDescriptor {
	return &heap.ClassDescriptor{
		ID:   1,
		Name: "Widget",
		Properties: []heap.PropertyDescriptor{
			{ID: 1, Name: "x", Type: heap.PropInt32},
			{ID: 2, Name: "name", Type: heap.PropString},
		},
	}
}

// refDesc is a class with a tracked, cascading reference property pointing
// at Widget, used by the inverse-reference and cascade tests.
func refDesc() *heap.ClassDescriptor {
	return &heap.ClassDescriptor{
		ID:   2,
		Name: "Holder",
		Properties: []heap.PropertyDescriptor{
			{ID: 1, Name: "target", Type: heap.PropReference, Tracked: true, TargetClass: "Widget", Cascade: heap.CascadeSetNull},
		},
	}
}

// requiredRefDesc is a class with a non-null, single-valued reference
// property, used to exercise the omitted-property non-null check.
func requiredRefDesc() *heap.ClassDescriptor {
	return &heap.ClassDescriptor{
		ID:   3,
		Name: "StrictHolder",
		Properties: []heap.PropertyDescriptor{
			{ID: 1, Name: "target", Type: heap.PropReference, MultiplicityOne: true, NotNull: true, TargetClass: "Widget"},
		},
	}
}

func newTestCoordinator() *Coordinator {
	return NewCoordinator(Config{
		CommitWorkers: 2,
		Blobs:         external.NewMemBlobHeap(),
		DBName:        "test",
	})
}

func insertOp(id uint64, x int32, name string) external.ChangesetOp {
	return external.ChangesetOp{
		ID:            id,
		IsFirstInTran: true,
		IsLastInTran:  true,
		Values: []external.PropertyValue{
			{PropertyID: 1, Value: x},
			{PropertyID: 2, Value: name},
		},
	}
}

func updateOp(id uint64, x int32) external.ChangesetOp {
	return external.ChangesetOp{
		ID:            id,
		IsFirstInTran: true,
		IsLastInTran:  true,
		Values: []external.PropertyValue{
			{PropertyID: 1, Value: x},
		},
	}
}

func oneBlockChangeset(className string, op external.OperationType, ops ...external.ChangesetOp) *external.MemChangeset {
	cs := external.NewMemChangeset()
	cs.AddBlock(external.ChangesetBlock{ClassName: className, Op: op, Ops: ops})
	return cs
}

func byteCompare(a, b []byte) int { return bytes.Compare(a, b) }
