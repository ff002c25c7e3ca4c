package veloxcore

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/veloxdb/veloxdb-core/internal/external"
	"github.com/veloxdb/veloxdb-core/internal/heap"
)

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

func oneBlockChangeset(className string, op external.OperationType, ops ...external.ChangesetOp) *external.MemChangeset {
	cs := external.NewMemChangeset()
	cs.AddBlock(external.ChangesetBlock{ClassName: className, Op: op, Ops: ops})
	return cs
}

func openTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := DefaultEngineConfig()
	cfg.CommitWorkers = 2
	e, err := Open(cfg)
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestOpenRegisterInsertAndRead(t *testing.T) {
	e := openTestEngine(t)
	e.RegisterClass(widgetDesc(), 1)
	e.StartGC()

	commitVersion, err := e.ApplyChangeset(external.SourceClient, oneBlockChangeset("Widget", external.OpInsert, insertOp(1, 7, "gizmo")))
	if err != nil {
		t.Fatalf("apply changeset: %v", err)
	}
	if commitVersion == 0 {
		t.Fatal("expected a nonzero commit version")
	}

	tran, err := e.CreateTransaction(external.SourceClient, false)
	if err != nil {
		t.Fatalf("create transaction: %v", err)
	}
	defer tran.Commit()

	obj, err := tran.GetObject("Widget", 1)
	if err != nil {
		t.Fatalf("get object: %v", err)
	}
	if obj == nil {
		t.Fatal("expected the inserted object to be visible")
	}
	if obj.Props[0] != int32(7) || obj.Props[1] != "gizmo" {
		t.Fatalf("unexpected props: %v", obj.Props)
	}
}

func TestAddHashIndexWiresRuntimeKeyAndVisibility(t *testing.T) {
	e := openTestEngine(t)
	rt := e.RegisterClass(widgetDesc(), 1)
	e.StartGC()

	binding := AddHashIndex(rt, "name_unique", 2, true, []int{2}, bytes.Compare)
	if binding == nil {
		t.Fatal("expected a hash index binding")
	}

	if _, err := e.ApplyChangeset(external.SourceClient, oneBlockChangeset("Widget", external.OpInsert, insertOp(1, 1, "unique-name"))); err != nil {
		t.Fatalf("apply changeset: %v", err)
	}

	if _, err := e.ApplyChangeset(external.SourceClient, oneBlockChangeset("Widget", external.OpInsert, insertOp(2, 2, "unique-name"))); err == nil {
		t.Fatal("expected a duplicate name to violate the unique hash index")
	}
}

func TestAddSortedIndexWiresRuntimeVisibility(t *testing.T) {
	e := openTestEngine(t)
	rt := e.RegisterClass(widgetDesc(), 1)
	e.StartGC()

	binding := AddSortedIndex(rt, "by_x", 2, false, []int{1}, func(a, b []byte) int { return bytes.Compare(a, b) })
	if binding == nil {
		t.Fatal("expected a sorted index binding")
	}

	if _, err := e.ApplyChangeset(external.SourceClient, oneBlockChangeset("Widget", external.OpInsert, insertOp(1, 3, "a"))); err != nil {
		t.Fatalf("apply changeset: %v", err)
	}
}

func TestReserveIDRangeHandsOutDistinctRanges(t *testing.T) {
	e := openTestEngine(t)
	first, err := e.ReserveIDRange(10)
	if err != nil {
		t.Fatalf("reserve id range: %v", err)
	}
	second, err := e.ReserveIDRange(10)
	if err != nil {
		t.Fatalf("reserve id range: %v", err)
	}
	if second < first+10 {
		t.Fatalf("expected the second range to start at or after %d, got %d", first+10, second)
	}
}

func TestRecoverReplaysJournalIntoFreshEngine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.db")

	cfg := DefaultEngineConfig()
	cfg.PersistencePath = path
	e1, err := Open(cfg)
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	e1.RegisterClass(widgetDesc(), 1)
	e1.StartGC()
	if _, err := e1.ApplyChangeset(external.SourceClient, oneBlockChangeset("Widget", external.OpInsert, insertOp(1, 9, "persisted"))); err != nil {
		t.Fatalf("apply changeset: %v", err)
	}
	if err := e1.Close(); err != nil {
		t.Fatalf("close first engine: %v", err)
	}

	e2, err := Open(cfg)
	if err != nil {
		t.Fatalf("reopen engine: %v", err)
	}
	defer e2.Close()
	e2.RegisterClass(widgetDesc(), 1)
	e2.StartGC()

	if err := e2.Recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}

	tran, err := e2.CreateTransaction(external.SourceClient, false)
	if err != nil {
		t.Fatalf("create transaction: %v", err)
	}
	defer tran.Commit()
	obj, err := tran.GetObject("Widget", 1)
	if err != nil {
		t.Fatalf("get object: %v", err)
	}
	if obj == nil {
		t.Fatal("expected the replayed insert to be visible after recovery")
	}
}

func TestExportClassDiagnosticsWritesShapefile(t *testing.T) {
	e := openTestEngine(t)
	e.RegisterClass(widgetDesc(), 1)
	e.StartGC()

	if _, err := e.ApplyChangeset(external.SourceClient, oneBlockChangeset("Widget", external.OpInsert, insertOp(1, 5, "pt"))); err != nil {
		t.Fatalf("apply changeset: %v", err)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "widgets.shp")
	if err := e.ExportClassDiagnostics(path, "Widget", 0, 0, 0); err != nil {
		t.Fatalf("export diagnostics: %v", err)
	}
}
