package txn

import (
	"github.com/veloxdb/veloxdb-core/internal/sortedindex"
	"github.com/veloxdb/veloxdb-core/internal/veloxerr"
)

// Object is a copied-out snapshot of one object's visible property values,
// safe to hand back across the public API boundary.
type Object struct {
	ID    uint64
	Props []any
}

// GetObject returns the object visible to this transaction's snapshot, or
// nil if it doesn't exist or isn't visible. Read-write transactions take a
// reader lock on the returned version, tracked so commit/rollback can
// finalize or release it (§4.1).
func (t *Transaction) GetObject(className string, id uint64) (*Object, error) {
	if err := t.checkLive(); err != nil {
		return nil, err
	}
	rt, err := t.coord.classRuntime(className)
	if err != nil {
		return nil, err
	}
	view := t.View()
	rec, handle, err := rt.Heap.GetObject(view, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	if t.ReadWrite && handle.Valid() {
		t.recordRead(className, handle)
	}
	return &Object{ID: rec.ID, Props: append([]any(nil), rec.Props...)}, nil
}

// ClassScan returns every object of className visible to this transaction's
// snapshot, splitting the heap into up to parallelism ranges and scanning
// them one after another.
func (t *Transaction) ClassScan(className string, parallelism int) ([]Object, error) {
	if err := t.checkLive(); err != nil {
		return nil, err
	}
	rt, err := t.coord.classRuntime(className)
	if err != nil {
		return nil, err
	}
	view := t.View()
	var out []Object
	for _, r := range rt.Heap.ScanRanges(parallelism) {
		for _, obj := range rt.Heap.Scan(view, r) {
			if t.ReadWrite && obj.Handle.Valid() {
				t.recordRead(className, obj.Handle)
			}
			out = append(out, Object{ID: obj.ID, Props: obj.Props})
		}
	}
	return out, nil
}

// GetInverseReferences returns the ids of every object visible to this
// transaction's snapshot that holds a tracked reference to targetID through
// propertyID (§4.2).
func (t *Transaction) GetInverseReferences(targetID uint64, propertyID int) ([]uint64, error) {
	if err := t.checkLive(); err != nil {
		return nil, err
	}
	return t.coord.InvRefs.GetReferences(t.View(), targetID, propertyID)
}

// HashLookup returns the ids of every object visible to this transaction's
// snapshot whose indexed columns encode to key, via the named hash index
// binding on className (§4.3).
func (t *Transaction) HashLookup(className, indexName string, key []byte) ([]uint64, error) {
	if err := t.checkLive(); err != nil {
		return nil, err
	}
	rt, err := t.coord.classRuntime(className)
	if err != nil {
		return nil, err
	}
	b, err := rt.hashIndex(indexName)
	if err != nil {
		return nil, err
	}
	view := t.View()
	ids := b.Index.GetItems(view, key)
	if t.ReadWrite {
		t.recordHashIndex(b.Index)
	}
	return ids, nil
}

// SortedScan runs a range scan through the named sorted index binding on
// className (§4.4), returning matching (key, id) entries in order.
func (t *Transaction) SortedScan(className, indexName string, spec SortedScanSpec) ([]SortedEntry, error) {
	if err := t.checkLive(); err != nil {
		return nil, err
	}
	rt, err := t.coord.classRuntime(className)
	if err != nil {
		return nil, err
	}
	b, err := rt.sortedIndex(indexName)
	if err != nil {
		return nil, err
	}
	view := t.View()
	entries := b.Tree.Scan(view, spec.toInternal())
	if t.ReadWrite {
		t.recordSortedIndex(b.Tree)
	}
	out := make([]SortedEntry, len(entries))
	for i, e := range entries {
		out[i] = SortedEntry{Key: e.Key, ID: e.ID}
	}
	return out, nil
}

func (rt *ClassRuntime) hashIndex(name string) (*HashIndexBinding, error) {
	for _, b := range rt.HashIndexes {
		if b.Name == name {
			return b, nil
		}
	}
	return nil, veloxerr.ErrUnknownIndex.WithProperty(name)
}

func (rt *ClassRuntime) sortedIndex(name string) (*SortedIndexBinding, error) {
	for _, b := range rt.SortedIndexes {
		if b.Name == name {
			return b, nil
		}
	}
	return nil, veloxerr.ErrUnknownIndex.WithProperty(name)
}

// SortedScanSpec is the public, index-name-addressed analogue of
// sortedindex.ScanSpec.
type SortedScanSpec struct {
	StartKey    []byte
	StartClosed bool
	EndKey      []byte
	EndClosed   bool
	Backward    bool
	Limit       int
}

func (s SortedScanSpec) toInternal() sortedindex.ScanSpec {
	return sortedindex.ScanSpec{
		StartKey:    s.StartKey,
		StartClosed: s.StartClosed,
		EndKey:      s.EndKey,
		EndClosed:   s.EndClosed,
		Backward:    s.Backward,
		Limit:       s.Limit,
	}
}

// SortedEntry is one (key, id) pair returned by SortedScan.
type SortedEntry struct {
	Key []byte
	ID  uint64
}
