package txn

import (
	"github.com/veloxdb/veloxdb-core/internal/external"
	"github.com/veloxdb/veloxdb-core/internal/heap"
	"github.com/veloxdb/veloxdb-core/internal/txctx"
	"github.com/veloxdb/veloxdb-core/internal/veloxerr"
)

// indexKeyFor projects an op's values (overlaid on zero defaults) into the
// composite byte key a hash/sorted index binding needs, in the binding's
// declared property order.
func indexKeyFor(desc *heap.ClassDescriptor, props []int, values map[int]any) ([]byte, bool) {
	cols := make([][]byte, 0, len(props))
	for _, pid := range props {
		pd, ok := desc.PropertyByID(pid)
		if !ok {
			return nil, false
		}
		v, ok := values[pid]
		if !ok {
			return nil, false
		}
		encoded, ok := encodeColumn(pd.Type, v)
		if !ok {
			return nil, false
		}
		cols = append(cols, encoded)
	}
	return compositeKey(cols), true
}

func valueMap(desc *heap.ClassDescriptor, props []any) map[int]any {
	m := make(map[int]any, len(desc.Properties))
	for i, pd := range desc.Properties {
		m[pd.ID] = props[i]
	}
	return m
}

func overlay(base map[int]any, values []external.PropertyValue) map[int]any {
	out := make(map[int]any, len(base))
	for k, v := range base {
		out[k] = v
	}
	for _, pv := range values {
		out[pv.PropertyID] = pv.Value
	}
	return out
}

// applyInsert validates non-null reference constraints, inserts into the
// class heap, then maintains every hash/sorted index and tracked
// inverse-reference property declared on the class.
func (t *Transaction) applyInsert(view txctx.View, rt *ClassRuntime, block external.ChangesetBlock) error {
	for _, op := range block.Ops {
		values := overlay(map[int]any{}, op.Values)
		for _, pd := range rt.Desc.Properties {
			if _, ok := values[pd.ID]; !ok {
				values[pd.ID] = heap.CodecFor(pd.Type).ZeroValue()
			}
		}
		// Validate against the defaulted map, not op.Values: a NotNull
		// reference property omitted from the insert entirely defaults to
		// the zero value here and must be caught the same as an explicit 0.
		if err := t.checkNonNullRefs(rt.Desc, values); err != nil {
			return err
		}
		handles, err := rt.Heap.Insert(view, []external.ChangesetOp{op})
		if err != nil {
			return err
		}
		t.recordWrite(block.ClassName, handles[0], true, external.OpInsert, op)

		if err := t.indexInsert(view, rt, op.ID, values); err != nil {
			return err
		}
		t.applyOutgoingReferences(view, rt.Desc, op.ID, nil, values)
	}
	return nil
}

// applyUpdate reads the object's current values to compute index/inverse-
// reference deltas, then writes through the heap.
func (t *Transaction) applyUpdate(view txctx.View, rt *ClassRuntime, block external.ChangesetBlock) error {
	for _, op := range block.Ops {
		old, _, err := rt.Heap.GetObject(view, op.ID)
		if err != nil {
			return err
		}
		if old == nil {
			return veloxerr.ErrUpdateOfNonexistent.WithObject(op.ID)
		}
		oldValues := valueMap(rt.Desc, old.Props)
		newValues := overlay(oldValues, op.Values)
		// Validate against the merged view: properties the update omits
		// keep their prior (already-valid) value, so only properties this
		// op actually changes can introduce a new null reference.
		if err := t.checkNonNullRefs(rt.Desc, newValues); err != nil {
			return err
		}

		handles, err := rt.Heap.Update(view, []external.ChangesetOp{op})
		if err != nil {
			return err
		}
		t.recordWrite(block.ClassName, handles[0], false, external.OpUpdate, op)

		if err := t.indexDelete(view, rt, op.ID, oldValues); err != nil {
			return err
		}
		if err := t.indexInsert(view, rt, op.ID, newValues); err != nil {
			return err
		}
		t.applyOutgoingReferences(view, rt.Desc, op.ID, oldValues, newValues)
	}
	return nil
}

// applyDelete removes the object from every index, retracts its own
// outgoing references, and enqueues cascades for every class that holds a
// tracked reference to this object (§4.5 conflict propagation).
func (t *Transaction) applyDelete(view txctx.View, rt *ClassRuntime, block external.ChangesetBlock, outCascade *external.MemChangeset) error {
	for _, op := range block.Ops {
		old, _, err := rt.Heap.GetObject(view, op.ID)
		if err != nil {
			return err
		}
		if old == nil {
			return veloxerr.ErrNonexistentDelete.WithObject(op.ID)
		}
		oldValues := valueMap(rt.Desc, old.Props)

		handles, err := rt.Heap.Delete(view, []external.ChangesetOp{op})
		if err != nil {
			return err
		}
		t.recordWrite(block.ClassName, handles[0], false, external.OpDelete, op)

		if err := t.indexDelete(view, rt, op.ID, oldValues); err != nil {
			return err
		}
		t.applyOutgoingReferences(view, rt.Desc, op.ID, oldValues, nil)

		refPropIDs := make([]int, 0)
		for _, p := range rt.Desc.Properties {
			if p.Type == heap.PropReference && p.Tracked {
				refPropIDs = append(refPropIDs, p.ID)
			}
		}
		t.coord.InvRefs.Delete(view, op.ID, refPropIDs)

		t.coord.mu.RLock()
		refs := append([]reverseRef(nil), t.coord.reverse[block.ClassName]...)
		t.coord.mu.RUnlock()
		for _, r := range refs {
			sources, err := t.coord.InvRefs.GetReferences(view, op.ID, r.PropertyID)
			if err != nil {
				return err
			}
			for _, sourceID := range sources {
				switch r.Policy {
				case heap.CascadeDelete:
					outCascade.AddBlock(external.ChangesetBlock{
						ClassName: r.SourceClass,
						Op:        external.OpDelete,
						Ops:       []external.ChangesetOp{{ID: sourceID, IsFirstInTran: true, IsLastInTran: true}},
					})
				case heap.CascadeSetNull:
					outCascade.AddBlock(external.ChangesetBlock{
						ClassName:   r.SourceClass,
						Op:          external.OpUpdate,
						PropertyIDs: []int{r.PropertyID},
						Ops: []external.ChangesetOp{{
							ID:            sourceID,
							IsFirstInTran: true,
							IsLastInTran:  true,
							Values:        []external.PropertyValue{{PropertyID: r.PropertyID, Value: uint64(0)}},
						}},
					})
				}
			}
		}
	}
	return nil
}

// applyDefaultValue rewrites one property to its zero value across every
// currently visible object of the class (a schema-evolution primitive:
// adding a property backfills existing rows).
func (t *Transaction) applyDefaultValue(view txctx.View, rt *ClassRuntime, block external.ChangesetBlock) error {
	for _, pid := range block.PropertyIDs {
		pd, ok := rt.Desc.PropertyByID(pid)
		if !ok {
			continue
		}
		zero := heap.CodecFor(pd.Type).ZeroValue()
		for _, r := range rt.Heap.ScanRanges(1) {
			for _, obj := range rt.Heap.Scan(view, r) {
				op := external.ChangesetOp{
					ID:            obj.ID,
					IsFirstInTran: true,
					IsLastInTran:  true,
					Values:        []external.PropertyValue{{PropertyID: pid, Value: zero}},
				}
				handles, err := rt.Heap.Update(view, []external.ChangesetOp{op})
				if err != nil {
					return err
				}
				t.recordWrite(block.ClassName, handles[0], false, external.OpUpdate, op)
			}
		}
	}
	return nil
}

// checkNonNullRefs enforces the synchronous non-null constraint on
// multiplicity-one reference properties left at the zero value (§4.5),
// against an already-complete property map (every declared property
// present, either explicitly set or defaulted) so a property the caller
// omitted entirely is checked exactly like one explicitly set to 0.
func (t *Transaction) checkNonNullRefs(desc *heap.ClassDescriptor, values map[int]any) error {
	for _, pd := range desc.Properties {
		if pd.Type != heap.PropReference || !pd.MultiplicityOne || !pd.NotNull {
			continue
		}
		id, ok := values[pd.ID].(uint64)
		if !ok || id == 0 {
			return veloxerr.ErrNullReferenceNotAllowed.WithProperty(pd.Name)
		}
	}
	return nil
}

// applyOutgoingReferences maintains the inverse-reference map for every
// tracked reference property whose value changed between oldValues and
// newValues (either may be nil for insert/delete).
func (t *Transaction) applyOutgoingReferences(view txctx.View, desc *heap.ClassDescriptor, sourceID uint64, oldValues, newValues map[int]any) {
	for _, pd := range desc.Properties {
		if pd.Type != heap.PropReference || !pd.Tracked {
			continue
		}
		var oldTarget, newTarget uint64
		if oldValues != nil {
			if v, ok := oldValues[pd.ID].(uint64); ok {
				oldTarget = v
			}
		}
		if newValues != nil {
			if v, ok := newValues[pd.ID].(uint64); ok {
				newTarget = v
			}
		}
		if oldTarget == newTarget {
			continue
		}
		if oldTarget != 0 {
			_ = t.coord.InvRefs.Modify(view, oldTarget, pd.ID, true, nil, []uint64{sourceID})
			t.recordInvRef(oldTarget, pd.ID)
		}
		if newTarget != 0 {
			_ = t.coord.InvRefs.Modify(view, newTarget, pd.ID, true, []uint64{sourceID}, nil)
			t.recordInvRef(newTarget, pd.ID)
		}
	}
}

func (t *Transaction) indexInsert(view txctx.View, rt *ClassRuntime, id uint64, values map[int]any) error {
	for _, b := range rt.HashIndexes {
		key, ok := indexKeyFor(rt.Desc, b.Properties, values)
		if !ok {
			continue
		}
		if err := b.Index.Insert(view, id, id, key); err != nil {
			return err
		}
		t.recordHashIndex(b.Index)
		t.recordIndexOp(indexOp{hashIdx: b.Index, inserted: true, id: id, key: key})
	}
	for _, b := range rt.SortedIndexes {
		key, ok := indexKeyFor(rt.Desc, b.Properties, values)
		if !ok {
			continue
		}
		if err := b.Tree.Insert(view, key, id, id); err != nil {
			return err
		}
		t.recordSortedIndex(b.Tree)
		t.recordIndexOp(indexOp{sortedIdx: b.Tree, inserted: true, id: id, key: key})
	}
	return nil
}

func (t *Transaction) indexDelete(view txctx.View, rt *ClassRuntime, id uint64, values map[int]any) error {
	for _, b := range rt.HashIndexes {
		key, ok := indexKeyFor(rt.Desc, b.Properties, values)
		if !ok {
			continue
		}
		b.Index.Delete(id, id, key)
		t.recordIndexOp(indexOp{hashIdx: b.Index, inserted: false, id: id, key: key})
	}
	for _, b := range rt.SortedIndexes {
		key, ok := indexKeyFor(rt.Desc, b.Properties, values)
		if !ok {
			continue
		}
		b.Tree.Delete(view, key, id, id)
		t.recordIndexOp(indexOp{sortedIdx: b.Tree, inserted: false, id: id, key: key})
	}
	return nil
}
