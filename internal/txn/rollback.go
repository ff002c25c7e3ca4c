package txn

// Rollback undoes every effect this transaction produced, in the reverse
// order commit would have finalized them (§4.5 rollback):
//  1. release reader locks taken on committed versions this transaction read
//  2. reverse index mutations (an insert undone by a delete and vice versa)
//  3. unlink the object heap's uncommitted versions, newest first
//  4. release the key/range locks this transaction installed on the indexes
//     it touched, so waiters relying on phantom prevention see them go
//
// Inverse-reference deltas this transaction added are left in place: they
// carry the uncommitted marker tagged with this transaction's id, so they
// stay invisible to every future snapshot read without needing to be
// surgically unlinked from their DeltaHead chain (see DESIGN.md).
func (t *Transaction) Rollback() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	readLocks := t.readLocks
	indexOps := t.indexOps
	modified := t.modified
	hashTouched := t.hashTouched
	sortedTouched := t.sortedTouched
	t.closed = true
	t.mu.Unlock()

	for _, rl := range readLocks {
		rt, err := t.coord.classRuntime(rl.class)
		if err != nil {
			continue
		}
		rt.Heap.Deref(rl.handle).ReaderLock().RemoveOwner(t.ID)
	}

	for i := len(indexOps) - 1; i >= 0; i-- {
		op := indexOps[i]
		switch {
		case op.hashIdx != nil && op.inserted:
			op.hashIdx.Delete(op.id, op.id, op.key)
		case op.hashIdx != nil && !op.inserted:
			_ = op.hashIdx.Insert(t.View(), op.id, op.id, op.key)
		case op.sortedIdx != nil && op.inserted:
			op.sortedIdx.Delete(t.View(), op.key, op.id, op.id)
		case op.sortedIdx != nil && !op.inserted:
			_ = op.sortedIdx.Insert(t.View(), op.key, op.id, op.id)
		}
	}

	for i := len(modified) - 1; i >= 0; i-- {
		item := modified[i]
		rt, err := t.coord.classRuntime(item.class)
		if err != nil {
			continue
		}
		rt.Heap.RollbackObject(item.handle)
	}

	for ix := range hashTouched {
		ix.ReleaseKeyReadLocks(t.ID)
	}
	for tr := range sortedTouched {
		tr.ReleaseRangeLocks(t.ID)
	}

	t.coord.untrackActive(t.ID)
	t.coord.engineGate.RUnlock()
}
