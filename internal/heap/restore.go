package heap

import (
	"github.com/veloxdb/veloxdb-core/internal/external"
	"github.com/veloxdb/veloxdb-core/internal/slabmem"
	"github.com/veloxdb/veloxdb-core/internal/veloxerr"
)

// ApplyAligned mirrors the normal write paths but is driven by persistence
// or replication: operations already carry an assigned commit version and
// bypass conflict detection entirely (§4.1 Restore/Alignment paths, §6
// Alignment Delegate). Out-of-order arrivals - an operation whose
// PrevVersionSlot does not match any version currently present for that id
// - are parked in a pending map keyed by id and reconciled once the
// missing predecessor arrives.
func (h *ClassHeap) ApplyAligned(op external.ChangesetOp, opType external.OperationType) error {
	h.resize.ReadLock()
	defer h.resize.ReadUnlock()
	return h.applyAlignedNoResizeLock(op, opType)
}

// applyAlignedNoResizeLock does the real work assuming the caller already
// holds the resize read lock; reconcilePending calls back into this rather
// than the public entry point to avoid a recursive RLock (safe in
// practice, but a queued writer between nested RLocks is a classic
// sync.RWMutex deadlock hazard, so the nested path simply skips it).
func (h *ClassHeap) applyAlignedNoResizeLock(op external.ChangesetOp, opType external.OperationType) error {
	buckets, n := h.bucketSlice()
	idx := h.bucketIndex(op.ID, n)
	lock := &buckets[idx]
	head := lock.Lock()
	loc := h.findInBucket(idx, head, op.ID)

	if !h.alignedPredecessorPresent(loc, op) {
		lock.Unlock(head)
		h.mu.Lock()
		h.pending[op.ID] = append(h.pending[op.ID], op)
		h.mu.Unlock()
		return nil
	}

	h.applyAlignedLocked(loc, lock, head, op, opType)
	h.reconcilePending(op.ID, op.CommitVersion)
	return nil
}

// alignedPredecessorPresent reports whether op's declared predecessor
// (PrevVersionSlot == 0 means "no predecessor", i.e. this is the initial
// version for the id) is already visible as the id's current newest
// version.
func (h *ClassHeap) alignedPredecessorPresent(loc chainLocation, op external.ChangesetOp) bool {
	if op.PrevVersionSlot == 0 {
		return loc.found == nil
	}
	if loc.found == nil {
		return false
	}
	return VersionNumber(loc.found.Version) == op.PrevVersionSlot
}

func (h *ClassHeap) applyAlignedLocked(loc chainLocation, lock *bucketWord, head slabmem.Handle, op external.ChangesetOp, opType external.OperationType) {
	if loc.found == nil {
		handle, rec := h.pool.Alloc()
		rec.ID = op.ID
		rec.Version = WithNotLast(op.CommitVersion, !op.IsLastInTran)
		rec.Deleted = opType == external.OpDelete
		rec.Older = slabmem.NullHandle
		rec.Props = h.Desc.DefaultTemplate()
		rec.MarkCommittedNewest()
		if h.Desc.Align != nil {
			if err := h.Desc.Align(rec.Props, op); err != nil {
				veloxerr.Fatal("alignment", err)
			}
		} else {
			if err := h.applyValues(rec.Props, op.Values); err != nil {
				veloxerr.Fatal("alignment", err)
			}
		}
		rec.CollisionNext = head
		lock.Unlock(handle)
		h.count.Add(1)
		return
	}

	newHandle, newRec := h.pool.Alloc()
	newRec.ID = op.ID
	newRec.Version = WithNotLast(op.CommitVersion, !op.IsLastInTran)
	newRec.Deleted = opType == external.OpDelete
	newRec.Older = loc.foundHandle
	newRec.CollisionNext = loc.found.CollisionNext
	newRec.Props = append([]any(nil), loc.found.Props...)
	newRec.MarkCommittedNewest()
	if h.Desc.Align != nil {
		if err := h.Desc.Align(newRec.Props, op); err != nil {
			veloxerr.Fatal("alignment", err)
		}
	} else {
		if err := h.applyValues(newRec.Props, op.Values); err != nil {
			veloxerr.Fatal("alignment", err)
		}
	}
	loc.found.MarkSuperseded(newHandle)
	h.splice(loc, newHandle, lock, head)
}

// reconcilePending retries any operation parked for id now that a version
// with the given commit version has landed.
func (h *ClassHeap) reconcilePending(id uint64, commitVersion uint64) {
	h.mu.Lock()
	pending := h.pending[id]
	h.mu.Unlock()
	if len(pending) == 0 {
		return
	}

	var remaining []external.ChangesetOp
	progressed := true
	for progressed {
		progressed = false
		remaining = remaining[:0]
		for _, op := range pending {
			if op.PrevVersionSlot == commitVersion {
				opType := external.OpUpdate
				_ = h.applyAlignedNoResizeLock(op, opType)
				commitVersion = op.CommitVersion
				progressed = true
				continue
			}
			remaining = append(remaining, op)
		}
		pending = remaining
	}

	h.mu.Lock()
	if len(pending) == 0 {
		delete(h.pending, id)
	} else {
		h.pending[id] = pending
	}
	h.mu.Unlock()
}
