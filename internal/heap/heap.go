package heap

import (
	"sync"
	"sync/atomic"

	"github.com/veloxdb/veloxdb-core/internal/external"
	"github.com/veloxdb/veloxdb-core/internal/slabmem"
	"github.com/veloxdb/veloxdb-core/internal/txctx"
	"github.com/veloxdb/veloxdb-core/internal/veloxerr"
)

const (
	initialBucketCount = 16
	loadFactorTrigger  = 0.75
)

// ClassHeap is the per-class open-addressed object heap (§4.1).
type ClassHeap struct {
	Desc  *ClassDescriptor
	blobs external.BlobHeap
	pool  *slabmem.Pool[VersionRecord]

	resize ResizeLock

	mu      sync.Mutex // guards buckets slice identity during resize and the pending map
	buckets []bucketWord
	count   atomic.Int64

	pending map[uint64][]external.ChangesetOp // restore/alignment out-of-order parking, keyed by id
}

// NewClassHeap allocates an empty heap for desc, tagged with poolIndex for
// its slab allocator (see slabmem.Handle's pool-index byte).
func NewClassHeap(desc *ClassDescriptor, blobs external.BlobHeap, poolIndex uint8) *ClassHeap {
	return &ClassHeap{
		Desc:    desc,
		blobs:   blobs,
		pool:    slabmem.NewPool[VersionRecord](poolIndex),
		buckets: make([]bucketWord, initialBucketCount),
		pending: make(map[uint64][]external.ChangesetOp),
	}
}

func hashID(id uint64) uint64 {
	// splitmix64 finalizer - cheap, well-distributed avalanche.
	x := id
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}

func (h *ClassHeap) bucketIndex(id uint64, numBuckets int) int {
	return int(hashID(id) & uint64(numBuckets-1))
}

func visible(view txctx.View, rec *VersionRecord) bool {
	if IsUncommitted(rec.Version) {
		return view.ReadWrite && view.ID == rec.OwnerTran
	}
	return VersionNumber(rec.Version) <= view.ReadVersion
}

// chainLocation is the result of walking one bucket's collision chain
// looking for an id: the predecessor link (bucket head or another record's
// CollisionNext) plus the found record, if any.
type chainLocation struct {
	bucketIdx   int
	prevHandle  slabmem.Handle // invalid if found record is the bucket head
	prevIsHead  bool
	foundHandle slabmem.Handle
	found       *VersionRecord
}

// findInBucket must be called with the bucket already locked by the
// caller (via buckets[idx].Lock/TryLock) and walks the collision chain
// starting at head.
func (h *ClassHeap) findInBucket(idx int, head slabmem.Handle, id uint64) chainLocation {
	loc := chainLocation{bucketIdx: idx, prevIsHead: true}
	cur := head
	for cur.Valid() {
		rec := h.pool.Deref(cur)
		if rec.ID == id {
			loc.foundHandle = cur
			loc.found = rec
			return loc
		}
		loc.prevHandle = cur
		loc.prevIsHead = false
		cur = rec.CollisionNext
	}
	return loc
}

// splice installs newHead in place of loc.found within the bucket's
// collision chain (used when found is the record being replaced by an
// update, or removed by rollback/GC). newHead may be slabmem.NullHandle.
func (h *ClassHeap) splice(loc chainLocation, newHead slabmem.Handle, lock *bucketWord, bucketHead slabmem.Handle) {
	if loc.prevIsHead {
		lock.Unlock(newHead)
		return
	}
	prev := h.pool.Deref(loc.prevHandle)
	prev.CollisionNext = newHead
	lock.Unlock(bucketHead)
}

func (h *ClassHeap) bucketSlice() ([]bucketWord, int) {
	h.mu.Lock()
	b := h.buckets
	h.mu.Unlock()
	return b, len(b)
}

// GetObject returns the version visible to view's snapshot, or nil if none
// or deleted. Read-write transactions additionally take a reader lock on
// the found version.
func (h *ClassHeap) GetObject(view txctx.View, id uint64) (*VersionRecord, slabmem.Handle, error) {
	h.resize.ReadLock()
	defer h.resize.ReadUnlock()

	buckets, n := h.bucketSlice()
	idx := h.bucketIndex(id, n)
	head := buckets[idx].Peek()

	cur := head
	for cur.Valid() {
		rec := h.pool.Deref(cur)
		if rec.ID == id {
			vcur := cur
			for vcur.Valid() {
				vrec := h.pool.Deref(vcur)
				if visible(view, vrec) {
					if vrec.Deleted {
						return nil, slabmem.NullHandle, nil
					}
					if view.ReadWrite && !IsUncommitted(vrec.Version) {
						vrec.ReaderLock().AddOwner(view.ID)
					}
					return vrec, vcur, nil
				}
				vcur = vrec.Older
			}
			return nil, slabmem.NullHandle, nil
		}
		cur = rec.CollisionNext
	}
	return nil, slabmem.NullHandle, nil
}

// Visibility reports whether id is visible to view's snapshot and,
// independently, whether id's newest version is uncommitted and owned by a
// transaction other than view's. Index bindings (internal/hashindex,
// internal/sortedindex) consult this through their VisibilityFunc
// parameter to decide whether a key-read-lock or a conflict applies.
func (h *ClassHeap) Visibility(view txctx.View, id uint64) (visible bool, isUncommittedOther bool) {
	h.resize.ReadLock()
	defer h.resize.ReadUnlock()

	buckets, n := h.bucketSlice()
	idx := h.bucketIndex(id, n)
	head := buckets[idx].Peek()

	cur := head
	for cur.Valid() {
		rec := h.pool.Deref(cur)
		if rec.ID == id {
			if IsUncommitted(rec.Version) && rec.OwnerTran != view.ID {
				return false, true
			}
			vcur := cur
			for vcur.Valid() {
				vrec := h.pool.Deref(vcur)
				if visible(view, vrec) {
					return !vrec.Deleted, false
				}
				vcur = vrec.Older
			}
			return false, false
		}
		cur = rec.CollisionNext
	}
	return false, false
}

// writeConflict checks the conflict-detection rules of §4.1 against the
// current newest version of an id for a read-write transaction.
func writeConflict(view txctx.View, existing *VersionRecord) error {
	if IsUncommitted(existing.Version) {
		if existing.OwnerTran != view.ID {
			return veloxerr.ErrConflict
		}
		return nil
	}
	if VersionNumber(existing.Version) > view.ReadVersion {
		return veloxerr.ErrConflict
	}
	if existing.ReaderLock().ConflictsWithWrite(view.ID) {
		return veloxerr.ErrConflict
	}
	return nil
}

func (h *ClassHeap) applyValues(props []any, values []external.PropertyValue) error {
	for _, pv := range values {
		pd, ok := h.Desc.PropertyByID(pv.PropertyID)
		if !ok {
			continue
		}
		if err := CodecFor(pd.Type).Validate(pv.Value); err != nil {
			if dbErr, ok := err.(*veloxerr.DBError); ok {
				return dbErr.WithProperty(pd.Name)
			}
			return err
		}
		idx := indexOfProperty(h.Desc, pv.PropertyID)
		props[idx] = pv.Value
	}
	return nil
}

func indexOfProperty(desc *ClassDescriptor, id int) int {
	for i, p := range desc.Properties {
		if p.ID == id {
			return i
		}
	}
	return -1
}

func versionWordFor(op external.ChangesetOp) uint64 {
	v := VersionUncommittedBit
	if !op.IsLastInTran {
		v |= VersionNotLastBit
	}
	return v
}

// Insert allocates one fresh uncommitted version per op, seeded from the
// class default-value template; records are not allocated in batches.
func (h *ClassHeap) Insert(view txctx.View, ops []external.ChangesetOp) ([]slabmem.Handle, error) {
	if h.Desc.Abstract {
		return nil, veloxerr.New(veloxerr.KindAbstractClassWrite, nil).WithClass(h.Desc.Name)
	}
	h.resize.ReadLock()
	defer h.resize.ReadUnlock()

	created := make([]slabmem.Handle, 0, len(ops))
	for _, op := range ops {
		if op.ID == 0 {
			return created, veloxerr.ErrZeroID
		}
		buckets, n := h.bucketSlice()
		idx := h.bucketIndex(op.ID, n)
		lock := &buckets[idx]
		head := lock.Lock()

		loc := h.findInBucket(idx, head, op.ID)
		if loc.found != nil {
			lock.Unlock(head)
			return created, veloxerr.ErrNonUniqueID.WithObject(op.ID)
		}

		handle, rec := h.pool.Alloc()
		rec.ID = op.ID
		rec.Version = versionWordFor(op)
		rec.Deleted = false
		rec.Older = slabmem.NullHandle
		rec.Props = h.Desc.DefaultTemplate()
		rec.MarkUncommitted(view.ID)
		if err := h.applyValues(rec.Props, op.Values); err != nil {
			h.pool.Free(handle)
			lock.Unlock(head)
			return created, err
		}
		h.bumpBlobRefs(rec.Props)

		rec.BeginPublish()
		rec.CollisionNext = head
		lock.Unlock(handle)
		rec.EndPublish()

		h.count.Add(1)
		created = append(created, handle)
	}
	return created, nil
}

// Update locates the existing newest version for each op and either merges
// into the transaction's own uncommitted head in place, or prepends a
// fresh uncommitted version (§4.1).
func (h *ClassHeap) Update(view txctx.View, ops []external.ChangesetOp) ([]slabmem.Handle, error) {
	h.resize.ReadLock()
	defer h.resize.ReadUnlock()

	touched := make([]slabmem.Handle, 0, len(ops))
	for _, op := range ops {
		buckets, n := h.bucketSlice()
		idx := h.bucketIndex(op.ID, n)
		lock := &buckets[idx]
		head := lock.Lock()

		loc := h.findInBucket(idx, head, op.ID)
		if loc.found == nil {
			lock.Unlock(head)
			return touched, veloxerr.ErrUpdateOfNonexistent.WithObject(op.ID)
		}
		if err := writeConflict(view, loc.found); err != nil {
			lock.Unlock(head)
			return touched, err
		}

		if view.IsOwner(loc.found.OwnerTran) && IsUncommitted(loc.found.Version) {
			if err := h.applyValues(loc.found.Props, op.Values); err != nil {
				lock.Unlock(head)
				return touched, err
			}
			loc.found.Version = versionWordFor(op)
			lock.Unlock(head)
			touched = append(touched, loc.foundHandle)
			continue
		}

		newHandle, newRec := h.pool.Alloc()
		newRec.ID = op.ID
		newRec.Version = versionWordFor(op)
		newRec.Deleted = false
		newRec.Older = loc.foundHandle
		newRec.CollisionNext = loc.found.CollisionNext
		newRec.Props = append([]any(nil), loc.found.Props...)
		newRec.MarkUncommitted(view.ID)
		if err := h.applyValues(newRec.Props, op.Values); err != nil {
			h.pool.Free(newHandle)
			lock.Unlock(head)
			return touched, err
		}
		h.bumpBlobRefs(newRec.Props)

		newRec.BeginPublish()
		h.splice(loc, newHandle, lock, head)
		newRec.EndPublish()
		touched = append(touched, newHandle)
	}
	return touched, nil
}

// Delete produces a deletion-flagged version following the same locate
// logic as Update.
func (h *ClassHeap) Delete(view txctx.View, ops []external.ChangesetOp) ([]slabmem.Handle, error) {
	h.resize.ReadLock()
	defer h.resize.ReadUnlock()

	deleted := make([]slabmem.Handle, 0, len(ops))
	for _, op := range ops {
		buckets, n := h.bucketSlice()
		idx := h.bucketIndex(op.ID, n)
		lock := &buckets[idx]
		head := lock.Lock()

		loc := h.findInBucket(idx, head, op.ID)
		if loc.found == nil {
			lock.Unlock(head)
			return deleted, veloxerr.ErrNonexistentDelete.WithObject(op.ID)
		}
		if err := writeConflict(view, loc.found); err != nil {
			lock.Unlock(head)
			return deleted, err
		}

		if view.IsOwner(loc.found.OwnerTran) && IsUncommitted(loc.found.Version) {
			loc.found.Deleted = true
			loc.found.Version = versionWordFor(op)
			lock.Unlock(head)
			deleted = append(deleted, loc.foundHandle)
			continue
		}

		newHandle, newRec := h.pool.Alloc()
		newRec.ID = op.ID
		newRec.Version = versionWordFor(op)
		newRec.Deleted = true
		newRec.Older = loc.foundHandle
		newRec.CollisionNext = loc.found.CollisionNext
		newRec.Props = append([]any(nil), loc.found.Props...)
		newRec.MarkUncommitted(view.ID)

		newRec.BeginPublish()
		h.splice(loc, newHandle, lock, head)
		newRec.EndPublish()
		deleted = append(deleted, newHandle)
	}
	return deleted, nil
}

func (h *ClassHeap) bumpBlobRefs(props []any) {
	if h.blobs == nil {
		return
	}
	for i, p := range h.Desc.Properties {
		if p.Type != PropBlob {
			continue
		}
		if hv, ok := props[i].(uint64); ok && hv != 0 {
			h.blobs.IncRefCount(external.Handle(hv))
		}
	}
}

func (h *ClassHeap) dropBlobRefs(props []any) {
	if h.blobs == nil {
		return
	}
	for i, p := range h.Desc.Properties {
		if p.Type != PropBlob {
			continue
		}
		if hv, ok := props[i].(uint64); ok && hv != 0 {
			h.blobs.DecRefCount(external.Handle(hv))
		}
	}
}

// CommitObject rewrites the version field from the uncommitted marker to
// commitVersion, finalizes the prior version's "newer version" link and
// this version's reader-lock storage, and advances blob/string versions
// first written by this transaction.
func (h *ClassHeap) CommitObject(handle slabmem.Handle, commitVersion uint64) uint64 {
	rec := h.pool.Deref(handle)
	rec.BeginPublish()

	newWord := commitVersion
	if IsNotLastInTxn(rec.Version) {
		newWord |= VersionNotLastBit
	}
	rec.Version = newWord
	rec.MarkCommittedNewest()

	if rec.Older.Valid() {
		older := h.pool.Deref(rec.Older)
		older.MarkSuperseded(handle)
	}
	if h.blobs != nil {
		for i, p := range h.Desc.Properties {
			if p.Type != PropBlob {
				continue
			}
			if hv, ok := rec.Props[i].(uint64); ok && hv != 0 {
				h.blobs.SetVersion(external.Handle(hv), commitVersion)
			}
		}
	}
	rec.EndPublish()
	return rec.ID
}

// RollbackObject unlinks the uncommitted version from both the version
// chain and bucket chain, dec-refs blobs, and frees its storage.
func (h *ClassHeap) RollbackObject(handle slabmem.Handle) uint64 {
	rec := h.pool.Deref(handle)
	id := rec.ID
	older := rec.Older
	wasFreshInsert := !older.Valid()

	buckets, n := h.bucketSlice()
	idx := h.bucketIndex(id, n)
	lock := &buckets[idx]
	head := lock.Lock()

	loc := h.findInBucket(idx, head, id)
	if loc.found == nil || loc.foundHandle != handle {
		// Already spliced out by a concurrent rollback/GC path; nothing to do.
		lock.Unlock(head)
		return id
	}
	next := older
	if older.Valid() {
		h.pool.Deref(older).CollisionNext = rec.CollisionNext
	} else {
		next = rec.CollisionNext
	}
	h.splice(loc, next, lock, head)

	h.dropBlobRefs(rec.Props)
	h.pool.Free(handle)
	if wasFreshInsert {
		h.count.Add(-1)
	}
	return id
}

// garbageCollectOne walks the version chain for id and frees everything
// older than oldestVisibleVersion; if the newest visible version is itself
// a deletion older than the threshold, the id is unlinked entirely.
func (h *ClassHeap) garbageCollectOne(id uint64, oldestVisibleVersion uint64) {
	buckets, n := h.bucketSlice()
	idx := h.bucketIndex(id, n)
	lock := &buckets[idx]
	head := lock.Lock()

	loc := h.findInBucket(idx, head, id)
	if loc.found == nil {
		lock.Unlock(head)
		return
	}
	headRec := loc.found

	if headRec.Deleted && !IsUncommitted(headRec.Version) && VersionNumber(headRec.Version) < oldestVisibleVersion {
		h.splice(loc, headRec.CollisionNext, lock, head)
		cur := loc.foundHandle
		for cur.Valid() {
			rec := h.pool.Deref(cur)
			next := rec.Older
			h.dropBlobRefs(rec.Props)
			h.pool.Free(cur)
			cur = next
		}
		h.count.Add(-1)
		return
	}
	lock.Unlock(head)

	cur := loc.foundHandle
	var floor *VersionRecord
	floorFound := false
	for cur.Valid() {
		rec := h.pool.Deref(cur)
		next := rec.Older
		if !floorFound {
			if !IsUncommitted(rec.Version) && VersionNumber(rec.Version) <= oldestVisibleVersion {
				floorFound = true
				floor = rec
			}
			cur = next
			continue
		}
		h.dropBlobRefs(rec.Props)
		h.pool.Free(cur)
		cur = next
	}
	if floorFound {
		floor.Older = slabmem.NullHandle
	}
}

// GarbageCollect runs one reclamation pass across every id currently
// present in the heap, satisfying gcsvc.Sweepable. It walks the bucket
// table rather than requiring a caller to enumerate ids up front, since the
// id set changes under concurrent writers between sweeps anyway.
func (h *ClassHeap) GarbageCollect(oldestVisibleVersion uint64) {
	buckets, n := h.bucketSlice()
	for i := 0; i < n; i++ {
		cur := buckets[i].Peek()
		var ids []uint64
		for cur.Valid() {
			rec := h.pool.Deref(cur)
			ids = append(ids, rec.ID)
			cur = rec.CollisionNext
		}
		for _, id := range ids {
			h.garbageCollectOne(id, oldestVisibleVersion)
		}
	}
}

// ScanRangeSpec partitions the bucket array for parallel scanning (§4.1
// scan_range).
type ScanRangeSpec struct {
	Start, End int
}

// ScanRanges partitions the bucket table into up to parallelism
// contiguous ranges suitable for concurrent scanning.
func (h *ClassHeap) ScanRanges(parallelism int) []ScanRangeSpec {
	_, n := h.bucketSlice()
	if parallelism < 1 {
		parallelism = 1
	}
	if parallelism > n {
		parallelism = n
	}
	chunk := n / parallelism
	if chunk == 0 {
		chunk = 1
	}
	var ranges []ScanRangeSpec
	for start := 0; start < n; start += chunk {
		end := start + chunk
		if end > n || start+2*chunk > n {
			end = n
		}
		ranges = append(ranges, ScanRangeSpec{Start: start, End: end})
		if end == n {
			break
		}
	}
	return ranges
}

// ScannedObject is a safe, copied-out snapshot returned by Scan.
type ScannedObject struct {
	ID     uint64
	Props  []any
	Handle slabmem.Handle
}

// Scan walks the bucket range and returns every object visible to view,
// taking reader locks for read-write transactions exactly as GetObject
// does.
func (h *ClassHeap) Scan(view txctx.View, r ScanRangeSpec) []ScannedObject {
	h.resize.ReadLock()
	defer h.resize.ReadUnlock()

	buckets, n := h.bucketSlice()
	if r.End > n {
		r.End = n
	}
	var out []ScannedObject
	for i := r.Start; i < r.End; i++ {
		cur := buckets[i].Peek()
		for cur.Valid() {
			rec := h.pool.Deref(cur)
			next := rec.CollisionNext
			v := cur
			for v.Valid() {
				vrec := h.pool.Deref(v)
				if visible(view, vrec) {
					if !vrec.Deleted {
						if view.ReadWrite && !IsUncommitted(vrec.Version) {
							vrec.ReaderLock().AddOwner(view.ID)
						}
						out = append(out, ScannedObject{ID: vrec.ID, Props: append([]any(nil), vrec.Props...), Handle: v})
					}
					break
				}
				v = vrec.Older
			}
			cur = next
		}
	}
	return out
}

// Deref resolves a handle minted by this heap's pool to its record
// pointer, for callers (the transaction coordinator) that need to finalize
// or inspect a specific version directly by handle.
func (h *ClassHeap) Deref(handle slabmem.Handle) *VersionRecord { return h.pool.Deref(handle) }

// Count returns the live object count (successfully-applied inserts minus
// rollbacks/fully-GC'd deletions; not snapshot-filtered).
func (h *ClassHeap) Count() int64 { return h.count.Load() }

// MaybeResize grows the bucket table when the used/capacity ratio crosses
// loadFactorTrigger, taking the resize lock's exclusive side.
func (h *ClassHeap) MaybeResize() {
	h.mu.Lock()
	n := len(h.buckets)
	h.mu.Unlock()
	if float64(h.count.Load()) < float64(n)*loadFactorTrigger {
		return
	}
	h.Resize(n * 2)
}

// Resize grows (or shrinks) the bucket table to newCapacity (must be a
// power of two), rehashing every id under the exclusive side of the
// parallel resize lock so no data-path operation observes a half-migrated
// table.
func (h *ClassHeap) Resize(newCapacity int) {
	h.resize.WriteLock()
	defer h.resize.WriteUnlock()

	h.mu.Lock()
	old := h.buckets
	h.mu.Unlock()

	newBuckets := make([]bucketWord, newCapacity)
	for i := range old {
		head := old[i].Peek()
		cur := head
		for cur.Valid() {
			rec := h.pool.Deref(cur)
			next := rec.CollisionNext
			ni := h.bucketIndex(rec.ID, newCapacity)
			rec.CollisionNext = newBuckets[ni].Peek()
			newBuckets[ni].Unlock(cur)
			cur = next
		}
	}

	h.mu.Lock()
	h.buckets = newBuckets
	h.mu.Unlock()
	h.resize.ResetOps()
}
