package invref

import (
	"sync"
	"sync/atomic"

	"github.com/veloxdb/veloxdb-core/internal/slabmem"
	"github.com/veloxdb/veloxdb-core/internal/txctx"
	"github.com/veloxdb/veloxdb-core/internal/veloxerr"
)

const initialBuckets = 16

type bucket struct {
	mu   sync.Mutex
	head slabmem.Handle
}

type refKey struct {
	target uint64
	prop   int
}

func hashKey(k refKey) uint64 {
	x := k.target ^ (uint64(k.prop) * 0x9e3779b97f4a7c15)
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}

// Manager is the inverse-reference map for one class (§4.2), keyed by
// (target object id, reference property id).
type Manager struct {
	basePool  *slabmem.Pool[BaseItem]
	deltaPool *slabmem.Pool[DeltaItem]

	mu      sync.RWMutex // guards buckets slice identity across resize
	buckets []bucket
	count   atomic.Int64

	// MergeDivisor tunes the merge heuristic (§4.2, §9 open question):
	// merge is triggered when delta overhead exceeds base size by this
	// formula's result: deltaCount*32 + deletes*4 + inserts >= baseCount/mergeDivisor.
	MergeDivisor int
}

func NewManager(basePoolIndex, deltaPoolIndex uint8) *Manager {
	return &Manager{
		basePool:     slabmem.NewPool[BaseItem](basePoolIndex),
		deltaPool:    slabmem.NewPool[DeltaItem](deltaPoolIndex),
		buckets:      make([]bucket, initialBuckets),
		MergeDivisor: 4,
	}
}

func (m *Manager) bucketFor(k refKey) *bucket {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx := hashKey(k) & uint64(len(m.buckets)-1)
	return &m.buckets[idx]
}

func (m *Manager) findLocked(b *bucket, k refKey) (prev slabmem.Handle, prevIsHead bool, found slabmem.Handle, rec *BaseItem) {
	prevIsHead = true
	cur := b.head
	for cur.Valid() {
		r := m.basePool.Deref(cur)
		if r.TargetID == k.target && r.PropertyID == k.prop {
			return prev, prevIsHead, cur, r
		}
		prev = cur
		prevIsHead = false
		cur = r.Collision
	}
	return prev, prevIsHead, slabmem.NullHandle, nil
}

func visibleVersion(view txctx.View, version uint64) bool {
	const uncommittedBit = uint64(1) << 63
	if version&uncommittedBit != 0 {
		return false
	}
	return version <= view.ReadVersion || version == view.ID
}

// Modify records an insert/delete delta against the visible base for
// (targetID, propertyID), creating an empty base if none exists yet and
// no base has ever been allocated for this key (§4.2 modify).
func (m *Manager) Modify(view txctx.View, targetID uint64, propertyID int, tracked bool, inserts, deletes []uint64) error {
	k := refKey{targetID, propertyID}
	b := m.bucketFor(k)
	b.mu.Lock()
	defer b.mu.Unlock()

	_, prevIsHead, foundHandle, found := m.findLocked(b, k)
	if found == nil {
		handle, rec := m.basePool.Alloc()
		rec.TargetID = targetID
		rec.PropertyID = propertyID
		rec.Tracked = tracked
		rec.Version = view.ID | (uint64(1) << 63)
		rec.Collision = b.head
		b.head = handle
		foundHandle, found = handle, rec
		prevIsHead = true
		_ = prevIsHead
		m.count.Add(1)
	} else if found.Deleted {
		// found.Version carries the uncommitted marker when the delete that
		// produced this tombstone hasn't committed yet, same as view.ID does
		// for an in-flight writer; only the deleting transaction itself may
		// still modify a target it tombstoned this transaction.
		if view.ID != found.Version {
			return veloxerr.New(veloxerr.KindUnknownReference, nil)
		}
	}

	deltaHandle, delta := m.deltaPool.Alloc()
	delta.Version = view.ID | (uint64(1) << 63)
	delta.Inserts = append([]uint64(nil), inserts...)
	delta.Deletes = append([]uint64(nil), deletes...)
	delta.Next = found.DeltaHead
	found.DeltaHead = deltaHandle
	_ = foundHandle
	return nil
}

// Delete appends a tombstone base item for targetID's declared
// inverse-reference properties; inserts against a tombstoned target
// conflict until the delete commits (§4.2 delete).
func (m *Manager) Delete(view txctx.View, targetID uint64, propertyIDs []int) {
	for _, propID := range propertyIDs {
		k := refKey{targetID, propID}
		b := m.bucketFor(k)
		b.mu.Lock()
		_, _, foundHandle, found := m.findLocked(b, k)
		handle, rec := m.basePool.Alloc()
		rec.TargetID = targetID
		rec.PropertyID = propID
		rec.Deleted = true
		rec.Version = view.ID | (uint64(1) << 63)
		if found != nil {
			rec.OlderBase = foundHandle
			rec.Collision = found.Collision
			m.replaceInChain(b, foundHandle, handle)
		} else {
			rec.Collision = b.head
			b.head = handle
		}
		m.count.Add(1)
		b.mu.Unlock()
	}
}

// GetReferences reads a consistent snapshot: base tracked set minus visible
// deltas' deletes plus visible deltas' inserts (§4.2 get_references,
// merge-of-tracked-references rule).
func (m *Manager) GetReferences(view txctx.View, targetID uint64, propertyID int) ([]uint64, error) {
	k := refKey{targetID, propertyID}
	b := m.bucketFor(k)
	b.mu.Lock()
	_, _, foundHandle, found := m.findLocked(b, k)
	if found == nil {
		if view.ReadWrite {
			handle, rec := m.basePool.Alloc()
			rec.TargetID = targetID
			rec.PropertyID = propertyID
			rec.Tracked = true
			rec.Version = view.ID | (uint64(1) << 63)
			rec.Collision = b.head
			b.head = handle
			found = rec
			foundHandle = handle
			m.count.Add(1)
		} else {
			b.mu.Unlock()
			return nil, nil
		}
	}
	if view.ReadWrite {
		found.AddReaderLock(view.ID)
	}
	b.mu.Unlock()
	_ = foundHandle

	deleteSet := make(map[uint64]struct{})
	insertSet := make(map[uint64]struct{})
	for cur := found.DeltaHead; cur.Valid(); {
		d := m.deltaPool.Deref(cur)
		// d.Version already carries the uncommitted marker for an in-flight
		// writer's own deltas (view.ID does too, per txctx.View), so the
		// self-read case is a direct equality, not a stripped comparison.
		if visibleVersion(view, d.Version) || (view.ReadWrite && d.Version == view.ID) {
			for _, id := range d.Deletes {
				deleteSet[id] = struct{}{}
			}
			for _, id := range d.Inserts {
				if _, deleted := deleteSet[id]; !deleted {
					insertSet[id] = struct{}{}
				}
			}
		}
		cur = d.Next
	}

	out := make([]uint64, 0, len(found.Refs)+len(insertSet))
	for _, id := range found.Refs {
		if _, deleted := deleteSet[id]; !deleted {
			out = append(out, id)
		}
	}
	for id := range insertSet {
		out = append(out, id)
	}
	return out, nil
}

// CommitModification rewrites a transaction's owned deltas from the
// uncommitted marker to commitVersion (§4.2 commit_modification).
func (m *Manager) CommitModification(targetID uint64, propertyID int, tranID, commitVersion uint64) {
	k := refKey{targetID, propertyID}
	b := m.bucketFor(k)
	b.mu.Lock()
	defer b.mu.Unlock()
	_, _, _, found := m.findLocked(b, k)
	if found == nil {
		return
	}
	uncommittedMarker := tranID | (uint64(1) << 63)
	for cur := found.DeltaHead; cur.Valid(); {
		d := m.deltaPool.Deref(cur)
		if d.Version == uncommittedMarker {
			d.Version = commitVersion
		}
		cur = d.Next
	}
	if found.Version == uncommittedMarker {
		found.Version = commitVersion
	}
}

// Merge synthesizes a new base absorbing all deltas visible as of
// commitVersion, provided no reader lock is held (or force is set) -
// §4.2 merge.
func (m *Manager) Merge(targetID uint64, propertyID int, commitVersion uint64, force bool) bool {
	k := refKey{targetID, propertyID}
	b := m.bucketFor(k)
	b.mu.Lock()
	defer b.mu.Unlock()
	_, _, foundHandle, found := m.findLocked(b, k)
	if found == nil || !found.Tracked {
		return false
	}
	if !force && found.HasAnyReaderLock() {
		return false
	}
	for cur := found.DeltaHead; cur.Valid(); {
		d := m.deltaPool.Deref(cur)
		if d.Version > commitVersion {
			return false
		}
		cur = d.Next
	}

	deleteSet := make(map[uint64]struct{})
	insertSet := make(map[uint64]struct{})
	for cur := found.DeltaHead; cur.Valid(); {
		d := m.deltaPool.Deref(cur)
		for _, id := range d.Deletes {
			deleteSet[id] = struct{}{}
		}
		for _, id := range d.Inserts {
			insertSet[id] = struct{}{}
		}
		cur = d.Next
	}
	survivors := make([]uint64, 0, len(found.Refs)+len(insertSet))
	for _, id := range found.Refs {
		if _, del := deleteSet[id]; !del {
			survivors = append(survivors, id)
		}
	}
	for id := range insertSet {
		if _, del := deleteSet[id]; !del {
			survivors = append(survivors, id)
		}
	}

	newHandle, newBase := m.basePool.Alloc()
	newBase.TargetID = targetID
	newBase.PropertyID = propertyID
	newBase.Tracked = true
	newBase.RefCount = len(survivors)
	newBase.Refs = survivors
	newBase.Version = commitVersion
	newBase.OlderBase = foundHandle
	newBase.Collision = found.Collision
	// Splice newHandle into the bucket chain in found's place.
	m.replaceInChain(b, foundHandle, newHandle)
	m.count.Add(1)
	return true
}

func (m *Manager) replaceInChain(b *bucket, old, replacement slabmem.Handle) {
	if b.head == old {
		b.head = replacement
		return
	}
	cur := b.head
	for cur.Valid() {
		r := m.basePool.Deref(cur)
		if r.Collision == old {
			r.Collision = replacement
			return
		}
		cur = r.Collision
	}
}

// ShouldMerge applies the tunable heuristic from §9's open question:
// delta_count*32 + deletes*4 + inserts >= base_count/MergeDivisor.
func (m *Manager) ShouldMerge(targetID uint64, propertyID int) bool {
	k := refKey{targetID, propertyID}
	b := m.bucketFor(k)
	b.mu.Lock()
	defer b.mu.Unlock()
	_, _, _, found := m.findLocked(b, k)
	if found == nil {
		return false
	}
	var deltaCount, deletes, inserts int
	for cur := found.DeltaHead; cur.Valid(); {
		d := m.deltaPool.Deref(cur)
		deltaCount++
		deletes += len(d.Deletes)
		inserts += len(d.Inserts)
		cur = d.Next
	}
	if m.MergeDivisor <= 0 {
		return false
	}
	score := deltaCount*32 + deletes*4 + inserts
	return score >= found.RefCount/m.MergeDivisor
}

// GarbageCollect prunes older base items and their deltas for every
// (target, property) key currently tracked, once no snapshot can see them
// (§4.2 garbage_collect). Satisfies gcsvc.Sweepable.
func (m *Manager) GarbageCollect(oldestVisibleVersion uint64) {
	m.mu.RLock()
	buckets := m.buckets
	m.mu.RUnlock()

	for i := range buckets {
		b := &buckets[i]
		b.mu.Lock()
		var keys []refKey
		cur := b.head
		for cur.Valid() {
			r := m.basePool.Deref(cur)
			keys = append(keys, refKey{target: r.TargetID, prop: r.PropertyID})
			cur = r.Collision
		}
		b.mu.Unlock()

		for _, k := range keys {
			m.garbageCollectOne(k.target, k.prop, oldestVisibleVersion)
		}
	}
}

// garbageCollectOne prunes older base items and their deltas for one key
// once no snapshot can see them.
func (m *Manager) garbageCollectOne(targetID uint64, propertyID int, oldestVisibleVersion uint64) {
	k := refKey{targetID, propertyID}
	b := m.bucketFor(k)
	b.mu.Lock()
	defer b.mu.Unlock()
	_, _, _, found := m.findLocked(b, k)
	if found == nil {
		return
	}

	cur := found.OlderBase
	var floor *BaseItem
	floorFound := false
	for cur.Valid() {
		rec := m.basePool.Deref(cur)
		next := rec.OlderBase
		if !floorFound && rec.Version <= oldestVisibleVersion {
			floorFound = true
			floor = rec
			cur = next
			continue
		}
		if floorFound {
			m.freeBaseChain(cur)
			cur = next
			continue
		}
		cur = next
	}
	if floorFound {
		floor.OlderBase = slabmem.NullHandle
	}
}

func (m *Manager) freeBaseChain(h slabmem.Handle) {
	rec := m.basePool.Deref(h)
	for d := rec.DeltaHead; d.Valid(); {
		delta := m.deltaPool.Deref(d)
		next := delta.Next
		m.deltaPool.Free(d)
		d = next
	}
	m.basePool.Free(h)
}
