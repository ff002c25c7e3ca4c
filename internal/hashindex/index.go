// Package hashindex implements a secondary hash lookup on a composite key
// extracted from an object's property area (§4.3). Collision items hold
// only the object handle; the key is re-derived from the object on every
// comparison rather than stored redundantly.
package hashindex

import (
	"sync"
	"sync/atomic"

	"github.com/veloxdb/veloxdb-core/internal/slabmem"
	"github.com/veloxdb/veloxdb-core/internal/txctx"
	"github.com/veloxdb/veloxdb-core/internal/veloxerr"
)

const initialBuckets = 16

// Item is a Hash Index Item (§3): {object handle, next collision}.
type Item struct {
	ObjectID uint64
	Handle   uint64 // opaque object handle (heap slabmem.Handle as uint64)
	Next     slabmem.Handle
}

type bucket struct {
	mu   sync.Mutex
	head slabmem.Handle
}

// KeyFunc extracts the composite key for id from the owning class heap;
// re-derivation avoids storing the key redundantly inside Item.
type KeyFunc func(id uint64) (key []byte, ok bool)

// Comparer orders two encoded keys. <0, 0, >0.
type Comparer func(a, b []byte) int

// VisibilityFunc reports whether id is visible to view and, if so, whether
// it is a live (non-deleted) object - used to resolve phantom/duplicate
// entries without the index itself knowing about MVCC.
type VisibilityFunc func(view txctx.View, id uint64) (visible bool, isUncommittedOther bool)

// rangeLockEntry implements the auxiliary key-read-lock table referenced
// by §4.3/§4.4: a committed key that a live read-write transaction has
// observed (via a miss or a match), so a concurrent insert of that exact
// key must conflict until the reader finishes.
type rangeLockEntry struct {
	tranID uint64
}

// Index is a secondary hash lookup, optionally enforcing uniqueness.
type Index struct {
	Unique   bool
	keyOf    KeyFunc
	compare  Comparer
	visible  VisibilityFunc

	mu      sync.RWMutex
	buckets []bucket
	count   atomic.Int64
	items   *slabmem.Pool[Item]

	keyLockMu sync.Mutex
	keyLocks  map[string][]rangeLockEntry
}

// New builds an index tagged with poolIndex, the size-class slot its item
// pool mints handles under (§4.1's pool-index convention extends to every
// slab-backed structure, not just the object heap).
func New(poolIndex uint8, unique bool, keyOf KeyFunc, compare Comparer, visible VisibilityFunc) *Index {
	return &Index{
		Unique:   unique,
		keyOf:    keyOf,
		compare:  compare,
		visible:  visible,
		buckets:  make([]bucket, initialBuckets),
		items:    slabmem.NewPool[Item](poolIndex),
		keyLocks: make(map[string][]rangeLockEntry),
	}
}

func (ix *Index) allocItem() (slabmem.Handle, *Item) { return ix.items.Alloc() }
func (ix *Index) deref(h slabmem.Handle) *Item       { return ix.items.Deref(h) }
func (ix *Index) freeItem(h slabmem.Handle)          { ix.items.Free(h) }

func hashBytes(b []byte) uint64 {
	// FNV-1a.
	var h uint64 = 14695981039346656037
	for _, c := range b {
		h ^= uint64(c)
		h *= 1099511628211
	}
	return h
}

func (ix *Index) bucketFor(key []byte) *bucket {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	idx := hashBytes(key) & uint64(len(ix.buckets)-1)
	return &ix.buckets[idx]
}

// recordKeyReadLock lets a read-write transaction's miss or read on a key
// phantom-guard that key until the transaction ends.
func (ix *Index) recordKeyReadLock(key []byte, tranID uint64) {
	ix.keyLockMu.Lock()
	defer ix.keyLockMu.Unlock()
	ix.keyLocks[string(key)] = append(ix.keyLocks[string(key)], rangeLockEntry{tranID: tranID})
}

// ReleaseKeyReadLocks drops every key-read-lock owned by tranID, called on
// commit/rollback.
func (ix *Index) ReleaseKeyReadLocks(tranID uint64) {
	ix.keyLockMu.Lock()
	defer ix.keyLockMu.Unlock()
	for k, entries := range ix.keyLocks {
		out := entries[:0]
		for _, e := range entries {
			if e.tranID != tranID {
				out = append(out, e)
			}
		}
		if len(out) == 0 {
			delete(ix.keyLocks, k)
		} else {
			ix.keyLocks[k] = out
		}
	}
}

func (ix *Index) hasForeignKeyReadLock(key []byte, tranID uint64) bool {
	ix.keyLockMu.Lock()
	defer ix.keyLockMu.Unlock()
	for _, e := range ix.keyLocks[string(key)] {
		if e.tranID != tranID {
			return true
		}
	}
	return false
}

// Insert links id/handle into the index. If unique, any existing visible
// non-self object whose key equals the new key yields a uniqueness
// violation; an uncommitted conflicting entry yields an index conflict.
// Phantom reads recorded by live read-write transactions against this key
// also conflict with the insert (§4.3).
func (ix *Index) Insert(view txctx.View, id uint64, handle uint64, key []byte) error {
	if ix.hasForeignKeyReadLock(key, view.ID) {
		return veloxerr.ErrIndexConflict
	}
	b := ix.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	if ix.Unique {
		cur := b.head
		for cur.Valid() {
			item := ix.deref(cur)
			if item.ObjectID == id {
				cur = item.Next
				continue
			}
			k2, ok := ix.keyOf(item.ObjectID)
			if ok && ix.compare(key, k2) == 0 {
				visible, uncommittedOther := ix.visible(view, item.ObjectID)
				if uncommittedOther {
					return veloxerr.ErrIndexConflict
				}
				if visible {
					return veloxerr.ErrUniquenessConstraint.WithObject(item.ObjectID)
				}
			}
			cur = item.Next
		}
	}

	h, item := ix.allocItem()
	item.ObjectID = id
	item.Handle = handle
	item.Next = b.head
	b.head = h
	ix.count.Add(1)
	return nil
}

// Delete unlinks the item matching (id, key) by handle.
func (ix *Index) Delete(id uint64, handle uint64, key []byte) {
	b := ix.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	var prev slabmem.Handle
	prevIsHead := true
	cur := b.head
	for cur.Valid() {
		item := ix.deref(cur)
		if item.ObjectID == id && item.Handle == handle {
			if prevIsHead {
				b.head = item.Next
			} else {
				ix.deref(prev).Next = item.Next
			}
			ix.freeItem(cur)
			ix.count.Add(-1)
			return
		}
		prev = cur
		prevIsHead = false
		cur = item.Next
	}
}

// GetItems iterates matching entries, delegating snapshot visibility to
// the owning heap via VisibilityFunc, recording a key-read-lock for
// phantom prevention when the transaction is read-write (§4.3 get_items).
func (ix *Index) GetItems(view txctx.View, key []byte) []uint64 {
	if view.ReadWrite {
		ix.recordKeyReadLock(key, view.ID)
	}
	b := ix.bucketFor(key)
	b.mu.Lock()
	var matches []uint64
	cur := b.head
	for cur.Valid() {
		item := ix.deref(cur)
		k2, ok := ix.keyOf(item.ObjectID)
		if ok && ix.compare(key, k2) == 0 {
			matches = append(matches, item.ObjectID)
		}
		cur = item.Next
	}
	b.mu.Unlock()

	var out []uint64
	for _, id := range matches {
		visible, _ := ix.visible(view, id)
		if visible {
			out = append(out, id)
		}
	}
	return out
}

// ReplaceObjectHandle rewrites the handle inside the collision item with no
// structural change, used by in-place model updates (§4.3).
func (ix *Index) ReplaceObjectHandle(id uint64, oldHandle, newHandle uint64, key []byte) {
	b := ix.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	cur := b.head
	for cur.Valid() {
		item := ix.deref(cur)
		if item.ObjectID == id && item.Handle == oldHandle {
			item.Handle = newHandle
			return
		}
		cur = item.Next
	}
}

func (ix *Index) Count() int64 { return ix.count.Load() }
