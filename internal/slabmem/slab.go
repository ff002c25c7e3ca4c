package slabmem

import "sync"

const pageSize = 4096

// Pool is a size-classed slab allocator for a fixed record type T.
// Records are allocated in fixed-size pages so that a Handle's offset stays
// valid across growth: pages are appended, never moved.
type Pool[T any] struct {
	mu        sync.Mutex
	index     uint8
	pages     [][]T
	free      []uint64 // offsets available for reuse, LIFO
	nextFresh uint64
	Stats     Stats
}

// NewPool creates a pool tagged with the given size-class index (0-255),
// which is encoded into every handle it mints. Offset 0 is never issued
// (nextFresh starts at 1): pool index 0 at offset 0 would otherwise encode
// the same uint64 as NullHandle, making a legitimate handle indistinguishable
// from "no handle".
func NewPool[T any](poolIndex uint8) *Pool[T] {
	return &Pool[T]{index: poolIndex, nextFresh: 1}
}

// Alloc returns a handle to a zero-valued T and a pointer to it for
// in-place initialization. The pointer is stable for the record's lifetime:
// pages never move or shrink.
func (p *Pool[T]) Alloc() (Handle, *T) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var offset uint64
	if n := len(p.free); n > 0 {
		offset = p.free[n-1]
		p.free = p.free[:n-1]
	} else {
		offset = p.nextFresh
		p.nextFresh++
		pageIdx := offset / pageSize
		for uint64(len(p.pages)) <= pageIdx {
			p.pages = append(p.pages, make([]T, pageSize))
		}
	}
	p.Stats.Allocated.Add(1)
	p.Stats.InUse.Add(1)
	return newHandle(p.index, offset), p.deref(offset)
}

// Deref resolves a handle minted by this pool to its record pointer.
// Panics (a programmer error, not a runtime condition) if the pool index
// does not match - handles are not interchangeable across pools.
func (p *Pool[T]) Deref(h Handle) *T {
	if h.PoolIndex() != p.index {
		panic("slabmem: handle belongs to a different pool")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deref(h.Offset())
}

func (p *Pool[T]) deref(offset uint64) *T {
	pageIdx := offset / pageSize
	slot := offset % pageSize
	return &p.pages[pageIdx][slot]
}

// Free returns a slot to the pool's free list for reuse. The caller must
// ensure no live reference (handle or pointer) to the slot remains;
// callers protected by the sorted index's tree-wide exclusive lock
// (sorted-index nodes) or by their own entity lock (heap/inverse-ref items)
// provide that guarantee.
func (p *Pool[T]) Free(h Handle) {
	if h.PoolIndex() != p.index {
		panic("slabmem: handle belongs to a different pool")
	}
	p.mu.Lock()
	var zero T
	*p.deref(h.Offset()) = zero
	p.free = append(p.free, h.Offset())
	p.mu.Unlock()
	p.Stats.Freed.Add(1)
	p.Stats.InUse.Add(-1)
}
