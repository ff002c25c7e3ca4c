package heap

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/veloxdb/veloxdb-core/internal/slabmem"
)

// bucketWord is a single 64-bit word used both as the bucket head handle
// and a spin-lock flag in its high bit (§4.1 "Bucket lock"). This reserves
// bit 63 for the lock flag, which means slabmem pools backing class heaps
// must stay under 128 size classes (pool index uses the 7 bits below it) -
// comfortably true for per-class object heaps.
type bucketWord struct {
	v atomic.Uint64
}

const bucketLockBit = uint64(1) << 63

func encodeBucketHandle(h slabmem.Handle) uint64 { return uint64(h) &^ bucketLockBit }
func decodeBucketHandle(w uint64) slabmem.Handle { return slabmem.Handle(w &^ bucketLockBit) }

// TryLock attempts a lightweight CAS acquisition, returning the current
// head handle and whether the lock was acquired.
func (b *bucketWord) TryLock() (slabmem.Handle, bool) {
	cur := b.v.Load()
	if cur&bucketLockBit != 0 {
		return 0, false
	}
	if b.v.CompareAndSwap(cur, cur|bucketLockBit) {
		return decodeBucketHandle(cur), true
	}
	return 0, false
}

// Lock spins with bounded exponential backoff until the CAS succeeds.
func (b *bucketWord) Lock() slabmem.Handle {
	backoff := time.Microsecond
	for {
		if h, ok := b.TryLock(); ok {
			return h
		}
		time.Sleep(backoff)
		if backoff < 200*time.Microsecond {
			backoff *= 2
		}
	}
}

// Unlock releases the lock, publishing newHead as the bucket's new head.
func (b *bucketWord) Unlock(newHead slabmem.Handle) {
	b.v.Store(encodeBucketHandle(newHead))
}

// Peek reads the current head without taking the lock, for optimistic
// scanners.
func (b *bucketWord) Peek() slabmem.Handle { return decodeBucketHandle(b.v.Load()) }

// ResizeLock is the per-class parallel resize primitive (§4.1): many
// concurrent readers (data-path operations) or one exclusive writer
// (resize, class-drop). Each data operation is counted on release; the
// count is reset after a resize but does not decide when to resize
// (MaybeResize looks at the live object count). Grounded on the RWMutex-based
// concurrency primitives in internal/storage/concurrency.go, simplified
// from a per-core sharded counter to one atomic counter - sufficient since
// Go's sync.RWMutex already amortizes reader contention internally.
type ResizeLock struct {
	mu  sync.RWMutex
	ops atomic.Int64
}

func (r *ResizeLock) ReadLock()   { r.mu.RLock() }
func (r *ResizeLock) ReadUnlock() { r.mu.RUnlock(); r.ops.Add(1) }
func (r *ResizeLock) WriteLock()  { r.mu.Lock() }
func (r *ResizeLock) WriteUnlock() { r.mu.Unlock() }

// OpsSinceReset reports the data-path operation count accumulated since the
// last resize; nothing in the heap reads it.
func (r *ResizeLock) OpsSinceReset() int64 { return r.ops.Load() }
func (r *ResizeLock) ResetOps()            { r.ops.Store(0) }
