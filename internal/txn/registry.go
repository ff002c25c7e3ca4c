// Package txn implements the transaction coordinator (§4.5): it owns
// transaction identity, drives the changeset-apply pipeline across the
// object heap, inverse-reference map, and secondary indexes, and
// orchestrates commit/rollback with the conflict-propagation and
// reader-lock-finalization rules of §4.5/§5.
package txn

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/veloxdb/veloxdb-core/internal/external"
	"github.com/veloxdb/veloxdb-core/internal/hashindex"
	"github.com/veloxdb/veloxdb-core/internal/heap"
	"github.com/veloxdb/veloxdb-core/internal/invref"
	"github.com/veloxdb/veloxdb-core/internal/sortedindex"
	"github.com/veloxdb/veloxdb-core/internal/txctx"
	"github.com/veloxdb/veloxdb-core/internal/veloxerr"
)

// HashIndexBinding ties a hash index to the ordered list of property ids
// whose values form its composite key.
type HashIndexBinding struct {
	Name       string
	Index      *hashindex.Index
	Properties []int
}

// SortedIndexBinding is the B+tree analogue of HashIndexBinding.
type SortedIndexBinding struct {
	Name       string
	Tree       *sortedindex.Tree
	Properties []int
}

// ClassRuntime bundles a class's heap with the secondary indexes declared
// over it.
type ClassRuntime struct {
	Desc          *heap.ClassDescriptor
	Heap          *heap.ClassHeap
	HashIndexes   []*HashIndexBinding
	SortedIndexes []*SortedIndexBinding
}

// reverseRef records that SourceClass.PropertyID is a tracked reference
// pointing at the class this entry is filed under, used to drive cascades
// when an object of the target class is deleted (§4.5 conflict propagation).
type reverseRef struct {
	SourceClass string
	PropertyID  int
	Policy      heap.CascadePolicy
}

// Coordinator is the engine-wide transaction coordinator: class registry,
// inverse-reference map, id allocator, and commit pipeline.
type Coordinator struct {
	mu      sync.RWMutex
	classes map[string]*ClassRuntime
	reverse map[string][]reverseRef // keyed by target class name

	InvRefs *invref.Manager
	Blobs   external.BlobHeap

	Persistence external.Persistence
	Replicator  external.Replicator
	DBName      string

	readVersion atomic.Uint64
	tranCounter atomic.Uint64
	idCounter   atomic.Uint64

	activeMu sync.Mutex
	active   map[uint64]uint64 // live transaction id -> its ReadVersion snapshot

	classLocksMu sync.Mutex
	classLocks   map[string]*sync.RWMutex

	engineGate sync.RWMutex

	commitSeqMu sync.Mutex // serializes commit-version assignment and PersistCommit ordering
	commitPool  *commitWorkerPool

	disposed atomic.Bool
}

// Config bundles the commit worker pool size and collaborator wiring.
type Config struct {
	CommitWorkers int
	Blobs         external.BlobHeap
	Persistence   external.Persistence
	Replicator    external.Replicator
	DBName        string
}

func NewCoordinator(cfg Config) *Coordinator {
	if cfg.CommitWorkers <= 0 {
		cfg.CommitWorkers = 4
	}
	c := &Coordinator{
		classes:     make(map[string]*ClassRuntime),
		reverse:     make(map[string][]reverseRef),
		Blobs:       cfg.Blobs,
		Persistence: cfg.Persistence,
		Replicator:  cfg.Replicator,
		DBName:      cfg.DBName,
		classLocks:  make(map[string]*sync.RWMutex),
		InvRefs:     invref.NewManager(10, 11),
		active:      make(map[uint64]uint64),
	}
	c.commitPool = newCommitWorkerPool(c, cfg.CommitWorkers)
	return c
}

// RegisterClass installs a class's heap into the registry and indexes its
// tracked-reference properties into the reverse-reference table used for
// cascades.
func (c *Coordinator) RegisterClass(desc *heap.ClassDescriptor, poolIndex uint8) *ClassRuntime {
	c.mu.Lock()
	defer c.mu.Unlock()

	rt := &ClassRuntime{
		Desc: desc,
		Heap: heap.NewClassHeap(desc, c.Blobs, poolIndex),
	}
	c.classes[desc.Name] = rt
	c.classLocksMu.Lock()
	c.classLocks[desc.Name] = &sync.RWMutex{}
	c.classLocksMu.Unlock()

	for _, p := range desc.Properties {
		if p.Type == heap.PropReference && p.Tracked && p.TargetClass != "" {
			c.reverse[p.TargetClass] = append(c.reverse[p.TargetClass], reverseRef{
				SourceClass: desc.Name,
				PropertyID:  p.ID,
				Policy:      p.Cascade,
			})
		}
	}
	return rt
}

// AddHashIndex declares a hash index binding on the class, keyed by the
// composite of the given property ids in order (§4.3).
func (rt *ClassRuntime) AddHashIndex(name string, poolIndex uint8, unique bool, props []int, keyOf hashindex.KeyFunc, compare hashindex.Comparer, visible hashindex.VisibilityFunc) *HashIndexBinding {
	b := &HashIndexBinding{
		Name:       name,
		Index:      hashindex.New(poolIndex, unique, keyOf, compare, visible),
		Properties: props,
	}
	rt.HashIndexes = append(rt.HashIndexes, b)
	return b
}

// AddSortedIndex declares a B+tree index binding on the class, keyed by the
// composite of the given property ids in order (§4.4).
func (rt *ClassRuntime) AddSortedIndex(name string, poolIndex uint8, unique bool, props []int, compare sortedindex.Comparer, visible sortedindex.VisibilityFunc) *SortedIndexBinding {
	b := &SortedIndexBinding{
		Name:       name,
		Tree:       sortedindex.New(poolIndex, unique, compare, visible),
		Properties: props,
	}
	rt.SortedIndexes = append(rt.SortedIndexes, b)
	return b
}

// KeyOf builds the hashindex.KeyFunc for a composite key over props,
// re-deriving an object's key from its latest committed property values
// (§4.3: the index stores only the object id, never the key, so any
// comparison against another bucket entry has to re-read the object).
func (rt *ClassRuntime) KeyOf(props []int) hashindex.KeyFunc {
	return func(id uint64) ([]byte, bool) {
		view := txctx.View{ReadVersion: ^uint64(0)}
		rec, _, err := rt.Heap.GetObject(view, id)
		if err != nil || rec == nil {
			return nil, false
		}
		return indexKeyFor(rt.Desc, props, valueMap(rt.Desc, rec.Props))
	}
}

// HashVisibility returns the VisibilityFunc a hash index bound to this
// class's heap should use, backed by heap.ClassHeap.Visibility.
func (rt *ClassRuntime) HashVisibility() hashindex.VisibilityFunc {
	return func(view txctx.View, id uint64) (bool, bool) { return rt.Heap.Visibility(view, id) }
}

// SortedVisibility is the sortedindex.VisibilityFunc analogue of
// HashVisibility.
func (rt *ClassRuntime) SortedVisibility() sortedindex.VisibilityFunc {
	return func(view txctx.View, id uint64) (bool, bool) { return rt.Heap.Visibility(view, id) }
}

func (c *Coordinator) classRuntime(name string) (*ClassRuntime, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rt, ok := c.classes[name]
	if !ok {
		return nil, veloxerr.ErrUnknownClass.WithClass(name)
	}
	return rt, nil
}

// ClassHeaps returns every registered class's heap, for gcsvc to register
// as sweep targets alongside the coordinator's own InvRefs manager.
func (c *Coordinator) ClassHeaps() []*heap.ClassHeap {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*heap.ClassHeap, 0, len(c.classes))
	for _, rt := range c.classes {
		out = append(out, rt.Heap)
	}
	return out
}

func (c *Coordinator) classLock(name string) *sync.RWMutex {
	c.classLocksMu.Lock()
	defer c.classLocksMu.Unlock()
	l, ok := c.classLocks[name]
	if !ok {
		l = &sync.RWMutex{}
		c.classLocks[name] = l
	}
	return l
}

// ReadVersion returns the highest committed version.
func (c *Coordinator) ReadVersion() uint64 { return c.readVersion.Load() }

// OldestVisibleVersion returns the lowest ReadVersion any currently live
// transaction still needs, or the latest committed version if none are
// live. gcsvc uses this as the floor below which old versions, inverse-
// reference deltas, and reader locks can be safely reclaimed.
func (c *Coordinator) OldestVisibleVersion() uint64 {
	c.activeMu.Lock()
	defer c.activeMu.Unlock()
	oldest := c.readVersion.Load()
	for _, rv := range c.active {
		if rv < oldest {
			oldest = rv
		}
	}
	return oldest
}

func (c *Coordinator) trackActive(tranID, readVersion uint64) {
	c.activeMu.Lock()
	defer c.activeMu.Unlock()
	c.active[tranID] = readVersion
}

func (c *Coordinator) untrackActive(tranID uint64) {
	c.activeMu.Lock()
	defer c.activeMu.Unlock()
	delete(c.active, tranID)
}

// ReserveIDRange atomically reserves count consecutive object ids, none of
// which is ever zero (§4.5/§6 reserve_id_range; zero is reserved for
// "null reference").
func (c *Coordinator) ReserveIDRange(count uint64) (first uint64, err error) {
	if count == 0 {
		return 0, fmt.Errorf("veloxdb: reserve count must be positive")
	}
	first = c.idCounter.Add(count) - count + 1
	return first, nil
}

// Dispose drains the commit pipeline and marks the coordinator closed;
// commits racing the shutdown observe ErrUnavailableCommitResult.
func (c *Coordinator) Dispose() {
	c.disposed.Store(true)
	c.commitPool.shutdown()
}

func (c *Coordinator) checkDisposed() error {
	if c.disposed.Load() {
		return veloxerr.New(veloxerr.KindDatabaseDisposed, nil)
	}
	return nil
}
