// Package invref implements the inverse-reference map (§4.2): given a
// target object id and a reference property, it reports the set of source
// ids that currently reference it, under snapshot isolation, maintained as
// references are added and removed via layered base/delta MVCC.
package invref

import (
	"sync"

	"github.com/veloxdb/veloxdb-core/internal/slabmem"
)

// DeltaItem represents one transaction's insertions/deletions against a
// base state (§3 Inverse-Reference Delta Item).
type DeltaItem struct {
	Version  uint64 // transaction id while uncommitted, commit version after
	Inserts  []uint64
	Deletes  []uint64
	Next     slabmem.Handle // older delta on the same base (arrival order, newest first)
}

// BaseItem is one committed snapshot generation of the tracked reference
// set for (target id, property id) (§3 Inverse-Reference Base Item).
type BaseItem struct {
	TargetID   uint64
	PropertyID int
	RefCount   int
	Tracked    bool
	Deleted    bool // tombstone: target was deleted
	Version    uint64
	Collision  slabmem.Handle // next BaseItem in this bucket's collision chain (different target/property)
	OlderBase  slabmem.Handle // older BaseItem generation for the same (target,property)
	DeltaHead  slabmem.Handle
	readerLock sync.Mutex
	readerSet  map[uint64]struct{}
	Refs       []uint64 // inline tracked-reference vector, valid when Tracked
}

func (b *BaseItem) AddReaderLock(tranID uint64) {
	b.readerLock.Lock()
	defer b.readerLock.Unlock()
	if b.readerSet == nil {
		b.readerSet = make(map[uint64]struct{})
	}
	b.readerSet[tranID] = struct{}{}
}

func (b *BaseItem) RemoveReaderLock(tranID uint64) {
	b.readerLock.Lock()
	defer b.readerLock.Unlock()
	delete(b.readerSet, tranID)
}

func (b *BaseItem) HasOtherReaderLock(exclude uint64) bool {
	b.readerLock.Lock()
	defer b.readerLock.Unlock()
	for id := range b.readerSet {
		if id != exclude {
			return true
		}
	}
	return false
}

func (b *BaseItem) HasAnyReaderLock() bool {
	b.readerLock.Lock()
	defer b.readerLock.Unlock()
	return len(b.readerSet) > 0
}
