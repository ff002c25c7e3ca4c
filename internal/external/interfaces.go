// Package external defines the boundary the in-memory transactional object
// store (internal/heap, internal/invref, internal/hashindex,
// internal/sortedindex, internal/txn) sees onto everything spec.md §1 puts
// out of scope: durability, replication, schema hosting, blob/string
// interning, and JIT alignment helpers. The core consumes these only
// through the interfaces below; concrete implementations
// (MemBlobHeap, SQLitePersistence, the gRPC Replicator client) live beside
// them for tests and for wiring a runnable engine, but are not part of the
// core's contract.
package external

import "context"

// Handle is an opaque 64-bit reference into the blob/string interning
// heap. The core never interprets it beyond ref-counting and comparison.
type Handle uint64

// BlobHeap is the ref-counted, opaque storage for blob and string property
// payloads (§6). Ref-counting is the sole ownership mechanism: the heap
// package calls IncRefCount when a handle is written into a new version and
// DecRefCount when a version holding it is rolled back or garbage
// collected.
type BlobHeap interface {
	Alloc(data []byte) Handle
	Retrieve(h Handle) ([]byte, error)
	GetVersion(h Handle) uint64
	SetVersion(h Handle, version uint64)
	IncRefCount(h Handle)
	DecRefCount(h Handle)
}

// OperationType enumerates the kinds of block a changeset carries.
type OperationType int

const (
	OpInsert OperationType = iota
	OpUpdate
	OpDelete
	OpDefaultValue
	OpDropClass
	OpRewind
)

// PropertyValue is one typed payload slot within an operation header.
type PropertyValue struct {
	PropertyID int
	Value      any
}

// ChangesetOp is a single per-operation record within a changeset block:
// a key (object id) plus typed property payloads, preceded by a header
// carrying the previous-version slot and first/last-in-transaction flags
// (§6 Changeset Stream).
type ChangesetOp struct {
	ID               uint64
	PrevVersionSlot  uint64
	IsFirstInTran    bool
	IsLastInTran     bool
	Values           []PropertyValue
	// CommitVersion is set only on alignment/restore paths, where the
	// operation already carries a pre-assigned commit version.
	CommitVersion    uint64
	IsAlignment      bool
}

// ChangesetBlock groups operations of one type against one class.
type ChangesetBlock struct {
	ClassName string
	Op        OperationType
	PropertyIDs []int
	Ops       []ChangesetOp
}

// ChangesetReader is a forward-readable sequence of blocks. The core never
// parses on-disk format; it consumes this reader abstraction exclusively
// (§6).
type ChangesetReader interface {
	Next() (ChangesetBlock, bool)
}

// Persistence is the write-ahead-log/snapshot collaborator (§6).
type Persistence interface {
	PersistCommit(ctx context.Context, tranID uint64, commitVersion uint64, changes ChangesetReader) error
	AssignLogSequenceNumber() uint64
	Restore(className string, block ChangesetBlock, commitVersion uint64, isAlignment bool) error
}

// TransactionSource mirrors Transaction Identity's `source` field (§3).
type TransactionSource int

const (
	SourceClient TransactionSource = iota
	SourceReplication
	SourceAlignment
	SourceInternal
)

// Replicator hooks the commit pipeline and gates which transactions may
// even begin (§6).
type Replicator interface {
	PreCommit(tranID uint64) error
	PostCommit(tranID uint64, commitVersion uint64)
	Failure(tranID uint64, err error)
	IsTransactionAllowed(db string, source TransactionSource, origin string, readWrite bool) bool
	// RemapTransactionSlot is called when an inbound replicated transaction
	// must adopt a new reader-bookkeeping slot.
	RemapTransactionSlot(tranID uint64, newSlot int)
}
