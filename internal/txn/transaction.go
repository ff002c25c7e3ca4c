package txn

import (
	"sync"

	"github.com/google/uuid"

	"github.com/veloxdb/veloxdb-core/internal/external"
	"github.com/veloxdb/veloxdb-core/internal/hashindex"
	"github.com/veloxdb/veloxdb-core/internal/slabmem"
	"github.com/veloxdb/veloxdb-core/internal/sortedindex"
	"github.com/veloxdb/veloxdb-core/internal/txctx"
	"github.com/veloxdb/veloxdb-core/internal/veloxerr"
)

const uncommittedBit = uint64(1) << 63

// modifiedItem is one object-heap write this transaction produced, kept so
// commit/rollback can find it again without re-walking any bucket chain, and
// so commit can replay the original op to Persistence without re-deriving it
// from post-commit heap state.
type modifiedItem struct {
	class       string
	handle      slabmem.Handle
	freshInsert bool
	op          external.OperationType
	changeOp    external.ChangesetOp
}

// readLock is a reader lock this transaction took on a committed version,
// recorded so commit can finalize it (ReaderLockInfo.CommitOut) or
// rollback can release it (ReaderLockInfo.RemoveOwner).
type readLock struct {
	class  string
	handle slabmem.Handle
}

// indexOp records one hash/sorted index mutation so rollback can reverse it
// exactly: an insert is undone with a delete and vice versa.
type indexOp struct {
	hashIdx   *hashindex.Index
	sortedIdx *sortedindex.Tree
	inserted  bool
	id        uint64
	key       []byte
}

// invRefTouch is one inverse-reference modification this transaction made,
// kept for commit finalization (CommitModification) and opportunistic
// merge.
type invRefTouch struct {
	targetID   uint64
	propertyID int
}

// Transaction is the coordinator's per-client transaction context (§3
// Transaction Identity, §4.5).
type Transaction struct {
	ID          uint64 // carries the uncommitted marker (high bit) for read-write transactions
	UUID        uuid.UUID
	ReadVersion uint64
	ReadWrite   bool
	Source      external.TransactionSource

	coord *Coordinator

	mu            sync.Mutex
	modified      []modifiedItem
	readLocks     []readLock
	invRefTouched []invRefTouch
	indexOps      []indexOp
	lockedClasses map[string]bool // write-locked (inserted/updated/deleted)
	readClasses   map[string]bool // read-locked (scanned/read only)
	hashTouched   map[*hashindex.Index]bool
	sortedTouched map[*sortedindex.Tree]bool

	canceledFlag *bool // shared by address with every txctx.View issued, so Cancel is visible to in-flight operations
	closed       bool
}

// Begin allocates a transaction id, assigns a read-version snapshot, and
// takes the read side of the engine-wide gate (§4.5 begin). Schema
// mutations (not modeled by this package) would take the write side and
// drain in-flight transactions.
func (c *Coordinator) Begin(source external.TransactionSource, readWrite bool) (*Transaction, error) {
	if err := c.checkDisposed(); err != nil {
		return nil, err
	}
	if c.Replicator != nil && !c.Replicator.IsTransactionAllowed(c.DBName, source, "", readWrite) {
		return nil, veloxerr.New(veloxerr.KindTransactionNotAllowed, nil)
	}
	c.engineGate.RLock()

	tran := &Transaction{
		UUID:          uuid.New(),
		ReadVersion:   c.readVersion.Load(),
		ReadWrite:     readWrite,
		Source:        source,
		coord:         c,
		lockedClasses: make(map[string]bool),
		readClasses:   make(map[string]bool),
		hashTouched:   make(map[*hashindex.Index]bool),
		sortedTouched: make(map[*sortedindex.Tree]bool),
		canceledFlag:  new(bool),
	}
	if readWrite {
		tran.ID = c.tranCounter.Add(1) | uncommittedBit
	} else {
		tran.ID = c.tranCounter.Add(1)
	}
	c.trackActive(tran.ID, tran.ReadVersion)
	return tran, nil
}

// View projects the transaction into the narrow struct the storage layer
// consumes, sharing the cancellation flag by address so a concurrent
// Cancel is visible to every in-flight public operation (§5 Cancellation).
func (t *Transaction) View() txctx.View {
	return txctx.View{
		ID:          t.ID,
		ReadVersion: t.ReadVersion,
		ReadWrite:   t.ReadWrite,
		Source:      t.Source,
		Canceled:    t.canceledFlag,
	}
}

// Cancel sets the cancellation flag checked at entry to every public
// engine operation (§5). Writing through the shared pointer makes the
// cancellation visible to every txctx.View already handed to an in-flight
// operation, not just ones issued afterward.
func (t *Transaction) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	*t.canceledFlag = true
}

func (t *Transaction) checkLive() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return veloxerr.ErrCommitOfClosedTxn
	}
	if *t.canceledFlag {
		return veloxerr.ErrTransactionCanceled
	}
	return nil
}

func (t *Transaction) requireReadWrite() error {
	if !t.ReadWrite {
		return veloxerr.ErrReadTranWriteAttempt
	}
	return nil
}

func (t *Transaction) recordWrite(class string, handle slabmem.Handle, freshInsert bool, op external.OperationType, changeOp external.ChangesetOp) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.modified = append(t.modified, modifiedItem{
		class:       class,
		handle:      handle,
		freshInsert: freshInsert,
		op:          op,
		changeOp:    changeOp,
	})
	t.lockedClasses[class] = true
}

func (t *Transaction) recordRead(class string, handle slabmem.Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.readLocks = append(t.readLocks, readLock{class: class, handle: handle})
	if !t.lockedClasses[class] {
		t.readClasses[class] = true
	}
}

func (t *Transaction) recordInvRef(targetID uint64, propertyID int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.invRefTouched = append(t.invRefTouched, invRefTouch{targetID: targetID, propertyID: propertyID})
}

func (t *Transaction) recordHashIndex(ix *hashindex.Index) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hashTouched[ix] = true
}

func (t *Transaction) recordSortedIndex(tr *sortedindex.Tree) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sortedTouched[tr] = true
}

func (t *Transaction) recordIndexOp(op indexOp) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.indexOps = append(t.indexOps, op)
}
