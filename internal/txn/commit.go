package txn

import (
	"context"
	"sync"

	"github.com/veloxdb/veloxdb-core/internal/external"
	"github.com/veloxdb/veloxdb-core/internal/veloxerr"
)

// commitWorkerPool parallelizes the per-item finalization phase of a single
// commit (CommitObject/CommitOut calls are independent once a commit version
// is assigned) across a small fixed number of goroutines, rather than
// spinning one goroutine per modified object.
type commitWorkerPool struct {
	coord *Coordinator
	jobs  chan func()
	quit  chan struct{}
	wg    sync.WaitGroup
}

func newCommitWorkerPool(c *Coordinator, n int) *commitWorkerPool {
	p := &commitWorkerPool{coord: c, jobs: make(chan func(), 256), quit: make(chan struct{})}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *commitWorkerPool) worker() {
	defer p.wg.Done()
	for {
		select {
		case fn, ok := <-p.jobs:
			if !ok {
				return
			}
			fn()
		case <-p.quit:
			return
		}
	}
}

func (p *commitWorkerPool) submit(fn func(), done *sync.WaitGroup) {
	done.Add(1)
	p.jobs <- func() {
		defer done.Done()
		fn()
	}
}

func (p *commitWorkerPool) shutdown() {
	close(p.quit)
	p.wg.Wait()
}

// Commit finalizes the transaction (§4.5 commit). Read-only transactions
// never entered the write path, so committing one just releases the engine
// gate's read side. Read-write transactions run the replicator hooks around
// the coordinator's commit sequencer.
func (t *Transaction) Commit() (uint64, error) {
	if err := t.checkLive(); err != nil {
		return 0, err
	}

	if !t.ReadWrite {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
		t.coord.untrackActive(t.ID)
		t.coord.engineGate.RUnlock()
		return t.ReadVersion, nil
	}

	if t.coord.Replicator != nil {
		if err := t.coord.Replicator.PreCommit(t.ID); err != nil {
			t.Rollback()
			return 0, err
		}
	}

	commitVersion, err := t.coord.doCommit(t)
	if err != nil {
		if t.coord.Replicator != nil {
			t.coord.Replicator.Failure(t.ID, err)
		}
		t.Rollback()
		return 0, err
	}

	if t.coord.Replicator != nil {
		t.coord.Replicator.PostCommit(t.ID, commitVersion)
	}
	return commitVersion, nil
}

// doCommit assigns a commit version under the sequencer lock (optionally
// persisting the changeset there too, so the WAL's record order matches
// version order), finalizes every touched version record and reader lock
// in parallel, then finalizes inverse-reference deltas and releases index
// locks one by one before releasing the engine gate.
func (c *Coordinator) doCommit(t *Transaction) (uint64, error) {
	t.mu.Lock()
	modified := t.modified
	readLocks := t.readLocks
	invRefTouched := t.invRefTouched
	hashTouched := t.hashTouched
	sortedTouched := t.sortedTouched
	t.closed = true
	t.mu.Unlock()

	c.commitSeqMu.Lock()
	commitVersion := c.readVersion.Add(1)
	if c.Persistence != nil {
		changes := buildChangeset(modified)
		if err := c.Persistence.PersistCommit(context.Background(), t.ID, commitVersion, changes); err != nil {
			c.commitSeqMu.Unlock()
			// Past this point the commit version is already assigned and
			// observable by future readers; there is no recoverable path
			// back to "never committed" (§7).
			veloxerr.Fatal("persist commit", err)
		}
	}
	c.commitSeqMu.Unlock()

	var wg sync.WaitGroup
	for _, item := range modified {
		item := item
		rt, err := c.classRuntime(item.class)
		if err != nil {
			continue
		}
		c.commitPool.submit(func() { rt.Heap.CommitObject(item.handle, commitVersion) }, &wg)
	}
	for _, rl := range readLocks {
		rl := rl
		rt, err := c.classRuntime(rl.class)
		if err != nil {
			continue
		}
		c.commitPool.submit(func() {
			rt.Heap.Deref(rl.handle).ReaderLock().CommitOut(commitVersion, t.ID)
		}, &wg)
	}
	wg.Wait()

	for _, irt := range invRefTouched {
		c.InvRefs.CommitModification(irt.targetID, irt.propertyID, t.ID, commitVersion)
		if c.InvRefs.ShouldMerge(irt.targetID, irt.propertyID) {
			c.InvRefs.Merge(irt.targetID, irt.propertyID, commitVersion, false)
		}
	}

	for ix := range hashTouched {
		ix.ReleaseKeyReadLocks(t.ID)
	}
	for tr := range sortedTouched {
		tr.ReleaseRangeLocks(t.ID)
	}

	c.untrackActive(t.ID)
	c.engineGate.RUnlock()
	return commitVersion, nil
}

// buildChangeset replays the original per-op records this transaction
// produced, grouped back into per-class, per-operation-type blocks, so
// Persistence sees exactly what the caller asked for rather than a
// reconstruction from post-commit heap state.
func buildChangeset(modified []modifiedItem) external.ChangesetReader {
	type groupKey struct {
		class string
		op    external.OperationType
	}
	order := make([]groupKey, 0)
	groups := make(map[groupKey][]external.ChangesetOp)
	for _, m := range modified {
		k := groupKey{class: m.class, op: m.op}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], m.changeOp)
	}
	cs := external.NewMemChangeset()
	for _, k := range order {
		cs.AddBlock(external.ChangesetBlock{ClassName: k.class, Op: k.op, Ops: groups[k]})
	}
	return cs
}
