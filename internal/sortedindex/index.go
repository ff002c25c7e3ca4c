// Package sortedindex implements the ordered secondary index (§4.4): a
// B+tree keyed on a typed multi-column key with an id/handle tiebreaker,
// supporting forward/backward range scans and key-range locks for phantom
// prevention. The upstream design couples per-node optimistic
// read/write locks with epoch-based reclamation; this implementation keeps
// the same node layout, split/merge/rebalance algorithms and range-lock
// bookkeeping but serializes all tree mutation and traversal under one
// tree-wide RWMutex rather than per-node lock-coupling (see DESIGN.md) -
// Insert, Delete and Scan all take the exclusive side (Scan installs range
// locks), so range scans block one another, and nodes are freed
// immediately on structural change since no concurrent descent can still
// be holding a reference once the write lock is released.
package sortedindex

import (
	"sort"
	"sync"

	"github.com/veloxdb/veloxdb-core/internal/slabmem"
	"github.com/veloxdb/veloxdb-core/internal/txctx"
	"github.com/veloxdb/veloxdb-core/internal/veloxerr"
)

// N is the maximum entries per node; NHalf is the minimum after a
// maintenance operation other than at the root (§4.4).
const (
	N     = 118
	NHalf = N / 2
)

// Comparer orders two encoded key columns. <0, 0, >0.
type Comparer func(a, b []byte) int

// VisibilityFunc reports whether id is visible to view and whether any
// other transaction holds it uncommitted, mirroring hashindex's contract.
type VisibilityFunc func(view txctx.View, id uint64) (visible bool, isUncommittedOther bool)

// Entry is one key/id/handle triple. Internal entries reuse the same
// struct as a separator plus Child: their Key, ID and Handle copy the
// largest entry of the child's subtree.
type Entry struct {
	Key    []byte
	ID     uint64
	Handle uint64
	Child  slabmem.Handle // internal nodes only
}

type rangeLock struct {
	tranID    uint64
	lowKey    []byte
	highKey   []byte
	lowClose  bool
	highClose bool
}

type node struct {
	isLeaf   bool
	entries  []Entry
	parent   slabmem.Handle
	left     slabmem.Handle // leaf only
	right    slabmem.Handle // leaf only
	ranges   []rangeLock    // leaf only
}

// Tree is one sorted secondary index instance.
type Tree struct {
	Unique  bool
	compare Comparer
	visible VisibilityFunc

	mu      sync.RWMutex
	nodes   *slabmem.Pool[node]
	root    slabmem.Handle
	count   int
}

func New(poolIndex uint8, unique bool, compare Comparer, visible VisibilityFunc) *Tree {
	t := &Tree{
		Unique:  unique,
		compare: compare,
		visible: visible,
		nodes:   slabmem.NewPool[node](poolIndex),
	}
	h, root := t.nodes.Alloc()
	root.isLeaf = true
	t.root = h
	return t
}

func (t *Tree) deref(h slabmem.Handle) *node { return t.nodes.Deref(h) }

// compareEntry orders by key, then id, then handle, giving every entry a
// total order even when keys collide (non-unique index, or in-flight
// duplicate during a uniqueness check).
func (t *Tree) compareEntry(a, b Entry) int {
	if c := t.compare(a.Key, b.Key); c != 0 {
		return c
	}
	if a.ID != b.ID {
		if a.ID < b.ID {
			return -1
		}
		return 1
	}
	if a.Handle != b.Handle {
		if a.Handle < b.Handle {
			return -1
		}
		return 1
	}
	return 0
}

// path records the descent from root to a leaf for upward propagation of
// splits, merges and subtree-max rewrites.
type path struct {
	handles []slabmem.Handle
}

func (p *path) leaf() slabmem.Handle     { return p.handles[len(p.handles)-1] }
func (p *path) parentOf(i int) (slabmem.Handle, bool) {
	if i == 0 {
		return slabmem.NullHandle, false
	}
	return p.handles[i-1], true
}

// descend walks from the root to the leaf that would contain key,
// recording every node visited.
func (t *Tree) descend(key []byte) path {
	var p path
	h := t.root
	for {
		p.handles = append(p.handles, h)
		n := t.deref(h)
		if n.isLeaf {
			return p
		}
		idx := sort.Search(len(n.entries), func(i int) bool {
			return t.compare(n.entries[i].Key, key) >= 0
		})
		if idx == len(n.entries) {
			idx = len(n.entries) - 1
		}
		h = n.entries[idx].Child
	}
}

func (t *Tree) leafInsertPos(n *node, e Entry) int {
	return sort.Search(len(n.entries), func(i int) bool {
		return t.compareEntry(n.entries[i], e) >= 0
	})
}

func rangesConflict(rl rangeLock, key []byte, compare Comparer, excludeTran uint64) bool {
	if rl.tranID == excludeTran {
		return false
	}
	lo := compare(key, rl.lowKey)
	hi := compare(key, rl.highKey)
	loOK := lo > 0 || (lo == 0 && rl.lowClose)
	hiOK := hi < 0 || (hi == 0 && rl.highClose)
	return loOK && hiOK
}

// Insert adds (key, id, handle) to the tree (§4.4 Insert). For a unique
// index every existing visible entry with an equal key, other than the
// inserting id itself, yields a uniqueness violation; an entry owned by
// another live transaction yields an index conflict; a key-range lock
// installed by a concurrent scan over this key also conflicts.
func (t *Tree) Insert(view txctx.View, key []byte, id, handle uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := t.descend(key)
	leaf := t.deref(p.leaf())

	for _, rl := range leaf.ranges {
		if rangesConflict(rl, key, t.compare, view.ID) {
			return veloxerr.ErrIndexConflict
		}
	}

	if t.Unique {
		for _, e := range leaf.entries {
			if t.compare(e.Key, key) != 0 {
				continue
			}
			if e.ID == id {
				continue
			}
			vis, uncommittedOther := t.visible(view, e.ID)
			if uncommittedOther {
				return veloxerr.ErrIndexConflict
			}
			if vis {
				return veloxerr.ErrUniquenessConstraint.WithObject(e.ID)
			}
		}
	}

	e := Entry{Key: append([]byte(nil), key...), ID: id, Handle: handle}
	pos := t.leafInsertPos(leaf, e)
	leaf.entries = append(leaf.entries, Entry{})
	copy(leaf.entries[pos+1:], leaf.entries[pos:])
	leaf.entries[pos] = e
	t.count++

	if pos == len(leaf.entries)-1 {
		t.propagateMaxUpdate(p, len(p.handles)-1)
	}

	if len(leaf.entries) > N {
		t.splitLeaf(p)
	}
	return nil
}

// propagateMaxUpdate rewrites the subtree-max separator on every ancestor
// whose last child's max just changed, i.e. the newly inserted/removed
// entry sits at the right edge of the subtree.
func (t *Tree) propagateMaxUpdate(p path, leafIdx int) {
	leaf := t.deref(p.handles[leafIdx])
	if len(leaf.entries) == 0 {
		return
	}
	newMax := leaf.entries[len(leaf.entries)-1]
	for i := leafIdx - 1; i >= 0; i-- {
		parent := t.deref(p.handles[i])
		childHandle := p.handles[i+1]
		idx := -1
		for j, e := range parent.entries {
			if e.Child == childHandle {
				idx = j
				break
			}
		}
		if idx == -1 {
			return
		}
		isLast := idx == len(parent.entries)-1
		parent.entries[idx].Key = newMax.Key
		parent.entries[idx].ID = newMax.ID
		parent.entries[idx].Handle = newMax.Handle
		if !isLast {
			return
		}
	}
}

// splitLeaf splits an overflowing leaf at NHalf and inserts a new separator
// into the parent, recursing upward through splitInternal as needed.
func (t *Tree) splitLeaf(p path) {
	idx := len(p.handles) - 1
	leafHandle := p.handles[idx]
	leaf := t.deref(leafHandle)

	rightHandle, right := t.nodes.Alloc()
	right.isLeaf = true
	right.entries = append([]Entry(nil), leaf.entries[NHalf:]...)
	leaf.entries = leaf.entries[:NHalf]

	right.right = leaf.right
	if right.right.Valid() {
		t.deref(right.right).left = rightHandle
	}
	right.left = leafHandle
	leaf.right = rightHandle

	sepLeft := leaf.entries[len(leaf.entries)-1]
	sepRight := right.entries[len(right.entries)-1]

	t.insertSeparator(p, idx, leafHandle, sepLeft, rightHandle, sepRight)
}

// insertSeparator installs (or updates) the pair of separator entries for
// leftHandle/rightHandle into the parent at ancestor index idx, creating a
// new root if idx is 0 (the node just split was the root).
func (t *Tree) insertSeparator(p path, idx int, leftHandle slabmem.Handle, sepLeft Entry, rightHandle slabmem.Handle, sepRight Entry) {
	parentHandle, hasParent := p.parentOf(idx)
	if !hasParent {
		newRootHandle, newRoot := t.nodes.Alloc()
		newRoot.isLeaf = false
		newRoot.entries = []Entry{
			{Key: sepLeft.Key, ID: sepLeft.ID, Handle: sepLeft.Handle, Child: leftHandle},
			{Key: sepRight.Key, ID: sepRight.ID, Handle: sepRight.Handle, Child: rightHandle},
		}
		t.deref(leftHandle).parent = newRootHandle
		t.deref(rightHandle).parent = newRootHandle
		t.root = newRootHandle
		return
	}

	parent := t.deref(parentHandle)
	t.deref(rightHandle).parent = parentHandle
	pos := -1
	for j, e := range parent.entries {
		if e.Child == leftHandle {
			pos = j
			break
		}
	}
	parent.entries[pos] = Entry{Key: sepLeft.Key, ID: sepLeft.ID, Handle: sepLeft.Handle, Child: leftHandle}
	newEntry := Entry{Key: sepRight.Key, ID: sepRight.ID, Handle: sepRight.Handle, Child: rightHandle}
	parent.entries = append(parent.entries, Entry{})
	copy(parent.entries[pos+2:], parent.entries[pos+1:])
	parent.entries[pos+1] = newEntry

	if len(parent.entries) > N {
		t.splitInternal(p, idx)
	}
}

func (t *Tree) splitInternal(p path, idx int) {
	parentHandle := p.handles[idx]
	parent := t.deref(parentHandle)

	rightHandle, right := t.nodes.Alloc()
	right.isLeaf = false
	right.entries = append([]Entry(nil), parent.entries[NHalf:]...)
	parent.entries = parent.entries[:NHalf]
	for _, e := range right.entries {
		t.deref(e.Child).parent = rightHandle
	}

	sepLeft := parent.entries[len(parent.entries)-1]
	sepRight := right.entries[len(right.entries)-1]
	t.insertSeparator(p, idx, parentHandle, sepLeft, rightHandle, sepRight)
}

// Delete locates the entry by (id, handle) under key and removes it,
// rebalancing (borrow or merge) on underflow (§4.4 Delete).
func (t *Tree) Delete(view txctx.View, key []byte, id, handle uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := t.descend(key)
	leaf := t.deref(p.leaf())

	pos := -1
	for i, e := range leaf.entries {
		if e.ID == id && e.Handle == handle {
			pos = i
			break
		}
	}
	if pos == -1 {
		return
	}
	wasLast := pos == len(leaf.entries)-1
	leaf.entries = append(leaf.entries[:pos], leaf.entries[pos+1:]...)
	t.count--

	if wasLast {
		t.propagateMaxUpdate(p, len(p.handles)-1)
	}

	t.rebalance(p, len(p.handles)-1)
}

// rebalance fixes underflow at p.handles[idx], borrowing from a sibling
// with slack or merging two siblings and recursing upward, collapsing the
// root if it is left with a single child (§4.4 Delete).
func (t *Tree) rebalance(p path, idx int) {
	h := p.handles[idx]
	n := t.deref(h)

	if idx == 0 {
		if !n.isLeaf && len(n.entries) == 1 {
			only := n.entries[0].Child
			t.deref(only).parent = slabmem.NullHandle
			t.root = only
			t.nodes.Free(h)
		}
		return
	}
	if len(n.entries) >= NHalf {
		return
	}

	parentHandle := p.handles[idx-1]
	parent := t.deref(parentHandle)
	myPos := -1
	for j, e := range parent.entries {
		if e.Child == h {
			myPos = j
			break
		}
	}

	var siblingPos int
	var fromLeft bool
	if myPos > 0 {
		siblingPos = myPos - 1
		fromLeft = true
	} else {
		siblingPos = myPos + 1
		fromLeft = false
	}
	siblingHandle := parent.entries[siblingPos].Child
	sibling := t.deref(siblingHandle)

	if len(sibling.entries) > NHalf+1 {
		t.borrow(parent, myPos, siblingPos, h, n, siblingHandle, sibling, fromLeft)
		return
	}

	t.mergeSiblings(parent, myPos, siblingPos, h, n, siblingHandle, sibling, fromLeft)
	t.rebalance(p, idx-1)
}

func (t *Tree) borrow(parent *node, myPos, siblingPos int, h slabmem.Handle, n *node, siblingHandle slabmem.Handle, sibling *node, fromLeft bool) {
	if fromLeft {
		moved := sibling.entries[len(sibling.entries)-1]
		sibling.entries = sibling.entries[:len(sibling.entries)-1]
		n.entries = append([]Entry{moved}, n.entries...)
		if !n.isLeaf {
			t.deref(moved.Child).parent = h
		}
		parent.entries[siblingPos].Key = sibling.entries[len(sibling.entries)-1].Key
		parent.entries[siblingPos].ID = sibling.entries[len(sibling.entries)-1].ID
		parent.entries[siblingPos].Handle = sibling.entries[len(sibling.entries)-1].Handle
	} else {
		moved := sibling.entries[0]
		sibling.entries = sibling.entries[1:]
		n.entries = append(n.entries, moved)
		if !n.isLeaf {
			t.deref(moved.Child).parent = h
		}
		parent.entries[myPos].Key = moved.Key
		parent.entries[myPos].ID = moved.ID
		parent.entries[myPos].Handle = moved.Handle
	}
}

func (t *Tree) mergeSiblings(parent *node, myPos, siblingPos int, h slabmem.Handle, n *node, siblingHandle slabmem.Handle, sibling *node, fromLeft bool) {
	var left, right *node
	var leftHandle, rightHandle slabmem.Handle
	var keepPos, dropPos int
	if fromLeft {
		left, right = sibling, n
		leftHandle, rightHandle = siblingHandle, h
		keepPos, dropPos = siblingPos, myPos
	} else {
		left, right = n, sibling
		leftHandle, rightHandle = h, siblingHandle
		keepPos, dropPos = myPos, siblingPos
	}

	left.entries = append(left.entries, right.entries...)
	if !left.isLeaf {
		for _, e := range right.entries {
			t.deref(e.Child).parent = leftHandle
		}
	} else {
		left.right = right.right
		if left.right.Valid() {
			t.deref(left.right).left = leftHandle
		}
	}

	parent.entries[keepPos].Key = left.entries[len(left.entries)-1].Key
	parent.entries[keepPos].ID = left.entries[len(left.entries)-1].ID
	parent.entries[keepPos].Handle = left.entries[len(left.entries)-1].Handle
	parent.entries = append(parent.entries[:dropPos], parent.entries[dropPos+1:]...)
	t.nodes.Free(rightHandle)
}

func (t *Tree) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count
}
