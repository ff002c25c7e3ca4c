package sortedindex

import (
	"github.com/veloxdb/veloxdb-core/internal/slabmem"
	"github.com/veloxdb/veloxdb-core/internal/txctx"
)

// ScanSpec parameterizes a forward or backward range scan (§4.4 Range
// scans): {start key, end key, open/closed flags, direction, fetch limit}.
// A nil StartKey/EndKey means "unbounded" on that side.
type ScanSpec struct {
	StartKey    []byte
	StartClosed bool
	EndKey      []byte
	EndClosed   bool
	Backward    bool
	Limit       int // 0 means unbounded
}

// Scan walks the tree according to spec, installing a key-range lock on
// every leaf visited when view is read-write so that a concurrent insert
// or delete inside the consumed interval conflicts (§4.4, §8 range-lock
// phantom prevention). Group-locking (collapsing sibling leaf ranges into
// one parent-anchored envelope) is not implemented; every visited leaf
// keeps its own range entry instead, trading the O(depth) memory bound for
// simpler bookkeeping (see DESIGN.md).
func (t *Tree) Scan(view txctx.View, spec ScanSpec) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Entry
	if spec.Backward {
		out = t.scanBackward(view, spec)
	} else {
		out = t.scanForward(view, spec)
	}
	return out
}

func (t *Tree) inRange(spec ScanSpec, e Entry) bool {
	if spec.StartKey != nil {
		c := t.compare(e.Key, spec.StartKey)
		if c < 0 || (c == 0 && !spec.StartClosed) {
			return false
		}
	}
	if spec.EndKey != nil {
		c := t.compare(e.Key, spec.EndKey)
		if c > 0 || (c == 0 && !spec.EndClosed) {
			return false
		}
	}
	return true
}

func (t *Tree) pastEnd(spec ScanSpec, e Entry) bool {
	if spec.EndKey == nil {
		return false
	}
	c := t.compare(e.Key, spec.EndKey)
	return c > 0 || (c == 0 && !spec.EndClosed)
}

func (t *Tree) beforeStart(spec ScanSpec, e Entry) bool {
	if spec.StartKey == nil {
		return false
	}
	c := t.compare(e.Key, spec.StartKey)
	return c < 0 || (c == 0 && !spec.StartClosed)
}

func (t *Tree) lockLeafRange(view txctx.View, n *node, lowKey, highKey []byte, lowClose, highClose bool) {
	if !view.ReadWrite {
		return
	}
	n.ranges = append(n.ranges, rangeLock{
		tranID:    view.ID,
		lowKey:    append([]byte(nil), lowKey...),
		highKey:   append([]byte(nil), highKey...),
		lowClose:  lowClose,
		highClose: highClose,
	})
}

func (t *Tree) scanForward(view txctx.View, spec ScanSpec) []Entry {
	startKey := spec.StartKey
	startClosed := spec.StartClosed
	if startKey == nil {
		startKey = t.leftmostKey()
		startClosed = true
	}
	p := t.descend(startKey)
	h := p.leaf()

	var out []Entry
	for h.Valid() {
		n := t.deref(h)
		rangeHigh := spec.EndKey
		highClose := spec.EndClosed
		if len(n.entries) > 0 {
			last := n.entries[len(n.entries)-1]
			if rangeHigh == nil || t.compare(last.Key, rangeHigh) < 0 {
				rangeHigh = last.Key
				highClose = true
			}
		}
		t.lockLeafRange(view, n, rangeLowOrMin(startKey), rangeHighOrMax(rangeHigh), startClosed, highClose)

		stop := false
		for _, e := range n.entries {
			if t.beforeStart(spec, e) {
				continue
			}
			if t.pastEnd(spec, e) {
				stop = true
				break
			}
			out = append(out, e)
			if spec.Limit > 0 && len(out) >= spec.Limit {
				stop = true
				break
			}
		}
		if stop {
			break
		}
		h = n.right
		startKey = spec.StartKey // subsequent leaves lock from their own first key
		startClosed = true
	}
	return out
}

func (t *Tree) scanBackward(view txctx.View, spec ScanSpec) []Entry {
	endKey := spec.EndKey
	endClosed := spec.EndClosed
	if endKey == nil {
		endKey = t.rightmostKey()
		endClosed = true
	}
	p := t.descend(endKey)
	h := p.leaf()

	var out []Entry
	for h.Valid() {
		n := t.deref(h)
		rangeLow := spec.StartKey
		lowClose := spec.StartClosed
		if len(n.entries) > 0 {
			first := n.entries[0]
			if rangeLow == nil || t.compare(first.Key, rangeLow) > 0 {
				rangeLow = first.Key
				lowClose = true
			}
		}
		t.lockLeafRange(view, n, rangeLowOrMin(rangeLow), rangeHighOrMax(endKey), lowClose, endClosed)

		stop := false
		for i := len(n.entries) - 1; i >= 0; i-- {
			e := n.entries[i]
			if t.pastEnd(spec, e) {
				continue
			}
			if t.beforeStart(spec, e) {
				stop = true
				break
			}
			out = append(out, e)
			if spec.Limit > 0 && len(out) >= spec.Limit {
				stop = true
				break
			}
		}
		if stop {
			break
		}
		h = n.left
		endKey = spec.EndKey
		endClosed = true
	}
	return out
}

func rangeHighOrMax(k []byte) []byte {
	if k == nil {
		return []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	}
	return k
}

func rangeLowOrMin(k []byte) []byte {
	if k == nil {
		return []byte{}
	}
	return k
}

func (t *Tree) leftmostKey() []byte {
	h := t.root
	for {
		n := t.deref(h)
		if n.isLeaf {
			if len(n.entries) == 0 {
				return []byte{}
			}
			return n.entries[0].Key
		}
		h = n.entries[0].Child
	}
}

func (t *Tree) rightmostKey() []byte {
	h := t.root
	for {
		n := t.deref(h)
		if n.isLeaf {
			if len(n.entries) == 0 {
				return rangeHighOrMax(nil)
			}
			return n.entries[len(n.entries)-1].Key
		}
		h = n.entries[len(n.entries)-1].Child
	}
}

// ReleaseRangeLocks drops every key-range lock owned by tranID across the
// whole tree, called on commit/rollback. A full leaf sweep is acceptable:
// range locks are already bounded to the leaves a transaction actually
// visited during its lifetime, not the whole tree.
func (t *Tree) ReleaseRangeLocks(tranID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.leftmostLeaf()
	for h.Valid() {
		n := t.deref(h)
		out := n.ranges[:0]
		for _, rl := range n.ranges {
			if rl.tranID != tranID {
				out = append(out, rl)
			}
		}
		n.ranges = out
		h = n.right
	}
}

func (t *Tree) leftmostLeaf() slabmem.Handle {
	h := t.root
	for {
		n := t.deref(h)
		if n.isLeaf {
			return h
		}
		h = n.entries[0].Child
	}
}
