package fs

import (
	"github.com/intellect4all/flashfs/flash"
)

// metaTree is the copy-on-write B+tree holding the namespace. A tree is just
// its root address and its height in internal levels; every mutation grows a
// fresh path of pages from the touched leaf up to a new root, and the write
// producing that root carries the next sequence number.
type metaTree struct {
	fs     *Fs
	root   flash.Address
	levels uint32
}

// levelLocation is one frame of a descent: where we are inside an internal
// node, plus snapshots of the neighbouring siblings for the remove planner.
type levelLocation struct {
	address flash.Address

	smallerSibling flash.Address
	greaterSibling flash.Address
	smallerValue   indexKey
	greaterValue   indexKey

	idx int
	max int
}

func (l *levelLocation) hasMore() bool {
	return l.idx < l.max
}

// locator is the per-level frame stack of a descent, leaf-parent on top.
type locator struct {
	frames []levelLocation
}

func (l *locator) current() *levelLocation {
	if len(l.frames) == 0 {
		return nil
	}
	return &l.frames[len(l.frames)-1]
}

func (l *locator) push() *levelLocation {
	l.frames = append(l.frames, levelLocation{})
	return l.current()
}

// pop drops the top frame; the return value reports whether frames remain.
func (l *locator) pop() bool {
	l.frames = l.frames[:len(l.frames)-1]
	return len(l.frames) > 0
}

// hasMore is true while the current frame has a parent, i.e. the current
// frame is not the root's.
func (l *locator) hasMore() bool {
	return len(l.frames) > 1
}

func (l *locator) reset() {
	l.frames = l.frames[:0]
}

// treeIterator steps across the leaves whose index range can hold the key.
type treeIterator struct {
	loc            locator
	currentAddress flash.Address
}

func (it *treeIterator) hasNext() bool {
	for i := range it.loc.frames {
		if it.loc.frames[i].hasMore() {
			return true
		}
	}
	return false
}

// updateSiblings refreshes the current frame's sibling snapshots from the
// node it points into.
func (it *treeIterator) updateSiblings(n nodeView) {
	cur := it.loc.current()
	if cur.idx > 0 {
		cur.smallerSibling = n.childAt(cur.idx - 1)
		cur.smallerValue = n.valueAt(cur.idx - 1)
	} else {
		cur.smallerSibling = flash.InvalidAddress
	}

	if cur.idx < n.branches()-1 {
		cur.greaterSibling = n.childAt(cur.idx + 1)
		cur.greaterValue = n.valueAt(cur.idx)
	} else {
		cur.greaterSibling = flash.InvalidAddress
	}
}

// planAction is the remove-side rebalancing decision.
type planAction int

const (
	planMergeUp planAction = iota
	planMergeDown
	planRedistGreater
	planRedistSmaller
)

// planOfAction names a partner page and what to do with it. The partner
// buffer is pinned; every plan consumer either writes or disposes it.
type planOfAction struct {
	action  planAction
	partner *buffer
	length  int
}
