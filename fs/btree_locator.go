package fs

import (
	"github.com/intellect4all/flashfs/flash"
)

// stepDown descends `level` internal levels from address, recording a frame
// per level. The bool result reports whether the root node had exactly two
// branches, which the remove path needs to know up front.
func (t *metaTree) stepDown(s *roSession, it *treeIterator, address flash.Address, level uint32, icmp indexComparator) (bool, error) {
	rootNum := 0
	for {
		buf, err := s.read(address)
		if err != nil {
			return false, err
		}
		node := t.fs.nodeOf(buf)

		if rootNum == 0 {
			rootNum = node.branches()
		}

		pos := bisectFind(node.branches()-1,
			func(i int) bool { return icmp.greater(node.valueAt(i)) },
			func(i int) bool { return icmp.matches(node.valueAt(i)) })

		frame := it.loc.push()
		frame.address = address
		if pos.found {
			frame.idx = pos.first
			frame.max = pos.last + 1
		} else {
			frame.idx = pos.insIdx
			frame.max = pos.insIdx
		}

		it.updateSiblings(node)
		if level == 1 {
			it.currentAddress = node.childAt(frame.idx)
		} else {
			address = node.childAt(frame.idx)
		}
		s.release(buf)

		level--
		if level == 0 {
			return rootNum == 2, nil
		}
	}
}

// step advances to the next candidate leaf: within the current leaf-parent
// span if it has more, otherwise up to the nearest frame with an unvisited
// branch and down its next subtree.
func (t *metaTree) step(s *roSession, it *treeIterator, icmp indexComparator) error {
	if it.loc.current().hasMore() {
		buf, err := s.read(it.loc.current().address)
		if err != nil {
			return err
		}
		node := t.fs.nodeOf(buf)

		it.loc.current().idx++
		it.updateSiblings(node)
		it.currentAddress = node.childAt(it.loc.current().idx)

		s.release(buf)
		return nil
	}

	nLevels := uint32(0)
	for it.loc.hasMore() {
		it.loc.pop()
		nLevels++
		if it.loc.current().hasMore() {
			buf, err := s.read(it.loc.current().address)
			if err != nil {
				return err
			}
			node := t.fs.nodeOf(buf)

			it.loc.current().idx++
			nextAddress := node.childAt(it.loc.current().idx)
			it.updateSiblings(node)

			s.release(buf)

			_, err = t.stepDown(s, it, nextAddress, nLevels, icmp)
			return err
		}
	}

	it.currentAddress = flash.InvalidAddress
	return nil
}

// iterate positions the iterator on the leftmost candidate leaf.
func (t *metaTree) iterate(s *roSession, it *treeIterator, icmp indexComparator) (bool, error) {
	it.loc.reset()
	return t.stepDown(s, it, t.root, t.levels, icmp)
}

// doUpdate rewrites the node at the current frame with one child replaced.
func (t *metaTree) doUpdate(s *rwSession, loc *locator, updated flash.Address) (flash.Address, error) {
	buf, err := s.read(loc.current().address)
	if err != nil {
		return flash.InvalidAddress, err
	}
	node := t.fs.nodeOf(buf)
	node.setChildAt(loc.current().idx, updated)
	return s.write(buf)
}

// propagateUpdate carries a rewritten child address up the remaining frames,
// producing the new root.
func (t *metaTree) propagateUpdate(s *rwSession, loc *locator, updated flash.Address) (flash.Address, error) {
	for loc.pop() {
		if !loc.hasMore() {
			s.flagNextAsRoot()
		}
		next, err := t.doUpdate(s, loc, updated)
		if err != nil {
			return flash.InvalidAddress, err
		}
		updated = next
	}
	return updated, nil
}

// updateOne rewrites the current frame's node and propagates upward.
func (t *metaTree) updateOne(s *rwSession, loc *locator, updated flash.Address) (flash.Address, error) {
	if !loc.hasMore() {
		s.flagNextAsRoot()
	}
	next, err := t.doUpdate(s, loc, updated)
	if err != nil {
		return flash.InvalidAddress, err
	}
	return t.propagateUpdate(s, loc, next)
}

type updateDirection int

const (
	updateUp updateDirection = iota
	updateDown
)

// updateTwo rewrites the current frame's node with two adjacent children and
// the separator between them replaced, then propagates upward.
func (t *metaTree) updateTwo(s *rwSession, loc *locator, dir updateDirection, separator indexKey, updated, other flash.Address) (flash.Address, error) {
	buf, err := s.read(loc.current().address)
	if err != nil {
		return flash.InvalidAddress, err
	}
	node := t.fs.nodeOf(buf)

	node.setChildAt(loc.current().idx, updated)
	if dir == updateUp {
		node.setChildAt(loc.current().idx+1, other)
		node.setValueAt(loc.current().idx, separator)
	} else {
		node.setChildAt(loc.current().idx-1, other)
		node.setValueAt(loc.current().idx-1, separator)
	}

	if !loc.hasMore() {
		s.flagNextAsRoot()
	}

	written, err := s.write(buf)
	if err != nil {
		return flash.InvalidAddress, err
	}
	return t.propagateUpdate(s, loc, written)
}

// createRootNode grows the tree by one level with a fresh two-branch root.
func (t *metaTree) createRootNode(s *rwSession, separator indexKey, lower, higher flash.Address, levels uint32) (flash.Address, error) {
	buf, err := s.empty(int32(levels + 1))
	if err != nil {
		return flash.InvalidAddress, err
	}
	node := t.fs.nodeOf(buf)

	node.setBranches(2)
	node.setValueAt(0, separator)
	node.setChildAt(0, lower)
	node.setChildAt(1, higher)

	s.flagNextAsRoot()
	return s.write(buf)
}
