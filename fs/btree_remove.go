package fs

import (
	"github.com/intellect4all/flashfs/flash"
)

type mergeDirection int

const (
	mergeUp mergeDirection = iota
	mergeDown
)

// planAction decides how to fix an underfull page by peeking at its
// siblings: merge into whichever sibling sits at the split point, otherwise
// redistribute from the longer one. The returned partner buffer is pinned
// and must be written or disposed by the caller.
func (t *metaTree) planAction(s *roSession, loc *locator, lengthOf func(*buffer) int, splitPoint int) (planOfAction, error) {
	level := loc.current()
	var plan planOfAction

	if level.smallerSibling != flash.InvalidAddress && level.greaterSibling != flash.InvalidAddress {
		little, err := s.read(level.smallerSibling)
		if err != nil {
			return plan, err
		}
		littleLength := lengthOf(little)
		if littleLength == splitPoint {
			return planOfAction{planMergeDown, little, littleLength}, nil
		}

		big, err := s.read(level.greaterSibling)
		if err != nil {
			s.release(little)
			return plan, err
		}
		bigLength := lengthOf(big)

		if bigLength == splitPoint {
			s.release(little)
			return planOfAction{planMergeUp, big, bigLength}, nil
		}
		if bigLength > littleLength {
			s.release(little)
			return planOfAction{planRedistGreater, big, bigLength}, nil
		}
		s.release(big)
		return planOfAction{planRedistSmaller, little, littleLength}, nil
	}

	if level.smallerSibling != flash.InvalidAddress {
		partner, err := s.read(level.smallerSibling)
		if err != nil {
			return plan, err
		}
		length := lengthOf(partner)
		if length == splitPoint {
			return planOfAction{planMergeDown, partner, length}, nil
		}
		return planOfAction{planRedistSmaller, partner, length}, nil
	}

	if level.greaterSibling == flash.InvalidAddress {
		panic("underfull page with no sibling")
	}
	partner, err := s.read(level.greaterSibling)
	if err != nil {
		return plan, err
	}
	length := lengthOf(partner)
	if length == splitPoint {
		return planOfAction{planMergeUp, partner, length}, nil
	}
	return planOfAction{planRedistGreater, partner, length}, nil
}

func (t *metaTree) nodeLength(b *buffer) int {
	return t.fs.nodeOf(b).branches()
}

func (t *metaTree) tableLength(b *buffer) int {
	return t.fs.tableOf(b).length()
}

// mergeEntry removes one branch from the parent chain after a merge below,
// cascading merges and redistributions up the internal levels. Dropping the
// root to a single child takes one level off the tree.
func (t *metaTree) mergeEntry(s *rwSession, loc *locator, newAddress flash.Address, direction mergeDirection, rootHasTwo bool) (flash.Address, error) {
	splitPoint := t.fs.params.nodeSplit

	for {
		var idl int
		if direction == mergeDown {
			idl = loc.current().idx - 1
		} else {
			idl = loc.current().idx
		}

		buf, err := s.read(loc.current().address)
		if err != nil {
			return flash.InvalidAddress, err
		}
		node := t.fs.nodeOf(buf)

		if loc.hasMore() && node.branches() == splitPoint {
			loc.pop()
			plan, err := t.planAction(&s.roSession, loc, t.nodeLength, splitPoint)
			if err != nil {
				s.release(buf)
				return flash.InvalidAddress, err
			}

			switch plan.action {
			case planMergeUp:
				partner := t.fs.nodeOf(plan.partner)
				node.removeBranch(idl, newAddress)
				node.setValueAt(node.branches()-1, loc.current().greaterValue)

				for i := 0; i < plan.length-1; i++ {
					node.setValueAt(node.branches()+i, partner.valueAt(i))
				}
				for i := 0; i < plan.length; i++ {
					node.setChildAt(node.branches()+i, partner.childAt(i))
				}

				s.disposeBuffered(plan.partner)
				node.setBranches(node.branches() + plan.length)

				if rootHasTwo && !loc.hasMore() {
					s.flagNextAsRoot()
				}
				newAddress, err = s.write(buf)
				if err != nil {
					return flash.InvalidAddress, err
				}
				direction = mergeUp

			case planMergeDown:
				partner := t.fs.nodeOf(plan.partner)
				partner.setValueAt(plan.length-1, loc.current().smallerValue)

				for i := 0; i < idl; i++ {
					partner.setValueAt(plan.length+i, node.valueAt(i))
				}
				for i := idl + 1; i < node.branches()-1; i++ {
					partner.setValueAt(plan.length+i-1, node.valueAt(i))
				}

				for i := 0; i < idl; i++ {
					partner.setChildAt(plan.length+i, node.childAt(i))
				}
				partner.setChildAt(plan.length+idl, newAddress)
				for i := idl + 2; i < node.branches(); i++ {
					partner.setChildAt(plan.length+i-1, node.childAt(i))
				}

				partner.setBranches(partner.branches() + node.branches() - 1)
				s.disposeBuffered(buf)

				if rootHasTwo && !loc.hasMore() {
					s.flagNextAsRoot()
				}
				newAddress, err = s.write(plan.partner)
				if err != nil {
					return flash.InvalidAddress, err
				}
				direction = mergeDown

			case planRedistGreater:
				amount := (plan.length - splitPoint + 1) / 2
				partner := t.fs.nodeOf(plan.partner)

				node.removeBranch(idl, newAddress)
				node.setValueAt(node.branches()-1, loc.current().greaterValue)

				for i := 0; i < amount-1; i++ {
					node.setValueAt(node.branches()+i, partner.valueAt(i))
				}
				for i := 0; i < amount; i++ {
					node.setChildAt(node.branches()+i, partner.childAt(i))
				}

				divider := partner.valueAt(amount - 1)

				for i := 0; i < plan.length-amount; i++ {
					partner.setValueAt(i, partner.valueAt(i+amount))
					partner.setChildAt(i, partner.childAt(i+amount))
				}

				partner.setBranches(partner.branches() - amount)
				node.setBranches(node.branches() + amount)

				newPartnerAddress, err := s.write(plan.partner)
				if err != nil {
					s.release(buf)
					return flash.InvalidAddress, err
				}
				newNodeAddress, err := s.write(buf)
				if err != nil {
					return flash.InvalidAddress, err
				}
				return t.updateTwo(s, loc, updateUp, divider, newNodeAddress, newPartnerAddress)

			case planRedistSmaller:
				amount := (plan.length - splitPoint + 1) / 2
				partner := t.fs.nodeOf(plan.partner)

				node.removeBranch(idl, newAddress)

				for i := node.branches() - 2; i >= 0; i-- {
					node.setValueAt(i+amount, node.valueAt(i))
				}
				for i := node.branches() - 1; i >= 0; i-- {
					node.setChildAt(i+amount, node.childAt(i))
				}

				node.setValueAt(amount-1, loc.current().smallerValue)

				for i := 0; i < amount-1; i++ {
					node.setValueAt(i, partner.valueAt(plan.length-amount+i))
				}
				for i := 0; i < amount; i++ {
					node.setChildAt(i, partner.childAt(plan.length-amount+i))
				}

				divider := partner.valueAt(plan.length - amount - 1)

				partner.setBranches(partner.branches() - amount)
				node.setBranches(node.branches() + amount)

				newPartnerAddress, err := s.write(plan.partner)
				if err != nil {
					s.release(buf)
					return flash.InvalidAddress, err
				}
				newNodeAddress, err := s.write(buf)
				if err != nil {
					return flash.InvalidAddress, err
				}
				return t.updateTwo(s, loc, updateDown, divider, newNodeAddress, newPartnerAddress)
			}
		} else {
			if node.branches() == 2 {
				// drop current root
				s.disposeBuffered(buf)
				t.levels--
				return newAddress, nil
			}

			node.removeBranch(idl, newAddress)

			if loc.pop() {
				written, err := s.write(buf)
				if err != nil {
					return flash.InvalidAddress, err
				}
				return t.updateOne(s, loc, written)
			}

			s.flagNextAsRoot()
			return s.write(buf)
		}
	}
}

// remove deletes the key, handing back its value through the optional
// pointer. An underfull leaf merges with or borrows from a sibling.
func (t *metaTree) remove(key *fullKey, value *treeRef) (bool, error) {
	s := t.fs.openWrite()

	if t.root == flash.InvalidAddress {
		s.closeUnupgraded()
		return false, nil
	}

	if t.levels == 0 {
		return t.removeSingleLeaf(s, key, value)
	}
	return t.removeMultiLevel(s, key, value)
}

func (t *metaTree) removeSingleLeaf(s *rwSession, key *fullKey, value *treeRef) (bool, error) {
	buf, err := s.read(t.root)
	if err != nil {
		s.closeUnupgraded()
		return false, err
	}
	table := t.fs.tableOf(buf)
	length := table.length()
	pos := bisectFind(length,
		func(i int) bool { e := table.elementAt(i); return e.key.greaterThan(key) },
		func(i int) bool { e := table.elementAt(i); return e.key.equals(key) })

	if !pos.found {
		s.release(buf)
		s.closeUnupgraded()
		return false, nil
	}

	if value != nil {
		*value = table.elementAt(pos.first).value
	}

	s.upgrade()

	if length == 1 {
		s.disposeBuffered(buf)
		t.root = flash.InvalidAddress
	} else {
		table.removeElement(pos.first, length)

		s.flagNextAsRoot()
		newAddress, err := s.write(buf)
		if err != nil {
			s.rollback()
			return false, err
		}
		t.root = newAddress
	}

	s.commit()
	return true, nil
}

func (t *metaTree) removeMultiLevel(s *rwSession, key *fullKey, value *treeRef) (bool, error) {
	icmp := fullIndexCmp{key.indexed}
	splitPoint := t.fs.params.tableSplit

	it := &treeIterator{}
	rootHasTwo, err := t.iterate(&s.roSession, it, icmp)
	if err != nil {
		s.closeUnupgraded()
		return false, err
	}

	for {
		buf, err := s.read(it.currentAddress)
		if err != nil {
			s.closeUnupgraded()
			return false, err
		}
		table := t.fs.tableOf(buf)
		length := table.length()
		pos := bisectFind(length,
			func(i int) bool { e := table.elementAt(i); return e.key.greaterThan(key) },
			func(i int) bool { e := table.elementAt(i); return e.key.equals(key) })

		if pos.found {
			if value != nil {
				*value = table.elementAt(pos.first).value
			}

			if length == splitPoint {
				return t.removeRebalance(s, it, buf, table, pos.first, rootHasTwo)
			}

			table.removeElement(pos.first, length)
			s.upgrade()

			newAddress, err := s.write(buf)
			if err != nil {
				s.rollback()
				return false, err
			}

			newRoot, err := t.updateOne(s, &it.loc, newAddress)
			if err != nil {
				s.rollback()
				return false, err
			}

			t.root = newRoot
			s.commit()
			return true, nil
		}

		s.release(buf)

		if !it.hasNext() || pos.insIdx == 0 {
			s.closeUnupgraded()
			return false, nil
		}
		if err := t.step(&s.roSession, it, icmp); err != nil {
			s.closeUnupgraded()
			return false, err
		}
	}
}

// removeRebalance handles deletion from a leaf sitting exactly at the split
// point: one of four plans against a sibling, then the parent fix-up.
func (t *metaTree) removeRebalance(s *rwSession, it *treeIterator, buf *buffer, table tableView, delIdx int, rootHasTwo bool) (bool, error) {
	splitPoint := t.fs.params.tableSplit
	length := splitPoint

	plan, err := t.planAction(&s.roSession, &it.loc, t.tableLength, splitPoint)
	if err != nil {
		s.release(buf)
		s.closeUnupgraded()
		return false, err
	}

	s.upgrade()

	switch plan.action {
	case planMergeUp:
		partner := t.fs.tableOf(plan.partner)

		table.removeElement(delIdx, length)
		for i := 0; i < splitPoint; i++ {
			table.copyFrom(splitPoint-1+i, partner, i)
		}
		table.terminate(2*splitPoint - 1)

		s.disposeBuffered(plan.partner)

		if rootHasTwo && !it.loc.hasMore() {
			s.flagNextAsRoot()
		}
		newAddress, err := s.write(buf)
		if err != nil {
			s.rollback()
			return false, err
		}

		newRoot, err := t.mergeEntry(s, &it.loc, newAddress, mergeUp, rootHasTwo)
		if err != nil {
			s.rollback()
			return false, err
		}
		t.root = newRoot

	case planMergeDown:
		partner := t.fs.tableOf(plan.partner)

		for i := 0; i < delIdx; i++ {
			partner.copyFrom(splitPoint+i, table, i)
		}
		for i := delIdx + 1; i < splitPoint; i++ {
			partner.copyFrom(splitPoint+i-1, table, i)
		}

		s.disposeBuffered(buf)
		partner.terminate(2*splitPoint - 1)

		if rootHasTwo && !it.loc.hasMore() {
			s.flagNextAsRoot()
		}
		newAddress, err := s.write(plan.partner)
		if err != nil {
			s.rollback()
			return false, err
		}

		newRoot, err := t.mergeEntry(s, &it.loc, newAddress, mergeDown, rootHasTwo)
		if err != nil {
			s.rollback()
			return false, err
		}
		t.root = newRoot

	case planRedistGreater:
		amount := (plan.length - splitPoint + 1) / 2
		partner := t.fs.tableOf(plan.partner)

		table.removeElement(delIdx, length)

		for i := 0; i < amount; i++ {
			table.copyFrom(splitPoint-1+i, partner, i)
		}
		for i := 0; i < plan.length-amount; i++ {
			partner.copyFrom(i, partner, i+amount)
		}

		partner.terminate(plan.length - amount)
		table.terminate(splitPoint + amount - 1)

		separator := partner.elementAt(0).key.indexed

		newPartnerAddress, err := s.write(plan.partner)
		if err != nil {
			s.release(buf)
			s.rollback()
			return false, err
		}
		newTableAddress, err := s.write(buf)
		if err != nil {
			s.rollback()
			return false, err
		}

		newRoot, err := t.updateTwo(s, &it.loc, updateUp, separator, newTableAddress, newPartnerAddress)
		if err != nil {
			s.rollback()
			return false, err
		}
		t.root = newRoot

	case planRedistSmaller:
		amount := (plan.length - splitPoint + 1) / 2
		partner := t.fs.tableOf(plan.partner)

		for i := splitPoint - 1; i > delIdx; i-- {
			table.copyFrom(i+amount-1, table, i)
		}
		for i := delIdx - 1; i >= 0; i-- {
			table.copyFrom(i+amount, table, i)
		}
		for i := 0; i < amount; i++ {
			table.copyFrom(i, partner, i+plan.length-amount)
		}

		partner.terminate(plan.length - amount)
		table.terminate(splitPoint + amount - 1)

		separator := table.elementAt(0).key.indexed

		newPartnerAddress, err := s.write(plan.partner)
		if err != nil {
			s.release(buf)
			s.rollback()
			return false, err
		}
		newTableAddress, err := s.write(buf)
		if err != nil {
			s.rollback()
			return false, err
		}

		newRoot, err := t.updateTwo(s, &it.loc, updateDown, separator, newTableAddress, newPartnerAddress)
		if err != nil {
			s.rollback()
			return false, err
		}
		t.root = newRoot
	}

	s.commit()
	return true, nil
}
