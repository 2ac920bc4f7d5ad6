package fs

import (
	"github.com/intellect4all/flashfs/flash"
)

// splitTable halves a full leaf around the split point while inserting the
// new element on the proper side. The caller writes both halves and promotes
// the first key of the right one as the separator.
func (t *metaTree) splitTable(s *rwSession, table tableView, insIdx int, key *fullKey, value treeRef) (*buffer, error) {
	newBuf, err := s.empty(0)
	if err != nil {
		return nil, err
	}
	newTable := t.fs.tableOf(newBuf)

	maxElements := t.fs.params.maxElements
	splitPoint := t.fs.params.tableSplit

	if insIdx < splitPoint {
		for i := 0; i < maxElements-splitPoint+1; i++ {
			newTable.copyFrom(i, table, i+splitPoint-1)
		}
		newTable.terminate(maxElements - splitPoint + 1)

		table.makeRoom(insIdx, splitPoint)
		table.setElement(insIdx, key, value)
		table.terminate(splitPoint)
	} else {
		insIdx -= splitPoint
		for i := 0; i < insIdx; i++ {
			newTable.copyFrom(i, table, i+splitPoint)
		}
		newTable.setElement(insIdx, key, value)
		for i := insIdx; i < maxElements-splitPoint; i++ {
			newTable.copyFrom(i+1, table, i+splitPoint)
		}
		newTable.terminate(maxElements - splitPoint + 1)
		table.terminate(splitPoint)
	}

	return newBuf, nil
}

// splitEntry pushes a leaf split into the parent chain: each full internal
// node on the way splits in turn, and if the root itself splits the tree
// gains a level.
func (t *metaTree) splitEntry(s *rwSession, loc *locator, separator indexKey, updatedAddress, newAddress flash.Address) (flash.Address, error) {
	splitPoint := t.fs.params.nodeSplit
	maxBranches := t.fs.params.maxBranches

	level := int32(0)
	for {
		buf, err := s.read(loc.current().address)
		if err != nil {
			return flash.InvalidAddress, err
		}
		node := t.fs.nodeOf(buf)

		if node.branches() < maxBranches {
			node.insert(loc.current().idx, separator, updatedAddress, newAddress)

			if !loc.hasMore() {
				s.flagNextAsRoot()
			}
			updatedAddress, err = s.write(buf)
			if err != nil {
				return flash.InvalidAddress, err
			}
			newAddress = flash.InvalidAddress
			break
		}

		level++
		newBuf, err := s.empty(level)
		if err != nil {
			s.release(buf)
			return flash.InvalidAddress, err
		}
		newNode := t.fs.nodeOf(newBuf)

		if loc.current().idx == splitPoint-1 {
			// the arriving separator is the one to promote
			newNode.setBranches(maxBranches - splitPoint + 1)
			node.setBranches(splitPoint)

			node.setChildAt(splitPoint-1, updatedAddress)
			newNode.setChildAt(0, newAddress)

			for i := 0; i < maxBranches-splitPoint; i++ {
				newNode.setChildAt(i+1, node.childAt(i+splitPoint))
				newNode.setValueAt(i, node.valueAt(i+splitPoint-1))
			}
		} else if loc.current().idx < splitPoint {
			newNode.setBranches(maxBranches - splitPoint + 1)
			node.setBranches(splitPoint - 1)

			for i := 0; i < newNode.branches()-1; i++ {
				newNode.setValueAt(i, node.valueAt(i+splitPoint-1))
			}
			for i := 0; i < newNode.branches(); i++ {
				newNode.setChildAt(i, node.childAt(i+splitPoint-1))
			}

			promoted := node.valueAt(splitPoint - 2)
			node.insert(loc.current().idx, separator, updatedAddress, newAddress)
			separator = promoted
		} else {
			promoted := node.valueAt(splitPoint - 1)

			node.setBranches(splitPoint)
			newNode.setBranches(maxBranches - splitPoint + 1)
			insIdx := loc.current().idx - splitPoint

			for i := 0; i < insIdx; i++ {
				newNode.setValueAt(i, node.valueAt(i+splitPoint))
			}
			newNode.setValueAt(insIdx, separator)
			for i := insIdx + 1; i < newNode.branches()-1; i++ {
				newNode.setValueAt(i, node.valueAt(i+splitPoint-1))
			}

			for i := 0; i < insIdx; i++ {
				newNode.setChildAt(i, node.childAt(i+splitPoint))
			}
			newNode.setChildAt(insIdx, updatedAddress)
			newNode.setChildAt(insIdx+1, newAddress)
			for i := insIdx + 2; i < newNode.branches(); i++ {
				newNode.setChildAt(i, node.childAt(i+splitPoint-1))
			}

			separator = promoted
		}

		newAddress, err = s.write(newBuf)
		if err != nil {
			s.release(buf)
			return flash.InvalidAddress, err
		}
		updatedAddress, err = s.write(buf)
		if err != nil {
			return flash.InvalidAddress, err
		}

		if !loc.pop() {
			break
		}
	}

	if newAddress != flash.InvalidAddress {
		newRoot, err := t.createRootNode(s, separator, updatedAddress, newAddress, t.levels)
		if err != nil {
			return flash.InvalidAddress, err
		}
		t.levels++
		return newRoot, nil
	}
	return t.propagateUpdate(s, loc, updatedAddress)
}

// write is the shared state machine behind put, insert and update.
func (t *metaTree) write(key *fullKey, value treeRef, updateAllowed, insertAllowed bool) (bool, error) {
	s := t.fs.openWrite()

	if t.root == flash.InvalidAddress {
		if !insertAllowed {
			s.closeUnupgraded()
			return false, nil
		}

		s.upgrade()
		buf, err := s.empty(0)
		if err != nil {
			s.closeUnupgraded()
			return false, err
		}
		table := t.fs.tableOf(buf)
		table.setElement(0, key, value)
		table.terminate(1)

		s.flagNextAsRoot()
		newAddress, err := s.write(buf)
		if err != nil {
			s.closeUnupgraded()
			return false, err
		}

		t.root = newAddress
		s.commit()
		return true, nil
	}

	if t.levels == 0 {
		return t.writeSingleLeaf(s, key, value, updateAllowed, insertAllowed)
	}
	return t.writeMultiLevel(s, key, value, updateAllowed, insertAllowed)
}

func (t *metaTree) writeSingleLeaf(s *rwSession, key *fullKey, value treeRef, updateAllowed, insertAllowed bool) (bool, error) {
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

	if pos.found {
		if !updateAllowed {
			s.release(buf)
			s.closeUnupgraded()
			return false, nil
		}

		table.setValue(pos.first, value)
		s.upgrade()

		s.flagNextAsRoot()
		newAddress, err := s.write(buf)
		if err != nil {
			s.closeUnupgraded()
			return false, err
		}

		t.root = newAddress
		s.commit()
		return true, nil
	}

	if !insertAllowed {
		s.release(buf)
		s.closeUnupgraded()
		return false, nil
	}

	s.upgrade()
	if length == t.fs.params.maxElements {
		newBuf, err := t.splitTable(s, table, pos.insIdx, key, value)
		if err != nil {
			s.release(buf)
			s.rollback()
			return false, err
		}

		separator := t.fs.tableOf(newBuf).elementAt(0).key.indexed

		newTableAddress, err := s.write(newBuf)
		if err != nil {
			s.release(buf)
			s.rollback()
			return false, err
		}
		tableNewAddress, err := s.write(buf)
		if err != nil {
			s.rollback()
			return false, err
		}

		newRoot, err := t.createRootNode(s, separator, tableNewAddress, newTableAddress, t.levels)
		if err != nil {
			s.rollback()
			return false, err
		}

		t.levels++
		t.root = newRoot
	} else {
		table.makeRoom(pos.insIdx, length)
		table.setElement(pos.insIdx, key, value)
		table.terminate(length + 1)

		s.flagNextAsRoot()
		newAddress, err := s.write(buf)
		if err != nil {
			s.closeUnupgraded()
			return false, err
		}

		t.root = newAddress
	}

	s.commit()
	return true, nil
}

func (t *metaTree) writeMultiLevel(s *rwSession, key *fullKey, value treeRef, updateAllowed, insertAllowed bool) (bool, error) {
	icmp := fullIndexCmp{key.indexed}

	it := &treeIterator{}
	if _, err := t.iterate(&s.roSession, it, icmp); err != nil {
		s.closeUnupgraded()
		return false, err
	}

	var buf *buffer
	place := flash.InvalidAddress

	for {
		if buf != nil {
			s.release(buf)
		}
		var err error
		buf, err = s.read(it.currentAddress)
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
			if !updateAllowed {
				s.release(buf)
				s.closeUnupgraded()
				return false, nil
			}

			table.setValue(pos.first, value)
			s.upgrade()

			newAddress, err := s.write(buf)
			if err != nil {
				s.closeUnupgraded()
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

		if insertAllowed && (place == flash.InvalidAddress || pos.insIdx != 0) {
			place = it.currentAddress
		}

		if it.hasNext() {
			if err := t.step(&s.roSession, it, icmp); err != nil {
				s.release(buf)
				s.closeUnupgraded()
				return false, err
			}
			continue
		}

		if !insertAllowed {
			s.release(buf)
			s.closeUnupgraded()
			return false, nil
		}

		// Insert into the last scanned leaf that holds an entry smaller than
		// the key (the first scanned leaf if none does); walk back to it if
		// the scan moved beyond.
		if place != it.currentAddress {
			if _, err := t.iterate(&s.roSession, it, icmp); err != nil {
				s.release(buf)
				s.closeUnupgraded()
				return false, err
			}
			for it.currentAddress != place {
				if err := t.step(&s.roSession, it, icmp); err != nil {
					s.release(buf)
					s.closeUnupgraded()
					return false, err
				}
			}

			s.release(buf)
			buf, err = s.read(it.currentAddress)
			if err != nil {
				s.closeUnupgraded()
				return false, err
			}
			table = t.fs.tableOf(buf)
			length = table.length()
			pos = bisectFind(length,
				func(i int) bool { e := table.elementAt(i); return e.key.greaterThan(key) },
				func(i int) bool { e := table.elementAt(i); return e.key.equals(key) })
		}

		if length == t.fs.params.maxElements {
			s.upgrade()
			newBuf, err := t.splitTable(s, table, pos.insIdx, key, value)
			if err != nil {
				s.release(buf)
				s.rollback()
				return false, err
			}

			separator := t.fs.tableOf(newBuf).elementAt(0).key.indexed

			newTableAddress, err := s.write(newBuf)
			if err != nil {
				s.release(buf)
				s.rollback()
				return false, err
			}
			tableNewAddress, err := s.write(buf)
			if err != nil {
				s.rollback()
				return false, err
			}

			newRoot, err := t.splitEntry(s, &it.loc, separator, tableNewAddress, newTableAddress)
			if err != nil {
				s.rollback()
				return false, err
			}

			t.root = newRoot
		} else {
			table.makeRoom(pos.insIdx, length)
			table.setElement(pos.insIdx, key, value)
			table.terminate(length + 1)

			s.upgrade()
			newAddress, err := s.write(buf)
			if err != nil {
				s.closeUnupgraded()
				return false, err
			}

			newRoot, err := t.updateOne(s, &it.loc, newAddress)
			if err != nil {
				s.rollback()
				return false, err
			}

			t.root = newRoot
		}

		s.commit()
		return true, nil
	}
}

// put inserts or updates.
func (t *metaTree) put(key *fullKey, value treeRef) (bool, error) {
	return t.write(key, value, true, true)
}

// insert fails (returns false) when the key exists.
func (t *metaTree) insert(key *fullKey, value treeRef) (bool, error) {
	return t.write(key, value, false, true)
}

// update fails (returns false) when the key is missing.
func (t *metaTree) update(key *fullKey, value treeRef) (bool, error) {
	return t.write(key, value, true, false)
}
