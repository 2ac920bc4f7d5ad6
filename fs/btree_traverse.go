package fs

import (
	"github.com/intellect4all/flashfs/flash"
)

// treeVisitor inspects one reachable page of the tree. It returns the
// address to put in the page's place: the same address leaves the tree
// alone, a different one rewrites the parent path, InvalidAddress aborts.
type treeVisitor func(addr flash.Address, level uint32) flash.Address

// traverse walks the tree post-order, leaves first. When the visitor swaps
// an address the walk stops and the path back to the root is rewritten
// copy-on-write; the final write is flagged as the new root.
func (t *metaTree) traverse(s *rwSession, visit treeVisitor) (bool, error) {
	var stack []flash.Address
	update := false
	currAddress := t.root
	newAddress := flash.InvalidAddress

	if t.levels == 0 {
		if t.root == flash.InvalidAddress {
			return false, nil
		}
		newAddress = visit(t.root, 0)
		update = newAddress != t.root
	} else {
		currLevel := int32(t.levels)

		for {
			stack = append(stack, currAddress)
			if currLevel == 1 {
				break
			}
			buf, err := s.read(currAddress)
			if err != nil {
				return false, err
			}
			currAddress = t.fs.nodeOf(buf).childAt(0)
			s.release(buf)
			currLevel--
		}

		for len(stack) > 0 {
			if currLevel == 1 {
				currAddress = stack[len(stack)-1]
				buf, err := s.read(currAddress)
				if err != nil {
					return false, err
				}
				node := t.fs.nodeOf(buf)

				for i := 0; i < node.branches(); i++ {
					child := node.childAt(i)
					newAddress = visit(child, 0)
					update = newAddress != child
					if update {
						s.release(buf)
						currAddress = child
						break
					}
				}
				if update {
					break
				}

				s.release(buf)
				stack = stack[:len(stack)-1]

				newAddress = visit(currAddress, 1)
				update = newAddress != currAddress
				if update {
					break
				}
				currLevel++
			} else {
				buf, err := s.read(stack[len(stack)-1])
				if err != nil {
					return false, err
				}
				node := t.fs.nodeOf(buf)

				childIndex := -1
				for i := 0; i < node.branches(); i++ {
					if node.childAt(i) == currAddress {
						childIndex = i
						break
					}
				}

				currAddress = stack[len(stack)-1]

				if childIndex == node.branches()-1 {
					// coming back from the last child, go up
					s.release(buf)
					stack = stack[:len(stack)-1]

					newAddress = visit(currAddress, uint32(currLevel))
					update = newAddress != currAddress
					if update {
						break
					}
					currLevel++
				} else {
					// coming from below: the next sibling; coming from the
					// top: childIndex is -1, so the first child
					next := node.childAt(childIndex + 1)
					s.release(buf)
					stack = append(stack, next)
					currLevel--
				}
			}
		}
	}

	if newAddress != flash.InvalidAddress && update {
		for len(stack) > 0 {
			buf, err := s.read(stack[len(stack)-1])
			if err != nil {
				return false, err
			}
			node := t.fs.nodeOf(buf)

			found := false
			for i := 0; i < node.branches(); i++ {
				if node.childAt(i) == currAddress {
					node.setChildAt(i, newAddress)
					found = true
					break
				}
			}
			if !found {
				panic("node not found during traverse update")
			}

			if len(stack) == 1 {
				s.flagNextAsRoot()
			}
			written, err := s.write(buf)
			if err != nil {
				return false, err
			}

			newAddress = written
			currAddress = stack[len(stack)-1]
			stack = stack[:len(stack)-1]
		}

		t.root = newAddress
		return true, nil
	}

	return false, nil
}

// purge disposes every page of the tree.
func (t *metaTree) purge() error {
	s := t.fs.openWrite()
	s.upgrade()

	_, err := t.traverse(s, func(addr flash.Address, level uint32) flash.Address {
		s.disposeAddress(addr)
		return addr
	})
	if err != nil {
		s.rollback()
		return err
	}

	t.root = flash.InvalidAddress
	t.levels = 0

	s.commit()
	return nil
}

// relocate moves the page at *page to a fresh address if the tree owns it,
// rewriting the parent path. At most one page moves per call.
func (t *metaTree) relocate(page *flash.Address) (bool, error) {
	s := t.fs.openWrite()
	s.upgrade()

	moved, err := t.traverse(s, func(addr flash.Address, level uint32) flash.Address {
		if addr == *page {
			buf, rerr := s.read(addr)
			if rerr != nil {
				return flash.InvalidAddress
			}
			if *page == t.root {
				s.flagNextAsRoot()
			}
			written, werr := s.write(buf)
			if werr != nil {
				return flash.InvalidAddress
			}
			*page = written
			return written
		}
		return addr
	})
	if err != nil {
		s.rollback()
		return false, err
	}
	if moved {
		s.commit()
		return true, nil
	}
	s.closeUnupgraded()
	return false, nil
}
