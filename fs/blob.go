package fs

import (
	"github.com/pkg/errors"

	"github.com/intellect4all/flashfs/common"
	"github.com/intellect4all/flashfs/flash"
)

// A file's content is an indexed tree of data pages: the tree's shape is a
// pure function of the file size, and page index i resolves through the
// base-B digits of i, most significant first. Data pages carry level -1,
// index tables -2 and below; every blob page's tail names the owning file so
// the garbage collector can find its way back to the tree.

// blobTree is the persistent part of a file: the root page and byte size.
type blobTree struct {
	root flash.Address
	size uint32
}

func (bt *blobTree) hasData() bool {
	return bt.size != noData
}

func (bt *blobTree) ref() treeRef {
	return treeRef{root: bt.root, size: bt.size}
}

func (bt *blobTree) setRef(v treeRef) {
	bt.root = v.root
	bt.size = v.size
}

// readPage descends to the data page holding the given page index and
// returns it pinned.
func (n *Node) readPage(page uint32) (*buffer, error) {
	p := n.fs.params

	if page*p.payload >= n.size || n.root == flash.InvalidAddress {
		return nil, errors.Wrapf(common.ErrRead, "page %d beyond file end", page)
	}

	s := n.openRead()
	defer s.close()

	address := n.root
	for level := p.highestLevel((n.size - 1) / p.payload); level >= 0; level-- {
		buf, err := s.read(address)
		if err != nil {
			return nil, err
		}
		child := n.fs.addrsOf(buf).at(p.levelOffset(page, level))
		s.release(buf)
		address = child
	}

	return s.read(address)
}

// emptyPage hands out a fresh data page buffer for the caller to fill.
func (n *Node) emptyPage() (*buffer, error) {
	s := n.openWrite()
	s.upgrade()

	buf, err := s.empty(0)
	if err != nil {
		s.closeUnupgraded()
		return nil, err
	}

	s.commit()
	return buf, nil
}

// release drops a pinned page unchanged.
func (n *Node) release(buf *buffer) {
	s := n.fs.openRead()
	s.release(buf)
	s.close()
}

// update appends or overwrites one data page and commits the grown tree.
// The new size must not shrink the file; writing past the page right after
// the current end is an invalid seek, as is anything that would deepen the
// tree by more than one level at once.
func (n *Node) update(page, newSize uint32, buf *buffer) error {
	p := n.fs.params
	s := n.openWrite()

	if !n.hasData() {
		s.release(buf)
		s.closeUnupgraded()
		return common.ErrIsDirectory
	}

	if newSize < n.size {
		newSize = n.size
	}

	var written flash.Address
	var err error

	if n.size == 0 {
		if page != 0 {
			s.release(buf)
			s.closeUnupgraded()
			return common.ErrInvalidSeek
		}

		s.upgrade()
		written, err = s.write(buf)
		if err != nil {
			s.rollback()
			return err
		}
	} else {
		oldLastPage := (n.size - 1) / p.payload

		if page > oldLastPage+1 {
			s.release(buf)
			s.closeUnupgraded()
			return common.ErrInvalidSeek
		}

		oldLevels := p.highestLevel(oldLastPage)
		newLevels := p.highestLevel(page)

		if newLevels > oldLevels {
			if newLevels != oldLevels+1 {
				s.release(buf)
				s.closeUnupgraded()
				return common.ErrInvalidSeek
			}
			written, err = n.updateDeeper(s, newLevels, buf)
		} else {
			written, err = n.updateWithin(s, page, oldLastPage, oldLevels, buf)
		}
		if err != nil {
			return err
		}
	}

	n.size = newSize
	n.root = written
	s.commit()
	return nil
}

// updateDeeper grows the tree one level: a chain of fresh index pages down
// to the new data page, and a new top page holding the old root in slot 0.
func (n *Node) updateDeeper(s *rwSession, newLevels int32, buf *buffer) (flash.Address, error) {
	s.upgrade()

	written, err := s.write(buf)
	if err != nil {
		s.rollback()
		return flash.InvalidAddress, err
	}

	for level := int32(0); level < newLevels; level++ {
		table, err := s.empty(level + 1)
		if err != nil {
			s.rollback()
			return flash.InvalidAddress, err
		}
		n.fs.addrsOf(table).set(0, written)
		written, err = s.write(table)
		if err != nil {
			s.rollback()
			return flash.InvalidAddress, err
		}
	}

	top, err := s.empty(newLevels + 1)
	if err != nil {
		s.rollback()
		return flash.InvalidAddress, err
	}
	topTable := n.fs.addrsOf(top)
	topTable.set(0, n.root)
	topTable.set(1, written)

	written, err = s.write(top)
	if err != nil {
		s.rollback()
		return flash.InvalidAddress, err
	}
	return written, nil
}

// updateWithin rewrites the path to the page inside the existing depth. The
// walk records one address per index level; where the path leaves the
// instantiated part of the tree the stack holds InvalidAddress and fresh
// pages are allocated on the way back up.
func (n *Node) updateWithin(s *rwSession, page, oldLastPage uint32, oldLevels int32, buf *buffer) (flash.Address, error) {
	p := n.fs.params

	level := oldLevels
	var addresses []flash.Address
	address := n.root

	for level >= 0 {
		maxIdx := p.levelOffset(oldLastPage, level)
		idx := p.levelOffset(page, level)
		level--

		addresses = append(addresses, address)

		if idx > maxIdx {
			// entering uninstantiated subtree
			for level >= 0 {
				level--
				addresses = append(addresses, flash.InvalidAddress)
			}
			break
		}

		if level < 0 {
			break
		}

		table, err := s.read(address)
		if err != nil {
			s.release(buf)
			s.rollback()
			return flash.InvalidAddress, err
		}
		address = n.fs.addrsOf(table).at(idx)
		s.release(table)

		if idx != maxIdx {
			break
		}
	}

	for ; level >= 0; level-- {
		addresses = append(addresses, address)
		if level == 0 {
			break
		}

		table, err := s.read(address)
		if err != nil {
			s.release(buf)
			s.rollback()
			return flash.InvalidAddress, err
		}
		address = n.fs.addrsOf(table).at(p.levelOffset(page, level))
		s.release(table)
	}

	s.upgrade()

	written, err := s.write(buf)
	if err != nil {
		s.rollback()
		return flash.InvalidAddress, err
	}

	for l := int32(0); len(addresses) > 0; l++ {
		top := addresses[len(addresses)-1]
		addresses = addresses[:len(addresses)-1]

		var table *buffer
		if top != flash.InvalidAddress {
			table, err = s.read(top)
		} else {
			table, err = s.empty(l + 1)
		}
		if err != nil {
			s.rollback()
			return flash.InvalidAddress, err
		}

		n.fs.addrsOf(table).set(p.levelOffset(page, l), written)
		written, err = s.write(table)
		if err != nil {
			s.rollback()
			return flash.InvalidAddress, err
		}
	}

	return written, nil
}

// blobFrame is one level of an in-progress blob traversal, enough state to
// resume after the visitor rewrites a subtree.
type blobFrame struct {
	address     flash.Address
	idx         uint32
	maxIdx      uint32
	lastOnLevel bool
}

// traverseBlob walks every reachable page post-order. Visitor levels count
// upwards from the data: 0 for data pages, 1 for the lowest index tables.
// The same replace/abort contract as the metadata tree traversal applies.
func (n *Node) traverseBlob(s *rwSession, visit func(addr flash.Address, level uint32) flash.Address) (bool, error) {
	p := n.fs.params

	if n.size == 0 {
		return true, nil
	}

	lastPage := (n.size - 1) / p.payload
	indexLevel := p.highestLevel(lastPage)
	update := false
	newAddress := flash.InvalidAddress

	var frames []blobFrame

	if indexLevel == -1 {
		newAddress = visit(n.root, 0)
		update = newAddress != n.root
	} else {
		frames = append(frames, blobFrame{
			address:     n.root,
			maxIdx:      p.levelOffset(lastPage, indexLevel),
			lastOnLevel: true,
		})

		for len(frames) > 0 {
			cur := &frames[len(frames)-1]

			if indexLevel == 0 {
				buf, err := s.read(cur.address)
				if err != nil {
					return false, err
				}
				table := n.fs.addrsOf(buf)

				for cur.idx = 0; cur.idx <= cur.maxIdx; cur.idx++ {
					child := table.at(cur.idx)
					newAddress = visit(child, 0)
					if newAddress != child {
						s.release(buf)
						update = true
						cur.idx++
						break
					}
				}
				if update {
					break
				}

				indexLevel = 1
				s.release(buf)

				addr := cur.address
				frames = frames[:len(frames)-1]

				newAddress = visit(addr, 1)
				if newAddress != addr {
					update = true
					break
				}
			} else {
				buf, err := s.read(cur.address)
				if err != nil {
					return false, err
				}
				table := n.fs.addrsOf(buf)

				if cur.idx <= cur.maxIdx {
					child := table.at(cur.idx)
					s.release(buf)

					indexLevel--

					next := blobFrame{address: child}
					if cur.lastOnLevel && cur.idx == cur.maxIdx {
						next.lastOnLevel = true
						next.maxIdx = p.levelOffset(lastPage, indexLevel)
					} else {
						next.maxIdx = p.base - 1
					}
					cur.idx++

					frames = append(frames, next)
				} else {
					s.release(buf)
					indexLevel++

					addr := cur.address
					frames = frames[:len(frames)-1]

					newAddress = visit(addr, uint32(indexLevel))
					if newAddress != addr {
						update = true
						break
					}
				}
			}
		}
	}

	if newAddress != flash.InvalidAddress && update {
		for len(frames) > 0 {
			cur := frames[len(frames)-1]

			buf, err := s.read(cur.address)
			if err != nil {
				return false, err
			}
			n.fs.addrsOf(buf).set(cur.idx-1, newAddress)

			written, err := s.write(buf)
			if err != nil {
				return false, err
			}

			newAddress = written
			frames = frames[:len(frames)-1]
		}

		n.root = newAddress
		return true, nil
	}

	return false, nil
}

// dispose drops every page of the file's tree and leaves the node a bare
// directory-like shell for its caller to unlink.
func (n *Node) dispose() error {
	s := n.openWrite()
	s.upgrade()

	_, err := n.traverseBlob(s, func(addr flash.Address, level uint32) flash.Address {
		s.disposeAddress(addr)
		return addr
	})
	if err != nil {
		s.rollback()
		return err
	}

	n.root = flash.InvalidAddress
	n.size = noData

	s.commit()
	return nil
}

// relocate moves the page at *page to a fresh address if this file owns it.
func (n *Node) relocate(page *flash.Address) (bool, error) {
	s := n.openWrite()
	s.upgrade()

	moved, err := n.traverseBlob(s, func(addr flash.Address, level uint32) flash.Address {
		if addr == *page {
			buf, rerr := s.read(addr)
			if rerr != nil {
				return flash.InvalidAddress
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
