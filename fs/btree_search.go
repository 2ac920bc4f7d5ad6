package fs

import (
	"github.com/intellect4all/flashfs/flash"
)

// checkTable scans one leaf for candidate entries and feeds them to the
// handler. Returns true when the handler accepted one.
func (t *metaTree) checkTable(s *roSession, address flash.Address, key *fullKey, value *treeRef, kcmp elementComparator, handler matchHandler) (bool, error) {
	buf, err := s.read(address)
	if err != nil {
		return false, err
	}
	table := t.fs.tableOf(buf)
	length := table.length()

	pos := bisectFind(length,
		func(i int) bool { e := table.elementAt(i); return kcmp.greater(&e) },
		func(i int) bool { e := table.elementAt(i); return kcmp.matches(&e) })

	if pos.found {
		for i := pos.first; i <= pos.last; i++ {
			e := table.elementAt(i)
			if !handler.onMatch(&e, key, value) {
				s.release(buf)
				return true, nil
			}
		}
	}
	s.release(buf)
	return false, nil
}

// search runs the two-comparator lookup: the index comparator picks the leaf
// range to visit, the element comparator picks the candidates inside each
// leaf, the handler decides which candidate wins. Exact lookups, prefix range
// scans and full scans are all this one routine with different comparators.
func (t *metaTree) search(key *fullKey, value *treeRef, icmp indexComparator, kcmp elementComparator, handler matchHandler) (bool, error) {
	s := t.fs.openRead()
	defer s.close()

	if t.levels == 0 {
		if t.root == flash.InvalidAddress {
			return false, nil
		}
		return t.checkTable(s, t.root, key, value, kcmp, handler)
	}

	it := &treeIterator{}
	if _, err := t.iterate(s, it, icmp); err != nil {
		return false, err
	}

	for it.currentAddress != flash.InvalidAddress {
		hit, err := t.checkTable(s, it.currentAddress, key, value, kcmp, handler)
		if err != nil {
			return false, err
		}
		if hit {
			return true, nil
		}
		if err := t.step(s, it, icmp); err != nil {
			return false, err
		}
	}
	return false, nil
}

// get is the exact lookup on the full compound key.
func (t *metaTree) get(key *fullKey, value *treeRef) (bool, error) {
	return t.search(key, value, fullIndexCmp{key.indexed}, fullKeyCmp{key}, defaultMatchHandler{})
}
