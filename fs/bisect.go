package fs

// bisectResult is the outcome of a range binary search: either the inclusive
// [first, last] span of matching positions, or the insertion point for a
// missing key.
type bisectResult struct {
	found  bool
	first  int
	last   int
	insIdx int
}

func (r bisectResult) single() bool {
	return r.first == r.last
}

// bisectFind locates the matching range in a sorted sequence of n entries.
// The two predicates partition the sequence into [smaller][matching][greater]
// runs; greater(i) must be true exactly for the trailing run, matches(i) for
// the middle one. Comparators that match on a key prefix keep this shape, so
// the same search serves exact lookups and range scans.
func bisectFind(n int, greater func(int) bool, matches func(int) bool) bisectResult {
	lo, hi := 0, n
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if greater(mid) || matches(mid) {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	if lo >= n || !matches(lo) {
		return bisectResult{insIdx: lo}
	}

	first := lo
	lo, hi = first+1, n
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if greater(mid) {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return bisectResult{found: true, first: first, last: lo - 1, insIdx: first}
}

// indexComparator steers descent through internal nodes.
type indexComparator interface {
	greater(subject indexKey) bool
	matches(subject indexKey) bool
}

// elementComparator selects candidate entries inside a leaf.
type elementComparator interface {
	greater(subject *element) bool
	matches(subject *element) bool
}

// matchHandler consumes candidate entries; returning false stops the search
// with a hit.
type matchHandler interface {
	onMatch(e *element, key *fullKey, value *treeRef) bool
}

// fullIndexCmp compares complete index keys.
type fullIndexCmp struct {
	key indexKey
}

func (c fullIndexCmp) greater(subject indexKey) bool { return subject.greaterThan(c.key) }
func (c fullIndexCmp) matches(subject indexKey) bool { return subject == c.key }

// fullKeyCmp compares complete primary keys.
type fullKeyCmp struct {
	key *fullKey
}

func (c fullKeyCmp) greater(subject *element) bool { return subject.key.greaterThan(c.key) }
func (c fullKeyCmp) matches(subject *element) bool { return subject.key.equals(c.key) }

// parentIndexCmp scans every entry sharing the parent, regardless of hash.
type parentIndexCmp struct {
	parentID uint32
}

func (c parentIndexCmp) greater(subject indexKey) bool { return subject.parentID > c.parentID }
func (c parentIndexCmp) matches(subject indexKey) bool { return subject.parentID == c.parentID }

// parentKeyCmp is the leaf-side companion of parentIndexCmp.
type parentKeyCmp struct {
	key *fullKey
}

func (c parentKeyCmp) greater(subject *element) bool {
	return subject.key.indexed.parentID > c.key.indexed.parentID
}

func (c parentKeyCmp) matches(subject *element) bool {
	return subject.key.indexed.parentID == c.key.indexed.parentID
}

// nextSiblingCmp matches entries under the same parent that order strictly
// after the reference key.
type nextSiblingCmp struct {
	key *fullKey
}

func (c nextSiblingCmp) greater(subject *element) bool {
	return subject.key.indexed.parentID > c.key.indexed.parentID
}

func (c nextSiblingCmp) matches(subject *element) bool {
	return subject.key.indexed.parentID == c.key.indexed.parentID && subject.key.greaterThan(c.key)
}

// defaultMatchHandler takes the first candidate.
type defaultMatchHandler struct{}

func (defaultMatchHandler) onMatch(e *element, key *fullKey, value *treeRef) bool {
	*key = e.key
	if value != nil {
		*value = e.value
	}
	return false
}

// byIDMatchHandler walks the candidates until the wanted id shows up.
type byIDMatchHandler struct{}

func (byIDMatchHandler) onMatch(e *element, key *fullKey, value *treeRef) bool {
	if e.key.id == key.id {
		*key = e.key
		if value != nil {
			*value = e.value
		}
		return false
	}
	return true
}
