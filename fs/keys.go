package fs

import (
	"hash/fnv"

	"github.com/intellect4all/flashfs/flash"
)

const (
	invalidID = ^uint32(0)
	// noData in the size field marks a directory entry.
	noData = ^uint32(0)
)

// indexKey is the projection of the full key used in B+tree internal
// separators: entries with equal index keys are contiguous in the leaves, so
// listing a directory is an index-bounded range scan.
type indexKey struct {
	parentID uint32
	hash     uint32
}

func (k indexKey) greaterThan(than indexKey) bool {
	if k.parentID == than.parentID {
		return k.hash > than.hash
	}
	return k.parentID > than.parentID
}

// fullKey is the compound primary key of a namespace entry. The name breaks
// hash collisions; the id identifies the node but takes no part in ordering
// or equality.
type fullKey struct {
	indexed indexKey
	id      uint32
	name    string
}

func nameHash(name string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(name))
	return h.Sum32()
}

// set fills the key for a lookup of name under the given parent. The stored
// name is capped at the configured maximum but the hash covers all of it.
func (k *fullKey) set(name string, parentID uint32, maxLen int) {
	k.indexed.parentID = parentID
	k.indexed.hash = nameHash(name)
	if len(name) > maxLen {
		name = name[:maxLen]
	}
	k.name = name
}

func (k *fullKey) greaterThan(than *fullKey) bool {
	if k.indexed == than.indexed {
		return k.name > than.name
	}
	return k.indexed.greaterThan(than.indexed)
}

func (k *fullKey) equals(to *fullKey) bool {
	return k.indexed == to.indexed && k.name == to.name
}

// treeRef is the stored value of a namespace entry: the blob tree of the
// file it names. size == noData means the entry is a directory.
type treeRef struct {
	root flash.Address
	size uint32
}
