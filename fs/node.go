package fs

import (
	"github.com/intellect4all/flashfs/flash"
)

// Node is one entry of the namespace: a directory or a file together with
// its position (parent and name). A node is borrowed from the filesystem; it
// carries the owning Fs so blob operations can reach the shared storage.
// Nodes with an open stream are tracked in the filesystem's open list and
// the garbage collector works on those live instances directly.
type Node struct {
	blobTree
	key   fullKey
	fs    *Fs
	dirty bool
	refs  uint32
}

// Name returns the entry's name; empty for the root directory.
func (n *Node) Name() string {
	return n.key.name
}

// ID returns the node id; 0 is the root directory.
func (n *Node) ID() uint32 {
	return n.key.id
}

func (n *Node) IsDirectory() bool {
	return !n.hasData()
}

// Size returns the byte length of a file's content.
func (n *Node) Size() uint32 {
	if !n.hasData() {
		return 0
	}
	return n.size
}

// initialize resets the content reference: an empty file or no data at all.
func (n *Node) initialize(isFile bool) {
	n.root = flash.InvalidAddress
	if isFile {
		n.size = 0
	} else {
		n.size = noData
	}
}
