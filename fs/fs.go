package fs

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/intellect4all/flashfs/common"
	"github.com/intellect4all/flashfs/flash"
)

// Fs is a mounted filesystem instance.
type Fs struct {
	cfg    Config
	geo    flash.Geometry
	params *params
	dev    flash.Device

	pool  *bufferPool
	alloc *allocator
	meta  metaTree

	lock sessionLock

	maxIDMu sync.Mutex
	maxID   uint32

	// updateCounter stamps root-producing metadata writes; only mutated
	// under the exclusive session lock.
	updateCounter uint32

	nodesMu   sync.Mutex
	openNodes map[uint32]*Node

	gcMu     sync.Mutex
	inGC     atomic.Bool
	readonly atomic.Bool
	gcRuns   atomic.Int64

	// tempNode serves mount and GC lookups of nodes nobody holds open.
	tempNode Node
}

// New builds an unmounted filesystem over the device. Call Mount before
// anything else.
func New(dev flash.Device, cfg Config) (*Fs, error) {
	geo := dev.Geometry()
	p, err := deriveParams(geo, cfg)
	if err != nil {
		return nil, err
	}

	var lock sessionLock = &mutexLock{}
	if cfg.SharedReaders {
		lock = &rwSessionLock{}
	}

	fs := &Fs{
		cfg:       cfg,
		geo:       geo,
		params:    p,
		dev:       dev,
		lock:      lock,
		openNodes: make(map[uint32]*Node),
	}
	fs.alloc = newAllocator(dev, cfg.MaxMetaLevels, cfg.MaxFileLevels)
	fs.pool = newBufferPool(dev, fs.alloc, cfg.NumBuffers)
	fs.meta = metaTree{fs: fs, root: flash.InvalidAddress}
	return fs, nil
}

// Stats returns a point-in-time view of the engine counters.
func (fs *Fs) Stats() common.Stats {
	return common.Stats{
		PageReads:    fs.pool.pageReads.Load(),
		PageWrites:   fs.pool.pageWrites.Load(),
		DeviceBlocks: int(fs.geo.DeviceSize),
		SpareBlocks:  int(fs.alloc.spare),
		GCRuns:       fs.gcRuns.Load(),
	}
}

// Flush writes every dirty cached page to the device. Call it before
// dropping the instance if the image should be remountable.
func (fs *Fs) Flush() error {
	return fs.pool.flush()
}

// FetchRoot points the node at the root directory.
func (fs *Fs) FetchRoot(n *Node) error {
	n.key.set("", invalidID, fs.params.nameLen)
	n.key.id = 0
	n.initialize(false)
	n.fs = fs
	return nil
}

// FetchChildByName resolves a child of the directory the node points at; on
// success the node points at the child.
func (fs *Fs) FetchChildByName(n *Node, name string) error {
	if n.key.id == invalidID {
		return common.ErrInvalidArgument
	}

	n.key.set(name, n.key.id, fs.params.nameLen)

	var value treeRef
	found, err := fs.meta.get(&n.key, &value)
	if err != nil {
		return err
	}
	if !found {
		return common.ErrNoSuchEntry
	}

	n.setRef(value)
	n.fs = fs
	return nil
}

// fetchByID looks a node up by parent and id; the scan walks every entry of
// the parent because the id is not part of the index.
func (fs *Fs) fetchByID(n *Node, parent, id uint32) error {
	if n.key.id == invalidID {
		return common.ErrInvalidArgument
	}

	n.key.indexed.parentID = parent
	n.key.id = id

	var value treeRef
	found, err := fs.meta.search(&n.key, &value,
		parentIndexCmp{parent}, parentKeyCmp{&n.key}, byIDMatchHandler{})
	if err != nil {
		return err
	}
	if !found {
		return common.ErrNoSuchEntry
	}

	n.setRef(value)
	n.fs = fs
	return nil
}

// FetchChildByID resolves a child of the directory the node points at by id.
func (fs *Fs) FetchChildByID(n *Node, id uint32) error {
	return fs.fetchByID(n, n.key.id, id)
}

// FetchFirstChild moves the node to some child of the directory it points
// at; ErrNoSuchEntry when the directory is empty.
func (fs *Fs) FetchFirstChild(n *Node) error {
	if n.key.id == invalidID {
		return common.ErrInvalidArgument
	}
	if n.hasData() {
		return common.ErrIsNotDirectory
	}

	n.key.indexed.parentID = n.key.id

	var value treeRef
	found, err := fs.meta.search(&n.key, &value,
		parentIndexCmp{n.key.indexed.parentID}, parentKeyCmp{&n.key}, defaultMatchHandler{})
	if err != nil {
		return err
	}
	if !found {
		return common.ErrNoSuchEntry
	}

	n.setRef(value)
	n.fs = fs
	return nil
}

// FetchNextSibling moves the node to the next entry under the same parent;
// ErrNoSuchEntry when the node was the last one.
func (fs *Fs) FetchNextSibling(n *Node) error {
	if n.key.id == invalidID {
		return common.ErrInvalidArgument
	}

	var value treeRef
	found, err := fs.meta.search(&n.key, &value,
		parentIndexCmp{n.key.indexed.parentID}, nextSiblingCmp{&n.key}, defaultMatchHandler{})
	if err != nil {
		return err
	}
	if !found {
		return common.ErrNoSuchEntry
	}

	n.setRef(value)
	n.fs = fs
	return nil
}

// addNew creates a child under the directory the node points at; on success
// the node points at the new entry.
func (fs *Fs) addNew(n *Node, name string, isFile bool) error {
	if n.key.id == invalidID {
		return common.ErrInvalidArgument
	}
	if n.hasData() {
		return common.ErrIsNotDirectory
	}
	if fs.readonly.Load() {
		return common.ErrReadOnlyFs
	}

	n.key.set(name, n.key.id, fs.params.nameLen)

	fs.maxIDMu.Lock()
	n.key.id = fs.maxID
	n.initialize(isFile)

	inserted, err := fs.meta.insert(&n.key, n.ref())
	if err != nil {
		fs.maxIDMu.Unlock()
		return err
	}
	if !inserted {
		fs.maxIDMu.Unlock()
		return errors.Wrapf(common.ErrAlreadyExists, "%q", name)
	}
	fs.maxID++
	fs.maxIDMu.Unlock()

	n.fs = fs
	return nil
}

// NewDirectory creates a directory under the node's directory.
func (fs *Fs) NewDirectory(n *Node, name string) error {
	return fs.addNew(n, name, false)
}

// NewFile creates an empty file under the node's directory.
func (fs *Fs) NewFile(n *Node, name string) error {
	return fs.addNew(n, name, true)
}

// RemoveNode unlinks the entry the node points at. Files lose their content
// first; directories must be empty.
func (fs *Fs) RemoveNode(n *Node) error {
	if n.key.id == 0 || n.key.id == invalidID {
		return common.ErrInvalidArgument
	}
	if fs.readonly.Load() {
		return common.ErrReadOnlyFs
	}

	if n.hasData() {
		if err := n.dispose(); err != nil {
			return err
		}
	} else {
		current := n.key.id
		parentID := n.key.indexed.parentID

		err := fs.FetchFirstChild(n)
		if err == nil {
			return common.ErrNotEmpty
		}
		if !errors.Is(err, common.ErrNoSuchEntry) {
			return err
		}

		if err := fs.fetchByID(n, parentID, current); err != nil {
			return err
		}
	}

	removed, err := fs.meta.remove(&n.key, nil)
	if err != nil {
		return err
	}
	if !removed {
		return common.ErrNoSuchEntry
	}
	return nil
}
