package fs

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/intellect4all/flashfs/common"
	"github.com/intellect4all/flashfs/flash"
)

// sessionLock serializes sessions against the filesystem root. The default
// backend is a plain mutex, which makes every session exclusive; the rwLock
// backend admits concurrent readers and takes the write lock at read-write
// session open, so upgrading is a no-op in both.
type sessionLock interface {
	readerEnter()
	readerLeave()
	writerEnter()
	writerUpgrade()
	writerLeaveUpgraded()
	writerLeaveUnupgraded()
}

type mutexLock struct {
	mu sync.Mutex
}

func (l *mutexLock) readerEnter()           { l.mu.Lock() }
func (l *mutexLock) readerLeave()           { l.mu.Unlock() }
func (l *mutexLock) writerEnter()           { l.mu.Lock() }
func (l *mutexLock) writerUpgrade()         {}
func (l *mutexLock) writerLeaveUpgraded()   { l.mu.Unlock() }
func (l *mutexLock) writerLeaveUnupgraded() { l.mu.Unlock() }

type rwSessionLock struct {
	mu sync.RWMutex
}

func (l *rwSessionLock) readerEnter()           { l.mu.RLock() }
func (l *rwSessionLock) readerLeave()           { l.mu.RUnlock() }
func (l *rwSessionLock) writerEnter()           { l.mu.Lock() }
func (l *rwSessionLock) writerUpgrade()         {}
func (l *rwSessionLock) writerLeaveUpgraded()   { l.mu.Unlock() }
func (l *rwSessionLock) writerLeaveUnupgraded() { l.mu.Unlock() }

// roSession is a read-only view of the store: buffered page reads only.
type roSession struct {
	fs   *Fs
	node *Node // nil for metadata sessions, the owning file for blob sessions
}

// rwSession adds the transaction state. garbage holds addresses reclaimed
// inside this transaction (a rollback claims them back); newish holds addresses produced inside it (a rollback
// reclaims those).
type rwSession struct {
	roSession
	garbage  []flash.Address
	newish   []flash.Address
	addSeq   bool
	unlocked bool // mount runs before any concurrent user and skips the lock
}

func (fs *Fs) openRead() *roSession {
	fs.lock.readerEnter()
	return &roSession{fs: fs}
}

func (s *roSession) close() {
	s.fs.lock.readerLeave()
}

func (fs *Fs) openWrite() *rwSession {
	fs.lock.writerEnter()
	return &rwSession{roSession: roSession{fs: fs}}
}

func (n *Node) openRead() *roSession {
	n.fs.lock.readerEnter()
	return &roSession{fs: n.fs, node: n}
}

func (n *Node) openWrite() *rwSession {
	n.fs.lock.writerEnter()
	return &rwSession{roSession: roSession{fs: n.fs, node: n}}
}

// mountSession builds a read-write session without touching the root lock;
// only the mount scan may use it.
func (fs *Fs) mountSession(node *Node) *rwSession {
	return &rwSession{roSession: roSession{fs: fs, node: node}, unlocked: true}
}

func (s *rwSession) upgrade() {
	if !s.unlocked {
		s.fs.lock.writerUpgrade()
	}
}

// closeUnupgraded ends a read-write session that never wrote anything.
func (s *rwSession) closeUnupgraded() {
	if !s.unlocked {
		s.fs.lock.writerLeaveUnupgraded()
	}
}

func (s *roSession) read(addr flash.Address) (*buffer, error) {
	return s.fs.pool.find(addr)
}

func (s *roSession) release(b *buffer) {
	s.fs.pool.release(b, bufClean)
}

// empty hands out a fresh writable buffer tagged with the level. For blob
// sessions the level argument counts index levels from the data upwards and
// the page tail is stamped with the owning file.
func (s *rwSession) empty(level int32) (*buffer, error) {
	b, err := s.fs.pool.find(flash.InvalidAddress)
	if err != nil {
		return nil, err
	}
	if s.node != nil {
		b.setLevel(-1 - level)
		b.setFileID(s.node.key.id)
		b.setParentID(s.node.key.indexed.parentID)
	} else {
		b.setLevel(level)
	}
	return b, nil
}

// write releases the buffer dirty, which assigns its copy-on-write address.
// Metadata pages get their sequence tail stamped here: zero normally, the
// filesystem update counter when the page was flagged as the next root.
func (s *rwSession) write(b *buffer) (flash.Address, error) {
	if s.node == nil {
		if s.addSeq {
			b.setSequence(s.fs.updateCounter)
		} else {
			b.setSequence(0)
		}
	}

	oldAddress := b.addr
	ret := s.fs.pool.release(b, bufDirty)
	if ret == flash.InvalidAddress {
		return flash.InvalidAddress, errors.Wrap(common.ErrWrite, "no page available")
	}

	if oldAddress != flash.InvalidAddress {
		s.garbage = append(s.garbage, oldAddress)
	}
	s.newish = append(s.newish, ret)
	if s.node == nil && s.addSeq {
		s.fs.updateCounter++
	}
	return ret, nil
}

// flagNextAsRoot marks the next write as the one producing the new tree
// root, so it gets the next sequence number.
func (s *rwSession) flagNextAsRoot() {
	s.addSeq = true
}

// disposeBuffered drops a page that is held in a buffer and has not been
// modified since it was read.
func (s *rwSession) disposeBuffered(b *buffer) {
	s.garbage = append(s.garbage, b.addr)
	s.fs.pool.release(b, bufPurge)
}

// disposeAddress drops a stored page by address. The reclaim happens right
// away so a mid-transaction gcNeeded sees the space coming; the rollback
// path claims it back.
func (s *rwSession) disposeAddress(addr flash.Address) {
	s.garbage = append(s.garbage, addr)
	s.fs.alloc.reclaim(addr)
}

// commit makes the transaction's effect visible: the caller has already
// moved its in-memory root, so dropping the queues is all that is left. No
// physical flush is required for durability of the decision, the sequence
// stamp took care of that.
func (s *rwSession) commit() {
	s.garbage = nil
	s.newish = nil
	if s.unlocked {
		return
	}
	s.fs.lock.writerLeaveUpgraded()
	if !s.fs.inGC.Load() {
		s.fs.checkGC()
	}
}

// rollback erases the transaction's effects: every reclaim it caused is
// claimed back, everything it produced is reclaimed.
func (s *rwSession) rollback() {
	for _, addr := range s.garbage {
		s.fs.alloc.claim(addr)
	}
	for _, addr := range s.newish {
		s.fs.alloc.reclaim(addr)
	}
	s.garbage = nil
	s.newish = nil
	if s.unlocked {
		return
	}
	s.fs.lock.writerLeaveUpgraded()
	if !s.fs.inGC.Load() {
		s.fs.checkGC()
	}
}
