package fs

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/intellect4all/flashfs/common"
	"github.com/intellect4all/flashfs/flash"
)

// releaseMode tells the pool what to do with a buffer being handed back.
type releaseMode int

const (
	// bufClean drops the pin, nothing else.
	bufClean releaseMode = iota
	// bufDirty assigns a fresh address from the allocator (copy-on-write),
	// reclaims the shadowed one and marks the slot for write-back.
	bufDirty
	// bufPurge reclaims the buffer's address and empties the slot.
	bufPurge
)

// buffer is one cache slot: an in-memory page plus its bookkeeping.
type buffer struct {
	data   []byte
	addr   flash.Address
	access uint32 // recency stamp from the pool's counter
	pins   uint32
	dirty  bool
}

// The level tag and the page tail live in the reserved trailer of the page
// image, so they travel with the data through the device.

func (b *buffer) level() int32 {
	return int32(binary.LittleEndian.Uint32(b.data[len(b.data)-4:]))
}

func (b *buffer) setLevel(level int32) {
	binary.LittleEndian.PutUint32(b.data[len(b.data)-4:], uint32(level))
}

func (b *buffer) sequence() uint32 {
	return binary.LittleEndian.Uint32(b.data[len(b.data)-12:])
}

func (b *buffer) setSequence(seq uint32) {
	binary.LittleEndian.PutUint32(b.data[len(b.data)-12:], seq)
}

func (b *buffer) fileID() uint32 {
	return binary.LittleEndian.Uint32(b.data[len(b.data)-12:])
}

func (b *buffer) setFileID(id uint32) {
	binary.LittleEndian.PutUint32(b.data[len(b.data)-12:], id)
}

func (b *buffer) parentID() uint32 {
	return binary.LittleEndian.Uint32(b.data[len(b.data)-8:])
}

func (b *buffer) setParentID(id uint32) {
	binary.LittleEndian.PutUint32(b.data[len(b.data)-8:], id)
}

// bufferPool is a fixed set of page slots over the device. One mutex guards
// all slot state; the fence-free wipe of stale copies in release depends on
// that single lock.
type bufferPool struct {
	mu     sync.Mutex
	access uint32
	dev    flash.Device
	alloc  *allocator
	bufs   []buffer

	pageReads  atomic.Int64
	pageWrites atomic.Int64
}

func newBufferPool(dev flash.Device, alloc *allocator, n int) *bufferPool {
	p := &bufferPool{dev: dev, alloc: alloc, bufs: make([]buffer, n)}
	pageSize := dev.Geometry().PageSize
	for i := range p.bufs {
		p.bufs[i].data = make([]byte, pageSize)
		p.bufs[i].addr = flash.InvalidAddress
	}
	return p
}

// reset empties every slot; mount starts from a cold cache.
func (p *bufferPool) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.bufs {
		p.bufs[i].addr = flash.InvalidAddress
		p.bufs[i].dirty = false
		p.bufs[i].pins = 0
		p.bufs[i].access = 0
	}
	p.access = 0
}

// find returns a pinned buffer for the page at addr, loading it from the
// device if no slot holds it yet. addr == InvalidAddress asks for a fresh,
// unaddressed buffer. The eviction scan keeps the least recently used clean
// and dirty candidates; clean wins unless it is less than half as old as the
// dirty one, in which case flushing the old dirty page first costs less in
// write amplification. Freshly emptied clean slots are taken before anything
// else.
func (p *bufferPool) find(addr flash.Address) (*buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var ret *buffer
	var leastRecentDirty, leastRecentClean *buffer
	var dirtyCount, cleanCount uint32

	for i := range p.bufs {
		b := &p.bufs[i]
		if b.addr == addr && (addr != flash.InvalidAddress || b.pins == 0) {
			ret = b
			break
		}

		if b.pins != 0 {
			continue
		}
		unrecentness := p.access - b.access
		if b.dirty {
			if unrecentness >= dirtyCount {
				dirtyCount = unrecentness
				leastRecentDirty = b
			}
		} else {
			if b.addr == flash.InvalidAddress {
				unrecentness = ^uint32(0)
			}
			if unrecentness >= cleanCount {
				cleanCount = unrecentness
				leastRecentClean = b
			}
		}
	}

	if ret == nil {
		useClean := leastRecentClean != nil
		if leastRecentDirty != nil && cleanCount*2 < dirtyCount {
			useClean = false
		}

		if useClean {
			ret = leastRecentClean
		} else {
			if leastRecentDirty == nil {
				log.Debug("buffer request cannot be satisfied, all slots pinned")
				return nil, common.ErrOutOfMemory
			}
			if err := p.dev.Write(leastRecentDirty.addr, leastRecentDirty.data); err != nil {
				return nil, errors.Wrapf(common.ErrWrite, "evicting page %d: %v", leastRecentDirty.addr, err)
			}
			p.pageWrites.Add(1)
			leastRecentDirty.dirty = false
			ret = leastRecentDirty
		}

		ret.addr = addr
		if addr != flash.InvalidAddress {
			if err := p.dev.Read(addr, ret.data); err != nil {
				ret.addr = flash.InvalidAddress
				return nil, errors.Wrapf(common.ErrRead, "page %d: %v", addr, err)
			}
			p.pageReads.Add(1)
		} else {
			for i := range ret.data {
				ret.data[i] = 0xff
			}
		}
	}

	ret.access = p.access
	p.access++
	ret.pins++
	return ret, nil
}

// release drops one pin and applies the release mode. For a dirty release of
// a previously clean buffer the new address comes from the allocator, keyed
// by the page's level tag; the shadowed address is reclaimed right away (the
// session layer queues it so a rollback can take that back).
func (p *bufferPool) release(b *buffer, mode releaseMode) flash.Address {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch mode {
	case bufPurge:
		p.alloc.reclaim(b.addr)
		b.addr = flash.InvalidAddress
		b.dirty = false

	case bufDirty:
		if !b.dirty {
			oldAddress := b.addr
			newAddress := p.alloc.allocate(b.level())
			if newAddress == flash.InvalidAddress {
				// No page available: drop the modified copy so a later
				// flush cannot write it anywhere. The stored page at the
				// old address stays untouched.
				b.addr = flash.InvalidAddress
				b.pins--
				return flash.InvalidAddress
			}
			b.addr = newAddress

			// Wipe stale copies of the recycled address
			for i := range p.bufs {
				o := &p.bufs[i]
				if o != b && o.addr == b.addr {
					if o.pins != 0 {
						panic("wiping occupied page")
					}
					if o.dirty {
						panic("wiping dirty page (probable write collision)")
					}
					o.addr = flash.InvalidAddress
				}
			}

			b.dirty = true
			if oldAddress != flash.InvalidAddress {
				p.alloc.reclaim(oldAddress)
			}
		}

	case bufClean:
	}

	if b.pins == 0 {
		panic("releasing unpinned buffer")
	}
	b.pins--
	return b.addr
}

// flush writes dirty buffers back, oldest first, until none remain.
func (p *bufferPool) flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		var leastRecent *buffer
		var leastRecentCount uint32
		for i := range p.bufs {
			b := &p.bufs[i]
			unrecentness := p.access - b.access
			if b.dirty && unrecentness >= leastRecentCount {
				leastRecentCount = unrecentness
				leastRecent = b
			}
		}
		if leastRecent == nil {
			return nil
		}
		if err := p.dev.Write(leastRecent.addr, leastRecent.data); err != nil {
			return errors.Wrapf(common.ErrWrite, "flushing page %d: %v", leastRecent.addr, err)
		}
		p.pageWrites.Add(1)
		leastRecent.dirty = false
	}
}
