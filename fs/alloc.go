package fs

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/intellect4all/flashfs/common"
	"github.com/intellect4all/flashfs/flash"
)

const invalidBlock = ^uint32(0)

// levelAllocation is the append cursor of one level: the block currently
// receiving its pages and how many of them are handed out already.
type levelAllocation struct {
	currentBlock uint32
	usedCount    uint32
}

// allocator segregates page allocations by level so each erase block holds
// pages of a single level, and tracks per-block usage so the garbage
// collector can find nearly empty blocks. Claiming a block accounts all of
// its pages as used up front; the unwritten tail of an active block must
// never be handed out again before an erase.
//
// The allocator has no lock of its own: allocate runs under the buffer pool
// mutex, reclaim and claim under the exclusive session lock.
type allocator struct {
	geo     flash.Geometry
	dev     flash.Device
	maxMeta int32
	maxFile int32

	usage  []uint8 // live pages per block, blockSize when fully used
	levels []levelAllocation
	spare  uint32 // blocks with zero usage
}

func newAllocator(dev flash.Device, maxMeta, maxFile int) *allocator {
	geo := dev.Geometry()
	return &allocator{
		geo:     geo,
		dev:     dev,
		maxMeta: int32(maxMeta),
		maxFile: int32(maxFile),
		usage:   make([]uint8, geo.DeviceSize),
		levels:  make([]levelAllocation, maxMeta+maxFile),
	}
}

func (a *allocator) maxLevels() uint32 {
	return uint32(a.maxMeta + a.maxFile)
}

// Levels are packed into one index space: blob levels (-1, -2, ...) first,
// then metadata levels (0, 1, ...).
func (a *allocator) levelToIndex(level int32) uint32 {
	if level < 0 {
		return uint32(-level - 1)
	}
	return uint32(level + a.maxFile)
}

func (a *allocator) indexOK(idx uint32) bool {
	return idx < a.maxLevels()
}

// initDefault wipes all accounting and claims a fresh active block for every
// level. Used by the purge mount.
func (a *allocator) initDefault() error {
	a.spare = a.geo.DeviceSize
	for i := range a.usage {
		a.usage[i] = 0
	}
	for i := range a.levels {
		block, err := a.findFree()
		if err != nil {
			return err
		}
		if block == invalidBlock {
			return errors.Wrap(common.ErrWrite, "no free block left for level assignment")
		}
		a.levels[i] = levelAllocation{currentBlock: block, usedCount: 0}
	}
	return nil
}

// findFree claims the first block with zero usage: erases it, accounts it
// fully used and takes it out of the spare set. Returns invalidBlock when
// none is left.
func (a *allocator) findFree() (uint32, error) {
	for i := uint32(0); i < a.geo.DeviceSize; i++ {
		if a.usage[i] == 0 {
			a.usage[i] = uint8(a.geo.BlockSize)
			if err := a.dev.EnsureErased(i); err != nil {
				return invalidBlock, err
			}
			a.spare--
			return i, nil
		}
	}
	return invalidBlock, nil
}

// allocate hands out the next page address of the level, claiming a new
// active block when the current one is full. InvalidAddress means the level
// is out of range or the device has no free block left.
func (a *allocator) allocate(level int32) flash.Address {
	if level >= a.maxMeta || level < -a.maxFile {
		return flash.InvalidAddress
	}

	idx := a.levelToIndex(level)
	la := &a.levels[idx]

	if la.usedCount == a.geo.BlockSize {
		block, err := a.findFree()
		if err != nil || block == invalidBlock {
			log.WithField("level", level).Debug("allocation failed, no free block")
			return flash.InvalidAddress
		}
		la.usedCount = 0
		la.currentBlock = block
		log.WithFields(log.Fields{"block": block, "level": level}).Debug("block claimed")
	}

	addr := flash.Address(la.currentBlock*a.geo.BlockSize + la.usedCount)
	la.usedCount++
	return addr
}

// reclaim gives one page of the block back; the block joins the spare set
// when its last page goes.
func (a *allocator) reclaim(addr flash.Address) {
	block := uint32(addr) / a.geo.BlockSize
	a.usage[block]--
	if a.usage[block] == 0 {
		a.spare++
		log.WithField("block", block).Debug("block is now free")
	}
}

// claim reverses a reclaim; used when a transaction rolls back.
func (a *allocator) claim(addr flash.Address) {
	block := uint32(addr) / a.geo.BlockSize
	if a.usage[block] == 0 {
		a.spare--
	}
	a.usage[block]++
}

// isBlockActive reports whether the block is some level's append target.
func (a *allocator) isBlockActive(block uint32) bool {
	for i := range a.levels {
		if a.levels[i].currentBlock == block {
			return true
		}
	}
	return false
}

// gcNeeded is true when the spare set cannot guarantee one fresh block per
// level any more.
func (a *allocator) gcNeeded() bool {
	return a.spare <= a.maxLevels()
}

// gcCandidates walks blocks in ascending usage order (ties from the highest
// block number downwards, then on to the next usage value).
type gcCandidates struct {
	index int32
}

func newGCCandidates(a *allocator) gcCandidates {
	return gcCandidates{index: gcForwardSearch(a, 0)}
}

func gcForwardSearch(a *allocator, min int32) int32 {
	ret := int32(-1)
	act := int32(0xff)
	for i := uint32(0); i < a.geo.DeviceSize; i++ {
		if int32(a.usage[i]) > min && int32(a.usage[i]) <= act {
			ret = int32(i)
			act = int32(a.usage[i])
		}
	}
	return ret
}

func gcBackwardSearch(a *allocator, value int32, place int32) int32 {
	for place > 0 {
		place--
		if int32(a.usage[place]) == value {
			return place
		}
	}
	return -1
}

func (it *gcCandidates) currentBlock() int32 {
	return it.index
}

func (it *gcCandidates) currentCount(a *allocator) int32 {
	if it.index >= 0 {
		return int32(a.usage[it.index])
	}
	return -1
}

func (it *gcCandidates) step(a *allocator) {
	if it.index == -1 {
		return
	}
	next := gcBackwardSearch(a, int32(a.usage[it.index]), it.index)
	if next != -1 {
		it.index = next
	} else {
		it.index = gcForwardSearch(a, int32(a.usage[it.index]))
	}
}
