package fs

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/intellect4all/flashfs/common"
	"github.com/intellect4all/flashfs/flash"
)

var errNoFreeBlock = errors.Wrap(common.ErrWrite, "no free block")

// Mount brings the filesystem up. purge formats the device: all accounting
// is wiped and every level gets a fresh active block. A non-purge mount
// recovers everything from the stored pages alone: the newest stamped
// metadata page is the root, every level's append cursor is found by probing
// its partially written block, and the per-block live counts are rebuilt by
// walking the trees.
func (fs *Fs) Mount(purge bool) error {
	fs.pool.reset()
	fs.meta.root = flash.InvalidAddress
	fs.meta.levels = 0
	fs.maxID = 1
	fs.updateCounter = 1
	fs.readonly.Store(false)

	if purge {
		return fs.alloc.initDefault()
	}
	return fs.scan()
}

func (fs *Fs) scan() error {
	geo := fs.geo

	for i := range fs.alloc.levels {
		fs.alloc.levels[i] = levelAllocation{currentBlock: invalidBlock, usedCount: ^uint32(0)}
	}

	root := flash.InvalidAddress
	rootLevel := int32(0)
	maxSequence := uint32(0)

	// Pass one: find each level's active block and elect the newest root.
	for i := uint32(0); i < geo.DeviceSize; i++ {
		page := flash.Address(i * geo.BlockSize)
		buf, err := fs.pool.find(page)
		if err != nil {
			return err
		}

		level := buf.level()
		idx := fs.alloc.levelToIndex(level)

		if fs.alloc.indexOK(idx) && fs.alloc.levels[idx].currentBlock == invalidBlock {
			if level >= 0 {
				endPage := page + flash.Address(geo.BlockSize)
				for {
					sequence := buf.sequence()

					if sequence == ^uint32(0) {
						// first unwritten page: this is the append cursor
						fs.alloc.levels[idx] = levelAllocation{
							currentBlock: i,
							usedCount:    uint32(page) - i*geo.BlockSize,
						}
						break
					}

					if sequence > maxSequence {
						root = page
						maxSequence = sequence
						rootLevel = level
					}

					page++
					if page == endPage {
						break
					}
					fs.pool.release(buf, bufClean)
					if buf, err = fs.pool.find(page); err != nil {
						return err
					}
				}
			} else if buf.fileID() != ^uint32(0) {
				fs.pool.release(buf, bufClean)
				if buf, err = fs.pool.find(page + flash.Address(geo.BlockSize-1)); err != nil {
					return err
				}

				if buf.fileID() == ^uint32(0) {
					// partially written blob block: binary search for the
					// boundary over the id sentinel
					fs.pool.release(buf, bufClean)
					fs.alloc.levels[idx].currentBlock = i

					bottom, top := uint32(1), geo.BlockSize-2
					for {
						offset := (bottom + top + 1) / 2
						if buf, err = fs.pool.find(page + flash.Address(offset)); err != nil {
							return err
						}
						if buf.fileID() == ^uint32(0) {
							top = offset - 1
						} else {
							bottom = offset
						}
						if bottom == top {
							break
						}
						fs.pool.release(buf, bufClean)
					}
					fs.alloc.levels[idx].usedCount = bottom + 1
				}
			}
		}

		fs.pool.release(buf, bufClean)
	}

	for i := range fs.alloc.usage {
		fs.alloc.usage[i] = 0
	}

	fs.updateCounter = maxSequence + 1
	fs.meta.root = root
	fs.meta.levels = uint32(rootLevel)
	fs.maxID = 0

	log.WithFields(log.Fields{
		"root":     root,
		"sequence": maxSequence,
		"level":    rootLevel,
	}).Debug("mount elected metadata root")

	// Pass two: rebuild the live counts by walking every reachable page.
	var scanErr error
	session := fs.mountSession(nil)
	_, travErr := fs.meta.traverse(session, func(addr flash.Address, level uint32) flash.Address {
		fs.alloc.usage[uint32(addr)/geo.BlockSize]++

		if level == 0 {
			buf, err := fs.pool.find(addr)
			if err != nil {
				if scanErr == nil {
					scanErr = err
				}
				return addr
			}
			table := fs.tableOf(buf)
			length := table.length()

			for i := 0; i < length; i++ {
				e := table.elementAt(i)
				if e.key.id > fs.maxID {
					fs.maxID = e.key.id
				}

				fs.tempNode.key = e.key
				fs.tempNode.setRef(e.value)
				fs.tempNode.fs = fs

				if !fs.tempNode.IsDirectory() {
					blobSession := fs.mountSession(&fs.tempNode)
					_, err := fs.tempNode.traverseBlob(blobSession, func(inner flash.Address, _ uint32) flash.Address {
						fs.alloc.usage[uint32(inner)/geo.BlockSize]++
						return inner
					})
					if err != nil && scanErr == nil {
						scanErr = err
					}
				}
			}

			fs.pool.release(buf, bufClean)
		}
		return addr
	})

	// Levels that never surfaced in the scan get a fresh block; partially
	// written active blocks keep their unwritten tail accounted as used.
	for i := range fs.alloc.levels {
		la := &fs.alloc.levels[i]
		if la.currentBlock == invalidBlock {
			block, err := fs.alloc.findFree()
			if err != nil {
				return err
			}
			if block == invalidBlock {
				return errNoFreeBlock
			}
			la.currentBlock = block
			la.usedCount = 0
		} else {
			fs.alloc.usage[la.currentBlock] += uint8(geo.BlockSize - la.usedCount)
		}
	}

	fs.alloc.spare = 0
	for _, usage := range fs.alloc.usage {
		if usage == 0 {
			fs.alloc.spare++
		}
	}

	fs.maxID++

	if travErr != nil {
		return travErr
	}
	return scanErr
}
