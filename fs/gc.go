package fs

import (
	log "github.com/sirupsen/logrus"

	"github.com/intellect4all/flashfs/common"
	"github.com/intellect4all/flashfs/flash"
)

// checkGC runs after every commit and rollback outside of the collector
// itself. It keeps collecting until the spare set can again guarantee one
// block per level; a failed pass flips the filesystem read-only until the
// next mount.
func (fs *Fs) checkGC() {
	fs.gcMu.Lock()
	defer fs.gcMu.Unlock()

	fs.inGC.Store(true)
	for fs.alloc.gcNeeded() {
		done, err := fs.collectGarbage()
		if err != nil || !done {
			log.WithError(err).Warn("garbage collection failed, filesystem is read-only")
			fs.readonly.Store(true)
			break
		}
		fs.gcRuns.Add(1)
	}
	fs.inGC.Store(false)
}

// collectGarbage frees one block: the best candidate is the non-active
// block with the fewest live pages, and its pages are relocated through the
// owning tree until none remain.
func (fs *Fs) collectGarbage() (bool, error) {
	fs.nodesMu.Lock()
	defer fs.nodesMu.Unlock()

	log.Debug("gc invoked")

	for it := newGCCandidates(fs.alloc); it.currentBlock() != -1; it.step(fs.alloc) {
		count := it.currentCount(fs.alloc)

		if count == int32(fs.geo.BlockSize) {
			log.WithField("block", it.currentBlock()).Debug("gc: best candidate fully live, aborting")
			break
		}
		if fs.alloc.isBlockActive(uint32(it.currentBlock())) {
			continue
		}

		page := flash.Address(uint32(it.currentBlock()) * fs.geo.BlockSize)
		buf, err := fs.pool.find(page)
		if err != nil {
			return false, err
		}
		level := buf.level()
		fs.pool.release(buf, bufClean)

		if err := fs.pool.flush(); err != nil {
			return false, err
		}

		log.WithFields(log.Fields{
			"block": it.currentBlock(),
			"live":  count,
			"level": level,
		}).Debug("gc: moving live pages out")

		if level >= 0 {
			return fs.moveMetaPages(page, uint32(count))
		}
		return fs.moveBlobPages(page, uint32(count))
	}

	return false, nil
}

// moveMetaPages relocates the block's live metadata pages through the tree.
func (fs *Fs) moveMetaPages(page flash.Address, usedPages uint32) (bool, error) {
	for i := uint32(0); usedPages > 0 && i < fs.geo.BlockSize; i++ {
		movePage := page + flash.Address(i)
		moved, err := fs.meta.relocate(&movePage)
		if err != nil {
			return false, err
		}
		if moved {
			usedPages--
			log.WithFields(log.Fields{"from": page + flash.Address(i), "to": movePage}).Debug("gc: moved meta page")
		}
	}
	return usedPages == 0, nil
}

// moveBlobPages relocates the block's live blob pages. Each page's tail
// names its owner; a node somebody has open is relocated through that live
// instance, anything else through a transient lookup by id.
func (fs *Fs) moveBlobPages(page flash.Address, usedPages uint32) (bool, error) {
	for i := uint32(0); usedPages > 0 && i < fs.geo.BlockSize; i++ {
		movePage := page + flash.Address(i)

		buf, err := fs.pool.find(movePage)
		if err != nil {
			return false, err
		}
		id := buf.fileID()
		parentID := buf.parentID()

		node := fs.openNodes[id]
		if node == nil {
			if err := fs.FetchRoot(&fs.tempNode); err != nil {
				fs.pool.release(buf, bufClean)
				return false, err
			}
			if err := fs.fetchByID(&fs.tempNode, parentID, id); err != nil {
				fs.pool.release(buf, bufClean)
				return false, err
			}
			node = &fs.tempNode
		}
		fs.pool.release(buf, bufClean)

		moved, err := node.relocate(&movePage)
		if err != nil {
			return false, err
		}
		if moved {
			usedPages--

			updated, err := fs.meta.update(&node.key, node.ref())
			if err != nil {
				return false, err
			}
			if !updated {
				return false, common.ErrNoSuchEntry
			}
			log.WithFields(log.Fields{
				"from": page + flash.Address(i),
				"to":   movePage,
				"id":   id,
			}).Debug("gc: moved blob page")
		}
	}
	return usedPages == 0, nil
}
