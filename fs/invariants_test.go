package fs

import (
	"testing"

	"github.com/intellect4all/flashfs/flash"
)

// specGeometry is the tiny device the end-to-end scenarios run on.
func specGeometry() flash.Geometry {
	return flash.Geometry{PageSize: 256, BlockSize: 4, DeviceSize: 10}
}

func specConfig() Config {
	cfg := DefaultConfig()
	cfg.Device = specGeometry()
	cfg.MaxMetaLevels = 2
	cfg.MaxFileLevels = 2
	cfg.NumBuffers = 3
	return cfg
}

// roomyConfig gives the heavier tree tests space to move.
func roomyConfig() Config {
	cfg := DefaultConfig()
	cfg.Device = flash.Geometry{PageSize: 256, BlockSize: 4, DeviceSize: 64}
	cfg.MaxMetaLevels = 3
	cfg.MaxFileLevels = 3
	cfg.NumBuffers = 4
	return cfg
}

func newTestFs(t *testing.T, cfg Config) (*Fs, *flash.MemDevice) {
	t.Helper()
	dev := flash.NewMemDevice(cfg.Device)
	fsys, err := New(dev, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := fsys.Mount(true); err != nil {
		t.Fatalf("Mount failed: %v", err)
	}
	return fsys, dev
}

// countReachable rebuilds per-block live counts by walking the metadata tree
// and every file tree, the same way the mount scan does.
func countReachable(t *testing.T, fsys *Fs) []uint32 {
	t.Helper()
	counts := make([]uint32, fsys.geo.DeviceSize)

	session := fsys.mountSession(nil)
	var node Node
	_, err := fsys.meta.traverse(session, func(addr flash.Address, level uint32) flash.Address {
		counts[uint32(addr)/fsys.geo.BlockSize]++

		if level == 0 {
			buf, err := fsys.pool.find(addr)
			if err != nil {
				t.Fatalf("reading leaf %d: %v", addr, err)
			}
			table := fsys.tableOf(buf)
			for i := 0; i < table.length(); i++ {
				e := table.elementAt(i)
				node.key = e.key
				node.setRef(e.value)
				node.fs = fsys

				if !node.IsDirectory() {
					blobSession := fsys.mountSession(&node)
					_, err := node.traverseBlob(blobSession, func(inner flash.Address, _ uint32) flash.Address {
						counts[uint32(inner)/fsys.geo.BlockSize]++
						return inner
					})
					if err != nil {
						t.Fatalf("walking blob tree of %q: %v", e.key.name, err)
					}
				}
			}
			fsys.pool.release(buf, bufClean)
		}
		return addr
	})
	if err != nil {
		t.Fatalf("walking metadata tree: %v", err)
	}
	return counts
}

// checkTreeShape verifies the B+tree occupancy bounds: every leaf except a
// sole one holds between the split point and the capacity, every internal
// node except the root between the split point and the fan-out, and the root
// at least two branches.
func checkTreeShape(t *testing.T, fsys *Fs) {
	t.Helper()
	p := fsys.params
	singleLeaf := fsys.meta.levels == 0

	session := fsys.mountSession(nil)
	_, err := fsys.meta.traverse(session, func(addr flash.Address, level uint32) flash.Address {
		buf, err := fsys.pool.find(addr)
		if err != nil {
			t.Fatalf("reading page %d: %v", addr, err)
		}

		if level == 0 {
			length := fsys.tableOf(buf).length()
			if length > p.maxElements {
				t.Errorf("leaf %d overfull: %d > %d", addr, length, p.maxElements)
			}
			if !singleLeaf && length < p.tableSplit {
				t.Errorf("leaf %d underfull: %d < %d", addr, length, p.tableSplit)
			}
		} else {
			branches := fsys.nodeOf(buf).branches()
			if branches > p.maxBranches {
				t.Errorf("node %d overfull: %d > %d", addr, branches, p.maxBranches)
			}
			if addr == fsys.meta.root {
				if branches < 2 {
					t.Errorf("root node %d has %d branches", addr, branches)
				}
			} else if branches < p.nodeSplit {
				t.Errorf("node %d underfull: %d < %d", addr, branches, p.nodeSplit)
			}
		}

		fsys.pool.release(buf, bufClean)
		return addr
	})
	if err != nil {
		t.Fatalf("walking metadata tree: %v", err)
	}
}

// checkCounters verifies that the allocator's usage counters equal the
// reachable page count per block, plus the unwritten tail of active blocks.
func checkCounters(t *testing.T, fsys *Fs) {
	t.Helper()
	reachable := countReachable(t, fsys)

	for block := uint32(0); block < fsys.geo.DeviceSize; block++ {
		expected := reachable[block]
		for i := range fsys.alloc.levels {
			la := &fsys.alloc.levels[i]
			if la.currentBlock == block {
				expected += fsys.geo.BlockSize - la.usedCount
			}
		}
		if got := uint32(fsys.alloc.usage[block]); got != expected {
			t.Errorf("block %d: usage counter %d, want %d (reachable + active tail)", block, got, expected)
		}
		if reachable[block] > 0 && fsys.alloc.usage[block] == 0 {
			t.Errorf("block %d: holds %d reachable pages but is counted free", block, reachable[block])
		}
	}
}
