// Package fs implements a transactional copy-on-write filesystem core for
// raw flash devices. Directory metadata lives in a single COW B+tree keyed by
// (parent id, name hash, name); file content lives in per-file radix trees of
// data pages. All writes go to fresh page addresses handed out by a
// level-segregated block allocator, so a half-finished transaction is
// invisible after a power cut: the page that would have become the new tree
// root was never stamped with the next sequence number.
package fs

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/intellect4all/flashfs/flash"
)

// Config holds the construction-time parameters of the core.
type Config struct {
	// Device geometry, used by the config file loader to build a backend.
	// New itself takes the geometry from the device.
	Device flash.Geometry `yaml:"device"`

	// MaxMetaLevels bounds the height of the metadata B+tree (leaf = level 0).
	MaxMetaLevels int `yaml:"max_meta_levels"`

	// MaxFileLevels bounds a file tree: data pages plus index levels.
	MaxFileLevels int `yaml:"max_file_levels"`

	// NumBuffers is the number of page slots in the buffer pool.
	NumBuffers int `yaml:"num_buffers"`

	// MaxNameLength is the longest stored file name in bytes.
	MaxNameLength int `yaml:"max_name_length"`

	// SharedReaders switches the session lock from a plain mutex to a
	// reader-writer lock, admitting concurrent read-only sessions.
	SharedReaders bool `yaml:"shared_readers"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		Device: flash.Geometry{
			PageSize:   2048,
			BlockSize:  64,
			DeviceSize: 256,
		},
		MaxMetaLevels: 4,
		MaxFileLevels: 4,
		NumBuffers:    8,
		MaxNameLength: 27,
	}
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// params carries the values derived from the page geometry. The last 12
// bytes of every page are reserved: an 8 byte tail ({sequence} for metadata
// pages, {file id, parent id} for blob pages) followed by the 4 byte level
// tag. Everything in front of that is tree payload.
type params struct {
	pageSize uint32
	payload  uint32 // pageSize - pageReserved

	nameLen  int // max stored name length, name field is nameLen+1 bytes
	elemSize int // bytes per leaf element

	maxElements int // leaf capacity M
	tableSplit  int // leaf split point S

	maxBranches int // internal fan-out K
	nodeSplit   int // internal split point

	base  uint32   // blob branching factor B = payload / address size
	sizes []uint64 // sizes[l] = B^(l+1), last entry exceeds any page index
}

const (
	pageReserved = 12 // tail (8) + level tag (4)
	addrSize     = 4
	idxKeySize   = 8 // {parent id, name hash}
)

func deriveParams(geo flash.Geometry, cfg Config) (*params, error) {
	if geo.PageSize <= pageReserved {
		return nil, fmt.Errorf("page size %d too small", geo.PageSize)
	}
	if geo.BlockSize < 4 || geo.BlockSize > 255 {
		return nil, fmt.Errorf("pages per block must be in [4,255], got %d", geo.BlockSize)
	}
	maxLevels := cfg.MaxMetaLevels + cfg.MaxFileLevels
	if cfg.MaxMetaLevels < 1 || cfg.MaxFileLevels < 1 {
		return nil, fmt.Errorf("need at least one metadata and one file level")
	}
	if uint32(maxLevels) >= geo.DeviceSize {
		return nil, fmt.Errorf("device of %d blocks cannot host %d levels", geo.DeviceSize, maxLevels)
	}
	if cfg.NumBuffers < 3 {
		return nil, fmt.Errorf("need at least 3 buffers, got %d", cfg.NumBuffers)
	}

	p := &params{
		pageSize: geo.PageSize,
		payload:  geo.PageSize - pageReserved,
		nameLen:  cfg.MaxNameLength,
	}
	p.elemSize = 12 + p.nameLen + 1 + 8 // key {parent, hash, id, name} + value {root, size}

	p.maxElements = int(p.payload) / p.elemSize
	if p.maxElements < 3 {
		return nil, fmt.Errorf("page size too small, at least 3 leaf elements needed")
	}
	p.tableSplit = (p.maxElements + 1) / 2

	p.maxBranches = (int(p.payload) - 4 + idxKeySize) / (addrSize + idxKeySize)
	if p.maxBranches < 3 {
		return nil, fmt.Errorf("page size too small, at least 3 branches needed")
	}
	p.nodeSplit = (p.maxBranches + 1) / 2

	p.base = p.payload / addrSize
	acc := uint64(p.base)
	for acc < 1<<32 {
		p.sizes = append(p.sizes, acc)
		acc *= uint64(p.base)
	}
	p.sizes = append(p.sizes, acc)

	return p, nil
}

// highestLevel returns the number of the topmost index level needed to reach
// the given page index, or -1 when the index fits in a bare data page.
func (p *params) highestLevel(pageIndex uint32) int32 {
	if pageIndex == 0 {
		return -1
	}
	ret := int32(0)
	for uint64(pageIndex) >= p.sizes[ret] {
		ret++
	}
	return ret
}

// levelOffset extracts the base-B digit of pageIndex for the given index level.
func (p *params) levelOffset(pageIndex uint32, level int32) uint32 {
	if level == 0 {
		return pageIndex % p.base
	}
	return uint32((uint64(pageIndex) / p.sizes[level-1]) % uint64(p.base))
}
