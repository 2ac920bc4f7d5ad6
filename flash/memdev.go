package flash

import (
	"fmt"

	"github.com/dsnet/golib/memfile"
)

// MemDevice is a RAM-backed flash image. It keeps NOR semantics (writes AND
// bits into the page) and supports snapshotting and restoring the whole image.
type MemDevice struct {
	geo Geometry
	img *memfile.File
}

// NewMemDevice creates an erased in-memory device.
func NewMemDevice(geo Geometry) *MemDevice {
	data := make([]byte, int(geo.PageSize)*int(geo.TotalPages()))
	for i := range data {
		data[i] = 0xff
	}
	return &MemDevice{geo: geo, img: memfile.New(data)}
}

func (d *MemDevice) Geometry() Geometry {
	return d.geo
}

func (d *MemDevice) EnsureErased(block uint32) error {
	if block >= d.geo.DeviceSize {
		return fmt.Errorf("erase: block %d out of range", block)
	}
	blank := make([]byte, int(d.geo.PageSize)*int(d.geo.BlockSize))
	for i := range blank {
		blank[i] = 0xff
	}
	off := int64(block) * int64(d.geo.BlockSize) * int64(d.geo.PageSize)
	_, err := d.img.WriteAt(blank, off)
	return err
}

func (d *MemDevice) Read(addr Address, dst []byte) error {
	if uint32(addr) >= d.geo.TotalPages() {
		return fmt.Errorf("read: page %d out of range", addr)
	}
	_, err := d.img.ReadAt(dst[:d.geo.PageSize], int64(addr)*int64(d.geo.PageSize))
	return err
}

func (d *MemDevice) Write(addr Address, src []byte) error {
	if uint32(addr) >= d.geo.TotalPages() {
		return fmt.Errorf("write: page %d out of range", addr)
	}
	off := int64(addr) * int64(d.geo.PageSize)
	cur := make([]byte, d.geo.PageSize)
	if _, err := d.img.ReadAt(cur, off); err != nil {
		return err
	}
	for i := range cur {
		cur[i] &= src[i]
	}
	_, err := d.img.WriteAt(cur, off)
	return err
}

// Snapshot returns a copy of the whole device image.
func (d *MemDevice) Snapshot() []byte {
	img := d.img.Bytes()
	out := make([]byte, len(img))
	copy(out, img)
	return out
}

// Restore replaces the device content with a previously taken snapshot.
func (d *MemDevice) Restore(snap []byte) {
	d.img = memfile.New(append([]byte(nil), snap...))
}
