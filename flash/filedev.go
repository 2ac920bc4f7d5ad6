package flash

import (
	"fmt"
	"os"

	"github.com/ncw/directio"
)

// FileDevice keeps the flash image in a regular file opened for direct IO.
// Each flash page lives in its own directio-aligned slot so every transfer is
// a single aligned read or write.
type FileDevice struct {
	geo  Geometry
	file *os.File
	slot int // bytes per page slot, a multiple of directio.BlockSize
}

// OpenFileDevice opens or creates an image file for the given geometry. A
// freshly created image comes up fully erased.
func OpenFileDevice(path string, geo Geometry) (*FileDevice, error) {
	file, err := directio.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}

	slot := directio.BlockSize * ((int(geo.PageSize) + directio.BlockSize - 1) / directio.BlockSize)
	d := &FileDevice{geo: geo, file: file, slot: slot}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	want := int64(slot) * int64(geo.TotalPages())
	if info.Size() != want {
		if err := file.Truncate(want); err != nil {
			file.Close()
			return nil, err
		}
		for block := uint32(0); block < geo.DeviceSize; block++ {
			if err := d.EnsureErased(block); err != nil {
				file.Close()
				return nil, err
			}
		}
	}

	return d, nil
}

func (d *FileDevice) Geometry() Geometry {
	return d.geo
}

func (d *FileDevice) Close() error {
	return d.file.Close()
}

func (d *FileDevice) EnsureErased(block uint32) error {
	if block >= d.geo.DeviceSize {
		return fmt.Errorf("erase: block %d out of range", block)
	}
	buf := directio.AlignedBlock(d.slot)
	for i := range buf {
		buf[i] = 0xff
	}
	base := int64(block) * int64(d.geo.BlockSize)
	for p := int64(0); p < int64(d.geo.BlockSize); p++ {
		if _, err := d.file.WriteAt(buf, (base+p)*int64(d.slot)); err != nil {
			return err
		}
	}
	return nil
}

func (d *FileDevice) Read(addr Address, dst []byte) error {
	if uint32(addr) >= d.geo.TotalPages() {
		return fmt.Errorf("read: page %d out of range", addr)
	}
	buf := directio.AlignedBlock(d.slot)
	if _, err := d.file.ReadAt(buf, int64(addr)*int64(d.slot)); err != nil {
		return err
	}
	copy(dst[:d.geo.PageSize], buf)
	return nil
}

func (d *FileDevice) Write(addr Address, src []byte) error {
	if uint32(addr) >= d.geo.TotalPages() {
		return fmt.Errorf("write: page %d out of range", addr)
	}
	buf := directio.AlignedBlock(d.slot)
	if _, err := d.file.ReadAt(buf, int64(addr)*int64(d.slot)); err != nil {
		return err
	}
	for i := uint32(0); i < d.geo.PageSize; i++ {
		buf[i] &= src[i]
	}
	_, err := d.file.WriteAt(buf, int64(addr)*int64(d.slot))
	return err
}
