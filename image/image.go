// Package image provides a typed view over a loaded program image: its
// bytes plus the base address the process sees them at. All patching of
// relocated locations goes through this view so that offset arithmetic
// stays in one place.
package image

import (
	"encoding/binary"
	"fmt"
)

// An Image is a program loaded (or about to be loaded) at a base address.
// The base is constant for the lifetime of the view; re-basing means
// constructing a new view over the same bytes.
type Image struct {
	base uint64
	data []byte
}

// New returns a view of data loaded at base.
func New(base uint64, data []byte) *Image {
	return &Image{base: base, data: data}
}

// Base returns the load address of the first byte.
func (im *Image) Base() uint64 { return im.base }

// Size returns the image size in bytes.
func (im *Image) Size() uint64 { return uint64(len(im.data)) }

// Bytes returns the backing bytes. Mutations through the slice are
// visible to the view and vice versa.
func (im *Image) Bytes() []byte { return im.data }

// Contains reports whether [off, off+n) lies inside the image.
func (im *Image) Contains(off, n uint64) bool {
	return off <= im.Size() && n <= im.Size()-off
}

// OffsetOf translates an absolute address into an image offset.
func (im *Image) OffsetOf(addr uint64) (uint64, error) {
	if addr < im.base || addr-im.base >= im.Size() {
		return 0, fmt.Errorf("address 0x%x outside image [0x%x, 0x%x)", addr, im.base, im.base+im.Size())
	}
	return addr - im.base, nil
}

func (im *Image) check(off, n uint64) error {
	if !im.Contains(off, n) {
		return fmt.Errorf("offset 0x%x+%d outside image of size 0x%x", off, n, im.Size())
	}
	return nil
}

// Word reads a little-endian 64-bit word at off.
func (im *Image) Word(off uint64) (uint64, error) {
	if err := im.check(off, 8); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(im.data[off:]), nil
}

// SetWord writes a little-endian 64-bit word at off.
func (im *Image) SetWord(off, v uint64) error {
	if err := im.check(off, 8); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(im.data[off:], v)
	return nil
}

// Word32 reads a little-endian 32-bit word at off.
func (im *Image) Word32(off uint64) (uint32, error) {
	if err := im.check(off, 4); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(im.data[off:]), nil
}

// SetWord32 writes a little-endian 32-bit word at off.
func (im *Image) SetWord32(off uint64, v uint32) error {
	if err := im.check(off, 4); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(im.data[off:], v)
	return nil
}

// Byte reads the byte at off.
func (im *Image) Byte(off uint64) (byte, error) {
	if err := im.check(off, 1); err != nil {
		return 0, err
	}
	return im.data[off], nil
}

// SetByte writes the byte at off.
func (im *Image) SetByte(off uint64, v byte) error {
	if err := im.check(off, 1); err != nil {
		return err
	}
	im.data[off] = v
	return nil
}

// Slice returns the subslice [off, off+n) of the backing bytes.
func (im *Image) Slice(off, n uint64) ([]byte, error) {
	if err := im.check(off, n); err != nil {
		return nil, err
	}
	return im.data[off : off+n], nil
}
