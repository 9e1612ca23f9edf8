// Package platform models the contract between a loader and a bootstrap
// binary: the PlatformDescriptor and the ServiceFunctionTable. Both are
// fixed little-endian layouts of machine words at binding byte offsets;
// a loader writes them, the binary only reads them.
package platform

import (
	"encoding/binary"
	"fmt"
)

// DescriptorSize is the size of an encoded PlatformDescriptor.
const DescriptorSize = 48

// Descriptor field byte offsets. These are a wire contract with external
// loaders and must not change.
const (
	offRelocBase   = 0
	offFlags       = 8
	offLeading     = 16
	offImageBase   = 24
	offRelocOffset = 32
	offRelocSize   = 40
)

// FlagNoStackProbe disables the stack-probe shim. Set when a
// Windows-ABI binary runs under a loader on a host without guard-page
// stack commit.
const FlagNoStackProbe = 1 << 0

// A Descriptor is the platform configuration read exactly once at
// bootstrap and handed opaquely onward.
type Descriptor struct {
	RelocBase   uint64 // relocation-table base carrier
	Flags       uint64 // bit 0 = stack probe disabled
	Leading     uint64 // leading unused bytes before the image proper
	ImageBase   uint64 // link-time preferred image base
	RelocOffset uint64 // relocation-table offset within the image
	RelocSize   uint64 // relocation-table size in bytes
}

// StackProbeDisabled reports flag bit 0.
func (d Descriptor) StackProbeDisabled() bool {
	return d.Flags&FlagNoStackProbe != 0
}

// DecodeDescriptor reads a descriptor from its wire form.
func DecodeDescriptor(b []byte) (Descriptor, error) {
	if len(b) < DescriptorSize {
		return Descriptor{}, fmt.Errorf("descriptor needs %d bytes, have %d", DescriptorSize, len(b))
	}
	le := binary.LittleEndian
	return Descriptor{
		RelocBase:   le.Uint64(b[offRelocBase:]),
		Flags:       le.Uint64(b[offFlags:]),
		Leading:     le.Uint64(b[offLeading:]),
		ImageBase:   le.Uint64(b[offImageBase:]),
		RelocOffset: le.Uint64(b[offRelocOffset:]),
		RelocSize:   le.Uint64(b[offRelocSize:]),
	}, nil
}

// Put writes the descriptor in its wire form.
func (d Descriptor) Put(b []byte) error {
	if len(b) < DescriptorSize {
		return fmt.Errorf("descriptor needs %d bytes, have %d", DescriptorSize, len(b))
	}
	le := binary.LittleEndian
	le.PutUint64(b[offRelocBase:], d.RelocBase)
	le.PutUint64(b[offFlags:], d.Flags)
	le.PutUint64(b[offLeading:], d.Leading)
	le.PutUint64(b[offImageBase:], d.ImageBase)
	le.PutUint64(b[offRelocOffset:], d.RelocOffset)
	le.PutUint64(b[offRelocSize:], d.RelocSize)
	return nil
}
