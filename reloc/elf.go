package reloc

import (
	"debug/elf"
	"encoding/binary"
	"fmt"

	"moria.us/bootstub/image"
)

const (
	dyn64Size  = 16
	dyn32Size  = 8
	rela64Size = 24
	rel32Size  = 8
)

// ParseDynamic64 walks an amd64 _DYNAMIC table at dynOff and returns the
// descriptor of the DT_RELA table. Dynamic pointer values are link-time
// virtual addresses; the binary is linked at zero, so they double as
// image offsets.
func ParseDynamic64(im *image.Image, dynOff uint64) (Descriptor, error) {
	var d Descriptor
	for off := dynOff; ; off += dyn64Size {
		tag, err := im.Word(off)
		if err != nil {
			return Descriptor{}, fmt.Errorf("dynamic table: %w", err)
		}
		if elf.DynTag(tag) == elf.DT_NULL {
			break
		}
		val, err := im.Word(off + 8)
		if err != nil {
			return Descriptor{}, fmt.Errorf("dynamic table: %w", err)
		}
		switch elf.DynTag(tag) {
		case elf.DT_RELA:
			d.Offset = val
		case elf.DT_RELASZ:
			d.Size = val
		}
	}
	if d.Size != 0 && !im.Contains(d.Offset, d.Size) {
		return Descriptor{}, fmt.Errorf("relocation table at 0x%x+0x%x outside image", d.Offset, d.Size)
	}
	return d, nil
}

// ParseDynamic32 is ParseDynamic64 for i686 images, returning the
// descriptor of the DT_REL table.
func ParseDynamic32(im *image.Image, dynOff uint64) (Descriptor, error) {
	var d Descriptor
	for off := dynOff; ; off += dyn32Size {
		tag, err := im.Word32(off)
		if err != nil {
			return Descriptor{}, fmt.Errorf("dynamic table: %w", err)
		}
		if elf.DynTag(tag) == elf.DT_NULL {
			break
		}
		val, err := im.Word32(off + 4)
		if err != nil {
			return Descriptor{}, fmt.Errorf("dynamic table: %w", err)
		}
		switch elf.DynTag(tag) {
		case elf.DT_REL:
			d.Offset = uint64(val)
		case elf.DT_RELSZ:
			d.Size = uint64(val)
		}
	}
	if d.Size != 0 && !im.Contains(d.Offset, d.Size) {
		return Descriptor{}, fmt.Errorf("relocation table at 0x%x+0x%x outside image", d.Offset, d.Size)
	}
	return d, nil
}

// ParseRela64 decodes Elf64_Rela entries from the described table.
func ParseRela64(im *image.Image, d Descriptor) ([]Rela, error) {
	if d.Size%rela64Size != 0 {
		return nil, fmt.Errorf("RELA table size 0x%x is not a multiple of %d", d.Size, rela64Size)
	}
	data, err := im.Slice(d.Offset, d.Size)
	if err != nil {
		return nil, fmt.Errorf("RELA table: %w", err)
	}
	entries := make([]Rela, 0, d.Size/rela64Size)
	for i := 0; i < len(data); i += rela64Size {
		info := binary.LittleEndian.Uint64(data[i+8:])
		entries = append(entries, Rela{
			Off:    binary.LittleEndian.Uint64(data[i:]),
			Kind:   uint32(info),
			Addend: binary.LittleEndian.Uint64(data[i+16:]),
		})
	}
	return entries, nil
}

// ParseRel32 decodes Elf32_Rel entries from the described table.
func ParseRel32(im *image.Image, d Descriptor) ([]Rel, error) {
	if d.Size%rel32Size != 0 {
		return nil, fmt.Errorf("REL table size 0x%x is not a multiple of %d", d.Size, rel32Size)
	}
	data, err := im.Slice(d.Offset, d.Size)
	if err != nil {
		return nil, fmt.Errorf("REL table: %w", err)
	}
	entries := make([]Rel, 0, d.Size/rel32Size)
	for i := 0; i < len(data); i += rel32Size {
		entries = append(entries, Rel{
			Off:  binary.LittleEndian.Uint32(data[i:]),
			Kind: binary.LittleEndian.Uint32(data[i+4:]) & 0xff,
		})
	}
	return entries, nil
}

// ApplyAMD64ELF patches every entry so that each listed location holds
// base + addend. Only R_X86_64_RELATIVE is emitted for a non-preemptible
// position-independent executable; anything else is a build mismatch.
func ApplyAMD64ELF(im *image.Image, entries []Rela) error {
	base := im.Base()
	for _, r := range entries {
		if elf.R_X86_64(r.Kind) != elf.R_X86_64_RELATIVE {
			return fmt.Errorf("unsupported relocation type %s at 0x%x", elf.R_X86_64(r.Kind), r.Off)
		}
		if err := im.SetWord(r.Off, base+r.Addend); err != nil {
			return fmt.Errorf("relocation at 0x%x: %w", r.Off, err)
		}
	}
	return nil
}

// ApplyI686ELF adds the load base to every listed location. The addend
// is whatever the location currently holds, so this pass is destructive
// when run twice.
func ApplyI686ELF(im *image.Image, entries []Rel) error {
	base := uint32(im.Base())
	for _, r := range entries {
		if elf.R_386(r.Kind) != elf.R_386_RELATIVE {
			return fmt.Errorf("unsupported relocation type %s at 0x%x", elf.R_386(r.Kind), r.Off)
		}
		v, err := im.Word32(uint64(r.Off))
		if err != nil {
			return fmt.Errorf("relocation at 0x%x: %w", r.Off, err)
		}
		if err := im.SetWord32(uint64(r.Off), v+base); err != nil {
			return fmt.Errorf("relocation at 0x%x: %w", r.Off, err)
		}
	}
	return nil
}

// RelocateELF64 runs the amd64-ELF pass from the _DYNAMIC table at
// dynOff: parse the RELA descriptor, then apply every entry in table
// order.
func RelocateELF64(im *image.Image, dynOff uint64) error {
	d, err := ParseDynamic64(im, dynOff)
	if err != nil {
		return err
	}
	entries, err := ParseRela64(im, d)
	if err != nil {
		return err
	}
	return ApplyAMD64ELF(im, entries)
}

// RelocateELF32 runs the i686-ELF pass from the _DYNAMIC table at dynOff.
func RelocateELF32(im *image.Image, dynOff uint64) error {
	d, err := ParseDynamic32(im, dynOff)
	if err != nil {
		return err
	}
	entries, err := ParseRel32(im, d)
	if err != nil {
		return err
	}
	return ApplyI686ELF(im, entries)
}
