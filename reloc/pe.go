package reloc

import (
	"fmt"

	"moria.us/bootstub/image"
)

// PE base-relocation block header: page RVA then total block size,
// followed by packed 16-bit entries. The upper 4 bits of each entry are
// the relocation type, the lower 12 the offset within the page.
const peBlockHeaderSize = 8

const (
	peRelAbsolute = 0  // alignment padding, skipped
	peRelDir64    = 10 // 64-bit pointer, the only kind applied
)

// ApplyAMD64PE walks the base-relocation blocks described by d and adds
// delta to every 64-bit pointer entry, where delta is the difference
// between the actual load base and the link-time preferred base. This
// pass only runs when a custom loader placed the image; the OS loader
// performs the equivalent work itself.
func ApplyAMD64PE(im *image.Image, preferredBase uint64, d Descriptor) error {
	delta := im.Base() - preferredBase
	end := d.Offset + d.Size
	for off := d.Offset; off < end; {
		pageRVA, err := im.Word32(off)
		if err != nil {
			return fmt.Errorf("base relocation block at 0x%x: %w", off, err)
		}
		blockSize, err := im.Word32(off + 4)
		if err != nil {
			return fmt.Errorf("base relocation block at 0x%x: %w", off, err)
		}
		if blockSize < peBlockHeaderSize || blockSize%2 != 0 || off+uint64(blockSize) > end {
			return fmt.Errorf("base relocation block at 0x%x has bad size %d", off, blockSize)
		}
		entries, err := im.Slice(off+peBlockHeaderSize, uint64(blockSize)-peBlockHeaderSize)
		if err != nil {
			return fmt.Errorf("base relocation block at 0x%x: %w", off, err)
		}
		for i := 0; i < len(entries); i += 2 {
			e := uint16(entries[i]) | uint16(entries[i+1])<<8
			relType := e >> 12
			relOff := uint64(e & 0xfff)
			switch relType {
			case peRelAbsolute:
				// Padding entry.
			case peRelDir64:
				target := uint64(pageRVA) + relOff
				v, err := im.Word(target)
				if err != nil {
					return fmt.Errorf("relocation at 0x%x: %w", target, err)
				}
				if err := im.SetWord(target, v+delta); err != nil {
					return fmt.Errorf("relocation at 0x%x: %w", target, err)
				}
			default:
				return fmt.Errorf("unsupported base relocation type %d at block 0x%x", relType, off)
			}
		}
		off += uint64(blockSize)
	}
	return nil
}
