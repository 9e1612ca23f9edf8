// Package reloc applies position-independent relocations to a program
// image. Three variants exist, matching the three supported build
// targets: amd64 ELF (explicit addends), i686 ELF (implicit addends),
// and amd64 PE (base-relocation blocks, 64-bit pointers only).
//
// Each apply pass must run exactly once, before anything reads a
// relocated location. The implicit-addend variants are destructive on a
// second pass; callers own the ordering.
package reloc

// A Rela is an ELF relocation with an explicit addend.
type Rela struct {
	Off    uint64 // image offset of the location to patch
	Kind   uint32 // ELF relocation type
	Addend uint64 // value to combine with the load base
}

// A Rel is an ELF relocation whose addend is the current value stored at
// the target location.
type Rel struct {
	Off  uint32 // image offset of the location to patch
	Kind uint32 // ELF relocation type
}

// A Descriptor locates a relocation table inside an image. PE images
// carry it as an explicit (offset, size) pair handed over by the loader
// instead of being re-derived from image headers.
type Descriptor struct {
	Offset uint64 // image offset of the first entry or block
	Size   uint64 // total table size in bytes
}
