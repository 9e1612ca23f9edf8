package main

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"
)

// A payload is a program image flattened into its virtual-address
// layout, ready to be viewed at a load base.
type payload struct {
	format  string // "elf64", "elf32" or "pe64"
	entry   uint64 // entry point offset from the image start
	dynamic uint64 // _DYNAMIC offset (ELF only)
	hasDyn  bool
	reloc   struct{ offset, size uint64 } // base-reloc directory (PE only)
	base    uint64                        // link-time preferred base
	data    []byte
}

// readELFPayload reads a position-independent ELF executable and
// flattens its loadable segments.
func readELFPayload(name string) (*payload, error) {
	f, err := elf.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if f.Data != elf.ELFDATA2LSB {
		return nil, fmt.Errorf("ELF has data %s, expected ELFDATA2LSB", f.Data)
	}
	if f.Type != elf.ET_DYN {
		return nil, fmt.Errorf("ELF has type %s, expected ET_DYN (position-independent)", f.Type)
	}
	var format string
	switch {
	case f.Class == elf.ELFCLASS64 && f.Machine == elf.EM_X86_64:
		format = "elf64"
	case f.Class == elf.ELFCLASS32 && f.Machine == elf.EM_386:
		format = "elf32"
	default:
		return nil, fmt.Errorf("unsupported ELF class/machine %s/%s", f.Class, f.Machine)
	}

	var extent uint64
	for _, p := range f.Progs {
		if p.Type == elf.PT_LOAD && p.Vaddr+p.Memsz > extent {
			extent = p.Vaddr + p.Memsz
		}
	}
	if extent == 0 {
		return nil, errors.New("no loadable segments")
	}

	pl := &payload{
		format: format,
		entry:  f.Entry,
		data:   make([]byte, extent),
	}
	for i, p := range f.Progs {
		switch p.Type {
		case elf.PT_LOAD:
			if p.Filesz > 0 {
				if _, err := p.ReadAt(pl.data[p.Vaddr:p.Vaddr+p.Filesz], 0); err != nil {
					if err == io.EOF {
						err = io.ErrUnexpectedEOF
					}
					return nil, wrapErrorf(err, "segment %d", i)
				}
			}
		case elf.PT_DYNAMIC:
			pl.dynamic = p.Vaddr
			pl.hasDyn = true
		}
	}
	if !pl.hasDyn {
		return nil, errors.New("no PT_DYNAMIC segment; nothing to relocate from")
	}
	return pl, nil
}
