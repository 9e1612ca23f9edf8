package main

import (
	"debug/pe"
	"errors"
	"fmt"
)

// dataDirBaseReloc is the index of the base-relocation directory in a
// PE optional header.
const dataDirBaseReloc = 5

// readPEPayload reads an amd64 PE executable and flattens its sections
// into the virtual-address layout, recording the base-relocation
// directory as the explicit (offset, size) pair the relocator consumes.
func readPEPayload(name string) (*payload, error) {
	f, err := pe.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	oh, ok := f.OptionalHeader.(*pe.OptionalHeader64)
	if !ok {
		return nil, errors.New("PE is not PE32+, expected an amd64 image")
	}
	if f.Machine != pe.IMAGE_FILE_MACHINE_AMD64 {
		return nil, fmt.Errorf("PE has machine 0x%x, expected amd64", f.Machine)
	}

	pl := &payload{
		format: "pe64",
		entry:  uint64(oh.AddressOfEntryPoint),
		base:   oh.ImageBase,
		data:   make([]byte, oh.SizeOfImage),
	}
	for i, s := range f.Sections {
		if s.Size == 0 {
			continue
		}
		raw, err := s.Data()
		if err != nil {
			return nil, wrapErrorf(err, "section %d %q", i, s.Name)
		}
		end := uint64(s.VirtualAddress) + uint64(len(raw))
		if end > uint64(len(pl.data)) {
			return nil, fmt.Errorf("section %d %q extends past SizeOfImage", i, s.Name)
		}
		copy(pl.data[s.VirtualAddress:end], raw)
	}
	if dataDirBaseReloc < len(oh.DataDirectory) {
		dir := oh.DataDirectory[dataDirBaseReloc]
		pl.reloc.offset = uint64(dir.VirtualAddress)
		pl.reloc.size = uint64(dir.Size)
	}
	return pl, nil
}
