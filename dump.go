package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"

	"moria.us/bootstub/image"
	"moria.us/bootstub/reloc"
)

const hexDigits = "0123456789abcdef"

// writeHexLine writes one 16-byte hex dump row with an ASCII gutter.
func writeHexLine(w *bufio.Writer, off uint64, b []byte) {
	fmt.Fprintf(w, "%08x  ", off)
	for i := 0; i < 16; i++ {
		if i < len(b) {
			w.WriteByte(hexDigits[b[i]>>4])
			w.WriteByte(hexDigits[b[i]&15])
		} else {
			w.WriteString("  ")
		}
		w.WriteByte(' ')
	}
	w.WriteByte(' ')
	for _, c := range b {
		if 0x20 <= c && c <= 0x7e {
			w.WriteByte(c)
		} else {
			w.WriteByte('.')
		}
	}
	w.WriteByte('\n')
}

func dumpRegion(w *bufio.Writer, off uint64, b []byte, max int) {
	if len(b) > max {
		b = b[:max]
	}
	for i := 0; i < len(b); i += 16 {
		end := i + 16
		if end > len(b) {
			end = len(b)
		}
		writeHexLine(w, off+uint64(i), b[i:end])
	}
}

func cmdInfo(args []string) error {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	dump := fs.Bool("dump", false, "Hex-dump the head of the relocation table")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("got %d arguments, expected 1", fs.NArg())
	}
	input := fs.Arg(0)
	pl, err := readPayload(input)
	if err != nil {
		return wrapError(err, input)
	}

	w := bufio.NewWriter(os.Stdout)
	defer w.Flush()
	fmt.Fprintf(w, "format: %s\n", pl.format)
	fmt.Fprintf(w, "size:   0x%x\n", len(pl.data))
	fmt.Fprintf(w, "entry:  0x%x\n", pl.entry)

	// Offsets count from base 0, the link-time layout.
	im := image.New(0, pl.data)
	var d reloc.Descriptor
	switch pl.format {
	case "elf64":
		fmt.Fprintf(w, "dynamic: 0x%x\n", pl.dynamic)
		if d, err = reloc.ParseDynamic64(im, pl.dynamic); err != nil {
			return wrapError(err, input)
		}
		fmt.Fprintf(w, "rela:   0x%x+0x%x (%d entries)\n", d.Offset, d.Size, d.Size/24)
	case "elf32":
		fmt.Fprintf(w, "dynamic: 0x%x\n", pl.dynamic)
		if d, err = reloc.ParseDynamic32(im, pl.dynamic); err != nil {
			return wrapError(err, input)
		}
		fmt.Fprintf(w, "rel:    0x%x+0x%x (%d entries)\n", d.Offset, d.Size, d.Size/8)
	case "pe64":
		d = reloc.Descriptor{Offset: pl.reloc.offset, Size: pl.reloc.size}
		fmt.Fprintf(w, "preferred base: 0x%x\n", pl.base)
		fmt.Fprintf(w, "base relocs:    0x%x+0x%x\n", d.Offset, d.Size)
	}
	if *dump && d.Size != 0 {
		raw, err := im.Slice(d.Offset, d.Size)
		if err != nil {
			return wrapError(err, input)
		}
		dumpRegion(w, d.Offset, raw, 256)
	}
	return nil
}
