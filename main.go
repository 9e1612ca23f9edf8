package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"go.uber.org/zap"

	"moria.us/bootstub/buildcfg"
	"moria.us/bootstub/image"
	"moria.us/bootstub/live"
	"moria.us/bootstub/reloc"
	"moria.us/bootstub/stub"
)

const usageText = `usage:
  bootstub emit     [-config file] [-base85] [-output file] [symbol offsets]
  bootstub relocate -base addr -output file [-live] [-verbose] input
  bootstub info     input
`

func parseAddr(s string) (uint64, error) {
	return strconv.ParseUint(s, 0, 64)
}

// readPayload sniffs the input format and reads it.
func readPayload(name string) (*payload, error) {
	fp, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	var magic [4]byte
	_, rerr := fp.ReadAt(magic[:], 0)
	fp.Close()
	if rerr != nil {
		return nil, rerr
	}
	switch {
	case magic == [4]byte{0x7f, 'E', 'L', 'F'}:
		return readELFPayload(name)
	case magic[0] == 'M' && magic[1] == 'Z':
		return readPEPayload(name)
	}
	return nil, errors.New("input is neither an ELF nor a PE image")
}

func cmdEmit(args []string) error {
	fs := flag.NewFlagSet("emit", flag.ExitOnError)
	var (
		config    = fs.String("config", "", "Build config YAML (BOOTSTUB_* env overrides apply)")
		output    = fs.String("output", "", "Output file (default stdout)")
		base85    = fs.Bool("base85", false, "Emit base85 text instead of raw bytes")
		entry     = fs.String("entry", "0x1000", "Entry stub offset")
		relocateO = fs.String("relocate", "0x1100", "Relocation routine offset")
		bootstrap = fs.String("bootstrap", "0x1200", "Bootstrap routine offset")
		mainO     = fs.String("main", "0x1300", "Application entry offset (standalone)")
		chkstk    = fs.String("chkstk", "0x1400", "Stack probe shim offset (windows)")
		dynamic   = fs.String("dynamic", "0x2000", "_DYNAMIC table offset (ELF)")
		leaves    = fs.String("leaves", "0x3000", "Leaf routine offset (i686)")
	)
	fs.Parse(args)

	var cfgReader io.Reader
	if *config != "" {
		fp, err := os.Open(*config)
		if err != nil {
			return err
		}
		defer fp.Close()
		cfgReader = fp
	}
	cfg, err := buildcfg.Load(cfgReader)
	if err != nil {
		return err
	}
	target, err := cfg.Target()
	if err != nil {
		return err
	}

	var lay stub.Layout
	for _, f := range []struct {
		s   string
		dst *uint64
	}{
		{*entry, &lay.Entry},
		{*relocateO, &lay.Relocate},
		{*bootstrap, &lay.Bootstrap},
		{*mainO, &lay.Main},
		{*chkstk, &lay.Chkstk},
		{*dynamic, &lay.Dynamic},
		{*leaves, &lay.Leaves},
	} {
		v, err := parseAddr(f.s)
		if err != nil {
			return err
		}
		*f.dst = v
	}

	code, err := stub.Emit(target, lay)
	if err != nil {
		return err
	}
	blob, err := placeAt(nil, lay.Entry, lay.Entry, code)
	if err != nil {
		return err
	}
	if target == stub.AMD64Windows && cfg.StackProbe {
		if blob, err = placeAt(blob, lay.Entry, lay.Chkstk, stub.EmitChkstk(lay)); err != nil {
			return err
		}
	}
	if target == stub.I686Linux {
		if blob, err = placeAt(blob, lay.Entry, lay.Leaves, stub.EmitI686Leaves(lay)); err != nil {
			return err
		}
	}

	out := os.Stdout
	if *output != "" {
		fp, err := os.Create(*output)
		if err != nil {
			return err
		}
		defer fp.Close()
		out = fp
	}
	if *base85 {
		_, err = fmt.Fprintln(out, stub.Pack(blob))
	} else {
		_, err = out.Write(blob)
	}
	return err
}

// placeAt grows blob (whose first byte sits at origin) to hold code at
// the given offset. Gaps are zero-filled.
func placeAt(blob []byte, origin, off uint64, code []byte) ([]byte, error) {
	if off < origin {
		return nil, fmt.Errorf("offset 0x%x is below the image origin 0x%x", off, origin)
	}
	start := off - origin
	end := start + uint64(len(code))
	if uint64(len(blob)) < end {
		blob = append(blob, make([]byte, end-uint64(len(blob)))...)
	}
	copy(blob[start:end], code)
	return blob, nil
}

func cmdRelocate(args []string) error {
	fs := flag.NewFlagSet("relocate", flag.ExitOnError)
	var (
		baseStr = fs.String("base", "", "Load base address")
		output  = fs.String("output", "", "Output file")
		useLive = fs.Bool("live", false, "Map into real memory and relocate in place (ELF amd64 only)")
		verbose = fs.Bool("verbose", false, "Log relocation steps")
	)
	fs.Parse(args)
	if *output == "" {
		return errors.New("flag -output is required")
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("got %d arguments, expected 1", fs.NArg())
	}
	input := fs.Arg(0)
	pl, err := readPayload(input)
	if err != nil {
		return wrapError(err, input)
	}

	var relocated []byte
	if *useLive {
		if pl.format != "elf64" {
			return fmt.Errorf("live relocation supports elf64 payloads, not %s", pl.format)
		}
		log := zap.NewNop()
		if *verbose {
			if log, err = zap.NewDevelopment(); err != nil {
				return err
			}
		}
		m, err := live.Map(pl.data, log)
		if err != nil {
			return err
		}
		defer m.Close()
		if err := m.RelocateELF64(pl.dynamic); err != nil {
			return wrapError(err, input)
		}
		relocated = append([]byte(nil), m.Image().Bytes()...)
	} else {
		if *baseStr == "" {
			return errors.New("flag -base is required")
		}
		base, err := parseAddr(*baseStr)
		if err != nil {
			return err
		}
		im := image.New(base, pl.data)
		switch pl.format {
		case "elf64":
			err = reloc.RelocateELF64(im, pl.dynamic)
		case "elf32":
			err = reloc.RelocateELF32(im, pl.dynamic)
		case "pe64":
			err = reloc.ApplyAMD64PE(im, pl.base, reloc.Descriptor{
				Offset: pl.reloc.offset,
				Size:   pl.reloc.size,
			})
		default:
			err = fmt.Errorf("unsupported payload format %s", pl.format)
		}
		if err != nil {
			return wrapError(err, input)
		}
		relocated = pl.data
	}

	fp, err := os.Create(*output)
	if err != nil {
		return err
	}
	defer fp.Close()
	if _, err := fp.Write(relocated); err != nil {
		return err
	}
	return fp.Close() // Double-close is OK
}

func mainE() error {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usageText)
		return errors.New("missing command")
	}
	switch os.Args[1] {
	case "emit":
		return cmdEmit(os.Args[2:])
	case "relocate":
		return cmdRelocate(os.Args[2:])
	case "info":
		return cmdInfo(os.Args[2:])
	default:
		fmt.Fprint(os.Stderr, usageText)
		return fmt.Errorf("unknown command %q", os.Args[1])
	}
}

func main() {
	if err := mainE(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
