// Package live materializes a program image in real process memory and
// runs the relocation pass against it. Lacking fine-grained
// section-protection discovery, the whole image is marked
// read-write-execute for the pass; coarse, but correct for every
// layout.
package live

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"moria.us/bootstub/image"
	"moria.us/bootstub/platform"
	"moria.us/bootstub/reloc"
)

// A Mapping is an image copied into anonymous executable memory.
type Mapping struct {
	im  *image.Image
	raw []byte
	log *zap.Logger
}

// Map copies data into a fresh anonymous mapping and returns the image
// view over it. The load base is whatever address the OS hands back.
func Map(data []byte, log *zap.Logger) (*Mapping, error) {
	if log == nil {
		log = zap.NewNop()
	}
	raw, base, err := mapRWX(len(data))
	if err != nil {
		return nil, fmt.Errorf("map image: %w", err)
	}
	copy(raw, data)
	log.Debug("mapped image",
		zap.Uint64("base", base),
		zap.Int("size", len(data)))
	return &Mapping{
		im:  image.New(base, raw),
		raw: raw,
		log: log,
	}, nil
}

// Image returns the view over the mapped memory.
func (m *Mapping) Image() *image.Image { return m.im }

// RelocateELF64 marks the mapping read-write-execute and applies the
// amd64-ELF relocation pass from the _DYNAMIC table at dynOff. Must run
// exactly once, before anything reads a relocated location.
func (m *Mapping) RelocateELF64(dynOff uint64) error {
	if err := protectRWX(m.raw); err != nil {
		return fmt.Errorf("mark image rwx: %w", err)
	}
	m.log.Debug("image marked rwx", zap.Uint64("base", m.im.Base()))
	if err := reloc.RelocateELF64(m.im, dynOff); err != nil {
		return err
	}
	m.log.Debug("relocated image",
		zap.Uint64("base", m.im.Base()),
		zap.Uint64("dynamic", dynOff))
	return nil
}

// Close releases the mapping.
func (m *Mapping) Close() error {
	if m.raw == nil {
		return nil
	}
	err := release(m.raw)
	m.raw = nil
	return err
}

// HostServices returns services backed by the real host: anonymous
// mappings for memory, standard streams for I/O, and process exit for
// termination. The Exit service does not return.
func HostServices(log *zap.Logger) *platform.Services {
	if log == nil {
		log = zap.NewNop()
	}
	held := make(map[uint64][]byte)
	alloc := func(size uint64) uint64 {
		raw, base, err := mapRW(int(size))
		if err != nil {
			log.Error("allocation failed", zap.Uint64("size", size), zap.Error(err))
			return 0
		}
		held[base] = raw
		return base
	}
	return &platform.Services{
		Alloc:       alloc,
		AllocZeroed: alloc, // anonymous mappings come back zeroed
		AllocRWX: func(size uint64) uint64 {
			raw, base, err := mapRWX(int(size))
			if err != nil {
				log.Error("rwx allocation failed", zap.Uint64("size", size), zap.Error(err))
				return 0
			}
			held[base] = raw
			return base
		},
		Free: func(addr, size uint64) {
			if raw, ok := held[addr]; ok {
				delete(held, addr)
				_ = release(raw)
			}
		},
		Realloc: func(addr, oldSize, newSize uint64) uint64 {
			next := alloc(newSize)
			if next == 0 {
				return 0
			}
			if raw, ok := held[addr]; ok {
				n := oldSize
				if newSize < n {
					n = newSize
				}
				copy(held[next][:n], raw[:n])
				delete(held, addr)
				_ = release(raw)
			}
			return next
		},
		Exit: func(status int) {
			log.Debug("terminating", zap.Int("status", status))
			exitProcess(status)
		},
		Read: func(p []byte) int {
			n, _ := os.Stdin.Read(p)
			return n
		},
		Write: func(p []byte) int {
			n, _ := os.Stdout.Write(p)
			return n
		},
	}
}
