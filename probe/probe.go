// Package probe reproduces the checked-stack-allocation convention some
// compiled code assumes on Windows: before a large frame is used, every
// 4096-byte stride of it is touched so guard-protected pages get
// committed in order.
package probe

import (
	"fmt"

	"moria.us/bootstub/image"
)

// Stride is the guard page size the walk commits one page at a time.
const Stride = 4096

// retOpcode is the single-byte immediate return the shim is overwritten
// with when it is disabled in place.
const retOpcode = 0xc3

// Reserve walks backward from sp in Stride-byte steps, calling touch
// once per stride, until fewer than Stride bytes of the requested frame
// remain, then touches the final partial stride. The touch order and
// count mirror the __chkstk routine exactly.
func Reserve(sp, frame uint64, touch func(addr uint64)) {
	addr := sp
	if frame >= Stride {
		for {
			addr -= Stride
			touch(addr)
			frame -= Stride
			if frame <= Stride {
				break
			}
		}
	}
	addr -= frame
	touch(addr)
}

// A Shim is the stack-probe routine as it sits inside a program image.
// It can be neutralized at runtime by overwriting its first byte with a
// return instruction; the patch happens at most once, during bootstrap,
// strictly before any large-frame code runs.
type Shim struct {
	im      *image.Image
	off     uint64
	patched bool
}

// NewShim binds a shim at the given image offset.
func NewShim(im *image.Image, off uint64) *Shim {
	return &Shim{im: im, off: off}
}

// Disable overwrites the shim with an immediate return. Safe to call
// once; a second call is a bootstrap-ordering bug.
func (s *Shim) Disable() error {
	if s.patched {
		return fmt.Errorf("stack probe shim at 0x%x already disabled", s.off)
	}
	if err := s.im.SetByte(s.off, retOpcode); err != nil {
		return fmt.Errorf("disable stack probe: %w", err)
	}
	s.patched = true
	return nil
}

// Disabled reports whether the in-image routine has been neutralized.
func (s *Shim) Disabled() bool {
	b, err := s.im.Byte(s.off)
	return err == nil && b == retOpcode
}

// Reserve runs the probe walk unless the shim has been disabled, in
// which case it returns immediately, exactly like the patched routine.
func (s *Shim) Reserve(sp, frame uint64, touch func(addr uint64)) {
	if s.Disabled() {
		return
	}
	Reserve(sp, frame, touch)
}
