// Package stub emits the entry-stub and stack-probe machine code each
// supported (arch, OS) target begins execution with. The routines are
// naked and register-exact; everything else in the binary is reached
// through the calls encoded here.
package stub

import (
	"encoding/binary"
	"fmt"
)

// A Target names a supported entry-stub flavor.
type Target int

const (
	AMD64Linux Target = iota
	AMD64LinuxStandalone
	AMD64Windows
	I686Linux
)

func (t Target) String() string {
	switch t {
	case AMD64Linux:
		return "amd64-linux"
	case AMD64LinuxStandalone:
		return "amd64-linux-standalone"
	case AMD64Windows:
		return "amd64-windows"
	case I686Linux:
		return "i686-linux"
	default:
		return "unknown"
	}
}

// ParseTarget maps a config string to a Target.
func ParseTarget(s string) (Target, error) {
	switch s {
	case "amd64-linux":
		return AMD64Linux, nil
	case "amd64-linux-standalone":
		return AMD64LinuxStandalone, nil
	case "amd64-windows":
		return AMD64Windows, nil
	case "i686-linux":
		return I686Linux, nil
	}
	return 0, fmt.Errorf("unsupported target %q", s)
}

// A Layout holds the link-time-known image offsets the stubs encode
// references to. The ELF header is offset 0 by construction.
type Layout struct {
	Entry     uint64 // where the stub itself is placed
	Relocate  uint64 // relocation routine
	Bootstrap uint64 // bootstrap routine
	Main      uint64 // application entry (standalone stub only)
	Chkstk    uint64 // stack-probe shim (amd64-windows only)
	Dynamic   uint64 // _DYNAMIC table (ELF targets)
	Leaves    uint64 // the two writable leaf routines (i686 only)
}

// Emit produces the entry stub for a target, placed at lay.Entry.
func Emit(t Target, lay Layout) ([]byte, error) {
	switch t {
	case AMD64Linux:
		return emitAMD64Linux(lay), nil
	case AMD64LinuxStandalone:
		return emitAMD64LinuxStandalone(lay), nil
	case AMD64Windows:
		return emitAMD64Windows(lay), nil
	case I686Linux:
		return emitI686Linux(lay), nil
	}
	return nil, fmt.Errorf("unsupported target %d", int(t))
}

// prog is a little instruction writer: bytes are appended at a known
// image offset, so rel32 displacements to known symbols resolve
// immediately and only local jumps need patching.
type prog struct {
	at  uint64
	buf []byte
}

func (p *prog) off() uint64 { return p.at + uint64(len(p.buf)) }

func (p *prog) emit(bs ...byte) { p.buf = append(p.buf, bs...) }

func (p *prog) u32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	p.buf = append(p.buf, b[:]...)
}

// rel32 appends a 4-byte displacement from the end of the current
// instruction to target.
func (p *prog) rel32(target uint64) {
	p.u32(uint32(int32(int64(target) - int64(p.off()+4))))
}

// call emits e8 with a resolved rel32.
func (p *prog) call(target uint64) {
	p.emit(0xe8)
	p.rel32(target)
}

// jcc8 emits a short conditional jump with a placeholder displacement
// and returns the patch position for bind.
func (p *prog) jcc8(op byte) int {
	p.emit(op, 0)
	return len(p.buf) - 1
}

// bind patches a forward short jump to land here.
func (p *prog) bind(at int) {
	p.buf[at] = byte(len(p.buf) - (at + 1))
}

// jcc8back emits a short conditional jump to an already-emitted offset.
func (p *prog) jcc8back(op byte, target uint64) {
	disp := int64(target) - int64(p.off()+2)
	p.emit(op, byte(int8(disp)))
}
