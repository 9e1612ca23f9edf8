package stub

// i686EntryToPop is the opcode distance from the entry point to the
// popped return address: nop (1) + mov (4) + and (3) + call (5).
const i686EntryToPop = 0xd

// emitI686Linux is the entry for (x86, Linux). The i386 System V ABI
// requires ESP on a 16-byte boundary before `call`. No address table is
// usable this early, so the image base is derived by taking a local
// call's return address and subtracting the link-time entry offset that
// a leaf routine in writable memory returns; a second leaf returns the
// _DYNAMIC offset.
func emitI686Linux(lay Layout) []byte {
	p := prog{at: lay.Entry}
	p.emit(0x90)                         // nop
	p.emit(0x8b, 0x7c, 0x24, 0x04)      // mov edi, [esp+4]  service table
	p.emit(0x83, 0xe4, 0xf0)            // and esp, -16
	p.call(p.off() + 5)                 // call 1f
	p.emit(0x59)                        // 1: pop ecx        entry + 0xd
	p.call(lay.Leaves)                  // call _get_start_offset
	p.emit(0x29, 0xc1)                  // sub ecx, eax
	p.emit(0x83, 0xe9, 0x0d)            // sub ecx, 0xd      ecx = image base
	p.call(lay.Leaves + leafSize)       // call _get_dynamic_section_offset
	p.emit(0x01, 0xc8)                  // add eax, ecx      eax = _DYNAMIC
	p.emit(0x83, 0xec, 0x08)            // sub esp, 8        alignment
	p.emit(0x50)                        // push eax
	p.emit(0x51)                        // push ecx
	p.call(lay.Relocate)                // call relocate
	p.emit(0x83, 0xc4, 0x04)            // add esp, 4
	p.emit(0x57)                        // push edi
	p.call(lay.Bootstrap)               // call bootstrap; never returns
	return p.buf
}

// leafSize is the encoded size of one leaf routine: lea eax, [disp32]
// plus ret.
const leafSize = 7

// EmitI686Leaves produces the two leaf routines the i686 stub calls.
// They live in writable memory so the lea displacements stay link-time
// constants instead of needing relocation themselves: each just returns
// a known offset.
func EmitI686Leaves(lay Layout) []byte {
	p := prog{at: lay.Leaves}
	p.emit(0x8d, 0x05)         // lea eax, [_start]
	p.u32(uint32(lay.Entry))   //
	p.emit(0xc3)               // ret
	p.emit(0x8d, 0x05)         // lea eax, [_DYNAMIC]
	p.u32(uint32(lay.Dynamic)) //
	p.emit(0xc3)               // ret
	return p.buf
}
