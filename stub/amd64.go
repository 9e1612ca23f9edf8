package stub

// emitAMD64Linux is the loader-mode entry for (x86-64, Linux). The
// System V ABI requires RSP on a 16-byte boundary before `call`. The
// incoming service-table address (RCX, loader calling convention) is
// parked in RBX, which the relocation routine preserves.
func emitAMD64Linux(lay Layout) []byte {
	p := prog{at: lay.Entry}
	p.emit(0x90)                         // nop
	p.emit(0x48, 0x83, 0xe4, 0xf0)      // and rsp, -16
	p.emit(0x48, 0x89, 0xcb)            // mov rbx, rcx
	p.emit(0x48, 0x8d, 0x3d)            // lea rdi, [rip+__ehdr_start]
	p.rel32(0)                          //   image base is offset 0
	p.emit(0x48, 0x8d, 0x35)            // lea rsi, [rip+_DYNAMIC]
	p.rel32(lay.Dynamic)                //
	p.call(lay.Relocate)                // call relocate
	p.emit(0x48, 0x89, 0xdf)            // mov rdi, rbx
	p.call(lay.Bootstrap)               // call bootstrap; never returns
	return p.buf
}

// emitAMD64LinuxStandalone is the OS-invoked entry for (x86-64, Linux):
// realign, run the application, then the raw process-exit system call
// with status 0.
func emitAMD64LinuxStandalone(lay Layout) []byte {
	p := prog{at: lay.Entry}
	p.emit(0x48, 0x83, 0xe4, 0xf0)      // and rsp, -16
	p.call(lay.Main)                    // call main
	p.emit(0xb8, 0xe7, 0x00, 0x00, 0x00) // mov eax, 231 (exit_group)
	p.emit(0x31, 0xff)                  // xor edi, edi
	p.emit(0x0f, 0x05)                  // syscall
	return p.buf
}

// emitAMD64Windows is the loader-mode entry for (x86-64, Windows). The
// Microsoft x64 ABI requires RSP on a 16-byte boundary before `call`
// plus a 32-byte shadow space. The relocation arguments come from the
// PlatformDescriptor at table offset +72, adjusted by the leading
// unused byte count; descriptor flag bit 0 decides whether __chkstk is
// overwritten with an immediate return, because a non-Windows host
// neither requires nor safely supports incremental stack commit.
func emitAMD64Windows(lay Layout) []byte {
	p := prog{at: lay.Entry}
	p.emit(0x90)                         // nop
	p.emit(0x48, 0x83, 0xe4, 0xe0)      // and rsp, -32
	p.emit(0x48, 0x83, 0xec, 0x20)      // sub rsp, 32
	p.emit(0x48, 0x89, 0xcb)            // mov rbx, rcx
	p.emit(0x48, 0x8b, 0x43, 0x48)      // mov rax, [rbx+72]   descriptor
	p.emit(0x48, 0x8b, 0x78, 0x18)      // mov rdi, [rax+24]   preferred base
	p.emit(0x48, 0x8b, 0x33)            // mov rsi, [rbx]      current base
	p.emit(0x48, 0x8b, 0x50, 0x20)      // mov rdx, [rax+32]   reloc offset
	p.emit(0x48, 0x8b, 0x48, 0x28)      // mov rcx, [rax+40]   reloc size
	p.emit(0x4c, 0x8b, 0x40, 0x10)      // mov r8,  [rax+16]   leading bytes
	p.emit(0x4c, 0x29, 0xc6)            // sub rsi, r8
	p.emit(0x4c, 0x01, 0xc2)            // add rdx, r8
	p.call(lay.Relocate)                // call relocate
	p.emit(0x48, 0x8b, 0x43, 0x48)      // mov rax, [rbx+72]
	p.emit(0x48, 0x8b, 0x50, 0x08)      // mov rdx, [rax+8]    flags
	p.emit(0x48, 0x0f, 0xba, 0xfa, 0x00) // btc rdx, 0
	skip := p.jcc8(0x73)                // jnc 1f
	p.emit(0x48, 0x8d, 0x0d)            // lea rcx, [rip+__chkstk]
	p.rel32(lay.Chkstk)                 //
	p.emit(0xc6, 0x01, 0xc3)            // mov byte [rcx], 0xc3
	p.bind(skip)                        // 1:
	p.emit(0x48, 0x89, 0xd9)            // mov rcx, rbx
	p.call(lay.Bootstrap)               // call bootstrap; never returns
	return p.buf
}

// emitChkstk is the stack-probe shim: walk backward from RSP in
// 4096-byte strides, touching one byte per stride to commit
// guard-protected pages, until fewer than 4096 bytes of the requested
// frame (RAX) remain, then touch the final partial stride.
func emitChkstk(lay Layout) []byte {
	p := prog{at: lay.Chkstk}
	p.emit(0x51)                               // push rcx
	p.emit(0x50)                               // push rax
	p.emit(0x48, 0x3d, 0x00, 0x10, 0x00, 0x00) // cmp rax, 4096
	p.emit(0x48, 0x8d, 0x4c, 0x24, 0x18)       // lea rcx, [rsp+24]
	last := p.jcc8(0x72)                       // jb 1f
	loop := p.off()                            // 2:
	p.emit(0x48, 0x81, 0xe9, 0x00, 0x10, 0x00, 0x00) // sub rcx, 4096
	p.emit(0x48, 0x85, 0x09)                   // test [rcx], rcx
	p.emit(0x48, 0x2d, 0x00, 0x10, 0x00, 0x00) // sub rax, 4096
	p.emit(0x48, 0x3d, 0x00, 0x10, 0x00, 0x00) // cmp rax, 4096
	p.jcc8back(0x77, loop)                     // ja 2b
	p.bind(last)                               // 1:
	p.emit(0x48, 0x29, 0xc1)                   // sub rcx, rax
	p.emit(0x48, 0x85, 0x09)                   // test [rcx], rcx
	p.emit(0x58)                               // pop rax
	p.emit(0x59)                               // pop rcx
	p.emit(0xc3)                               // ret
	return p.buf
}

// EmitChkstk produces the stack-probe shim placed at lay.Chkstk. A
// build-time switch decides whether it is compiled in at all; it only
// exists for the Windows ABI.
func EmitChkstk(lay Layout) []byte {
	return emitChkstk(lay)
}
