package boot

import (
	"fmt"

	"moria.us/bootstub/image"
	"moria.us/bootstub/platform"
	"moria.us/bootstub/reloc"
)

// i686RetOffset is the byte distance from the entry point to the
// instruction after the base-deriving call, fixed by the stub encoding.
const i686RetOffset = 0xd

// EnterAMD64Linux is the loader-mode entry for (x86-64, Linux). The
// System V ABI wants RSP on a 16-byte boundary before every call. The
// entry argument is held across the relocation call in a callee-saved
// register; the relocator gets the image base and the _DYNAMIC address
// as RIP-relative leas.
func (b *Bootstrap) EnterAMD64Linux(env *Env, lay Layout) error {
	env.SP &^= 15
	arg := env.Arg
	env.call()
	if err := reloc.RelocateELF64(b.Image, lay.Dynamic); err != nil {
		return fmt.Errorf("enter amd64-linux: %w", err)
	}
	env.call()
	return b.Run(arg)
}

// EnterAMD64LinuxStandalone is the OS-invoked entry for (x86-64,
// Linux): the kernel hands over the argc/argv/envp stack layout, which
// is ignored beyond realigning the stack. A minimal descriptor/table
// pair is fabricated into the image first so the downstream path is the
// same one loader mode takes.
func (b *Bootstrap) EnterAMD64LinuxStandalone(env *Env, lay Layout) error {
	tableAddr, err := platform.Fabricate(b.Image, lay.PlatformData, platform.DefaultDescriptor(b.Image), b.Svc)
	if err != nil {
		return fmt.Errorf("enter amd64-linux standalone: %w", err)
	}
	env.Arg = tableAddr
	return b.EnterAMD64Linux(env, lay)
}

// EnterAMD64Windows is the loader-mode entry for (x86-64, Windows). The
// Microsoft x64 ABI wants RSP on a 16-byte boundary before every call
// plus a 32-byte shadow space; the stub aligns to 32 and reserves the
// shadow space once. The relocation arguments come from the descriptor
// the table points at (slot 9), adjusted by the leading-unused-byte
// count, and flag bit 0 decides whether the stack-probe shim is
// neutralized before any large-frame code can run.
func (b *Bootstrap) EnterAMD64Windows(env *Env, lay Layout) error {
	env.SP &^= 31
	env.SP -= 32
	arg := env.Arg
	im := b.Image

	tableOff, err := im.OffsetOf(arg)
	if err != nil {
		return fmt.Errorf("enter amd64-windows: service table: %w", err)
	}
	curBase, err := im.Word(tableOff + platform.SlotLoadAddr*8)
	if err != nil {
		return fmt.Errorf("enter amd64-windows: service table: %w", err)
	}
	descAddr, err := im.Word(tableOff + platform.PlatformOffset)
	if err != nil {
		return fmt.Errorf("enter amd64-windows: service table: %w", err)
	}
	descOff, err := im.OffsetOf(descAddr)
	if err != nil {
		return fmt.Errorf("enter amd64-windows: descriptor: %w", err)
	}
	rawDesc, err := im.Slice(descOff, platform.DescriptorSize)
	if err != nil {
		return fmt.Errorf("enter amd64-windows: descriptor: %w", err)
	}
	desc, err := platform.DecodeDescriptor(rawDesc)
	if err != nil {
		return fmt.Errorf("enter amd64-windows: %w", err)
	}

	// The loader counts leading unused bytes into the current base; the
	// relocation pass works from the adjusted base, with the table offset
	// shifted the other way so its absolute position is unchanged
	// (sub rsi, r8 / add rdx, r8 in the stub).
	viewBase := curBase - desc.Leading
	properOff, err := im.OffsetOf(viewBase)
	if err != nil {
		return fmt.Errorf("enter amd64-windows: image base: %w", err)
	}
	raw, err := im.Slice(properOff, im.Size()-properOff)
	if err != nil {
		return fmt.Errorf("enter amd64-windows: image base: %w", err)
	}
	proper := image.New(viewBase, raw)

	env.call()
	err = reloc.ApplyAMD64PE(proper, desc.ImageBase, reloc.Descriptor{
		Offset: desc.RelocOffset + desc.Leading,
		Size:   desc.RelocSize,
	})
	if err != nil {
		return fmt.Errorf("enter amd64-windows: %w", err)
	}

	if desc.StackProbeDisabled() && lay.Probe != nil {
		if err := lay.Probe.Disable(); err != nil {
			return fmt.Errorf("enter amd64-windows: %w", err)
		}
	}

	env.call()
	return b.Run(arg)
}

// EnterI686Linux is the entry for (x86, Linux). No address table is
// usable this early on i686, so the image base is derived from a local
// call's return address combined with two leaf routines, placed in
// writable memory, that return the link-time offsets of the entry point
// and of _DYNAMIC. The entry argument arrives on the stack.
func (b *Bootstrap) EnterI686Linux(env *Env, lay Layout) error {
	if len(env.Stack) < 2 {
		return fmt.Errorf("enter i686-linux: entry stack needs at least 2 words, have %d", len(env.Stack))
	}
	arg := env.Stack[1] // mov edi, [esp+4]
	env.SP &^= 15

	ret := b.Image.Base() + lay.Entry + i686RetOffset // pop ecx after the local call
	base := ret - lay.Entry - i686RetOffset           // leaf routine: entry offset
	dyn := base + lay.Dynamic                         // leaf routine: _DYNAMIC offset

	env.SP -= 8 // alignment slack
	env.SP -= 8 // two pushed arguments
	env.call()
	if err := reloc.RelocateELF32(b.Image, dyn-base); err != nil {
		return fmt.Errorf("enter i686-linux: %w", err)
	}
	env.SP += 4 // pop one argument
	env.SP -= 4 // push the preserved entry argument
	env.call()
	return b.Run(arg)
}
