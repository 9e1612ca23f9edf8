package boot_test

import (
	"encoding/binary"
	"fmt"
	"testing"

	"moria.us/bootstub/boot"
	"moria.us/bootstub/image"
	"moria.us/bootstub/platform"
	"moria.us/bootstub/probe"
)

const (
	dtNull   = 0
	dtRela   = 7
	dtRelasz = 8
	dtRel    = 17
	dtRelsz  = 18
)

// buildELF64Image lays out a 64-bit image: _DYNAMIC at 0x100, one RELA
// entry at 0x200 targeting 0x300 (addend 0x40), platform data region at
// 0x800.
func buildELF64Image(base uint64) *image.Image {
	data := make([]byte, 0x1000)
	le := binary.LittleEndian
	le.PutUint64(data[0x100:], dtRela)
	le.PutUint64(data[0x108:], 0x200)
	le.PutUint64(data[0x110:], dtRelasz)
	le.PutUint64(data[0x118:], 24)
	le.PutUint64(data[0x120:], dtNull)
	le.PutUint64(data[0x200:], 0x300)
	le.PutUint64(data[0x208:], 8) // R_X86_64_RELATIVE
	le.PutUint64(data[0x210:], 0x40)
	return image.New(base, data)
}

// writeLoaderData plants a descriptor and table the way an external
// loader would, returning the table address.
func writeLoaderData(t *testing.T, im *image.Image, off uint64, desc platform.Descriptor) uint64 {
	t.Helper()
	raw, err := im.Slice(off, platform.DescriptorSize+platform.TableSize)
	if err != nil {
		t.Fatal("loader data region:", err)
	}
	if err := desc.Put(raw[:platform.DescriptorSize]); err != nil {
		t.Fatal("descriptor:", err)
	}
	var tab platform.Table
	tab.Words[platform.SlotLoadAddr] = im.Base()
	tab.Words[platform.SlotPlatform] = im.Base() + off
	if err := tab.Put(raw[platform.DescriptorSize:]); err != nil {
		t.Fatal("table:", err)
	}
	return im.Base() + off + platform.DescriptorSize
}

// recorder captures every visible host interaction in order.
type recorder struct {
	events []string
}

func (r *recorder) services() *platform.Services {
	return &platform.Services{
		Exit:  func(status int) { r.events = append(r.events, fmt.Sprintf("exit(%d)", status)) },
		Write: func(p []byte) int { r.events = append(r.events, "write"); return len(p) },
	}
}

func checkAligned(t *testing.T, trace []uint64, mask uint64) {
	t.Helper()
	if len(trace) == 0 {
		t.Fatal("no calls traced")
	}
	for i, sp := range trace {
		if sp&mask != 0 {
			t.Errorf("call %d: stack pointer 0x%x not aligned (mask 0x%x)", i, sp, mask)
		}
	}
}

func TestEnterAMD64LinuxLoaderMode(t *testing.T) {
	const base = 0x10000
	im := buildELF64Image(base)
	tableAddr := writeLoaderData(t, im, 0x800, platform.Descriptor{ImageBase: base})

	rec := &recorder{}
	var got *platform.Platform
	b := &boot.Bootstrap{
		Image: im,
		Svc:   rec.services(),
		App: func(p *platform.Platform) {
			rec.events = append(rec.events, "app")
			got = p
		},
	}
	env := &boot.Env{SP: 0x7ffffff9, Arg: tableAddr}
	if err := b.EnterAMD64Linux(env, boot.Layout{Dynamic: 0x100}); err != nil {
		t.Fatal("EnterAMD64Linux:", err)
	}

	checkAligned(t, env.Trace, 0xf)
	if got == nil || got.LoadAddr != base {
		t.Fatalf("application got platform %+v", got)
	}
	v, _ := im.Word(0x300)
	if v != base+0x40 {
		t.Errorf("relocation: got 0x%x, expected 0x%x", v, uint64(base+0x40))
	}
	if len(rec.events) != 2 || rec.events[0] != "app" || rec.events[1] != "exit(0)" {
		t.Errorf("host interactions: %v, expected app then exit(0)", rec.events)
	}
}

func TestEnterAMD64LinuxStandalone(t *testing.T) {
	const base = 0x10000
	im := buildELF64Image(base)

	rec := &recorder{}
	b := &boot.Bootstrap{
		Image: im,
		Svc:   rec.services(),
		App:   func(p *platform.Platform) { rec.events = append(rec.events, "app") },
	}
	// Kernel-provided stack: argc, argv[0], nil, envp... all ignored.
	env := &boot.Env{SP: 0x7ffffe17, Stack: []uint64{1, 0xcafe, 0}}
	if err := b.EnterAMD64LinuxStandalone(env, boot.Layout{Dynamic: 0x100, PlatformData: 0x800}); err != nil {
		t.Fatal("EnterAMD64LinuxStandalone:", err)
	}

	checkAligned(t, env.Trace, 0xf)
	v, _ := im.Word(0x300)
	if v != base+0x40 {
		t.Errorf("relocation: got 0x%x, expected 0x%x", v, uint64(base+0x40))
	}
	if len(rec.events) != 2 || rec.events[0] != "app" || rec.events[1] != "exit(0)" {
		t.Errorf("host interactions: %v, expected app then exit(0) and nothing else", rec.events)
	}
}

// Loader-supplied and locally fabricated tables must route the
// application through an identical post-bootstrap call shape.
func TestModeTransparency(t *testing.T) {
	app := func(rec *recorder, got **platform.Platform) func(*platform.Platform) {
		return func(p *platform.Platform) {
			rec.events = append(rec.events, "app")
			*got = p
		}
	}

	const base = 0x10000
	var loader, standalone *platform.Platform

	im := buildELF64Image(base)
	rec := &recorder{}
	b := &boot.Bootstrap{Image: im, Svc: rec.services(), App: app(rec, &loader)}
	tableAddr := writeLoaderData(t, im, 0x800, platform.Descriptor{ImageBase: base})
	if err := b.EnterAMD64Linux(&boot.Env{SP: 0x8000, Arg: tableAddr}, boot.Layout{Dynamic: 0x100}); err != nil {
		t.Fatal("loader mode:", err)
	}

	im = buildELF64Image(base)
	rec2 := &recorder{}
	b = &boot.Bootstrap{Image: im, Svc: rec2.services(), App: app(rec2, &standalone)}
	if err := b.EnterAMD64LinuxStandalone(&boot.Env{SP: 0x8000}, boot.Layout{Dynamic: 0x100, PlatformData: 0x800}); err != nil {
		t.Fatal("standalone mode:", err)
	}

	if loader == nil || standalone == nil {
		t.Fatal("application not reached in both modes")
	}
	if loader.LoadAddr != standalone.LoadAddr {
		t.Errorf("load address differs: 0x%x vs 0x%x", loader.LoadAddr, standalone.LoadAddr)
	}
	if loader.TableAddr != standalone.TableAddr {
		t.Errorf("table address differs: 0x%x vs 0x%x", loader.TableAddr, standalone.TableAddr)
	}
	if fmt.Sprint(rec.events) != fmt.Sprint(rec2.events) {
		t.Errorf("host interactions differ: %v vs %v", rec.events, rec2.events)
	}
}

// buildPEImage lays out a PE-shaped image: one DIR64 relocation at
// 0x410 targeting 0x500, platform data at 0x800.
func buildPEImage(base, preferred uint64) *image.Image {
	data := make([]byte, 0x1000)
	le := binary.LittleEndian
	le.PutUint32(data[0x400:], 0x500) // page RVA
	le.PutUint32(data[0x404:], 12)
	le.PutUint16(data[0x408:], 10<<12|0x10)
	le.PutUint64(data[0x510:], preferred+0x77)
	return image.New(base, data)
}

func TestEnterAMD64Windows(t *testing.T) {
	const preferred = 0x140000000
	const base = 0x180000000
	for _, tc := range []struct {
		name    string
		flags   uint64
		patched bool
	}{
		{"probe kept", 0, false},
		{"probe disabled", platform.FlagNoStackProbe, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			im := buildPEImage(base, preferred)
			tableAddr := writeLoaderData(t, im, 0x800, platform.Descriptor{
				Flags:       tc.flags,
				ImageBase:   preferred,
				RelocOffset: 0x400,
				RelocSize:   12,
			})
			shim := probe.NewShim(im, 0x700)

			rec := &recorder{}
			b := &boot.Bootstrap{
				Image: im,
				Svc:   rec.services(),
				App:   func(p *platform.Platform) { rec.events = append(rec.events, "app") },
			}
			env := &boot.Env{SP: 0x7ffffe17, Arg: tableAddr}
			if err := b.EnterAMD64Windows(env, boot.Layout{Probe: shim}); err != nil {
				t.Fatal("EnterAMD64Windows:", err)
			}

			// Microsoft ABI: low 5 bits clear at every call.
			checkAligned(t, env.Trace, 0x1f)
			v, _ := im.Word(0x510)
			if v != base+0x77 {
				t.Errorf("relocation: got 0x%x, expected 0x%x", v, uint64(base+0x77))
			}
			if shim.Disabled() != tc.patched {
				t.Errorf("shim disabled = %v, expected %v", shim.Disabled(), tc.patched)
			}
			if len(rec.events) != 2 || rec.events[1] != "exit(0)" {
				t.Errorf("host interactions: %v", rec.events)
			}
		})
	}
}

// A loader that maps leading unused bytes counts them into the current
// base; the relocation pass must work from the adjusted base with the
// table offset shifted the other way, like the stub does with
// sub rsi, r8 / add rdx, r8.
func TestEnterAMD64WindowsLeadingBytes(t *testing.T) {
	const preferred = 0x140000000
	const base = 0x180000000
	const leading = 0x100

	data := make([]byte, 0x2000)
	le := binary.LittleEndian
	// The block sits leading bytes past its descriptor offset; the
	// target page RVA counts from the adjusted base.
	le.PutUint32(data[0x400+leading:], 0x1000)
	le.PutUint32(data[0x404+leading:], 12)
	le.PutUint16(data[0x408+leading:], 10<<12|0x10)
	le.PutUint64(data[0x1010:], preferred+0x77)
	im := image.New(base, data)

	tableAddr := writeLoaderData(t, im, 0x1800, platform.Descriptor{
		Leading:     leading,
		ImageBase:   preferred,
		RelocOffset: 0x400,
		RelocSize:   12,
	})
	// The current-base slot includes the leading bytes.
	if err := im.SetWord(0x1800+platform.DescriptorSize, base+leading); err != nil {
		t.Fatal("SetWord:", err)
	}

	rec := &recorder{}
	b := &boot.Bootstrap{
		Image: im,
		Svc:   rec.services(),
		App:   func(p *platform.Platform) { rec.events = append(rec.events, "app") },
	}
	if err := b.EnterAMD64Windows(&boot.Env{SP: 0x7ffffe17, Arg: tableAddr}, boot.Layout{}); err != nil {
		t.Fatal("EnterAMD64Windows:", err)
	}

	// The delta is adjusted-base minus preferred, not current-base minus
	// preferred.
	v, _ := im.Word(0x1010)
	if v != base+0x77 {
		t.Errorf("relocation: got 0x%x, expected 0x%x", v, uint64(base+0x77))
	}
	// The location an unadjusted pass would have patched stays untouched.
	if v, _ := im.Word(0x1010 + leading); v != 0 {
		t.Errorf("offset 0x%x: got 0x%x, expected untouched zero", 0x1010+leading, v)
	}
	if len(rec.events) != 2 || rec.events[1] != "exit(0)" {
		t.Errorf("host interactions: %v", rec.events)
	}
}

// buildELF32Image lays out a 32-bit image: _DYNAMIC at 0x80, one REL
// entry at 0x100 targeting 0x200, platform data at 0x800.
func buildELF32Image(base uint64) *image.Image {
	data := make([]byte, 0x1000)
	le := binary.LittleEndian
	le.PutUint32(data[0x80:], dtRel)
	le.PutUint32(data[0x84:], 0x100)
	le.PutUint32(data[0x88:], dtRelsz)
	le.PutUint32(data[0x8c:], 8)
	le.PutUint32(data[0x90:], dtNull)
	le.PutUint32(data[0x100:], 0x200)
	le.PutUint32(data[0x104:], 8) // R_386_RELATIVE
	le.PutUint32(data[0x200:], 0x1234)
	return image.New(base, data)
}

func TestEnterI686Linux(t *testing.T) {
	const base = 0x8000
	im := buildELF32Image(base)
	tableAddr := writeLoaderData(t, im, 0x800, platform.Descriptor{ImageBase: base})

	rec := &recorder{}
	var got *platform.Platform
	b := &boot.Bootstrap{
		Image: im,
		Svc:   rec.services(),
		App: func(p *platform.Platform) {
			rec.events = append(rec.events, "app")
			got = p
		},
	}
	env := &boot.Env{SP: 0xfffe13, Stack: []uint64{0, tableAddr}}
	if err := b.EnterI686Linux(env, boot.Layout{Entry: 0x600, Dynamic: 0x80}); err != nil {
		t.Fatal("EnterI686Linux:", err)
	}

	checkAligned(t, env.Trace, 0xf)
	if got == nil || got.LoadAddr != base {
		t.Fatalf("application got platform %+v", got)
	}
	v, _ := im.Word32(0x200)
	if v != base+0x1234 {
		t.Errorf("relocation: got 0x%x, expected 0x%x", v, uint64(base+0x1234))
	}
	if len(rec.events) != 2 || rec.events[1] != "exit(0)" {
		t.Errorf("host interactions: %v", rec.events)
	}
}

func TestEnterI686LinuxShortStack(t *testing.T) {
	b := &boot.Bootstrap{Image: buildELF32Image(0x8000), Svc: (&recorder{}).services()}
	if err := b.EnterI686Linux(&boot.Env{SP: 0x8000, Stack: []uint64{1}}, boot.Layout{}); err == nil {
		t.Error("expected error for short entry stack")
	}
}
