// Package boot models the pre-initialization phase of a freestanding
// binary: everything between the first executed instruction and the
// application call. Each supported (arch, OS) pair has one enter
// routine with a documented register/stack contract; all of them end in
// the same bootstrap path, which ends in the termination service.
package boot

import (
	"fmt"

	"moria.us/bootstub/image"
	"moria.us/bootstub/platform"
	"moria.us/bootstub/probe"
)

// An Env is the machine state an entry stub starts from: a stack
// pointer with no assumed frame, and the architecture-defined entry
// argument. Trace records the stack pointer at every simulated call
// site, which is where the ABI alignment rules bind.
type Env struct {
	SP    uint64
	Arg   uint64   // service-table address in loader mode
	Stack []uint64 // initial stack words in standalone mode (argc, argv...)
	Trace []uint64
}

func (e *Env) call() {
	e.Trace = append(e.Trace, e.SP)
}

// A Layout carries the link-time-known offsets the stubs depend on.
type Layout struct {
	Entry        uint64      // image offset of the entry stub
	Dynamic      uint64      // image offset of _DYNAMIC (ELF targets)
	PlatformData uint64      // image offset of the fabricated descriptor/table region
	Probe        *probe.Shim // nil when the stack-probe shim is compiled out
}

// A Bootstrap owns the pieces wired together before application logic
// runs. The platform is threaded downward from Run; nothing here is
// package-global.
type Bootstrap struct {
	Image *image.Image
	Svc   *platform.Services
	App   func(*platform.Platform)
}

// Run implements bootstrap(serviceTableAddress): initialize the
// platform layer from the address, invoke the application, then invoke
// the termination service with status 0. With live services the Exit
// call does not return; simulated services may hand control back to
// their harness.
func (b *Bootstrap) Run(tableAddr uint64) error {
	p, err := platform.Bind(b.Image, tableAddr, b.Svc)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	if b.App != nil {
		b.App(p)
	}
	p.Exit(0)
	return nil
}
