// Package fatal holds the designated fatal-error sinks. They make one
// guarantee: no unwinding, no deferred cleanup, no diagnostic — the
// process reaches an unrecoverable trap immediately. They exist to give
// the error classes a defined landing point; a correctly configured
// build never reaches them. Calling any of them forfeits all
// invariants.
package fatal

import "os"

// trapStatus is deliberately distinct from any status the termination
// service can report, which is always zero.
const trapStatus = 0x7f

var exit = os.Exit

// Trap terminates the process without running deferred functions.
func Trap() {
	exit(trapStatus)
}

// Panic is the panic sink.
func Panic() { Trap() }

// AllocFail is the allocation-failure sink.
func AllocFail() { Trap() }

// Resume is the forced-unwind sink.
func Resume() { Trap() }

// Personality is the exception-personality sink.
func Personality() { Trap() }
