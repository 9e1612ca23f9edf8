package platform

import (
	"encoding/binary"
	"fmt"
)

// ServiceFunctionTable slot indexes. Each slot is one machine word; the
// byte offset of slot i is 8*i. Slot 9 (byte offset 72) holds the
// PlatformDescriptor address, which is the only slot this layer ever
// dereferences itself.
const (
	SlotLoadAddr    = 0 // base address of the running program
	SlotAlloc       = 1
	SlotAllocZeroed = 2
	SlotFree        = 3
	SlotRealloc     = 4
	SlotExit        = 5
	SlotRead        = 6
	SlotWrite       = 7
	SlotAllocRWX    = 8
	SlotPlatform    = 9 // PlatformDescriptor address

	TableSlots = 10
	TableSize  = TableSlots * 8

	// PlatformOffset is the byte offset of SlotPlatform, part of the
	// loader contract.
	PlatformOffset = SlotPlatform * 8
)

// A Table is the ordered table of host-service function addresses.
// Whoever produced it owns it; this layer forwards its address and
// never mutates entries.
type Table struct {
	Words [TableSlots]uint64
}

// DecodeTable reads a table from its wire form.
func DecodeTable(b []byte) (Table, error) {
	if len(b) < TableSize {
		return Table{}, fmt.Errorf("service table needs %d bytes, have %d", TableSize, len(b))
	}
	var t Table
	for i := range t.Words {
		t.Words[i] = binary.LittleEndian.Uint64(b[8*i:])
	}
	return t, nil
}

// Put writes the table in its wire form.
func (t Table) Put(b []byte) error {
	if len(b) < TableSize {
		return fmt.Errorf("service table needs %d bytes, have %d", TableSize, len(b))
	}
	for i, w := range t.Words {
		binary.LittleEndian.PutUint64(b[8*i:], w)
	}
	return nil
}

// Services are the host capabilities reached through the table. The
// concrete implementations live outside this layer: a simulator, the
// live package, or an external loader. Exit is expected not to return
// in live wirings.
type Services struct {
	Alloc       func(size uint64) uint64
	AllocZeroed func(size uint64) uint64
	Free        func(addr, size uint64)
	Realloc     func(addr, oldSize, newSize uint64) uint64
	AllocRWX    func(size uint64) uint64
	Exit        func(status int)
	Read        func(p []byte) int
	Write       func(p []byte) int
}
