//go:build windows

package live

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

func alloc(size int, protect uint32) ([]byte, uint64, error) {
	addr, err := windows.VirtualAlloc(0, uintptr(size),
		windows.MEM_COMMIT|windows.MEM_RESERVE, protect)
	if err != nil {
		return nil, 0, err
	}
	raw := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	return raw, uint64(addr), nil
}

func mapRW(size int) ([]byte, uint64, error) {
	return alloc(size, windows.PAGE_READWRITE)
}

func mapRWX(size int) ([]byte, uint64, error) {
	return alloc(size, windows.PAGE_EXECUTE_READWRITE)
}

func protectRWX(raw []byte) error {
	var old uint32
	return windows.VirtualProtect(uintptr(unsafe.Pointer(&raw[0])),
		uintptr(len(raw)), windows.PAGE_EXECUTE_READWRITE, &old)
}

func release(raw []byte) error {
	return windows.VirtualFree(uintptr(unsafe.Pointer(&raw[0])), 0, windows.MEM_RELEASE)
}

func exitProcess(status int) {
	windows.ExitProcess(uint32(status))
}
