//go:build linux

package live

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

func mapRW(size int) ([]byte, uint64, error) {
	raw, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, 0, err
	}
	return raw, uint64(uintptr(unsafe.Pointer(&raw[0]))), nil
}

func mapRWX(size int) ([]byte, uint64, error) {
	raw, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, 0, err
	}
	return raw, uint64(uintptr(unsafe.Pointer(&raw[0]))), nil
}

func protectRWX(raw []byte) error {
	return unix.Mprotect(raw, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC)
}

func release(raw []byte) error {
	return unix.Munmap(raw)
}

// exitProcess issues the raw process-exit system call (exit_group, 231
// on amd64). It does not return.
func exitProcess(status int) {
	unix.Exit(status)
}
