//go:build unix

package cache

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Executable is a cache payload mapped into memory the CPU can execute:
// an anonymous RW mapping, filled with the payload bytes, then mprotected
// to R+X.
type Executable struct {
	mem        []byte
	FuncOffset uint32
}

// MapExecutable mmaps an anonymous RW region, copies payload in, and
// mprotects it R+X. The returned Executable must be released with Release
// once the kernel is no longer needed.
func MapExecutable(payload []byte, funcOffset uint32) (*Executable, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("cache: empty payload")
	}
	mem, err := unix.Mmap(-1, 0, len(payload), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("cache: mmap: %w", err)
	}
	copy(mem, payload)
	if err := unix.Mprotect(mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		_ = unix.Munmap(mem)
		return nil, fmt.Errorf("cache: mprotect: %w", err)
	}
	return &Executable{mem: mem, FuncOffset: funcOffset}, nil
}

// EntryPtr returns the address of the kernel's entry point within the
// mapped region.
func (e *Executable) EntryPtr() uintptr {
	return uintptr(unsafe.Pointer(&e.mem[0])) + uintptr(e.FuncOffset)
}

// Release unmaps the executable region. The Executable must not be used
// afterwards.
func (e *Executable) Release() error {
	return unix.Munmap(e.mem)
}
