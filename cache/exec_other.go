//go:build !unix

package cache

import "fmt"

// Executable mirrors the unix build's type on platforms with no mmap/
// mprotect support wired up (e.g. plain Windows without the Windows API
// equivalents implemented here yet).
type Executable struct {
	FuncOffset uint32
}

func MapExecutable(payload []byte, funcOffset uint32) (*Executable, error) {
	return nil, fmt.Errorf("cache: executable mapping is not implemented on this platform")
}

func (e *Executable) EntryPtr() uintptr { return 0 }
func (e *Executable) Release() error    { return nil }
