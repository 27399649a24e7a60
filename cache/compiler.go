package cache

import (
	"fmt"

	"github.com/arrowjit/arrowjit/driver"
)

// cachedCompiler decorates a driver.CPUCompiler with the on-disk cache: a
// Compile call first canonicalizes and hashes the IR, serves a disk hit
// without touching the inner compiler, and on a miss compiles for real and
// stores the result before returning it. VersionMajor/IfAtLeast pass
// straight through, since the cache never needs to know the toolchain
// version itself.
type cachedCompiler struct {
	inner driver.CPUCompiler
	dir   string
}

// NewCompiler wraps inner with a disk cache rooted at dir: load from cache
// before compiling for real.
func NewCompiler(inner driver.CPUCompiler, dir string) driver.CPUCompiler {
	return &cachedCompiler{inner: inner, dir: dir}
}

func (c *cachedCompiler) Compile(ir, kernelName string) ([]byte, uint32, error) {
	canon := Canonicalize(ir, kernelName)
	if entry, ok, err := Load(c.dir, canon); err == nil && ok {
		return entry.Payload, entry.FuncOffset, nil
	}

	payload, funcOffset, err := c.inner.Compile(ir, kernelName)
	if err != nil {
		return nil, 0, err
	}
	if _, err := Store(c.dir, canon, payload, funcOffset); err != nil {
		return payload, funcOffset, nil
	}
	return payload, funcOffset, nil
}

func (c *cachedCompiler) VersionMajor() int { return c.inner.VersionMajor() }

func (c *cachedCompiler) IfAtLeast(major, minor int) bool { return c.inner.IfAtLeast(major, minor) }

// launcher is the minimal shape a wrapped compiler must satisfy for Launch
// to have anywhere to forward to; kept local rather than imported from jit
// to avoid a cache->jit import (jit already imports cache).
type launcher interface {
	Launch(payload []byte, funcOffset uint32, params []uintptr, laneCount uint32) error
}

// Launch forwards to the wrapped compiler when it can execute what it
// compiles, so wrapping a real launcher in the cache decorator does not
// silently drop its ability to run the kernel it just loaded or compiled.
func (c *cachedCompiler) Launch(payload []byte, funcOffset uint32, params []uintptr, laneCount uint32) error {
	l, ok := c.inner.(launcher)
	if !ok {
		return fmt.Errorf("cache: wrapped compiler %T cannot launch compiled kernels", c.inner)
	}
	return l.Launch(payload, funcOffset, params, laneCount)
}
