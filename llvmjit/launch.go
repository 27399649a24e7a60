package llvmjit

/*
#include <stdint.h>

typedef void (*arrowjit_kernel_fn)(void **params, uint32_t lane_count);

static void arrowjit_call_kernel(void *fn, void **params, uint32_t lane_count) {
	((arrowjit_kernel_fn)fn)(params, lane_count);
}
*/
import "C"

import (
	"unsafe"

	"github.com/arrowjit/arrowjit/cache"
)

// Launch implements the cpuLauncher contract the scheduler checks for: it
// maps the compiled payload executable read+execute and calls straight into
// it through a C function-pointer trampoline, since Go has no way to invoke
// a raw machine-code address on its own. The kernel ABI assumed here — a
// flat array of parameter pointers plus a lane count — is the same shape
// codegen's Prologue declares for every backend.
func (c *Compiler) Launch(payload []byte, funcOffset uint32, params []uintptr, laneCount uint32) error {
	exec, err := cache.MapExecutable(payload, funcOffset)
	if err != nil {
		return err
	}
	defer exec.Release()

	cparams := make([]unsafe.Pointer, len(params))
	for i, p := range params {
		cparams[i] = unsafe.Pointer(p)
	}
	var paramsPtr *unsafe.Pointer
	if len(cparams) > 0 {
		paramsPtr = &cparams[0]
	}

	C.arrowjit_call_kernel(
		unsafe.Pointer(exec.EntryPtr()),
		paramsPtr,
		C.uint32_t(laneCount),
	)
	return nil
}
