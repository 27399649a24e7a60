// Package driver declares the contracts the core depends on but does not
// implement: the GPU (CUDA-like) driver and the CPU (LLVM) compiler. Both
// are external collaborators fixed in their contract to the core. This
// package defines those contracts plus a pure-Go mock
// GPU driver sufficient to exercise the allocator and scheduler without a
// real CUDA installation; the real LLVM-backed compiler lives in the
// sibling llvmjit package so that this package — and everything that only
// needs the contract — stays free of the cgo-heavy LLVM dependency.
package driver

import "github.com/arrowjit/arrowjit/types"

// Event is an opaque device-stream completion marker.
type Event interface {
	// Done reports whether the event has fired. Non-blocking.
	Done() bool
	// Wait blocks until the event fires.
	Wait()
}

// Stream is an ordered queue of device operations. Intra-stream order is
// FIFO; cross-stream order requires an explicit Sync.
type Stream interface {
	ID() uint32
	Device() uint32
	// RecordEvent returns an Event that fires once every operation
	// enqueued on this stream so far has completed.
	RecordEvent() Event
	// Sync blocks until every operation enqueued so far has completed.
	Sync()
}

// GPUDriver is the contract for the CUDA-like backend: device management,
// raw allocation, copies, and PTX module compile+launch. The core's
// allocator and scheduler are written against this interface only.
type GPUDriver interface {
	DeviceCount() int
	NewStream(device uint32) Stream

	Malloc(t types.AllocType, bytes uint64) (ptr uintptr, err error)
	Free(t types.AllocType, ptr uintptr)
	Memcpy(dst, src uintptr, bytes uint64, stream Stream)
	Prefetch(ptr uintptr, bytes uint64, device uint32, stream Stream)

	// WriteHost/ReadHost move bytes between host memory and a device
	// buffer, the host<->device leg of copy_from_host / the read side of
	// materialized output.
	WriteHost(ptr uintptr, data []byte)
	ReadHost(ptr uintptr, n int) []byte

	// CompilePTX compiles PTX source into a loadable module and returns
	// an opaque handle; LaunchKernel resolves kernel by name within it.
	CompilePTX(ptx string) (module any, err error)
	LaunchKernel(module any, kernel string, params []uintptr, laneCount uint32, stream Stream) error
}

// CPUCompiler is the contract for the LLVM MCJIT backend: compile IR text
// to relocatable machine code and resolve the entry point's offset within
// the returned payload. Implemented for real by llvmjit.Compiler, and by
// cache.cachedCompiler (a decorator) when a disk cache hit makes an actual
// compile unnecessary.
type CPUCompiler interface {
	// Compile returns the relocated machine-code payload and the byte
	// offset of the kernel's entry point within it.
	Compile(ir string, kernelName string) (payload []byte, funcOffset uint32, err error)
	VersionMajor() int
	IfAtLeast(major, minor int) bool
}
