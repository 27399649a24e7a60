// Package alloc implements a typed memory pool: buffers are bucketed by
// (AllocType, power-of-two size) and reused across kernel
// invocations instead of being returned to the driver on every Free. The
// package is a bookkeeping layer above driver.GPUDriver — it never touches
// a real device API itself, matching the CUDA driver being an out-of-scope
// collaborator reached only through that interface.
package alloc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/arrowjit/arrowjit/driver"
	"github.com/arrowjit/arrowjit/types"
)

// ErrAllocationFailure is returned when the backing driver cannot satisfy
// a request (OOM). ErrUnknownPointer is returned by Free/Migrate/Prefetch
// for a pointer the allocator never handed out.
var (
	ErrAllocationFailure = errors.New("alloc: allocation failure")
	ErrUnknownPointer    = errors.New("alloc: unknown pointer")
)

const minBlockSize = 64

// Block describes one buffer the allocator has handed out or is holding in
// a free bucket for reuse.
type Block struct {
	Ptr  uintptr
	Size uint64
	Type types.AllocType
}

type pendingFree struct {
	block *Block
	event driver.Event
}

// Allocator is the typed memory pool.
type Allocator struct {
	mu sync.Mutex

	drv driver.GPUDriver

	free map[types.AllocType]map[uint64][]*Block
	used map[uintptr]*Block

	// pending holds blocks freed while a stream's kernel was still running;
	// Reclaim moves them into free once the stream's event has fired.
	pending map[uint32][]pendingFree

	usage     [types.Count]uint64
	watermark [types.Count]uint64
}

func New(drv driver.GPUDriver) *Allocator {
	a := &Allocator{
		drv:     drv,
		free:    make(map[types.AllocType]map[uint64][]*Block),
		used:    make(map[uintptr]*Block),
		pending: make(map[uint32][]pendingFree),
	}
	for t := 0; t < types.Count; t++ {
		a.free[types.AllocType(t)] = make(map[uint64][]*Block)
	}
	return a
}

func roundUp(bytes uint64) uint64 {
	if bytes < minBlockSize {
		return minBlockSize
	}
	size := uint64(1)
	for size < bytes {
		size <<= 1
	}
	return size
}

// Allocate returns a buffer of at least bytes, drawing from the free bucket
// for (t, roundedSize) when non-empty, otherwise asking the driver.
func (a *Allocator) Allocate(t types.AllocType, bytes uint64) (*Block, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	size := roundUp(bytes)
	bucket := a.free[t][size]
	if n := len(bucket); n > 0 {
		b := bucket[n-1]
		a.free[t][size] = bucket[:n-1]
		a.used[b.Ptr] = b
		a.trackUsage(t, size)
		return b, nil
	}

	ptr, err := a.drv.Malloc(t, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAllocationFailure, err)
	}
	b := &Block{Ptr: ptr, Size: size, Type: t}
	a.used[ptr] = b
	a.trackUsage(t, size)
	return b, nil
}

func (a *Allocator) trackUsage(t types.AllocType, size uint64) {
	a.usage[t] += size
	if a.usage[t] > a.watermark[t] {
		a.watermark[t] = a.usage[t]
	}
}

// Free releases ptr. If stream is non-nil, the release is deferred until
// the stream's in-flight work completes; otherwise the block is returned
// to the free bucket immediately.
func (a *Allocator) Free(ptr uintptr, stream driver.Stream) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.used[ptr]
	if !ok {
		return ErrUnknownPointer
	}
	delete(a.used, ptr)
	a.usage[b.Type] -= b.Size

	if stream == nil {
		a.free[b.Type][b.Size] = append(a.free[b.Type][b.Size], b)
		return nil
	}

	ev := stream.RecordEvent()
	a.pending[stream.ID()] = append(a.pending[stream.ID()], pendingFree{block: b, event: ev})
	return nil
}

// Reclaim drains stream's pending frees whose event has fired back into the
// free buckets. Called by sync_stream and sync_device.
func (a *Allocator) Reclaim(stream driver.Stream) {
	a.mu.Lock()
	defer a.mu.Unlock()

	id := stream.ID()
	pend := a.pending[id]
	if len(pend) == 0 {
		return
	}
	var remain []pendingFree
	for _, p := range pend {
		if p.event.Done() {
			a.free[p.block.Type][p.block.Size] = append(a.free[p.block.Type][p.block.Size], p.block)
		} else {
			remain = append(remain, p)
		}
	}
	if len(remain) == 0 {
		delete(a.pending, id)
	} else {
		a.pending[id] = remain
	}
}

// Migrate allocates a buffer of newType, enqueues a device-to-device copy
// on stream, and defers release of the old buffer until stream's pending
// event fires.
func (a *Allocator) Migrate(ptr uintptr, newType types.AllocType, stream driver.Stream) (uintptr, error) {
	a.mu.Lock()
	old, ok := a.used[ptr]
	a.mu.Unlock()
	if !ok {
		return 0, ErrUnknownPointer
	}
	if old.Type == newType {
		return ptr, nil
	}

	nb, err := a.Allocate(newType, old.Size)
	if err != nil {
		return 0, err
	}
	a.drv.Memcpy(nb.Ptr, old.Ptr, old.Size, stream)
	if err := a.Free(ptr, stream); err != nil {
		return 0, err
	}
	return nb.Ptr, nil
}

// Prefetch hints a managed buffer toward device.
func (a *Allocator) Prefetch(ptr uintptr, device uint32, stream driver.Stream) error {
	a.mu.Lock()
	b, ok := a.used[ptr]
	a.mu.Unlock()
	if !ok {
		return ErrUnknownPointer
	}
	a.drv.Prefetch(ptr, b.Size, device, stream)
	return nil
}

// Trim releases every buffer currently sitting in a free bucket back to the
// driver.
func (a *Allocator) Trim() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for t, sizes := range a.free {
		for size, blocks := range sizes {
			for _, b := range blocks {
				a.drv.Free(t, b.Ptr)
			}
			delete(sizes, size)
		}
	}
}

// Usage returns current and watermark byte counts for t.
func (a *Allocator) Usage(t types.AllocType) (current, watermark uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.usage[t], a.watermark[t]
}

// Used reports whether ptr is a live allocation.
func (a *Allocator) Used(ptr uintptr) (*Block, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.used[ptr]
	return b, ok
}
