package driver

import (
	"fmt"
	"sync"

	"github.com/arrowjit/arrowjit/types"
)

// mockEvent fires immediately: MockGPU has no real asynchrony, so every
// enqueued operation is already complete when RecordEvent is called.
type mockEvent struct{}

func (mockEvent) Done() bool { return true }
func (mockEvent) Wait()      {}

type mockStream struct {
	id     uint32
	device uint32
}

func (s *mockStream) ID() uint32            { return s.id }
func (s *mockStream) Device() uint32        { return s.device }
func (s *mockStream) RecordEvent() Event    { return mockEvent{} }
func (s *mockStream) Sync()                 {}

// mockModule holds the PTX text of a loaded module. MockGPU doesn't
// actually execute PTX (there is no PTX assembler in pure Go): a launch
// only validates the module handle and hands the call to the Exec callback.
type mockModule struct {
	ptx string
}

// MockGPU is an in-process stand-in for the CUDA driver: allocations are
// ordinary Go heap memory, kernel "compilation" just stores the PTX text,
// and "launch" invokes a caller-registered Go function instead of running
// real device code. It exists so the allocator, scheduler, and cache can be
// exercised in CI without a GPU.
type MockGPU struct {
	mu        sync.Mutex
	nextAlloc uintptr
	live      map[uintptr][]byte
	streamSeq uint32

	// Exec, when set, is invoked on every LaunchKernel call instead of a
	// no-op, letting tests assert on what was launched.
	Exec func(kernel string, params []uintptr, laneCount uint32)
}

func NewMockGPU() *MockGPU {
	return &MockGPU{
		nextAlloc: 0x1000,
		live:      make(map[uintptr][]byte),
	}
}

func (m *MockGPU) DeviceCount() int { return 1 }

func (m *MockGPU) NewStream(device uint32) Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamSeq++
	return &mockStream{id: m.streamSeq, device: device}
}

func (m *MockGPU) Malloc(t types.AllocType, bytes uint64) (uintptr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, bytes)
	ptr := m.nextAlloc
	m.nextAlloc += uintptr(bytes) + 64 // keep regions visibly non-overlapping
	m.live[ptr] = buf
	return ptr, nil
}

func (m *MockGPU) Free(t types.AllocType, ptr uintptr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.live, ptr)
}

func (m *MockGPU) bytesAt(ptr uintptr) []byte {
	return m.live[ptr]
}

func (m *MockGPU) Memcpy(dst, src uintptr, n uint64, stream Stream) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, s := m.bytesAt(dst), m.bytesAt(src)
	if d == nil || s == nil {
		return
	}
	copy(d, s[:n])
}

func (m *MockGPU) Prefetch(ptr uintptr, bytes uint64, device uint32, stream Stream) {}

func (m *MockGPU) CompilePTX(ptx string) (any, error) {
	return &mockModule{ptx: ptx}, nil
}

func (m *MockGPU) LaunchKernel(module any, kernel string, params []uintptr, laneCount uint32, stream Stream) error {
	if _, ok := module.(*mockModule); !ok {
		return fmt.Errorf("mockgpu: launch with foreign module handle %T", module)
	}
	if m.Exec != nil {
		m.Exec(kernel, params, laneCount)
	}
	return nil
}

// WriteHost copies host-resident bytes into the mock device buffer at ptr.
// Test/demo helper; real GPU drivers would do this with a real H2D copy.
func (m *MockGPU) WriteHost(ptr uintptr, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(m.live[ptr], data)
}

// ReadHost copies n bytes out of the mock device buffer at ptr.
func (m *MockGPU) ReadHost(ptr uintptr, n int) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, n)
	copy(out, m.live[ptr])
	return out
}
