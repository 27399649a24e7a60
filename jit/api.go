package jit

import (
	"github.com/arrowjit/arrowjit/cache"
	"github.com/arrowjit/arrowjit/driver"
	"github.com/arrowjit/arrowjit/types"
)

// Init implements init(llvm, cuda): binds the GPU/CPU collaborators this
// State was constructed with and marks it usable. Most other public
// operations are only valid after this succeeds.
//
// The CPU compiler, if any, is wrapped in cache.NewCompiler here so every
// launchCPU compile in scheduler.go goes through the on-disk cache
// transparently; callers hand New a bare driver.CPUCompiler and never see
// the decorator.
func (s *State) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return nil
	}
	s.defaultStream = nil
	if s.gpu != nil {
		if n := s.gpu.DeviceCount(); n > 0 {
			s.defaultStream = s.gpu.NewStream(0)
		}
	}
	if s.cpu != nil {
		dir := s.Config.CacheDir
		if err := s.Config.EnsureCacheDir(); err != nil {
			s.Log.Warn("init: cannot create cache dir %q, compiling uncached: %v", dir, err)
		} else {
			s.cpu = cache.NewCompiler(s.cpu, dir)
		}
	}
	s.initialized = true
	return nil
}

// InitAsync implements init_async: launches Init on its own goroutine,
// which holds the state mutex (via Init's own locking) until driver setup
// completes. Callers touching the public API before this finishes simply
// block on the mutex as usual.
func (s *State) InitAsync() <-chan error {
	done := make(chan error, 1)
	go func() { done <- s.Init() }()
	return done
}

// HasLLVM implements has_llvm: reports whether a CPU compiler collaborator
// is bound.
func (s *State) HasLLVM() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cpu != nil
}

// HasCUDA implements has_cuda: reports whether a GPU driver collaborator is
// bound and reports at least one device.
func (s *State) HasCUDA() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gpu != nil && s.gpu.DeviceCount() > 0
}

// Shutdown implements shutdown(light): with light=false it forces every
// live variable to release its external reference (draining the store and
// the allocator back to zero usage); with light=true it only stops the
// dispatcher's worker pool and drops the initialized flag, leaving
// variables and cached allocations alone so a following Init can resume
// without losing the trace.
func (s *State) Shutdown(light bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dispatch != nil {
		s.dispatch.Close()
		s.dispatch = nil
	}

	if !light {
		for _, idx := range s.liveIndices() {
			for s.vars[idx] != nil && s.vars[idx].RefCountExt > 0 {
				if err := s.releaseExtLocked(idx); err != nil {
					return err
				}
			}
		}
		if s.Alloc != nil {
			s.Alloc.Trim()
		}
		s.Registry.Trim()
	}

	s.initialized = false
	return nil
}

func (s *State) liveIndices() []uint32 {
	out := make([]uint32, 0, len(s.live))
	for idx := range s.live {
		out = append(out, idx)
	}
	return out
}

// DeviceCount implements device_count.
func (s *State) DeviceCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gpu == nil {
		return 0
	}
	return s.gpu.DeviceCount()
}

// DeviceSet implements device_set(dev, stream): rebinds the per-thread
// active stream identified by streamToken to a fresh stream on device dev.
// Go has no stable native thread-local storage, so the caller supplies
// its own opaque token rather than this being resolved from OS thread
// identity.
func (s *State) DeviceSet(dev uint32, streamToken int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gpu == nil {
		return NewError(Uninitialized, "device_set: no GPU driver configured")
	}
	if int(dev) >= s.gpu.DeviceCount() {
		return NewError(UnknownIndex, "device_set: no such device %d", dev)
	}
	st := s.gpu.NewStream(dev)
	s.streams[streamToken] = st
	if streamToken == 0 {
		s.defaultStream = st
	}
	return nil
}

// SyncStream implements sync_stream: blocks until the stream bound to
// streamToken reports completion. One of the only two routinely blocking
// operations the public API exposes.
func (s *State) SyncStream(streamToken int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stream := s.streamFor(streamToken)
	if stream == nil {
		return NewError(Uninitialized, "sync_stream: no stream bound")
	}
	s.unlocked(func() { stream.Sync() })
	if s.Alloc != nil {
		s.Alloc.Reclaim(stream)
	}
	return nil
}

// SyncDevice implements sync_device: blocks until every stream this State
// has opened reports completion, then reclaims any buffers the allocator
// deferred freeing until their owning stream drained.
func (s *State) SyncDevice() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	streams := make([]driver.Stream, 0, len(s.streams)+1)
	if s.defaultStream != nil {
		streams = append(streams, s.defaultStream)
	}
	for _, st := range s.streams {
		streams = append(streams, st)
	}
	s.unlocked(func() {
		for _, st := range streams {
			st.Sync()
		}
	})
	if s.Alloc != nil {
		for _, st := range streams {
			s.Alloc.Reclaim(st)
		}
	}
	return nil
}

// RegistryPut implements registry_put.
func (s *State) RegistryPut(domain string, ptr uintptr) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Registry.Put(domain, ptr)
}

// RegistryRemove implements registry_remove.
func (s *State) RegistryRemove(domain string, id uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Registry.Remove(domain, id)
}

// RegistryGetID implements registry_get_id.
func (s *State) RegistryGetID(domain string, ptr uintptr) (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Registry.GetID(domain, ptr)
}

// RegistryGetPtr implements registry_get_ptr.
func (s *State) RegistryGetPtr(domain string, id uint32) (uintptr, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Registry.GetPtr(domain, id)
}

// RegistryGetDomain implements registry_get_domain.
func (s *State) RegistryGetDomain(id uint32) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Registry.GetDomain(id)
}

// RegistryGetMax implements registry_get_max.
func (s *State) RegistryGetMax(domain string) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Registry.GetMax(domain)
}

// RegistryTrim implements registry_trim.
func (s *State) RegistryTrim() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Registry.Trim()
}

// LLVMSetTarget implements llvm_set_target: it checks that a CPU compiler is
// bound and that triple is non-empty, and stores nothing. The LLVM bindings
// in llvmjit resolve the host triple automatically, and the llvmjit backend
// always targets the host.
func (s *State) LLVMSetTarget(triple string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cpu == nil {
		return NewError(Uninitialized, "llvm_set_target: no CPU compiler configured")
	}
	if triple == "" {
		return NewError(TypeMismatch, "llvm_set_target: empty triple")
	}
	return nil
}

// LLVMVersionMajor implements llvm_version_major.
func (s *State) LLVMVersionMajor() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cpu == nil {
		return 0, NewError(Uninitialized, "llvm_version_major: no CPU compiler configured")
	}
	return s.cpu.VersionMajor(), nil
}

// LLVMIfAtLeast implements llvm_if_at_least.
func (s *State) LLVMIfAtLeast(major, minor int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cpu == nil {
		return false, NewError(Uninitialized, "llvm_if_at_least: no CPU compiler configured")
	}
	return s.cpu.IfAtLeast(major, minor), nil
}

// SetBackend implements the front-end's leaf-node backend assignment:
// trace_append only ever inherits backend from existing operands, so a
// freshly copied or mapped leaf node with no operands needs this to start
// the inheritance chain a subtree's ops then propagate.
func (s *State) SetBackend(idx uint32, backend types.Backend) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := s.lookup(idx)
	if err != nil {
		return err
	}
	v.Backend = backend
	return nil
}

// AllocUsage exposes the allocator's current/watermark byte counts for type
// t, for diagnostics and tests; after a full shutdown it reads zero.
func (s *State) AllocUsage(t types.AllocType) (current, watermark uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Alloc == nil {
		return 0, 0
	}
	return s.Alloc.Usage(t)
}
