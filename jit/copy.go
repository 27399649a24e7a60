package jit

import "github.com/arrowjit/arrowjit/types"

// CopyFromHost implements var_copy_from_host: uploads data (exactly n
// lanes' worth of bytes) into a freshly allocated device buffer and
// returns a materialized node owning it. A single-lane (n==1) upload also
// records the uploaded bytes on the node so the literal-zero identity in
// trace.go can recognize a materialized scalar zero without a device
// readback.
func (s *State) CopyFromHost(t types.VarType, data []byte, n uint32) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Alloc == nil || s.gpu == nil {
		return 0, NewError(AllocationFailure, "no GPU driver configured")
	}

	bytes := uint64(n) * uint64(t.ByteSize())
	if bytes == 0 {
		bytes = 1
	}
	block, err := s.Alloc.Allocate(types.Device, bytes)
	if err != nil {
		return 0, wrapError(AllocationFailure, err, "copy_from_host: allocate %d bytes", bytes)
	}

	s.unlocked(func() {
		s.gpu.WriteHost(block.Ptr, data)
	})

	v := &Variable{
		Type:        t,
		Kind:        types.Expression,
		Size:        n,
		Data:        block.Ptr,
		AllocType:   block.Type,
		FreeVariable: true,
		RefCountExt: 1,
	}
	if n == 1 {
		v.LiteralBytes = append([]byte(nil), data...)
	}
	idx := s.insertNew(v)
	s.byPtr[block.Ptr] = idx
	return idx, nil
}
