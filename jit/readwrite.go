package jit

import "github.com/arrowjit/arrowjit/types"

// VarRead implements var_read: returns the current bytes backing idx,
// flushing any pending scatter first and forcing evaluation if idx is
// still an unmaterialized expression.
func (s *State) VarRead(idx uint32) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.lookup(idx)
	if err != nil {
		return nil, err
	}
	if err := s.flushDirty(idx); err != nil {
		return nil, err
	}
	if !v.materialized() {
		if err := s.varEvalLocked(idx); err != nil {
			return nil, err
		}
	}
	if s.gpu == nil {
		return nil, NewError(DirtyRead, "var %d: no GPU driver configured to read back", idx)
	}

	bytes := int(v.Size) * int(v.Type.ByteSize())
	if bytes == 0 {
		bytes = 1
	}
	var out []byte
	s.unlocked(func() {
		out = s.gpu.ReadHost(v.Data, bytes)
	})
	return out, nil
}

// VarWrite implements var_write: overwrites a materialized node's bytes in
// place. This does not invalidate any variable_from_key entry pointing at
// idx — a later identical append may still CSE-hit the now-mutated node —
// so every call is logged at Warn to make the surprising aliasing visible
// without forbidding it outright.
func (s *State) VarWrite(idx uint32, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.lookup(idx)
	if err != nil {
		return err
	}
	if !v.materialized() {
		return NewError(DirtyRead, "var %d: write to an unmaterialized node", idx)
	}
	if s.gpu == nil {
		return NewError(AllocationFailure, "no GPU driver configured")
	}

	s.Log.Warn("var_write: in-place rewrite of var %d; existing CSE entries for its old value are not invalidated", idx)
	s.unlocked(func() {
		s.gpu.WriteHost(v.Data, data)
	})
	if v.Size == 1 {
		v.LiteralBytes = append([]byte(nil), data...)
	} else {
		v.LiteralBytes = nil
	}
	return nil
}

// VarMigrate implements var_migrate: moves idx's backing buffer to a new
// AllocType via the allocator's copy-then-deferred-free path.
func (s *State) VarMigrate(idx uint32, newType types.AllocType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.lookup(idx)
	if err != nil {
		return err
	}
	if !v.materialized() {
		return NewError(DirtyRead, "var %d: migrate of an unmaterialized node", idx)
	}
	if s.Alloc == nil {
		return NewError(AllocationFailure, "no allocator configured")
	}

	oldPtr := v.Data
	newPtr, err := s.Alloc.Migrate(oldPtr, newType, s.defaultStream)
	if err != nil {
		return wrapError(AllocationFailure, err, "var %d: migrate to %v", idx, newType)
	}
	delete(s.byPtr, oldPtr)
	v.Data = newPtr
	v.AllocType = newType
	s.byPtr[newPtr] = idx
	return nil
}
