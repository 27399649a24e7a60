package jit

import "github.com/arrowjit/arrowjit/types"

// syncLive adds or removes idx from the live set depending on its current
// reference counts and side-effect status: a transition of ref_count_ext
// from 0->1 adds to live, from 1->0 removes from live, and side_effect
// nodes stay in live regardless of ref_count_ext until they are materialized.
func (s *State) syncLive(idx uint32) {
	v := s.vars[idx]
	if v == nil {
		delete(s.live, idx)
		return
	}
	if v.RefCountExt > 0 || (v.SideEffect && !v.materialized()) {
		s.live[idx] = struct{}{}
	} else {
		delete(s.live, idx)
	}
}

// insertNew assigns a fresh index to v, registers it in variable_from_key
// when CSE-eligible, and registers internal refs on every dependency it
// names.
func (s *State) insertNew(v *Variable) uint32 {
	idx := s.allocIndex()
	v.Scope = s.scope
	s.vars[idx] = v
	if v.cseEligible() {
		s.byKey[keyOf(v)] = idx
	}
	for _, d := range v.Dep {
		if d != 0 {
			s.retainInternal(d)
		}
	}
	if v.ExtraDep != 0 {
		s.retainInternal(v.ExtraDep)
	}
	s.syncLive(idx)
	return idx
}

// RetainExt implements var_inc_ref_ext.
func (s *State) RetainExt(idx uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := s.lookup(idx)
	if err != nil {
		return err
	}
	v.RefCountExt++
	s.syncLive(idx)
	return nil
}

// ReleaseExt implements var_dec_ref_ext, destroying the node once both
// counters reach zero.
func (s *State) ReleaseExt(idx uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releaseExtLocked(idx)
}

func (s *State) releaseExtLocked(idx uint32) error {
	v, err := s.lookup(idx)
	if err != nil {
		return err
	}
	if v.RefCountExt == 0 {
		return NewError(UnknownIndex, "var %d: external refcount already zero", idx)
	}
	v.RefCountExt--
	s.syncLive(idx)
	if v.RefCountExt == 0 && v.RefCountInt == 0 {
		s.destroy(idx)
	}
	return nil
}

func (s *State) retainInternal(idx uint32) {
	if v, ok := s.vars[idx]; ok {
		v.RefCountInt++
	}
}

func (s *State) releaseInternal(idx uint32) {
	v, ok := s.vars[idx]
	if !ok {
		return
	}
	if v.RefCountInt == 0 {
		return
	}
	v.RefCountInt--
	if v.RefCountExt == 0 && v.RefCountInt == 0 {
		s.destroy(idx)
	}
}

// destroy erases idx, the dec_ref_* path: remove from both
// secondary indexes, decrement internal refs of every dependency (which may
// cascade), release backing storage if owned, then erase the slot. The slot
// index is never reused by insertNew (nextIndex only increases), but
// generation is still bumped so any WeakRef naming it fails closed.
func (s *State) destroy(idx uint32) {
	v, ok := s.vars[idx]
	if !ok {
		return
	}
	if v.cseEligible() {
		if cur, ok := s.byKey[keyOf(v)]; ok && cur == idx {
			delete(s.byKey, keyOf(v))
		}
	}
	if v.materialized() {
		delete(s.byPtr, v.Data)
		if v.FreeVariable && s.Alloc != nil {
			_ = s.Alloc.Free(v.Data, s.defaultStream)
		}
	}
	if ld := v.LoopData; ld != nil {
		ld.release(s)
	}

	delete(s.vars, idx)
	delete(s.live, idx)
	s.generation[idx]++

	for _, d := range v.Dep {
		if d != 0 {
			s.releaseInternal(d)
		}
	}
	if v.ExtraDep != 0 {
		s.releaseInternal(v.ExtraDep)
	}
}

// ExtRef implements var_ext_ref.
func (s *State) ExtRef(idx uint32) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := s.lookup(idx)
	if err != nil {
		return 0, err
	}
	return v.RefCountExt, nil
}

// IntRef implements var_int_ref.
func (s *State) IntRef(idx uint32) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := s.lookup(idx)
	if err != nil {
		return 0, err
	}
	return v.RefCountInt, nil
}

// VarPtr implements var_ptr: the device/host pointer backing a materialized
// node, or zero for an unmaterialized expression.
func (s *State) VarPtr(idx uint32) (uintptr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := s.lookup(idx)
	if err != nil {
		return 0, err
	}
	return v.Data, nil
}

// VarSize implements var_size.
func (s *State) VarSize(idx uint32) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := s.lookup(idx)
	if err != nil {
		return 0, err
	}
	return v.Size, nil
}

// Label implements var_label.
func (s *State) Label(idx uint32) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := s.lookup(idx)
	if err != nil {
		return "", err
	}
	return v.Label, nil
}

// SetLabel implements var_set_label.
func (s *State) SetLabel(idx uint32, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := s.lookup(idx)
	if err != nil {
		return err
	}
	v.Label = label
	return nil
}

// IsLiteralZero implements var_is_literal_zero.
func (s *State) IsLiteralZero(idx uint32) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := s.lookup(idx)
	if err != nil {
		return false, err
	}
	return v.IsLiteralZero(), nil
}

// IsLiteralOne implements var_is_literal_one.
func (s *State) IsLiteralOne(idx uint32) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := s.lookup(idx)
	if err != nil {
		return false, err
	}
	return v.IsLiteralOne(), nil
}

// VarMap implements var_map: wraps an external pointer in a materialized
// node. free_variable is set from owned: with owned=false destruction never
// calls back into the allocator for it; with owned=true it frees the pointer.
func (s *State) VarMap(t types.VarType, ptr uintptr, size uint32, owned bool) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.varMapLocked(t, ptr, size, owned)
}

// varMapLocked is VarMap's body, assuming the state mutex is already held.
// Factored out so CopyPtr (which holds the lock across its own lookup) can
// reuse it without re-locking the non-reentrant state mutex.
func (s *State) varMapLocked(t types.VarType, ptr uintptr, size uint32, owned bool) uint32 {
	v := &Variable{
		Type:         t,
		Kind:         types.Expression,
		Size:         size,
		Data:         ptr,
		FreeVariable: owned,
		RefCountExt:  1,
	}
	idx := s.insertNew(v)
	s.byPtr[ptr] = idx
	return idx
}

// CopyPtr implements var_copy_ptr: returns a second handle aliasing the
// same backing buffer, with its own independent refcount.
func (s *State) CopyPtr(idx uint32) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := s.lookup(idx)
	if err != nil {
		return 0, err
	}
	if !v.materialized() {
		return 0, NewError(DirtyRead, "var %d: copy_ptr of an unmaterialized node", idx)
	}
	return s.varMapLocked(v.Type, v.Data, v.Size, false), nil
}

// flushDirty writes back any pending scatters that target idx before it is
// read or used in code generation; dirty acts as a memory barrier. A
// scatter's own node depends on its
// target via ExtraDep, the reverse of the edge flushDirty needs to walk, so
// this scans the live set for still-unmaterialized side-effect nodes
// pointing at idx and evaluates exactly those, rather than idx itself
// (idx is already materialized; evaluating its own sub-DAG would be a
// no-op).
func (s *State) flushDirty(idx uint32) error {
	v, ok := s.vars[idx]
	if !ok {
		return NewError(UnknownIndex, "no such variable index %d", idx)
	}
	if !v.Dirty {
		return nil
	}
	roots := make(map[uint32]struct{})
	for live := range s.live {
		sv := s.vars[live]
		if sv != nil && sv.SideEffect && sv.ExtraDep == idx && !sv.materialized() {
			roots[live] = struct{}{}
		}
	}
	if len(roots) > 0 {
		if err := s.evalRoots(roots); err != nil {
			return err
		}
	}
	v.Dirty = false
	return nil
}
