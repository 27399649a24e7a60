package jit

import "github.com/arrowjit/arrowjit/types"

// LoopData is the side-structure a symbolic loop's `start` call retains
// across `cond`/`end`: the start node, the caller's
// original (outer) state indices, the phi (inner) indices that replaced
// them, and the bounded one-retry flag. It is transferred onto the
// LoopEnd node once recording finishes successfully, and released (see
// release below) when that node is destroyed.
type LoopData struct {
	StartIdx    uint32
	CondIdx     uint32
	OuterInputs []uint32
	InnerInputs []uint32
	Retry       bool
}

// release is a destruction-path hook: the LoopEnd node that owns this
// LoopData is already being torn
// down by store.go's destroy, which separately walks Dep/ExtraDep. The
// indices LoopData records hold no references of their own, so there is
// nothing to release here; the hook does nothing.
func (ld *LoopData) release(s *State) {}

// Loop is the caller-held handle returned by LoopStart, threaded through
// LoopCond and LoopEnd.
type Loop struct {
	data *LoopData
}

// LoopStart implements var_loop_start: validates the initial state, emits
// a LoopStart control node and one LoopPhi per state slot, and opens a new
// CSE scope for the loop body.
func (s *State) LoopStart(name string, stateIndices []uint32) (*Loop, []uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(stateIndices) == 0 {
		return nil, nil, NewError(LoopStateInvalid, "loop_start: empty state")
	}

	var backend types.Backend
	for _, idx := range stateIndices {
		v, err := s.lookup(idx)
		if err != nil {
			return nil, nil, err
		}
		if v.Dirty {
			if err := s.flushDirty(idx); err != nil {
				return nil, nil, err
			}
			if s.vars[idx].Dirty {
				return nil, nil, NewError(LoopStateInvalid, "loop_start: var %d still dirty after flush", idx)
			}
		}
		if backend == types.NoBackend {
			backend = v.Backend
		} else if v.Backend != types.NoBackend && v.Backend != backend {
			return nil, nil, NewError(BackendMismatch, "loop_start: state var %d backend disagrees with %v", idx, backend)
		}
	}

	startV := &Variable{Type: types.Void, Kind: types.LoopStart, Size: 1, Label: name, Backend: backend}
	startV.RefCountExt = 1
	startIdx := s.insertNew(startV)

	outer := append([]uint32(nil), stateIndices...)
	inner := make([]uint32, len(stateIndices))
	for i, outerIdx := range stateIndices {
		ov := s.vars[outerIdx]
		phi := &Variable{
			Type:     ov.Type,
			Kind:     types.LoopPhi,
			Size:     ov.Size,
			Dep:      [3]uint32{startIdx, 0, 0},
			ExtraDep: outerIdx,
			Backend:  backend,
		}
		phi.RefCountExt = 1
		phiIdx := s.insertNew(phi)
		inner[i] = phiIdx
	}

	s.scopeStack = append(s.scopeStack, s.scope)
	s.nextScope++
	s.scope = s.nextScope

	loop := &Loop{data: &LoopData{StartIdx: startIdx, OuterInputs: outer, InnerInputs: inner}}
	return loop, inner, nil
}

// dependsOnAny reports whether idx's subtree (walked through Dep and
// ExtraDep without a scope bound) reaches any index in roots, used to validate that cond's active
// predicate is genuinely symbolic rather than a constant carried in from
// the outer scope.
func (s *State) dependsOnAny(idx uint32, roots map[uint32]bool) bool {
	visited := make(map[uint32]bool)
	var walk func(uint32) bool
	walk = func(i uint32) bool {
		if i == 0 || visited[i] {
			return false
		}
		visited[i] = true
		if roots[i] {
			return true
		}
		v, ok := s.vars[i]
		if !ok {
			return false
		}
		for _, d := range v.Dep {
			if walk(d) {
				return true
			}
		}
		return walk(v.ExtraDep)
	}
	return walk(idx)
}

// LoopCond implements var_loop_cond: validates active is a symbolic Bool
// (depends on at least one phi) and emits the LoopCond node.
func (s *State) LoopCond(loop *Loop, active uint32) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.lookup(active)
	if err != nil {
		return 0, err
	}
	if v.Type != types.Bool {
		return 0, NewError(TypeMismatch, "loop_cond: active predicate must be bool, got %v", v.Type)
	}

	phiSet := make(map[uint32]bool, len(loop.data.InnerInputs))
	for _, p := range loop.data.InnerInputs {
		phiSet[p] = true
	}
	if !s.dependsOnAny(active, phiSet) {
		return 0, NewError(LoopStateInvalid, "loop_cond: active predicate does not depend on loop state")
	}

	condV := &Variable{
		Type:    types.Bool,
		Kind:    types.LoopCond,
		Size:    1,
		Dep:     [3]uint32{loop.data.StartIdx, active, 0},
		Backend: v.Backend,
	}
	condV.RefCountExt = 1
	idx := s.insertNew(condV)
	loop.data.CondIdx = idx
	return idx, nil
}

// LoopEnd implements var_loop_end. On its first pass it may determine that
// one or more state slots are loop-invariant, target a dirty node, or carry
// an unchanged literal constant; when so, it eliminates those slots
// (replacing their inner input with the outer one) and returns false,
// requiring the caller to re-record the loop body once more under the
// narrowed state, a bounded one-retry optimization pass. Once a retry has
// already happened, elimination is skipped and the loop
// is closed unconditionally.
func (s *State) LoopEnd(loop *Loop, cond uint32, stateIndices []uint32, checkpoint uint32) (bool, []uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ld := loop.data
	if len(stateIndices) != len(ld.InnerInputs) {
		return false, nil, NewError(LoopStateInconsistent, "loop_end: state slot count changed since loop_start")
	}

	condV, err := s.lookup(cond)
	if err != nil {
		return false, nil, err
	}

	size := condV.Size
	invariant := make([]bool, len(stateIndices))
	for i, finalIdx := range stateIndices {
		if finalIdx == ld.InnerInputs[i] {
			invariant[i] = true
			continue
		}
		fv, err := s.lookup(finalIdx)
		if err != nil {
			return false, nil, err
		}
		if fv.Dirty {
			invariant[i] = true
			continue
		}
		if fv.IsLiteralZero() && s.vars[ld.OuterInputs[i]].IsLiteralZero() {
			invariant[i] = true
			continue
		}
		if fv.IsLiteralOne() && s.vars[ld.OuterInputs[i]].IsLiteralOne() {
			invariant[i] = true
			continue
		}
		if fv.Size > size {
			size = fv.Size
		}
	}

	if !ld.Retry {
		eliminated := false
		narrowed := append([]uint32(nil), stateIndices...)
		for i := range stateIndices {
			if invariant[i] && stateIndices[i] != ld.OuterInputs[i] {
				narrowed[i] = ld.OuterInputs[i]
				eliminated = true
			}
		}
		if eliminated {
			ld.Retry = true
			return false, narrowed, nil
		}
	}

	endV := &Variable{
		Type:     types.Void,
		Kind:     types.LoopEnd,
		Size:     size,
		Dep:      [3]uint32{ld.StartIdx, cond, 0},
		Backend:  condV.Backend,
		LoopData: ld,
	}
	endV.RefCountExt = 1
	endIdx := s.insertNew(endV)

	results := make([]uint32, len(stateIndices))
	for i, finalIdx := range stateIndices {
		phi := ld.InnerInputs[i]
		valueDep := finalIdx

		// CPU kernels have no divergent-branch hardware fallback, so the
		// exit value must be select()ed explicitly; GPU code generation
		// relies on the PTX predicate machinery to leave the right value
		// live across the branch instead.
		if condV.Backend == types.CPU && finalIdx != phi {
			fv := s.vars[finalIdx]
			selV := &Variable{
				Type:    fv.Type,
				Kind:    types.Expression,
				Size:    size,
				Cmd:     "select.$t0 $r0, $r1, $r2, $r3",
				Dep:     [3]uint32{cond, finalIdx, phi},
				Backend: condV.Backend,
			}
			selV.RefCountExt = 1
			selIdx := s.insertNew(selV)
			valueDep = selIdx
		}

		rv := &Variable{
			Type:     s.vars[valueDep].Type,
			Kind:     types.LoopResult,
			Size:     size,
			Dep:      [3]uint32{ld.StartIdx, endIdx, 0},
			ExtraDep: valueDep,
			Backend:  condV.Backend,
		}
		rv.RefCountExt = 1
		rIdx := s.insertNew(rv)
		results[i] = rIdx
	}

	// Re-parent side-effect nodes created since checkpoint under the loop
	// end, so the scheduler is forced to keep them inside this loop's
	// kernel partition rather than hoisting them out.
	for idx := checkpoint; idx < s.nextIndex; idx++ {
		v, ok := s.vars[idx]
		if !ok || !v.SideEffect || idx == endIdx {
			continue
		}
		if v.ExtraDep == 0 {
			v.ExtraDep = endIdx
			s.retainInternal(endIdx)
		}
	}

	if n := len(s.scopeStack); n > 0 {
		s.scope = s.scopeStack[n-1]
		s.scopeStack = s.scopeStack[:n-1]
	}

	return true, results, nil
}
