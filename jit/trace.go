package jit

import (
	"strconv"
	"strings"

	"github.com/arrowjit/arrowjit/types"
)

// validateTemplate enforces the wire format: cmd may only
// reference $r0..$r3 and $t0..$t3. A template naming an operand beyond the
// 3-ary limit is rejected here, at append time, rather than left to surface
// as a codegen-time failure when the kernel is finally emitted.
func validateTemplate(cmd string) error {
	for _, tok := range []string{"r", "t"} {
		prefix := "$" + tok
		for i := 0; i+len(prefix) < len(cmd); i++ {
			if !strings.HasPrefix(cmd[i:], prefix) {
				continue
			}
			rest := cmd[i+len(prefix):]
			j := 0
			for j < len(rest) && rest[j] >= '0' && rest[j] <= '9' {
				j++
			}
			if j == 0 {
				continue
			}
			n, err := strconv.Atoi(rest[:j])
			if err != nil || n > 3 {
				return NewError(TypeMismatch, "op template %q references operand beyond the 3-ary limit", cmd)
			}
		}
	}
	return nil
}

// opFamily returns the leading alphabetic run of cmd (its mnemonic), used
// to recognize the handful of op families algebraic simplification cares
// about ("mul", "add", "sub", "xor") without needing a real op enum, since
// the template text itself is the out-of-scope front-end's contract.
func opFamily(cmd string) string {
	i := 0
	for i < len(cmd) && ((cmd[i] >= 'a' && cmd[i] <= 'z') || (cmd[i] >= 'A' && cmd[i] <= 'Z')) {
		i++
	}
	return strings.ToLower(cmd[:i])
}

// simplifyBinary implements the algebraic identities
// (x*0=0, 0*x=0, x*1=x, 1*x=x, x+0=x, 0+x=x, x-0=x, x^0=x). On a match it
// returns an index whose external ref the caller must still bump (the
// surviving operand for most identities; a size/type-correct literal-zero
// node for the two multiply-by-zero identities, since the result must carry
// the resolved broadcast size, not necessarily the zero operand's own size).
func (s *State) simplifyBinary(t types.VarType, size uint32, cmd string, a, b uint32) (uint32, bool) {
	va, oka := s.vars[a]
	vb, okb := s.vars[b]
	if !oka || !okb {
		return 0, false
	}
	switch opFamily(cmd) {
	case "mul":
		switch {
		case va.IsLiteralZero(), vb.IsLiteralZero():
			return s.literalZeroOfSize(t, size), true
		case va.IsLiteralOne():
			return b, true
		case vb.IsLiteralOne():
			return a, true
		}
	case "add":
		switch {
		case va.IsLiteralZero():
			return b, true
		case vb.IsLiteralZero():
			return a, true
		}
	case "sub":
		if vb.IsLiteralZero() {
			return a, true
		}
	case "xor":
		switch {
		case va.IsLiteralZero():
			return b, true
		case vb.IsLiteralZero():
			return a, true
		}
	}
	return 0, false
}

// literalZeroOfSize returns the (CSE-deduplicated) literal-zero node of the
// given type and size, creating it if this is the first time it's been
// needed at this size. The returned index's external ref is not yet
// bumped; the caller (doAppend) does that uniformly for every simplified
// result.
func (s *State) literalZeroOfSize(t types.VarType, size uint32) uint32 {
	key := VariableKey{Scope: s.scope, Cmd: literalZeroCmd, Type: t, Size: size}
	if idx, ok := s.byKey[key]; ok {
		return idx
	}
	v := &Variable{Type: t, Kind: types.Expression, Size: size, Cmd: literalZeroCmd}
	return s.insertNew(v)
}

// resolveSize infers a node's lane count from its operands: the maximum
// non-broadcast size, rejecting operands whose non-1 sizes disagree.
func resolveSize(sizes ...uint32) (uint32, error) {
	var size uint32 = 1
	seen := false
	for _, sz := range sizes {
		if sz == 0 {
			return 0, NewError(SizeMismatch, "operand has size 0")
		}
		if sz == 1 {
			continue
		}
		if seen && size != sz {
			return 0, NewError(SizeMismatch, "incompatible operand sizes %d and %d", size, sz)
		}
		size = sz
		seen = true
	}
	return size, nil
}

// doAppend is the common body of append0..append4: validate, simplify,
// dedup, insert. deps[i]==0 means "no such operand" (index 0 is never a
// valid variable index).
func (s *State) doAppend(t types.VarType, cmd string, deps [3]uint32, extraDep uint32, sideEffect bool) (uint32, error) {
	if err := validateTemplate(cmd); err != nil {
		return 0, err
	}

	var sizes []uint32
	var backend types.Backend
	dirty := false
	for _, d := range deps {
		if d == 0 {
			continue
		}
		v, err := s.lookup(d)
		if err != nil {
			return 0, err
		}
		sizes = append(sizes, v.Size)
		if backend == types.NoBackend {
			backend = v.Backend
		} else if v.Backend != types.NoBackend && v.Backend != backend {
			return 0, NewError(BackendMismatch, "operand %d backend %v disagrees with %v", d, v.Backend, backend)
		}
		if v.Dirty {
			dirty = true
		}
	}
	size, err := resolveSize(sizes...)
	if err != nil {
		return 0, err
	}

	if !sideEffect && deps[0] != 0 && deps[1] != 0 && deps[2] == 0 {
		if simplified, ok := s.simplifyBinary(t, size, cmd, deps[0], deps[1]); ok {
			sv := s.vars[simplified]
			sv.RefCountExt++
			s.syncLive(simplified)
			return simplified, nil
		}
	}

	var tsize uint64 = 1
	for _, d := range deps {
		if d != 0 {
			tsize += s.vars[d].TSize
		}
	}
	if extraDep != 0 {
		tsize += s.vars[extraDep].TSize
	}

	v := &Variable{
		Type:       t,
		Kind:       types.Expression,
		Size:       size,
		Cmd:        cmd,
		Dep:        deps,
		ExtraDep:   extraDep,
		Backend:    backend,
		Dirty:      dirty,
		SideEffect: sideEffect,
		TSize:      tsize,
	}

	v.Scope = s.scope
	if !sideEffect {
		key := keyOf(v)
		if existing, ok := s.byKey[key]; ok {
			ev := s.vars[existing]
			ev.RefCountExt++
			s.syncLive(existing)
			return existing, nil
		}
	}

	v.RefCountExt = 1
	idx := s.insertNew(v)
	if sideEffect && extraDep != 0 {
		if target, ok := s.vars[extraDep]; ok {
			target.Dirty = true
			s.dirty = append(s.dirty, extraDep)
		}
	}
	return idx, nil
}

// Append0 builds a node with no data dependencies (a literal broadcast
// template, size 1 unless the caller broadcasts it downstream).
func (s *State) Append0(t types.VarType, cmd string) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doAppend(t, cmd, [3]uint32{}, 0, false)
}

// Append1 builds a unary node.
func (s *State) Append1(t types.VarType, cmd string, a uint32) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doAppend(t, cmd, [3]uint32{a, 0, 0}, 0, false)
}

// Append2 builds a binary node, the arity that algebraic simplification
// applies to.
func (s *State) Append2(t types.VarType, cmd string, a, b uint32) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doAppend(t, cmd, [3]uint32{a, b, 0}, 0, false)
}

// Append3 builds a ternary node (e.g. fused-multiply-add, clamp, select).
func (s *State) Append3(t types.VarType, cmd string, a, b, c uint32) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doAppend(t, cmd, [3]uint32{a, b, c}, 0, false)
}

// Append4 is the 4-arg form used for loops and scatter/gather-style ops
// that need an auxiliary, non-arithmetic dependency (extraDep) alongside up
// to three data operands. sideEffect marks scatter-like ops, which bypass
// dedup, enter live unconditionally, and dirty their target (extraDep).
func (s *State) Append4(t types.VarType, cmd string, a, b, c, extraDep uint32, sideEffect bool) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doAppend(t, cmd, [3]uint32{a, b, c}, extraDep, sideEffect)
}

// MarkScatter implements var_mark_scatter: flags an already-built node as a
// side-effecting write into target, setting target's dirty flag.
func (s *State) MarkScatter(idx, target uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := s.lookup(idx)
	if err != nil {
		return err
	}
	tv, err := s.lookup(target)
	if err != nil {
		return err
	}
	if v.cseEligible() {
		if cur, ok := s.byKey[keyOf(v)]; ok && cur == idx {
			delete(s.byKey, keyOf(v))
		}
	}
	if v.ExtraDep != 0 {
		s.releaseInternal(v.ExtraDep)
	}
	v.SideEffect = true
	v.ExtraDep = target
	s.retainInternal(target)
	tv.Dirty = true
	s.dirty = append(s.dirty, target)
	s.syncLive(idx)
	return nil
}
