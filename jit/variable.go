package jit

import "github.com/arrowjit/arrowjit/types"

// literalZeroCmd and literalOneCmd are the canonical broadcast templates a
// node's Cmd must equal, verbatim, to be recognized as a literal-zero or
// literal-one node by the algebraic simplifications in trace.go. Front-ends
// construct such literals with Append0 using exactly these templates, so the
// predicates stay simple string comparisons rather than a constant-folding
// interpreter; a single-lane CopyFromHost zero is also recognized, through
// LiteralBytes.
const (
	literalZeroCmd = "mov.$t0 $r0, 0"
	literalOneCmd  = "mov.$t0 $r0, 1"
)

// Variable is one SSA node: either an unevaluated expression (Cmd set, Data
// zero) or a materialized buffer (Data set, Cmd empty).
type Variable struct {
	Type types.VarType
	Kind types.VarKind
	Size uint32

	Cmd      string
	Dep      [3]uint32
	ExtraDep uint32

	// Data is the device/host pointer once materialized; AllocType records
	// which pool it came from so destruction can free it correctly.
	Data      uintptr
	AllocType types.AllocType

	RefCountExt uint32
	RefCountInt uint32

	TSize   uint64
	Backend types.Backend

	SideEffect    bool
	Dirty         bool
	FreeVariable  bool
	DirectPointer bool

	Label string

	// Scope partitions the CSE index space; a node created inside a loop
	// body (scope > 0) can never dedup-match a node outside it.
	Scope uint32

	// LoopData is non-nil only on a LoopEnd node, which owns it.
	LoopData *LoopData

	// LiteralBytes holds the host bytes CopyFromHost uploaded for a
	// single-lane (Size==1) materialized node. It lets the literal-zero
	// predicate recognize a materialized scalar as zero by its actual
	// value, not just by a pre-evaluation Cmd template, without forcing a
	// device readback during trace append.
	LiteralBytes []byte
}

// IsLiteralZero reports whether v is recognized as a zero-broadcast literal
// for its type: either an unevaluated node built from the
// canonical zero template, or a materialized single-lane node whose actual
// bytes are all zero (the bit pattern for zero is the same across every
// numeric type, so no per-type interpretation is needed).
func (v *Variable) IsLiteralZero() bool {
	if v.Kind == types.Expression && v.Cmd == literalZeroCmd {
		return true
	}
	return allZero(v.LiteralBytes)
}

// IsLiteralOne reports whether v is recognized as a one-broadcast literal
// for its type. Unlike zero, the one bit pattern is
// type-dependent (integer 1 vs. float 1.0), so only the template form is
// recognized: an unevaluated node built via Append0 with literalOneCmd.
// Once such a node is materialized its Cmd is cleared and it is no longer
// recognized.
func (v *Variable) IsLiteralOne() bool {
	return v.Kind == types.Expression && v.Cmd == literalOneCmd
}

func allZero(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// materialized reports whether v currently holds a device/host buffer
// rather than a pending expression.
func (v *Variable) materialized() bool {
	return v.Data != 0
}

// cseEligible reports whether v may enter variable_from_key: side-effect
// and dirty nodes are excluded from the dedup key space.
func (v *Variable) cseEligible() bool {
	return v.Kind == types.Expression && !v.SideEffect && !v.Dirty
}

// VariableKey is the variable_from_key dedup key: a hash of
// (cmd, type, size, deps) -> index, namespaced by Scope so a loop body
// can never CSE against the outer scope.
type VariableKey struct {
	Scope    uint32
	Cmd      string
	Type     types.VarType
	Size     uint32
	Dep      [3]uint32
	ExtraDep uint32
}

func keyOf(v *Variable) VariableKey {
	return VariableKey{
		Scope:    v.Scope,
		Cmd:      v.Cmd,
		Type:     v.Type,
		Size:     v.Size,
		Dep:      v.Dep,
		ExtraDep: v.ExtraDep,
	}
}

// WeakRef is the "(index, counter_at_creation)" pair: a
// reference that can outlive the variable it names and fails closed once
// that variable has been destroyed.
type WeakRef struct {
	Index uint32
	Gen   uint32
}

// Resolve returns the live index the weak reference still names, or false
// if the slot has been erased, or its generation bumped, since the reference
// was taken.
func (w WeakRef) Resolve(s *State) (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vars[w.Index]; !ok {
		return 0, false
	}
	if s.generation[w.Index] != w.Gen {
		return 0, false
	}
	return w.Index, true
}
