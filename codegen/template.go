package codegen

import (
	"fmt"
	"strings"

	"github.com/arrowjit/arrowjit/types"
)

// ptxTypeTag and llvmTypeTag give the dialect-appropriate type decoration
// substituted for $t<k>. The textual per-op templates themselves are the
// out-of-scope front-end's responsibility; this is the fixed vocabulary of
// type tags every template may reference.
func ptxTypeTag(t types.VarType) string {
	switch t {
	case types.Int8:
		return "s8"
	case types.Int16:
		return "s16"
	case types.Int32:
		return "s32"
	case types.Int64:
		return "s64"
	case types.UInt8:
		return "u8"
	case types.UInt16:
		return "u16"
	case types.UInt32:
		return "u32"
	case types.UInt64:
		return "u64"
	case types.Float16:
		return "f16"
	case types.Float32:
		return "f32"
	case types.Float64:
		return "f64"
	case types.Bool:
		return "pred"
	case types.Pointer:
		return "u64"
	default:
		return "b32"
	}
}

func llvmTypeTag(t types.VarType) string {
	switch t {
	case types.Int8, types.UInt8:
		return "i8"
	case types.Int16, types.UInt16:
		return "i16"
	case types.Int32, types.UInt32:
		return "i32"
	case types.Int64, types.UInt64, types.Pointer:
		return "i64"
	case types.Float16:
		return "half"
	case types.Float32:
		return "float"
	case types.Float64:
		return "double"
	case types.Bool:
		return "i1"
	default:
		return "i32"
	}
}

// TypeTag returns the dialect-specific $t substitution for t under backend.
func TypeTag(backend types.Backend, t types.VarType) string {
	if backend == types.GPU {
		return ptxTypeTag(t)
	}
	return llvmTypeTag(t)
}

// typeLookup resolves, for a node n whose own type is known, the types of
// its up-to-three dependencies plus itself, for $t0..$t3 substitution. The
// caller supplies a lookup since codegen has no back-reference to the
// variable store.
type typeLookup func(index uint32) types.VarType

// Substitute performs the lexical $r<k>/$t<k> substitution. regs maps a
// variable index to its allocated register name; $r0/$t0 refer to n
// itself (the result), $r1..$r3/$t1..$t3 to
// n.Dep[0..2].
func Substitute(n Node, backend types.Backend, regs map[uint32]string, lookupType typeLookup) (string, error) {
	out := n.Cmd
	operandIndex := [4]uint32{n.Index, n.Dep[0], n.Dep[1], n.Dep[2]}

	for k := 0; k < 4; k++ {
		rTok := fmt.Sprintf("$r%d", k)
		tTok := fmt.Sprintf("$t%d", k)
		if strings.Contains(out, rTok) {
			idx := operandIndex[k]
			name, ok := regs[idx]
			if !ok {
				return "", fmt.Errorf("codegen: no register allocated for operand %d (var %d)", k, idx)
			}
			out = strings.ReplaceAll(out, rTok, name)
		}
		if strings.Contains(out, tTok) {
			idx := operandIndex[k]
			out = strings.ReplaceAll(out, tTok, TypeTag(backend, lookupType(idx)))
		}
	}

	if strings.Contains(out, "$r4") || strings.Contains(out, "$t4") {
		return "", fmt.Errorf("codegen: template %q references an operand beyond the 3-ary limit", n.Cmd)
	}
	return out, nil
}
