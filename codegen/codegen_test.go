package codegen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arrowjit/arrowjit/types"
)

func TestGeneratePTXSubstitutesTemplate(t *testing.T) {
	plan := Plan{
		Backend: types.GPU,
		Size:    4,
		Params:  []Param{{Index: 3, Type: types.Float32, Name: "out"}},
		Nodes: []Node{
			{Index: 1, Type: types.Float32, Size: 4, Cmd: "mov.$t0 $r0, 1.0"},
			{Index: 2, Type: types.Float32, Size: 4, Cmd: "mov.$t0 $r0, 2.0"},
			{Index: 3, Type: types.Float32, Size: 4, Dep: [3]uint32{1, 2, 0}, Cmd: "add.$t0 $r0, $r1, $r2", Output: true},
		},
	}
	typeOf := map[uint32]types.VarType{1: types.Float32, 2: types.Float32, 3: types.Float32}
	src, err := Generate(plan, func(i uint32) types.VarType { return typeOf[i] }, 8)
	require.NoError(t, err)
	assert.Contains(t, src, ".visible .entry kernel(")
	assert.Contains(t, src, "add.f32")
	assert.NotContains(t, src, "$r")
	assert.NotContains(t, src, "$t")
}

func TestGenerateLLVMEmitsVectorLoop(t *testing.T) {
	plan := Plan{
		Backend: types.CPU,
		Size:    16,
		Params:  []Param{{Index: 1, Type: types.Int32, Name: "%out"}},
		Nodes: []Node{
			{Index: 1, Type: types.Int32, Size: 16, Cmd: "%r0 = add $t0 %r1, %r1", Output: true},
		},
	}
	src, err := Generate(plan, func(i uint32) types.VarType { return types.Int32 }, 4)
	require.NoError(t, err)
	assert.Contains(t, src, "define void @kernel(")
	assert.Contains(t, src, "%vw = add i64 0, 4")
	assert.Contains(t, src, "add i32")
}

func TestSubstituteRejectsOutOfRangeOperand(t *testing.T) {
	n := Node{Index: 1, Cmd: "op $r4"}
	regs := map[uint32]string{1: "%v0"}
	_, err := Substitute(n, types.CPU, regs, func(uint32) types.VarType { return types.Int32 })
	assert.Error(t, err)
}

func TestSubstituteMissingRegisterErrors(t *testing.T) {
	n := Node{Index: 1, Dep: [3]uint32{9, 0, 0}, Cmd: "op $r1"}
	regs := map[uint32]string{1: "%v0"}
	_, err := Substitute(n, types.CPU, regs, func(uint32) types.VarType { return types.Int32 })
	assert.Error(t, err)
}
