package jit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arrowjit/arrowjit/types"
)

func TestResolveSizeBroadcastsScalars(t *testing.T) {
	size, err := resolveSize(1, 1, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, size)

	size, err = resolveSize(1, 64, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 64, size)
}

func TestResolveSizeRejectsDisagreeingSizes(t *testing.T) {
	_, err := resolveSize(32, 64)
	require.Error(t, err)
	jerr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, SizeMismatch, jerr.Kind)
}

func TestResolveSizeRejectsZero(t *testing.T) {
	_, err := resolveSize(32, 0)
	require.Error(t, err)
}

func TestAppendBackendMismatchErrors(t *testing.T) {
	s := newTestState(t)
	a, err := s.Append0(types.Int32, "mov.$t0 $r0, 1")
	require.NoError(t, err)
	s.vars[a].Backend = types.CPU
	b, err := s.Append0(types.Int32, "mov.$t0 $r0, 2")
	require.NoError(t, err)
	s.vars[b].Backend = types.GPU

	_, err = s.Append2(types.Int32, "add.$t0 $r0, $r1, $r2", a, b)
	require.Error(t, err)
	jerr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, BackendMismatch, jerr.Kind)
}

func TestValidateTemplateRejectsOperandBeyondArity(t *testing.T) {
	s := newTestState(t)
	_, err := s.Append0(types.Int32, "mov.$t0 $r4, 1")
	require.Error(t, err)
	jerr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, TypeMismatch, jerr.Kind)
}

func TestSimplifyMulByZeroFoldsToLiteralZero(t *testing.T) {
	s := newTestState(t)
	zero, err := s.Append0(types.Int32, literalZeroCmd)
	require.NoError(t, err)
	x, err := s.Append0(types.Int32, "mov.$t0 $r0, 9")
	require.NoError(t, err)

	r, err := s.Append2(types.Int32, "mul.$t0 $r0, $r1, $r2", x, zero)
	require.NoError(t, err)
	assert.True(t, s.vars[r].IsLiteralZero(), "x*0 must fold to a literal-zero node")
}

func TestSimplifyMulByOneReturnsOtherOperandUnchanged(t *testing.T) {
	s := newTestState(t)
	one, err := s.Append0(types.Int32, literalOneCmd)
	require.NoError(t, err)
	x, err := s.Append0(types.Int32, "mov.$t0 $r0, 9")
	require.NoError(t, err)

	r, err := s.Append2(types.Int32, "mul.$t0 $r0, $r1, $r2", x, one)
	require.NoError(t, err)
	assert.Equal(t, x, r, "x*1 must fold to x itself, not a new node")

	ref, err := s.ExtRef(x)
	require.NoError(t, err)
	assert.EqualValues(t, 2, ref, "folding to x must still bump x's external refcount for the caller's new handle")
}

func TestSimplifyAddZeroReturnsOtherOperand(t *testing.T) {
	s := newTestState(t)
	zero, err := s.Append0(types.Int32, literalZeroCmd)
	require.NoError(t, err)
	x, err := s.Append0(types.Int32, "mov.$t0 $r0, 9")
	require.NoError(t, err)

	r, err := s.Append2(types.Int32, "add.$t0 $r0, $r1, $r2", zero, x)
	require.NoError(t, err)
	assert.Equal(t, x, r, "0+x must fold to x")
}

func TestSimplifySubZeroReturnsLeftOperandOnly(t *testing.T) {
	s := newTestState(t)
	zero, err := s.Append0(types.Int32, literalZeroCmd)
	require.NoError(t, err)
	x, err := s.Append0(types.Int32, "mov.$t0 $r0, 9")
	require.NoError(t, err)

	// x-0 folds, but 0-x (right operand non-zero) must not.
	r, err := s.Append2(types.Int32, "sub.$t0 $r0, $r1, $r2", x, zero)
	require.NoError(t, err)
	assert.Equal(t, x, r)

	r2, err := s.Append2(types.Int32, "sub.$t0 $r0, $r1, $r2", zero, x)
	require.NoError(t, err)
	assert.NotEqual(t, x, r2, "0-x is not the same value as x and must not be folded away")
}

func TestTSizeAccumulatesAcrossDependencyChain(t *testing.T) {
	s := newTestState(t)
	a, err := s.Append0(types.Int32, "mov.$t0 $r0, 1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, s.vars[a].TSize)

	b := mustAppend1(t, s, types.Int32, "neg.$t0 $r0, $r1", a)
	assert.EqualValues(t, 1+s.vars[a].TSize, s.vars[b].TSize)

	c := mustAppend1(t, s, types.Int32, "neg.$t0 $r0, $r1", b)
	assert.EqualValues(t, 1+s.vars[b].TSize, s.vars[c].TSize)
	assert.Greater(t, s.vars[c].TSize, s.vars[a].TSize, "tsize must strictly grow down a dependency chain")
}

func TestMarkScatterDirtiesTargetAndDisablesCSE(t *testing.T) {
	s := newTestState(t)
	target, err := s.Append0(types.Int32, "mov.$t0 $r0, 0")
	require.NoError(t, err)
	patch, err := s.Append0(types.Int32, "mov.$t0 $r0, 1")
	require.NoError(t, err)

	require.NoError(t, s.MarkScatter(patch, target))
	assert.True(t, s.vars[target].Dirty)
	assert.True(t, s.vars[patch].SideEffect)
	assert.False(t, s.vars[patch].cseEligible(), "a scatter write must be excluded from CSE once flagged")
}
