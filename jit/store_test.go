package jit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arrowjit/arrowjit/driver"
	"github.com/arrowjit/arrowjit/types"
)

func newTestState(t *testing.T) *State {
	t.Helper()
	s := New(driver.NewMockGPU(), nil, nil, nil)
	require.NoError(t, s.Init())
	return s
}

func mustAppend1(t *testing.T, s *State, typ types.VarType, cmd string, a uint32) uint32 {
	t.Helper()
	idx, err := s.Append1(typ, cmd, a)
	require.NoError(t, err)
	return idx
}

func TestAppendCSEDedupesIdenticalNodes(t *testing.T) {
	s := newTestState(t)
	a, err := s.Append0(types.Int32, "mov.$t0 $r0, 7")
	require.NoError(t, err)
	b, err := s.Append0(types.Int32, "mov.$t0 $r0, 7")
	require.NoError(t, err)
	assert.Equal(t, a, b, "identical (cmd, type, size, deps) must CSE to the same index")

	ref, err := s.ExtRef(a)
	require.NoError(t, err)
	assert.EqualValues(t, 2, ref, "the second append must have bumped the shared node's external refcount")
}

func TestAppendDifferentScopesDoNotCSE(t *testing.T) {
	s := newTestState(t)
	a, err := s.Append0(types.Int32, "mov.$t0 $r0, 7")
	require.NoError(t, err)

	s.scopeStack = append(s.scopeStack, s.scope)
	s.nextScope++
	s.scope = s.nextScope

	b, err := s.Append0(types.Int32, "mov.$t0 $r0, 7")
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "a nested scope must never CSE against its parent scope")
}

func TestReleaseExtDestroysAtZeroRefcount(t *testing.T) {
	s := newTestState(t)
	a, err := s.Append0(types.Int32, "mov.$t0 $r0, 1")
	require.NoError(t, err)
	b := mustAppend1(t, s, types.Int32, "neg.$t0 $r0, $r1", a)

	require.NoError(t, s.ReleaseExt(b))
	_, err = s.lookup(b)
	assert.Error(t, err, "destroyed node must no longer resolve")

	intRef, err := s.IntRef(a)
	require.NoError(t, err)
	assert.EqualValues(t, 0, intRef, "destroying the dependent must release its internal ref on the dependency")

	require.NoError(t, s.ReleaseExt(a))
	_, err = s.lookup(a)
	assert.Error(t, err)
}

func TestDestroyCascadesThroughDependencyChain(t *testing.T) {
	s := newTestState(t)
	a, err := s.Append0(types.Int32, "mov.$t0 $r0, 1")
	require.NoError(t, err)
	b := mustAppend1(t, s, types.Int32, "neg.$t0 $r0, $r1", a)
	c := mustAppend1(t, s, types.Int32, "neg.$t0 $r0, $r1", b)
	// a and b are now held only by the internal refs of their dependents.
	require.NoError(t, s.ReleaseExt(a))
	require.NoError(t, s.ReleaseExt(b))

	require.NoError(t, s.ReleaseExt(c))
	_, err = s.lookup(b)
	assert.Error(t, err, "releasing the only external ref on the chain's root must cascade and destroy every link")
	_, err = s.lookup(a)
	assert.Error(t, err)
}

func TestLiveSetTracksExternalRefTransitions(t *testing.T) {
	s := newTestState(t)
	a, err := s.Append0(types.Int32, "mov.$t0 $r0, 1")
	require.NoError(t, err)
	_, isLive := s.live[a]
	assert.True(t, isLive, "a node with external refcount 1 must be in the live set")

	require.NoError(t, s.ReleaseExt(a))
	_, isLive = s.live[a]
	assert.False(t, isLive, "a destroyed node must be removed from the live set")
}

func TestWeakRefFailsClosedAfterDestruction(t *testing.T) {
	s := newTestState(t)
	a, err := s.Append0(types.Int32, "mov.$t0 $r0, 1")
	require.NoError(t, err)
	ref := WeakRef{Index: a, Gen: s.generation[a]}

	resolved, ok := ref.Resolve(s)
	assert.True(t, ok)
	assert.Equal(t, a, resolved)

	require.NoError(t, s.ReleaseExt(a))
	_, ok = ref.Resolve(s)
	assert.False(t, ok, "a weak ref must fail closed once its generation has been bumped by destruction")
}

func TestRetainExtUnknownIndexErrors(t *testing.T) {
	s := newTestState(t)
	err := s.RetainExt(999)
	require.Error(t, err)
	jerr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, UnknownIndex, jerr.Kind)
}

func TestRetainExtAfterDestructionErrors(t *testing.T) {
	s := newTestState(t)
	a, err := s.Append0(types.Int32, "mov.$t0 $r0, 1")
	require.NoError(t, err)
	require.NoError(t, s.ReleaseExt(a))

	err = s.RetainExt(a)
	require.Error(t, err, "retaining an already-destroyed index must fail, not silently resurrect it")
}

func TestSideEffectNodeEntersLiveUnconditionally(t *testing.T) {
	s := newTestState(t)
	a, err := s.Append0(types.Int32, "mov.$t0 $r0, 0")
	require.NoError(t, err)
	b := mustAppend1(t, s, types.Int32, "neg.$t0 $r0, $r1", a)
	_ = mustAppend1(t, s, types.Int32, "neg.$t0 $r0, $r1", b) // keeps b alive via an internal ref

	require.NoError(t, s.ReleaseExt(b))
	_, isLive := s.live[b]
	assert.False(t, isLive, "b has no external consumer and is not a side effect yet, so it must not be live")

	require.NoError(t, s.MarkScatter(b, a))
	_, isLive = s.live[b]
	assert.True(t, isLive, "once marked as a scatter side effect, b must be live even at external refcount 0")
}
