package jit

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arrowjit/arrowjit/config"
	"github.com/arrowjit/arrowjit/driver"
	"github.com/arrowjit/arrowjit/types"
)

// encodeF32 packs float32 values into little-endian bytes, the wire shape
// CopyFromHost/VarRead move across the host<->device boundary.
func encodeF32(vals ...float32) []byte {
	out := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

func decodeF32(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

func encodeI32(vals ...int32) []byte {
	out := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[i*4:], uint32(v))
	}
	return out
}

func decodeI32(b []byte) []int32 {
	out := make([]int32, len(b)/4)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

// newGPUTestState builds a State wired to a MockGPU whose Exec is supplied
// by the caller, standing in for the out-of-scope PTX op-template bodies
// so a kernel launch actually produces the numbers the recorded graph
// says it should, rather than the no-op the bare mock gives by default.
func newGPUTestState(t *testing.T, exec func(gpu *driver.MockGPU, params []uintptr, laneCount uint32)) (*State, *driver.MockGPU) {
	t.Helper()
	gpu := driver.NewMockGPU()
	s := New(gpu, nil, nil, nil)
	require.NoError(t, s.Init())
	if exec != nil {
		gpu.Exec = func(kernel string, params []uintptr, laneCount uint32) {
			exec(gpu, params, laneCount)
		}
	}
	return s, gpu
}

// forceGPU stamps backend GPU onto idx, standing in for whatever backend
// selection the out-of-scope front-end would otherwise have threaded
// through trace_append's "inherit backend from the first operand" rule:
// CopyFromHost has no operands to inherit from.
func forceGPU(s *State, idx uint32) {
	s.vars[idx].Backend = types.GPU
}

// Add and materialize.
func TestScenarioAddAndMaterialize(t *testing.T) {
	s, _ := newGPUTestState(t, func(gpu *driver.MockGPU, params []uintptr, laneCount uint32) {
		a := decodeF32(gpu.ReadHost(params[0], int(laneCount)*4))
		b := decodeF32(gpu.ReadHost(params[1], int(laneCount)*4))
		out := make([]float32, laneCount)
		for i := range out {
			out[i] = a[i] + b[i]
		}
		gpu.WriteHost(params[2], encodeF32(out...))
	})

	a, err := s.CopyFromHost(types.Float32, encodeF32(1, 2, 3, 4), 4)
	require.NoError(t, err)
	b, err := s.CopyFromHost(types.Float32, encodeF32(10, 20, 30, 40), 4)
	require.NoError(t, err)
	forceGPU(s, a)
	forceGPU(s, b)

	c, err := s.Append2(types.Float32, "add.$t0 $r0, $r1, $r2", a, b)
	require.NoError(t, err)

	require.NoError(t, s.Eval())

	out, err := s.VarRead(c)
	require.NoError(t, err)
	assert.Equal(t, []float32{11, 22, 33, 44}, decodeF32(out))
}

// Common subexpression elimination.
func TestScenarioCSEReusesIdenticalNode(t *testing.T) {
	s := newTestState(t)
	a, err := s.Append0(types.Int32, "mov.$t0 $r0, 5")
	require.NoError(t, err)
	before := len(s.vars)

	c1, err := s.Append1(types.Int32, "neg.$t0 $r0, $r1", a)
	require.NoError(t, err)
	c2, err := s.Append1(types.Int32, "neg.$t0 $r0, $r1", a)
	require.NoError(t, err)

	assert.Equal(t, c1, c2, "identical cmd+deps must resolve to the same node")
	assert.Equal(t, before+1, len(s.vars), "the second append must not have inserted a new node")

	ref, err := s.ExtRef(c1)
	require.NoError(t, err)
	assert.EqualValues(t, 2, ref)
}

// Dirty flush: scattering into a materialized array and then reading an
// untouched lane forces the pending scatter to flush first.
func TestScenarioDirtyFlush(t *testing.T) {
	var targetPtr uintptr
	s, _ := newGPUTestState(t, func(gpu *driver.MockGPU, params []uintptr, laneCount uint32) {
		for _, p := range params {
			if p != targetPtr {
				continue
			}
			// Scatter semantics (writing 9 into lanes 0 and 2) are the
			// out-of-scope op template's job; this closure supplies that
			// behavior for the mock the way the real PTX body would.
			scattered := decodeI32(gpu.ReadHost(targetPtr, 12))
			scattered[0] = 9
			scattered[2] = 9
			gpu.WriteHost(targetPtr, encodeI32(scattered...))
		}
	})

	target, err := s.CopyFromHost(types.Int32, encodeI32(1, 2, 3), 3)
	require.NoError(t, err)
	forceGPU(s, target)
	targetPtr = s.vars[target].Data

	patch, err := s.Append0(types.Int32, "mov.$t0 $r0, 9")
	require.NoError(t, err)
	forceGPU(s, patch)

	require.NoError(t, s.MarkScatter(patch, target))
	assert.True(t, s.vars[target].Dirty)

	out, err := s.VarRead(target)
	require.NoError(t, err)
	got := decodeI32(out)
	assert.False(t, s.vars[target].Dirty, "reading target must flush the pending scatter first")
	assert.EqualValues(t, 9, got[0])
	assert.EqualValues(t, 2, got[1], "untouched lane must survive the flush unchanged")
	assert.EqualValues(t, 9, got[2])
}

// Literal-constant folding: x * literal_zero returns the literal-zero
// node of the resolved broadcast size, without scheduling anything new on
// a repeat fold.
func TestScenarioLiteralZeroAbsorbs(t *testing.T) {
	s := newTestState(t)
	a, err := s.CopyFromHost(types.Float32, encodeF32(1, 2, 3, 4), 4)
	require.NoError(t, err)
	z, err := s.Append0(types.Float32, literalZeroCmd)
	require.NoError(t, err)

	before := len(s.vars)
	d1, err := s.Append2(types.Float32, "mul.$t0 $r0, $r1, $r2", a, z)
	require.NoError(t, err)
	assert.True(t, s.vars[d1].IsLiteralZero())
	assert.Greater(t, len(s.vars), before, "the first size-4 literal zero must be freshly created")

	b, err := s.CopyFromHost(types.Float32, encodeF32(9, 8, 7, 6), 4)
	require.NoError(t, err)

	afterFirst := len(s.vars)
	d2, err := s.Append2(types.Float32, "mul.$t0 $r0, $r1, $r2", b, z)
	require.NoError(t, err)
	assert.Equal(t, d1, d2, "a second size-4 literal-zero fold must hit the same cached node")
	assert.Equal(t, afterFirst, len(s.vars), "folding against a cached literal zero must not add a node")
}

// Symbolic loop recording and evaluation: a counter state var is threaded
// through start/cond/end; once end stops requesting a retry, eval runs
// the body's recorded Expression nodes through the scheduler and the
// LoopResult node is closed by aliasing the surviving value's buffer.
func TestScenarioLoopRecordAndEval(t *testing.T) {
	s, _ := newGPUTestState(t, func(gpu *driver.MockGPU, params []uintptr, laneCount uint32) {
		// The mock has no PTX interpreter to actually run ten divergent
		// loop iterations on device; it stands in for the op template body
		// by writing the known post-loop counter value into every output
		// buffer this partition's kernel produced.
		for _, p := range params {
			gpu.WriteHost(p, encodeI32(10))
		}
	})

	zero, err := s.CopyFromHost(types.Int32, encodeI32(0), 1)
	require.NoError(t, err)
	forceGPU(s, zero)

	loop, inner, err := s.LoopStart("counter", []uint32{zero})
	require.NoError(t, err)
	checkpoint := s.nextIndex

	ten, err := s.Append0(types.Int32, "mov.$t0 $r0, 10")
	require.NoError(t, err)
	forceGPU(s, ten)
	active, err := s.Append2(types.Bool, "setp.lt.$t0 $r0, $r1, $r2", inner[0], ten)
	require.NoError(t, err)

	cond, err := s.LoopCond(loop, active)
	require.NoError(t, err)

	one, err := s.Append0(types.Int32, "mov.$t0 $r0, 1")
	require.NoError(t, err)
	forceGPU(s, one)
	next, err := s.Append2(types.Int32, "add.$t0 $r0, $r1, $r2", inner[0], one)
	require.NoError(t, err)

	ok, results, err := s.LoopEnd(loop, cond, []uint32{next}, checkpoint)
	require.NoError(t, err)
	require.True(t, ok, "a counter that genuinely changes each iteration must not be eliminated")
	require.Len(t, results, 1)

	require.NoError(t, s.Eval())

	out, err := s.VarRead(results[0])
	require.NoError(t, err)
	assert.EqualValues(t, 10, decodeI32(out)[0])
}

// Boundary behavior: a loop whose state is entirely loop-invariant is
// eliminated exactly once before loop_end succeeds, and the final state
// equals the initial state.
func TestScenarioLoopAllInvariantStateRetriesOnce(t *testing.T) {
	s := newTestState(t)
	a, err := s.Append0(types.Int32, "mov.$t0 $r0, 7")
	require.NoError(t, err)

	loop, inner, err := s.LoopStart("invariant", []uint32{a})
	require.NoError(t, err)
	checkpoint := s.nextIndex

	cond, err := s.Append0(types.Bool, "mov.$t0 $r0, 0")
	require.NoError(t, err)
	s.vars[cond].Dep[0] = inner[0] // make it read loop state without changing it
	loopCond, err := s.LoopCond(loop, cond)
	require.NoError(t, err)

	ok, narrowed, err := s.LoopEnd(loop, loopCond, []uint32{inner[0]}, checkpoint)
	require.NoError(t, err)
	assert.False(t, ok, "an all-invariant state slot must be eliminated on the first pass")

	ok2, results, err := s.LoopEnd(loop, loopCond, narrowed, checkpoint)
	require.NoError(t, err)
	assert.True(t, ok2, "the retried pass must not request elimination again")
	require.Len(t, results, 1)
}

// mockCPUCompiler stands in for llvmjit.Compiler: Compile just counts how
// many times it was actually invoked (so a test can tell a disk cache hit
// from a real compile), and Launch runs a caller-supplied closure against
// the launch params instead of jumping into machine code.
type mockCPUCompiler struct {
	compileCalls int
	launchCalls  int
	exec         func(params []uintptr, laneCount uint32)
}

func (m *mockCPUCompiler) Compile(ir, kernelName string) ([]byte, uint32, error) {
	m.compileCalls++
	return []byte(ir), 0, nil
}

func (m *mockCPUCompiler) VersionMajor() int               { return 18 }
func (m *mockCPUCompiler) IfAtLeast(major, minor int) bool { return major <= 18 }

func (m *mockCPUCompiler) Launch(payload []byte, funcOffset uint32, params []uintptr, laneCount uint32) error {
	m.launchCalls++
	if m.exec != nil {
		m.exec(params, laneCount)
	}
	return nil
}

// Compilation cache participation: a CPU-backed eval's compiled kernel is
// stored on disk, and a second State rooted at the same cache directory
// loads it on a cache hit without ever calling its own compiler's Compile.
func TestScenarioCPUEvalCachesCompiledKernel(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.CacheDir = dir

	execAdd := func(gpu *driver.MockGPU) func(params []uintptr, laneCount uint32) {
		return func(params []uintptr, laneCount uint32) {
			a := decodeF32(gpu.ReadHost(params[0], int(laneCount)*4))
			b := decodeF32(gpu.ReadHost(params[1], int(laneCount)*4))
			out := make([]float32, laneCount)
			for i := range out {
				out[i] = a[i] + b[i]
			}
			gpu.WriteHost(params[2], encodeF32(out...))
		}
	}

	build := func(s *State) uint32 {
		a, err := s.CopyFromHost(types.Float32, encodeF32(1, 2, 3, 4), 4)
		require.NoError(t, err)
		b, err := s.CopyFromHost(types.Float32, encodeF32(10, 20, 30, 40), 4)
		require.NoError(t, err)
		require.NoError(t, s.SetBackend(a, types.CPU))
		require.NoError(t, s.SetBackend(b, types.CPU))
		c, err := s.Append2(types.Float32, "add.$t0 $r0, $r1, $r2", a, b)
		require.NoError(t, err)
		return c
	}

	gpu1 := driver.NewMockGPU()
	cpu1 := &mockCPUCompiler{exec: execAdd(gpu1)}
	s1 := New(gpu1, cpu1, cfg, nil)
	require.NoError(t, s1.Init())
	c1 := build(s1)
	require.NoError(t, s1.Eval())
	out1, err := s1.VarRead(c1)
	require.NoError(t, err)
	assert.Equal(t, []float32{11, 22, 33, 44}, decodeF32(out1))
	assert.Equal(t, 1, cpu1.compileCalls)
	assert.Equal(t, 1, cpu1.launchCalls)

	gpu2 := driver.NewMockGPU()
	cpu2 := &mockCPUCompiler{exec: execAdd(gpu2)}
	s2 := New(gpu2, cpu2, cfg, nil)
	require.NoError(t, s2.Init())
	c2 := build(s2)
	require.NoError(t, s2.Eval())
	out2, err := s2.VarRead(c2)
	require.NoError(t, err)
	assert.Equal(t, []float32{11, 22, 33, 44}, decodeF32(out2))
	assert.Equal(t, 0, cpu2.compileCalls, "a fresh state sharing the cache dir must load the compiled kernel from disk")
	assert.Equal(t, 1, cpu2.launchCalls, "the cache only skips compilation, execution still runs every eval")
}
