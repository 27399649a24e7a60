package jit

import (
	"sort"

	"github.com/arrowjit/arrowjit/alloc"
	"github.com/arrowjit/arrowjit/codegen"
	"github.com/arrowjit/arrowjit/types"
)

// cpuLauncher is implemented by a driver.CPUCompiler that can also invoke
// the machine code it just compiled. llvmjit.Compiler implements it for
// real by mapping the payload executable and calling through a function
// pointer; test doubles implement it directly to supply arithmetic
// semantics without any real compilation.
type cpuLauncher interface {
	Launch(payload []byte, funcOffset uint32, params []uintptr, laneCount uint32) error
}

// partitionKey groups the unmaterialized ancestors of a var_eval root by
// target backend and lane count: each (backend, size) partition becomes
// one kernel.
type partitionKey struct {
	backend types.Backend
	size    uint32
}

// Eval implements eval(): flush every node currently in the live set.
func (s *State) Eval() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	roots := make(map[uint32]struct{}, len(s.live))
	for idx := range s.live {
		roots[idx] = struct{}{}
	}
	return s.evalRoots(roots)
}

// VarEval implements var_eval(idx): flush the sub-DAG rooted at idx.
func (s *State) VarEval(idx uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.varEvalLocked(idx)
}

func (s *State) varEvalLocked(idx uint32) error {
	if _, err := s.lookup(idx); err != nil {
		return err
	}
	return s.evalRoots(map[uint32]struct{}{idx: {}})
}

// VarSchedule implements var_schedule(idx): same effect as var_eval for this
// simplified core, since there is no separate "queued but not yet launched"
// state to expose — scheduling and launching are not decoupled here.
func (s *State) VarSchedule(idx uint32) error {
	return s.VarEval(idx)
}

// evalRoots runs reverse reachability from roots to collect unmaterialized
// ancestors, partitions them by (backend, size), and evaluates each
// partition's kernel.
func (s *State) evalRoots(roots map[uint32]struct{}) error {
	pending := make(map[partitionKey][]uint32)
	visited := make(map[uint32]bool)

	// loopResults collects every LoopResult node reached while walking the
	// live set's ancestors, so that once their value subtree (ExtraDep) has
	// been materialized by an ordinary partition below, a closing pass can
	// alias the result onto that same buffer. A LoopResult's own deps are
	// "start, loop-end" control nodes with no Cmd of their own — the
	// surviving per-iteration value is computed by the ordinary Expression
	// node reached through ExtraDep. Partitions are keyed by (backend, size)
	// only, so loop-body nodes share a partition with outer nodes of the
	// same backend and size.
	var loopResults []uint32

	var visit func(idx uint32)
	visit = func(idx uint32) {
		if visited[idx] {
			return
		}
		visited[idx] = true
		v, ok := s.vars[idx]
		if !ok || v.materialized() {
			return
		}
		for _, d := range v.Dep {
			if d != 0 {
				visit(d)
			}
		}
		if v.ExtraDep != 0 {
			visit(v.ExtraDep)
		}
		if v.Kind != types.Expression {
			if v.Kind == types.LoopResult {
				loopResults = append(loopResults, idx)
			}
			return
		}
		key := partitionKey{backend: v.Backend, size: v.Size}
		pending[key] = append(pending[key], idx)
	}
	for idx := range roots {
		visit(idx)
	}

	// Deterministic partition order keeps kernel emission order stable
	// across runs, which in turn keeps the compilation cache's canonical
	// IR byte-identical between processes.
	keys := make([]partitionKey, 0, len(pending))
	for k := range pending {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].backend != keys[j].backend {
			return keys[i].backend < keys[j].backend
		}
		return keys[i].size < keys[j].size
	})

	for _, key := range keys {
		if err := s.evalPartition(key, pending[key]); err != nil {
			return err
		}
	}

	for _, idx := range loopResults {
		s.closeLoopResult(idx)
	}
	return nil
}

// closeLoopResult materializes a LoopResult node by aliasing the buffer its
// ExtraDep (the surviving per-iteration value, or its CPU select) ended up
// with once evalRoots' ordinary partitions ran. The node does not own the
// buffer (FreeVariable stays false) since the aliased node still does.
func (s *State) closeLoopResult(idx uint32) {
	rv, ok := s.vars[idx]
	if !ok || rv.materialized() {
		return
	}
	src, ok := s.vars[rv.ExtraDep]
	if !ok || !src.materialized() {
		return
	}
	rv.Data = src.Data
	rv.AllocType = src.AllocType
	rv.FreeVariable = false
	rv.Dirty = false
}

// topoSort orders members so that every dependency precedes its dependent,
// breaking ties by tsize descending.
func (s *State) topoSort(members []uint32) []uint32 {
	inSet := make(map[uint32]bool, len(members))
	for _, m := range members {
		inSet[m] = true
	}

	order := make([]uint32, 0, len(members))
	done := make(map[uint32]bool, len(members))

	remaining := append([]uint32(nil), members...)
	for len(remaining) > 0 {
		sort.Slice(remaining, func(i, j int) bool {
			return s.vars[remaining[i]].TSize > s.vars[remaining[j]].TSize
		})
		progressed := false
		var next []uint32
		for _, idx := range remaining {
			if done[idx] {
				continue
			}
			ready := true
			v := s.vars[idx]
			for _, d := range v.Dep {
				if d != 0 && inSet[d] && !done[d] {
					ready = false
					break
				}
			}
			if ready && v.ExtraDep != 0 && inSet[v.ExtraDep] && !done[v.ExtraDep] {
				ready = false
			}
			if ready {
				order = append(order, idx)
				done[idx] = true
				progressed = true
			} else {
				next = append(next, idx)
			}
		}
		if !progressed {
			// A same-partition dependency cycle should not occur outside
			// the loop recorder's own LoopPhi/LoopEnd pair, which is never
			// placed in the same partition as an ordinary expression; fall
			// back to input order rather than looping forever.
			order = append(order, next...)
			break
		}
		remaining = next
	}
	return order
}

// needsOutputBuffer reports whether idx must still be readable once this
// kernel finishes: it has an outstanding external reference, or an internal
// reference from a node outside the partition being evaluated. Every node
// actually placed in a partition already has ref_count_ext+ref_count_int >
// 0 (a dead node is destroyed immediately by store.go, never left pending
// evaluation), so in this simplified core every partition member ends up
// materialized; this is a deliberate simplification of a finer-grained
// "needed after the kernel" test.
func needsOutputBuffer(v *Variable) bool {
	return v.RefCountExt > 0 || v.RefCountInt > 0
}

// evalPartition builds a codegen.Plan for members, generates and compiles
// its kernel, launches it, and materializes every member node.
func (s *State) evalPartition(key partitionKey, members []uint32) error {
	order := s.topoSort(members)

	plan := codegen.Plan{Backend: key.backend, Size: key.size}
	leafSeen := make(map[uint32]bool)

	// Leaf dependencies (already-materialized operands this partition reads
	// but does not compute) go first, as parameter-backed nodes with no
	// Cmd of their own, purely so the register allocator below assigns
	// them a name consistent with the parameter name the kernel prologue
	// declares — the same register number space is reused for "value
	// already resident in a kernel argument" and "value this kernel body
	// computes", since the per-op textual templates (the out-of-scope
	// front-end's contract) address both uniformly by operand index.
	for _, idx := range order {
		v := s.vars[idx]
		for _, d := range v.Dep {
			s.collectLeaf(d, leafSeen, &plan)
		}
		s.collectLeaf(v.ExtraDep, leafSeen, &plan)
	}

	for _, idx := range order {
		v := s.vars[idx]
		node := s.toCodegenNode(idx)
		node.Output = needsOutputBuffer(v)
		plan.Nodes = append(plan.Nodes, node)
	}

	ra := codegen.NewRegisterAllocator(registerPrefix(key.backend))
	regs := ra.Allocate(plan.Nodes)
	for i, p := range plan.Params {
		if name, ok := regs[p.Index]; ok {
			plan.Params[i].Name = name
		}
	}

	typeOf := func(idx uint32) types.VarType {
		if v, ok := s.vars[idx]; ok {
			return v.Type
		}
		return types.Invalid
	}

	source, err := codegen.Generate(plan, typeOf, s.Config.VectorWidth)
	if err != nil {
		return wrapError(CompilationFailure, err, "codegen for partition (%v, size %d)", key.backend, key.size)
	}

	buffers, err := s.allocateOutputs(order)
	if err != nil {
		return err
	}

	switch key.backend {
	case types.GPU:
		if err := s.launchGPU(source, order, plan, buffers); err != nil {
			return err
		}
	case types.CPU:
		if err := s.launchCPU(source, order, plan, buffers); err != nil {
			return err
		}
	default:
		return NewError(CompilationFailure, "partition with no resolved backend")
	}

	s.finishPartition(order, buffers)
	return nil
}

func registerPrefix(backend types.Backend) string {
	if backend == types.GPU {
		return "%r"
	}
	return "%v"
}

// collectLeaf adds idx to plan.Params the first time it's seen as a
// dependency whose own node is either outside this partition's member set
// (already materialized, or belongs to another backend/size) — i.e. an
// input buffer the kernel must receive as a parameter. An unmaterialized
// LoopPhi dependency instead gets a register-only node with no Cmd and no
// parameter.
func (s *State) collectLeaf(idx uint32, seen map[uint32]bool, plan *codegen.Plan) {
	if idx == 0 || seen[idx] {
		return
	}
	v, ok := s.vars[idx]
	if !ok {
		return
	}
	if v.Kind == types.LoopPhi && !v.materialized() {
		seen[idx] = true
		plan.Nodes = append(plan.Nodes, codegen.Node{Index: idx, Type: v.Type, Size: v.Size})
		return
	}
	if !v.materialized() {
		return
	}
	seen[idx] = true
	plan.Params = append(plan.Params, codegen.Param{Index: idx, Type: v.Type})
	plan.Nodes = append(plan.Nodes, codegen.Node{Index: idx, Type: v.Type, Size: v.Size})
}

// allocateOutputs reserves one buffer per partition member: host memory for
// CPU-backend members, device memory otherwise.
func (s *State) allocateOutputs(order []uint32) (map[uint32]*alloc.Block, error) {
	if s.Alloc == nil {
		return nil, NewError(AllocationFailure, "no allocator configured (no GPU driver bound to this state)")
	}
	buffers := make(map[uint32]*alloc.Block, len(order))
	for _, idx := range order {
		v := s.vars[idx]
		bytes := uint64(v.Size) * uint64(v.Type.ByteSize())
		if bytes == 0 {
			bytes = 1
		}
		allocType := types.Device
		if v.Backend == types.CPU {
			allocType = types.Host
		}
		b, err := s.Alloc.Allocate(allocType, bytes)
		if err != nil {
			return nil, wrapError(AllocationFailure, err, "var %d: allocate output buffer", idx)
		}
		buffers[idx] = b
	}
	return buffers, nil
}

// launchGPU compiles source as PTX through the GPU driver and launches it
// with the collected parameter buffers plus every member's freshly
// allocated output buffer.
func (s *State) launchGPU(source string, order []uint32, plan codegen.Plan, buffers map[uint32]*alloc.Block) error {
	if s.gpu == nil {
		return NewError(CompilationFailure, "no GPU driver configured")
	}

	var module any
	var err error
	s.unlocked(func() {
		module, err = s.gpu.CompilePTX(source)
	})
	if err != nil {
		return wrapError(CompilationFailure, err, "compile PTX kernel")
	}

	params := make([]uintptr, 0, len(plan.Params)+len(order))
	for _, p := range plan.Params {
		params = append(params, s.vars[p.Index].Data)
	}
	for _, idx := range order {
		params = append(params, buffers[idx].Ptr)
	}

	stream := s.defaultStream
	s.unlocked(func() {
		err = s.gpu.LaunchKernel(module, "kernel", params, plan.Size, stream)
	})
	if err != nil {
		return wrapError(CompilationFailure, err, "launch PTX kernel")
	}
	return nil
}

// launchCPU compiles source as LLVM IR through the configured CPU compiler
// (transparently cache-backed, see cache.NewCompiler) and, if the compiler
// also implements cpuLauncher, invokes the resulting machine code.
func (s *State) launchCPU(source string, order []uint32, plan codegen.Plan, buffers map[uint32]*alloc.Block) error {
	if s.cpu == nil {
		return NewError(CompilationFailure, "no CPU compiler configured")
	}

	const kernelName = "kernel"
	var payload []byte
	var funcOffset uint32
	var err error
	s.unlocked(func() {
		payload, funcOffset, err = s.cpu.Compile(source, kernelName)
	})
	if err != nil {
		return wrapError(CompilationFailure, err, "compile LLVM kernel")
	}

	launcher, ok := s.cpu.(cpuLauncher)
	if !ok {
		s.Log.Warn("cpu compiler %T cannot launch compiled kernels; skipping execution", s.cpu)
		return nil
	}

	params := make([]uintptr, 0, len(plan.Params)+len(order))
	for _, p := range plan.Params {
		params = append(params, s.vars[p.Index].Data)
	}
	for _, idx := range order {
		params = append(params, buffers[idx].Ptr)
	}

	dispatch := s.dispatch
	s.unlocked(func() {
		run := func() { err = launcher.Launch(payload, funcOffset, params, plan.Size) }
		if dispatch != nil {
			dispatch.Run(run)
		} else {
			run()
		}
	})
	if err != nil {
		return wrapError(CompilationFailure, err, "launch LLVM kernel")
	}
	return nil
}

// finishPartition rewrites every evaluated node: clear cmd, set data,
// clear dirty, drain the dirty list entry if present.
func (s *State) finishPartition(order []uint32, buffers map[uint32]*alloc.Block) {
	for _, idx := range order {
		v := s.vars[idx]
		if b, ok := buffers[idx]; ok {
			v.Data = b.Ptr
			v.AllocType = b.Type
			v.FreeVariable = true
			s.byPtr[b.Ptr] = idx
		}
		if v.cseEligible() {
			if cur, ok := s.byKey[keyOf(v)]; ok && cur == idx {
				delete(s.byKey, keyOf(v))
			}
		}
		v.Cmd = ""
		v.Kind = types.Expression
		v.Dirty = false
	}

	remaining := s.dirty[:0]
	cleared := make(map[uint32]bool, len(order))
	for _, idx := range order {
		cleared[idx] = true
	}
	for _, idx := range s.dirty {
		if !cleared[idx] {
			remaining = append(remaining, idx)
		}
	}
	s.dirty = remaining
}
