// Package jit is the core of the module: the SSA variable store, trace
// append, evaluation scheduler, and symbolic loop recorder. Every public
// operation is a method on *State and acquires State's single mutex on
// entry, the "state mutex" concurrency model.
package jit

import (
	"sync"

	"github.com/arrowjit/arrowjit/alloc"
	"github.com/arrowjit/arrowjit/codegen"
	"github.com/arrowjit/arrowjit/config"
	"github.com/arrowjit/arrowjit/driver"
	"github.com/arrowjit/arrowjit/logx"
	"github.com/arrowjit/arrowjit/registry"
)

// OpTemplates resolves a symbolic op name (the front-end's contract point,
// since the per-op textual templates themselves are out of scope) to the
// op-template string trace-append substitutes into new nodes. Bulk
// operations (fill, reduce, scan, ...) are built entirely out of
// trace_append + eval against entries in this table.
type OpTemplates map[string]string

// State is the "global mutable state" object: a single struct, passed
// explicitly rather than a singleton, guarded by one coarse mutex
// covering the variable store, allocator, live/dirty sets, and cache
// lookup table.
type State struct {
	mu sync.Mutex

	// Variable store.
	vars       map[uint32]*Variable
	nextIndex  uint32
	generation map[uint32]uint32

	byKey map[VariableKey]uint32
	byPtr map[uintptr]uint32

	live  map[uint32]struct{}
	dirty []uint32

	// scope is the current CSE scope; scopeStack holds the outer scopes a
	// nested loop recording has pushed past.
	scope      uint32
	nextScope  uint32
	scopeStack []uint32

	// Collaborators.
	Alloc    *alloc.Allocator
	Registry *registry.Registry
	Log      *logx.Logger
	Config   *config.Config

	gpu driver.GPUDriver
	cpu driver.CPUCompiler

	streams       map[int64]driver.Stream
	defaultStream driver.Stream

	Templates OpTemplates

	dispatch *dispatcher

	initialized bool
}

// New constructs a State bound to the given GPU driver and CPU compiler
// collaborators. Init must still be called before most public operations
// are usable, the `init(llvm, cuda)` lifecycle op.
func New(gpu driver.GPUDriver, cpu driver.CPUCompiler, cfg *config.Config, log *logx.Logger) *State {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = logx.New(cfg.LogLevelOrWarn())
	}
	s := &State{
		vars:       make(map[uint32]*Variable),
		nextIndex:  1,
		generation: make(map[uint32]uint32),
		byKey:      make(map[VariableKey]uint32),
		byPtr:      make(map[uintptr]uint32),
		live:       make(map[uint32]struct{}),
		Registry:   registry.New(),
		Log:        log,
		Config:     cfg,
		gpu:        gpu,
		cpu:        cpu,
		streams:    make(map[int64]driver.Stream),
		Templates:  make(OpTemplates),
	}
	if gpu != nil {
		s.Alloc = alloc.New(gpu)
	}
	return s
}

// unlocked runs fn with the state mutex released, re-acquiring it before
// returning (even if fn panics), an unlock_guard used around compilation
// and kernel launch.
func (s *State) unlocked(fn func()) {
	s.mu.Unlock()
	defer s.mu.Lock()
	fn()
}

func (s *State) streamFor(token int64) driver.Stream {
	if st, ok := s.streams[token]; ok {
		return st
	}
	return s.defaultStream
}

func (s *State) allocIndex() uint32 {
	idx := s.nextIndex
	s.nextIndex++
	return idx
}

func (s *State) lookup(idx uint32) (*Variable, error) {
	v, ok := s.vars[idx]
	if !ok {
		return nil, NewError(UnknownIndex, "no such variable index %d", idx)
	}
	return v, nil
}

// toCodegenNode builds a codegen.Plan-independent Node view of a materialized
// or expression variable, for use by the scheduler.
func (s *State) toCodegenNode(idx uint32) codegen.Node {
	v := s.vars[idx]
	return codegen.Node{
		Index:      idx,
		Type:       v.Type,
		Size:       v.Size,
		Cmd:        v.Cmd,
		Dep:        v.Dep,
		ExtraDep:   v.ExtraDep,
		SideEffect: v.SideEffect,
	}
}
