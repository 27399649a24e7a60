package codegen

import (
	"fmt"

	"github.com/arrowjit/arrowjit/types"
)

// BackendWriter emits one dialect's textual kernel around a Plan's already
// register-allocated statement list.
type BackendWriter interface {
	Prologue(buf *Buffer, plan Plan, regs map[uint32]string)
	Statement(buf *Buffer, n Node, regs map[uint32]string, lookupType typeLookup) error
	Epilogue(buf *Buffer, plan Plan, regs map[uint32]string)
}

// Generate runs register allocation over plan.Nodes and writes the full
// kernel text for plan.Backend, returning the generated source.
func Generate(plan Plan, lookupType typeLookup, vectorWidth int) (string, error) {
	var w BackendWriter
	var prefix string
	switch plan.Backend {
	case types.GPU:
		w = ptxWriter{}
		prefix = "%r"
	case types.CPU:
		w = llvmWriter{vectorWidth: vectorWidth}
		prefix = "%v"
	default:
		return "", fmt.Errorf("codegen: unknown backend %v", plan.Backend)
	}

	ra := NewRegisterAllocator(prefix)
	regs := ra.Allocate(plan.Nodes)

	var buf Buffer
	w.Prologue(&buf, plan, regs)
	for _, n := range plan.Nodes {
		if err := w.Statement(&buf, n, regs, lookupType); err != nil {
			return "", err
		}
	}
	w.Epilogue(&buf, plan, regs)
	return buf.Get(), nil
}
