package codegen

import "github.com/arrowjit/arrowjit/types"

// Node is the minimal view of a Variable the code generator needs. The
// scheduler builds these from its own Variable table; codegen never reaches
// back into the variable store, keeping the scheduler/codegen boundary an
// ordered list of expression nodes.
type Node struct {
	Index      uint32
	Type       types.VarType
	Size       uint32
	Cmd        string
	Dep        [3]uint32
	ExtraDep   uint32
	SideEffect bool
	// Output is true when this node's result must be stored to a kernel
	// output parameter (it survives the partition: external refs > 0 or
	// internal refs from outside the partition).
	Output bool
}

// Param is one kernel parameter: a buffer pointer the generated prologue
// receives, in order.
type Param struct {
	Index uint32
	Type  types.VarType
	Name  string
}

// Plan is the ordered, topologically-sorted partition the scheduler hands
// to the code generator for a single kernel.
type Plan struct {
	Backend types.Backend
	Size    uint32
	Nodes   []Node
	Params  []Param
}
