package codegen

import (
	"fmt"

	"github.com/arrowjit/arrowjit/types"
)

// llvmWriter emits textual LLVM IR for the CPU backend: a vector loop of
// the configured width over the kernel's lane count.
type llvmWriter struct {
	vectorWidth int
}

func (w llvmWriter) Prologue(buf *Buffer, plan Plan, regs map[uint32]string) {
	buf.Put("define void @kernel(")
	for i, p := range plan.Params {
		if i > 0 {
			buf.Put(", ")
		}
		buf.Put(fmt.Sprintf("%s* %s", llvmTypeTag(p.Type), p.Name))
	}
	buf.Put(fmt.Sprintf(", i64 %%lane_count) {\nentry:\n"))
	buf.Line(fmt.Sprintf("  %%vw = add i64 0, %d", w.vectorWidth))
	buf.Line("  br label %loop")
	buf.Line("")
	buf.Line("loop:")
	buf.Line("  %i = phi i64 [ 0, %entry ], [ %i.next, %loop ]")
	buf.Line("  %done = icmp uge i64 %i, %lane_count")
	buf.Line("  br i1 %done, label %exit, label %body")
	buf.Line("")
	buf.Line("body:")
}

// Statement emits one node's op-template substitution, same elision as
// ptxWriter.Statement: no load from a parameter pointer, no store to an
// output buffer, since both depend on a per-op template this package
// doesn't own.
func (llvmWriter) Statement(buf *Buffer, n Node, regs map[uint32]string, lookupType typeLookup) error {
	if n.Cmd == "" {
		return nil
	}
	stmt, err := Substitute(n, types.CPU, regs, lookupType)
	if err != nil {
		return err
	}
	buf.Line("  " + stmt)
	return nil
}

func (w llvmWriter) Epilogue(buf *Buffer, plan Plan, regs map[uint32]string) {
	buf.Line("  %i.next = add i64 %i, %vw")
	buf.Line("  br label %loop")
	buf.Line("")
	buf.Line("exit:")
	buf.Line("  ret void")
	buf.Line("}")
}
