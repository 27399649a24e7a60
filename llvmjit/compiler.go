package llvmjit

import (
	"fmt"
	"sync"

	"tinygo.org/x/go-llvm"

	"github.com/arrowjit/arrowjit/logx"
)

// Compiler is the real driver.CPUCompiler: it parses the textual LLVM IR
// codegen emits, verifies it, and lowers it to relocatable machine code for
// the host target. It is the sole importer of tinygo.org/x/go-llvm in this
// module, keeping the cgo dependency out of the core jit/alloc/codegen
// packages per driver's package doc.
type Compiler struct {
	mu  sync.Mutex
	tm  llvm.TargetMachine
	log *logx.Logger

	initOnce sync.Once
	initErr  error
}

// New builds a Compiler targeting the host machine. The target machine is
// expensive to construct and is shared across every Compile call.
func New(log *logx.Logger) *Compiler {
	return &Compiler{log: log}
}

func (c *Compiler) ensureInit() error {
	c.initOnce.Do(func() {
		llvm.InitializeNativeTarget()
		llvm.InitializeNativeAsmPrinter()

		triple := llvm.DefaultTargetTriple()
		target, err := llvm.GetTargetFromTriple(triple)
		if err != nil {
			c.initErr = fmt.Errorf("llvmjit: resolve host target: %w", err)
			return
		}
		c.tm = target.CreateTargetMachine(triple, "", "",
			llvm.CodeGenLevelDefault, llvm.RelocDefault, llvm.CodeModelDefault)
	})
	return c.initErr
}

// Compile parses ir as a single LLVM module, verifies it, and emits an
// object-code payload plus the byte offset of kernelName's entry point.
//
// Every module codegen hands to Compile contains exactly one function, so
// the entry point always sits at the start of the .text contributed by this
// compile; funcOffset is therefore always 0. A compiler asked to support
// multi-function modules would need to walk the emitted object's symbol
// table instead.
func (c *Compiler) Compile(ir string, kernelName string) ([]byte, uint32, error) {
	if err := c.ensureInit(); err != nil {
		return nil, 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ctx := llvm.NewContext()
	defer ctx.Dispose()

	buf, err := llvm.NewMemoryBufferFromString(ir, kernelName)
	if err != nil {
		return nil, 0, fmt.Errorf("llvmjit: buffer IR for %q: %w", kernelName, err)
	}
	mod, err := ctx.ParseIR(buf)
	if err != nil {
		return nil, 0, fmt.Errorf("llvmjit: parse IR for %q: %w", kernelName, err)
	}
	defer mod.Dispose()

	if err := llvm.VerifyModule(mod, llvm.ReturnStatusAction); err != nil {
		if c.log != nil {
			c.log.Warn("llvmjit: module %q failed verification: %v", kernelName, err)
		}
		return nil, 0, fmt.Errorf("llvmjit: verify %q: %w", kernelName, err)
	}

	mm := NewBumpMemoryManager(len(ir))
	memBuf, err := c.tm.EmitToMemoryBuffer(mod, llvm.ObjectFile)
	if err != nil {
		return nil, 0, fmt.Errorf("llvmjit: emit object for %q: %w", kernelName, err)
	}
	defer memBuf.Dispose()

	mm.Store(memBuf.Bytes())
	return mm.Payload(), 0, nil
}

// VersionMajor reports the major version of the linked libLLVM, queried via
// golang.org/x/mod/semver-backed comparison against llvm.Version.
func (c *Compiler) VersionMajor() int {
	return versionMajor(llvm.Version)
}

// IfAtLeast reports whether the linked libLLVM is at least major.minor.
func (c *Compiler) IfAtLeast(major, minor int) bool {
	return ifAtLeast(llvm.Version, major, minor)
}
