package jit

import "fmt"

// ErrorKind enumerates the caller-visible error classes.
type ErrorKind int

const (
	Uninitialized ErrorKind = iota
	BackendMismatch
	SizeMismatch
	TypeMismatch
	UnknownIndex
	UnknownPointer
	AllocationFailure
	CompilationFailure
	DirtyRead
	LoopStateInvalid
	LoopStateInconsistent
)

var errorKindNames = [...]string{
	Uninitialized:         "uninitialized",
	BackendMismatch:       "backend_mismatch",
	SizeMismatch:          "size_mismatch",
	TypeMismatch:          "type_mismatch",
	UnknownIndex:          "unknown_index",
	UnknownPointer:        "unknown_pointer",
	AllocationFailure:     "allocation_failure",
	CompilationFailure:    "compilation_failure",
	DirtyRead:             "dirty_read",
	LoopStateInvalid:      "loop_state_invalid",
	LoopStateInconsistent: "loop_state_inconsistent",
}

func (k ErrorKind) String() string {
	if int(k) < len(errorKindNames) {
		return errorKindNames[k]
	}
	return "unknown"
}

// Error is the concrete error type every public jit operation returns.
// Kind lets callers branch on the failure class without string matching;
// Err, when set, is the lower-level cause (an allocator or driver error).
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("jit: %s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("jit: %s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds an *Error of the given kind with a formatted message.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// wrapError builds an *Error of the given kind wrapping a lower-level cause.
func wrapError(kind ErrorKind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: cause}
}
