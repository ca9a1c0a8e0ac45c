package vm

import "fmt"

// Kind identifies one of the runtime error categories spec.md §7 lists
// (TypeError, DivByZero, OutOfBounds, StackUnderflow, UndefinedVariable,
// Panic, IOError). Unlike the compile-time errors (lang/lexer.Error,
// lang/parser.Error, lang/codegen.CompileError), a runtime error carries a
// stack trace built by walking the `link` chain rather than a single
// position, since by the time the VM notices it the failing opcode may be
// many calls deep.
type Kind string

const (
	TypeError        Kind = "TypeError"
	DivByZero        Kind = "DivByZero"
	OutOfBounds      Kind = "OutOfBounds"
	StackUnderflow   Kind = "StackUnderflow"
	UndefinedVariable Kind = "UndefinedVariable"
	Panic            Kind = "Panic"
	IOError          Kind = "IOError"
	// Cancelled reports a step-budget or context cancellation, grounded on
	// the teacher's Thread.MaxSteps/ctx idiom rather than on any category
	// spec.md §7 itself names.
	Cancelled Kind = "Cancelled"
)

// Frame is one entry of a runtime error's stack trace: the file and source
// byte offset the VM's source map resolved for that frame's `pc`.
type Frame struct {
	File string
	Pos  int
}

// RuntimeError is what the VM returns when execution cannot continue. Trace
// is ordered innermost-first (the opcode that actually failed, then each
// caller found by walking the link chain outward).
type RuntimeError struct {
	Kind  Kind
	Msg   string
	Trace []Frame
}

func (e *RuntimeError) Error() string {
	if len(e.Trace) == 0 {
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
	top := e.Trace[0]
	return fmt.Sprintf("%s:%d: %s: %s", top.File, top.Pos, e.Kind, e.Msg)
}

func newError(kind Kind, format string, args ...any) *RuntimeError {
	return &RuntimeError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}
