// Package vm implements Cassette's virtual machine (spec.md §4.5): the
// register-and-stack interpreter that executes a linked lang/program.Program
// against a lang/value.Heap and lang/value.Stack. It is the closest analog
// to the teacher's lang/machine package (machine.go's opcode-dispatch loop,
// thread.go's step-budget cancellation idiom), generalized from the
// teacher's tree-walking-over-compiled-functions model to a single flat
// byte-offset program with module boundaries, since that is the execution
// model spec.md §3.6/§4.5.1 itself specifies.
package vm

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/mna/cassette/lang/chunk"
	"github.com/mna/cassette/lang/isa"
	"github.com/mna/cassette/lang/primitives"
	"github.com/mna/cassette/lang/program"
	"github.com/mna/cassette/lang/symtab"
	"github.com/mna/cassette/lang/value"
)

// Machine holds everything one running program needs: its code and
// constant pools, the heap and stack it mutates, and the bookkeeping
// (module export table, step counter) that only exist at run time.
type Machine struct {
	prog *program.Program
	code []byte

	Heap  *value.Heap
	Stack *value.Stack
	regs  [isa.NumRegisters]value.Value
	temps [2]value.Value
	link  int
	pc    int

	symtab *symtab.Table
	prims  *primitives.Context

	moduleExports []value.Value
	nextBoundary  int

	ctx       context.Context
	ctxCancel func()
	cancelled atomic.Bool
	steps     uint64
	maxSteps  uint64
}

// Options configures a Machine beyond the program it runs.
type Options struct {
	// MaxSteps caps the number of instructions executed before the machine
	// cancels itself, mirroring the teacher's Thread.MaxSteps (a
	// deliberately unspecified measure of execution time). Zero means no
	// limit.
	MaxSteps uint64
	Prims    *primitives.Context
}

// New builds a Machine ready to run p. The symbol table is reconstructed by
// replaying p.Strings through a fresh table of p.SymBits width: since
// lang/symtab.Intern's hash is deterministic and collisions resolve
// first-claim, replaying the same ordered names reproduces the exact ids
// the build-time table assigned (testable property 6), without the program
// file needing to store ids at all.
func New(p *program.Program, heap *value.Heap, stack *value.Stack, opts Options) *Machine {
	st := symtab.New(p.SymBits)
	for _, name := range p.Strings {
		st.Intern(name)
	}
	prims := opts.Prims
	if prims == nil {
		prims = &primitives.Context{Heap: heap, Stdout: os.Stdout, Stderr: os.Stderr, Files: primitives.NewFileTable()}
	} else {
		if prims.Heap == nil {
			prims.Heap = heap
		}
		if prims.Stdout == nil {
			prims.Stdout = os.Stdout
		}
		if prims.Stderr == nil {
			prims.Stderr = os.Stderr
		}
		if prims.Files == nil {
			prims.Files = primitives.NewFileTable()
		}
	}
	m := &Machine{
		prog:     p,
		code:     p.Code,
		Heap:     heap,
		Stack:    stack,
		symtab:   st,
		prims:    prims,
		maxSteps: opts.MaxSteps,
	}
	if prims.Reserve == nil {
		prims.Reserve = func(cells int) { m.Heap.MaybeGC(cells, m.roots()) }
	}
	return m
}

// Run executes the program from its first byte to completion, returning the
// single value left on top of the stack when the program ends (either by
// running off the end of the code or by an explicit `halt`).
func (m *Machine) Run(ctx context.Context) (value.Value, error) {
	ctx, cancel := context.WithCancel(ctx)
	m.ctx = ctx
	m.ctxCancel = cancel
	defer cancel()

	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			m.cancelled.Store(true)
		}()
	}

	m.pc = 0
	m.nextBoundary = 0

	for {
		if m.maxSteps > 0 {
			m.steps++
			if m.steps > m.maxSteps {
				return value.Nil, m.errorAt(newError(Cancelled, "step budget exceeded"))
			}
		}
		if m.cancelled.Load() {
			return value.Nil, m.errorAt(newError(Cancelled, "execution cancelled: %v", context.Cause(ctx)))
		}
		if m.pc >= len(m.code) {
			return m.topOrNil(), nil
		}

		instrStart := m.pc
		op := isa.Op(m.code[m.pc])
		m.pc++

		var uarg uint64
		var farg int32
		switch {
		case isa.HasFixedArg(op):
			farg = int32(binary.LittleEndian.Uint32(m.code[m.pc:]))
			uarg = uint64(uint32(farg))
			m.pc += isa.JumpArgWidth
		case isa.HasArg(op):
			uarg, m.pc = chunk.DecodeUvarint(m.code, m.pc)
		}

		if err := m.step(op, uarg, farg, instrStart); err != nil {
			if err == errHalt {
				return m.topOrNil(), nil
			}
			return value.Nil, m.errorAt(err)
		}

		m.captureExportsAt(m.pc)
	}
}

func (m *Machine) topOrNil() value.Value {
	if m.Stack.Len() == 0 {
		return value.Nil
	}
	return m.Stack.Peek(0)
}

// captureExportsAt pops, for every module boundary the program writer
// placed at or before pc, the export tuple lang/codegen's MODCAP left on
// top of the stack into the module table MODGET reads from (itself a GC
// root, so the tuples stay live after leaving the stack). Several
// boundaries can share the same pc only in a degenerate (empty) module, so
// this loops rather than checking a single index. Popping the tuple leaves
// the module body's own final value, if any, as the new top — which is how
// the entry module's last expression becomes the program's result.
func (m *Machine) captureExportsAt(pc int) {
	for m.nextBoundary < len(m.prog.Exports) && m.prog.Exports[m.nextBoundary].BoundaryOff <= pc {
		v := value.Nil
		if m.Stack.Len() > 0 {
			v = m.Stack.Pop()
		}
		m.moduleExports = append(m.moduleExports, v)
		m.nextBoundary++
	}
}

var errHalt = fmt.Errorf("halt")

// step executes a single decoded instruction. instrStart is the byte offset
// of the opcode itself, used only for error reporting via the source map.
func (m *Machine) step(op isa.Op, uarg uint64, farg int32, instrStart int) error {
	s := m.Stack
	switch op {
	case isa.NOOP:
	case isa.HALT:
		return errHalt
	case isa.PANIC:
		if s.Len() < 1 {
			return newError(StackUnderflow, "panic: missing message operand")
		}
		msg := s.Pop()
		return newError(Panic, "%s", m.render(msg))

	case isa.DUP:
		if s.Len() < 1 {
			return newError(StackUnderflow, "dup: empty stack")
		}
		s.Push(s.Peek(0))
	case isa.DROP:
		if s.Len() < 1 {
			return newError(StackUnderflow, "drop: empty stack")
		}
		s.Pop()
	case isa.SWAP:
		if s.Len() < 2 {
			return newError(StackUnderflow, "swap: need 2 operands")
		}
		a, b := s.Pop(), s.Pop()
		s.Push(a)
		s.Push(b)
	case isa.OVER:
		if s.Len() < 2 {
			return newError(StackUnderflow, "over: need 2 operands")
		}
		s.Push(s.Peek(1))
	case isa.ROT:
		if s.Len() < 3 {
			return newError(StackUnderflow, "rot: need 3 operands")
		}
		c, b, a := s.Pop(), s.Pop(), s.Pop()
		s.Push(b)
		s.Push(c)
		s.Push(a)

	case isa.ADD, isa.SUB, isa.MUL, isa.DIV, isa.REM, isa.AND, isa.OR, isa.XOR, isa.SHIFT, isa.LT, isa.GT:
		return m.binArith(op)
	case isa.EQ:
		return m.binEq()
	case isa.COMP, isa.NOT, isa.NEG:
		return m.unary(op)

	case isa.PAIR:
		return m.opPair()
	case isa.HEAD:
		return m.opHeadTail(true)
	case isa.TAIL:
		return m.opHeadTail(false)
	case isa.LEN:
		return m.opLen()
	case isa.GET:
		return m.opGet()
	case isa.SET:
		return m.opSet()
	case isa.STR:
		return m.opStr()
	case isa.JOIN:
		return m.opJoin()
	case isa.SLICE:
		return m.opSlice()

	case isa.LINK:
		old := m.link
		m.link = s.Len()
		s.Push(value.MakeInt(int64(old)))
	case isa.UNLINK:
		if s.Len() < 1 {
			return newError(StackUnderflow, "unlink: empty stack")
		}
		v := s.Pop()
		if !v.IsInt() {
			return newError(TypeError, "unlink: expected integer link value")
		}
		m.link = int(v.Int())
	case isa.GOTO:
		if s.Len() < 1 {
			return newError(StackUnderflow, "goto: missing target")
		}
		v := s.Pop()
		if !v.IsInt() {
			return newError(TypeError, "goto: target is not an integer")
		}
		target := int(v.Int())
		if target < 0 || target > len(m.code) {
			return newError(OutOfBounds, "goto: target %d outside code", target)
		}
		m.pc = target

	case isa.CONST:
		s.Push(value.Value(uint32(uarg)))
	case isa.LOOKUP:
		v, err := m.envLookup(int(uarg))
		if err != nil {
			return err
		}
		s.Push(v)
	case isa.DEFINE:
		if s.Len() < 1 {
			return newError(StackUnderflow, "define: missing value")
		}
		v := s.Pop()
		return m.envDefine(int(uarg), v)
	case isa.PUSH:
		r := isa.Register(uarg)
		if int(r) >= len(m.regs) {
			return newError(TypeError, "push: invalid register %d", r)
		}
		s.Push(m.regs[r])
	case isa.PULL:
		r := isa.Register(uarg)
		if int(r) >= len(m.regs) {
			return newError(TypeError, "pull: invalid register %d", r)
		}
		if s.Len() < 1 {
			return newError(StackUnderflow, "pull: empty stack")
		}
		m.regs[r] = s.Pop()
	case isa.TRAP:
		return m.opTrap(int(uarg))
	case isa.TUPLE:
		n := int(uarg)
		m.Heap.MaybeGC(1+n, m.roots())
		s.Push(m.Heap.AllocTuple(n))
	case isa.PICK:
		n := int(uarg)
		if s.Len() < n+1 {
			return newError(StackUnderflow, "pick %d: not enough operands", n)
		}
		s.Push(s.Peek(n))

	case isa.JUMP:
		m.pc = m.jumpTarget(farg, instrStart)
	case isa.BRANCH:
		if s.Len() < 1 {
			return newError(StackUnderflow, "branch: missing condition")
		}
		cond := s.Pop()
		if !cond.Truthy() {
			m.pc = m.jumpTarget(farg, instrStart)
		}
	case isa.POS:
		target := m.jumpTarget(farg, instrStart)
		s.Push(value.MakeInt(int64(target)))

	case isa.MODGET:
		modIdx := int(uarg>>16) & 0xffff
		expIdx := int(uarg & 0xffff)
		if modIdx >= len(m.moduleExports) {
			return newError(UndefinedVariable, "modget: module %d not yet linked", modIdx)
		}
		tup := m.moduleExports[modIdx]
		if tup.Tag() != value.TagObject || tup.IsNil() {
			return newError(TypeError, "modget: module export is not a tuple")
		}
		if expIdx < 0 || expIdx >= m.Heap.TupleLen(tup) {
			return newError(OutOfBounds, "modget: export index %d out of range", expIdx)
		}
		s.Push(m.Heap.TupleGet(tup, expIdx))
	case isa.MODCAP:
		s.Push(m.regs[isa.RegMod])

	default:
		return newError(TypeError, "unimplemented opcode %s", op)
	}
	return nil
}

// jumpTarget applies the formula lang/chunk.Link used to encode k: the
// operand field begins at instrStart+1 (right after the one-byte opcode),
// and target = k + (operandStart + 1) — see testable property 4.
func (m *Machine) jumpTarget(k int32, instrStart int) int {
	operandStart := instrStart + 1
	return int(k) + operandStart + 1
}

func (m *Machine) roots() value.Roots {
	return value.Roots{Stack: m.Stack.Slice(), Registers: m.regs[:], Temps: m.temps[:], Modules: m.moduleExports}
}

// render produces the textual form of v used by `panic` messages, the same
// rendering the print trap uses: decimal for integers, raw bytes for
// binaries, Value.String() otherwise.
func (m *Machine) render(v value.Value) string {
	if v.IsInt() {
		return fmt.Sprintf("%d", v.Int())
	}
	if v.IsObject() && !v.IsNil() {
		if shape, _ := m.Heap.ShapeAt(v.Index()); shape == value.ShapeBinary {
			return string(m.Heap.BinaryBytes(v))
		}
	}
	return v.String()
}

// errorAt attaches the current instruction's source position as the
// innermost stack-trace frame, then walks the link chain outward for the
// rest: a best-effort reconstruction, since a corrupted or exhausted chain
// simply truncates the trace rather than failing the error report itself.
func (m *Machine) errorAt(err error) error {
	re, ok := err.(*RuntimeError)
	if !ok {
		re = newError(TypeError, "%s", err.Error())
	}
	re.Trace = m.buildTrace()
	return re
}

func (m *Machine) buildTrace() []Frame {
	pc := m.pc - 1
	if pc < 0 {
		pc = 0
	}
	frames := []Frame{m.frameAt(pc)}

	sl := m.Stack.Slice()
	cur := m.link
	for i := 0; i < 64; i++ {
		if cur <= 0 || cur >= len(sl) {
			break
		}
		retv := sl[cur-1]
		if !retv.IsInt() {
			break
		}
		frames = append(frames, m.frameAt(int(retv.Int())))
		oldLink := sl[cur]
		if !oldLink.IsInt() {
			break
		}
		next := int(oldLink.Int())
		if next >= cur {
			break
		}
		cur = next
	}
	return frames
}

func (m *Machine) frameAt(codeIdx int) Frame {
	fileID, pos := m.prog.SourceMap.Lookup(codeIdx)
	file := ""
	if fileID >= 0 && fileID < len(m.prog.Files) {
		file = m.prog.Files[fileID]
	}
	return Frame{File: file, Pos: pos}
}
