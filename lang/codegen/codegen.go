// Package codegen is Cassette's code generator: it walks a simplified AST
// (lang/simplify) and emits lang/chunk bytecode, using lang/compenv to turn
// every bound identifier into the flat lexical address spec.md §3.7
// describes. It is the closest analog to the teacher's lang/compiler
// package (asm.go's instruction emission, compiler.go's per-node dispatch),
// generalized from the teacher's basic-block CFG linearization to chunk
// composition (lang/chunk) since that is the abstraction spec.md §4.4
// itself specifies.
//
// Calling convention. spec.md §4.5.3 describes a call sequence "produced by
// the code generator" out of ordinary opcodes rather than a single CALL
// instruction, and leaves the exact mechanics to the implementation. This
// generator represents a closure as pair(entryAddress, capturedEnv) and
// gives every call frame three hidden slots (return address, saved link,
// caller env) alongside its parameters, so a closure's entry point —
// reached by plain GOTO — can restore its caller without relying on any
// register surviving a nested call: every value a frame needs across a call
// it makes lives in that frame's own tuple, which is immune to whatever
// register traffic the nested call generates.
package codegen

import (
	"fmt"

	"github.com/mna/cassette/lang/ast"
	"github.com/mna/cassette/lang/chunk"
	"github.com/mna/cassette/lang/compenv"
	"github.com/mna/cassette/lang/isa"
	"github.com/mna/cassette/lang/primitives"
	"github.com/mna/cassette/lang/symtab"
	"github.com/mna/cassette/lang/value"
)

// CompileError reports a name or arity problem caught at code-generation
// time rather than by the parser or simplifier.
type CompileError struct {
	Pos int
	Msg string
}

func (e *CompileError) Error() string { return fmt.Sprintf("%d: %s", e.Pos, e.Msg) }

// Module is one compiled source file: its bytecode chunk (unlinked — it may
// still carry label-refs, resolved by lang/chunk.Link, and module-refs,
// resolved by lang/builder) and the ordered list of top-level names it
// exports for other modules to import.
type Module struct {
	Name    string
	Exports []string
	Chunk   *chunk.Chunk
}

// Compiler holds the state shared across every node of one file: the
// process-wide symbol table (string and symbol literals both intern into
// it) and two bookkeeping tables filled in as the file's top level is
// scanned, so expressions appearing later in the same file can resolve
// `access` against module aliases and same-file submodules declared above
// or below them.
type Compiler struct {
	symtab     *symtab.Table
	imports    map[string]bool
	submodules map[string][]string // submodule name -> ordered export names
	nextLabel  chunk.Label
}

// SymbolBits is the symbol-table width every build must use. A symbol or
// string literal's interned id is stored in bytecode as a CONST integer,
// and a TagInt value's payload is a signed 30-bit field (lang/value), so
// only ids up to 29 bits survive the MakeInt/Int round trip unchanged —
// wider ids would be masked on store and sign-extended on load, and the
// VM's reconstructed table would no longer recognize them.
const SymbolBits = 29

// New returns a Compiler interning into st. The caller must have created
// st with SymbolBits width (lang/builder does); emitConst stores raw ids
// as integer values, which is only id-preserving at that width.
func New(st *symtab.Table) *Compiler {
	return &Compiler{
		symtab:     st,
		imports:    make(map[string]bool),
		submodules: make(map[string][]string),
	}
}

// ResetFile clears the per-file bookkeeping (imports, submodules) before
// compiling another file with the same Compiler, so that the symbol table
// and the jump-label counter — which must stay unique across every module
// that ends up in the same linked program — carry over, while one file's
// import aliases can never shadow another's.
func (c *Compiler) ResetFile() {
	c.imports = make(map[string]bool)
	c.submodules = make(map[string][]string)
}

// SeedImports registers names as already-imported before the file's own
// `import` statements are scanned, so that spec.md §6.1's -i default
// imports resolve `access` the same way an explicit `import` statement
// would (lang/builder calls this, after ResetFile, once per file, with the
// file's own imports plus the build's default-import list).
func (c *Compiler) SeedImports(names []string) {
	for _, name := range names {
		c.imports[name] = true
	}
}

// CompileFile compiles an entire source file (the outer KindDo node
// lang/parser.Parse produces) into a Module named name. The file's top
// level is its own frame, one slot per direct def or nested module — it is
// never popped, since a module's lifetime is the whole program's.
func (c *Compiler) CompileFile(name string, file *ast.Node) (*Module, error) {
	env := compenv.New()
	pos := file.Start
	size := countBindings(file.Children)

	frame := c.buildFrame(size, pos)
	body, exports, err := c.compileModuleBody(env, file.Children, true)
	if err != nil {
		return nil, err
	}
	setMod := chunkAppendAll(c.pushReg(isa.RegEnv, pos), c.byteOp(isa.HEAD, pos), c.pullReg(isa.RegMod, pos))
	cap := c.byteOp(isa.MODCAP, pos)

	whole := chunkAppendAll(frame, setMod, body, cap)

	return &Module{Name: name, Exports: exports, Chunk: whole}, nil
}

func countBindings(stmts []*ast.Node) int {
	n := 0
	for _, s := range stmts {
		if s.Kind == ast.KindDef || s.Kind == ast.KindModule {
			n++
		}
	}
	return n
}

// compileModuleBody compiles the statements of a file or a nested `module
// Name do ... end` block in the frame env already names: imports are pure
// bookkeeping, defs and nested modules populate their reserved slot, and
// any other statement runs for effect, its value dropped. With keepLast
// set (a file's top level, never a nested block whose epilogue needs a
// clean stack), the last expression statement's value stays on the stack
// as the body's result — for the entry module, that is the program's final
// value once the VM has popped the export tuple MODCAP leaves above it.
func (c *Compiler) compileModuleBody(env *compenv.Env, stmts []*ast.Node, keepLast bool) (*chunk.Chunk, []string, error) {
	var exports []string
	lastExpr := -1
	for i, s := range stmts {
		switch s.Kind {
		case ast.KindImport:
			c.imports[s.Text] = true
		case ast.KindDef, ast.KindModule:
			env.Define(s.Text)
			exports = append(exports, s.Text)
		default:
			if keepLast {
				lastExpr = i
			}
		}
	}

	out := chunk.Empty()
	for i, s := range stmts {
		var part *chunk.Chunk
		var err error
		switch s.Kind {
		case ast.KindImport:
			continue
		case ast.KindDef:
			idx, _ := env.Lookup(s.Text)
			valChunk, e := c.compile(env, s.Children[0])
			if e != nil {
				return nil, nil, e
			}
			part = c.seq(valChunk, c.defineOp(idx, s.Start))
		case ast.KindModule:
			part, err = c.compileModuleDecl(env, s)
		default:
			part, err = c.compile(env, s)
			if err == nil && i != lastExpr {
				part = c.seq(part, c.byteOp(isa.DROP, s.Start))
			}
		}
		if err != nil {
			return nil, nil, err
		}
		out = chunk.Append(out, part)
	}
	return out, exports, nil
}

// compileModuleDecl compiles a nested `module Name do ... end` block: its
// own defs live in a child frame, and once the block has run, that frame's
// backing tuple — already exactly a tuple of its exports in declaration
// order — becomes the value bound to Name in the enclosing scope. No
// separate export object needs to be built: the frame is already shaped
// like one.
func (c *Compiler) compileModuleDecl(env *compenv.Env, n *ast.Node) (*chunk.Chunk, error) {
	pos := n.Start
	body := n.Children[0]
	child := env.Push()
	size := countBindings(body.Children)

	prologue := c.pushFrame(size, pos)
	inner, exports, err := c.compileModuleBody(child, body.Children, false)
	if err != nil {
		return nil, err
	}
	c.submodules[n.Text] = exports

	extract := chunkAppendAll(c.pushReg(isa.RegEnv, pos), c.byteOp(isa.HEAD, pos))

	whole := chunkAppendAll(prologue, inner, extract, c.restoreFrame(pos))

	idx, ok := env.Lookup(n.Text)
	if !ok {
		return nil, &CompileError{Pos: pos, Msg: fmt.Sprintf("internal: module %q not reserved", n.Text)}
	}
	return envNeutral(chunkAppendAll(whole, c.defineOp(idx, pos))), nil
}

// compile dispatches a single value-producing expression node, returning a
// chunk that, when run, pushes exactly one value and leaves env exactly as
// it found it.
func (c *Compiler) compile(env *compenv.Env, n *ast.Node) (*chunk.Chunk, error) {
	pos := n.Start
	switch n.Kind {
	case ast.KindConst:
		return c.emitConst(value.MakeInt(int64(n.IntVal)), pos), nil
	case ast.KindSym:
		id := c.symtab.Intern(n.Text)
		return c.emitConst(value.MakeInt(int64(id)), pos), nil
	case ast.KindStr:
		id := c.symtab.Intern(n.Text)
		return c.seq(c.emitConst(value.MakeInt(int64(id)), pos), c.byteOp(isa.STR, pos)), nil
	case ast.KindID:
		idx, ok := env.Lookup(n.Text)
		if !ok {
			return nil, &CompileError{Pos: pos, Msg: fmt.Sprintf("undefined variable %q", n.Text)}
		}
		return c.lookupOp(idx, pos), nil
	case ast.KindRef:
		return c.compile(env, n.Children[0])
	case ast.KindDo:
		return c.compileExprBlock(env, n.Children, pos)
	case ast.KindIf:
		return c.compileIf(env, n)
	case ast.KindAnd:
		return c.compileAnd(env, n)
	case ast.KindOr:
		return c.compileOr(env, n)
	case ast.KindLet:
		return c.compileLet(env, n)
	case ast.KindLambda:
		return c.compileLambda(env, n)
	case ast.KindCall:
		return c.compileCall(env, n)
	case ast.KindAccess:
		return c.compileAccess(env, n)
	case ast.KindTuple:
		return c.compileTuple(env, n)
	case ast.KindPair:
		return c.compileBinaryOp(env, n, isa.PAIR)
	case ast.KindSlice:
		return c.compileSlice(env, n)
	case ast.KindPanic:
		return c.compileUnaryOp(env, n, isa.PANIC)
	case ast.KindTrap:
		return c.compileTrap(env, n)
	case ast.KindNeg:
		return c.compileUnaryOp(env, n, isa.NEG)
	case ast.KindNot:
		return c.compileUnaryOp(env, n, isa.NOT)
	case ast.KindComp:
		return c.compileUnaryOp(env, n, isa.COMP)
	case ast.KindHead:
		return c.compileUnaryOp(env, n, isa.HEAD)
	case ast.KindTail:
		return c.compileUnaryOp(env, n, isa.TAIL)
	case ast.KindLen:
		return c.compileUnaryOp(env, n, isa.LEN)
	case ast.KindAdd:
		return c.compileBinaryOp(env, n, isa.ADD)
	case ast.KindSub:
		return c.compileBinaryOp(env, n, isa.SUB)
	case ast.KindMul:
		return c.compileBinaryOp(env, n, isa.MUL)
	case ast.KindDiv:
		return c.compileBinaryOp(env, n, isa.DIV)
	case ast.KindRem:
		return c.compileBinaryOp(env, n, isa.REM)
	case ast.KindBitAnd:
		return c.compileBinaryOp(env, n, isa.AND)
	case ast.KindBitOr:
		return c.compileBinaryOp(env, n, isa.OR)
	case ast.KindXor:
		return c.compileBinaryOp(env, n, isa.XOR)
	case ast.KindShift:
		return c.compileBinaryOp(env, n, isa.SHIFT)
	case ast.KindLt:
		return c.compileBinaryOp(env, n, isa.LT)
	case ast.KindGt:
		return c.compileBinaryOp(env, n, isa.GT)
	case ast.KindEq:
		return c.compileBinaryOp(env, n, isa.EQ)
	case ast.KindJoin:
		return c.compileBinaryOp(env, n, isa.JOIN)
	}
	return nil, &CompileError{Pos: pos, Msg: fmt.Sprintf("cannot compile node kind %s here", n.Kind)}
}

// compileExprBlock compiles a `do ... end` block used as a value: every
// statement but the last runs for effect and is dropped, the last supplies
// the block's result. An empty block pushes nil.
func (c *Compiler) compileExprBlock(env *compenv.Env, stmts []*ast.Node, pos int) (*chunk.Chunk, error) {
	if len(stmts) == 0 {
		return c.emitConst(value.Nil, pos), nil
	}
	out := chunk.Empty()
	for i, s := range stmts {
		part, err := c.compile(env, s)
		if err != nil {
			return nil, err
		}
		if i < len(stmts)-1 {
			part = c.seq(part, c.byteOp(isa.DROP, s.Start))
		}
		out = c.seq(out, part)
	}
	return out, nil
}

func (c *Compiler) compileUnaryOp(env *compenv.Env, n *ast.Node, op isa.Op) (*chunk.Chunk, error) {
	operand, err := c.compile(env, n.Children[0])
	if err != nil {
		return nil, err
	}
	return c.seq(operand, c.byteOp(op, n.Start)), nil
}

func (c *Compiler) compileBinaryOp(env *compenv.Env, n *ast.Node, op isa.Op) (*chunk.Chunk, error) {
	left, err := c.compile(env, n.Children[0])
	if err != nil {
		return nil, err
	}
	right, err := c.compile(env, n.Children[1])
	if err != nil {
		return nil, err
	}
	return c.seq(c.seq(left, right), c.byteOp(op, n.Start)), nil
}

func (c *Compiler) compileSlice(env *compenv.Env, n *ast.Node) (*chunk.Chunk, error) {
	base, err := c.compile(env, n.Children[0])
	if err != nil {
		return nil, err
	}
	lo, err := c.compile(env, n.Children[1])
	if err != nil {
		return nil, err
	}
	hi, err := c.compile(env, n.Children[2])
	if err != nil {
		return nil, err
	}
	whole := c.seq(c.seq(base, lo), hi)
	return c.seq(whole, c.byteOp(isa.SLICE, n.Start)), nil
}

// compileTuple builds a fresh tuple and sets each element through the
// container-returning SET opcode, so the accumulator stays on top of the
// stack for the next element without any extra PICK.
func (c *Compiler) compileTuple(env *compenv.Env, n *ast.Node) (*chunk.Chunk, error) {
	pos := n.Start
	out := c.byteArg(isa.TUPLE, uint64(len(n.Children)), pos)
	for i, elem := range n.Children {
		elemChunk, err := c.compile(env, elem)
		if err != nil {
			return nil, err
		}
		idxChunk := c.emitConst(value.MakeInt(int64(i)), elem.Start)
		step := c.seq(idxChunk, elemChunk)
		step = c.seq(step, c.byteOp(isa.SET, elem.Start))
		out = c.seq(out, step)
	}
	return out, nil
}

func (c *Compiler) compileIf(env *compenv.Env, n *ast.Node) (*chunk.Chunk, error) {
	pos := n.Start
	lElse := c.newLabel()
	lEnd := c.newLabel()

	cond, err := c.compile(env, n.Children[0])
	if err != nil {
		return nil, err
	}
	branch := chunkAppendAll(c.byteOp(isa.BRANCH, pos), c.labelRefChunk(lElse, pos))

	thenChunk, err := c.compile(env, n.Children[1])
	if err != nil {
		return nil, err
	}
	jump := chunkAppendAll(c.byteOp(isa.JUMP, pos), c.labelRefChunk(lEnd, pos))
	thenArm := c.seq(thenChunk, jump)

	elseChunk, err := c.compile(env, n.Children[2])
	if err != nil {
		return nil, err
	}
	elseArm := c.seq(chunk.LabelDef(lElse), elseChunk)

	arms := chunk.Parallel(thenArm, elseArm)
	whole := c.seq(cond, branch)
	whole = c.seq(whole, arms)
	return c.seq(whole, chunk.LabelDef(lEnd)), nil
}

// compileAnd/compileOr implement short-circuit evaluation at run time (the
// constant-folded cases are already collapsed away by lang/simplify before
// code generation ever sees them, but a genuinely dynamic condition still
// needs real branches).
func (c *Compiler) compileAnd(env *compenv.Env, n *ast.Node) (*chunk.Chunk, error) {
	pos := n.Start
	lShort := c.newLabel()
	lEnd := c.newLabel()

	left, err := c.compile(env, n.Children[0])
	if err != nil {
		return nil, err
	}
	right, err := c.compile(env, n.Children[1])
	if err != nil {
		return nil, err
	}

	dup := c.byteOp(isa.DUP, pos)
	branch := chunkAppendAll(c.byteOp(isa.BRANCH, pos), c.labelRefChunk(lShort, pos))
	drop := c.byteOp(isa.DROP, pos)
	jump := chunkAppendAll(c.byteOp(isa.JUMP, pos), c.labelRefChunk(lEnd, pos))

	longArm := c.seq(chunkAppendAll(drop), right)
	longArm = c.seq(longArm, jump)
	shortArm := chunk.LabelDef(lShort)

	whole := c.seq(left, dup)
	whole = c.seq(whole, branch)
	whole = c.seq(whole, chunk.Parallel(longArm, shortArm))
	return c.seq(whole, chunk.LabelDef(lEnd)), nil
}

func (c *Compiler) compileOr(env *compenv.Env, n *ast.Node) (*chunk.Chunk, error) {
	pos := n.Start
	lShort := c.newLabel()
	lEnd := c.newLabel()

	left, err := c.compile(env, n.Children[0])
	if err != nil {
		return nil, err
	}
	right, err := c.compile(env, n.Children[1])
	if err != nil {
		return nil, err
	}

	dup := c.byteOp(isa.DUP, pos)
	not := c.byteOp(isa.NOT, pos)
	branch := chunkAppendAll(c.byteOp(isa.BRANCH, pos), c.labelRefChunk(lShort, pos))
	drop := c.byteOp(isa.DROP, pos)
	jump := chunkAppendAll(c.byteOp(isa.JUMP, pos), c.labelRefChunk(lEnd, pos))

	longArm := c.seq(chunkAppendAll(drop), right)
	longArm = c.seq(longArm, jump)
	shortArm := chunk.LabelDef(lShort)

	whole := c.seq(left, dup)
	whole = chunkAppendAll(whole, not)
	whole = c.seq(whole, branch)
	whole = c.seq(whole, chunk.Parallel(longArm, shortArm))
	return c.seq(whole, chunk.LabelDef(lEnd)), nil
}

func (c *Compiler) compileTrap(env *compenv.Env, n *ast.Node) (*chunk.Chunk, error) {
	pos := n.Start
	id := int(n.IntVal)
	if id < 0 || id >= len(primitives.Table) {
		return nil, &CompileError{Pos: pos, Msg: fmt.Sprintf("unknown trap id %d", id)}
	}
	want := primitives.Table[id].Arity
	if len(n.Children) != want {
		return nil, &CompileError{Pos: pos, Msg: fmt.Sprintf("trap %d (%s) wants %d argument(s), got %d", id, primitives.Table[id].Name, want, len(n.Children))}
	}
	args, err := c.compileArgs(env, n.Children)
	if err != nil {
		return nil, err
	}
	trapOp := c.byteArg(isa.TRAP, uint64(id), pos)
	return c.seq(args, trapOp), nil
}

func (c *Compiler) compileArgs(env *compenv.Env, args []*ast.Node) (*chunk.Chunk, error) {
	out := chunk.Empty()
	for _, a := range args {
		part, err := c.compile(env, a)
		if err != nil {
			return nil, err
		}
		out = c.seq(out, part)
	}
	return out, nil
}
