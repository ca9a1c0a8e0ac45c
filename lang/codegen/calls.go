package codegen

import (
	"fmt"

	"github.com/mna/cassette/lang/ast"
	"github.com/mna/cassette/lang/chunk"
	"github.com/mna/cassette/lang/compenv"
	"github.com/mna/cassette/lang/isa"
	"github.com/mna/cassette/lang/primitives"
	"github.com/mna/cassette/lang/value"
)

// compileLet compiles `let a = ..., b = ... in ... end`: a fresh frame
// holding one slot per binding, each bound in turn (so later bindings and
// the body can refer to earlier ones), popped back to the enclosing scope
// once the body's value has been computed.
func (c *Compiler) compileLet(env *compenv.Env, n *ast.Node) (*chunk.Chunk, error) {
	count, _ := n.Attr("count")
	binds := n.Children[:count]
	body := n.Children[count]
	pos := n.Start

	child := env.Push()
	for _, b := range binds {
		child.Define(b.Text)
	}

	whole := c.pushFrame(count, pos)
	for i, b := range binds {
		valChunk, err := c.compile(child, b.Children[0])
		if err != nil {
			return nil, err
		}
		bound := c.seq(valChunk, c.defineOp(i, b.Start))
		whole = chunkAppendAll(whole, bound)
	}

	bodyChunk, err := c.compile(child, body)
	if err != nil {
		return nil, err
	}
	whole = chunkAppendAll(whole, bodyChunk, c.restoreFrame(pos))
	return envNeutral(whole), nil
}

// compileLambda builds a closure literal — pair(entryAddress, capturedEnv)
// — plus its out-of-line body, attached after a skip jump so evaluating the
// literal never runs the body.
//
// The callee's frame reserves three slots beyond its declared parameters
// (%ret, %link, %callerenv) so the return address, the caller's saved link
// register, and the caller's env survive however many nested calls the
// body itself makes before returning — those three values live in the
// frame's own tuple rather than in a register, which a nested call could
// clobber before this call's epilogue gets to use them.
//
// Every call site leaves, directly below the callee's frame, a fixed block
// of raw stack values the call protocol needs only transiently: the
// argument values, the closure pair, the caller's pushed env, the return
// address pushed by `pos`, and the old `link` value pushed by `link`. Once
// the callee has copied what it needs into its own frame, that block is
// dead; the epilogue discards it with a `rot; drop` per item — a standard
// stack-machine idiom for dropping N values that sit below the ones still
// needed (here: the body's result and the return address), since `rot`
// brings the third-from-top value to the top without disturbing the
// relative order of the two above it.
func (c *Compiler) compileLambda(env *compenv.Env, n *ast.Node) (*chunk.Chunk, error) {
	nparams, _ := n.Attr("nparams")
	params := n.Children[:nparams]
	bodyNode := n.Children[nparams]
	pos := n.Start

	child := env.Push()
	for _, p := range params {
		child.Define(p.Text)
	}
	retSlot := child.Define("%ret")
	linkSlot := child.Define("%link")
	callerEnvSlot := child.Define("%callerenv")
	frameSize := nparams + 3

	lBody := c.newLabel()
	lAfter := c.newLabel()

	literal := chunkAppendAll(
		c.byteOp(isa.POS, pos), c.labelRefChunk(lBody, pos),
		c.pushReg(isa.RegEnv, pos),
		c.byteOp(isa.PAIR, pos),
	)
	skip := chunkAppendAll(c.byteOp(isa.JUMP, pos), c.labelRefChunk(lAfter, pos))

	// The closure pair's depth below the call site's control block and
	// arguments never changes across the prologue: every pick+define pair
	// below nets zero stack growth (pick copies, define consumes the copy).
	closureDepth := 3 + nparams
	extractCapturedEnv := chunkAppendAll(
		c.pickOp(closureDepth, pos), c.byteOp(isa.TAIL, pos), c.pullReg(isa.RegEnv, pos),
	)
	frame := c.buildFrame(frameSize, pos)

	bind := chunk.Empty()
	for i := range params {
		depth := 3 + (nparams - 1 - i)
		bind = chunkAppendAll(bind, c.pickOp(depth, pos), c.defineOp(i, pos))
	}
	bind = chunkAppendAll(bind,
		c.pickOp(1, pos), c.defineOp(retSlot, pos),
		c.pickOp(0, pos), c.defineOp(linkSlot, pos),
		c.pickOp(2, pos), c.defineOp(callerEnvSlot, pos),
	)

	prologue := chunkAppendAll(chunk.LabelDef(lBody), extractCapturedEnv, frame, bind)

	bodyChunk, err := c.compile(child, bodyNode)
	if err != nil {
		return nil, err
	}

	restoreCtl := chunkAppendAll(
		c.lookupOp(retSlot, pos), c.lookupOp(linkSlot, pos), c.lookupOp(callerEnvSlot, pos),
		c.pullReg(isa.RegEnv, pos),
		c.byteOp(isa.UNLINK, pos),
	)
	junk := frameSize + 1 // nparams args + closure pair, plus the 3 call-site control pushes
	epilogue := chunkAppendAll(restoreCtl, c.peelJunk(junk, pos), c.byteOp(isa.GOTO, pos))

	outOfLine := chunkAppendAll(prologue, bodyChunk, epilogue, chunk.LabelDef(lAfter))

	whole := chunk.TackOn(skip, outOfLine)
	return chunkAppendAll(literal, whole), nil
}

// peelJunk discards n values sitting directly below the two values a call
// epilogue still needs on top (the result and the return address) via a
// `rot; drop` per item.
func (c *Compiler) peelJunk(n, pos int) *chunk.Chunk {
	out := chunk.Empty()
	for i := 0; i < n; i++ {
		out = chunkAppendAll(out, c.byteOp(isa.ROT, pos), c.byteOp(isa.DROP, pos))
	}
	return out
}

// compileCall implements spec.md §4.5.3's call sequence: evaluate callee
// and arguments, push the caller's env and link, goto the callee's entry
// point fetched from the closure pair, and resume at the label defined
// right after — where the callee's own epilogue left exactly one value on
// the stack.
//
// A call whose callee is an identifier bound nowhere in scope but naming a
// primitive (print, format, hash, ...) compiles to a TRAP of that
// primitive instead, so the host functions read as ordinary calls without
// a prelude module shadowing every program. A user binding of the same
// name takes priority, since the fallback only applies when lookup fails.
func (c *Compiler) compileCall(env *compenv.Env, n *ast.Node) (*chunk.Chunk, error) {
	nargs, _ := n.Attr("nargs")
	callee := n.Children[0]
	args := n.Children[1 : 1+nargs]
	pos := n.Start

	if callee.Kind == ast.KindID {
		if _, bound := env.Lookup(callee.Text); !bound {
			if id, ok := primitives.IDByName(callee.Text); ok {
				return c.compileBuiltin(env, n, id, args)
			}
		}
	}

	calleeChunk, err := c.compile(env, callee)
	if err != nil {
		return nil, err
	}
	argsChunk, err := c.compileArgs(env, args)
	if err != nil {
		return nil, err
	}
	combined := c.seq(calleeChunk, argsChunk)

	lRet := c.newLabel()
	setup := c.seq(combined, c.pushReg(isa.RegEnv, pos))
	posRet := chunkAppendAll(c.byteOp(isa.POS, pos), c.labelRefChunk(lRet, pos))
	setup = chunkAppendAll(setup, posRet, c.byteOp(isa.LINK, pos))

	closureDepth := 3 + nargs
	fetch := chunkAppendAll(c.pickOp(closureDepth, pos), c.byteOp(isa.HEAD, pos), c.byteOp(isa.GOTO, pos))

	// The callee's epilogue restores the caller's env from its own frame,
	// so a completed call is env-neutral no matter what the callee did.
	return envNeutral(chunkAppendAll(setup, fetch, chunk.LabelDef(lRet))), nil
}

// compileBuiltin emits the TRAP form of a builtin-name call, arity-checked
// against the primitive table the same way an explicit trap(id, ...) is.
func (c *Compiler) compileBuiltin(env *compenv.Env, n *ast.Node, id int, args []*ast.Node) (*chunk.Chunk, error) {
	pos := n.Start
	want := primitives.Table[id].Arity
	if len(args) != want {
		return nil, &CompileError{Pos: pos, Msg: fmt.Sprintf("%s wants %d argument(s), got %d", primitives.Table[id].Name, want, len(args))}
	}
	argsChunk, err := c.compileArgs(env, args)
	if err != nil {
		return nil, err
	}
	return c.seq(argsChunk, c.byteArg(isa.TRAP, uint64(id), pos)), nil
}

// compileAccess resolves `base.field`: base must be either an imported
// module alias (a link-time cross-file reference, resolved by MODGET) or a
// name bound to a same-file nested module block (whose value is already
// shaped exactly like a tuple of its exports in declaration order, so the
// field is a plain static GET at that position). Nothing else in Cassette
// has named fields — ordinary tuples are indexed positionally with `slice`
// or an integer `get`/`set` — so any other base is a compile error.
func (c *Compiler) compileAccess(env *compenv.Env, n *ast.Node) (*chunk.Chunk, error) {
	pos := n.Start
	base := n.Children[0]

	if base.Kind == ast.KindID {
		if c.imports[base.Text] {
			return chunkAppendAll(c.byteOp(isa.MODGET, pos), c.modRefChunk(base.Text, n.Text, pos)), nil
		}
		if fields, ok := c.submodules[base.Text]; ok {
			idx := indexOf(fields, n.Text)
			if idx < 0 {
				return nil, &CompileError{Pos: pos, Msg: fmt.Sprintf("module %q has no member %q", base.Text, n.Text)}
			}
			baseChunk, err := c.compile(env, base)
			if err != nil {
				return nil, err
			}
			whole := c.seq(baseChunk, c.emitConst(value.MakeInt(int64(idx)), pos))
			return c.seq(whole, c.byteOp(isa.GET, pos)), nil
		}
	}
	return nil, &CompileError{Pos: pos, Msg: fmt.Sprintf("cannot resolve %q as a module member access", n.Text)}
}

func indexOf(names []string, name string) int {
	for i, s := range names {
		if s == name {
			return i
		}
	}
	return -1
}
