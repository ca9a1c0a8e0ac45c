package codegen

import (
	"github.com/mna/cassette/lang/chunk"
	"github.com/mna/cassette/lang/isa"
	"github.com/mna/cassette/lang/value"
)

// newLabel allocates a fresh jump-target label, unique within the file
// being compiled (labels are resolved per module by lang/chunk.Link before
// any module-ref patching happens).
func (c *Compiler) newLabel() chunk.Label {
	l := c.nextLabel
	c.nextLabel++
	return l
}

// byteOp returns a one-byte chunk for a plain opcode with no register
// interaction, so its env flags are correctly left at false/false.
func (c *Compiler) byteOp(op isa.Op, pos int) *chunk.Chunk {
	return chunk.Byte(byte(op), pos)
}

// byteArg returns an opcode followed by an unsigned LEB128 operand (CONST,
// TUPLE, TRAP, PICK and the like). It sets no env flags; lookupOp, defineOp
// and the RegEnv cases of pushReg/pullReg set them on its result.
func (c *Compiler) byteArg(op isa.Op, n uint64, pos int) *chunk.Chunk {
	return chunk.Append(c.byteOp(op, pos), chunk.Varint(n, pos))
}

// emitConst pushes a literal value via CONST, LEB128-encoding its raw 32-bit
// word (lang/value's tag bits included) exactly as lang/isa's doc comment
// specifies.
func (c *Compiler) emitConst(v value.Value, pos int) *chunk.Chunk {
	return c.byteArg(isa.CONST, uint64(v), pos)
}

// lookupOp and defineOp read/write through the current env frame chain, so
// — unlike byteArg's plain opcodes — they need env flagged correctly even
// though they never touch the RegEnv register's own contents.
func (c *Compiler) lookupOp(n, pos int) *chunk.Chunk {
	ch := c.byteArg(isa.LOOKUP, uint64(n), pos)
	ch.NeedsEnv = true
	return ch
}

func (c *Compiler) defineOp(n, pos int) *chunk.Chunk {
	ch := c.byteArg(isa.DEFINE, uint64(n), pos)
	ch.NeedsEnv = true
	return ch
}

func (c *Compiler) pickOp(depth, pos int) *chunk.Chunk {
	return c.byteArg(isa.PICK, uint64(depth), pos)
}

// pushReg/pullReg move a register's value to/from the stack top. Only the
// env register's own traffic is tracked by the NeedsEnv/ModifiesEnv flags —
// moving RegMod or a scratch register never touches env.
func (c *Compiler) pushReg(r isa.Register, pos int) *chunk.Chunk {
	ch := c.byteArg(isa.PUSH, uint64(r), pos)
	if r == isa.RegEnv {
		ch.NeedsEnv = true
	}
	return ch
}

func (c *Compiler) pullReg(r isa.Register, pos int) *chunk.Chunk {
	ch := c.byteArg(isa.PULL, uint64(r), pos)
	if r == isa.RegEnv {
		ch.ModifiesEnv = true
	}
	return ch
}

func (c *Compiler) labelRefChunk(l chunk.Label, pos int) *chunk.Chunk {
	return chunk.LabelRef(l, isa.JumpArgWidth, pos)
}

func (c *Compiler) modRefChunk(module, export string, pos int) *chunk.Chunk {
	return chunk.ModuleRef(module, export, isa.JumpArgWidth, pos)
}

// saveEnv/restoreEnv are the save/restore envelope chunk.PreservingEnv
// wraps around a fragment that modifies env but precedes one that needs it:
// restoreEnv expects the stack to hold [savedEnv, result] with result on
// top (the shape every value-producing chunk in this generator leaves
// behind), swaps to bring savedEnv to the top, and pulls it back into
// RegEnv.
func (c *Compiler) saveEnv(pos int) *chunk.Chunk {
	return c.pushReg(isa.RegEnv, pos)
}

func (c *Compiler) restoreEnv(pos int) *chunk.Chunk {
	return chunk.Append(c.byteOp(isa.SWAP, pos), c.pullReg(isa.RegEnv, pos))
}

// envNeutral marks a composed fragment that establishes, uses, and fully
// restores its own env frame (a let, a call, a nested module block): from
// the outside it reads the incoming env to chain its frame but leaves it
// exactly as found, so it reports needs_env and no modification — the same
// flag shape chunk.PreservingEnv gives its save/restore envelope. Without
// this, every let would advertise its internal frame pull as a
// modification and force pointless (and stack-shape-hostile) env spills
// around it.
func envNeutral(ch *chunk.Chunk) *chunk.Chunk {
	ch.NeedsEnv = true
	ch.ModifiesEnv = false
	return ch
}

// seq composes a then b the way two sibling expressions evaluated in the
// same environment must be composed: safely, via chunk.PreservingEnv, so
// that an earlier fragment whose flags report an env write can never
// corrupt what a later sibling observes. The save/restore envelope assumes
// a pushes exactly one value, which every value-producing expression chunk
// does. Prologue/epilogue machinery whose env change is deliberate — frame
// building, module capture, the lambda call protocol — must compose with
// chunk.Append (chunkAppendAll) instead: wrapping those would restore the
// very env they exist to replace.
func (c *Compiler) seq(a, b *chunk.Chunk) *chunk.Chunk {
	pos := a.SourcePos
	if len(a.Bytes) == 0 {
		pos = b.SourcePos
	}
	return chunk.PreservingEnv(a, b, c.saveEnv(pos), c.restoreEnv(pos))
}

// chunkAppendAll folds a left-to-right sequence of already flag-accurate
// chunks with plain chunk.Append, for mechanical call/let/module prologue
// and epilogue sequences this generator builds directly out of primitive
// opcodes (not arbitrary recompiled user expressions).
func chunkAppendAll(parts ...*chunk.Chunk) *chunk.Chunk {
	out := chunk.Empty()
	for _, p := range parts {
		out = chunk.Append(out, p)
	}
	return out
}

// pushFrame builds a new count-slot frame nested inside the current env,
// saving the old env so restoreFrame can return to it later: used by let
// and by a nested module block, both of which run inside — and must
// cleanly return control to — an enclosing scope.
func (c *Compiler) pushFrame(count, pos int) *chunk.Chunk {
	push := c.saveEnv(pos)
	tup := c.byteArg(isa.TUPLE, uint64(count), pos)
	over := c.byteOp(isa.OVER, pos)
	pair := c.byteOp(isa.PAIR, pos)
	pull := c.pullReg(isa.RegEnv, pos)
	return chunkAppendAll(push, tup, over, pair, pull)
}

// restoreFrame undoes pushFrame: given a stack of [savedOldEnv, value] it
// restores RegEnv and leaves value on top.
func (c *Compiler) restoreFrame(pos int) *chunk.Chunk {
	return c.restoreEnv(pos)
}

// buildFrame builds a new size-slot frame whose parent is whatever env
// currently holds — no old env is saved, because the caller is never
// returned to from here: this is used once per file (the module top level,
// which persists for the program's lifetime) and once per call (the
// callee's own frame, whose caller is restored separately through the
// frame's own %link/%callerenv slots, not by this helper).
func (c *Compiler) buildFrame(size, pos int) *chunk.Chunk {
	tup := c.byteArg(isa.TUPLE, uint64(size), pos)
	push := c.pushReg(isa.RegEnv, pos)
	pair := c.byteOp(isa.PAIR, pos)
	pull := c.pullReg(isa.RegEnv, pos)
	return chunkAppendAll(tup, push, pair, pull)
}
