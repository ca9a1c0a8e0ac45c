// Package chunk implements the compile-time code generator's core
// abstraction: chunks of emitted bytecode composed with env-use tracking
// (spec.md §4.4). A Chunk is transient — only its concatenated bytes reach
// the final program — but the env flags it carries let the code generator
// compile argument lists and branch arms without spilling the env register
// everywhere or silently corrupting it.
//
// In the C original this was a linked list of byte buffers, a data structure
// chosen to make concatenation cheap without an owning allocator. Go slices
// already amortize append, so chunks here hold a flat []byte; this is the
// same design note as spec.md §9 ("replacing pointer-heavy C with
// ownership") applied one level up, from the heap to the compiler.
package chunk

import "fmt"

// Label identifies a jump target within a chunk, resolved by Link once the
// whole module has been emitted.
type Label uint32

// Chunk is a fragment of bytecode plus the env-use flags spec.md §3.4
// requires compositions to maintain.
type Chunk struct {
	Bytes []byte

	// NeedsEnv is true if reading env is required before any write to env in
	// this chunk (or its logical tail).
	NeedsEnv bool
	// ModifiesEnv is true if some instruction in this chunk (or its tail)
	// writes env.
	ModifiesEnv bool
	// SourcePos is the source offset of this chunk's first emitted byte.
	SourcePos int

	labelDefs []labelDef
	labelRefs []ref
	modRefs   []modRef
	posMarks  []posMark
}

// posMark records that the byte at Offset begins a new source position, for
// the run-length source map the program writer (lang/program) builds once
// the whole module is linked. Every primitive chunk constructor below marks
// its own first byte; composition shifts marks the same way it shifts
// label/module refs, so the final linked byte stream carries one mark per
// emitted instruction no matter how deeply its chunks were composed.
type posMark struct {
	Offset int
	Pos    int
}

type labelDef struct {
	Label  Label
	Offset int
}

type ref struct {
	Label  Label
	Offset int
}

type modRef struct {
	Module, Export string
	Offset         int
}

// Empty returns a chunk with no bytes and no env requirements: the identity
// element for Append.
func Empty() *Chunk { return &Chunk{} }

// Byte returns a one-byte chunk for a plain (argument-less) opcode.
func Byte(b byte, pos int) *Chunk {
	return &Chunk{Bytes: []byte{b}, SourcePos: pos, posMarks: []posMark{{Offset: 0, Pos: pos}}}
}

// Varint returns a chunk whose bytes are the unsigned LEB128 encoding of n,
// to be appended after an opcode byte that takes an immediate operand.
func Varint(n uint64, pos int) *Chunk {
	return &Chunk{Bytes: encodeUvarint(n), SourcePos: pos}
}

// SignedVarint is like Varint but for operands that may be negative.
func SignedVarint(n int64, pos int) *Chunk {
	return &Chunk{Bytes: encodeSvarint(n), SourcePos: pos}
}

// LabelRef emits a fixed-width placeholder for a forward or backward jump to
// label, to be patched in by Link. Using a fixed width (rather than a
// variable-length varint) means composing chunks never needs to renumber
// earlier instructions once the final target is known.
func LabelRef(l Label, width int, pos int) *Chunk {
	return &Chunk{
		Bytes:     make([]byte, width),
		SourcePos: pos,
		labelRefs: []ref{{Label: l, Offset: 0}},
		posMarks:  []posMark{{Offset: 0, Pos: pos}},
	}
}

// LabelDef marks the current position (zero bytes) as the definition site of
// label l.
func LabelDef(l Label) *Chunk {
	return &Chunk{labelDefs: []labelDef{{Label: l, Offset: 0}}}
}

// ModuleRef emits a fixed-width placeholder for a reference to export from
// module, to be patched in by a later linker pass once modules are resolved.
func ModuleRef(module, export string, width int, pos int) *Chunk {
	return &Chunk{
		Bytes:     make([]byte, width),
		SourcePos: pos,
		modRefs:   []modRef{{Module: module, Export: export, Offset: 0}},
		posMarks:  []posMark{{Offset: 0, Pos: pos}},
	}
}

// Prepend returns a new chunk with byte b placed before all of c's existing
// bytes. Env flags and source position are unchanged.
func Prepend(b byte, c *Chunk) *Chunk {
	out := &Chunk{
		Bytes:       append([]byte{b}, c.Bytes...),
		NeedsEnv:    c.NeedsEnv,
		ModifiesEnv: c.ModifiesEnv,
		SourcePos:   c.SourcePos,
	}
	out.labelDefs = shiftDefs(c.labelDefs, 1)
	out.labelRefs = shiftRefs(c.labelRefs, 1)
	out.modRefs = shiftModRefs(c.modRefs, 1)
	out.posMarks = shiftPosMarks(c.posMarks, 1)
	return out
}

// Append concatenates a then b. Per spec.md §4.4 (and testable property 3):
//
//	needs_env(a+b)    = needs_env(a) || (needs_env(b) && !modifies_env(a))
//	modifies_env(a+b) = modifies_env(a) || modifies_env(b)
func Append(a, b *Chunk) *Chunk {
	needs := a.NeedsEnv || (b.NeedsEnv && !a.ModifiesEnv)
	modifies := a.ModifiesEnv || b.ModifiesEnv
	return merge(a, b, needs, modifies)
}

// PreservingEnv composes a then b such that b can safely observe env even if
// a modifies it: if b needs env and a modifies it, a is wrapped with a save
// of env before it and a restore after, before appending b. Otherwise it is
// equivalent to Append. This is what lets the code generator compile
// argument lists and branch arms without either spilling env everywhere or
// silently corrupting it.
func PreservingEnv(a, b *Chunk, save, restore *Chunk) *Chunk {
	if b.NeedsEnv && a.ModifiesEnv {
		wrapped := wrapEnvelope(save, a, restore)
		return merge(wrapped, b, true, false)
	}
	return Append(a, b)
}

func wrapEnvelope(save, a, restore *Chunk) *Chunk {
	withSave := merge(save, a, save.NeedsEnv || (a.NeedsEnv && !save.ModifiesEnv), save.ModifiesEnv || a.ModifiesEnv)
	full := merge(withSave, restore, withSave.NeedsEnv || (restore.NeedsEnv && !withSave.ModifiesEnv), withSave.ModifiesEnv || restore.ModifiesEnv)
	full.NeedsEnv = true
	full.ModifiesEnv = false
	return full
}

// Parallel composes the two arms of a conditional, where only one of a or b
// executes at runtime: flags are the union (needs_env ||, modifies_env ||)
// rather than Append's sequential-composition rule.
func Parallel(a, b *Chunk) *Chunk {
	return merge(a, b, a.NeedsEnv || b.NeedsEnv, a.ModifiesEnv || b.ModifiesEnv)
}

// TackOn concatenates a and b without propagating either chunk's flags into
// the result beyond a's own: used to attach out-of-line fragments (e.g.
// closure bodies) whose effects belong to a separate control-flow region and
// must not influence the flags of the code that precedes them.
func TackOn(a, b *Chunk) *Chunk {
	return merge(a, b, a.NeedsEnv, a.ModifiesEnv)
}

func merge(a, b *Chunk, needs, modifies bool) *Chunk {
	out := &Chunk{
		Bytes:       make([]byte, 0, len(a.Bytes)+len(b.Bytes)),
		NeedsEnv:    needs,
		ModifiesEnv: modifies,
	}
	if len(a.Bytes) == 0 && len(a.labelDefs) == 0 && len(a.labelRefs) == 0 && len(a.modRefs) == 0 {
		out.SourcePos = b.SourcePos
	} else {
		out.SourcePos = a.SourcePos
	}
	out.Bytes = append(out.Bytes, a.Bytes...)
	out.Bytes = append(out.Bytes, b.Bytes...)

	shift := len(a.Bytes)
	out.labelDefs = append(append([]labelDef{}, a.labelDefs...), shiftDefs(b.labelDefs, shift)...)
	out.labelRefs = append(append([]ref{}, a.labelRefs...), shiftRefs(b.labelRefs, shift)...)
	out.modRefs = append(append([]modRef{}, a.modRefs...), shiftModRefs(b.modRefs, shift)...)
	out.posMarks = append(append([]posMark{}, a.posMarks...), shiftPosMarks(b.posMarks, shift)...)
	return out
}

func shiftDefs(in []labelDef, by int) []labelDef {
	if len(in) == 0 {
		return nil
	}
	out := make([]labelDef, len(in))
	for i, d := range in {
		out[i] = labelDef{Label: d.Label, Offset: d.Offset + by}
	}
	return out
}

func shiftRefs(in []ref, by int) []ref {
	if len(in) == 0 {
		return nil
	}
	out := make([]ref, len(in))
	for i, r := range in {
		out[i] = ref{Label: r.Label, Offset: r.Offset + by}
	}
	return out
}

func shiftModRefs(in []modRef, by int) []modRef {
	if len(in) == 0 {
		return nil
	}
	out := make([]modRef, len(in))
	for i, r := range in {
		out[i] = modRef{Module: r.Module, Export: r.Export, Offset: r.Offset + by}
	}
	return out
}

func shiftPosMarks(in []posMark, by int) []posMark {
	if len(in) == 0 {
		return nil
	}
	out := make([]posMark, len(in))
	for i, m := range in {
		out[i] = posMark{Offset: m.Offset + by, Pos: m.Pos}
	}
	return out
}

// PosMarks exposes, in ascending offset order, every source-position
// breakpoint recorded while this chunk was built: one entry per emitted
// instruction (spec.md §4.4's "every emitted instruction is associated with
// the chunk's source_pos"). lang/program's writer run-length-encodes these
// against a module's base offset in the final linked program to build the
// spec.md §3.6/§6.3 source map.
func (c *Chunk) PosMarks() []struct{ Offset, Pos int } {
	out := make([]struct{ Offset, Pos int }, len(c.posMarks))
	for i, m := range c.posMarks {
		out[i] = struct{ Offset, Pos int }{m.Offset, m.Pos}
	}
	return out
}

// ModuleRefs exposes the unresolved module references recorded in c, for the
// project builder's linker pass.
func (c *Chunk) ModuleRefs() []struct{ Module, Export string } {
	out := make([]struct{ Module, Export string }, len(c.modRefs))
	for i, r := range c.modRefs {
		out[i] = struct{ Module, Export string }{r.Module, r.Export}
	}
	return out
}

// LinkError reports an unresolved label or module reference.
type LinkError struct {
	Label  Label
	Module string
}

func (e *LinkError) Error() string {
	if e.Module != "" {
		return fmt.Sprintf("link error: unresolved module reference %q", e.Module)
	}
	return fmt.Sprintf("link error: unresolved label %d", e.Label)
}
