// Package program implements Cassette's linked, directly executable unit
// (spec.md §3.6): flat bytecode, the interned-string region the STR opcode
// and the format primitive need to recover a symbol's name, and a
// run-length source map the VM consults to build a runtime error's stack
// trace. A Program also records, for every linked module, the byte offset
// where its export tuple becomes available on the operand stack
// (spec.md §4.4's "whatever mechanism the VM uses to find exported tuples
// of already-linked modules") — lang/builder produces these in dependency
// order, and lang/vm walks them forward as execution crosses each boundary.
package program

// Program is the flat, already-linked form lang/vm executes.
type Program struct {
	// Code is the concatenation of every linked module's bytecode, in the
	// order lang/builder resolved them.
	Code []byte

	// Files is the ordered list of source file names referenced by
	// SourceMap's file-id table.
	Files []string

	// Strings holds every name the build's symbol table interned, in
	// first-claim order. Because symbol ids are a deterministic hash of
	// the name (spec.md §3.1, §4.1), replaying Intern over this list in
	// order against a fresh table of the same bit width reconstructs an
	// identical id->name mapping without storing ids at all.
	Strings []string
	// SymBits is the bit width the build's symbol table was created with.
	SymBits uint

	SourceMap SourceMap

	// Exports records, per linked module, the code offset immediately
	// after that module's MODCAP instruction: once the VM's pc reaches
	// BoundaryOff, the module's export tuple is the value left on top of
	// the operand stack, ready to be popped into the VM's module table for
	// MODGET references from modules linked afterward.
	Exports []Export
}

// Export is one linked module's name and the code offset marking where its
// export tuple appears on the stack.
type Export struct {
	Module      string
	BoundaryOff int
}

// RLE is one entry of a run-length-encoded table: Value holds for the next
// Run code indices (spec.md §6.3: "[entry_value, run_length]").
type RLE struct {
	Value int
	Run   int
}

// SourceMap is the two parallel run-length sequences spec.md §3.6/§6.3
// describe: one maps a code index to an interned filename id (into
// Program.Files), the other to a source byte offset within that file.
type SourceMap struct {
	Files     []RLE
	Positions []RLE
}

// Lookup translates codeIndex into the file id and source byte offset
// recorded for the instruction at or immediately before it. Lookups are
// linear, per spec.md §6.3.
func (sm SourceMap) Lookup(codeIndex int) (fileID, pos int) {
	return lookupRLE(sm.Files, codeIndex), lookupRLE(sm.Positions, codeIndex)
}

func lookupRLE(table []RLE, codeIndex int) int {
	pos := 0
	for _, e := range table {
		if codeIndex < pos+e.Run {
			return e.Value
		}
		pos += e.Run
	}
	if len(table) > 0 {
		return table[len(table)-1].Value
	}
	return 0
}
