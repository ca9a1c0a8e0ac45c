package program

// Writer collates one module's worth of already-linked bytecode at a time
// into a single flat Program (spec.md §3.6). lang/builder calls AddModule
// once per module in dependency order, so Program.Exports ends up ordered
// exactly as the VM will encounter module boundaries while it runs each
// module's top level in turn.
type Writer struct {
	code      []byte
	files     []string
	fileIdx   map[string]int
	fileMarks []mark
	posMarks  []mark
	exports   []Export
}

type mark struct {
	offset int
	value  int
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer {
	return &Writer{fileIdx: make(map[string]int)}
}

// AddModule appends one module's linked bytecode to the program. posMarks
// is lang/chunk.Chunk.PosMarks() for the module's linked chunk, in the same
// offset-relative-to-this-module terms as code.
func (w *Writer) AddModule(name, file string, code []byte, posMarks []struct{ Offset, Pos int }) {
	fid, ok := w.fileIdx[file]
	if !ok {
		fid = len(w.files)
		w.fileIdx[file] = fid
		w.files = append(w.files, file)
	}

	base := len(w.code)
	w.fileMarks = append(w.fileMarks, mark{offset: base, value: fid})
	for _, m := range posMarks {
		w.posMarks = append(w.posMarks, mark{offset: base + m.Offset, value: m.Pos})
	}

	w.code = append(w.code, code...)
	w.exports = append(w.exports, Export{Module: name, BoundaryOff: len(w.code)})
}

// Finish returns the collated Program. symbols and symBits come from the
// build's shared symbol table (symtab.Table.Names, symtab.Table.Bits).
func (w *Writer) Finish(symbols []string, symBits uint) *Program {
	return &Program{
		Code:    w.code,
		Files:   w.files,
		Strings: symbols,
		SymBits: symBits,
		SourceMap: SourceMap{
			Files:     buildRLE(w.fileMarks, len(w.code)),
			Positions: buildRLE(w.posMarks, len(w.code)),
		},
		Exports: w.exports,
	}
}

// buildRLE turns a list of ascending-offset breakpoints into the run-length
// form spec.md §6.3 specifies, collapsing consecutive breakpoints that carry
// the same value into a single run.
func buildRLE(marks []mark, total int) []RLE {
	if len(marks) == 0 {
		return nil
	}
	var out []RLE
	for i, m := range marks {
		end := total
		if i+1 < len(marks) {
			end = marks[i+1].offset
		}
		run := end - m.offset
		if run <= 0 {
			continue
		}
		if len(out) > 0 && out[len(out)-1].Value == m.value {
			out[len(out)-1].Run += run
			continue
		}
		out = append(out, RLE{Value: m.value, Run: run})
	}
	return out
}
