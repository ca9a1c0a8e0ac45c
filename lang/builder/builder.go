// Package builder implements Cassette's project builder (spec.md §2,
// "Project builder"; spec.md §6.1's -L/-i flags): discovers a program's
// source files by following `import` statements out from its entry file,
// resolves each module name against a library search path, topologically
// orders the discovered modules so every module is compiled after the
// modules it imports, compiles them all with one shared symbol table and
// lang/codegen.Compiler, and links the result into a single
// lang/program.Program via lang/chunk's label and module-ref patch passes.
//
// Grounded on internal/maincmd's historical -L/$CASSETTE_PATH resolution
// shape; the topological-ordering algorithm follows the import-graph-walk
// idiom observed in the pack's Go-interpreter package loader (see
// DESIGN.md), rewritten from scratch against Cassette's own tiny module
// record — Cassette resolves a handful of source files linked by explicit
// `import` statements, not a full language type-checker's import graph.
package builder

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dolthub/swiss"

	"github.com/mna/cassette/lang/ast"
	"github.com/mna/cassette/lang/chunk"
	"github.com/mna/cassette/lang/codegen"
	"github.com/mna/cassette/lang/parser"
	"github.com/mna/cassette/lang/program"
	"github.com/mna/cassette/lang/simplify"
	"github.com/mna/cassette/lang/symtab"
)

// SourceExt is the file extension a Cassette source module is discovered
// with, both for the entry file and for every module name resolved against
// a library search path. spec.md does not fix one; this is an
// implementation decision recorded in DESIGN.md.
const SourceExt = ".cst"

// Options configures a Build beyond the entry file itself.
type Options struct {
	// LibPath is the ordered list of directories searched, after the
	// importing file's own directory, for a module name's source file
	// (spec.md §6.1's -L / $CASSETTE_PATH / $HOME/.local/share/cassette /
	// /usr/local/share/cassette fallback chain — see LibPath below, which
	// builds this slice from flag and environment values).
	LibPath []string

	// DefaultImports names modules (spec.md §6.1's -i) that every
	// discovered module behaves as though it had imported, without an
	// explicit `import` statement of its own.
	DefaultImports []string
}

// LinkError reports a module name problem discovery, ordering, or
// module-ref resolution could not get past: source file not found on the
// search path, an import cycle, or (mirrored from lang/chunk) a reference
// to an export no linked module declares. spec.md §7 calls this category
// LinkError.
type LinkError struct {
	Module string
	Msg    string
}

func (e *LinkError) Error() string { return fmt.Sprintf("module %q: %s", e.Module, e.Msg) }

// LibPath resolves spec.md §6.1's search path from the -L flag's value (a
// PATH-style list, colon-separated on Unix) and the process environment:
// flagValue first, then $CASSETTE_PATH, then $HOME/.local/share/cassette,
// then /usr/local/share/cassette. Empty entries are skipped; the home and
// system defaults are appended unconditionally so a build always has
// somewhere to look beyond the entry file's own directory.
func LibPath(flagValue string) []string {
	var dirs []string
	add := func(s string) {
		for _, d := range strings.Split(s, string(os.PathListSeparator)) {
			if d != "" {
				dirs = append(dirs, d)
			}
		}
	}
	add(flagValue)
	add(os.Getenv("CASSETTE_PATH"))
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		dirs = append(dirs, filepath.Join(home, ".local", "share", "cassette"))
	}
	dirs = append(dirs, filepath.Join(string(filepath.Separator), "usr", "local", "share", "cassette"))
	return dirs
}

// ParseDefaultImports splits spec.md §6.1's -i flag value ("comma-separated
// list of modules and selected names") into plain module names. The
// grammar Cassette's parser implements (lang/parser's importStmt) only
// supports whole-module `import M`, with no parenthesized name selector, so
// a "M(a, b)" entry's parenthesized suffix is dropped rather than
// interpreted — the module is still auto-imported as a whole, just like an
// explicit `import M` would be.
func ParseDefaultImports(flagValue string) []string {
	if flagValue == "" {
		return nil
	}
	var parts []string
	depth, start := 0, 0
	for i, ch := range flagValue {
		switch {
		case ch == '(':
			depth++
		case ch == ')' && depth > 0:
			depth--
		case ch == ',' && depth == 0:
			parts = append(parts, flagValue[start:i])
			start = i + 1
		}
	}
	parts = append(parts, flagValue[start:])
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if i := strings.IndexByte(p, '('); i >= 0 {
			p = strings.TrimSpace(p[:i])
		}
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// fileInfo is one discovered module: its parsed (not yet simplified) AST
// and the deduplicated list of module names it imports, explicit or
// default.
type fileInfo struct {
	path    string
	ast     *ast.Node
	imports []string
}

// moduleName derives a module's name from its source file, the same way a
// program's `import M` resolves to M.cst: the file's base name without
// SourceExt.
func moduleName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

// moduleFile resolves name to the source file that defines it, searching
// dir (the importing file's own directory) before libPath, in order.
func moduleFile(name string, dir string, libPath []string) (string, error) {
	for _, d := range append([]string{dir}, libPath...) {
		p := filepath.Join(d, name+SourceExt)
		if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
			return p, nil
		}
	}
	return "", &LinkError{Module: name, Msg: "source file not found on library path"}
}

// collectImports gathers every `import` statement reachable through file's
// own top level and any nested `module ... do ... end` block's body (the
// two statement lists lang/codegen's compileModuleBody processes import
// statements from) without descending into ordinary expression blocks
// (lambda bodies, if/do arms, let bodies), where the grammar's statement
// rule is never compiled through that path and an import there would be a
// compile error, not a second place imports take effect.
func collectImports(file *ast.Node) []string {
	var names []string
	seen := make(map[string]bool)
	var walk func(*ast.Node)
	walk = func(n *ast.Node) {
		for _, c := range n.Children {
			switch c.Kind {
			case ast.KindImport:
				if !seen[c.Text] {
					seen[c.Text] = true
					names = append(names, c.Text)
				}
			case ast.KindModule:
				if len(c.Children) > 0 {
					walk(c.Children[0])
				}
			}
		}
	}
	walk(file)
	return names
}

// discover parses entryPath and every module transitively reachable from
// its imports (explicit or default), returning one fileInfo per discovered
// module name, keyed by that name. The registry is a swiss.Map, the same
// generic Swiss-table lang/symtab uses for its id->name side table, since
// both are a small process-lifetime name-keyed index built once and only
// ever looked up afterward.
func discover(entryPath string, libPath []string, defaultImports []string) (*swiss.Map[string, *fileInfo], error) {
	infos := swiss.NewMap[string, *fileInfo](8)

	var resolve func(name, path string) error
	resolve = func(name, path string) error {
		if _, ok := infos.Get(name); ok {
			return nil
		}
		src, err := os.ReadFile(path)
		if err != nil {
			return &LinkError{Module: name, Msg: err.Error()}
		}
		file, err := parser.Parse(src)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}

		imports := collectImports(file)
		have := make(map[string]bool, len(imports))
		for _, imp := range imports {
			have[imp] = true
		}
		for _, d := range defaultImports {
			if d != name && !have[d] {
				have[d] = true
				imports = append(imports, d)
			}
		}

		infos.Put(name, &fileInfo{path: path, ast: file, imports: imports})

		dir := filepath.Dir(path)
		for _, imp := range imports {
			impPath, err := moduleFile(imp, dir, libPath)
			if err != nil {
				return err
			}
			if err := resolve(imp, impPath); err != nil {
				return err
			}
		}
		return nil
	}

	if err := resolve(moduleName(entryPath), entryPath); err != nil {
		return nil, err
	}
	return infos, nil
}

// topoOrder returns every module reachable from entryName, dependencies
// before dependents, by a depth-first post-order walk of the import graph.
// A module reached while still on the current walk's path (gray) is an
// import cycle, reported as a LinkError rather than silently mis-ordered.
// The three-color marks are transient per-Build scratch state, not a
// registry worth a Swiss table over.
func topoOrder(infos *swiss.Map[string, *fileInfo], entryName string) ([]string, error) {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int)
	var order []string

	var visit func(name string) error
	visit = func(name string) error {
		switch color[name] {
		case black:
			return nil
		case gray:
			return &LinkError{Module: name, Msg: "cyclic import"}
		}
		color[name] = gray
		info, ok := infos.Get(name)
		if !ok {
			return &LinkError{Module: name, Msg: "not discovered"}
		}
		for _, imp := range info.imports {
			if err := visit(imp); err != nil {
				return err
			}
		}
		color[name] = black
		order = append(order, name)
		return nil
	}

	if err := visit(entryName); err != nil {
		return nil, err
	}
	return order, nil
}

// linkedModule records where an already-linked module landed: its position
// in link order (the module index MODGET's operand encodes) and its
// exported names in declaration order (their position is MODGET's export
// index).
type linkedModule struct {
	index   int
	exports []string
}

// Build discovers, orders, compiles, and links entryPath's whole program
// into one lang/program.Program, ready for lang/vm.New. Compile errors
// (lang/lexer.Error, lang/parser.Error, *codegen.CompileError) and link
// errors (*LinkError) are returned as-is, wrapped with the offending file's
// path where one is known.
func Build(entryPath string, opts Options) (*program.Program, error) {
	absEntry, err := filepath.Abs(entryPath)
	if err != nil {
		return nil, err
	}

	infos, err := discover(absEntry, opts.LibPath, opts.DefaultImports)
	if err != nil {
		return nil, err
	}
	order, err := topoOrder(infos, moduleName(absEntry))
	if err != nil {
		return nil, err
	}

	st := symtab.New(codegen.SymbolBits)
	comp := codegen.New(st)
	writer := program.NewWriter()
	linked := swiss.NewMap[string, linkedModule](8)

	resolve := func(module, export string) (uint32, error) {
		lm, ok := linked.Get(module)
		if !ok {
			return 0, &LinkError{Module: module, Msg: "not yet linked (import cycle should have been caught earlier)"}
		}
		for i, e := range lm.exports {
			if e == export {
				return uint32(lm.index)<<16 | uint32(i), nil
			}
		}
		return 0, &LinkError{Module: module, Msg: fmt.Sprintf("has no export %q", export)}
	}

	for linkIdx, name := range order {
		info, _ := infos.Get(name)
		simplified := simplify.Simplify(info.ast)

		comp.ResetFile()
		comp.SeedImports(info.imports)
		mod, err := comp.CompileFile(name, simplified)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", info.path, err)
		}

		code, err := chunk.Link(mod.Chunk)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", info.path, err)
		}
		if err := chunk.ResolveModuleRefs(mod.Chunk, code, resolve); err != nil {
			return nil, fmt.Errorf("%s: %w", info.path, err)
		}

		linked.Put(name, linkedModule{index: linkIdx, exports: mod.Exports})
		writer.AddModule(name, info.path, code, mod.Chunk.PosMarks())
	}

	return writer.Finish(st.Names(), st.Bits()), nil
}
