// Package primitives implements Cassette's trap table: the small set of
// host-provided functions a running program reaches through the TRAP opcode
// (spec.md §2, §5). Trap targets are plain integers resolved at compile time
// by lang/codegen (the `trap(id, ...)` syntax requires a literal id), so the
// table here is addressed by index rather than by name, unlike the teacher's
// Starlark builtins which are Go closures registered into a name-keyed
// `Predeclared` map (lang/machine/universe.go). Each entry owns its own
// argument count; the interpreter (lang/vm) pops exactly that many operands
// before calling it and pushes back the single result.
package primitives

import (
	"fmt"
	"hash/maphash"
	"io"
	"os"
	"time"

	"github.com/mna/cassette/lang/value"
)

// Trap ids, baked into compiled bytecode by lang/codegen (both for explicit
// trap(id, ...) syntax and for unbound builtin-name calls like print(x)) —
// renumbering any of these is a wire-format break.
const (
	Print = iota
	Format
	Hash
	Time
	FileOpen
	FileRead
	FileWrite
	FileClose
)

// Context is the state primitives read and mutate: the running program's
// heap (so a primitive can itself allocate, e.g. Format building a binary),
// the thread's stdio, and the open-file table spec.md §5 describes as "a
// per-thread integer-indexed resource table".
type Context struct {
	Heap   *value.Heap
	Stdout io.Writer
	Stderr io.Writer
	Files  *FileTable

	// Reserve makes room for at least cells heap cells, collecting if
	// needed, before a primitive allocates its result. The VM installs it
	// when it adopts a Context (lang/vm.New), closing over its own GC
	// roots. A collection may move every heap object, so a primitive must
	// finish reading its heap-derived arguments before calling Reserve and
	// must not touch them afterwards.
	Reserve func(cells int)
}

// reserve calls Reserve when a VM installed one; a Context used without a
// VM (no heap pressure to manage) simply allocates directly.
func (ctx *Context) reserve(cells int) {
	if ctx.Reserve != nil {
		ctx.Reserve(cells)
	}
}

// Entry is one callable primitive: its declared arity (how many operands
// TRAP pops before invoking it) and its implementation.
type Entry struct {
	Name  string
	Arity int
	Fn    func(ctx *Context, args []value.Value) (value.Value, error)
}

// Table is indexed by trap id (Print, Format, ...). A trap id with no
// corresponding entry — one beyond len(Table) — is a link-time or
// compile-time bug, surfaced by lang/vm as a runtime error rather than a
// panic.
var Table = []Entry{
	Print:     {Name: "print", Arity: 1, Fn: doPrint},
	Format:    {Name: "format", Arity: 2, Fn: doFormat},
	Hash:      {Name: "hash", Arity: 1, Fn: doHash},
	Time:      {Name: "time", Arity: 0, Fn: doTime},
	FileOpen:  {Name: "file_open", Arity: 2, Fn: doFileOpen},
	FileRead:  {Name: "file_read", Arity: 2, Fn: doFileRead},
	FileWrite: {Name: "file_write", Arity: 2, Fn: doFileWrite},
	FileClose: {Name: "file_close", Arity: 1, Fn: doFileClose},
}

// IDByName returns the trap id registered under name, for lang/codegen's
// builtin-name call fallback (a call to an unbound identifier that names a
// primitive compiles to a TRAP of that primitive).
func IDByName(name string) (int, bool) {
	for id, e := range Table {
		if e.Name == name {
			return id, true
		}
	}
	return 0, false
}

// doPrint writes v's textual rendering followed by a newline to stdout
// (spec.md §8 scenario S1: `print(1+2)` writes "3\n") and returns v itself,
// so a print at a program's tail also reports the printed value as the
// program's result. Integers print as decimal; binaries print as their raw
// bytes; anything else falls back to Value.String(), matching how a REPL
// or disassembler would render it.
func doPrint(ctx *Context, args []value.Value) (value.Value, error) {
	v := args[0]
	switch {
	case v.IsInt():
		fmt.Fprintf(ctx.Stdout, "%d\n", v.Int())
	case v.IsObject() && !v.IsNil() && isBinary(ctx.Heap, v):
		ctx.Stdout.Write(ctx.Heap.BinaryBytes(v))
		fmt.Fprintln(ctx.Stdout)
	default:
		fmt.Fprintln(ctx.Stdout, v.String())
	}
	return v, nil
}

func isBinary(h *value.Heap, v value.Value) (isBin bool) {
	defer func() {
		if recover() != nil {
			isBin = false
		}
	}()
	shape, _ := h.ShapeAt(v.Index())
	return shape == value.ShapeBinary
}

// doFormat renders fmt (a binary) against args (a tuple), substituting each
// bare "~" in fmt, left to right, with the decimal or raw-bytes rendering of
// the corresponding tuple element — a minimal Printf grounded on the same
// convention Scheme's `format` and Lua's os.date use for a single
// placeholder character instead of Go's typed verbs, since Cassette has no
// static types to dispatch a verb on.
func doFormat(ctx *Context, args []value.Value) (value.Value, error) {
	tmpl := ctx.Heap.BinaryBytes(args[0])
	n := ctx.Heap.TupleLen(args[1])
	var out []byte
	next := 0
	for i := 0; i < len(tmpl); i++ {
		if tmpl[i] == '~' && next < n {
			elem := ctx.Heap.TupleGet(args[1], next)
			next++
			if elem.IsInt() {
				out = append(out, []byte(fmt.Sprintf("%d", elem.Int()))...)
			} else if isBinary(ctx.Heap, elem) {
				out = append(out, ctx.Heap.BinaryBytes(elem)...)
			} else {
				out = append(out, []byte(elem.String())...)
			}
			continue
		}
		out = append(out, tmpl[i])
	}
	// out is fully rendered into Go memory; the exact reservation may now
	// collect without invalidating anything still needed.
	ctx.reserve(value.BinaryCells(len(out)) + 1)
	return ctx.Heap.AllocBinary(out), nil
}

// doHash returns a structural hash of v as an integer: maphash.Bytes over
// the binary's content for a binary, the raw word otherwise. It deliberately
// does not hash pairs/tuples structurally (that would require a cycle-safe
// traversal spec.md never specifies); hashing a compound object hashes its
// object identity instead, same as hashing an unboxed pointer would.
var hashSeed = maphash.MakeSeed()

func doHash(ctx *Context, args []value.Value) (value.Value, error) {
	v := args[0]
	if v.IsObject() && !v.IsNil() && isBinary(ctx.Heap, v) {
		h := maphash.Bytes(hashSeed, ctx.Heap.BinaryBytes(v))
		return value.MakeInt(int64(uint32(h))), nil
	}
	return value.MakeInt(int64(uint32(v))), nil
}

// doTime returns the current Unix time in seconds as an integer.
func doTime(_ *Context, _ []value.Value) (value.Value, error) {
	return value.MakeInt(time.Now().Unix()), nil
}

// FileTable is the per-thread integer-indexed table of open files spec.md
// §5 calls for, grounded on the teacher's Thread.callStack growable-slice
// idiom (lang/machine/thread.go) rather than a map, since handles are
// assigned densely starting at zero.
type FileTable struct {
	files []*os.File
}

// NewFileTable returns an empty file table.
func NewFileTable() *FileTable { return &FileTable{} }

func (t *FileTable) alloc(f *os.File) int32 {
	for i, slot := range t.files {
		if slot == nil {
			t.files[i] = f
			return int32(i)
		}
	}
	t.files = append(t.files, f)
	return int32(len(t.files) - 1)
}

func (t *FileTable) get(handle int32) (*os.File, error) {
	if handle < 0 || int(handle) >= len(t.files) || t.files[handle] == nil {
		return nil, fmt.Errorf("invalid file handle %d", handle)
	}
	return t.files[handle], nil
}

func (t *FileTable) close(handle int32) error {
	f, err := t.get(handle)
	if err != nil {
		return err
	}
	t.files[handle] = nil
	return f.Close()
}

// doFileOpen opens the path named by args[0] (a binary) with the mode named
// by args[1] (a symbol-as-binary, "r" or "w") and returns an integer handle.
func doFileOpen(ctx *Context, args []value.Value) (value.Value, error) {
	path := string(ctx.Heap.BinaryBytes(args[0]))
	mode := string(ctx.Heap.BinaryBytes(args[1]))
	var f *os.File
	var err error
	switch mode {
	case "w":
		f, err = os.Create(path)
	default:
		f, err = os.Open(path)
	}
	if err != nil {
		return value.Nil, err
	}
	return value.MakeInt(int64(ctx.Files.alloc(f))), nil
}

// doFileRead reads up to args[1] (an integer byte count) from the file
// handle args[0], returning a binary of the bytes actually read.
func doFileRead(ctx *Context, args []value.Value) (value.Value, error) {
	f, err := ctx.Files.get(args[0].Int())
	if err != nil {
		return value.Nil, err
	}
	buf := make([]byte, args[1].Int())
	n, err := f.Read(buf)
	if err != nil && err != io.EOF {
		return value.Nil, err
	}
	ctx.reserve(value.BinaryCells(n) + 1)
	return ctx.Heap.AllocBinary(buf[:n]), nil
}

// doFileWrite writes the binary args[1] to the file handle args[0], returning
// the number of bytes written.
func doFileWrite(ctx *Context, args []value.Value) (value.Value, error) {
	f, err := ctx.Files.get(args[0].Int())
	if err != nil {
		return value.Nil, err
	}
	n, err := f.Write(ctx.Heap.BinaryBytes(args[1]))
	if err != nil {
		return value.Nil, err
	}
	return value.MakeInt(int64(n)), nil
}

// doFileClose closes the file handle args[0].
func doFileClose(ctx *Context, args []value.Value) (value.Value, error) {
	if err := ctx.Files.close(args[0].Int()); err != nil {
		return value.Nil, err
	}
	return value.Nil, nil
}
