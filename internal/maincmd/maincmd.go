// Package maincmd implements the cassette binary's command line (spec.md
// §6.1): build and link a program starting from its entry file, then either
// run it or, with -c, write its linked form to disk without executing it.
// Grounded on the teacher's internal/maincmd.go almost directly: the same
// Cmd struct shape, the same flag:"..." tag convention, the same
// mainer.Parser{EnvPrefix: ...} + Cmd.Main dispatch — adapted to spec.md
// §6.1's flat flag set (no subcommands) instead of the teacher's
// parse/resolve/tokenize dispatch.
package maincmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/mna/mainer"

	"github.com/mna/cassette/lang/builder"
	"github.com/mna/cassette/lang/primitives"
	"github.com/mna/cassette/lang/program"
	"github.com/mna/cassette/lang/value"
	"github.com/mna/cassette/lang/vm"
)

const binName = "cassette"

// initialHeapCells and initialStackCells size a fresh run's heap and
// operand stack before lang/value.Heap.MaybeGC ever grows them; spec.md
// does not fix a number, these are simply big enough that a typical S1-S3
// program (spec.md §8) never triggers a grow.
const (
	initialHeapCells  = 4096
	initialStackCells = 1024
)

var (
	shortUsage = fmt.Sprintf(`
usage: %s [-c] [-d] [-L lib_path] [-i default_imports] [-v] entry
Run '%[1]s --help' for details.
`, binName)

	longUsage = fmt.Sprintf(`usage: %s [<option>...] entry
       %[1]s -h|--help
       %[1]s -v|--version

Compiler and virtual machine for the %[1]s programming language.

Valid flag options are:
       -c                        Build only: link the program and write it
                                 to entry's directory as a .tape file,
                                 without executing it.
       -d --debug                Print the linked program's disassembly
                                 before running it, and a heap-usage
                                 summary afterward.
       -L --lib-path lib_path    Library search path, prepended to the
                                 $CASSETTE_PATH / $HOME/.local/share/
                                 cassette / /usr/local/share/cassette
                                 fallback chain.
       -i --imports default_imports
                                 Comma-separated list of modules
                                 auto-imported into every compiled module.
       -h --help                 Show this help and exit.
       -v --version              Print version and the resolved library
                                 path, then exit.

More information on the %[1]s repository:
       https://github.com/mna/cassette
`, binName)
)

// Cmd is the cassette binary's single command: spec.md §6.1 defines no
// subcommands, only flags plus one positional entry file.
type Cmd struct {
	BuildVersion string
	BuildDate    string

	Help    bool `flag:"h,help"`
	Version bool `flag:"v,version"`

	BuildOnly bool   `flag:"c"`
	Debug     bool   `flag:"d,debug"`
	LibPath   string `flag:"L,lib-path"`
	Imports   string `flag:"i,imports"`

	args []string
}

func (c *Cmd) SetArgs(args []string) { c.args = args }
func (c *Cmd) SetFlags(map[string]bool) {}

// Validate checks that exactly one entry file was given, unless -h/-v was
// requested (neither needs one).
func (c *Cmd) Validate() error {
	if c.Help || c.Version {
		return nil
	}
	if len(c.args) != 1 {
		return errors.New("exactly one entry file must be provided")
	}
	return nil
}

// Main parses flags, dispatches -h/-v, and otherwise builds and runs (or,
// with -c, only builds) the entry file named by the single positional
// argument. Exit code is 0 on success, 1 on any compile, link, or runtime
// error (spec.md §6.1).
func (c *Cmd) Main(args []string, stdio mainer.Stdio) mainer.ExitCode {
	p := mainer.Parser{
		EnvPrefix: binName + "_",
	}
	if err := p.Parse(args, c); err != nil {
		fmt.Fprintf(stdio.Stderr, "invalid arguments: %s\n%s", err, shortUsage)
		return mainer.InvalidArgs
	}

	switch {
	case c.Help:
		fmt.Fprint(stdio.Stdout, longUsage)
		return mainer.Success
	case c.Version:
		libPath := builder.LibPath(c.LibPath)
		fmt.Fprintf(stdio.Stdout, "%s %s %s\n", binName, c.BuildVersion, c.BuildDate)
		fmt.Fprintf(stdio.Stdout, "library path: %s\n", strings.Join(libPath, string(os.PathListSeparator)))
		return mainer.Success
	}

	ctx := mainer.CancelOnSignal(context.Background(), os.Interrupt)
	if err := c.run(ctx, stdio); err != nil {
		fmt.Fprintf(stdio.Stderr, "%s\n", err)
		return mainer.Failure
	}
	return mainer.Success
}

// run builds entry (c.args[0]) and, unless -c was given, runs it.
func (c *Cmd) run(ctx context.Context, stdio mainer.Stdio) error {
	entry := c.args[0]
	opts := builder.Options{
		LibPath:        builder.LibPath(c.LibPath),
		DefaultImports: builder.ParseDefaultImports(c.Imports),
	}

	prog, err := builder.Build(entry, opts)
	if err != nil {
		return err
	}

	if c.Debug {
		Disassemble(stdio.Stdout, prog)
	}

	if c.BuildOnly {
		return writeProgramFile(entry, prog)
	}

	heap := value.NewHeap(initialHeapCells)
	stack := value.NewStack(initialStackCells)
	m := vm.New(prog, heap, stack, vm.Options{
		Prims: &primitives.Context{Stdout: stdio.Stdout, Stderr: stdio.Stderr, Files: primitives.NewFileTable()},
	})

	_, runErr := m.Run(ctx)
	if c.Debug {
		fmt.Fprintf(stdio.Stdout, "heap: %d/%d cells used\n", heap.Cells(), heap.Capacity())
	}
	return runErr
}

// writeProgramFile serializes prog into entry's on-disk TAPE container
// (spec.md §6.2) next to entry itself, replacing its source extension with
// ".tape".
func writeProgramFile(entry string, prog *program.Program) error {
	data, err := program.Serialize(prog)
	if err != nil {
		return err
	}
	out := outputPath(entry)
	return os.WriteFile(out, data, 0o644)
}

func outputPath(entry string) string {
	ext := ""
	for i := len(entry) - 1; i >= 0 && entry[i] != '/' && entry[i] != '\\'; i-- {
		if entry[i] == '.' {
			ext = entry[i:]
			break
		}
	}
	if ext == "" {
		return entry + ".tape"
	}
	return entry[:len(entry)-len(ext)] + ".tape"
}
