package builder

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mna/cassette/lang/primitives"
	"github.com/mna/cassette/lang/value"
	"github.com/mna/cassette/lang/vm"
)

func writeFile(t *testing.T, dir, name, src string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(src), 0o644))
	return p
}

func runProgram(t *testing.T, entry string, opts Options) (value.Value, error) {
	t.Helper()
	prog, err := Build(entry, opts)
	require.NoError(t, err)

	heap := value.NewHeap(256)
	stack := value.NewStack(256)
	m := vm.New(prog, heap, stack, vm.Options{MaxSteps: 100000})
	return m.Run(context.Background())
}

func TestBuildSingleFile(t *testing.T) {
	dir := t.TempDir()
	entry := writeFile(t, dir, "main.cst", `trap(0, 1 + 2)`)

	got, err := runProgram(t, entry, Options{})
	require.NoError(t, err)
	assert.Equal(t, int32(3), got.Int())
}

func TestBuildCrossModuleImport(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "greet.cst", `def inc = \x -> x + 1`)
	entry := writeFile(t, dir, "main.cst", `
import greet

greet.inc(41)
`)

	got, err := runProgram(t, entry, Options{})
	require.NoError(t, err)
	assert.Equal(t, int32(42), got.Int())
}

func TestBuildDefaultImports(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "prelude.cst", `def one = 1`)
	entry := writeFile(t, dir, "main.cst", `prelude.one + 41`)

	got, err := runProgram(t, entry, Options{DefaultImports: []string{"prelude"}})
	require.NoError(t, err)
	assert.Equal(t, int32(42), got.Int())
}

func TestBuildMissingModule(t *testing.T) {
	dir := t.TempDir()
	entry := writeFile(t, dir, "main.cst", `
import nope

1
`)

	_, err := Build(entry, Options{})
	require.Error(t, err)
	var lerr *LinkError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, "nope", lerr.Module)
}

func TestBuildCyclicImport(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.cst", "import b\n\n1")
	writeFile(t, dir, "b.cst", "import a\n\n1")
	entry := filepath.Join(dir, "a.cst")

	_, err := Build(entry, Options{})
	require.Error(t, err)
	var lerr *LinkError
	require.ErrorAs(t, err, &lerr)
	assert.Contains(t, lerr.Msg, "cyclic")
}

func TestBuildUndefinedExport(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "greet.cst", `def inc = \x -> x + 1`)
	entry := writeFile(t, dir, "main.cst", `
import greet

greet.missing
`)

	_, err := Build(entry, Options{})
	require.Error(t, err)
}

func TestParseDefaultImports(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, ParseDefaultImports("a, b"))
	assert.Equal(t, []string{"a"}, ParseDefaultImports("a(x, y)"))
	assert.Nil(t, ParseDefaultImports(""))
}

func TestLibPath(t *testing.T) {
	t.Setenv("CASSETTE_PATH", "")
	dirs := LibPath("/explicit/path")
	require.NotEmpty(t, dirs)
	assert.Equal(t, "/explicit/path", dirs[0])
}

func TestPrintsWithStdoutPrimitive(t *testing.T) {
	dir := t.TempDir()
	entry := writeFile(t, dir, "main.cst", `trap(0, 1 + 2)`)
	prog, err := Build(entry, Options{})
	require.NoError(t, err)

	heap := value.NewHeap(256)
	stack := value.NewStack(256)
	var buf countingWriter
	m := vm.New(prog, heap, stack, vm.Options{
		MaxSteps: 100000,
		Prims:    &primitives.Context{Stdout: &buf, Files: primitives.NewFileTable()},
	})
	_, err = m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "3\n", buf.String())
}

func runCapture(t *testing.T, entry string, opts Options, heapCells int) (string, error) {
	t.Helper()
	prog, err := Build(entry, opts)
	require.NoError(t, err)

	heap := value.NewHeap(heapCells)
	stack := value.NewStack(256)
	var buf countingWriter
	m := vm.New(prog, heap, stack, vm.Options{
		MaxSteps: 10_000_000,
		Prims:    &primitives.Context{Stdout: &buf, Files: primitives.NewFileTable()},
	})
	_, err = m.Run(context.Background())
	return buf.String(), err
}

func TestScenarioPrintArithmetic(t *testing.T) {
	dir := t.TempDir()
	entry := writeFile(t, dir, "main.cst", `print(1 + 2)`)
	out, err := runCapture(t, entry, Options{}, 256)
	require.NoError(t, err)
	assert.Equal(t, "3\n", out)
}

func TestScenarioLetAndLen(t *testing.T) {
	dir := t.TempDir()
	entry := writeFile(t, dir, "main.cst", `let xs = [1, 2, 3] in print(len(xs)) end`)
	out, err := runCapture(t, entry, Options{}, 256)
	require.NoError(t, err)
	assert.Equal(t, "3\n", out)
}

func TestScenarioBranchTruthiness(t *testing.T) {
	dir := t.TempDir()
	// `if 0 do ...` alone would fold away at compile time; routing the zero
	// through a lambda parameter keeps the branch opcode live.
	entry := writeFile(t, dir, "main.cst", `(\q -> if q do print("a") else print("b") end)(0)`)
	out, err := runCapture(t, entry, Options{}, 256)
	require.NoError(t, err)
	assert.Equal(t, "b\n", out)
}

func TestScenarioDivByZeroNamesSource(t *testing.T) {
	dir := t.TempDir()
	entry := writeFile(t, dir, "main.cst", `1 / 0`)
	prog, err := Build(entry, Options{})
	require.NoError(t, err)

	heap := value.NewHeap(256)
	stack := value.NewStack(256)
	m := vm.New(prog, heap, stack, vm.Options{MaxSteps: 100000})
	_, err = m.Run(context.Background())
	require.Error(t, err)
	var re *vm.RuntimeError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, vm.DivByZero, re.Kind)
	require.NotEmpty(t, re.Trace)
	assert.Contains(t, re.Trace[0].File, "main.cst")
}

func TestScenarioCrossModulePrint(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "m.cst", `def inc = \x -> x + 1`)
	entry := writeFile(t, dir, "main.cst", "import m; print(m.inc(41))")
	out, err := runCapture(t, entry, Options{}, 256)
	require.NoError(t, err)
	assert.Equal(t, "42\n", out)
}

func TestScenarioJoinLoopGrowsHeap(t *testing.T) {
	// The S6 concatenation loop at small scale: repeated binary joins churn
	// the heap hard enough to force several collections and growth steps.
	dir := t.TempDir()
	src := `
def grow = \b, n -> if n do grow(b <> "x", n - 1) else b end

print(len(grow("", 200)))
`
	entry := writeFile(t, dir, "main.cst", src)
	out, err := runCapture(t, entry, Options{}, 64)
	require.NoError(t, err)
	assert.Equal(t, "200\n", out)
}

func TestModuleExportsSurviveCollection(t *testing.T) {
	// A tiny heap forces a collection after m's export tuple was captured;
	// the MODGET that follows must read the relocated tuple, not a stale
	// from-space index.
	dir := t.TempDir()
	writeFile(t, dir, "m.cst", `def inc = \x -> x + 1`)
	entry := writeFile(t, dir, "main.cst", `
import m

let junk = [1, 2, 3, 4, 5, 6, 7, 8] in 0 end
print(m.inc(1))
`)
	out, err := runCapture(t, entry, Options{}, 32)
	require.NoError(t, err)
	assert.Equal(t, "2\n", out)
}

func TestUserBindingShadowsBuiltin(t *testing.T) {
	dir := t.TempDir()
	entry := writeFile(t, dir, "main.cst", `let print = \x -> x + 100 in print(1) end`)

	got, err := runProgram(t, entry, Options{})
	require.NoError(t, err)
	assert.Equal(t, int32(101), got.Int())
}

type countingWriter struct {
	data []byte
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.data = append(w.data, p...)
	return len(p), nil
}

func (w *countingWriter) String() string { return string(w.data) }
