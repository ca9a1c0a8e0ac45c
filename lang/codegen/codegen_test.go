package codegen

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mna/cassette/lang/ast"
	"github.com/mna/cassette/lang/chunk"
	"github.com/mna/cassette/lang/compenv"
	"github.com/mna/cassette/lang/parser"
	"github.com/mna/cassette/lang/program"
	"github.com/mna/cassette/lang/simplify"
	"github.com/mna/cassette/lang/symtab"
	"github.com/mna/cassette/lang/value"
	"github.com/mna/cassette/lang/vm"
)

func compileSrc(t *testing.T, src string) (*Module, error) {
	t.Helper()
	file, err := parser.Parse([]byte(src))
	require.NoError(t, err)
	c := New(symtab.New(SymbolBits))
	return c.CompileFile("main", simplify.Simplify(file))
}

func TestCompileFileExportsInDeclarationOrder(t *testing.T) {
	mod, err := compileSrc(t, `
def a = 1
def b = 2

module geo do
  def area = \w, h -> w * h
end
`)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "geo"}, mod.Exports)
}

func TestUndefinedVariableIsCompileError(t *testing.T) {
	_, err := compileSrc(t, `nope + 1`)
	require.Error(t, err)
	var ce *CompileError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Msg, "nope")
}

func TestBuiltinFallbackChecksArity(t *testing.T) {
	_, err := compileSrc(t, `print(1, 2)`)
	require.Error(t, err)
	var ce *CompileError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Msg, "print")
}

func TestTrapRejectsUnknownID(t *testing.T) {
	_, err := compileSrc(t, `trap(999)`)
	require.Error(t, err)
	var ce *CompileError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Msg, "999")
}

func TestAccessRequiresImportOrSubmodule(t *testing.T) {
	_, err := compileSrc(t, `let m = 1 in m.field end`)
	require.Error(t, err)
	var ce *CompileError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Msg, "field")
}

// TestSymbolIDsRoundTripThroughConst pins the width contract: an id
// interned at SymbolBits must survive the MakeInt/Int round trip its CONST
// encoding puts it through, or the VM's reconstructed table would not
// recognize it.
func TestSymbolIDsRoundTripThroughConst(t *testing.T) {
	st := symtab.New(SymbolBits)
	for _, name := range []string{"a", "b", "hello", "some_longer_name", "x1"} {
		id := st.Intern(name)
		assert.Less(t, uint64(id), uint64(1)<<SymbolBits, name)
		assert.Equal(t, int64(id), int64(value.MakeInt(int64(id)).Int()), name)
	}
}

// runFile compiles an already-parsed (and possibly simplified) file through
// the same link-and-collate pipeline lang/builder uses, then executes it.
func runFile(t *testing.T, file *ast.Node) value.Value {
	t.Helper()
	c := New(symtab.New(SymbolBits))
	mod, err := c.CompileFile("main", file)
	require.NoError(t, err)
	code, err := chunk.Link(mod.Chunk)
	require.NoError(t, err)

	w := program.NewWriter()
	w.AddModule(mod.Name, "main.cst", code, mod.Chunk.PosMarks())
	p := w.Finish(nil, 0)

	m := vm.New(p, value.NewHeap(512), value.NewStack(256), vm.Options{MaxSteps: 100000})
	got, err := m.Run(context.Background())
	require.NoError(t, err)
	return got
}

// TestFoldingIsObservationallyPure runs the same program compiled from the
// raw parse tree and from the simplified tree: both must produce the same
// final value, since folding may only precompute what the VM would have.
func TestFoldingIsObservationallyPure(t *testing.T) {
	for _, src := range []string{
		`1 + 2 * 3`,
		`let x = 2, y = x + 1 in x * y end`,
		`if 1 do 11 else 22 end`,
		`if 0 do 11 else 22 end`,
		`(\n -> if n do n * 2 else 7 end)(0)`,
		`let k = 5 in (\x -> x + k)(1) end`,
		`1 and 2 or 3`,
	} {
		file, err := parser.Parse([]byte(src))
		require.NoError(t, err, src)

		raw := runFile(t, file)
		folded := runFile(t, simplify.Simplify(file))
		assert.Equal(t, raw, folded, src)
	}
}

// TestExpressionsAreEnvNeutral checks the generator's flag convention: a
// let or a call establishes and restores its own frame, so its chunk must
// not advertise an env modification to whatever composes after it.
func TestExpressionsAreEnvNeutral(t *testing.T) {
	for _, src := range []string{
		`let x = q in x end`,
		`(\x -> x)(1)`,
		`let f = \x -> x + 1 in f(f(1)) end`,
	} {
		expr, err := parser.ParseExpr([]byte(src))
		require.NoError(t, err, src)
		c := New(symtab.New(SymbolBits))
		env := compenv.New()
		env.Define("q")
		ch, err := c.compile(env, simplify.Simplify(expr))
		require.NoError(t, err, src)
		assert.True(t, ch.NeedsEnv, src)
		assert.False(t, ch.ModifiesEnv, src)
	}
}
