package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mna/cassette/lang/ast"
)

func parseExprStr(t *testing.T, src string) *ast.Node {
	t.Helper()
	n, err := ParseExpr([]byte(src))
	require.NoError(t, err)
	return n
}

func TestArithmeticPrecedence(t *testing.T) {
	n := parseExprStr(t, "1 + 2 * 3")
	require.Equal(t, ast.KindAdd, n.Kind)
	assert.Equal(t, ast.KindConst, n.Children[0].Kind)
	require.Equal(t, ast.KindMul, n.Children[1].Kind)
}

func TestUnaryAndBitwise(t *testing.T) {
	n := parseExprStr(t, "~a & -b")
	require.Equal(t, ast.KindBitAnd, n.Kind)
	assert.Equal(t, ast.KindComp, n.Children[0].Kind)
	assert.Equal(t, ast.KindNeg, n.Children[1].Kind)
}

func TestShiftRightDesugarsToNegatedShift(t *testing.T) {
	n := parseExprStr(t, "a >> 2")
	require.Equal(t, ast.KindShift, n.Kind)
	require.Equal(t, ast.KindNeg, n.Children[1].Kind)
	assert.Equal(t, int32(2), n.Children[1].Children[0].IntVal)
}

func TestComparisonDesugaring(t *testing.T) {
	neq := parseExprStr(t, "a != b")
	require.Equal(t, ast.KindNot, neq.Kind)
	assert.Equal(t, ast.KindEq, neq.Children[0].Kind)

	le := parseExprStr(t, "a <= b")
	require.Equal(t, ast.KindNot, le.Kind)
	assert.Equal(t, ast.KindGt, le.Children[0].Kind)
}

func TestPairConsIsRightAssociative(t *testing.T) {
	n := parseExprStr(t, "a :: b :: c")
	require.Equal(t, ast.KindPair, n.Kind)
	assert.Equal(t, ast.KindID, n.Children[0].Kind)
	require.Equal(t, ast.KindPair, n.Children[1].Kind)
}

func TestLetExpression(t *testing.T) {
	n := parseExprStr(t, "let x = 1, y = x + 1 in x + y end")
	require.Equal(t, ast.KindLet, n.Kind)
	count, ok := n.Attr("count")
	require.True(t, ok)
	assert.Equal(t, 2, count)
	require.Len(t, n.Children, 3) // 2 bindings + body
	assert.Equal(t, ast.KindAssign, n.Children[0].Kind)
	assert.Equal(t, "x", n.Children[0].Text)
	assert.Equal(t, ast.KindDo, n.Children[2].Kind)
}

func TestIfWithoutElse(t *testing.T) {
	n := parseExprStr(t, "if x do 1 end")
	require.Equal(t, ast.KindIf, n.Kind)
	require.Len(t, n.Children, 3)
	assert.True(t, n.Children[2].IsTerminal())
	assert.Equal(t, ast.KindDo, n.Children[2].Kind)
}

func TestIfWithElse(t *testing.T) {
	n := parseExprStr(t, "if x do 1 else 2 end")
	require.Equal(t, ast.KindIf, n.Kind)
	require.Len(t, n.Children[2].Children, 1)
}

func TestLambdaAndCall(t *testing.T) {
	n := parseExprStr(t, "(\\x, y -> x + y)(1, 2)")
	require.Equal(t, ast.KindCall, n.Kind)
	nargs, _ := n.Attr("nargs")
	assert.Equal(t, 2, nargs)

	lam := n.Children[0]
	require.Equal(t, ast.KindLambda, lam.Kind)
	nparams, _ := lam.Attr("nparams")
	assert.Equal(t, 2, nparams)
	assert.Equal(t, "x", lam.Children[0].Text)
	assert.Equal(t, "y", lam.Children[1].Text)
}

func TestTupleAndAccessAndSlice(t *testing.T) {
	tup := parseExprStr(t, "[1, 2, 3]")
	require.Equal(t, ast.KindTuple, tup.Kind)
	assert.Len(t, tup.Children, 3)

	acc := parseExprStr(t, "point.x")
	require.Equal(t, ast.KindAccess, acc.Kind)
	assert.Equal(t, "x", acc.Text)

	sl := parseExprStr(t, "xs[0:2]")
	require.Equal(t, ast.KindSlice, sl.Kind)
	assert.Len(t, sl.Children, 3)
}

func TestLenUnary(t *testing.T) {
	n := parseExprStr(t, "len(xs)")
	require.Equal(t, ast.KindLen, n.Kind)
	assert.Equal(t, ast.KindID, n.Children[0].Kind)
}

func TestSemicolonSeparatedStatements(t *testing.T) {
	n, err := Parse([]byte("import m; m.f(1)"))
	require.NoError(t, err)
	require.Len(t, n.Children, 2)
	assert.Equal(t, ast.KindImport, n.Children[0].Kind)
	assert.Equal(t, ast.KindAccess, n.Children[1].Children[0].Kind)
}

func TestTrapAndPanic(t *testing.T) {
	tr := parseExprStr(t, "trap(3, 1, x)")
	require.Equal(t, ast.KindTrap, tr.Kind)
	assert.Equal(t, int32(3), tr.IntVal)
	assert.Len(t, tr.Children, 2)

	pa := parseExprStr(t, "panic x")
	require.Equal(t, ast.KindPanic, pa.Kind)
}

func TestProgramWithImportDefAndModule(t *testing.T) {
	src := `
import list

def square = \x -> x * x

module geometry do
  def area = \w, h -> w * h
end

square(3)
`
	n, err := Parse([]byte(src))
	require.NoError(t, err)
	require.Equal(t, ast.KindDo, n.Kind)
	require.Len(t, n.Children, 4)
	assert.Equal(t, ast.KindImport, n.Children[0].Kind)
	assert.Equal(t, "list", n.Children[0].Text)
	assert.Equal(t, ast.KindDef, n.Children[1].Kind)
	assert.Equal(t, ast.KindModule, n.Children[2].Kind)
	assert.Equal(t, "geometry", n.Children[2].Text)
	assert.Equal(t, ast.KindCall, n.Children[3].Kind)
}

func TestParseErrorReportsFarthestPosition(t *testing.T) {
	_, err := Parse([]byte("let x = 1 in x"))
	require.Error(t, err)
	var perr *Error
	require.ErrorAs(t, err, &perr)
	// the farthest failure is the missing `end`, at the end of input
	assert.Equal(t, len("let x = 1 in x"), perr.Pos)
}
