package lexer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func kinds(t *testing.T, src string) []Kind {
	t.Helper()
	toks, err := Tokens([]byte(src))
	require.NoError(t, err)
	out := make([]Kind, len(toks))
	for i, tk := range toks {
		out[i] = tk.Kind
	}
	return out
}

func TestBasicTokens(t *testing.T) {
	got := kinds(t, "let x = 1 + 2 in x")
	want := []Kind{KWLET, IDENT, EQ, INT, PLUS, INT, KWIN, IDENT, EOF}
	assert.Equal(t, want, got)
}

func TestCommentsAreSkipped(t *testing.T) {
	got := kinds(t, "1 # trailing comment\n2")
	want := []Kind{INT, NEWLINE, INT, EOF}
	assert.Equal(t, want, got)
}

func TestSymbolAndString(t *testing.T) {
	toks, err := Tokens([]byte(`:foo "bar\n"`))
	require.NoError(t, err)
	require.Len(t, toks, 3)
	assert.Equal(t, SYM, toks[0].Kind)
	assert.Equal(t, "foo", toks[0].Text)
	assert.Equal(t, STRING, toks[1].Kind)
	assert.Equal(t, "bar\n", toks[1].Text)
}

func TestJoinAndArrowOperators(t *testing.T) {
	got := kinds(t, `a <> b -> c`)
	assert.Equal(t, []Kind{IDENT, JOINOP, IDENT, ARROW, IDENT, EOF}, got)
}

func TestLambdaAndPairOperators(t *testing.T) {
	got := kinds(t, `\x -> x :: y`)
	assert.Equal(t, []Kind{BACKSLASH, IDENT, ARROW, IDENT, COLONCOLON, IDENT, EOF}, got)
}

func TestSemicolonSeparatesLikeNewline(t *testing.T) {
	got := kinds(t, "1; 2")
	assert.Equal(t, []Kind{INT, NEWLINE, INT, EOF}, got)
}

func TestLenIsAKeyword(t *testing.T) {
	got := kinds(t, "len xs")
	assert.Equal(t, []Kind{KWLEN, IDENT, EOF}, got)
}

func TestIllegalCharacter(t *testing.T) {
	_, err := Tokens([]byte("@"))
	require.Error(t, err)
}
